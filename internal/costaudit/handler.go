package costaudit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the cost audit ledger over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleQuery)
}

type entryView struct {
	ID         int64     `json:"id"`
	ProductID  int64     `json:"product_id"`
	SaleLineID int64     `json:"sale_line_id"`
	OldCost    string    `json:"old_cost"`
	NewCost    string    `json:"new_cost"`
	Delta      string    `json:"delta"`
	Reason     string    `json:"reason"`
	Trigger    string    `json:"trigger"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, problem := parseFilter(r)
	if problem != "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", problem)
		return
	}
	result, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("query cost audit", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	views := make([]entryView, 0, len(result.Entries))
	for _, e := range result.Entries {
		views = append(views, entryView{
			ID:         e.ID,
			ProductID:  e.ProductID,
			SaleLineID: e.SaleLineID,
			OldCost:    e.OldCost.String(),
			NewCost:    e.NewCost.String(),
			Delta:      e.Delta.String(),
			Reason:     string(e.Reason),
			Trigger:    e.Trigger,
			OccurredAt: e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"paging": map[string]int{
			"page":        result.Pagination.Page,
			"per_page":    result.Pagination.PerPage,
			"total":       result.Pagination.Total,
			"total_pages": result.Pagination.TotalPages,
		},
	})
}

func parseFilter(r *http.Request) (Filter, string) {
	var filter Filter
	q := r.URL.Query()
	if v := q.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Filter{}, "invalid product_id"
		}
		filter.ProductID = id
	}
	if v := q.Get("sale_line_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Filter{}, "invalid sale_line_id"
		}
		filter.SaleLineID = id
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return Filter{}, "invalid from date"
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return Filter{}, "invalid to date"
		}
		// Include the whole day.
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if v := q.Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil {
			filter.Page = page
		}
	}
	if v := q.Get("per_page"); v != "" {
		if perPage, err := strconv.Atoi(v); err == nil {
			filter.PerPage = perPage
		}
	}
	return filter, ""
}
