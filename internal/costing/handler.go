package costing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires the operator HTTP endpoints for the costing engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products/{productID}/lots", h.handleListLots)
	r.Get("/products/{productID}/valuation", h.handleValuation)
	r.Post("/recalculations", h.handleRecalculate)
}

type lotView struct {
	ID           int64      `json:"id"`
	Source       string     `json:"source"`
	SourceRef    string     `json:"source_ref,omitempty"`
	LotDate      time.Time  `json:"lot_date"`
	UnitCost     string     `json:"unit_cost"`
	InitialQty   string     `json:"initial_qty"`
	RemainingQty string     `json:"remaining_qty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	filter := LotFilter{
		ProductID:      productID,
		IncludeRetired: r.URL.Query().Get("include_retired") == "true",
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	lots, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("list lots", slog.Any("error", err), slog.Int64("product_id", productID))
		httpx.RespondError(w, err)
		return
	}
	views := make([]lotView, 0, len(lots))
	for _, lot := range lots {
		views = append(views, lotView{
			ID:           lot.ID,
			Source:       string(lot.Source),
			SourceRef:    lot.SourceRef,
			LotDate:      lot.LotDate,
			UnitCost:     lot.UnitCost.String(),
			InitialQty:   lot.InitialQty.String(),
			RemainingQty: lot.RemainingQty.String(),
			RetiredAt:    lot.RetiredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "lots": views})
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	valuation, err := h.service.GetValuation(r.Context(), productID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("get valuation", slog.Any("error", err), slog.Int64("product_id", productID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":    valuation.ProductID,
		"remaining_qty": valuation.RemainingQty.String(),
		"total_value":   valuation.TotalValue.String(),
		"lot_count":     valuation.LotCount,
	})
}

type recalculateRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	FromDate  string `json:"from_date" validate:"required,datetime=2006-01-02"`
	Trigger   string `json:"trigger" validate:"max=500"`
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fromDate, err := time.Parse("2006-01-02", req.FromDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from_date")
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual recalculation"
	}
	err = h.service.RecalculateFrom(r.Context(), req.ProductID, fromDate, costaudit.ReasonManual, trigger)
	if err != nil {
		switch {
		case errors.Is(err, ErrProductNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		case errors.Is(err, shared.ErrLockNotAcquired):
			httpx.Problem(w, http.StatusConflict, "Conflict", "product is being recalculated, retry shortly")
		default:
			h.logger.Error("manual recalculation", slog.Any("error", err), slog.Int64("product_id", req.ProductID))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	h.logger.Info("manual recalculation accepted",
		slog.Int64("product_id", req.ProductID),
		slog.String("from", req.FromDate))
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "recalculated", "product_id": req.ProductID})
}
