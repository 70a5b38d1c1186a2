package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// RouteMounter registers a module's routes onto a chi router.
type RouteMounter interface {
	MountRoutes(r chi.Router)
}

// RouterParams aggregates handlers and shared dependencies.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	CostingHandler RouteMounter
	AuditHandler   RouteMounter
	JobHandler     RouteMounter
	Metrics        *observability.Metrics
}

// NewRouter builds the chi router with the full middleware chain.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/costing", func(r chi.Router) {
		if params.CostingHandler != nil {
			params.CostingHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
