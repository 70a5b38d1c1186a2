package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// CostingJobs binds queue handlers to the costing service.
type CostingJobs struct {
	service *costing.Service
	logger  *slog.Logger
}

// NewCostingJobs constructs the costing task handlers.
func NewCostingJobs(service *costing.Service, logger *slog.Logger) *CostingJobs {
	return &CostingJobs{service: service, logger: logger}
}

// Handlers returns the task registrations for the worker mux.
func (j *CostingJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCostingRecalculate, Handler: j.HandleRecalculate},
		{Type: TaskCostingZeroCogsSweep, Handler: j.HandleZeroCogsSweep},
	}
}

// HandleRecalculate replays costing for the product named in the payload.
func (j *CostingJobs) HandleRecalculate(ctx context.Context, t *asynq.Task) error {
	var payload RecalculatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	trigger := payload.Trigger
	if trigger == "" {
		trigger = "queued recalculation"
	}
	if err := j.service.RecalculateFrom(ctx, payload.ProductID, payload.FromDate, costaudit.ReasonRecalculation, trigger); err != nil {
		j.logger.Error("queued recalculation failed",
			slog.Int64("product_id", payload.ProductID),
			slog.Any("error", err))
		return err
	}
	return nil
}

// HandleZeroCogsSweep repairs zero-cost sales across all affected products.
func (j *CostingJobs) HandleZeroCogsSweep(ctx context.Context, t *asynq.Task) error {
	var payload ZeroCogsSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	productIDs, err := j.service.ProductsWithZeroCostSales(ctx)
	if err != nil {
		return err
	}
	if len(productIDs) == 0 {
		j.logger.Info("zero-cost sweep found nothing to repair",
			slog.Time("scheduled_for", payload.ScheduledFor))
		return nil
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range productIDs {
		id := id
		g.Go(func() error {
			repaired, err := j.service.RepairZeroCostSales(gctx, id)
			if err != nil {
				j.logger.Warn("zero-cost repair failed",
					slog.Int64("product_id", id),
					slog.Any("error", err))
				return err
			}
			if repaired {
				j.logger.Info("zero-cost sale repaired", slog.Int64("product_id", id))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	j.logger.Info("zero-cost sweep complete",
		slog.Int("products", len(productIDs)),
		slog.Duration("took", time.Since(started)))
	return nil
}
