package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// TaskIdempotencyCleanup prunes processed idempotency keys.
const TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"

// IdempotencyCleanupPayload carries the retention window.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// MaintenanceJobs holds handlers for housekeeping tasks.
type MaintenanceJobs struct {
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
}

// NewMaintenanceJobs constructs the maintenance handlers.
func NewMaintenanceJobs(store *shared.IdempotencyStore, logger *slog.Logger) *MaintenanceJobs {
	return &MaintenanceJobs{idempotency: store, logger: logger}
}

// HandleIdempotencyCleanup removes keys older than the retention window.
func (j *MaintenanceJobs) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := j.idempotency.Cleanup(ctx, retention); err != nil {
		j.logger.Error("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
	return nil
}
