package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCostingRecalculate replays costing history for one product.
	TaskCostingRecalculate = "costing:recalculate"
	// TaskCostingZeroCogsSweep repairs zero-cost sales across all products.
	TaskCostingZeroCogsSweep = "costing:zero_cogs_sweep"
)

// RecalculatePayload scopes one recalculation run.
type RecalculatePayload struct {
	ProductID int64     `json:"product_id"`
	FromDate  time.Time `json:"from_date"`
	Trigger   string    `json:"trigger"`
}

// NewRecalculateTask constructs an Asynq task for a product replay.
func NewRecalculateTask(payload RecalculatePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCostingRecalculate, body, asynq.Queue(QueueDefault)), nil
}

// ZeroCogsSweepPayload carries scheduling metadata.
type ZeroCogsSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewZeroCogsSweepTask constructs the nightly sweep task.
func NewZeroCogsSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ZeroCogsSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCostingZeroCogsSweep, body, asynq.Queue(QueueDefault)), nil
}
