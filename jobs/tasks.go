package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries reorder requests ahead of maintenance work.
	QueueCritical = "critical"

	// TaskInventoryReorder turns a stock alert into a purchase request.
	TaskInventoryReorder = "inventory:reorder"
	// TaskLotExpiryScan reports lots approaching their expiry date.
	TaskLotExpiryScan = "inventory:lot_expiry_scan"
	// TaskIdempotencyCleanup purges old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewReorderTask builds the reorder task for signal. The task id is derived
// from the alert so a redelivered signal is deduplicated by the queue.
func NewReorderTask(signal inventory.ReorderSignal) (*asynq.Task, error) {
	if signal.ItemID <= 0 || signal.AlertID <= 0 {
		return nil, errors.New("jobs: reorder signal requires item and alert")
	}
	body, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryReorder, body,
		asynq.Queue(QueueCritical),
		asynq.TaskID(fmt.Sprintf("reorder:%d", signal.AlertID)),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour),
	), nil
}

// LotExpiryPayload configures the expiry scan window.
type LotExpiryPayload struct {
	WithinDays int `json:"within_days"`
}

// NewLotExpiryTask builds the lot expiry scan task.
func NewLotExpiryTask(withinDays int) (*asynq.Task, error) {
	body, err := json.Marshal(LotExpiryPayload{WithinDays: withinDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLotExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
