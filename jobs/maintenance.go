package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
)

// KeyCleaner removes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob handles TaskIdempotencyCleanup.
type IdempotencyCleanupJob struct {
	Keys    KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle purges keys past the payload retention, 30 days when unset.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %w", asynq.SkipRetry)
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	removed, err := j.Keys.Cleanup(ctx, retention)
	if err != nil {
		return tracker.End(err)
	}
	metrics.AddPurged("idempotency_keys", removed)
	jobLogger(j.Logger, TaskIdempotencyCleanup).Info("idempotency keys purged",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention),
	)
	return tracker.End(nil)
}

// ExpiringLotLister lists lots expiring within a window.
type ExpiringLotLister interface {
	ListExpiringLots(ctx context.Context, itemID int64, within time.Duration) ([]inventory.Lot, error)
}

// LotExpiryJob handles TaskLotExpiryScan. It logs every lot with stock left
// that expires inside the window.
type LotExpiryJob struct {
	Lots    ExpiringLotLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle runs the scan.
func (j *LotExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Lots == nil {
		return errors.New("lot expiry: handler not configured")
	}
	var payload LotExpiryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("lot expiry: decode payload: %w", asynq.SkipRetry)
	}
	if payload.WithinDays <= 0 {
		payload.WithinDays = 30
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskLotExpiryScan)
	lots, err := j.Lots.ListExpiringLots(ctx, 0, time.Duration(payload.WithinDays)*24*time.Hour)
	if err != nil {
		return tracker.End(err)
	}
	logger := jobLogger(j.Logger, TaskLotExpiryScan)
	flagged := 0
	for _, lot := range lots {
		if !lot.RemainingQuantity.IsPositive() || lot.ExpiresAt == nil {
			continue
		}
		flagged++
		logger.Warn("lot nearing expiry",
			slog.Int64("lot_id", lot.ID),
			slog.String("lot_number", lot.LotNumber),
			slog.Int64("item_id", lot.ItemID),
			slog.String("remaining", lot.RemainingQuantity.String()),
			slog.Time("expires_at", *lot.ExpiresAt),
		)
	}
	logger.Info("lot expiry scan completed", slog.Int("within_days", payload.WithinDays), slog.Int("flagged", flagged))
	return tracker.End(nil)
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
