package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
)

// ReorderStore persists purchase requests raised from stock alerts.
type ReorderStore interface {
	// CreateReorderRequest stores a draft request for signal and reports
	// whether a new request was created.
	CreateReorderRequest(ctx context.Context, signal inventory.ReorderSignal) (bool, error)
}

// PGReorderStore writes purchase_requests and purchase_request_lines.
type PGReorderStore struct {
	pool *pgxpool.Pool
}

// NewPGReorderStore constructs the store.
func NewPGReorderStore(pool *pgxpool.Pool) *PGReorderStore {
	return &PGReorderStore{pool: pool}
}

// CreateReorderRequest inserts the request and its single line. A request
// already stored for the alert is left untouched.
func (s *PGReorderStore) CreateReorderRequest(ctx context.Context, signal inventory.ReorderSignal) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("reorder store: pool not configured")
	}
	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var requestID int64
		err := tx.QueryRow(ctx, `INSERT INTO purchase_requests (alert_id, item_id, status, note, requested_at)
VALUES ($1, $2, 'draft', $3, $4)
ON CONFLICT (alert_id) DO NOTHING
RETURNING id`, signal.AlertID, signal.ItemID, reorderNote(signal), signal.RaisedAt).Scan(&requestID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO purchase_request_lines (request_id, item_id, quantity) VALUES ($1, $2, $3)`,
			requestID, signal.ItemID, signal.ReorderQuantity); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func reorderNote(signal inventory.ReorderSignal) string {
	return fmt.Sprintf("Auto reorder for %s: %s alert at %s on hand", signal.ItemCode, signal.AlertType, signal.CurrentQuantity.String())
}

// ReorderJob handles TaskInventoryReorder.
type ReorderJob struct {
	Store   ReorderStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReorderJob wires the reorder handler.
func NewReorderJob(store ReorderStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReorderJob {
	return &ReorderJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle stores the purchase request carried by the task.
func (j *ReorderJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("reorder: handler not configured")
	}
	var signal inventory.ReorderSignal
	if err := json.Unmarshal(t.Payload(), &signal); err != nil {
		return fmt.Errorf("reorder: decode payload: %w", asynq.SkipRetry)
	}
	if signal.ItemID <= 0 || signal.AlertID <= 0 || !signal.ReorderQuantity.IsPositive() {
		return fmt.Errorf("reorder: incomplete signal for alert %d: %w", signal.AlertID, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskInventoryReorder)
	logger := j.logger().With(slog.Int64("item_id", signal.ItemID), slog.Int64("alert_id", signal.AlertID))

	created, err := j.Store.CreateReorderRequest(ctx, signal)
	if err != nil {
		logger.Error("create purchase request", slog.Any("error", err))
		return tracker.End(err)
	}
	if created {
		j.metrics().AddReorderRequest(string(signal.AlertType))
		logger.Info("purchase request created", slog.String("quantity", signal.ReorderQuantity.String()))
	} else {
		logger.Info("purchase request already exists")
	}
	return tracker.End(nil)
}

func (j *ReorderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryReorder))
	}
	return slog.Default().With(slog.String("job", TaskInventoryReorder))
}

func (j *ReorderJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
