package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetLot(ctx context.Context, id int64) (Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	ListLotChildren(ctx context.Context, parentID int64) ([]Lot, error)
	GetUnit(ctx context.Context, id int64) (SerializedUnit, error)
	ListUnits(ctx context.Context, lotID int64) ([]SerializedUnit, error)
	ListUnitChildren(ctx context.Context, parentID int64) ([]SerializedUnit, error)
	GetSerialByUnit(ctx context.Context, unitID int64) (Serial, error)
	GetInventory(ctx context.Context, key InventoryKey) (Inventory, error)
	ListInventory(ctx context.Context, filter InventoryFilter) ([]Inventory, error)
	StockSummary(ctx context.Context, itemID int64) (StockSummary, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against posting the same business event twice.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// SourceLocker serialises work on one split source across processes.
type SourceLocker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Dependencies groups optional collaborators. Nil members are skipped.
type Dependencies struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	Purchasing  PurchasingPort
	Locker      SourceLocker
	Cache       *Cache
	Metrics     *Metrics
	Logger      *slog.Logger
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ConflictRetries bounds how often a unit of work is re-run after a
	// concurrency conflict. Zero means 3.
	ConflictRetries int
}

// Service coordinates the ledger, lot and unit registries and alerting.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	purchasing  PurchasingPort
	locker      SourceLocker
	cache       *Cache
	metrics     *Metrics
	logger      *slog.Logger
	attempts    int
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps Dependencies, cfg ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.ConflictRetries
	if attempts <= 0 {
		attempts = 3
	}
	return &Service{
		repo:        repo,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		purchasing:  deps.Purchasing,
		locker:      deps.Locker,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("module", "inventory")),
		attempts:    attempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// atomic runs fn as one unit of work, re-running it against fresh state when
// it hits a concurrency conflict. fn must not leak state between attempts.
func (s *Service) atomic(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	err := db.Retry(ctx, s.attempts, IsRetryable, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
	if err != nil {
		s.metrics.rejected(op, err)
	}
	return err
}

// guarded runs fn holding the distributed lock for key when a locker is configured.
func (s *Service) guarded(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, shared.ErrLockNotObtained) {
		err = fmt.Errorf("%w: %s busy", ErrConcurrencyConflict, key)
		s.metrics.rejected("lock", err)
		return err
	}
	if err != nil && !classified(err) && !errors.Is(err, ErrConservationViolated) {
		return fmt.Errorf("%w: lock %s: %w", ErrStorage, key, err)
	}
	return err
}

// cacheWrite tracks one operation's registration as a cache writer.
type cacheWrite struct {
	token string
	items []int64
}

func newCacheWrite() *cacheWrite {
	return &cacheWrite{token: uuid.NewString()}
}

// invalidate registers w as a writer on itemIDs from inside a unit of work;
// a failure aborts the write.
func (s *Service) invalidate(ctx context.Context, w *cacheWrite, itemIDs ...int64) error {
	w.items = itemIDs
	if err := s.cache.Begin(ctx, w.token, itemIDs...); err != nil {
		return fmt.Errorf("%w: invalidate cache: %w", ErrStorage, err)
	}
	return nil
}

// release ends w's registration after commit or rollback. Until it succeeds
// readers bypass the cache for the items, so a failure is only logged.
func (s *Service) release(ctx context.Context, w *cacheWrite) {
	if len(w.items) == 0 {
		return
	}
	if err := s.cache.Finish(ctx, w.token, w.items...); err != nil {
		s.logger.Warn("cache release after write", slog.Any("items", w.items), slog.Any("error", err))
	}
}

// committed runs the post-commit steps after a ledger change: releasing the
// cache registration and alert evaluation. The ledger write already
// succeeded, so failures here are logged rather than returned.
func (s *Service) committed(ctx context.Context, w *cacheWrite) {
	s.release(ctx, w)
	itemIDs := w.items
	seen := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, err := s.EvaluateAndAlert(ctx, id); err != nil {
			s.logger.Warn("evaluate alerts", slog.Int64("item_id", id), slog.Any("error", err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.String("entity_id", entityID), slog.Any("error", err))
	}
}
