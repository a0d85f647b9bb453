package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained indicates another process holds the lock.
var ErrLockNotObtained = errors.New("lock held by another process")

// SplitLockKey builds redis keys guarding a split source.
func SplitLockKey(kind string, id int64) string {
	return fmt.Sprintf("inventory:%s:%d:lock", kind, id)
}

// Locker serialises critical sections across processes with redis locks.
type Locker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	logger  *slog.Logger
}

// NewLocker builds a Locker. Locks expire after ttl if the holder dies.
func NewLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: redislock.New(client), ttl: ttl, retries: 20, logger: logger}
}

// WithLock runs fn while holding key. It waits briefly for a held lock and
// returns ErrLockNotObtained when it stays held.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return fmt.Errorf("obtain lock %s: %w", key, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release lock", slog.String("key", key), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}
