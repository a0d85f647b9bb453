package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a read-side cache of per-item stock summaries. Keys embed a
// per-item version. A writer registers itself on the item and bumps the
// version inside its transaction, then deregisters and bumps again once the
// transaction is over. Readers do not populate the cache while any writer is
// registered, and registrations expire with the cache TTL, so a writer that
// fails to finish only disables caching for that item until then.
// A nil Cache or client disables caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) enabled() bool { return c != nil && c.client != nil }

func versionKey(itemID int64) string {
	return fmt.Sprintf("inventory:item:%d:version", itemID)
}

// Version returns the current cache version of the item.
func (c *Cache) Version(ctx context.Context, itemID int64) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func writersKey(itemID int64) string {
	return fmt.Sprintf("inventory:item:%d:writers", itemID)
}

// Begin registers token as an in-flight writer on every item and bumps
// their versions.
func (c *Cache) Begin(ctx context.Context, token string, itemIDs ...int64) error {
	if !c.enabled() || len(itemIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range itemIDs {
			pipe.SAdd(ctx, writersKey(id), token)
			pipe.Expire(ctx, writersKey(id), c.ttl)
			pipe.Incr(ctx, versionKey(id))
		}
		return nil
	})
	return err
}

// Finish deregisters token and bumps the versions again. It is called after
// commit and after rollback alike.
func (c *Cache) Finish(ctx context.Context, token string, itemIDs ...int64) error {
	if !c.enabled() || len(itemIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range itemIDs {
			pipe.SRem(ctx, writersKey(id), token)
			pipe.Incr(ctx, versionKey(id))
		}
		return nil
	})
	return err
}

// StockSummary returns the cached summary or populates it using loader.
// Concurrent misses for the same key share one load.
func (c *Cache) StockSummary(ctx context.Context, itemID int64, loader func(context.Context) (StockSummary, error)) (StockSummary, error) {
	if !c.enabled() {
		return loader(ctx)
	}
	var (
		verCmd     *redis.StringCmd
		writersCmd *redis.IntCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		verCmd = pipe.Get(ctx, versionKey(itemID))
		writersCmd = pipe.SCard(ctx, writersKey(itemID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return StockSummary{}, err
	}
	if writersCmd.Val() > 0 {
		return loader(ctx)
	}
	ver, err := verCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return StockSummary{}, err
	}
	key := fmt.Sprintf("inventory:item:%d:stock:%d", itemID, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summary StockSummary
		if err := json.Unmarshal(payload, &summary); err == nil {
			return summary, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return StockSummary{}, err
	}
	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		summary, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(summary)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return summary, nil
	})
	if err != nil {
		return StockSummary{}, err
	}
	return value.(StockSummary), nil
}
