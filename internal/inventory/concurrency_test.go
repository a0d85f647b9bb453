package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

const splitWorkers = 8

func withRedisLocker(t *testing.T, env *testEnv) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env.svc.locker = shared.NewLocker(client, 5*time.Second, nil)
}

// splitConcurrently runs fn from splitWorkers goroutines and returns every error.
func splitConcurrently(fn func() error) []error {
	errs := make([]error, splitWorkers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < splitWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func requireLotConserved(t *testing.T, env *testEnv, lotID int64, original string) int {
	t.Helper()
	ctx := context.Background()
	lot, err := env.svc.GetLot(ctx, lotID)
	require.NoError(t, err)
	children, err := env.svc.Children(ctx, lotID)
	require.NoError(t, err)
	total := lot.RemainingQuantity
	for _, child := range children {
		requireQty(t, "1", child.Quantity)
		total = total.Add(child.Quantity)
	}
	requireQty(t, original, total)
	requireQty(t, original, lot.Quantity)
	return len(children)
}

func TestConcurrentLotSplitsNeverLoseUpdates(t *testing.T) {
	env := newTestEnv(t, fabric())
	lot := receiveLot(t, env, 1, "100")
	env.repo.mu.Lock()
	env.repo.optimistic = true
	env.repo.mu.Unlock()

	errs := splitConcurrently(func() error {
		_, err := env.svc.SplitLot(context.Background(), SplitLotInput{LotID: lot.ID, SplitQuantity: qty("1")})
		return err
	})
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrConcurrencyConflict)
	}
	require.NotZero(t, succeeded)
	require.Equal(t, succeeded, requireLotConserved(t, env, lot.ID, "100"))
}

func TestLockedLotSplitsAllSucceed(t *testing.T) {
	env := newTestEnv(t, fabric())
	withRedisLocker(t, env)
	lot := receiveLot(t, env, 1, "100")
	env.repo.mu.Lock()
	env.repo.optimistic = true
	env.repo.mu.Unlock()

	errs := splitConcurrently(func() error {
		_, err := env.svc.SplitLot(context.Background(), SplitLotInput{LotID: lot.ID, SplitQuantity: qty("1")})
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, splitWorkers, requireLotConserved(t, env, lot.ID, "100"))

	got, err := env.svc.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	requireQty(t, "92", got.RemainingQuantity)
}

func TestLockedUnitSplitsAllSucceed(t *testing.T) {
	env := newTestEnv(t, fabric())
	withRedisLocker(t, env)
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "50")
	unit, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("20"), GenerateSerial: true})
	require.NoError(t, err)
	env.repo.mu.Lock()
	env.repo.optimistic = true
	env.repo.mu.Unlock()

	errs := splitConcurrently(func() error {
		_, err := env.svc.SplitUnit(context.Background(), SplitUnitInput{UnitID: unit.Unit.ID, SplitQuantity: qty("1")})
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	src, err := env.svc.GetUnit(ctx, unit.Unit.ID)
	require.NoError(t, err)
	children, err := env.svc.UnitChildren(ctx, unit.Unit.ID)
	require.NoError(t, err)
	require.Len(t, children, splitWorkers)
	total := src.Unit.Quantity
	for _, child := range children {
		total = total.Add(child.Quantity)
	}
	requireQty(t, "20", total)
	require.True(t, src.Unit.Quantity.Equal(decimal.NewFromInt(12)))

	numbers := make(map[string]struct{})
	for _, serial := range env.repo.snapshot().serials {
		numbers[serial.Number] = struct{}{}
	}
	require.Len(t, numbers, splitWorkers+1)
}
