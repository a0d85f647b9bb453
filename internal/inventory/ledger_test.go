package inventory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func plainItem() Item {
	return Item{ID: 2, Code: "BTN", Name: "Button"}
}

func TestApplyTransactionReceiptAndIssue(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()

	fact, row, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("10"), ActorID: 9})
	require.NoError(t, err)
	require.NotZero(t, fact.ID)
	require.Equal(t, int64(9), fact.CreatedBy)
	require.Equal(t, testNow, fact.TransactedAt)
	requireQty(t, "10", row.QuantityOnHand)

	_, row, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeIssue, ItemID: 2, WarehouseID: 1, Quantity: qty("4")})
	require.NoError(t, err)
	requireQty(t, "6", row.QuantityOnHand)
	requireQty(t, "6", row.QuantityAvailable())

	log, err := env.svc.ListTransactions(ctx, TransactionFilter{ItemID: 2})
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, TransactionTypeReceipt, log[0].Type)
	require.Equal(t, TransactionTypeIssue, log[1].Type)
	require.Contains(t, env.audit.actions(), "inventory:issue")
}

func TestApplyTransactionRejectionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, plainItem())

	_, _, err := env.svc.ApplyTransaction(context.Background(), TransactionInput{Type: TransactionTypeIssue, ItemID: 2, WarehouseID: 1, Quantity: qty("5")})
	require.ErrorIs(t, err, ErrInsufficientAvailable)
	require.ErrorIs(t, err, ErrValidation)

	state := env.repo.snapshot()
	require.Empty(t, state.inventory)
	require.Empty(t, state.transactions)
}

func TestApplyTransactionValidation(t *testing.T) {
	env := newTestEnv(t, plainItem(), fabric())
	ctx := context.Background()

	cases := []struct {
		name  string
		in    TransactionInput
		want  error
		class error
	}{
		{"zero quantity", TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1}, ErrInvalidQuantity, ErrValidation},
		{"negative receipt", TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("-1")}, ErrInvalidQuantity, ErrValidation},
		{"missing warehouse", TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, Quantity: qty("1")}, ErrMissingReference, ErrValidation},
		{"unknown type", TransactionInput{Type: "gift", ItemID: 2, WarehouseID: 1, Quantity: qty("1")}, ErrUnknownTransaction, ErrValidation},
		{"bad ref id", TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("1"), RefID: "PO-1"}, ErrInvalidRefID, ErrValidation},
		{"unknown item", TransactionInput{Type: TransactionTypeReceipt, ItemID: 99, WarehouseID: 1, Quantity: qty("1")}, ErrItemNotFound, ErrNotFound},
		{"lot required", TransactionInput{Type: TransactionTypeReceipt, ItemID: 1, WarehouseID: 1, Quantity: qty("1")}, ErrLotRequired, ErrValidation},
		{"lot on plain item", TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, LotID: 5, Quantity: qty("1")}, ErrBatchesNotTracked, ErrCapability},
		{"transfer without target", TransactionInput{Type: TransactionTypeTransfer, ItemID: 2, WarehouseID: 1, Quantity: qty("1")}, ErrTransferTarget, ErrValidation},
		{"transfer across lots", TransactionInput{Type: TransactionTypeTransfer, ItemID: 1, WarehouseID: 1, LotID: 1, ToWarehouseID: 2, ToLotID: 2, Quantity: qty("1")}, ErrTransferTarget, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.svc.ApplyTransaction(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, tc.class)
		})
	}
	require.Empty(t, env.repo.snapshot().transactions)
}

func TestLedgerNonNegativity(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()
	post := func(typ TransactionType, q string) (Inventory, error) {
		_, row, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: typ, ItemID: 2, WarehouseID: 1, Quantity: qty(q)})
		return row, err
	}

	_, err := post(TransactionTypeReceipt, "10")
	require.NoError(t, err)
	row, err := post(TransactionTypeAllocation, "6")
	require.NoError(t, err)
	requireQty(t, "4", row.QuantityAvailable())

	_, err = post(TransactionTypeIssue, "5")
	require.ErrorIs(t, err, ErrInsufficientAvailable)
	_, err = post(TransactionTypeAllocation, "5")
	require.ErrorIs(t, err, ErrInsufficientAvailable)
	_, err = post(TransactionTypeDeallocation, "7")
	require.ErrorIs(t, err, ErrInsufficientAllocated)
	_, err = post(TransactionTypeAdjustment, "-5")
	require.ErrorIs(t, err, ErrNegativeStock)

	row, err = post(TransactionTypeIssue, "4")
	require.NoError(t, err)
	requireQty(t, "6", row.QuantityOnHand)
	requireQty(t, "0", row.QuantityAvailable())

	row, err = post(TransactionTypeConsumption, "6")
	require.NoError(t, err)
	requireQty(t, "0", row.QuantityOnHand)
	requireQty(t, "0", row.QuantityAllocated)

	for _, r := range env.repo.snapshot().inventory {
		require.False(t, r.QuantityOnHand.IsNegative())
		require.False(t, r.QuantityAvailable().IsNegative())
	}
}

func TestConsumptionReleasesAllocation(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()
	for _, in := range []TransactionInput{
		{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("10")},
		{Type: TransactionTypeAllocation, ItemID: 2, WarehouseID: 1, Quantity: qty("3")},
	} {
		_, _, err := env.svc.ApplyTransaction(ctx, in)
		require.NoError(t, err)
	}
	_, row, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeConsumption, ItemID: 2, WarehouseID: 1, Quantity: qty("5")})
	require.NoError(t, err)
	requireQty(t, "5", row.QuantityOnHand)
	requireQty(t, "0", row.QuantityAllocated)
}

func TestTransferMovesStock(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()
	_, _, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("20")})
	require.NoError(t, err)

	fact, src, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeTransfer, ItemID: 2, WarehouseID: 1, ToWarehouseID: 2, ToLocationID: 7, Quantity: qty("5")})
	require.NoError(t, err)
	require.Equal(t, int64(2), fact.ToWarehouseID)
	requireQty(t, "15", src.QuantityOnHand)

	dst, err := env.svc.GetInventory(ctx, InventoryKey{ItemID: 2, WarehouseID: 2, LocationID: 7})
	require.NoError(t, err)
	requireQty(t, "5", dst.QuantityOnHand)

	_, _, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeTransfer, ItemID: 2, WarehouseID: 1, ToWarehouseID: 1, Quantity: qty("1")})
	require.ErrorIs(t, err, ErrTransferTarget)
	_, _, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeTransfer, ItemID: 2, WarehouseID: 1, ToWarehouseID: 2, Quantity: qty("50")})
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	summary, err := env.svc.ItemStock(ctx, 2)
	require.NoError(t, err)
	requireQty(t, "20", summary.QuantityOnHand)
	require.Equal(t, 2, summary.Rows)
}

func TestLotMovementsTrackRemaining(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "50")

	_, _, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeIssue, ItemID: 1, WarehouseID: 1, LotID: lot.ID, Quantity: qty("20")})
	require.NoError(t, err)
	got, err := env.svc.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	requireQty(t, "30", got.RemainingQuantity)
	requireQty(t, "50", got.Quantity)

	_, _, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeAdjustment, ItemID: 1, WarehouseID: 1, LotID: lot.ID, Quantity: qty("5")})
	require.NoError(t, err)
	got, _ = env.svc.GetLot(ctx, lot.ID)
	requireQty(t, "35", got.RemainingQuantity)

	// A correction larger than what was drawn cannot push the lot past its original quantity.
	_, row, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeAdjustment, ItemID: 1, WarehouseID: 1, LotID: lot.ID, Quantity: qty("100")})
	require.NoError(t, err)
	requireQty(t, "135", row.QuantityOnHand)
	got, _ = env.svc.GetLot(ctx, lot.ID)
	requireQty(t, "50", got.RemainingQuantity)

	other := Item{ID: 3, Code: "TWL", TrackBatches: true}
	env.repo.addItem(other)
	_, _, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeReceipt, ItemID: 3, WarehouseID: 1, LotID: lot.ID, Quantity: qty("1")})
	require.ErrorIs(t, err, ErrLotItemMismatch)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()
	in := TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("3"), IdempotencyKey: "grn-42"}

	_, _, err := env.svc.ApplyTransaction(ctx, in)
	require.NoError(t, err)
	_, _, err = env.svc.ApplyTransaction(ctx, in)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	// A failed posting releases its key.
	bad := TransactionInput{Type: TransactionTypeIssue, ItemID: 2, WarehouseID: 1, Quantity: qty("30"), IdempotencyKey: "gi-7"}
	_, _, err = env.svc.ApplyTransaction(ctx, bad)
	require.ErrorIs(t, err, ErrInsufficientAvailable)
	bad.Quantity = qty("1")
	_, _, err = env.svc.ApplyTransaction(ctx, bad)
	require.NoError(t, err)

	require.Len(t, env.repo.snapshot().transactions, 2)
}

func TestConflictsAreRetried(t *testing.T) {
	env := newTestEnv(t, plainItem())
	ctx := context.Background()
	in := TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("1")}

	env.repo.conflicts = 2
	_, _, err := env.svc.ApplyTransaction(ctx, in)
	require.NoError(t, err)

	env.repo.conflicts = 3
	_, _, err = env.svc.ApplyTransaction(ctx, in)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.True(t, IsRetryable(err))
	require.Len(t, env.repo.snapshot().transactions, 1)
}

func TestItemStockIsCachedAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, plainItem())
	env.svc.cache = NewCache(client, 0)
	ctx := context.Background()

	_, _, err := env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeReceipt, ItemID: 2, WarehouseID: 1, Quantity: qty("10")})
	require.NoError(t, err)
	summary, err := env.svc.ItemStock(ctx, 2)
	require.NoError(t, err)
	requireQty(t, "10", summary.QuantityOnHand)

	// Writes that bypass the service are not seen until the next ledger write.
	env.repo.mu.Lock()
	row := env.repo.state.inventory[InventoryKey{ItemID: 2, WarehouseID: 1}]
	row.QuantityOnHand = qty("99")
	env.repo.state.inventory[row.Key()] = row
	env.repo.mu.Unlock()
	summary, err = env.svc.ItemStock(ctx, 2)
	require.NoError(t, err)
	requireQty(t, "10", summary.QuantityOnHand)

	_, _, err = env.svc.ApplyTransaction(ctx, TransactionInput{Type: TransactionTypeAllocation, ItemID: 2, WarehouseID: 1, Quantity: qty("4")})
	require.NoError(t, err)
	summary, err = env.svc.ItemStock(ctx, 2)
	require.NoError(t, err)
	requireQty(t, "99", summary.QuantityOnHand)
	requireQty(t, "95", summary.QuantityAvailable)

	ver, err := env.svc.cache.Version(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), ver)
}
