package inventory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateUnitDrawsFromLot(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")

	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40"), GenerateSerial: true, WarehouseID: 1})
	require.NoError(t, err)
	requireQty(t, "40", roll.Unit.Quantity)
	require.Equal(t, UnitAvailable, roll.Unit.Status)
	require.NotNil(t, roll.Serial)
	require.Equal(t, lot.LotNumber+"-U0001", roll.Serial.Number)

	plain, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("20")})
	require.NoError(t, err)
	require.Nil(t, plain.Serial)

	got, err := env.svc.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	requireQty(t, "40", got.RemainingQuantity)

	_, err = env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40.01")})
	require.ErrorIs(t, err, ErrInsufficientLot)
	got, _ = env.svc.GetLot(ctx, lot.ID)
	requireQty(t, "40", got.RemainingQuantity)

	units, err := env.svc.ListUnits(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, units, 2)

	fetched, err := env.svc.GetUnit(ctx, roll.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, roll.Serial.Number, fetched.Serial.Number)
}

func TestCreateUnitSerialNeedsTracking(t *testing.T) {
	item := fabric()
	item.TrackSerials = false
	env := newTestEnv(t, item)
	lot := receiveLot(t, env, 1, "10")

	_, err := env.svc.CreateUnit(context.Background(), CreateUnitInput{LotID: lot.ID, Quantity: qty("1"), GenerateSerial: true})
	require.ErrorIs(t, err, ErrSerialsNotTracked)
	require.ErrorIs(t, err, ErrCapability)
	got, _ := env.svc.GetLot(context.Background(), lot.ID)
	requireQty(t, "10", got.RemainingQuantity)
	require.Empty(t, env.repo.snapshot().units)
}

func TestSplitUnitDerivesSerial(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40"), GenerateSerial: true, WarehouseID: 1, LocationID: 2})
	require.NoError(t, err)

	split, err := env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: roll.Unit.ID, SplitQuantity: qty("15")})
	require.NoError(t, err)
	requireQty(t, "25", split.Original.Unit.Quantity)
	requireQty(t, "15", split.Split.Unit.Quantity)
	requireQty(t, "40", split.Original.Unit.Quantity.Add(split.Split.Unit.Quantity))
	require.Equal(t, roll.Unit.ID, split.Split.Unit.ParentUnitID)
	require.Equal(t, lot.ID, split.Split.Unit.LotID)
	require.Equal(t, int64(2), split.Split.Unit.LocationID)
	require.Contains(t, split.Original.Unit.Notes, "split 15 off, 25 left")

	require.NotNil(t, split.Split.Serial)
	require.Equal(t, roll.Serial.Number+"-S1-20261019093000", split.Split.Serial.Number)
	require.Equal(t, roll.Serial.Number, split.Original.Serial.Number)

	again, err := env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: roll.Unit.ID, SplitQuantity: qty("5")})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(again.Split.Serial.Number, roll.Serial.Number+"-S2-"))

	children, err := env.svc.UnitChildren(ctx, roll.Unit.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	// Splitting units never touches the lot.
	got, _ := env.svc.GetLot(ctx, lot.ID)
	requireQty(t, "60", got.RemainingQuantity)
}

func TestSplitUnitRejections(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40")})
	require.NoError(t, err)

	for _, amount := range []string{"0", "40", "41"} {
		_, err := env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: roll.Unit.ID, SplitQuantity: qty(amount)})
		require.ErrorIs(t, err, ErrInvalidSplitQuantity, amount)
	}
	_, err = env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: 999, SplitQuantity: qty("1")})
	require.ErrorIs(t, err, ErrUnitNotFound)

	got, err := env.svc.GetUnit(ctx, roll.Unit.ID)
	require.NoError(t, err)
	requireQty(t, "40", got.Unit.Quantity)
	require.Len(t, env.repo.snapshot().units, 1)
}

func TestSplitUnitRequiresAllowSplit(t *testing.T) {
	item := fabric()
	item.AllowSplit = false
	env := newTestEnv(t, item)
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40"), GenerateSerial: true})
	require.NoError(t, err)
	before := env.repo.snapshot()

	_, err = env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: roll.Unit.ID, SplitQuantity: qty("10")})
	require.ErrorIs(t, err, ErrSplitNotAllowed)
	require.ErrorIs(t, err, ErrCapability)

	after := env.repo.snapshot()
	require.Equal(t, before.units, after.units)
	require.Equal(t, before.serials, after.serials)
}

func TestDeleteUnitRestoresQuantity(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40"), GenerateSerial: true})
	require.NoError(t, err)
	split, err := env.svc.SplitUnit(ctx, SplitUnitInput{UnitID: roll.Unit.ID, SplitQuantity: qty("15")})
	require.NoError(t, err)

	require.ErrorIs(t, env.svc.DeleteUnit(ctx, roll.Unit.ID, 1), ErrUnitInUse)

	require.NoError(t, env.svc.DeleteUnit(ctx, split.Split.Unit.ID, 1))
	parent, err := env.svc.GetUnit(ctx, roll.Unit.ID)
	require.NoError(t, err)
	requireQty(t, "25", parent.Unit.Quantity)
	got, err := env.svc.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	requireQty(t, "75", got.RemainingQuantity)

	require.NoError(t, env.svc.DeleteUnit(ctx, roll.Unit.ID, 1))
	got, err = env.svc.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	requireQty(t, "100", got.RemainingQuantity)

	state := env.repo.snapshot()
	require.Empty(t, state.units)
	require.Empty(t, state.serials)
}

func TestIssueBySerialDrawsFromUnit(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "100")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("40"), GenerateSerial: true})
	require.NoError(t, err)

	in := TransactionInput{Type: TransactionTypeIssue, ItemID: 1, WarehouseID: 1, LotID: lot.ID, SerialID: roll.Serial.ID, Quantity: qty("40")}
	_, row, err := env.svc.ApplyTransaction(ctx, in)
	require.NoError(t, err)
	requireQty(t, "60", row.QuantityOnHand)

	got, err := env.svc.GetUnit(ctx, roll.Unit.ID)
	require.NoError(t, err)
	require.True(t, got.Unit.Quantity.IsZero())
	require.Equal(t, UnitConsumed, got.Unit.Status)
	lotNow, _ := env.svc.GetLot(ctx, lot.ID)
	requireQty(t, "60", lotNow.RemainingQuantity)

	in.Quantity = qty("1")
	_, _, err = env.svc.ApplyTransaction(ctx, in)
	require.ErrorIs(t, err, ErrInsufficientUnit)

	in.Type, in.Quantity = TransactionTypeAdjustment, qty("2")
	_, _, err = env.svc.ApplyTransaction(ctx, in)
	require.ErrorIs(t, err, ErrUnitIncrease)

	require.ErrorIs(t, env.svc.DeleteUnit(ctx, roll.Unit.ID, 1), ErrUnitInUse)
}

func TestSetUnitStatus(t *testing.T) {
	env := newTestEnv(t, fabric())
	ctx := context.Background()
	lot := receiveLot(t, env, 1, "10")
	roll, err := env.svc.CreateUnit(ctx, CreateUnitInput{LotID: lot.ID, Quantity: qty("5")})
	require.NoError(t, err)

	unit, err := env.svc.SetUnitStatus(ctx, roll.Unit.ID, UnitQuarantined, 3)
	require.NoError(t, err)
	require.Equal(t, UnitQuarantined, unit.Status)

	_, err = env.svc.SetUnitStatus(ctx, roll.Unit.ID, "lost", 3)
	require.ErrorIs(t, err, ErrInvalidUnitStatus)
}
