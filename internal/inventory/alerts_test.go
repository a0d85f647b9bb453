package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func thresholdItem(autoReorder bool) Item {
	return Item{
		ID:                5,
		Code:              "THR",
		Name:              "Thread",
		CriticalThreshold: qty("5"),
		ReorderPoint:      qty("20"),
		ReorderQuantity:   qty("100"),
		AutoReorder:       autoReorder,
	}
}

func move(t *testing.T, env *testEnv, typ TransactionType, q string) {
	t.Helper()
	_, _, err := env.svc.ApplyTransaction(context.Background(), TransactionInput{Type: typ, ItemID: 5, WarehouseID: 1, Quantity: qty(q)})
	require.NoError(t, err)
}

func activeAlerts(t *testing.T, env *testEnv) []Alert {
	t.Helper()
	alerts, err := env.svc.ListAlerts(context.Background(), AlertFilter{ItemID: 5, ActiveOnly: true})
	require.NoError(t, err)
	return alerts
}

func TestAlertThresholdScenario(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))

	move(t, env, TransactionTypeReceipt, "25")
	require.Empty(t, activeAlerts(t, env))

	move(t, env, TransactionTypeIssue, "7")
	alerts := activeAlerts(t, env)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertLowStock, alerts[0].Type)
	requireQty(t, "18", alerts[0].CurrentQuantity)
	requireQty(t, "20", alerts[0].Threshold)

	move(t, env, TransactionTypeIssue, "14")
	alerts = activeAlerts(t, env)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertCriticalStock, alerts[0].Type)
	requireQty(t, "4", alerts[0].CurrentQuantity)

	all, err := env.svc.ListAlerts(context.Background(), AlertFilter{ItemID: 5})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestEvaluateAndAlertIsIdempotent(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	ctx := context.Background()
	move(t, env, TransactionTypeReceipt, "10")

	first, err := env.svc.EvaluateAndAlert(ctx, 5)
	require.NoError(t, err)
	second, err := env.svc.EvaluateAndAlert(ctx, 5)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, first, second)
	require.Len(t, env.repo.snapshot().alerts, 1)
}

func TestAlertsAreNotAutoResolved(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	move(t, env, TransactionTypeReceipt, "18")
	require.Len(t, activeAlerts(t, env), 1)

	move(t, env, TransactionTypeReceipt, "50")
	alerts := activeAlerts(t, env)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertLowStock, alerts[0].Type)
}

func TestCriticalAlertSuppressesLowStock(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	move(t, env, TransactionTypeReceipt, "3")
	move(t, env, TransactionTypeReceipt, "9")

	alerts := activeAlerts(t, env)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertCriticalStock, alerts[0].Type)
}

func TestAcknowledgeAndResolveAlert(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	ctx := context.Background()
	move(t, env, TransactionTypeReceipt, "15")
	alert := activeAlerts(t, env)[0]

	acked, err := env.svc.AcknowledgeAlert(ctx, alert.ID, 8)
	require.NoError(t, err)
	require.True(t, acked.Acknowledged())
	require.Equal(t, int64(8), acked.AcknowledgedBy)
	require.True(t, acked.Active)

	// A fresh breach reading clears the acknowledgement.
	move(t, env, TransactionTypeIssue, "2")
	alert = activeAlerts(t, env)[0]
	require.False(t, alert.Acknowledged())
	requireQty(t, "13", alert.CurrentQuantity)

	resolved, err := env.svc.ResolveAlert(ctx, alert.ID, 8)
	require.NoError(t, err)
	require.False(t, resolved.Active)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = env.svc.ResolveAlert(ctx, alert.ID, 8)
	require.ErrorIs(t, err, ErrAlertInactive)
	_, err = env.svc.AcknowledgeAlert(ctx, 404, 8)
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestReorderSignalOncePerBreach(t *testing.T) {
	env := newTestEnv(t, thresholdItem(true))
	ctx := context.Background()

	move(t, env, TransactionTypeReceipt, "25")
	move(t, env, TransactionTypeIssue, "7")
	require.Len(t, env.purchasing.signals, 1)
	signal := env.purchasing.signals[0]
	require.Equal(t, int64(5), signal.ItemID)
	require.Equal(t, AlertLowStock, signal.AlertType)
	requireQty(t, "100", signal.ReorderQuantity)
	requireQty(t, "18", signal.CurrentQuantity)

	move(t, env, TransactionTypeIssue, "3")
	move(t, env, TransactionTypeIssue, "11")
	require.Len(t, env.purchasing.signals, 1)

	critical := activeAlerts(t, env)[0]
	_, err := env.svc.ResolveAlert(ctx, critical.ID, 1)
	require.NoError(t, err)
	move(t, env, TransactionTypeReceipt, "46")
	require.Empty(t, activeAlerts(t, env))

	move(t, env, TransactionTypeIssue, "40")
	require.Len(t, env.purchasing.signals, 2)
}

func TestReevaluationWhileBreachedClearsAcknowledgement(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	ctx := context.Background()
	move(t, env, TransactionTypeReceipt, "18")
	alert := activeAlerts(t, env)[0]

	_, err := env.svc.AcknowledgeAlert(ctx, alert.ID, 8)
	require.NoError(t, err)
	active, err := env.svc.EvaluateAndAlert(ctx, 5)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.False(t, active[0].Acknowledged())
	require.Zero(t, active[0].AcknowledgedBy)
	require.Equal(t, alert.ID, active[0].ID)

	_, err = env.svc.AcknowledgeAlert(ctx, alert.ID, 8)
	require.NoError(t, err)
	move(t, env, TransactionTypeAllocation, "2")
	alert = activeAlerts(t, env)[0]
	require.False(t, alert.Acknowledged())
	requireQty(t, "18", alert.CurrentQuantity)
}

func TestZeroThresholdsNeverBreach(t *testing.T) {
	item := thresholdItem(true)
	item.CriticalThreshold, item.ReorderPoint = qty("0"), qty("0")
	env := newTestEnv(t, item)

	active, err := env.svc.EvaluateAndAlert(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Empty(t, env.repo.snapshot().alerts)
	require.Empty(t, env.purchasing.signals)
}
