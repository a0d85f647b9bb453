package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReorderSignal asks purchasing to replenish an item after a stock breach.
type ReorderSignal struct {
	ItemID          int64           `json:"item_id"`
	ItemCode        string          `json:"item_code"`
	AlertID         int64           `json:"alert_id"`
	AlertType       AlertType       `json:"alert_type"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	ReorderQuantity decimal.Decimal `json:"reorder_quantity"`
	RaisedAt        time.Time       `json:"raised_at"`
}

// PurchasingPort receives reorder signals. Implementations must not block on
// downstream processing.
type PurchasingPort interface {
	RequestReorder(ctx context.Context, signal ReorderSignal) error
}
