package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of decimal places quantity columns store
// (NUMERIC(18,4)). Finer quantities are rejected rather than rounded.
const QuantityScale int32 = 4

// fitsScale reports whether q is representable at QuantityScale.
func fitsScale(q decimal.Decimal) bool {
	return q.Equal(q.Round(QuantityScale))
}

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypeReceipt increases on-hand.
	TransactionTypeReceipt TransactionType = "receipt"
	// TransactionTypeIssue decreases on-hand.
	TransactionTypeIssue TransactionType = "issue"
	// TransactionTypeAdjustment applies a signed correction to on-hand.
	TransactionTypeAdjustment TransactionType = "adjustment"
	// TransactionTypeAllocation reserves available stock.
	TransactionTypeAllocation TransactionType = "allocation"
	// TransactionTypeDeallocation releases reserved stock.
	TransactionTypeDeallocation TransactionType = "deallocation"
	// TransactionTypeConsumption decreases on-hand and releases the matching allocation.
	TransactionTypeConsumption TransactionType = "consumption"
	// TransactionTypeTransfer moves on-hand between two ledger rows.
	TransactionTypeTransfer TransactionType = "transfer"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeReceipt, TransactionTypeIssue, TransactionTypeAdjustment,
		TransactionTypeAllocation, TransactionTypeDeallocation,
		TransactionTypeConsumption, TransactionTypeTransfer:
		return true
	}
	return false
}

// QualityStatus of a lot.
type QualityStatus string

const (
	QualityPending  QualityStatus = "pending"
	QualityApproved QualityStatus = "approved"
	QualityRejected QualityStatus = "rejected"
)

// Valid reports whether s is a known quality status.
func (s QualityStatus) Valid() bool {
	return s == QualityPending || s == QualityApproved || s == QualityRejected
}

// UnitStatus of a serialized unit.
type UnitStatus string

const (
	UnitAvailable   UnitStatus = "available"
	UnitReserved    UnitStatus = "reserved"
	UnitInUse       UnitStatus = "in_use"
	UnitConsumed    UnitStatus = "consumed"
	UnitQuarantined UnitStatus = "quarantined"
)

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitAvailable, UnitReserved, UnitInUse, UnitConsumed, UnitQuarantined:
		return true
	}
	return false
}

// AlertType identifies a stock threshold alert.
type AlertType string

const (
	AlertLowStock      AlertType = "low_stock"
	AlertCriticalStock AlertType = "critical_stock"
)

// Item is the subset of the item master consumed by the ledger.
type Item struct {
	ID                int64
	Code              string
	Name              string
	TrackBatches      bool
	TrackSerials      bool
	AllowSplit        bool
	ReorderPoint      decimal.Decimal
	CriticalThreshold decimal.Decimal
	ReorderQuantity   decimal.Decimal
	AutoReorder       bool
}

// InventoryKey identifies a ledger row. Zero LocationID/LotID means none.
type InventoryKey struct {
	ItemID      int64
	WarehouseID int64
	LocationID  int64
	LotID       int64
}

// Inventory is the authoritative quantity for one ledger tuple.
type Inventory struct {
	ID                int64           `json:"id"`
	ItemID            int64           `json:"item_id"`
	WarehouseID       int64           `json:"warehouse_id"`
	LocationID        int64           `json:"location_id"`
	LotID             int64           `json:"lot_id"`
	QuantityOnHand    decimal.Decimal `json:"quantity_on_hand"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated"`
	Version           int64           `json:"version"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Key returns the tuple identifying the row.
func (i Inventory) Key() InventoryKey {
	return InventoryKey{ItemID: i.ItemID, WarehouseID: i.WarehouseID, LocationID: i.LocationID, LotID: i.LotID}
}

// QuantityAvailable is on-hand minus allocated.
func (i Inventory) QuantityAvailable() decimal.Decimal {
	return i.QuantityOnHand.Sub(i.QuantityAllocated)
}

// Transaction is an immutable fact recording a quantity change.
type Transaction struct {
	ID            int64           `json:"id"`
	Type          TransactionType `json:"type"`
	ItemID        int64           `json:"item_id"`
	WarehouseID   int64           `json:"warehouse_id"`
	LocationID    int64           `json:"location_id"`
	LotID         int64           `json:"lot_id"`
	SerialID      int64           `json:"serial_id"`
	ToWarehouseID int64           `json:"to_warehouse_id"`
	ToLocationID  int64           `json:"to_location_id"`
	ToLotID       int64           `json:"to_lot_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	RefModule     string          `json:"ref_module"`
	RefID         string          `json:"ref_id"`
	Note          string          `json:"note"`
	CreatedBy     int64           `json:"created_by"`
	TransactedAt  time.Time       `json:"transacted_at"`
}

// Lot is a received quantity of an item sharing provenance.
type Lot struct {
	ID                int64           `json:"id"`
	ItemID            int64           `json:"item_id"`
	LotNumber         string          `json:"lot_number"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	QualityStatus     QualityStatus   `json:"quality_status"`
	ManufacturedAt    *time.Time      `json:"manufactured_at,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CertificationRef  string          `json:"certification_ref"`
	DivisionID        int64           `json:"division_id"`
	ParentLotID       int64           `json:"parent_lot_id"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SerializedUnit is an individually identified physical instance drawn from a lot.
type SerializedUnit struct {
	ID           int64           `json:"id"`
	LotID        int64           `json:"lot_id"`
	ItemID       int64           `json:"item_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       UnitStatus      `json:"status"`
	ParentUnitID int64           `json:"parent_unit_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	LocationID   int64           `json:"location_id"`
	Notes        string          `json:"notes"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Serial is the optional one-to-one identity of a unit.
type Serial struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	ItemID    int64     `json:"item_id"`
	LotID     int64     `json:"lot_id"`
	UnitID    int64     `json:"unit_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is the active threshold alert for an item and type.
type Alert struct {
	ID              int64           `json:"id"`
	ItemID          int64           `json:"item_id"`
	Type            AlertType       `json:"type"`
	Message         string          `json:"message"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	Threshold       decimal.Decimal `json:"threshold"`
	Active          bool            `json:"active"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  int64           `json:"acknowledged_by"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      int64           `json:"resolved_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Acknowledged reports whether the alert was acknowledged since it last fired.
func (a Alert) Acknowledged() bool { return a.AcknowledgedAt != nil }

// StockSummary aggregates all ledger rows of an item.
type StockSummary struct {
	ItemID            int64           `json:"item_id"`
	QuantityOnHand    decimal.Decimal `json:"quantity_on_hand"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	Rows              int             `json:"rows"`
}

// TransactionInput describes a business event posted to the ledger.
type TransactionInput struct {
	Type           TransactionType
	ItemID         int64
	WarehouseID    int64
	LocationID     int64
	LotID          int64
	SerialID       int64
	ToWarehouseID  int64
	ToLocationID   int64
	ToLotID        int64
	Quantity       decimal.Decimal
	RefModule      string
	RefID          string
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// ReceiveLotInput creates a lot and posts its receipt.
type ReceiveLotInput struct {
	ItemID           int64
	WarehouseID      int64
	LocationID       int64
	LotNumber        string
	Quantity         decimal.Decimal
	QualityStatus    QualityStatus
	ManufacturedAt   *time.Time
	ExpiresAt        *time.Time
	CertificationRef string
	DivisionID       int64
	RefModule        string
	RefID            string
	Note             string
	ActorID          int64
}

// SplitLotInput describes a lot split. When WarehouseID is set, the split
// quantity is also moved between the ledger rows of the two lots.
type SplitLotInput struct {
	LotID         int64
	SplitQuantity decimal.Decimal
	NewLotNumber  string
	WarehouseID   int64
	LocationID    int64
	ActorID       int64
}

// LotSplit is the result of a lot split.
type LotSplit struct {
	Original Lot `json:"original"`
	Split    Lot `json:"split"`
}

// CreateUnitInput draws a unit from a lot.
type CreateUnitInput struct {
	LotID          int64
	Quantity       decimal.Decimal
	GenerateSerial bool
	WarehouseID    int64
	LocationID     int64
	Notes          string
	ActorID        int64
}

// SplitUnitInput describes a unit split.
type SplitUnitInput struct {
	UnitID        int64
	SplitQuantity decimal.Decimal
	ActorID       int64
}

// UnitWithSerial pairs a unit with its optional serial.
type UnitWithSerial struct {
	Unit   SerializedUnit `json:"unit"`
	Serial *Serial        `json:"serial,omitempty"`
}

// UnitSplit is the result of a unit split.
type UnitSplit struct {
	Original UnitWithSerial `json:"original"`
	Split    UnitWithSerial `json:"split"`
}

// LineageTotals summarises a lot and its descendants.
type LineageTotals struct {
	LotID             int64           `json:"lot_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	DescendantTotal   decimal.Decimal `json:"descendant_total"`
	Descendants       int             `json:"descendants"`
}

// InventoryFilter filters ledger rows.
type InventoryFilter struct {
	ItemID      int64
	WarehouseID int64
	LotID       int64
	Limit       int
}

// TransactionFilter filters the transaction log.
type TransactionFilter struct {
	ItemID      int64
	WarehouseID int64
	LotID       int64
	Type        TransactionType
	From        time.Time
	To          time.Time
	Limit       int
}

// LotFilter filters lots.
type LotFilter struct {
	ItemID        int64
	QualityStatus QualityStatus
	ExpiresBefore time.Time
	Limit         int
}

// AlertFilter filters alerts.
type AlertFilter struct {
	ItemID     int64
	ActiveOnly bool
	Limit      int
}
