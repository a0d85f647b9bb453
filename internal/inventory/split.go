package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Splittable is a record whose quantity pool can be partitioned into a child
// record of the same kind. Split must not validate; SplitRecord does.
type Splittable[T any] interface {
	SplitPool() decimal.Decimal
	Split(amount decimal.Decimal, at time.Time) (original T, child T)
}

// SplitRecord validates 0 < amount < pool, splits src and verifies that the
// pool is conserved across the two resulting records.
func SplitRecord[T Splittable[T]](src T, amount decimal.Decimal, at time.Time) (T, T, error) {
	var zero T
	pool := src.SplitPool()
	if !amount.IsPositive() || amount.GreaterThanOrEqual(pool) {
		return zero, zero, ErrInvalidSplitQuantity
	}
	original, child := src.Split(amount, at)
	if !original.SplitPool().Add(child.SplitPool()).Equal(pool) {
		return zero, zero, fmt.Errorf("%w: %s + %s != %s", ErrConservationViolated, original.SplitPool(), child.SplitPool(), pool)
	}
	return original, child, nil
}

// SplitPool is the remaining quantity of the lot.
func (l Lot) SplitPool() decimal.Decimal { return l.RemainingQuantity }

// Split carves amount off the lot. The child inherits provenance and points
// at l as its parent; it has no id or number yet.
func (l Lot) Split(amount decimal.Decimal, at time.Time) (Lot, Lot) {
	child := Lot{
		ItemID:            l.ItemID,
		Quantity:          amount,
		RemainingQuantity: amount,
		QualityStatus:     l.QualityStatus,
		ManufacturedAt:    l.ManufacturedAt,
		ReceivedAt:        l.ReceivedAt,
		ExpiresAt:         l.ExpiresAt,
		CertificationRef:  l.CertificationRef,
		DivisionID:        l.DivisionID,
		ParentLotID:       l.ID,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	l.RemainingQuantity = l.RemainingQuantity.Sub(amount)
	l.UpdatedAt = at
	return l, child
}

// SplitPool is the quantity of the unit; a unit is one physical instance.
func (u SerializedUnit) SplitPool() decimal.Decimal { return u.Quantity }

// Split carves amount off the unit into a child on the same lot.
func (u SerializedUnit) Split(amount decimal.Decimal, at time.Time) (SerializedUnit, SerializedUnit) {
	child := SerializedUnit{
		LotID:        u.LotID,
		ItemID:       u.ItemID,
		Quantity:     amount,
		Status:       u.Status,
		ParentUnitID: u.ID,
		WarehouseID:  u.WarehouseID,
		LocationID:   u.LocationID,
		Notes:        fmt.Sprintf("split from unit %d", u.ID),
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	u.Quantity = u.Quantity.Sub(amount)
	u.Notes = appendNote(u.Notes, fmt.Sprintf("%s split %s off, %s left", at.Format(time.RFC3339), amount, u.Quantity))
	u.UpdatedAt = at
	return u, child
}

func appendNote(notes, line string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
