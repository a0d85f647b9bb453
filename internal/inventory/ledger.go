package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

const idempotencyModule = "inventory"

// ApplyTransaction posts a business event to the ledger. The ledger row for
// the tuple is created on first use. A rejected transaction leaves no trace.
func (s *Service) ApplyTransaction(ctx context.Context, in TransactionInput) (Transaction, Inventory, error) {
	if err := validateTransaction(in); err != nil {
		s.metrics.rejected("apply_transaction", err)
		return Transaction{}, Inventory{}, err
	}
	if in.Type == TransactionTypeTransfer && in.ToLotID != 0 && in.ToLotID != in.LotID {
		s.metrics.rejected("apply_transaction", ErrTransferTarget)
		return Transaction{}, Inventory{}, ErrTransferTarget
	}

	claimed := false
	if in.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				err = fmt.Errorf("%w: %s", ErrDuplicateRequest, in.IdempotencyKey)
			} else {
				err = fmt.Errorf("%w: idempotency: %w", ErrStorage, err)
			}
			s.metrics.rejected("apply_transaction", err)
			return Transaction{}, Inventory{}, err
		}
		claimed = true
	}

	var result posting
	w := newCacheWrite()
	err := s.atomic(ctx, "apply_transaction", func(ctx context.Context, tx TxRepository) error {
		posted, err := s.post(ctx, tx, in, s.now())
		if err != nil {
			return err
		}
		result = posted
		return s.invalidate(ctx, w, in.ItemID)
	})
	if err != nil {
		s.release(ctx, w)
		if claimed {
			if derr := s.idempotency.Delete(ctx, in.IdempotencyKey); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", in.IdempotencyKey), slog.Any("error", derr))
			}
		}
		return Transaction{}, Inventory{}, err
	}

	s.metrics.transaction(in.Type)
	s.committed(ctx, w)
	s.recordAudit(ctx, in.ActorID, "inventory:"+string(in.Type), "inventory_tx", strconv.FormatInt(result.Transaction.ID, 10), map[string]any{
		"item_id":      in.ItemID,
		"warehouse_id": in.WarehouseID,
		"lot_id":       in.LotID,
		"quantity":     in.Quantity.String(),
		"ref_module":   in.RefModule,
		"ref_id":       in.RefID,
	})
	return result.Transaction, result.Row, nil
}

func validateTransaction(in TransactionInput) error {
	if !in.Type.Valid() {
		return ErrUnknownTransaction
	}
	if in.ItemID == 0 || in.WarehouseID == 0 {
		return ErrMissingReference
	}
	if in.Type == TransactionTypeAdjustment {
		if in.Quantity.IsZero() {
			return ErrInvalidQuantity
		}
	} else if !in.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !fitsScale(in.Quantity) {
		return ErrQuantityPrecision
	}
	if in.Type == TransactionTypeTransfer && in.ToWarehouseID == 0 {
		return ErrTransferTarget
	}
	if in.RefID != "" {
		if _, err := uuid.Parse(in.RefID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRefID, err)
		}
	}
	return nil
}

// posting is the outcome of one ledger write.
type posting struct {
	Transaction Transaction
	Row         Inventory
	Destination Inventory
}

// post applies one validated transaction inside tx. Transfers may carry a
// destination lot different from the source; the public entry point forbids
// that and only lot splits use it.
func (s *Service) post(ctx context.Context, tx TxRepository, in TransactionInput, at time.Time) (posting, error) {
	item, err := tx.GetItem(ctx, in.ItemID)
	if err != nil {
		return posting{}, err
	}
	if item.TrackBatches && in.LotID == 0 {
		return posting{}, ErrLotRequired
	}
	if !item.TrackBatches && in.LotID != 0 {
		return posting{}, ErrBatchesNotTracked
	}

	var lot *Lot
	if in.LotID != 0 {
		l, err := tx.GetLotForUpdate(ctx, in.LotID)
		if err != nil {
			return posting{}, err
		}
		if l.ItemID != item.ID {
			return posting{}, ErrLotItemMismatch
		}
		lot = &l
	}

	var unit *SerializedUnit
	if in.SerialID != 0 {
		if !item.TrackSerials {
			return posting{}, ErrSerialsNotTracked
		}
		serial, err := tx.GetSerial(ctx, in.SerialID)
		if err != nil {
			return posting{}, err
		}
		if serial.ItemID != item.ID || serial.LotID != in.LotID {
			return posting{}, ErrSerialMismatch
		}
		u, err := tx.GetUnitForUpdate(ctx, serial.UnitID)
		if err != nil {
			return posting{}, err
		}
		unit = &u
	}

	key := InventoryKey{ItemID: item.ID, WarehouseID: in.WarehouseID, LocationID: in.LocationID, LotID: in.LotID}
	row, err := lockRow(ctx, tx, key)
	if err != nil {
		return posting{}, err
	}

	q := in.Quantity
	var draw, restore decimal.Decimal
	switch in.Type {
	case TransactionTypeReceipt:
		row.QuantityOnHand = row.QuantityOnHand.Add(q)
	case TransactionTypeIssue:
		if q.GreaterThan(row.QuantityAvailable()) {
			return posting{}, ErrInsufficientAvailable
		}
		row.QuantityOnHand = row.QuantityOnHand.Sub(q)
		draw = q
	case TransactionTypeAdjustment:
		if q.IsNegative() {
			if q.Neg().GreaterThan(row.QuantityAvailable()) {
				return posting{}, ErrNegativeStock
			}
			draw = q.Neg()
		} else {
			if unit != nil {
				return posting{}, ErrUnitIncrease
			}
			restore = q
		}
		row.QuantityOnHand = row.QuantityOnHand.Add(q)
	case TransactionTypeAllocation:
		if q.GreaterThan(row.QuantityAvailable()) {
			return posting{}, ErrInsufficientAvailable
		}
		row.QuantityAllocated = row.QuantityAllocated.Add(q)
	case TransactionTypeDeallocation:
		if q.GreaterThan(row.QuantityAllocated) {
			return posting{}, ErrInsufficientAllocated
		}
		row.QuantityAllocated = row.QuantityAllocated.Sub(q)
	case TransactionTypeConsumption:
		release := decimal.Min(q, row.QuantityAllocated)
		if q.Sub(release).GreaterThan(row.QuantityAvailable()) {
			return posting{}, ErrInsufficientAvailable
		}
		row.QuantityOnHand = row.QuantityOnHand.Sub(q)
		row.QuantityAllocated = row.QuantityAllocated.Sub(release)
		draw = q
	case TransactionTypeTransfer:
		if q.GreaterThan(row.QuantityAvailable()) {
			return posting{}, ErrInsufficientAvailable
		}
		row.QuantityOnHand = row.QuantityOnHand.Sub(q)
	default:
		return posting{}, ErrUnknownTransaction
	}
	if row.QuantityOnHand.IsNegative() || row.QuantityAvailable().IsNegative() {
		return posting{}, ErrNegativeStock
	}

	switch {
	case unit != nil && draw.IsPositive():
		if draw.GreaterThan(unit.Quantity) {
			return posting{}, ErrInsufficientUnit
		}
		unit.Quantity = unit.Quantity.Sub(draw)
		if unit.Quantity.IsZero() {
			unit.Status = UnitConsumed
		}
		unit.UpdatedAt = at
		if _, err := tx.UpdateUnit(ctx, *unit); err != nil {
			return posting{}, err
		}
	case lot != nil && draw.IsPositive():
		if draw.GreaterThan(lot.RemainingQuantity) {
			return posting{}, ErrInsufficientLot
		}
		lot.RemainingQuantity = lot.RemainingQuantity.Sub(draw)
		lot.UpdatedAt = at
		if _, err := tx.UpdateLot(ctx, *lot); err != nil {
			return posting{}, err
		}
	case lot != nil && restore.IsPositive():
		// A positive correction puts stock back into the lot, never past
		// what was originally received.
		headroom := lot.Quantity.Sub(lot.RemainingQuantity)
		if back := decimal.Min(restore, headroom); back.IsPositive() {
			lot.RemainingQuantity = lot.RemainingQuantity.Add(back)
			lot.UpdatedAt = at
			if _, err := tx.UpdateLot(ctx, *lot); err != nil {
				return posting{}, err
			}
		}
	}

	saved, err := tx.SaveInventory(ctx, row)
	if err != nil {
		return posting{}, err
	}
	result := posting{Row: saved}

	if in.Type == TransactionTypeTransfer {
		toLot := in.ToLotID
		if toLot == 0 {
			toLot = in.LotID
		}
		destKey := InventoryKey{ItemID: item.ID, WarehouseID: in.ToWarehouseID, LocationID: in.ToLocationID, LotID: toLot}
		if destKey == key {
			return posting{}, ErrTransferTarget
		}
		dest, err := lockRow(ctx, tx, destKey)
		if err != nil {
			return posting{}, err
		}
		dest.QuantityOnHand = dest.QuantityOnHand.Add(q)
		if result.Destination, err = tx.SaveInventory(ctx, dest); err != nil {
			return posting{}, err
		}
	}

	fact := Transaction{
		Type:          in.Type,
		ItemID:        item.ID,
		WarehouseID:   in.WarehouseID,
		LocationID:    in.LocationID,
		LotID:         in.LotID,
		SerialID:      in.SerialID,
		ToWarehouseID: in.ToWarehouseID,
		ToLocationID:  in.ToLocationID,
		ToLotID:       in.ToLotID,
		Quantity:      q,
		RefModule:     in.RefModule,
		RefID:         in.RefID,
		Note:          in.Note,
		CreatedBy:     in.ActorID,
		TransactedAt:  at,
	}
	if fact.ID, err = tx.InsertTransaction(ctx, fact); err != nil {
		return posting{}, err
	}
	result.Transaction = fact
	return result, nil
}

// lockRow returns the ledger row for key, locked, or a fresh unsaved row.
func lockRow(ctx context.Context, tx TxRepository, key InventoryKey) (Inventory, error) {
	row, err := tx.GetInventoryForUpdate(ctx, key)
	if errors.Is(err, ErrInventoryNotFound) {
		return Inventory{ItemID: key.ItemID, WarehouseID: key.WarehouseID, LocationID: key.LocationID, LotID: key.LotID}, nil
	}
	return row, err
}

// GetInventory returns the ledger row of one tuple.
func (s *Service) GetInventory(ctx context.Context, key InventoryKey) (Inventory, error) {
	if key.ItemID == 0 || key.WarehouseID == 0 {
		return Inventory{}, ErrMissingReference
	}
	return s.repo.GetInventory(ctx, key)
}

// ListInventory lists ledger rows.
func (s *Service) ListInventory(ctx context.Context, filter InventoryFilter) ([]Inventory, error) {
	return s.repo.ListInventory(ctx, filter)
}

// ListTransactions lists the transaction log in posting order.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, ErrUnknownTransaction
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, validationError("transaction filter ends before it starts")
	}
	return s.repo.ListTransactions(ctx, filter)
}

// ItemStock returns on-hand, allocated and available across all rows of the item.
func (s *Service) ItemStock(ctx context.Context, itemID int64) (StockSummary, error) {
	if itemID == 0 {
		return StockSummary{}, ErrMissingReference
	}
	summary, err := s.cache.StockSummary(ctx, itemID, func(ctx context.Context) (StockSummary, error) {
		return s.repo.StockSummary(ctx, itemID)
	})
	if err != nil && !classified(err) {
		return StockSummary{}, fmt.Errorf("%w: stock summary: %w", ErrStorage, err)
	}
	return summary, err
}
