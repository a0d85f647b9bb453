package inventory

import (
	"context"
	"errors"
	"strconv"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

var errUnitIDRequired = validationError("unit id required")

// CreateUnit draws a serialized unit from a lot. The lot's remaining
// quantity, the unit and its serial are written together.
func (s *Service) CreateUnit(ctx context.Context, in CreateUnitInput) (UnitWithSerial, error) {
	switch {
	case in.LotID == 0:
		s.metrics.rejected("create_unit", errLotIDRequired)
		return UnitWithSerial{}, errLotIDRequired
	case !in.Quantity.IsPositive():
		s.metrics.rejected("create_unit", ErrInvalidQuantity)
		return UnitWithSerial{}, ErrInvalidQuantity
	case !fitsScale(in.Quantity):
		s.metrics.rejected("create_unit", ErrQuantityPrecision)
		return UnitWithSerial{}, ErrQuantityPrecision
	case in.LocationID != 0 && in.WarehouseID == 0:
		s.metrics.rejected("create_unit", ErrMissingReference)
		return UnitWithSerial{}, ErrMissingReference
	}
	var result UnitWithSerial
	err := s.guarded(ctx, shared.SplitLockKey("lot", in.LotID), func(ctx context.Context) error {
		return s.atomic(ctx, "create_unit", func(ctx context.Context, tx TxRepository) error {
			lot, err := tx.GetLotForUpdate(ctx, in.LotID)
			if err != nil {
				return err
			}
			item, err := tx.GetItem(ctx, lot.ItemID)
			if err != nil {
				return err
			}
			if in.GenerateSerial && !item.TrackSerials {
				return ErrSerialsNotTracked
			}
			if in.Quantity.GreaterThan(lot.RemainingQuantity) {
				return ErrInsufficientLot
			}
			at := s.now()
			lot.RemainingQuantity = lot.RemainingQuantity.Sub(in.Quantity)
			lot.UpdatedAt = at
			if lot, err = tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			unit, err := tx.InsertUnit(ctx, SerializedUnit{
				LotID:       lot.ID,
				ItemID:      lot.ItemID,
				Quantity:    in.Quantity,
				Status:      UnitAvailable,
				WarehouseID: in.WarehouseID,
				LocationID:  in.LocationID,
				Notes:       in.Notes,
				CreatedAt:   at,
				UpdatedAt:   at,
			})
			if err != nil {
				return err
			}
			result = UnitWithSerial{Unit: unit}
			if !in.GenerateSerial {
				return nil
			}
			number, err := nextUnitSerial(ctx, tx, lot)
			if err != nil {
				return err
			}
			serial, err := tx.InsertSerial(ctx, Serial{Number: number, ItemID: lot.ItemID, LotID: lot.ID, UnitID: unit.ID, CreatedAt: at})
			if err != nil {
				return err
			}
			result.Serial = &serial
			return nil
		})
	})
	if err != nil {
		return UnitWithSerial{}, err
	}
	meta := map[string]any{"lot_id": in.LotID, "quantity": in.Quantity.String()}
	if result.Serial != nil {
		meta["serial"] = result.Serial.Number
	}
	s.recordAudit(ctx, in.ActorID, "inventory:unit_created", "serialized_unit", strconv.FormatInt(result.Unit.ID, 10), meta)
	return result, nil
}

// SplitUnit carves SplitQuantity off a unit into a child unit on the same
// lot. A serialized source hands a derived serial to the child.
func (s *Service) SplitUnit(ctx context.Context, in SplitUnitInput) (UnitSplit, error) {
	if in.UnitID == 0 {
		s.metrics.rejected("split_unit", errUnitIDRequired)
		return UnitSplit{}, errUnitIDRequired
	}
	if !in.SplitQuantity.IsPositive() {
		s.metrics.rejected("split_unit", ErrInvalidSplitQuantity)
		return UnitSplit{}, ErrInvalidSplitQuantity
	}
	if !fitsScale(in.SplitQuantity) {
		s.metrics.rejected("split_unit", ErrQuantityPrecision)
		return UnitSplit{}, ErrQuantityPrecision
	}
	var result UnitSplit
	err := s.guarded(ctx, shared.SplitLockKey("unit", in.UnitID), func(ctx context.Context) error {
		return s.atomic(ctx, "split_unit", func(ctx context.Context, tx TxRepository) error {
			src, err := tx.GetUnitForUpdate(ctx, in.UnitID)
			if err != nil {
				return err
			}
			item, err := tx.GetItem(ctx, src.ItemID)
			if err != nil {
				return err
			}
			if !item.AllowSplit {
				return ErrSplitNotAllowed
			}
			at := s.now()
			original, child, err := SplitRecord(src, in.SplitQuantity, at)
			if err != nil {
				return err
			}
			if original, err = tx.UpdateUnit(ctx, original); err != nil {
				return err
			}
			if child, err = tx.InsertUnit(ctx, child); err != nil {
				return err
			}
			result = UnitSplit{Original: UnitWithSerial{Unit: original}, Split: UnitWithSerial{Unit: child}}

			parent, err := tx.GetSerialByUnit(ctx, src.ID)
			if errors.Is(err, ErrSerialNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			number, err := nextChildSerial(ctx, tx, parent.Number, at)
			if err != nil {
				return err
			}
			serial, err := tx.InsertSerial(ctx, Serial{Number: number, ItemID: child.ItemID, LotID: child.LotID, UnitID: child.ID, CreatedAt: at})
			if err != nil {
				return err
			}
			result.Original.Serial = &parent
			result.Split.Serial = &serial
			return nil
		})
	})
	if err != nil {
		return UnitSplit{}, err
	}
	s.metrics.split("unit")
	s.recordAudit(ctx, in.ActorID, "inventory:unit_split", "serialized_unit", strconv.FormatInt(in.UnitID, 10), map[string]any{
		"split_unit_id": result.Split.Unit.ID,
		"quantity":      in.SplitQuantity.String(),
		"remaining":     result.Original.Unit.Quantity.String(),
	})
	return result, nil
}

// DeleteUnit removes a unit nothing references yet and returns its quantity
// to the lot's remaining quantity, split children included.
func (s *Service) DeleteUnit(ctx context.Context, id int64, actorID int64) error {
	if id == 0 {
		return errUnitIDRequired
	}
	var unit SerializedUnit
	err := s.atomic(ctx, "delete_unit", func(ctx context.Context, tx TxRepository) error {
		var err error
		if unit, err = tx.GetUnitForUpdate(ctx, id); err != nil {
			return err
		}
		deps, err := tx.UnitDependents(ctx, id)
		if err != nil {
			return err
		}
		if !deps.Empty() {
			return ErrUnitInUse
		}
		lot, err := tx.GetLotForUpdate(ctx, unit.LotID)
		if err != nil {
			return err
		}
		lot.RemainingQuantity = lot.RemainingQuantity.Add(unit.Quantity)
		if lot.RemainingQuantity.GreaterThan(lot.Quantity) {
			return ErrLotOverRestored
		}
		lot.UpdatedAt = s.now()
		if _, err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		serial, err := tx.GetSerialByUnit(ctx, id)
		switch {
		case err == nil:
			if err := tx.DeleteSerial(ctx, serial.ID); err != nil {
				return err
			}
		case !errors.Is(err, ErrSerialNotFound):
			return err
		}
		return tx.DeleteUnit(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "inventory:unit_deleted", "serialized_unit", strconv.FormatInt(id, 10), map[string]any{
		"lot_id":         unit.LotID,
		"parent_unit_id": unit.ParentUnitID,
		"returned":       unit.Quantity.String(),
	})
	return nil
}

// GetUnit returns a unit with its serial, if any.
func (s *Service) GetUnit(ctx context.Context, id int64) (UnitWithSerial, error) {
	if id == 0 {
		return UnitWithSerial{}, errUnitIDRequired
	}
	unit, err := s.repo.GetUnit(ctx, id)
	if err != nil {
		return UnitWithSerial{}, err
	}
	result := UnitWithSerial{Unit: unit}
	serial, err := s.repo.GetSerialByUnit(ctx, id)
	switch {
	case err == nil:
		result.Serial = &serial
	case !errors.Is(err, ErrSerialNotFound):
		return UnitWithSerial{}, err
	}
	return result, nil
}

// ListUnits lists the units drawn from a lot.
func (s *Service) ListUnits(ctx context.Context, lotID int64) ([]SerializedUnit, error) {
	if _, err := s.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	return s.repo.ListUnits(ctx, lotID)
}

// UnitChildren returns the units split directly off id.
func (s *Service) UnitChildren(ctx context.Context, id int64) ([]SerializedUnit, error) {
	if id == 0 {
		return nil, errUnitIDRequired
	}
	if _, err := s.repo.GetUnit(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListUnitChildren(ctx, id)
}

// SetUnitStatus moves a unit to status.
func (s *Service) SetUnitStatus(ctx context.Context, id int64, status UnitStatus, actorID int64) (SerializedUnit, error) {
	if id == 0 {
		return SerializedUnit{}, errUnitIDRequired
	}
	if !status.Valid() {
		return SerializedUnit{}, ErrInvalidUnitStatus
	}
	var (
		unit     SerializedUnit
		previous UnitStatus
	)
	err := s.atomic(ctx, "set_unit_status", func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetUnitForUpdate(ctx, id)
		if err != nil {
			return err
		}
		previous = current.Status
		current.Status = status
		current.UpdatedAt = s.now()
		unit, err = tx.UpdateUnit(ctx, current)
		return err
	})
	if err != nil {
		return SerializedUnit{}, err
	}
	s.recordAudit(ctx, actorID, "inventory:unit_status", "serialized_unit", strconv.FormatInt(id, 10), map[string]any{
		"from": string(previous),
		"to":   string(status),
	})
	return unit, nil
}
