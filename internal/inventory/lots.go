package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

var errLotIDRequired = validationError("lot id required")

// ReceiveLot registers a new lot and posts its receipt in one unit of work.
// The lot number is generated when none is given.
func (s *Service) ReceiveLot(ctx context.Context, in ReceiveLotInput) (Lot, Transaction, error) {
	if err := validateReceipt(&in); err != nil {
		s.metrics.rejected("receive_lot", err)
		return Lot{}, Transaction{}, err
	}
	var (
		lot  Lot
		fact Transaction
	)
	w := newCacheWrite()
	err := s.atomic(ctx, "receive_lot", func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItem(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if !item.TrackBatches {
			return ErrBatchesNotTracked
		}
		at := s.now()
		number, err := s.lotNumber(ctx, tx, item, in.LotNumber, numberPrefix("", item.Code), at)
		if err != nil {
			return err
		}
		created, err := tx.InsertLot(ctx, Lot{
			ItemID:            item.ID,
			LotNumber:         number,
			Quantity:          in.Quantity,
			RemainingQuantity: in.Quantity,
			QualityStatus:     in.QualityStatus,
			ManufacturedAt:    in.ManufacturedAt,
			ReceivedAt:        at,
			ExpiresAt:         in.ExpiresAt,
			CertificationRef:  in.CertificationRef,
			DivisionID:        in.DivisionID,
			CreatedAt:         at,
			UpdatedAt:         at,
		})
		if err != nil {
			return lotInsertErr(err, in.LotNumber)
		}
		posted, err := s.post(ctx, tx, TransactionInput{
			Type:        TransactionTypeReceipt,
			ItemID:      item.ID,
			WarehouseID: in.WarehouseID,
			LocationID:  in.LocationID,
			LotID:       created.ID,
			Quantity:    in.Quantity,
			RefModule:   in.RefModule,
			RefID:       in.RefID,
			Note:        in.Note,
			ActorID:     in.ActorID,
		}, at)
		if err != nil {
			return err
		}
		lot, fact = created, posted.Transaction
		return s.invalidate(ctx, w, item.ID)
	})
	if err != nil {
		s.release(ctx, w)
		return Lot{}, Transaction{}, err
	}
	s.metrics.transaction(TransactionTypeReceipt)
	s.committed(ctx, w)
	s.recordAudit(ctx, in.ActorID, "inventory:lot_received", "lot", strconv.FormatInt(lot.ID, 10), map[string]any{
		"lot_number":   lot.LotNumber,
		"item_id":      lot.ItemID,
		"warehouse_id": in.WarehouseID,
		"quantity":     lot.Quantity.String(),
	})
	return lot, fact, nil
}

func validateReceipt(in *ReceiveLotInput) error {
	if in.ItemID == 0 || in.WarehouseID == 0 {
		return ErrMissingReference
	}
	if !in.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !fitsScale(in.Quantity) {
		return ErrQuantityPrecision
	}
	if in.QualityStatus == "" {
		in.QualityStatus = QualityPending
	}
	if !in.QualityStatus.Valid() {
		return ErrInvalidQualityStatus
	}
	if in.ManufacturedAt != nil && in.ExpiresAt != nil && in.ExpiresAt.Before(*in.ManufacturedAt) {
		return validationError("lot expires before it was manufactured")
	}
	if in.RefID != "" {
		if _, err := uuid.Parse(in.RefID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRefID, err)
		}
	}
	return nil
}

// lotNumber returns requested when it is free, or a generated number.
func (s *Service) lotNumber(ctx context.Context, tx TxRepository, item Item, requested, prefix string, at time.Time) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return nextLotNumber(ctx, tx, item.ID, prefix, at)
	}
	taken, err := tx.LotNumberExists(ctx, item.ID, requested)
	if err != nil {
		return "", err
	}
	if taken {
		return "", ErrDuplicateLotNumber
	}
	return requested, nil
}

// lotInsertErr reports a lost race on a generated number as a conflict so
// the unit of work is retried with a fresh sequence value.
func lotInsertErr(err error, requested string) error {
	if errors.Is(err, ErrDuplicateLotNumber) && strings.TrimSpace(requested) == "" {
		return fmt.Errorf("%w: generated lot number taken concurrently", ErrConcurrencyConflict)
	}
	return err
}

// SplitLot carves SplitQuantity off a lot into a new child lot. Both lots
// are written together or not at all.
func (s *Service) SplitLot(ctx context.Context, in SplitLotInput) (LotSplit, error) {
	if err := validateLotSplit(in); err != nil {
		s.metrics.rejected("split_lot", err)
		return LotSplit{}, err
	}
	var result LotSplit
	w := newCacheWrite()
	err := s.guarded(ctx, shared.SplitLockKey("lot", in.LotID), func(ctx context.Context) error {
		return s.atomic(ctx, "split_lot", func(ctx context.Context, tx TxRepository) error {
			src, err := tx.GetLotForUpdate(ctx, in.LotID)
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
			if child.LotNumber, err = s.lotNumber(ctx, tx, item, in.NewLotNumber, numberPrefix(src.LotNumber, item.Code), at); err != nil {
				return err
			}
			if original, err = tx.UpdateLot(ctx, original); err != nil {
				return err
			}
			if child, err = tx.InsertLot(ctx, child); err != nil {
				return lotInsertErr(err, in.NewLotNumber)
			}
			if in.WarehouseID != 0 {
				_, err := s.post(ctx, tx, TransactionInput{
					Type:          TransactionTypeTransfer,
					ItemID:        item.ID,
					WarehouseID:   in.WarehouseID,
					LocationID:    in.LocationID,
					LotID:         original.ID,
					ToWarehouseID: in.WarehouseID,
					ToLocationID:  in.LocationID,
					ToLotID:       child.ID,
					Quantity:      in.SplitQuantity,
					Note:          fmt.Sprintf("split into lot %s", child.LotNumber),
					ActorID:       in.ActorID,
				}, at)
				if err != nil {
					return err
				}
			}
			result = LotSplit{Original: original, Split: child}
			return s.invalidate(ctx, w, item.ID)
		})
	})
	if err != nil {
		s.release(ctx, w)
		return LotSplit{}, err
	}
	s.metrics.split("lot")
	if in.WarehouseID != 0 {
		s.metrics.transaction(TransactionTypeTransfer)
	}
	s.committed(ctx, w)
	s.recordAudit(ctx, in.ActorID, "inventory:lot_split", "lot", strconv.FormatInt(result.Original.ID, 10), map[string]any{
		"split_lot_id":     result.Split.ID,
		"split_lot_number": result.Split.LotNumber,
		"quantity":         in.SplitQuantity.String(),
		"remaining":        result.Original.RemainingQuantity.String(),
	})
	return result, nil
}

func validateLotSplit(in SplitLotInput) error {
	if in.LotID == 0 {
		return errLotIDRequired
	}
	if !in.SplitQuantity.IsPositive() {
		return ErrInvalidSplitQuantity
	}
	if !fitsScale(in.SplitQuantity) {
		return ErrQuantityPrecision
	}
	if in.LocationID != 0 && in.WarehouseID == 0 {
		return ErrMissingReference
	}
	return nil
}

// GetLot returns a lot by id.
func (s *Service) GetLot(ctx context.Context, id int64) (Lot, error) {
	if id == 0 {
		return Lot{}, errLotIDRequired
	}
	return s.repo.GetLot(ctx, id)
}

// ListLots lists lots matching filter.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	if filter.QualityStatus != "" && !filter.QualityStatus.Valid() {
		return nil, ErrInvalidQualityStatus
	}
	return s.repo.ListLots(ctx, filter)
}

// ListExpiringLots lists lots of itemID (all items when zero) that expire
// within the given window.
func (s *Service) ListExpiringLots(ctx context.Context, itemID int64, within time.Duration) ([]Lot, error) {
	if within <= 0 {
		return nil, validationError("expiry window must be positive")
	}
	return s.repo.ListLots(ctx, LotFilter{ItemID: itemID, ExpiresBefore: s.now().Add(within)})
}

// Children returns the lots split directly off id.
func (s *Service) Children(ctx context.Context, id int64) ([]Lot, error) {
	if _, err := s.GetLot(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListLotChildren(ctx, id)
}

// Descendants returns every lot split off id, directly or transitively,
// breadth first.
func (s *Service) Descendants(ctx context.Context, id int64) ([]Lot, error) {
	if _, err := s.GetLot(ctx, id); err != nil {
		return nil, err
	}
	seen := map[int64]struct{}{id: {}}
	queue := []int64{id}
	result := []Lot{}
	for len(queue) > 0 {
		children, err := s.repo.ListLotChildren(ctx, queue[0])
		if err != nil {
			return nil, err
		}
		queue = queue[1:]
		for _, child := range children {
			if _, ok := seen[child.ID]; ok {
				continue
			}
			seen[child.ID] = struct{}{}
			result = append(result, child)
			queue = append(queue, child.ID)
		}
	}
	return result, nil
}

// Ancestors returns the parent chain of id, nearest first.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]Lot, error) {
	lot, err := s.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[int64]struct{}{id: {}}
	result := []Lot{}
	for lot.ParentLotID != 0 {
		if _, ok := seen[lot.ParentLotID]; ok {
			break
		}
		seen[lot.ParentLotID] = struct{}{}
		if lot, err = s.repo.GetLot(ctx, lot.ParentLotID); err != nil {
			return nil, err
		}
		result = append(result, lot)
	}
	return result, nil
}

// LineageTotals sums the remaining quantity of every descendant of id. As
// long as nothing was drawn from the tree, the lot's remaining quantity plus
// DescendantTotal equals its original quantity.
func (s *Service) LineageTotals(ctx context.Context, id int64) (LineageTotals, error) {
	lot, err := s.GetLot(ctx, id)
	if err != nil {
		return LineageTotals{}, err
	}
	descendants, err := s.Descendants(ctx, id)
	if err != nil {
		return LineageTotals{}, err
	}
	total := decimal.Zero
	for _, d := range descendants {
		total = total.Add(d.RemainingQuantity)
	}
	return LineageTotals{
		LotID:             lot.ID,
		Quantity:          lot.Quantity,
		RemainingQuantity: lot.RemainingQuantity,
		DescendantTotal:   total,
		Descendants:       len(descendants),
	}, nil
}

// SetQualityStatus moves a lot to status.
func (s *Service) SetQualityStatus(ctx context.Context, id int64, status QualityStatus, actorID int64) (Lot, error) {
	if id == 0 {
		return Lot{}, errLotIDRequired
	}
	if !status.Valid() {
		return Lot{}, ErrInvalidQualityStatus
	}
	var (
		lot      Lot
		previous QualityStatus
	)
	err := s.atomic(ctx, "set_quality_status", func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLotForUpdate(ctx, id)
		if err != nil {
			return err
		}
		previous = current.QualityStatus
		current.QualityStatus = status
		current.UpdatedAt = s.now()
		lot, err = tx.UpdateLot(ctx, current)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actorID, "inventory:lot_quality", "lot", strconv.FormatInt(id, 10), map[string]any{
		"from": string(previous),
		"to":   string(status),
	})
	return lot, nil
}

// DeleteLot removes a lot nothing references yet. The quantity of a split
// child goes back to its parent.
func (s *Service) DeleteLot(ctx context.Context, id int64, actorID int64) error {
	if id == 0 {
		return errLotIDRequired
	}
	var lot Lot
	err := s.atomic(ctx, "delete_lot", func(ctx context.Context, tx TxRepository) error {
		var err error
		if lot, err = tx.GetLotForUpdate(ctx, id); err != nil {
			return err
		}
		deps, err := tx.LotDependents(ctx, id)
		if err != nil {
			return err
		}
		if !deps.Empty() {
			return ErrLotInUse
		}
		if lot.ParentLotID != 0 {
			parent, err := tx.GetLotForUpdate(ctx, lot.ParentLotID)
			if err != nil {
				return err
			}
			parent.RemainingQuantity = parent.RemainingQuantity.Add(lot.RemainingQuantity)
			if parent.RemainingQuantity.GreaterThan(parent.Quantity) {
				return ErrLotOverRestored
			}
			parent.UpdatedAt = s.now()
			if _, err := tx.UpdateLot(ctx, parent); err != nil {
				return err
			}
		}
		return tx.DeleteLot(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "inventory:lot_deleted", "lot", strconv.FormatInt(id, 10), map[string]any{
		"lot_number":    lot.LotNumber,
		"parent_lot_id": lot.ParentLotID,
		"returned":      lot.RemainingQuantity.String(),
	})
	return nil
}
