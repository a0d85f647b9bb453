package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var errAlertIDRequired = validationError("alert id required")

// EvaluateAndAlert compares the item's total on-hand with its thresholds and
// keeps at most one active alert per breached type. A critical breach takes
// precedence and retires the low-stock alert. An alert that is still breached
// is refreshed and loses its acknowledgement. Alerts stay active when stock
// recovers until they are resolved. Zero thresholds are treated as unset. It returns the item's active alerts.
func (s *Service) EvaluateAndAlert(ctx context.Context, itemID int64) ([]Alert, error) {
	if itemID == 0 {
		return nil, ErrMissingReference
	}
	var (
		active []Alert
		raised *Alert
		signal *ReorderSignal
	)
	err := s.atomic(ctx, "evaluate_alerts", func(ctx context.Context, tx TxRepository) error {
		active, raised, signal = nil, nil, nil
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		total, err := tx.SumOnHand(ctx, itemID)
		if err != nil {
			return err
		}
		low, err := activeAlert(ctx, tx, itemID, AlertLowStock)
		if err != nil {
			return err
		}
		critical, err := activeAlert(ctx, tx, itemID, AlertCriticalStock)
		if err != nil {
			return err
		}
		hadAlert := low != nil || critical != nil
		at := s.now()

		var (
			breach    AlertType
			threshold decimal.Decimal
			existing  *Alert
		)
		switch {
		case item.CriticalThreshold.IsPositive() && total.LessThanOrEqual(item.CriticalThreshold):
			breach, threshold, existing = AlertCriticalStock, item.CriticalThreshold, critical
		case item.ReorderPoint.IsPositive() && total.LessThanOrEqual(item.ReorderPoint) && critical == nil:
			breach, threshold, existing = AlertLowStock, item.ReorderPoint, low
		default:
			active = collectActive(low, critical)
			return nil
		}

		message := alertMessage(item, breach, total, threshold)
		switch {
		case existing == nil:
			created, err := tx.InsertAlert(ctx, Alert{
				ItemID:          itemID,
				Type:            breach,
				Message:         message,
				CurrentQuantity: total,
				Threshold:       threshold,
				CreatedAt:       at,
			})
			if err != nil {
				return err
			}
			existing, raised = &created, &created
		default:
			// Every breaching reading refreshes the alert and asks for a new acknowledgement.
			existing.Message = message
			existing.CurrentQuantity = total
			existing.Threshold = threshold
			existing.AcknowledgedAt, existing.AcknowledgedBy = nil, 0
			existing.UpdatedAt = at
			if err := tx.UpdateAlert(ctx, *existing); err != nil {
				return err
			}
		}

		if breach == AlertCriticalStock && low != nil {
			low.Active = false
			low.ResolvedAt = &at
			low.Message = fmt.Sprintf("%s; escalated to critical", low.Message)
			low.UpdatedAt = at
			if err := tx.UpdateAlert(ctx, *low); err != nil {
				return err
			}
			low = nil
		}
		if breach == AlertCriticalStock {
			active = collectActive(low, existing)
		} else {
			active = collectActive(existing, critical)
		}

		if raised != nil && !hadAlert && item.AutoReorder {
			signal = reorderSignal(item, *raised, at)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raised != nil {
		s.metrics.alert(raised.Type)
		s.logger.Info("stock alert raised",
			slog.Int64("item_id", itemID),
			slog.String("type", string(raised.Type)),
			slog.String("quantity", raised.CurrentQuantity.String()))
	}
	if signal != nil && s.purchasing != nil {
		if err := s.purchasing.RequestReorder(ctx, *signal); err != nil {
			s.logger.Warn("reorder signal", slog.Int64("item_id", itemID), slog.Int64("alert_id", signal.AlertID), slog.Any("error", err))
		}
	}
	return active, nil
}

func activeAlert(ctx context.Context, tx TxRepository, itemID int64, alertType AlertType) (*Alert, error) {
	alert, err := tx.GetActiveAlertForUpdate(ctx, itemID, alertType)
	if errors.Is(err, ErrAlertNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func collectActive(alerts ...*Alert) []Alert {
	result := []Alert{}
	for _, a := range alerts {
		if a != nil {
			result = append(result, *a)
		}
	}
	return result
}

func alertMessage(item Item, alertType AlertType, total, threshold decimal.Decimal) string {
	label := "Low stock"
	if alertType == AlertCriticalStock {
		label = "Critical stock"
	}
	return fmt.Sprintf("%s: %s has %s on hand (threshold %s)", label, item.Code, total, threshold)
}

// reorderSignal returns nil when the item has no quantity to reorder.
func reorderSignal(item Item, alert Alert, at time.Time) *ReorderSignal {
	quantity := item.ReorderQuantity
	if !quantity.IsPositive() {
		quantity = item.ReorderPoint.Sub(alert.CurrentQuantity)
	}
	if !quantity.IsPositive() {
		return nil
	}
	return &ReorderSignal{
		ItemID:          item.ID,
		ItemCode:        item.Code,
		AlertID:         alert.ID,
		AlertType:       alert.Type,
		CurrentQuantity: alert.CurrentQuantity,
		ReorderQuantity: quantity,
		RaisedAt:        at,
	}
}

// AcknowledgeAlert marks an active alert as seen. The alert stays active.
func (s *Service) AcknowledgeAlert(ctx context.Context, id int64, actorID int64) (Alert, error) {
	return s.closeAlert(ctx, "acknowledge_alert", id, actorID, func(alert *Alert, at time.Time) {
		alert.AcknowledgedAt = &at
		alert.AcknowledgedBy = actorID
	})
}

// ResolveAlert deactivates an alert. The next breach raises a new one.
func (s *Service) ResolveAlert(ctx context.Context, id int64, actorID int64) (Alert, error) {
	return s.closeAlert(ctx, "resolve_alert", id, actorID, func(alert *Alert, at time.Time) {
		alert.Active = false
		alert.ResolvedAt = &at
		alert.ResolvedBy = actorID
	})
}

func (s *Service) closeAlert(ctx context.Context, op string, id, actorID int64, apply func(*Alert, time.Time)) (Alert, error) {
	if id == 0 {
		return Alert{}, errAlertIDRequired
	}
	var alert Alert
	err := s.atomic(ctx, op, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAlertForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Active {
			return ErrAlertInactive
		}
		at := s.now()
		apply(&current, at)
		current.UpdatedAt = at
		if err := tx.UpdateAlert(ctx, current); err != nil {
			return err
		}
		alert = current
		return nil
	})
	if err != nil {
		return Alert{}, err
	}
	s.recordAudit(ctx, actorID, "inventory:"+op, "inventory_alert", strconv.FormatInt(id, 10), map[string]any{
		"item_id": alert.ItemID,
		"type":    string(alert.Type),
	})
	return alert, nil
}

// ListAlerts lists alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	return s.repo.ListAlerts(ctx, filter)
}
