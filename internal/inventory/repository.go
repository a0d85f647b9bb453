package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Dependents counts the records that keep a lot or unit from being deleted.
type Dependents struct {
	Children     int
	Units        int
	Transactions int
}

// Empty reports whether nothing references the record.
func (d Dependents) Empty() bool {
	return d.Children == 0 && d.Units == 0 && d.Transactions == 0
}

// TxRepository exposes transactional operations used by service. Reads
// suffixed ForUpdate lock the row until the transaction ends.
type TxRepository interface {
	GetItem(ctx context.Context, id int64) (Item, error)

	GetInventoryForUpdate(ctx context.Context, key InventoryKey) (Inventory, error)
	SaveInventory(ctx context.Context, row Inventory) (Inventory, error)
	SumOnHand(ctx context.Context, itemID int64) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)

	NextSequence(ctx context.Context, scope string) (int64, error)

	GetLotForUpdate(ctx context.Context, id int64) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) (Lot, error)
	DeleteLot(ctx context.Context, id int64) error
	LotNumberExists(ctx context.Context, itemID int64, number string) (bool, error)
	LotDependents(ctx context.Context, lotID int64) (Dependents, error)

	GetUnitForUpdate(ctx context.Context, id int64) (SerializedUnit, error)
	InsertUnit(ctx context.Context, unit SerializedUnit) (SerializedUnit, error)
	UpdateUnit(ctx context.Context, unit SerializedUnit) (SerializedUnit, error)
	DeleteUnit(ctx context.Context, id int64) error
	UnitDependents(ctx context.Context, unitID int64) (Dependents, error)

	GetSerial(ctx context.Context, id int64) (Serial, error)
	GetSerialByUnit(ctx context.Context, unitID int64) (Serial, error)
	InsertSerial(ctx context.Context, serial Serial) (Serial, error)
	DeleteSerial(ctx context.Context, id int64) error
	SerialNumberExists(ctx context.Context, number string) (bool, error)

	GetActiveAlertForUpdate(ctx context.Context, itemID int64, alertType AlertType) (Alert, error)
	GetAlertForUpdate(ctx context.Context, id int64) (Alert, error)
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	UpdateAlert(ctx context.Context, alert Alert) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err == nil || classified(err) || errors.Is(err, ErrConservationViolated) {
		return err
	}
	return wrapErr("transaction", err)
}

func classified(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCapability) ||
		errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorage)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsRetryable(err) {
		return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Reads outside a transaction.

func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	return getLot(ctx, r.pool, id, false)
}

func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM lots
WHERE ($1 = 0 OR item_id = $1)
  AND ($2 = '' OR quality_status = $2)
  AND ($3::timestamptz IS NULL OR (expires_at IS NOT NULL AND expires_at < $3))
ORDER BY id ASC
LIMIT $4`, filter.ItemID, string(filter.QualityStatus), nullTime(filter.ExpiresBefore), limit)
	if err != nil {
		return nil, wrapErr("list lots", err)
	}
	return collectLots(rows)
}

func (r *Repository) ListLotChildren(ctx context.Context, parentID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM lots WHERE parent_lot_id=$1 ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, wrapErr("list lot children", err)
	}
	return collectLots(rows)
}

func (r *Repository) GetUnit(ctx context.Context, id int64) (SerializedUnit, error) {
	return getUnit(ctx, r.pool, id, false)
}

func (r *Repository) ListUnits(ctx context.Context, lotID int64) ([]SerializedUnit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+unitColumns+` FROM serialized_units WHERE lot_id=$1 ORDER BY id ASC`, lotID)
	if err != nil {
		return nil, wrapErr("list units", err)
	}
	return collectUnits(rows)
}

func (r *Repository) ListUnitChildren(ctx context.Context, parentID int64) ([]SerializedUnit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+unitColumns+` FROM serialized_units WHERE parent_unit_id=$1 ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, wrapErr("list unit children", err)
	}
	return collectUnits(rows)
}

func (r *Repository) GetSerialByUnit(ctx context.Context, unitID int64) (Serial, error) {
	return getSerial(ctx, r.pool, `unit_id=$1`, unitID)
}

func (r *Repository) GetInventory(ctx context.Context, key InventoryKey) (Inventory, error) {
	return getInventory(ctx, r.pool, key, false)
}

func (r *Repository) ListInventory(ctx context.Context, filter InventoryFilter) ([]Inventory, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+inventoryColumns+` FROM inventory
WHERE ($1 = 0 OR item_id = $1) AND ($2 = 0 OR warehouse_id = $2) AND ($3 = 0 OR lot_id = $3)
ORDER BY id ASC
LIMIT $4`, filter.ItemID, filter.WarehouseID, filter.LotID, limit)
	if err != nil {
		return nil, wrapErr("list inventory", err)
	}
	defer rows.Close()
	result := []Inventory{}
	for rows.Next() {
		row, err := scanInventory(rows)
		if err != nil {
			return nil, wrapErr("scan inventory", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list inventory", err)
	}
	return result, nil
}

func (r *Repository) StockSummary(ctx context.Context, itemID int64) (StockSummary, error) {
	summary := StockSummary{ItemID: itemID}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_on_hand),0), COALESCE(SUM(quantity_allocated),0), COUNT(*)
FROM inventory WHERE item_id=$1`, itemID).Scan(&summary.QuantityOnHand, &summary.QuantityAllocated, &summary.Rows)
	if err != nil {
		return StockSummary{}, wrapErr("stock summary", err)
	}
	summary.QuantityAvailable = summary.QuantityOnHand.Sub(summary.QuantityAllocated)
	return summary, nil
}

func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, transaction_type, item_id, warehouse_id, location_id, lot_id, serial_id,
       to_warehouse_id, to_location_id, to_lot_id, quantity, ref_module, COALESCE(ref_id::text, ''), note,
       created_by, transacted_at
FROM inventory_transactions
WHERE ($1 = 0 OR item_id = $1) AND ($2 = 0 OR warehouse_id = $2) AND ($3 = 0 OR lot_id = $3 OR to_lot_id = $3)
  AND ($4 = '' OR transaction_type = $4)
  AND transacted_at BETWEEN COALESCE($5, '-infinity') AND COALESCE($6, 'infinity')
ORDER BY transacted_at ASC, id ASC
LIMIT $7`, filter.ItemID, filter.WarehouseID, filter.LotID, string(filter.Type), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, wrapErr("list transactions", err)
	}
	defer rows.Close()
	result := []Transaction{}
	for rows.Next() {
		var (
			t                                  Transaction
			location, lot, serial, toWh, toLoc *int64
			toLot, createdBy                   *int64
		)
		if err := rows.Scan(&t.ID, &t.Type, &t.ItemID, &t.WarehouseID, &location, &lot, &serial,
			&toWh, &toLoc, &toLot, &t.Quantity, &t.RefModule, &t.RefID, &t.Note, &createdBy, &t.TransactedAt); err != nil {
			return nil, wrapErr("scan transaction", err)
		}
		t.LocationID, t.LotID, t.SerialID = deref(location), deref(lot), deref(serial)
		t.ToWarehouseID, t.ToLocationID, t.ToLotID = deref(toWh), deref(toLoc), deref(toLot)
		t.CreatedBy = deref(createdBy)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list transactions", err)
	}
	return result, nil
}

func (r *Repository) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+alertColumns+` FROM inventory_alerts
WHERE ($1 = 0 OR item_id = $1) AND (NOT $2 OR is_active)
ORDER BY updated_at DESC, id DESC
LIMIT $3`, filter.ItemID, filter.ActiveOnly, limit)
	if err != nil {
		return nil, wrapErr("list alerts", err)
	}
	defer rows.Close()
	result := []Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, wrapErr("scan alert", err)
		}
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list alerts", err)
	}
	return result, nil
}

// Transactional operations.

func (r *txRepository) GetItem(ctx context.Context, id int64) (Item, error) {
	var item Item
	err := r.tx.QueryRow(ctx, `SELECT id, code, name, track_batches, track_serials, allow_split,
       reorder_point, critical_threshold, reorder_quantity, auto_reorder
FROM items WHERE id=$1`, id).Scan(&item.ID, &item.Code, &item.Name, &item.TrackBatches, &item.TrackSerials,
		&item.AllowSplit, &item.ReorderPoint, &item.CriticalThreshold, &item.ReorderQuantity, &item.AutoReorder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, wrapErr("get item", err)
	}
	return item, nil
}

func (r *txRepository) GetInventoryForUpdate(ctx context.Context, key InventoryKey) (Inventory, error) {
	return getInventory(ctx, r.tx, key, true)
}

func (r *txRepository) SaveInventory(ctx context.Context, row Inventory) (Inventory, error) {
	if row.ID == 0 {
		err := r.tx.QueryRow(ctx, `INSERT INTO inventory (item_id, warehouse_id, location_id, lot_id, quantity_on_hand, quantity_allocated, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,1,NOW()) RETURNING id, version, updated_at`,
			row.ItemID, row.WarehouseID, nullInt(row.LocationID), nullInt(row.LotID), row.QuantityOnHand, row.QuantityAllocated).
			Scan(&row.ID, &row.Version, &row.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return Inventory{}, fmt.Errorf("%w: inventory row created concurrently", ErrConcurrencyConflict)
			}
			return Inventory{}, wrapErr("insert inventory", err)
		}
		return row, nil
	}
	err := r.tx.QueryRow(ctx, `UPDATE inventory SET quantity_on_hand=$2, quantity_allocated=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$4 RETURNING version, updated_at`, row.ID, row.QuantityOnHand, row.QuantityAllocated, row.Version).
		Scan(&row.Version, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Inventory{}, fmt.Errorf("%w: inventory row %d changed", ErrConcurrencyConflict, row.ID)
		}
		return Inventory{}, wrapErr("update inventory", err)
	}
	return row, nil
}

func (r *txRepository) SumOnHand(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_on_hand),0) FROM inventory WHERE item_id=$1`, itemID).Scan(&total); err != nil {
		return decimal.Zero, wrapErr("sum on hand", err)
	}
	return total, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions (transaction_type, item_id, warehouse_id, location_id, lot_id, serial_id,
  to_warehouse_id, to_location_id, to_lot_id, quantity, ref_module, ref_id, note, created_by, transacted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		string(t.Type), t.ItemID, t.WarehouseID, nullInt(t.LocationID), nullInt(t.LotID), nullInt(t.SerialID),
		nullInt(t.ToWarehouseID), nullInt(t.ToLocationID), nullInt(t.ToLotID), t.Quantity, t.RefModule,
		nullUUID(t.RefID), t.Note, nullInt(t.CreatedBy), t.TransactedAt).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert transaction", err)
	}
	return id, nil
}

func (r *txRepository) NextSequence(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_sequences (scope, value) VALUES ($1, 1)
ON CONFLICT (scope) DO UPDATE SET value = inventory_sequences.value + 1
RETURNING value`, scope).Scan(&value)
	if err != nil {
		return 0, wrapErr("next sequence", err)
	}
	return value, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, id int64) (Lot, error) {
	return getLot(ctx, r.tx, id, true)
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (item_id, lot_number, quantity, remaining_quantity, quality_status, manufactured_at,
  received_at, expires_at, certification_ref, division_id, parent_lot_id, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$12) RETURNING id, version`,
		lot.ItemID, lot.LotNumber, lot.Quantity, lot.RemainingQuantity, string(lot.QualityStatus), lot.ManufacturedAt,
		lot.ReceivedAt, lot.ExpiresAt, lot.CertificationRef, nullInt(lot.DivisionID), nullInt(lot.ParentLotID), lot.CreatedAt).
		Scan(&lot.ID, &lot.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Lot{}, ErrDuplicateLotNumber
		}
		return Lot{}, wrapErr("insert lot", err)
	}
	lot.UpdatedAt = lot.CreatedAt
	return lot, nil
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) (Lot, error) {
	err := r.tx.QueryRow(ctx, `UPDATE lots SET remaining_quantity=$2, quality_status=$3, version=version+1, updated_at=$4
WHERE id=$1 AND version=$5 RETURNING version`, lot.ID, lot.RemainingQuantity, string(lot.QualityStatus), lot.UpdatedAt, lot.Version).
		Scan(&lot.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("%w: lot %d changed", ErrConcurrencyConflict, lot.ID)
		}
		return Lot{}, wrapErr("update lot", err)
	}
	return lot, nil
}

func (r *txRepository) DeleteLot(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM lots WHERE id=$1`, id)
	if err != nil {
		return wrapErr("delete lot", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) LotNumberExists(ctx context.Context, itemID int64, number string) (bool, error) {
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE item_id=$1 AND lot_number=$2)`, itemID, number).Scan(&exists); err != nil {
		return false, wrapErr("lot number exists", err)
	}
	return exists, nil
}

func (r *txRepository) LotDependents(ctx context.Context, lotID int64) (Dependents, error) {
	var d Dependents
	err := r.tx.QueryRow(ctx, `SELECT
  (SELECT COUNT(*) FROM lots WHERE parent_lot_id=$1),
  (SELECT COUNT(*) FROM serialized_units WHERE lot_id=$1),
  (SELECT COUNT(*) FROM inventory_transactions WHERE lot_id=$1 OR to_lot_id=$1)`, lotID).
		Scan(&d.Children, &d.Units, &d.Transactions)
	if err != nil {
		return Dependents{}, wrapErr("lot dependents", err)
	}
	return d, nil
}

func (r *txRepository) GetUnitForUpdate(ctx context.Context, id int64) (SerializedUnit, error) {
	return getUnit(ctx, r.tx, id, true)
}

func (r *txRepository) InsertUnit(ctx context.Context, unit SerializedUnit) (SerializedUnit, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO serialized_units (lot_id, item_id, quantity, status, parent_unit_id, warehouse_id, location_id,
  notes, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$9) RETURNING id, version`,
		unit.LotID, unit.ItemID, unit.Quantity, string(unit.Status), nullInt(unit.ParentUnitID), nullInt(unit.WarehouseID),
		nullInt(unit.LocationID), unit.Notes, unit.CreatedAt).Scan(&unit.ID, &unit.Version)
	if err != nil {
		return SerializedUnit{}, wrapErr("insert unit", err)
	}
	unit.UpdatedAt = unit.CreatedAt
	return unit, nil
}

func (r *txRepository) UpdateUnit(ctx context.Context, unit SerializedUnit) (SerializedUnit, error) {
	err := r.tx.QueryRow(ctx, `UPDATE serialized_units SET quantity=$2, status=$3, notes=$4, version=version+1, updated_at=$5
WHERE id=$1 AND version=$6 RETURNING version`, unit.ID, unit.Quantity, string(unit.Status), unit.Notes, unit.UpdatedAt, unit.Version).
		Scan(&unit.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerializedUnit{}, fmt.Errorf("%w: unit %d changed", ErrConcurrencyConflict, unit.ID)
		}
		return SerializedUnit{}, wrapErr("update unit", err)
	}
	return unit, nil
}

func (r *txRepository) DeleteUnit(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM serialized_units WHERE id=$1`, id)
	if err != nil {
		return wrapErr("delete unit", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnitNotFound
	}
	return nil
}

func (r *txRepository) UnitDependents(ctx context.Context, unitID int64) (Dependents, error) {
	var d Dependents
	err := r.tx.QueryRow(ctx, `SELECT
  (SELECT COUNT(*) FROM serialized_units WHERE parent_unit_id=$1),
  (SELECT COUNT(*) FROM inventory_transactions t JOIN serials s ON s.id = t.serial_id WHERE s.unit_id=$1)`, unitID).
		Scan(&d.Children, &d.Transactions)
	if err != nil {
		return Dependents{}, wrapErr("unit dependents", err)
	}
	return d, nil
}

func (r *txRepository) GetSerial(ctx context.Context, id int64) (Serial, error) {
	return getSerial(ctx, r.tx, `id=$1`, id)
}

func (r *txRepository) GetSerialByUnit(ctx context.Context, unitID int64) (Serial, error) {
	return getSerial(ctx, r.tx, `unit_id=$1`, unitID)
}

func (r *txRepository) InsertSerial(ctx context.Context, serial Serial) (Serial, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO serials (serial_number, item_id, lot_id, unit_id, created_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, serial.Number, serial.ItemID, serial.LotID, serial.UnitID, serial.CreatedAt).Scan(&serial.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Serial{}, fmt.Errorf("%w: serial %s taken concurrently", ErrConcurrencyConflict, serial.Number)
		}
		return Serial{}, wrapErr("insert serial", err)
	}
	return serial, nil
}

func (r *txRepository) DeleteSerial(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM serials WHERE id=$1`, id); err != nil {
		return wrapErr("delete serial", err)
	}
	return nil
}

func (r *txRepository) SerialNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM serials WHERE serial_number=$1)`, number).Scan(&exists); err != nil {
		return false, wrapErr("serial exists", err)
	}
	return exists, nil
}

func (r *txRepository) GetActiveAlertForUpdate(ctx context.Context, itemID int64, alertType AlertType) (Alert, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM inventory_alerts WHERE item_id=$1 AND alert_type=$2 AND is_active FOR UPDATE`, itemID, string(alertType))
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, wrapErr("get active alert", err)
	}
	return alert, nil
}

func (r *txRepository) GetAlertForUpdate(ctx context.Context, id int64) (Alert, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM inventory_alerts WHERE id=$1 FOR UPDATE`, id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, wrapErr("get alert", err)
	}
	return alert, nil
}

func (r *txRepository) InsertAlert(ctx context.Context, alert Alert) (Alert, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_alerts (item_id, alert_type, message, current_quantity, threshold, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,TRUE,$6,$6) RETURNING id`, alert.ItemID, string(alert.Type), alert.Message, alert.CurrentQuantity, alert.Threshold, alert.CreatedAt).
		Scan(&alert.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Alert{}, fmt.Errorf("%w: alert raised concurrently", ErrConcurrencyConflict)
		}
		return Alert{}, wrapErr("insert alert", err)
	}
	alert.Active = true
	alert.UpdatedAt = alert.CreatedAt
	return alert, nil
}

func (r *txRepository) UpdateAlert(ctx context.Context, alert Alert) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_alerts SET message=$2, current_quantity=$3, threshold=$4, is_active=$5,
  acknowledged_at=$6, acknowledged_by=$7, resolved_at=$8, resolved_by=$9, updated_at=$10
WHERE id=$1`, alert.ID, alert.Message, alert.CurrentQuantity, alert.Threshold, alert.Active,
		alert.AcknowledgedAt, nullInt(alert.AcknowledgedBy), alert.ResolvedAt, nullInt(alert.ResolvedBy), alert.UpdatedAt)
	return wrapErr("update alert", err)
}

// Shared scanning helpers.

const inventoryColumns = `id, item_id, warehouse_id, location_id, lot_id, quantity_on_hand, quantity_allocated, version, updated_at`

const lotColumns = `id, item_id, lot_number, quantity, remaining_quantity, quality_status, manufactured_at, received_at,
  expires_at, certification_ref, division_id, parent_lot_id, version, created_at, updated_at`

const unitColumns = `id, lot_id, item_id, quantity, status, parent_unit_id, warehouse_id, location_id, notes, version, created_at, updated_at`

const alertColumns = `id, item_id, alert_type, message, current_quantity, threshold, is_active, acknowledged_at, acknowledged_by,
  resolved_at, resolved_by, created_at, updated_at`

func getInventory(ctx context.Context, q querier, key InventoryKey, forUpdate bool) (Inventory, error) {
	sql := `SELECT ` + inventoryColumns + ` FROM inventory
WHERE item_id=$1 AND warehouse_id=$2 AND COALESCE(location_id,0)=$3 AND COALESCE(lot_id,0)=$4`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	row, err := scanInventory(q.QueryRow(ctx, sql, key.ItemID, key.WarehouseID, key.LocationID, key.LotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Inventory{ItemID: key.ItemID, WarehouseID: key.WarehouseID, LocationID: key.LocationID, LotID: key.LotID}, ErrInventoryNotFound
		}
		return Inventory{}, wrapErr("get inventory", err)
	}
	return row, nil
}

func scanInventory(row pgx.Row) (Inventory, error) {
	var (
		inv             Inventory
		location, lotID *int64
	)
	if err := row.Scan(&inv.ID, &inv.ItemID, &inv.WarehouseID, &location, &lotID, &inv.QuantityOnHand,
		&inv.QuantityAllocated, &inv.Version, &inv.UpdatedAt); err != nil {
		return Inventory{}, err
	}
	inv.LocationID, inv.LotID = deref(location), deref(lotID)
	return inv, nil
}

func getLot(ctx context.Context, q querier, id int64, forUpdate bool) (Lot, error) {
	sql := `SELECT ` + lotColumns + ` FROM lots WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	lot, err := scanLot(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, wrapErr("get lot", err)
	}
	return lot, nil
}

func scanLot(row pgx.Row) (Lot, error) {
	var (
		lot              Lot
		status           string
		division, parent *int64
	)
	if err := row.Scan(&lot.ID, &lot.ItemID, &lot.LotNumber, &lot.Quantity, &lot.RemainingQuantity, &status,
		&lot.ManufacturedAt, &lot.ReceivedAt, &lot.ExpiresAt, &lot.CertificationRef, &division, &parent,
		&lot.Version, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
		return Lot{}, err
	}
	lot.QualityStatus = QualityStatus(status)
	lot.DivisionID, lot.ParentLotID = deref(division), deref(parent)
	return lot, nil
}

func collectLots(rows pgx.Rows) ([]Lot, error) {
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, wrapErr("scan lot", err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list lots", err)
	}
	return lots, nil
}

func getUnit(ctx context.Context, q querier, id int64, forUpdate bool) (SerializedUnit, error) {
	sql := `SELECT ` + unitColumns + ` FROM serialized_units WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	unit, err := scanUnit(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerializedUnit{}, ErrUnitNotFound
		}
		return SerializedUnit{}, wrapErr("get unit", err)
	}
	return unit, nil
}

func scanUnit(row pgx.Row) (SerializedUnit, error) {
	var (
		unit                        SerializedUnit
		status                      string
		parent, warehouse, location *int64
	)
	if err := row.Scan(&unit.ID, &unit.LotID, &unit.ItemID, &unit.Quantity, &status, &parent, &warehouse, &location,
		&unit.Notes, &unit.Version, &unit.CreatedAt, &unit.UpdatedAt); err != nil {
		return SerializedUnit{}, err
	}
	unit.Status = UnitStatus(status)
	unit.ParentUnitID, unit.WarehouseID, unit.LocationID = deref(parent), deref(warehouse), deref(location)
	return unit, nil
}

func collectUnits(rows pgx.Rows) ([]SerializedUnit, error) {
	defer rows.Close()
	units := []SerializedUnit{}
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, wrapErr("scan unit", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list units", err)
	}
	return units, nil
}

func getSerial(ctx context.Context, q querier, where string, arg int64) (Serial, error) {
	var s Serial
	err := q.QueryRow(ctx, `SELECT id, serial_number, item_id, lot_id, unit_id, created_at FROM serials WHERE `+where, arg).
		Scan(&s.ID, &s.Number, &s.ItemID, &s.LotID, &s.UnitID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Serial{}, ErrSerialNotFound
		}
		return Serial{}, wrapErr("get serial", err)
	}
	return s, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert          Alert
		alertType      string
		ackBy, resolBy *int64
	)
	if err := row.Scan(&alert.ID, &alert.ItemID, &alertType, &alert.Message, &alert.CurrentQuantity, &alert.Threshold,
		&alert.Active, &alert.AcknowledgedAt, &ackBy, &alert.ResolvedAt, &resolBy, &alert.CreatedAt, &alert.UpdatedAt); err != nil {
		return Alert{}, err
	}
	alert.Type = AlertType(alertType)
	alert.AcknowledgedBy, alert.ResolvedBy = deref(ackBy), deref(resolBy)
	return alert, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
