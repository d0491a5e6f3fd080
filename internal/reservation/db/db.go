package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// DB is the unit store and hold ledger. Methods that take a bun.IDB run on
// whatever handle the caller passes, so they compose inside one transaction.
type DB struct {
	Bun *bun.DB
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// Conn is the handle for reads outside a transaction.
func (d *DB) Conn() bun.IDB {
	return d.Bun
}

// SupportsRowLocks reports whether SELECT ... FOR UPDATE is available.
// SQLite serialises writers on its own and has no row locks.
func (d *DB) SupportsRowLocks() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

// ---------------- UNITS ----------------

func (d *DB) GetUnit(ctx context.Context, idb bun.IDB, id string) (*models.Unit, error) {
	var unit models.Unit
	err := idb.NewSelect().
		Model(&unit).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUnitNotFound
		}
		return nil, fmt.Errorf("get unit %s: %w", id, err)
	}
	return &unit, nil
}

// GetUnitForUpdate reads the unit holding an exclusive row lock until tx ends.
func (d *DB) GetUnitForUpdate(ctx context.Context, tx bun.IDB, id string) (*models.Unit, error) {
	var unit models.Unit
	q := tx.NewSelect().
		Model(&unit).
		Where("id = ?", id)
	if d.SupportsRowLocks() {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUnitNotFound
		}
		return nil, fmt.Errorf("lock unit %s: %w", id, err)
	}
	return &unit, nil
}

// UpdateUnit writes the unit's lifecycle columns if its version is still
// expectedVersion, bumping the version by one. Zero affected rows means a
// concurrent writer got there first.
func (d *DB) UpdateUnit(ctx context.Context, idb bun.IDB, unit *models.Unit, expectedVersion int64) error {
	unit.Version = expectedVersion + 1
	res, err := idb.NewUpdate().
		Model(unit).
		Column("status", "holder_ref", "hold_id", "hold_expires_at", "version", "updated_at").
		WherePK().
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		unit.Version = expectedVersion
		return fmt.Errorf("update unit %s: %w", unit.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		unit.Version = expectedVersion
		return fmt.Errorf("update unit %s: %w", unit.ID, err)
	}
	if n == 0 {
		unit.Version = expectedVersion
		return models.ErrConcurrencyConflict
	}
	return nil
}

// CreateUnits inserts catalog units in one statement.
func (d *DB) CreateUnits(ctx context.Context, units []models.Unit) error {
	if len(units) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&units).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create units: %w: %v", models.ErrUnitExists, err)
		}
		return fmt.Errorf("create units: %w", err)
	}
	return nil
}

// SetUnitHot flips the contention flag. It is not a lifecycle mutation and
// leaves the version alone.
func (d *DB) SetUnitHot(ctx context.Context, id string, hot bool) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Unit)(nil)).
		Set("hot = ?", hot).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set unit %s hot: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUnitNotFound
	}
	return nil
}

// ---------------- HOLDS ----------------

func (d *DB) GetHold(ctx context.Context, idb bun.IDB, id string) (*models.Hold, error) {
	var hold models.Hold
	err := idb.NewSelect().
		Model(&hold).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrHoldNotFound
		}
		return nil, fmt.Errorf("get hold %s: %w", id, err)
	}
	return &hold, nil
}

func (d *DB) InsertHold(ctx context.Context, idb bun.IDB, hold *models.Hold) error {
	_, err := idb.NewInsert().Model(hold).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrUnitNotAvailable
		}
		return fmt.Errorf("insert hold %s: %w", hold.ID, err)
	}
	return nil
}

// CloseHold moves an ACTIVE hold to a terminal status. It reports false when
// the hold had already left ACTIVE, which callers treat as a no-op.
func (d *DB) CloseHold(ctx context.Context, idb bun.IDB, id string, status models.HoldStatus, at time.Time) (bool, error) {
	res, err := idb.NewUpdate().
		Model((*models.Hold)(nil)).
		Set("status = ?", status).
		Set("closed_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", models.HoldStatusActive).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("close hold %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close hold %s: %w", id, err)
	}
	return n == 1, nil
}

// ListExpiredHolds returns ACTIVE holds whose expiry is at or before now,
// oldest first.
func (d *DB) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	var holds []models.Hold
	err := d.Bun.NewSelect().
		Model(&holds).
		Where("status = ?", models.HoldStatusActive).
		Where("expires_at <= ?", now).
		OrderExpr("expires_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	return holds, nil
}

// ---------------- AGGREGATION ----------------

// AggregateByEvent counts units per category and status for one event.
func (d *DB) AggregateByEvent(ctx context.Context, eventID string) ([]models.CategoryStatusCount, error) {
	var rows []models.CategoryStatusCount
	err := d.Bun.NewSelect().
		Model((*models.Unit)(nil)).
		ColumnExpr("category").
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS units").
		ColumnExpr("MIN(price_cents) AS min_price_cents").
		ColumnExpr("MAX(price_cents) AS max_price_cents").
		Where("event_id = ?", eventID).
		GroupExpr("category, status").
		OrderExpr("category ASC, status ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("aggregate units for event %s: %w", eventID, err)
	}
	return rows, nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == "23505" {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
