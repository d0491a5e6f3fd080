package db

import (
	"context"
	"fmt"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

// CreateSchema creates the units and holds tables with their indexes if they
// do not exist. Production databases are migrated with the SQL files under
// migrations/; this is for tests and DB_DRIVER=sqlite.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{(*models.Unit)(nil), (*models.Hold)(nil)}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	indexes := []*bun.CreateIndexQuery{
		db.NewCreateIndex().Model((*models.Unit)(nil)).Index("units_event_category_idx").Column("event_id", "category"),
		db.NewCreateIndex().Model((*models.Hold)(nil)).Index("holds_unit_status_idx").Column("unit_id", "status"),
		db.NewCreateIndex().Model((*models.Hold)(nil)).Index("holds_status_expires_idx").Column("status", "expires_at"),
		db.NewCreateIndex().Model((*models.Hold)(nil)).Index("holds_one_active_per_unit").Unique().Column("unit_id").
			Where("status = ?", models.HoldStatusActive),
	}
	for _, q := range indexes {
		if _, err := q.IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
