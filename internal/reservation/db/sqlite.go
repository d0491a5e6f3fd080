package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// OpenSQLite opens a SQLite-backed store and creates the schema. The pool is
// limited to one connection so ":memory:" databases are shared and writers
// are serialised.
func OpenSQLite(ctx context.Context, dsn string) (*DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	if err := CreateSchema(ctx, bunDB); err != nil {
		bunDB.Close()
		return nil, err
	}
	return &DB{Bun: bunDB}, nil
}
