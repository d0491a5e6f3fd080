package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-reservation/internal/config"
	"ms-reservation/internal/logger"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

const connectAttempts = 5

// OpenPostgres opens the pool through lib/pq, retrying while the database
// comes up, and wraps it for bun.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	sqldb, err := OpenSQL(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// OpenSQL returns a pinged database/sql pool.
func OpenSQL(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*sql.DB, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, connectAttempts))

		sqldb, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
		sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = sqldb.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			log.Info("DATABASE", "✅ PostgreSQL connection successful")
			return sqldb, nil
		}
		_ = sqldb.Close()
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", lastErr))

		if i < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", connectAttempts, lastErr)
}
