package reservation_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/reservation/db"
	"ms-reservation/internal/utils"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// setupPostgres starts a PostgreSQL container, applies the SQL migrations and
// returns a store backed by pgdriver.
func setupPostgres(t *testing.T) *db.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "reservation",
				"POSTGRES_PASSWORD": "reservation",
				"POSTGRES_DB":       "reservation",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://reservation:reservation@%s:%s/reservation?sslmode=disable", host, port.Port())

	migrationDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	runner := migrations.NewRunner(migrationDB, migrations.Options{MigrationsDir: "../../migrations"}, logger.NewNop())
	require.NoError(t, runner.MigrateUp())
	version, ok, err := runner.Version()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(1), version)
	require.NoError(t, runner.Close())

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	sqldb.SetMaxOpenConns(20)
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { bunDB.Close() })

	store := &db.DB{Bun: bunDB}
	require.True(t, store.SupportsRowLocks())
	return store
}

func TestPostgresStrategies(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}
	store := setupPostgres(t)

	for _, name := range strategies {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := utils.NewManualClock(t0)
			strategy, err := reservation.NewStrategy(name, store)
			require.NoError(t, err)
			svc := reservation.NewService(store, strategy, nil, staticCatalog{"pg-ev": true}, reservation.Options{
				HoldDuration: 15 * time.Minute,
				MaxRetries:   2,
				Clock:        clock,
			})

			unitID := "pg-" + name
			require.NoError(t, svc.LoadUnits(ctx, []models.Unit{
				{ID: unitID, EventID: "pg-ev", Category: "GA", Block: "A", PriceCents: 4500},
				{ID: unitID + "-race", EventID: "pg-ev", Category: "GA", Block: "A", PriceCents: 4500},
			}))
			if name == reservation.StrategyAdaptive {
				require.NoError(t, svc.SetUnitHot(ctx, unitID, true))
			}

			// Mutual exclusion under real row locks and MVCC.
			const callers = 24
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winner    *models.Hold
				successes int
			)
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					hold, err := svc.PlaceHold(ctx, unitID, fmt.Sprintf("caller-%d", i))
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						successes++
						winner = hold
						return
					}
					assert.True(t, errors.Is(err, models.ErrUnitNotAvailable) || errors.Is(err, models.ErrConcurrencyConflict), "unexpected error: %v", err)
				}(i)
			}
			close(start)
			wg.Wait()
			require.Equal(t, 1, successes)

			unit, err := svc.GetUnit(ctx, unitID)
			require.NoError(t, err)
			assert.Equal(t, models.UnitStatusHeld, unit.Status)
			assert.Equal(t, int64(1), unit.Version)
			require.NotNil(t, unit.HoldExpiresAt)
			assert.True(t, unit.HoldExpiresAt.Equal(winner.ExpiresAt))

			// Consume and reclaim race on a fresh hold; exactly one wins.
			raced, err := svc.PlaceHold(ctx, unitID+"-race", "alice")
			require.NoError(t, err)
			var (
				consumeErr error
				expired    bool
				expireErr  error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				consumeErr = svc.ConsumeHold(ctx, raced.ID)
			}()
			go func() {
				defer wg.Done()
				expired, expireErr = svc.ExpireHold(ctx, raced.ID, raced.ExpiresAt)
			}()
			wg.Wait()
			require.NoError(t, expireErr)
			assert.True(t, (consumeErr == nil) != expired, "consume=%v expired=%v", consumeErr, expired)

			final, err := svc.GetUnit(ctx, unitID+"-race")
			require.NoError(t, err)
			if expired {
				assert.Equal(t, models.UnitStatusAvailable, final.Status)
			} else {
				assert.Equal(t, models.UnitStatusSold, final.Status)
			}
		})
	}
}

func TestPostgresStoreConstraints(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}
	store := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUnits(ctx, []models.Unit{{
		ID: "c1", EventID: "pg-ev", Category: "GA", Block: "A", PriceCents: 100,
		Status: models.UnitStatusAvailable, CreatedAt: t0, UpdatedAt: t0,
	}}))

	first := &models.Hold{ID: "c-h1", UnitID: "c1", EventID: "pg-ev", HolderRef: "a",
		Status: models.HoldStatusActive, CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)}
	require.NoError(t, store.InsertHold(ctx, store.Bun, first))

	second := &models.Hold{ID: "c-h2", UnitID: "c1", EventID: "pg-ev", HolderRef: "b",
		Status: models.HoldStatusActive, CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)}
	assert.ErrorIs(t, store.InsertHold(ctx, store.Bun, second), models.ErrUnitNotAvailable)

	holds, err := store.ListExpiredHolds(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, "c-h1", holds[0].ID)

	rows, err := store.AggregateByEvent(ctx, "pg-ev")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Units)
}
