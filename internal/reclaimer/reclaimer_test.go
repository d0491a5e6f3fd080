package reclaimer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reclaimer"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/reservation/db"
	"ms-reservation/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type MockScanner struct {
	mock.Mock
}

func (m *MockScanner) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Hold), args.Error(1)
}

type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) ExpireHold(ctx context.Context, holdID string, now time.Time) (bool, error) {
	args := m.Called(ctx, holdID, now)
	return args.Bool(0), args.Error(1)
}

func TestRunOnceSkipsFailures(t *testing.T) {
	scanner := new(MockScanner)
	expirer := new(MockExpirer)
	clock := utils.NewManualClock(t0)

	scanner.On("ListExpiredHolds", mock.Anything, t0, 100).Return([]models.Hold{
		{ID: "h1", UnitID: "u1"}, {ID: "h2", UnitID: "u2"}, {ID: "h3", UnitID: "u3"},
	}, nil)
	expirer.On("ExpireHold", mock.Anything, "h1", t0).Return(true, nil)
	expirer.On("ExpireHold", mock.Anything, "h2", t0).Return(false, errors.New("lock timeout"))
	expirer.On("ExpireHold", mock.Anything, "h3", t0).Return(false, nil)

	r := reclaimer.New(scanner, expirer, clock, logger.NewNop(), time.Second, 100)
	res := r.RunOnce(context.Background())

	assert.Equal(t, reclaimer.Result{Scanned: 3, Expired: 1, Skipped: 1, Failed: 1}, res)
	expirer.AssertExpectations(t)
}

func TestRunOnceScanFailure(t *testing.T) {
	scanner := new(MockScanner)
	expirer := new(MockExpirer)
	scanner.On("ListExpiredHolds", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	r := reclaimer.New(scanner, expirer, utils.NewManualClock(t0), logger.NewNop(), time.Second, 10)
	res := r.RunOnce(context.Background())

	assert.Equal(t, reclaimer.Result{}, res)
	expirer.AssertNotCalled(t, "ExpireHold", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunStopsOnCancel(t *testing.T) {
	scanner := new(MockScanner)
	expirer := new(MockExpirer)
	var scans int32
	scanner.On("ListExpiredHolds", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { atomic.AddInt32(&scans, 1) }).
		Return([]models.Hold{}, nil)

	r := reclaimer.New(scanner, expirer, nil, logger.NewNop(), 10*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&scans) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reclaimer did not stop")
	}
}

func TestReclaimHold(t *testing.T) {
	expirer := new(MockExpirer)
	expirer.On("ExpireHold", mock.Anything, "h1", t0).Return(true, nil)
	expirer.On("ExpireHold", mock.Anything, "h2", t0).Return(false, errors.New("boom"))

	r := reclaimer.New(new(MockScanner), expirer, utils.NewManualClock(t0), logger.NewNop(), 0, 0)

	ok, err := r.ReclaimHold(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.ReclaimHold(context.Background(), "h2")
	assert.EqualError(t, err, "boom")
}

// End to end against the real arbiter: a hold nobody touches is back in the
// pool after the first scan past its expiry.
func TestReclaimerExpiresAbandonedHolds(t *testing.T) {
	ctx := context.Background()
	store, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Bun.Close()

	clock := utils.NewManualClock(t0)
	strategy, err := reservation.NewStrategy(reservation.StrategyOptimistic, store)
	require.NoError(t, err)
	svc := reservation.NewService(store, strategy, nil, nil, reservation.Options{HoldDuration: 15 * time.Minute, Clock: clock})
	require.NoError(t, svc.LoadUnits(ctx, []models.Unit{
		{ID: "u1", EventID: "ev1", Category: "GA", Block: "A", PriceCents: 1000},
		{ID: "u2", EventID: "ev1", Category: "GA", Block: "A", PriceCents: 1000},
	}))

	abandoned, err := svc.PlaceHold(ctx, "u1", "alice")
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	fresh, err := svc.PlaceHold(ctx, "u2", "bob")
	require.NoError(t, err)

	r := reclaimer.New(store, svc, clock, logger.NewNop(), 15*time.Second, 10)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, reclaimer.Result{}, r.RunOnce(ctx))

	clock.Advance(time.Minute + 15*time.Second)
	assert.Equal(t, reclaimer.Result{Scanned: 1, Expired: 1}, r.RunOnce(ctx))

	unit, err := svc.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusAvailable, unit.Status)
	hold, err := svc.GetHold(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusExpired, hold.Status)

	hold, err = svc.GetHold(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusActive, hold.Status)

	// Nothing left to do on a second pass.
	assert.Equal(t, reclaimer.Result{}, r.RunOnce(ctx))
}
