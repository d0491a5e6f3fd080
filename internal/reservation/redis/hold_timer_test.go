package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// setupTestRedis creates a Redis client using miniredis for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if err := client.Ping(context.Background()).Err(); err != nil {
		mr.Close()
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

type MockReclaimer struct {
	mock.Mock
}

func (m *MockReclaimer) ReclaimHold(ctx context.Context, holdID string) (bool, error) {
	args := m.Called(ctx, holdID)
	return args.Bool(0), args.Error(1)
}

func TestArmSetsTTLPastExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	timer := NewHoldTimer(client, new(MockReclaimer), utils.NewManualClock(t0), 2*time.Second, logger.NewNop())

	require.NoError(t, timer.Arm(context.Background(), "h1", t0.Add(15*time.Minute)))
	assert.True(t, mr.Exists("hold_expiry:h1"))
	assert.Equal(t, 15*time.Minute+2*time.Second, mr.TTL("hold_expiry:h1"))

	// A hold already past expiry still gets a short timer.
	require.NoError(t, timer.Arm(context.Background(), "h2", t0.Add(-time.Minute)))
	assert.Equal(t, 2*time.Second, mr.TTL("hold_expiry:h2"))

	mr.FastForward(15*time.Minute + 3*time.Second)
	assert.False(t, mr.Exists("hold_expiry:h1"))
}

func TestHandleUnitStateChanged(t *testing.T) {
	client, mr := setupTestRedis(t)
	timer := NewHoldTimer(client, new(MockReclaimer), utils.NewManualClock(t0), time.Second, logger.NewNop())
	ctx := context.Background()
	expires := t0.Add(time.Minute)

	require.NoError(t, timer.HandleUnitStateChanged(ctx, models.UnitStateChanged{
		UnitID: "u1", EventID: "ev1", NewStatus: models.UnitStatusHeld, HoldID: "h1", ExpiresAt: &expires,
	}))
	assert.True(t, mr.Exists("hold_expiry:h1"))

	require.NoError(t, timer.HandleUnitStateChanged(ctx, models.UnitStateChanged{
		UnitID: "u1", EventID: "ev1", NewStatus: models.UnitStatusSold, HoldID: "h1",
	}))
	assert.False(t, mr.Exists("hold_expiry:h1"))

	// Catalog loads carry no hold and are ignored.
	require.NoError(t, timer.HandleUnitStateChanged(ctx, models.UnitStateChanged{
		UnitID: "u2", EventID: "ev1", NewStatus: models.UnitStatusAvailable,
	}))
	assert.Empty(t, mr.Keys())
}

func TestHandleExpiredKey(t *testing.T) {
	client, _ := setupTestRedis(t)
	reclaimer := new(MockReclaimer)
	reclaimer.On("ReclaimHold", mock.Anything, "h1").Return(true, nil).Once()
	reclaimer.On("ReclaimHold", mock.Anything, "h2").Return(false, errors.New("db down")).Once()

	timer := NewHoldTimer(client, reclaimer, utils.NewManualClock(t0), time.Second, logger.NewNop())
	ctx := context.Background()

	timer.HandleExpiredKey(ctx, "hold_expiry:h1")
	timer.HandleExpiredKey(ctx, "hold_expiry:h2")
	timer.HandleExpiredKey(ctx, "seat_lock:s1")
	timer.HandleExpiredKey(ctx, "availability:snapshot:ev1")

	reclaimer.AssertExpectations(t)
	reclaimer.AssertNumberOfCalls(t, "ReclaimHold", 2)
}

func TestListenReclaimsOnExpiryEvent(t *testing.T) {
	client, mr := setupTestRedis(t)
	fired := make(chan string, 16)
	reclaimer := new(MockReclaimer)
	reclaimer.On("ReclaimHold", mock.Anything, "h9").
		Run(func(args mock.Arguments) {
			select {
			case fired <- args.String(1):
			default:
			}
		}).
		Return(true, nil)

	timer := NewHoldTimer(client, reclaimer, nil, 0, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- timer.Listen(ctx) }()

	// Publish until the subscription is live and the event is seen.
	require.Eventually(t, func() bool {
		mr.Publish("__keyevent@0__:expired", "hold_expiry:h9")
		select {
		case id := <-fired:
			return id == "h9"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
