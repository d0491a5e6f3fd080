package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"

	"github.com/go-redis/redis/v8"
)

const holdKeyPrefix = "hold_expiry:"

// Reclaimer expires a single hold if it is due.
type Reclaimer interface {
	ReclaimHold(ctx context.Context, holdID string) (bool, error)
}

// HoldTimer mirrors every ACTIVE hold as a Redis key that expires shortly
// after the hold does. The key's expiry notification triggers an immediate
// reclaim instead of waiting for the next periodic scan. Missing a
// notification only delays reclamation until that scan.
type HoldTimer struct {
	Client    *redis.Client
	reclaimer Reclaimer
	clock     utils.Clock
	grace     time.Duration
	logger    *logger.Logger
}

func NewHoldTimer(client *redis.Client, reclaimer Reclaimer, clock utils.Clock, grace time.Duration, log *logger.Logger) *HoldTimer {
	if clock == nil {
		clock = utils.SystemClock()
	}
	if grace <= 0 {
		grace = time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HoldTimer{Client: client, reclaimer: reclaimer, clock: clock, grace: grace, logger: log}
}

func holdKey(holdID string) string {
	return holdKeyPrefix + holdID
}

// Arm sets the timer key for a hold expiring at expiresAt.
func (t *HoldTimer) Arm(ctx context.Context, holdID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(t.clock.Now()) + t.grace
	if ttl < t.grace {
		ttl = t.grace
	}
	if err := t.Client.Set(ctx, holdKey(holdID), holdID, ttl).Err(); err != nil {
		return fmt.Errorf("arm hold timer %s: %w", holdID, err)
	}
	t.logger.Debug("REDIS", fmt.Sprintf("hold timer %s armed for %s", holdID, ttl))
	return nil
}

// Disarm removes the timer key once the hold is closed.
func (t *HoldTimer) Disarm(ctx context.Context, holdID string) error {
	if err := t.Client.Del(ctx, holdKey(holdID)).Err(); err != nil {
		return fmt.Errorf("disarm hold timer %s: %w", holdID, err)
	}
	return nil
}

// HandleUnitStateChanged arms the timer when a unit becomes HELD and disarms
// it when the unit leaves HELD.
func (t *HoldTimer) HandleUnitStateChanged(ctx context.Context, evt models.UnitStateChanged) error {
	if evt.HoldID == "" {
		return nil
	}
	switch evt.NewStatus {
	case models.UnitStatusHeld:
		if evt.ExpiresAt == nil {
			return nil
		}
		return t.Arm(ctx, evt.HoldID, *evt.ExpiresAt)
	default:
		return t.Disarm(ctx, evt.HoldID)
	}
}

// EnableNotifications turns on expired-key events. Managed Redis deployments
// often forbid CONFIG SET; there the setting must be applied out of band.
func (t *HoldTimer) EnableNotifications(ctx context.Context) {
	if _, err := t.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result(); err != nil {
		t.logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}
	t.logger.Info("REDIS", "Keyspace notifications enabled for expired events")
}

// Listen consumes expired-key events until ctx is cancelled.
func (t *HoldTimer) Listen(ctx context.Context) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", t.Client.Options().DB)
	pubsub := t.Client.PSubscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	t.logger.Info("REDIS", fmt.Sprintf("Subscribed to %s", channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			t.HandleExpiredKey(ctx, msg.Payload)
		}
	}
}

// HandleExpiredKey reclaims the hold behind an expired timer key. Keys
// outside the timer namespace are ignored.
func (t *HoldTimer) HandleExpiredKey(ctx context.Context, key string) {
	if !strings.HasPrefix(key, holdKeyPrefix) {
		return
	}
	holdID := strings.TrimPrefix(key, holdKeyPrefix)
	expired, err := t.reclaimer.ReclaimHold(ctx, holdID)
	if err != nil {
		t.logger.Error("REDIS", fmt.Sprintf("reclaim hold %s after timer: %v", holdID, err))
		return
	}
	if !expired {
		t.logger.Debug("REDIS", fmt.Sprintf("hold %s timer fired, nothing to reclaim", holdID))
	}
}
