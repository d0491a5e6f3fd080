package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ms-reservation/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	snapshotKeyPrefix   = "availability:snapshot:"
	generationKeyPrefix = "availability:gen:"
)

// RedisCache shares snapshots between instances. Store runs under WATCH on
// the generation key so an invalidation landing mid-store aborts it.
type RedisCache struct {
	Client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{Client: client}
}

func snapshotKey(eventID string) string   { return snapshotKeyPrefix + eventID }
func generationKey(eventID string) string { return generationKeyPrefix + eventID }

func (c *RedisCache) Get(ctx context.Context, eventID string) (*models.AvailabilitySnapshot, bool, error) {
	raw, err := c.Client.Get(ctx, snapshotKey(eventID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snap models.AvailabilitySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) Generation(ctx context.Context, eventID string) (uint64, error) {
	return readGeneration(ctx, c.Client, eventID)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd stringGetter, eventID string) (uint64, error) {
	raw, err := cmd.Get(ctx, generationKey(eventID)).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get generation from Redis: %w", err)
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad generation %q: %w", raw, err)
	}
	return gen, nil
}

func (c *RedisCache) Store(ctx context.Context, snap *models.AvailabilitySnapshot, gen uint64, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	stored := false
	err = c.Client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, snap.EventID)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey(snap.EventID), payload, ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, generationKey(snap.EventID))

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store snapshot in Redis: %w", err)
	}
	return stored, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, eventID string) error {
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(eventID))
		pipe.Del(ctx, snapshotKey(eventID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate snapshot in Redis: %w", err)
	}
	return nil
}
