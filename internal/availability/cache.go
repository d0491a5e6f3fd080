package availability

import (
	"context"
	"sync"
	"time"

	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"
)

// Cache holds availability snapshots per event. Every event carries a
// generation counter that Invalidate bumps; Store only accepts a snapshot
// computed under the current generation, so a computation that raced an
// invalidation is discarded instead of cached.
type Cache interface {
	Get(ctx context.Context, eventID string) (*models.AvailabilitySnapshot, bool, error)
	Generation(ctx context.Context, eventID string) (uint64, error)
	Store(ctx context.Context, snap *models.AvailabilitySnapshot, gen uint64, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, eventID string) error
}

type memoryEntry struct {
	snap      *models.AvailabilitySnapshot
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	gens    map[string]uint64
	clock   utils.Clock
}

func NewMemoryCache(clock utils.Clock) *MemoryCache {
	if clock == nil {
		clock = utils.SystemClock()
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		gens:    make(map[string]uint64),
		clock:   clock,
	}
}

func (c *MemoryCache) Get(_ context.Context, eventID string) (*models.AvailabilitySnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[eventID]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, eventID)
		return nil, false, nil
	}
	return e.snap, true, nil
}

func (c *MemoryCache) Generation(_ context.Context, eventID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[eventID], nil
}

func (c *MemoryCache) Store(_ context.Context, snap *models.AvailabilitySnapshot, gen uint64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[snap.EventID] != gen {
		return false, nil
	}
	c.entries[snap.EventID] = memoryEntry{snap: snap, expiresAt: c.clock.Now().Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[eventID]++
	delete(c.entries, eventID)
	return nil
}
