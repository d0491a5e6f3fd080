package availability

import (
	"context"
	"fmt"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/monitoring"
	"ms-reservation/internal/utils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 5 * time.Minute

// UnitCounter is the read side of the unit store.
type UnitCounter interface {
	AggregateByEvent(ctx context.Context, eventID string) ([]models.CategoryStatusCount, error)
}

// Aggregator serves per-event availability from the cache and recomputes it
// from the unit store on a miss.
type Aggregator struct {
	store  UnitCounter
	cache  Cache
	ttl    time.Duration
	clock  utils.Clock
	logger *logger.Logger
	group  singleflight.Group
}

func NewAggregator(store UnitCounter, cache Cache, ttl time.Duration, clock utils.Clock, log *logger.Logger) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Aggregator{store: store, cache: cache, ttl: ttl, clock: clock, logger: log}
}

// GetAvailability returns the event's snapshot. Cache failures fall back to
// the unit store and never fail the read.
func (a *Aggregator) GetAvailability(ctx context.Context, eventID string) (*models.AvailabilitySnapshot, error) {
	snap, ok, err := a.cache.Get(ctx, eventID)
	if err != nil {
		monitoring.TrackAvailabilityLookup("error")
		a.logger.Warn("CACHE", fmt.Sprintf("get %s: %v", eventID, err))
		return a.compute(ctx, eventID)
	}
	if ok {
		monitoring.TrackAvailabilityLookup("hit")
		a.logger.LogCache("HIT", eventID, "served from cache")
		return snap, nil
	}
	monitoring.TrackAvailabilityLookup("miss")

	gen, err := a.cache.Generation(ctx, eventID)
	if err != nil {
		a.logger.Warn("CACHE", fmt.Sprintf("generation %s: %v", eventID, err))
		return a.compute(ctx, eventID)
	}

	// Misses that saw the same generation share one computation. A miss
	// after an invalidation sees a new generation and never joins an older
	// flight.
	key := fmt.Sprintf("%s#%d", eventID, gen)
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		snap, err := a.compute(ctx, eventID)
		if err != nil {
			return nil, err
		}
		stored, err := a.cache.Store(ctx, snap, gen, a.ttl)
		switch {
		case err != nil:
			a.logger.Warn("CACHE", fmt.Sprintf("store %s: %v", eventID, err))
		case !stored:
			a.logger.LogCache("DISCARD", eventID, fmt.Sprintf("generation %d superseded", gen))
		default:
			a.logger.LogCache("STORE", eventID, fmt.Sprintf("generation %d", gen))
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AvailabilitySnapshot), nil
}

// Invalidate evicts the event's snapshot and retires its generation.
func (a *Aggregator) Invalidate(ctx context.Context, eventID string) error {
	if err := a.cache.Invalidate(ctx, eventID); err != nil {
		return err
	}
	monitoring.TrackInvalidation()
	a.logger.LogCache("EVICT", eventID, "invalidated")
	return nil
}

// HandleUnitStateChanged is the event bus subscriber for unit mutations.
func (a *Aggregator) HandleUnitStateChanged(ctx context.Context, evt models.UnitStateChanged) error {
	return a.Invalidate(ctx, evt.EventID)
}

func (a *Aggregator) compute(ctx context.Context, eventID string) (*models.AvailabilitySnapshot, error) {
	rows, err := a.store.AggregateByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return BuildSnapshot(eventID, rows, a.clock.Now()), nil
}

// BuildSnapshot folds per-status rows into one entry per category, keeping
// the order of the rows. Price bounds span every unit of the category.
func BuildSnapshot(eventID string, rows []models.CategoryStatusCount, at time.Time) *models.AvailabilitySnapshot {
	snap := &models.AvailabilitySnapshot{
		EventID:    eventID,
		Categories: []models.CategoryAvailability{},
		ComputedAt: at,
	}
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.Category]
		if !ok {
			i = len(snap.Categories)
			index[r.Category] = i
			snap.Categories = append(snap.Categories, models.CategoryAvailability{
				Category: r.Category,
				MinPrice: decimal.New(r.MinPriceCents, -2),
				MaxPrice: decimal.New(r.MaxPriceCents, -2),
			})
		}
		c := &snap.Categories[i]
		switch r.Status {
		case models.UnitStatusAvailable:
			c.Available += r.Units
		case models.UnitStatusHeld:
			c.Held += r.Units
		case models.UnitStatusSold:
			c.Sold += r.Units
		}
		if lo := decimal.New(r.MinPriceCents, -2); lo.LessThan(c.MinPrice) {
			c.MinPrice = lo
		}
		if hi := decimal.New(r.MaxPriceCents, -2); hi.GreaterThan(c.MaxPrice) {
			c.MaxPrice = hi
		}
	}
	return snap
}
