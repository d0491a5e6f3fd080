package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CategoryStatusCount is one row of the per-event aggregation query.
type CategoryStatusCount struct {
	Category      string     `bun:"category"`
	Status        UnitStatus `bun:"status"`
	Units         int        `bun:"units"`
	MinPriceCents int64      `bun:"min_price_cents"`
	MaxPriceCents int64      `bun:"max_price_cents"`
}

type CategoryAvailability struct {
	Category  string          `json:"category"`
	Available int             `json:"available"`
	Held      int             `json:"held"`
	Sold      int             `json:"sold"`
	MinPrice  decimal.Decimal `json:"min_price"`
	MaxPrice  decimal.Decimal `json:"max_price"`
}

// AvailabilitySnapshot is a derived, cacheable view of an event's seat counts.
// It is never authoritative; the unit store is.
type AvailabilitySnapshot struct {
	EventID    string                 `json:"event_id"`
	Categories []CategoryAvailability `json:"categories"`
	ComputedAt time.Time              `json:"computed_at"`
}

// Category returns the entry for the named category, or nil.
func (s *AvailabilitySnapshot) Category(name string) *CategoryAvailability {
	for i := range s.Categories {
		if s.Categories[i].Category == name {
			return &s.Categories[i]
		}
	}
	return nil
}
