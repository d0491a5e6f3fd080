package models

import (
	"time"

	"github.com/uptrace/bun"
)

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "ACTIVE"
	HoldStatusConsumed  HoldStatus = "CONSUMED"
	HoldStatusExpired   HoldStatus = "EXPIRED"
	HoldStatusCancelled HoldStatus = "CANCELLED"
)

// Hold is a time-bounded reservation of a unit. At most one hold per unit is
// ACTIVE; once closed a hold is never modified again.
type Hold struct {
	bun.BaseModel `bun:"table:holds"`

	ID        string     `bun:"id,pk" json:"id"`
	UnitID    string     `bun:"unit_id,notnull" json:"unit_id"`
	EventID   string     `bun:"event_id,notnull" json:"event_id"`
	HolderRef string     `bun:"holder_ref,notnull" json:"holder_ref"`
	Status    HoldStatus `bun:"status,notnull" json:"status"`
	CreatedAt time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	ClosedAt  *time.Time `bun:"closed_at" json:"closed_at,omitempty"`
}

func (h *Hold) IsActive() bool {
	return h.Status == HoldStatusActive
}

// ExpiredAt reports whether the hold is past its expiry at the given instant.
func (h *Hold) ExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}
