package models

import "time"

// UnitStateChanged is published after every committed unit mutation.
type UnitStateChanged struct {
	UnitID     string     `json:"unit_id"`
	EventID    string     `json:"event_id"`
	NewStatus  UnitStatus `json:"new_status"`
	HoldID     string     `json:"hold_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Version    int64      `json:"version"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewUnitStateChanged builds the event from a unit as it was committed.
func NewUnitStateChanged(unit *Unit, holdID string, at time.Time) UnitStateChanged {
	evt := UnitStateChanged{
		UnitID:     unit.ID,
		EventID:    unit.EventID,
		NewStatus:  unit.Status,
		HoldID:     holdID,
		Version:    unit.Version,
		OccurredAt: at,
	}
	if unit.HoldExpiresAt != nil {
		exp := *unit.HoldExpiresAt
		evt.ExpiresAt = &exp
	}
	return evt
}
