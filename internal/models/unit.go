package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type UnitStatus string

const (
	UnitStatusAvailable UnitStatus = "AVAILABLE"
	UnitStatusHeld      UnitStatus = "HELD"
	UnitStatusSold      UnitStatus = "SOLD"
)

// Unit is a single sellable seat. Status moves AVAILABLE -> HELD -> SOLD,
// or HELD -> AVAILABLE when a hold is released or reclaimed. SOLD is terminal.
type Unit struct {
	bun.BaseModel `bun:"table:units"`

	ID            string     `bun:"id,pk" json:"id"`
	EventID       string     `bun:"event_id,notnull" json:"event_id"`
	Category      string     `bun:"category,notnull" json:"category"`
	Block         string     `bun:"block,notnull" json:"block"`
	PriceCents    int64      `bun:"price_cents,notnull" json:"price_cents"`
	Status        UnitStatus `bun:"status,notnull" json:"status"`
	HolderRef     *string    `bun:"holder_ref" json:"holder_ref,omitempty"`
	HoldID        *string    `bun:"hold_id" json:"hold_id,omitempty"`
	HoldExpiresAt *time.Time `bun:"hold_expires_at" json:"hold_expires_at,omitempty"`
	Version       int64      `bun:"version,notnull" json:"version"`
	Hot           bool       `bun:"hot,notnull" json:"hot"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// Price returns the unit price as a decimal amount.
func (u *Unit) Price() decimal.Decimal {
	return decimal.New(u.PriceCents, -2)
}

// HeldBy reports whether the unit is currently held under the given hold.
func (u *Unit) HeldBy(holdID string) bool {
	return u.Status == UnitStatusHeld && u.HoldID != nil && *u.HoldID == holdID
}

// SoldUnder reports whether the unit was sold by consuming the given hold.
func (u *Unit) SoldUnder(holdID string) bool {
	return u.Status == UnitStatusSold && u.HoldID != nil && *u.HoldID == holdID
}

// MarkHeld moves an AVAILABLE unit to HELD for the given hold.
func (u *Unit) MarkHeld(holdID, holderRef string, expiresAt, now time.Time) {
	u.Status = UnitStatusHeld
	u.HoldID = &holdID
	u.HolderRef = &holderRef
	u.HoldExpiresAt = &expiresAt
	u.UpdatedAt = now
}

// MarkAvailable returns a HELD unit to the pool.
func (u *Unit) MarkAvailable(now time.Time) {
	u.Status = UnitStatusAvailable
	u.HoldID = nil
	u.HolderRef = nil
	u.HoldExpiresAt = nil
	u.UpdatedAt = now
}

// MarkSold finalises a HELD unit. The hold id and holder stay as the sale record.
func (u *Unit) MarkSold(now time.Time) {
	u.Status = UnitStatusSold
	u.HoldExpiresAt = nil
	u.UpdatedAt = now
}
