package utils

import (
	"github.com/google/uuid"
)

// NewHoldID returns a fresh identifier for a hold ledger entry.
func NewHoldID() string {
	return uuid.NewString()
}
