package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentResult is the status signal emitted by the payment collaborator once
// an authorization for a hold has settled.
type PaymentResult struct {
	PaymentID  string        `json:"payment_id"`
	HoldID     string        `json:"hold_id"`
	Status     PaymentStatus `json:"status"`
	OccurredAt time.Time     `json:"occurred_at"`
}
