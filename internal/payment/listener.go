package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/segmentio/kafka-go"
)

// HoldSettler is the part of the reservation service a payment outcome drives.
type HoldSettler interface {
	ConsumeHold(ctx context.Context, holdID string) error
	ReleaseHold(ctx context.Context, holdID string) error
}

// Listener turns payment results into hold transitions: a successful payment
// consumes the hold, a failed one releases it.
type Listener struct {
	holds  HoldSettler
	logger *logger.Logger
}

func NewListener(holds HoldSettler, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.NewNop()
	}
	return &Listener{holds: holds, logger: log}
}

// HandleMessage decodes a payment result from Kafka. Undecodable messages are
// logged and dropped.
func (l *Listener) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var result models.PaymentResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		l.logger.Error("PAYMENT", fmt.Sprintf("Failed to unmarshal payment result at offset %d: %v", msg.Offset, err))
		return nil
	}
	return l.Handle(ctx, result)
}

// Handle applies one payment result. Outcomes the hold can no longer accept
// (expired, closed, unknown) are logged and acknowledged; infrastructure
// errors are returned so the message is retried.
func (l *Listener) Handle(ctx context.Context, result models.PaymentResult) error {
	if result.HoldID == "" {
		l.logger.Warn("PAYMENT", fmt.Sprintf("payment %s carries no hold id", result.PaymentID))
		return nil
	}

	var err error
	switch result.Status {
	case models.PaymentSucceeded:
		err = l.holds.ConsumeHold(ctx, result.HoldID)
	case models.PaymentFailed:
		err = l.holds.ReleaseHold(ctx, result.HoldID)
	default:
		l.logger.Warn("PAYMENT", fmt.Sprintf("payment %s has unknown status %q", result.PaymentID, result.Status))
		return nil
	}

	switch {
	case err == nil:
		l.logger.Info("PAYMENT", fmt.Sprintf("payment %s %s applied to hold %s", result.PaymentID, result.Status, result.HoldID))
		return nil
	case errors.Is(err, models.ErrHoldExpired),
		errors.Is(err, models.ErrHoldNotActive),
		errors.Is(err, models.ErrHoldNotFound):
		// The buyer paid for a hold that is gone; refunding is the payment
		// service's job.
		l.logger.Warn("PAYMENT", fmt.Sprintf("payment %s %s could not settle hold %s: %v", result.PaymentID, result.Status, result.HoldID, err))
		return nil
	default:
		return fmt.Errorf("settle hold %s: %w", result.HoldID, err)
	}
}
