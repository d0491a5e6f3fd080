package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-reservation/internal/models"
)

// Publisher is the outbound transport, satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Forwarder returns a handler that relays unit events to an external topic,
// keyed by unit id. It runs after the mutation committed, on the caller's
// path, so each publish gets at most timeout; zero means no bound.
func Forwarder(p Publisher, topic string, timeout time.Duration) Handler {
	return func(ctx context.Context, evt models.UnitStateChanged) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal unit event: %w", err)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return p.Publish(ctx, topic, evt.UnitID, payload)
	}
}

// Decode parses a forwarded unit event.
func Decode(payload []byte) (models.UnitStateChanged, error) {
	var evt models.UnitStateChanged
	if err := json.Unmarshal(payload, &evt); err != nil {
		return evt, fmt.Errorf("decode unit event: %w", err)
	}
	return evt, nil
}
