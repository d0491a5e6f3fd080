package availability

import (
	"context"
	"fmt"

	"ms-reservation/internal/events"

	"github.com/segmentio/kafka-go"
)

// HandleRemoteUnitEvent evicts the snapshot named by a unit event that another
// instance forwarded to Kafka. Undecodable payloads are dropped.
func (a *Aggregator) HandleRemoteUnitEvent(ctx context.Context, msg kafka.Message) error {
	evt, err := events.Decode(msg.Value)
	if err != nil {
		a.logger.Warn("CACHE", fmt.Sprintf("dropping unit event at offset %d: %v", msg.Offset, err))
		return nil
	}
	return a.Invalidate(ctx, evt.EventID)
}
