package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/monitoring"
)

// TopicUnitStateChanged carries a models.UnitStateChanged after every
// committed unit mutation.
const TopicUnitStateChanged = "unit.state_changed"

type Handler func(ctx context.Context, evt models.UnitStateChanged) error

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe hub. Handlers run synchronously in
// subscription order, so a publisher knows every subscriber has seen the
// event when Publish returns.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	return &Bus{subs: make(map[string][]subscription), logger: log}
}

// Subscribe registers handler for topic under a name used in logs.
func (b *Bus) Subscribe(topic, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{name: name, handler: handler})
	b.logger.Debug("EVENTS", fmt.Sprintf("%s subscribed to %s", name, topic))
}

// Publish delivers evt to every handler of topic. A failing handler does not
// stop the others; all failures are returned joined.
func (b *Bus) Publish(ctx context.Context, topic string, evt models.UnitStateChanged) error {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, evt); err != nil {
			monitoring.TrackHandlerFailure(topic)
			b.logger.Warn("EVENTS", fmt.Sprintf("%s failed on %s for unit %s: %v", s.name, topic, evt.UnitID, err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
