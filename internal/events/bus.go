package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event is one domain event as delivered to subscribers.
type Event struct {
	Name      Name      `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events from the Bus.
type Handler func(context.Context, Event) error

// Bus is the process-wide publish point for domain events. The relay publishes on it,
// and any number of observers (automation sockets, the HTTP layer) subscribe.
type Bus struct {
	subject *Subject
	now     func() time.Time
}

// publishTimeout bounds how long Publish may stall a socket read loop on a full queue.
const publishTimeout = time.Second

// NewBus creates a Bus. Delivery is synchronous per event so every subscriber sees
// events in publish order; handlers must not block. opts override the defaults.
func NewBus(logger *zap.Logger, opts ...SubjectOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := []SubjectOption{
		WithSyncDelivery(),
		WithBufferSize(1024),
		WithEmitTimeout(publishTimeout),
		WithLogger(logger),
	}
	return &Bus{
		subject: NewSubject(append(defaults, opts...)...),
		now:     time.Now,
	}
}

// Publish emits an event to subscribers of name and to wildcard subscribers.
func (b *Bus) Publish(name Name, data any) error {
	evt := Event{Name: name, Data: data, Timestamp: b.now().UTC()}
	if err := Emit(b.subject, topic(name), evt); err != nil {
		return err
	}
	return Emit(b.subject, wildcardTopic, evt)
}

// Subscribe registers h for one event name.
func (b *Bus) Subscribe(name Name, h Handler) Subscription {
	return Subscribe(b.subject, topic(name), func(ctx context.Context, evt Event) error {
		return h(ctx, evt)
	})
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	return Subscribe(b.subject, wildcardTopic, func(ctx context.Context, evt Event) error {
		return h(ctx, evt)
	})
}

// Listeners returns the number of subscriptions for name.
func (b *Bus) Listeners(name Name) int {
	return b.subject.SubscriberCount(topic(name))
}

// Close stops delivery.
func (b *Bus) Close() {
	Complete(b.subject)
}
