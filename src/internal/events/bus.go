package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler reacts to an envelope. Handlers run on the publishing goroutine
// and must not block.
type Handler func(ctx context.Context, envelope Envelope) error

// Bus fans envelopes out to in-process subscribers by event type.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextID      uint64
}

type subscriberEntry struct {
	id      uint64
	handler Handler
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]subscriberEntry)}
}

func (b *Bus) Publish(ctx context.Context, envelope Envelope) {
	b.mu.RLock()
	subs := make([]subscriberEntry, len(b.subscribers[envelope.EventType]))
	copy(subs, b.subscribers[envelope.EventType])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, envelope); err != nil {
			slog.ErrorContext(ctx, "event handler error",
				"event_type", envelope.EventType,
				"error", err,
			)
		}
	}
}

func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Notify returns a handler that performs a non-blocking send on ch, which
// makes it suitable for waking a polling loop early.
func Notify(ch chan<- struct{}) Handler {
	return func(ctx context.Context, envelope Envelope) error {
		select {
		case ch <- struct{}{}:
		default:
		}
		return nil
	}
}
