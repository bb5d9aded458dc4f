package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Bus manages event streaming and subscription
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe creates a new subscription channel for events
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 100)
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, ch)
}

// Publish emits an event to all subscribers
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	// Generate event ID if not set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Channel is full, skip this subscriber
			// This prevents blocking on slow consumers
		}
	}

	return nil
}

// Close shuts down the event bus. Subscribers still receive what was
// buffered before their channel closes.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Forward subscribes fn to events matching filter until the bus closes.
// The returned wait blocks until every buffered event has been handled.
func (b *Bus) Forward(name string, filter EventFilter, fn func(*Event)) (wait func()) {
	ch := b.Subscribe(name)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range ch {
			if filter.Matches(event) {
				fn(event)
			}
		}
	}()

	return func() { <-done }
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatEventCompact formats an event in a compact human-readable format
func FormatEventCompact(event *Event) string {
	s := fmt.Sprintf("[%d] %s run=%s", event.Timestamp, event.Type, event.RunID)
	if event.TaskID != "" {
		s += " task=" + event.TaskID
	}
	return s
}
