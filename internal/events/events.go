package events

import (
	"context"
	"sync"
	"time"
)

// Type names a custody state change.
type Type string

const (
	TypeKeyIssued       Type = "key.issued"
	TypeKeyReturned     Type = "key.returned"
	TypeKeyLost         Type = "key.lost"
	TypeRequestApproved Type = "request.approved"
	TypeRequestRejected Type = "request.rejected"
)

// Event is one custody state change as pushed to live subscribers (SSE
// clients, dashboards).
type Event struct {
	Type          Type      `json:"type"`
	KeyID         string    `json:"key_id,omitempty"`
	KeyCode       string    `json:"key_code,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus fan-outs custody events to all active subscribers. Slow subscribers
// drop events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
