package events

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)

	bus.Publish(Event{Type: TypeKeyIssued, KeyID: "k-1", TransactionID: "tx-1"})

	select {
	case evt := <-ch:
		if evt.Type != TypeKeyIssued || evt.KeyID != "k-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatalf("timestamp not defaulted")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	// The channel closes once the context ends.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeKeyReturned})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffered events are still readable.
	if evt := <-ch; evt.Type != TypeKeyReturned {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
