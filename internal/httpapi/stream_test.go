package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keysafe.org/internal/events"
)

// streamRecorder is a concurrency-safe ResponseWriter with the deadline and
// flush support a live connection has.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	lifted bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) WriteHeader(int) {}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) SetWriteDeadline(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifted = t.IsZero()
	return nil
}

func (r *streamRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *streamRecorder) deadlineLifted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifted
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStreamLiftsWriteDeadlineAndDelivers(t *testing.T) {
	bus := events.NewBus()
	a := &API{bus: bus}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		a.Stream(rec, req)
		close(done)
	}()

	waitFor(t, func() bool { return strings.Contains(rec.body(), ": stream started") },
		"stream never started")
	if !rec.deadlineLifted() {
		t.Fatal("write deadline was not lifted for the stream")
	}

	bus.Publish(events.Event{Type: events.TypeKeyIssued, KeyID: "key-1"})
	waitFor(t, func() bool {
		body := rec.body()
		return strings.Contains(body, "data: ") && strings.Contains(body, "key.issued")
	}, "event frame not delivered")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop after client disconnect")
	}
}
