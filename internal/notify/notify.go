// Package notify is the fire-and-forget message sink for the custody core.
// Delivery failures are logged by callers and never abort a custody
// operation; the committed custody state is the source of truth.
package notify

import (
	"context"
	"sync"
	"time"

	"keysafe.org/internal/obs"
)

// Channels supported by the downstream delivery system.
const (
	ChannelEmail    = "EMAIL"
	ChannelSMS      = "SMS"
	ChannelWhatsApp = "WHATSAPP"
)

// Notification is one outbound message to a user.
type Notification struct {
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Channel string    `json:"channel"`
	SentAt  time.Time `json:"sent_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications as structured log lines. Used when no
// durable sink is configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	obs.LogEvent(map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"type":    "notification",
		"user_id": n.UserID,
		"title":   n.Title,
		"channel": n.Channel,
	})
	return nil
}

// Memory records notifications in-process. Intended for tests.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
