package custody

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keysafe.org/internal/notify"
	"keysafe.org/internal/obs"
)

// OverdueScanner is the read-only slice of the custody service the sweep
// depends on.
type OverdueScanner interface {
	Overdue(ctx context.Context, cutoff time.Time) ([]OverdueAlert, error)
}

// SweeperConfig holds the parameters for NewSweeper.
type SweeperConfig struct {
	// OverdueAfter is the age past which an open transaction is flagged.
	// Defaults to 24h.
	OverdueAfter time.Duration

	// Interval is how often the sweep runs. Defaults to 5m.
	Interval time.Duration

	// AlertWindow bounds repeat alerts: at most one notification per
	// transaction within this window. Defaults to 24h.
	AlertWindow time.Duration
}

// Sweeper periodically scans for overdue open transactions and alerts the
// unit owner. It is read-only with respect to custody state and write-only
// to the notification sink; it runs as a background goroutine with an
// explicit start/stop lifecycle.
type Sweeper struct {
	scanner  OverdueScanner
	notifier notify.Notifier
	cfg      SweeperConfig
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	running   bool
	lastAlert map[string]time.Time // transaction id -> last alert time
}

// NewSweeper creates a sweeper but does not start it. Call Start to begin
// the background loop.
func NewSweeper(scanner OverdueScanner, notifier notify.Notifier, cfg SweeperConfig) *Sweeper {
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = 24 * time.Hour
	}
	return &Sweeper{
		scanner:   scanner,
		notifier:  notifier,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		done:      make(chan struct{}),
		lastAlert: make(map[string]time.Time),
	}
}

// Start begins the background sweep loop. It runs an immediate scan on
// startup, then repeats on the configured interval until ctx is cancelled
// or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	obs.LogEvent(map[string]any{
		"level": "info",
		"msg":   "overdue sweep started",
		"after": s.cfg.OverdueAfter.String(),
		"every": s.cfg.Interval.String(),
	})
}

// Stop signals the sweeper to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one scan. A cycle is skipped when the previous one is still
// running. Returns the number of alerts emitted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		obs.LogEvent(map[string]any{"level": "warn", "msg": "overdue sweep still running, skipping cycle"})
		return 0
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	now := s.now()
	alerts, err := s.scanner.Overdue(ctx, now.Add(-s.cfg.OverdueAfter))
	if err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "overdue scan failed", "err": err.Error()})
		return 0
	}

	sent := 0
	for _, a := range alerts {
		if a.OwnerID == "" {
			continue
		}
		if !s.shouldAlert(a.TransactionID, now) {
			continue
		}
		err := s.notifier.Send(ctx, notify.Notification{
			UserID:  a.OwnerID,
			Title:   "Overdue key alert",
			Message: fmt.Sprintf("Key %s is overdue. Transaction %s. Issued at %s", a.KeyCode, a.TransactionID, a.IssueTime.Format(time.RFC3339)),
			Channel: notify.ChannelEmail,
		})
		if err != nil {
			obs.LogEvent(map[string]any{"level": "error", "msg": "overdue alert failed", "err": err.Error()})
			continue
		}
		s.markAlerted(a.TransactionID, now)
		obs.OverdueAlertsTotal.Inc()
		sent++
	}
	if sent > 0 {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "overdue keys notified", "count": sent})
	}
	return sent
}

func (s *Sweeper) shouldAlert(txID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastAlert[txID]
	return !ok || now.Sub(last) >= s.cfg.AlertWindow
}

func (s *Sweeper) markAlerted(txID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAlert[txID] = now
	// Drop entries for transactions no longer alerting to bound the map.
	for id, t := range s.lastAlert {
		if now.Sub(t) > 2*s.cfg.AlertWindow {
			delete(s.lastAlert, id)
		}
	}
}
