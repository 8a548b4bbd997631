// Package idle detects stretches without user activity and reports them as idle_start / idle_end events.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// Event types emitted by the monitor.
const (
	EventIdleStart = "idle_start"
	EventIdleEnd   = "idle_end"
)

// EventLogger receives idle transitions.
type EventLogger interface {
	LogEvent(eventType, target string, duration float64)
}

// Flusher is asked to upload when the user comes back.
type Flusher interface {
	Trigger()
}

// IsIdleEvent reports whether eventType is emitted by the monitor itself and so is not user activity.
func IsIdleEvent(eventType string) bool {
	return eventType == EventIdleStart || eventType == EventIdleEnd
}

// Monitor tracks the last user activity. Safe for concurrent use.
type Monitor struct {
	threshold time.Duration
	logger    EventLogger
	flusher   Flusher
	nowF      func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	idleSince    time.Time
}

// New returns a monitor that considers the user idle after threshold without Activity.
// flusher may be nil.
func New(threshold time.Duration, logger EventLogger, flusher Flusher, nowF func() time.Time) *Monitor {
	if nowF == nil {
		nowF = time.Now
	}
	return &Monitor{threshold: threshold, logger: logger, flusher: flusher, nowF: nowF, lastActivity: nowF()}
}

// Activity records user activity. Ending an idle stretch logs idle_end with its length in seconds
// and requests a flush.
func (m *Monitor) Activity() {
	m.mu.Lock()
	now := m.nowF()
	m.lastActivity = now
	since := m.idleSince
	m.idleSince = time.Time{}
	m.mu.Unlock()

	if since.IsZero() {
		return
	}
	d := now.Sub(since)
	if d < 0 {
		d = 0
	}
	m.logger.LogEvent(EventIdleEnd, domain.NotAvailable, d.Seconds())
	if m.flusher != nil {
		m.flusher.Trigger()
	}
}

// Check logs idle_start once the threshold has passed since the last activity. Reports whether it did.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	now := m.nowF()
	start := m.idleSince.IsZero() && now.Sub(m.lastActivity) >= m.threshold
	if start {
		m.idleSince = now
	}
	m.mu.Unlock()

	if start {
		m.logger.LogEvent(EventIdleStart, domain.NotAvailable, 0)
	}
	return start
}

// Idle reports whether the user is currently idle.
func (m *Monitor) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.idleSince.IsZero()
}

// Run calls Check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}
