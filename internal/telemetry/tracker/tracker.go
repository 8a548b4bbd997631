// Package tracker keeps the behavioral counters attached to every event.
package tracker

import "sync/atomic"

// Event types that advance a counter.
const (
	EventTeleport       = "teleport"
	EventFailedAction   = "failed_action"
	EventError          = "error"
	EventHelp           = "help"
	EventSettingsOpened = "settings_opened"
	EventRageQuit       = "rage_quit"
	EventReplay         = "replay"
)

// Counters is a point-in-time copy of the tracked values.
type Counters struct {
	TeleportUsage   int
	FrustrationRate int
	HelpVisits      int
	RageQuits       int
	ReplayRate      int
}

// HelpAccessed reports whether help or settings were opened at least once this session.
func (c Counters) HelpAccessed() bool { return c.HelpVisits > 0 }

// Provider supplies counters. ok is false when no tracker is attached.
type Provider interface {
	TryGetCounters() (Counters, bool)
}

// Tracker counts events by type. Safe for concurrent use.
type Tracker struct {
	teleports atomic.Int64
	failures  atomic.Int64
	help      atomic.Int64
	rageQuits atomic.Int64
	replays   atomic.Int64
}

// New returns a Tracker with all counters at zero.
func New() *Tracker { return &Tracker{} }

// Observe advances the counter associated with eventType. Unknown types are ignored.
func (t *Tracker) Observe(eventType string) {
	switch eventType {
	case EventTeleport:
		t.teleports.Add(1)
	case EventFailedAction, EventError:
		t.failures.Add(1)
	case EventHelp, EventSettingsOpened:
		t.help.Add(1)
	case EventRageQuit:
		t.rageQuits.Add(1)
	case EventReplay:
		t.replays.Add(1)
	}
}

// TryGetCounters returns the current counters.
func (t *Tracker) TryGetCounters() (Counters, bool) {
	if t == nil {
		return Counters{}, false
	}
	return Counters{
		TeleportUsage:   int(t.teleports.Load()),
		FrustrationRate: int(t.failures.Load()),
		HelpVisits:      int(t.help.Load()),
		RageQuits:       int(t.rageQuits.Load()),
		ReplayRate:      int(t.replays.Load()),
	}, true
}
