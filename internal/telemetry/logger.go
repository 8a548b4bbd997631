// Package telemetry is the entry point game-side code uses to record events. Logger builds each
// event from the session clocks, the latest performance snapshot and the behavioral counters,
// validates it and appends it to the queue the uploader drains.
package telemetry

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/metrics"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/idle"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/perf"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/queue"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/session"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/tracker"
)

// Lifecycle event types.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventSessionAbandoned = "session_abandoned"
	EventAppPaused        = "app_paused"
	EventAppResumed       = "app_resumed"
)

// AirClick is the gaze target reported when an event has no target object.
const AirClick = "AirClick"

// Rejection reasons reported to metrics.
const (
	rejectDisabled  = "disabled"
	rejectEmptyType = "empty_type"
	rejectInvalid   = "invalid"
	rejectPanic     = "panic"
)

// Observer is told about every accepted event type.
type Observer interface {
	Observe(eventType string)
}

// ActivityObserver is told when a user-originated event arrives.
type ActivityObserver interface {
	Activity()
}

// Flusher uploads queued events asynchronously.
type Flusher interface {
	Trigger()
}

// Deps are the optional collaborators of Logger. Any nil field yields zero values in events.
type Deps struct {
	Metrics  perf.Provider
	Device   perf.DeviceProvider
	Counters tracker.Provider
	Observer Observer
	Exit     *session.ExitMarker
	Flusher  Flusher
}

// Logger is the event logging facade. LogEvent never returns an error, never panics and never blocks on I/O.
type Logger struct {
	session *session.Session
	queue   *queue.EventQueue
	deps    Deps
	log     zerolog.Logger

	enabled  atomic.Bool
	activity atomic.Pointer[ActivityObserver]
}

// New returns an enabled Logger appending to q for sess.
func New(sess *session.Session, q *queue.EventQueue, deps Deps, log zerolog.Logger) *Logger {
	l := &Logger{session: sess, queue: q, deps: deps, log: log}
	l.enabled.Store(true)
	return l
}

// SetActivityObserver wires the idle monitor after construction (the monitor itself logs through l).
func (l *Logger) SetActivityObserver(o ActivityObserver) {
	if o == nil {
		l.activity.Store(nil)
		return
	}
	l.activity.Store(&o)
}

// SetEnabled toggles logging. Events logged while disabled are dropped.
func (l *Logger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
	l.log.Info().Bool("enabled", enabled).Msg("telemetry logging toggled")
}

// Enabled reports whether events are being recorded.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Session returns the running session.
func (l *Logger) Session() *session.Session { return l.session }

// LogEvent records one event. Invalid input (empty type, negative or NaN duration) is dropped with a diagnostic.
func (l *Logger) LogEvent(eventType, target string, duration float64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEventRejected(rejectPanic)
			l.log.Error().Interface("panic", r).Str("event_type", eventType).Msg("event logging panicked")
		}
	}()

	if !l.enabled.Load() {
		metrics.RecordEventRejected(rejectDisabled)
		return
	}
	if strings.TrimSpace(eventType) == "" {
		metrics.RecordEventRejected(rejectEmptyType)
		l.log.Error().Str("target", target).Msg("invalid event: eventType must not be empty")
		return
	}
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		metrics.RecordEventRejected(rejectInvalid)
		l.log.Error().Str("event_type", eventType).Float64("duration", duration).Msg("invalid event: duration must be a non-negative number")
		return
	}

	user := isUserEvent(eventType)
	if user {
		if p := l.activity.Load(); p != nil {
			(*p).Activity()
		}
	}

	e := l.build(eventType, target, duration)
	if err := domain.Validate(e); err != nil {
		metrics.RecordEventRejected(rejectInvalid)
		l.log.Error().Err(err).Str("event_type", eventType).Msg("invalid event dropped")
		return
	}

	if l.deps.Observer != nil {
		l.deps.Observer.Observe(eventType)
	}
	l.applyCounters(&e)
	if user {
		l.session.CountUserEvent()
	}
	l.queue.Enqueue(e)
	metrics.RecordEventLogged(eventType)
}

func (l *Logger) build(eventType, target string, duration float64) domain.UserEvent {
	now, sinceLast, total := l.session.Mark()
	e := domain.UserEvent{
		Timestamp:          domain.FormatTimestamp(now),
		UserID:             l.session.UserID(),
		SessionID:          l.session.ID(),
		EventType:          eventType,
		TargetObject:       target,
		Duration:           duration,
		TimeSinceLastEvent: sinceLast,
		TotalSessionTime:   total,
		GazeTarget:         target,
	}
	if strings.TrimSpace(target) == "" {
		e.TargetObject = domain.NotAvailable
		e.GazeTarget = AirClick
	}
	if l.deps.Metrics != nil {
		if s, ok := l.deps.Metrics.TryGetMetrics(); ok {
			e.HeadMovement = finite(s.HeadMovement)
			e.FPS = finite(s.FPS)
			e.CPUUsage = finite(s.CPUUsage)
			e.GPUUsage = finite(s.GPUUsage)
			e.RAMUsage = finite(s.RAMUsage)
		}
	}
	d := perf.Device{CPU: domain.NotAvailable, GPU: domain.NotAvailable, RAM: domain.NotAvailable, OS: domain.NotAvailable, VRHeadset: "None"}
	if l.deps.Device != nil {
		d = l.deps.Device.Device()
	}
	e.CPU, e.GPU, e.RAM, e.OS, e.VRHeadset = d.CPU, d.GPU, d.RAM, d.OS, d.VRHeadset
	return e
}

// finite zeroes a sample a provider could not measure; NaN and Inf have no JSON form.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (l *Logger) applyCounters(e *domain.UserEvent) {
	if l.deps.Counters == nil {
		return
	}
	c, ok := l.deps.Counters.TryGetCounters()
	if !ok {
		return
	}
	e.TeleportUsage = c.TeleportUsage
	e.FrustrationRate = c.FrustrationRate
	e.HelpAccessed = c.HelpAccessed()
	e.RageQuits = c.RageQuits
	e.ReplayRate = c.ReplayRate
}

// Start logs session_start, then rage_quit when the previous run ended without a clean exit.
func (l *Logger) Start() {
	l.LogEvent(EventSessionStart, domain.NotAvailable, 0)
	if l.deps.Exit == nil {
		return
	}
	abrupt, err := l.deps.Exit.Begin()
	if err != nil {
		l.log.Warn().Err(err).Msg("exit marker unavailable")
		return
	}
	if abrupt {
		l.log.Warn().Msg("previous session ended abruptly")
		l.LogEvent(tracker.EventRageQuit, "Application", 0)
	}
}

// End logs session_end with the session length, or session_abandoned when no user event was
// recorded, and marks the exit as clean.
func (l *Logger) End() {
	if l.session.UserEvents() == 0 {
		l.LogEvent(EventSessionAbandoned, domain.NotAvailable, 0)
	} else {
		l.LogEvent(EventSessionEnd, domain.NotAvailable, l.session.Elapsed().Seconds())
	}
	l.markClean()
}

// Pause logs app_paused, marks the exit as clean and requests a flush.
func (l *Logger) Pause() {
	l.LogEvent(EventAppPaused, "application", 0)
	l.markClean()
	if l.deps.Flusher != nil {
		l.deps.Flusher.Trigger()
	}
}

// Resume logs app_resumed and marks the run as open again.
func (l *Logger) Resume() {
	l.LogEvent(EventAppResumed, "application", 0)
	if l.deps.Exit == nil {
		return
	}
	if err := l.deps.Exit.MarkRunning(); err != nil {
		l.log.Warn().Err(err).Msg("exit marker unavailable")
	}
}

func (l *Logger) markClean() {
	if l.deps.Exit == nil {
		return
	}
	if err := l.deps.Exit.MarkClean(); err != nil {
		l.log.Warn().Err(err).Msg("exit marker unavailable")
	}
}

// isUserEvent reports whether eventType originates from the player rather than the pipeline.
func isUserEvent(eventType string) bool {
	switch eventType {
	case EventSessionStart, EventSessionEnd, EventSessionAbandoned, EventAppPaused, EventAppResumed, tracker.EventRageQuit:
		return false
	}
	return !idle.IsIdleEvent(eventType)
}
