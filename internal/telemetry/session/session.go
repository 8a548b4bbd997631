// Package session tracks one run of the application: its identifiers and its monotonic clocks.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the lifetime of one running instance. Times are taken from nowF; time.Now carries a
// monotonic reading, so elapsed values are unaffected by wall-clock changes.
type Session struct {
	userID string
	id     string
	nowF   func() time.Time
	start  time.Time

	mu         sync.Mutex
	last       time.Time
	userEvents int
}

// New starts a session for userID with a fresh UUID. nowF defaults to time.Now.
func New(userID string, nowF func() time.Time) *Session {
	if nowF == nil {
		nowF = time.Now
	}
	now := nowF()
	return &Session{userID: userID, id: uuid.NewString(), nowF: nowF, start: now, last: now}
}

// UserID returns the installation's anonymous user ID.
func (s *Session) UserID() string { return s.userID }

// ID returns the session UUID.
func (s *Session) ID() string { return s.id }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.start }

// Now returns the session clock's current time.
func (s *Session) Now() time.Time { return s.nowF() }

// Mark advances the last-event clock and returns the seconds since the previous mark and since
// session start, both at the same instant now. Negative intervals are reported as 0.
func (s *Session) Mark() (now time.Time, sinceLast, total float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = s.nowF()
	sinceLast = seconds(now.Sub(s.last))
	total = seconds(now.Sub(s.start))
	if now.After(s.last) {
		s.last = now
	}
	return now, sinceLast, total
}

// SinceLastEvent returns how long ago the last mark happened.
func (s *Session) SinceLastEvent() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowF().Sub(s.last)
}

// Elapsed returns the time since session start.
func (s *Session) Elapsed() time.Duration { return s.nowF().Sub(s.start) }

// CountUserEvent records that a game-originated event was accepted.
func (s *Session) CountUserEvent() {
	s.mu.Lock()
	s.userEvents++
	s.mu.Unlock()
}

// UserEvents returns how many game-originated events were accepted.
func (s *Session) UserEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userEvents
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
