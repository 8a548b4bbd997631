// Package queue provides the in-process event buffer shared by producers (LogEvent callers) and the uploader.
package queue

import (
	"sync"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// EventQueue is a FIFO of pending events, safe for concurrent producers and a draining consumer.
// DrainAll is the only read-and-remove primitive, so an event is never both kept and sent.
type EventQueue struct {
	mu       sync.Mutex
	events   domain.EventBatch
	onLength func(n int)
}

// New returns an empty queue.
func New() *EventQueue {
	return &EventQueue{}
}

// OnLength registers fn to be called with the new length after every Enqueue.
// fn runs outside the queue lock and must not block; the uploader uses it for its batch-size trigger.
func (q *EventQueue) OnLength(fn func(n int)) {
	q.mu.Lock()
	q.onLength = fn
	q.mu.Unlock()
}

// Enqueue appends e.
func (q *EventQueue) Enqueue(e domain.UserEvent) {
	q.mu.Lock()
	q.events = append(q.events, e)
	n := len(q.events)
	fn := q.onLength
	q.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Prepend puts batch ahead of everything queued, keeping batch's own order.
// Used for events reloaded from disk so older never-sent events go out first.
func (q *EventQueue) Prepend(batch domain.EventBatch) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make(domain.EventBatch, 0, len(batch)+len(q.events))
	merged = append(merged, batch...)
	merged = append(merged, q.events...)
	q.events = merged
}

// DrainAll atomically removes and returns everything queued, leaving the queue empty.
// Returns nil when the queue is empty.
func (q *EventQueue) DrainAll() domain.EventBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Snapshot returns a copy of the queued events without removing them.
func (q *EventQueue) Snapshot() domain.EventBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := make(domain.EventBatch, len(q.events))
	copy(out, q.events)
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
