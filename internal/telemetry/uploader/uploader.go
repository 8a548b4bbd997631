// Package uploader drains the event queue to the remote sink: periodic and threshold flushes,
// a single upload in flight, fixed-delay retries and local persistence of undelivered batches.
package uploader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/metrics"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/queue"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/sink"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/store"
)

// Outcome is the result of one flush.
type Outcome string

const (
	// OutcomeEmpty means there was nothing to send.
	OutcomeEmpty Outcome = "empty"
	// OutcomeBusy means another upload was in flight; nothing was drained.
	OutcomeBusy Outcome = "busy"
	// OutcomeSent means the sink accepted the batch and the pending file was cleared.
	OutcomeSent Outcome = "sent"
	// OutcomePersisted means every attempt failed and the batch was kept for the next flush.
	OutcomePersisted Outcome = "persisted"
)

// rejectUnsendable is the rejection reason for events dropped after they were queued or persisted.
const rejectUnsendable = "unsendable"

// Result describes one flush.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Events   int     `json:"events"`
	Path     string  `json:"path,omitempty"`
	Attempts int     `json:"attempts"`
}

// Identity supplies the IDs used in upload paths.
type Identity interface {
	UserID() string
	ID() string
}

// Options configure the scheduler. Zero values take the defaults.
type Options struct {
	// Interval between periodic flushes (default 10s).
	Interval time.Duration
	// BatchSize is the queue length that triggers an early flush (default 10).
	BatchSize int
	// MaxAttempts is the total number of posts per flush (default 3).
	MaxAttempts int
	// RetryDelay is the fixed delay between attempts (default 5s).
	RetryDelay time.Duration
	// Timeout bounds one flush including retries; 0 means no bound beyond the sink's own.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.BatchSize < 1 {
		o.BatchSize = 10
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// Uploader is the upload scheduler. Create with New; start the loop with Run.
type Uploader struct {
	queue    *queue.EventQueue
	store    store.Store
	sink     sink.RemoteSink
	identity Identity
	opts     Options
	log      zerolog.Logger
	tracer   trace.Tracer
	nowF     func() time.Time

	inFlight atomic.Bool
	trigger  chan struct{}

	// carry and lastStamp are only touched by the holder of inFlight; mu guards reads from Pending.
	mu        sync.Mutex
	carry     domain.EventBatch
	lastStamp time.Time
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithTracer sets the tracer used for flush spans.
func WithTracer(t trace.Tracer) Option {
	return func(u *Uploader) { u.tracer = t }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(u *Uploader) { u.log = l }
}

// WithClock sets the clock used for upload timestamps.
func WithClock(nowF func() time.Time) Option {
	return func(u *Uploader) { u.nowF = nowF }
}

// New wires the scheduler to q and registers the batch-size trigger on it.
func New(q *queue.EventQueue, st store.Store, s sink.RemoteSink, id Identity, opts Options, options ...Option) *Uploader {
	u := &Uploader{
		queue:    q,
		store:    st,
		sink:     s,
		identity: id,
		opts:     opts.withDefaults(),
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("vr.telemetry.uploader"),
		nowF:     time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range options {
		o(u)
	}
	q.OnLength(func(n int) {
		metrics.SetQueueDepth(n)
		if n >= u.opts.BatchSize {
			u.Trigger()
		}
	})
	return u
}

// Trigger requests an asynchronous flush from the Run loop. It never blocks; requests made while
// one is already pending or an upload is in flight collapse into it.
func (u *Uploader) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// InFlight reports whether an upload is currently running.
func (u *Uploader) InFlight() bool { return u.inFlight.Load() }

// Pending returns how many failed events are held for the next flush.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.carry)
}

// Run flushes on every tick when there is something to send, and on every Trigger, until ctx is done.
// An upload started before cancellation runs to completion; Run returns after it.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()
	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if u.queue.Len() > 0 || u.Pending() > 0 {
				u.Flush(flushCtx)
			}
		case <-u.trigger:
			u.Flush(flushCtx)
		}
	}
}

// Recover loads the pending file, puts its events ahead of anything queued, and flushes them together.
// Loaded events that fail validation are dropped.
func (u *Uploader) Recover(ctx context.Context) Result {
	raw := u.store.Load()
	loaded := u.validOnly(raw, "pending file")
	if len(loaded) == 0 && len(raw) > 0 {
		u.release()
	}
	if len(loaded) > 0 {
		u.log.Info().Int("events", len(loaded)).Msg("recovered pending events")
		u.queue.Prepend(loaded)
		metrics.SetEventsPersisted(len(loaded))
	}
	return u.Flush(ctx)
}

// Flush drains the queue and uploads it, retrying up to MaxAttempts with RetryDelay between
// attempts. A call made while another upload is in flight returns OutcomeBusy without draining.
func (u *Uploader) Flush(ctx context.Context) Result {
	if !u.inFlight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeBusy}
	}
	defer u.inFlight.Store(false)

	start := u.nowF()
	batch := u.takeBatch()
	if len(batch) == 0 {
		return Result{Outcome: OutcomeEmpty}
	}

	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}
	ctx, span := u.tracer.Start(ctx, "uploader.flush", trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	payload, err := domain.Encode(batch)
	if err != nil {
		// Only non-finite numbers fail to encode; drop the events carrying them.
		u.log.Error().Err(err).Int("events", len(batch)).Msg("batch does not encode")
		batch = u.validOnly(batch, "queue")
		if len(batch) == 0 {
			u.release()
			return Result{Outcome: OutcomeEmpty}
		}
		payload, err = domain.Encode(batch)
	}
	res := Result{Events: len(batch)}
	if err == nil {
		res.Path = sink.UploadPath(u.identity.UserID(), u.identity.ID(), u.stamp())
		span.SetAttributes(attribute.String("upload.path", res.Path))
		res.Attempts, err = u.post(ctx, res.Path, payload)
	}

	if err != nil {
		u.keep(batch)
		res.Outcome = OutcomePersisted
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		u.log.Warn().Err(err).Int("events", len(batch)).Int("attempts", res.Attempts).Msg("upload failed, batch kept for next flush")
	} else {
		u.release()
		res.Outcome = OutcomeSent
		u.log.Debug().Int("events", len(batch)).Str("path", res.Path).Msg("batch uploaded")
	}
	span.SetAttributes(attribute.String("upload.outcome", string(res.Outcome)), attribute.Int("upload.attempts", res.Attempts))
	metrics.RecordUpload(string(res.Outcome), u.nowF().Sub(start))
	return res
}

// validOnly returns the events of batch that pass domain.Validate, logging each one dropped.
func (u *Uploader) validOnly(batch domain.EventBatch, source string) domain.EventBatch {
	kept := batch[:0:0]
	for _, e := range batch {
		if err := domain.Validate(e); err != nil {
			u.log.Warn().Err(err).Str("source", source).Str("event_type", e.EventType).Msg("dropping invalid event")
			metrics.RecordEventRejected(rejectUnsendable)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// takeBatch returns the carried-over failed events followed by everything queued.
func (u *Uploader) takeBatch() domain.EventBatch {
	fresh := u.queue.DrainAll()
	metrics.SetQueueDepth(u.queue.Len())
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.carry) == 0 {
		return fresh
	}
	batch := make(domain.EventBatch, 0, len(u.carry)+len(fresh))
	batch = append(batch, u.carry...)
	batch = append(batch, fresh...)
	u.carry = nil
	return batch
}

// keep holds batch for the next flush and overwrites the pending file with it. batch already
// contains every unconfirmed event, so the single-file overwrite loses nothing.
func (u *Uploader) keep(batch domain.EventBatch) {
	u.mu.Lock()
	u.carry = batch
	u.mu.Unlock()
	if err := u.store.Save(batch); err != nil {
		u.log.Error().Err(err).Int("events", len(batch)).Msg("saving pending events failed")
		return
	}
	metrics.SetEventsPersisted(len(batch))
}

func (u *Uploader) release() {
	if err := u.store.Clear(); err != nil {
		u.log.Warn().Err(err).Msg("clearing pending file failed")
		return
	}
	metrics.SetEventsPersisted(0)
}

func (u *Uploader) post(ctx context.Context, path string, payload []byte) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		metrics.RecordUploadAttempt()
		return struct{}{}, u.sink.Post(ctx, path, payload)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(u.opts.RetryDelay)),
		backoff.WithMaxTries(uint(u.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			u.log.Debug().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("upload attempt failed")
		}),
	)
	return attempts, err
}

// stamp returns a millisecond upload time strictly after the previous one, so paths never collide.
func (u *Uploader) stamp() time.Time {
	now := u.nowF().UTC().Truncate(time.Millisecond)
	if !now.After(u.lastStamp) {
		now = u.lastStamp.Add(time.Millisecond)
	}
	u.lastStamp = now
	return now
}
