// Package relay consumes uploaded batches from Kafka and forwards each one to a downstream sink
// (Loki in production), dropping batches whose upload path was already forwarded.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/metrics"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/sink"
)

// Results recorded in relay_messages_total.
const (
	ResultForwarded = "forwarded"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

// Defaults for Options.
const (
	DefaultPostTimeout = 10 * time.Second
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Second
)

// ErrNoUploadPath is returned for a message that carries neither an upload_path header nor a key.
var ErrNoUploadPath = errors.New("relay: message has no upload path")

// Reader is the subset of *kafka.Reader the relay uses. Messages are committed explicitly.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Options tune forwarding. Zero values take the defaults.
type Options struct {
	PostTimeout time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PostTimeout <= 0 {
		o.PostTimeout = DefaultPostTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Relay moves messages from a Reader to a RemoteSink.
type Relay struct {
	reader Reader
	sink   sink.RemoteSink
	dedupe Deduper
	opts   Options
	log    zerolog.Logger
}

// New returns a Relay. dedupe may be nil, in which case every message is forwarded.
func New(r Reader, s sink.RemoteSink, dedupe Deduper, opts Options, log zerolog.Logger) *Relay {
	return &Relay{reader: r, sink: s, dedupe: dedupe, opts: opts.withDefaults(), log: log}
}

// Run fetches and handles messages until ctx is done. A message is committed once it has been
// forwarded, recognised as a duplicate or found unusable. A message whose forward failed is
// handled again after RetryDelay until it succeeds; Run never fetches past it, so no later commit
// can cover an undelivered offset.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
			continue
		}

		result := r.Handle(ctx, msg)
		metrics.RecordRelayMessage(result)
		for result == ResultFailed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
			result = r.Handle(ctx, msg)
			metrics.RecordRelayMessage(result)
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}

// Handle forwards one message and returns its result.
func (r *Relay) Handle(ctx context.Context, msg kafka.Message) string {
	path, err := UploadPath(msg)
	if err != nil {
		r.log.Warn().Err(err).Int64("offset", msg.Offset).Int("partition", msg.Partition).Msg("message skipped")
		return ResultInvalid
	}
	log := r.log.With().Str("upload_path", path).Logger()

	if r.dedupe != nil {
		first, err := r.dedupe.Claim(ctx, path)
		if err != nil {
			// Unreachable Redis counts as a first delivery.
			log.Warn().Err(err).Msg("dedupe unavailable")
			first = true
		}
		if !first {
			log.Debug().Msg("duplicate upload dropped")
			return ResultDuplicate
		}
	}

	if err := r.forward(ctx, path, msg.Value); err != nil {
		log.Error().Err(err).Msg("forward failed")
		if r.dedupe != nil {
			if rerr := r.dedupe.Release(context.WithoutCancel(ctx), path); rerr != nil {
				log.Warn().Err(rerr).Msg("dedupe release failed")
			}
		}
		return ResultFailed
	}
	log.Debug().Int("bytes", len(msg.Value)).Msg("upload forwarded")
	return ResultForwarded
}

func (r *Relay) forward(ctx context.Context, path string, payload []byte) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		postCtx, cancel := context.WithTimeout(ctx, r.opts.PostTimeout)
		defer cancel()
		return struct{}{}, r.sink.Post(postCtx, path, payload)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryDelay)),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// UploadPath returns the upload path of msg: the upload_path header, else the message key.
func UploadPath(msg kafka.Message) (string, error) {
	for _, h := range msg.Headers {
		if h.Key == sink.HeaderUploadPath && len(h.Value) > 0 {
			return string(h.Value), nil
		}
	}
	if len(msg.Key) > 0 {
		return string(msg.Key), nil
	}
	return "", ErrNoUploadPath
}
