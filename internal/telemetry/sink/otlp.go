package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// OTLPScope is the instrumentation scope of records emitted by OTLPSink.
const OTLPScope = "vr.telemetry.events"

type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// OTLPSink emits each event of a batch as an OTel log record through a LoggerProvider.
// Delivery to the collector is asynchronous (batch processor); Post fails only on payload errors
// or when the provider's ForceFlush reports an export failure.
type OTLPSink struct {
	logger recordEmitter
	flush  func(context.Context) error
	nowF   func() time.Time
}

// NewOTLPSink returns a sink that logs through provider. provider must be non-nil.
func NewOTLPSink(provider *sdklog.LoggerProvider) (*OTLPSink, error) {
	if provider == nil {
		return nil, errors.New("otlp: logger provider is nil")
	}
	return &OTLPSink{logger: provider.Logger(OTLPScope), flush: provider.ForceFlush, nowF: time.Now}, nil
}

// Post decodes payload, emits one record per event, then force-flushes the provider.
func (s *OTLPSink) Post(ctx context.Context, path string, payload []byte) error {
	batch, err := domain.Decode(payload)
	if err != nil {
		return fmt.Errorf("otlp: %w", err)
	}
	for _, e := range batch {
		s.logger.Emit(ctx, s.record(path, e))
	}
	if s.flush == nil || len(batch) == 0 {
		return nil
	}
	if err := s.flush(ctx); err != nil {
		return fmt.Errorf("otlp: flush: %w", err)
	}
	return nil
}

func (s *OTLPSink) record(path string, e domain.UserEvent) otellog.Record {
	rec := otellog.Record{}
	ts := e.Time()
	if ts.IsZero() {
		ts = s.nowF().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(s.nowF().UTC())
	rec.SetSeverity(otellog.SeverityInfo)
	if line, err := json.Marshal(e); err == nil {
		rec.SetBody(otellog.StringValue(string(line)))
	}
	rec.AddAttributes(
		otellog.String("event_type", e.EventType),
		otellog.String("user_id", e.UserID),
		otellog.String("session_id", e.SessionID),
		otellog.Float64("duration", e.Duration),
		otellog.Float64("total_session_time", e.TotalSessionTime),
	)
	if e.TargetObject != "" {
		rec.AddAttributes(otellog.String("target_object", e.TargetObject))
	}
	if e.GazeTarget != "" {
		rec.AddAttributes(otellog.String("gaze_target", e.GazeTarget))
	}
	if path != "" {
		rec.AddAttributes(otellog.String("upload_path", path))
	}
	return rec
}
