package sink

import (
	"context"
	"fmt"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/config"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/db"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/repository"
)

// Deps are optional shared resources a sink may need.
type Deps struct {
	// LoggerProvider backs the otlp sink.
	LoggerProvider *sdklog.LoggerProvider
}

// New builds the sink selected by cfg.SinkKind. The returned close function releases sink
// resources (Kafka writer, database pool) and is never nil.
func New(ctx context.Context, cfg *config.Config, deps Deps) (RemoteSink, func() error, error) {
	noClose := func() error { return nil }
	timeout := cfg.SinkTimeoutDuration()
	switch cfg.SinkKind {
	case config.SinkFirebase:
		s, err := NewFirebaseSink(cfg.FirebaseDatabaseURL, timeout)
		return s, noClose, err
	case config.SinkKafka:
		s, err := NewKafkaSink(cfg.KafkaBrokersList(), cfg.KafkaTopic, timeout)
		if err != nil {
			return nil, noClose, err
		}
		return s, s.Close, nil
	case config.SinkLoki:
		s, err := NewLokiSink(cfg.LokiURL, timeout)
		return s, noClose, err
	case config.SinkOTLP:
		s, err := NewOTLPSink(deps.LoggerProvider)
		return s, noClose, err
	case config.SinkPostgres:
		conn, err := db.OpenContext(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noClose, fmt.Errorf("postgres sink: %w", err)
		}
		s, err := NewPostgresSink(repository.NewPostgresRepository(conn))
		if err != nil {
			_ = conn.Close()
			return nil, noClose, err
		}
		return s, conn.Close, nil
	default:
		return nil, noClose, fmt.Errorf("sink: unknown kind %q", cfg.SinkKind)
	}
}
