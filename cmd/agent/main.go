// Agent records VR session telemetry fed by the game process over a local HTTP API and uploads it
// in batches to the configured sink. Undelivered batches survive restarts in DATA_DIR.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/config"
	healthhandler "github.com/jagv94/Action-RPG-Guide-TFG/internal/health/handler"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/logger"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/server"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry"
	telemetryhandler "github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/handler"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/idle"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/otel"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/perf"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/queue"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/session"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/sink"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/store"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/tracker"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/uploader"
)

// idleCheckInterval is how often the idle monitor looks at the last activity.
const idleCheckInterval = time.Second

func main() {
	logger.Init()
	log := logger.Component("agent")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("data dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, otel.ServiceAgent, cfg.OTLPInsecure)
	if err != nil {
		log.Fatal().Err(err).Msg("otel providers")
	}
	providers.SetGlobal()

	userID, err := session.LoadOrCreateUserID(cfg.DataDir, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("user id")
	}
	sess := session.New(userID, time.Now)
	log.Info().Str("user_id", sess.UserID()).Str("session_id", sess.ID()).Str("sink", cfg.SinkKind).Msg("session opened")

	remote, closeSink, err := sink.New(ctx, cfg, sink.Deps{LoggerProvider: providers.LoggerProvider})
	if err != nil {
		log.Fatal().Err(err).Msg("sink")
	}

	q := queue.New()
	up := uploader.New(q, store.NewFileStore(cfg.PendingFile(), logger.Logger), remote, sess,
		uploader.Options{
			Interval:    cfg.UploadIntervalDuration(),
			BatchSize:   cfg.UploadBatchSize,
			MaxAttempts: cfg.UploadMaxAttempts,
			RetryDelay:  cfg.RetryDelay(),
		},
		uploader.WithTracer(providers.Tracer("uploader")),
		uploader.WithLogger(logger.Component("uploader")),
	)

	holder := perf.NewHolder(perf.HostDevice(cfg.VRHeadset, 0))
	counters := tracker.New()
	events := telemetry.New(sess, q, telemetry.Deps{
		Metrics:  holder,
		Device:   holder,
		Counters: counters,
		Observer: counters,
		Exit:     session.NewExitMarker(cfg.DataDir),
		Flusher:  up,
	}, logger.Component("telemetry"))
	monitor := idle.New(cfg.IdleThresholdDuration(), events, up, nil)
	events.SetActivityObserver(monitor)
	events.SetEnabled(cfg.TelemetryEnabled)

	events.Start()
	if res := up.Recover(ctx); res.Outcome != uploader.OutcomeEmpty {
		log.Info().Str("outcome", string(res.Outcome)).Int("events", res.Events).Msg("pending batch recovered")
	}

	router := server.NewRouter(server.Deps{
		Telemetry: telemetryhandler.NewServer(events, up, holder, logger.Component("ingest")),
		Health:    healthhandler.NewServer(nil),
		RateLimit: cfg.IngestRateLimit,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := up.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("uploader stopped")
		}
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx, idleCheckInterval)
	}()

	if err := server.Run(ctx, cfg.HTTPAddr, router); err != nil {
		log.Error().Err(err).Msg("http server")
		stop()
	}
	wg.Wait()

	log.Info().Msg("shutting down")
	events.End()

	flushTimeout := time.Duration(cfg.UploadMaxAttempts)*(cfg.SinkTimeoutDuration()+cfg.RetryDelay()) + time.Second
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	res := up.Flush(flushCtx)
	cancel()
	log.Info().Str("outcome", string(res.Outcome)).Int("events", res.Events).Msg("final flush")

	if err := closeSink(); err != nil {
		log.Warn().Err(err).Msg("sink close")
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
}
