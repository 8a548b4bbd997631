// Worker relays uploaded telemetry batches from Kafka to Loki.
// Set KAFKA_BROKERS, TELEMETRY_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL. REDIS_ADDR enables duplicate
// suppression; HTTP_ADDR serves /healthz and /metrics.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/config"
	healthhandler "github.com/jagv94/Action-RPG-Guide-TFG/internal/health/handler"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/logger"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/relay"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/server"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/otel"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/sink"
)

func main() {
	logger.Init()
	log := logger.Component("worker")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal().Msg("KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal().Msg("LOKI_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, otel.ServiceRelay, cfg.OTLPInsecure)
	if err != nil {
		log.Fatal().Err(err).Msg("otel providers")
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	loki, err := sink.NewLokiSink(cfg.LokiURL, cfg.SinkTimeoutDuration())
	if err != nil {
		log.Fatal().Err(err).Msg("loki sink")
	}

	pingers := map[string]healthhandler.Pinger{}
	var dedupe relay.Deduper
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		d := relay.NewRedisDeduper(rdb, cfg.DedupeTTLDuration())
		dedupe = d
		pingers["redis"] = d
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  1 * time.Second,
	})
	defer reader.Close()

	go func() {
		h := server.NewOpsRouter(healthhandler.NewServer(pingers))
		if err := server.Run(ctx, cfg.HTTPAddr, h); err != nil {
			log.Error().Err(err).Msg("ops server")
		}
	}()

	log.Info().
		Str("topic", cfg.KafkaTopic).
		Str("group", cfg.KafkaGroupID).
		Str("loki", cfg.LokiURL).
		Bool("dedupe", dedupe != nil).
		Msg("relay started")

	r := relay.New(reader, loki, dedupe, relay.Options{
		PostTimeout: cfg.SinkTimeoutDuration(),
		MaxAttempts: cfg.UploadMaxAttempts,
		RetryDelay:  cfg.RetryDelay(),
	}, logger.Component("relay"))
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("relay stopped")
		return
	}
	log.Info().Msg("relay stopped")
}
