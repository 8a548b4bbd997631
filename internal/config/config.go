// Package config loads and validates agent and relay config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sink kinds accepted by SINK_KIND.
const (
	SinkFirebase = "firebase"
	SinkKafka    = "kafka"
	SinkLoki     = "loki"
	SinkOTLP     = "otlp"
	SinkPostgres = "postgres"
)

// DefaultFirebaseURL is the Realtime Database the VR build reports to.
const DefaultFirebaseURL = "https://tfg-vr-2024-25-default-rtdb.europe-west1.firebasedatabase.app/"

// Config holds application configuration loaded from the environment.
type Config struct {
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// TelemetryEnabled is the initial state of the logging toggle; events are ignored while false.
	TelemetryEnabled bool `mapstructure:"TELEMETRY_ENABLED"`
	// DataDir holds per-installation state: pending event file, user id, exit marker.
	DataDir string `mapstructure:"DATA_DIR"`
	// VRHeadset is the device descriptor reported as vr_headset (the active XR loader name).
	VRHeadset string `mapstructure:"VR_HEADSET"`

	// SinkKind selects the remote sink: firebase, kafka, loki, otlp or postgres.
	SinkKind string `mapstructure:"SINK_KIND"`
	// FirebaseDatabaseURL is the Realtime Database base URL used by the firebase sink.
	FirebaseDatabaseURL string `mapstructure:"FIREBASE_DATABASE_URL"`
	// SinkTimeout bounds a single sink call (e.g. "10s").
	SinkTimeout string `mapstructure:"SINK_TIMEOUT"`

	// UploadInterval is the periodic flush interval (e.g. "10s").
	UploadInterval string `mapstructure:"UPLOAD_INTERVAL"`
	// UploadBatchSize is the queue length that triggers an early flush.
	UploadBatchSize int `mapstructure:"UPLOAD_BATCH_SIZE"`
	// UploadMaxAttempts is the total number of post attempts per flush (1–10).
	UploadMaxAttempts int `mapstructure:"UPLOAD_MAX_ATTEMPTS"`
	// UploadRetryDelay is the fixed delay between attempts (e.g. "5s").
	UploadRetryDelay string `mapstructure:"UPLOAD_RETRY_DELAY"`
	// IdleThreshold is how long without events before idle_start is logged (e.g. "30s").
	IdleThreshold string `mapstructure:"IDLE_THRESHOLD"`

	// HTTPAddr is the address of the local ingest API used by the game process.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// IngestRateLimit is the max number of ingest requests per minute per client IP.
	IngestRateLimit int `mapstructure:"INGEST_RATE_LIMIT"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the topic batches are written to and relayed from.
	KafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the relay worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL (e.g. http://localhost:3100) for the loki sink and the relay.
	LokiURL string `mapstructure:"LOKI_URL"`
	// DatabaseURL is the Postgres DSN for the postgres sink and cmd/migrate.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address the relay uses to drop duplicate uploads; empty disables dedupe.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// DedupeTTL is how long the relay remembers an upload path (e.g. "24h").
	DedupeTTL string `mapstructure:"DEDUPE_TTL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty means no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "")
	v.SetDefault("TELEMETRY_ENABLED", true)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("VR_HEADSET", "None")
	v.SetDefault("SINK_KIND", SinkFirebase)
	v.SetDefault("FIREBASE_DATABASE_URL", DefaultFirebaseURL)
	v.SetDefault("SINK_TIMEOUT", "10s")
	v.SetDefault("UPLOAD_INTERVAL", "10s")
	v.SetDefault("UPLOAD_BATCH_SIZE", 10)
	v.SetDefault("UPLOAD_MAX_ATTEMPTS", 3)
	v.SetDefault("UPLOAD_RETRY_DELAY", "5s")
	v.SetDefault("IDLE_THRESHOLD", "30s")
	v.SetDefault("HTTP_ADDR", "127.0.0.1:8085")
	v.SetDefault("INGEST_RATE_LIMIT", 600)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "vr-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "vr-telemetry-relay")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DEDUPE_TTL", "24h")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.SinkKind = strings.ToLower(strings.TrimSpace(cfg.SinkKind))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: DATA_DIR must be set")
	}
	if c.UploadBatchSize < 1 {
		return errors.New("config: UPLOAD_BATCH_SIZE must be at least 1")
	}
	if c.UploadMaxAttempts < 1 || c.UploadMaxAttempts > 10 {
		return errors.New("config: UPLOAD_MAX_ATTEMPTS must be between 1 and 10")
	}
	if c.IngestRateLimit < 1 {
		return errors.New("config: INGEST_RATE_LIMIT must be at least 1")
	}
	switch c.SinkKind {
	case SinkFirebase:
		if strings.TrimSpace(c.FirebaseDatabaseURL) == "" {
			return errors.New("config: FIREBASE_DATABASE_URL must be set when SINK_KIND=firebase")
		}
	case SinkKafka:
		if len(c.KafkaBrokersList()) == 0 {
			return errors.New("config: KAFKA_BROKERS must be set when SINK_KIND=kafka")
		}
	case SinkLoki:
		if strings.TrimSpace(c.LokiURL) == "" {
			return errors.New("config: LOKI_URL must be set when SINK_KIND=loki")
		}
	case SinkPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: DATABASE_URL must be set when SINK_KIND=postgres")
		}
	case SinkOTLP:
	default:
		return fmt.Errorf("config: unknown SINK_KIND %q", c.SinkKind)
	}
	return nil
}

// UploadIntervalDuration parses UploadInterval. Returns 10s if unset or invalid.
func (c *Config) UploadIntervalDuration() time.Duration {
	return parsePositive(c.UploadInterval, 10*time.Second)
}

// RetryDelay parses UploadRetryDelay. Returns 5s if unset or invalid.
func (c *Config) RetryDelay() time.Duration {
	return parsePositive(c.UploadRetryDelay, 5*time.Second)
}

// SinkTimeoutDuration parses SinkTimeout. Returns 10s if unset or invalid.
func (c *Config) SinkTimeoutDuration() time.Duration {
	return parsePositive(c.SinkTimeout, 10*time.Second)
}

// IdleThresholdDuration parses IdleThreshold. Returns 30s if unset or invalid.
func (c *Config) IdleThresholdDuration() time.Duration {
	return parsePositive(c.IdleThreshold, 30*time.Second)
}

// DedupeTTLDuration parses DedupeTTL. Returns 24h if unset or invalid.
func (c *Config) DedupeTTLDuration() time.Duration {
	return parsePositive(c.DedupeTTL, 24*time.Hour)
}

// PendingFile is the path of the single pending-batch file.
func (c *Config) PendingFile() string {
	return filepath.Join(c.DataDir, "eventQueue.json")
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parsePositive(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
