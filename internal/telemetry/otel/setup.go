// Package otel builds the OpenTelemetry providers of the telemetry agent and relay. Traces cover
// flushes, metrics mirror the uploader, and the LoggerProvider backs the otlp sink.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/logger"
)

// ServiceAgent and ServiceRelay are the service.name resource values of the two binaries.
const (
	ServiceAgent = "vr-telemetry-agent"
	ServiceRelay = "vr-telemetry-relay"
)

// metricInterval is how often uploader metrics are pushed to the collector.
const metricInterval = 15 * time.Second

// version is reported as service.version.
var version = "dev"

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// collector is a parsed OTLP gRPC destination.
type collector struct {
	target   string // host:port
	insecure bool
}

// parseEndpoint accepts host:port or a URL; any path is dropped. Plaintext is used unless the
// scheme is https, and always when forceInsecure is set.
func parseEndpoint(raw string, forceInsecure bool) (collector, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("otel: endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("otel: endpoint %q has no host", raw)
	}
	return collector{target: u.Host, insecure: forceInsecure || u.Scheme != "https"}, nil
}

// NewProviders returns providers exporting to endpoint over OTLP gRPC. An empty endpoint yields
// unexported providers with a no-op Shutdown, so callers never branch on configuration.
// Exporters dial lazily; a missing collector is not an error here.
func NewProviders(ctx context.Context, endpoint, serviceName string, insecureOverride bool) (*Providers, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	c, err := parseEndpoint(endpoint, insecureOverride)
	if err != nil {
		return nil, err
	}
	res, err := newResource(serviceName)
	if err != nil {
		return nil, err
	}

	var chain shutdownChain
	tp, err := newTracerProvider(ctx, c, res)
	if err != nil {
		return nil, err
	}
	chain.add(tp.Shutdown)

	mp, err := newMeterProvider(ctx, c, res)
	if err != nil {
		_ = chain.run(ctx)
		return nil, err
	}
	chain.add(mp.Shutdown)

	lp, err := newLoggerProvider(ctx, c, res)
	if err != nil {
		_ = chain.run(ctx)
		return nil, err
	}
	chain.add(lp.Shutdown)

	log := logger.Component("otel")
	log.Info().Str("collector", c.target).Bool("insecure", c.insecure).Str("service", serviceName).Msg("otlp export enabled")
	return &Providers{TracerProvider: tp, MeterProvider: mp, LoggerProvider: lp, Shutdown: chain.run}, nil
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	))
}

func newTracerProvider(ctx context.Context, c collector, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.target)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, c collector, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.target)}
	if c.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(exp, metric.WithInterval(metricInterval))
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}

func newLoggerProvider(ctx context.Context, c collector, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(c.target)}
	if c.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res)), nil
}

// shutdownChain stops providers in reverse order of creation and joins their errors.
type shutdownChain []func(context.Context) error

func (s *shutdownChain) add(fn func(context.Context) error) { *s = append(*s, fn) }

func (s shutdownChain) run(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			log := logger.Component("otel")
			log.Warn().Err(err).Msg("provider shutdown failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracer returns a tracer from the TracerProvider, or the global one if the provider is unset.
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.TracerProvider == nil {
		return otel.Tracer(name)
	}
	return p.TracerProvider.Tracer(name)
}

// SetGlobal installs the tracer and meter providers globally. The LoggerProvider stays local to
// the otlp sink.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
