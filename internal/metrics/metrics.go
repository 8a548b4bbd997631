// Package metrics exposes the Prometheus collectors of the telemetry agent and relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vr_telemetry"

// Upload outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomePersisted = "persisted"
	OutcomeSkipped   = "skipped"
)

var (
	eventsLoggedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_logged_total",
			Help:      "Total number of events accepted into the queue",
		},
		[]string{"event_type"},
	)

	eventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total number of events dropped before queueing",
		},
		[]string{"reason"}, // disabled, empty_type, invalid
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of events waiting in the in-memory queue",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of flushes by outcome",
		},
		[]string{"outcome"},
	)

	uploadAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Total number of sink post attempts",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Flush duration in seconds, retries included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	eventsPersisted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_persisted",
			Help:      "Number of events held in the local pending file",
		},
	)

	relayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Total number of Kafka messages handled by the relay",
		},
		[]string{"result"}, // forwarded, duplicate, failed
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of ingest API requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ingest API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path"},
	)
)

// RecordEventLogged records an accepted event.
func RecordEventLogged(eventType string) {
	eventsLoggedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventRejected records a dropped event.
func RecordEventRejected(reason string) {
	eventsRejectedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordUpload records a finished flush.
func RecordUpload(outcome string, duration time.Duration) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	uploadDuration.Observe(duration.Seconds())
}

// RecordUploadAttempt records one sink post.
func RecordUploadAttempt() {
	uploadAttemptsTotal.Inc()
}

// SetEventsPersisted sets the number of events in the pending file.
func SetEventsPersisted(n int) {
	eventsPersisted.Set(float64(n))
}

// RecordRelayMessage records a relay result.
func RecordRelayMessage(result string) {
	relayMessagesTotal.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
