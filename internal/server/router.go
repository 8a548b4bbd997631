// Package server builds the agent's local HTTP API and runs it with graceful shutdown.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	healthhandler "github.com/jagv94/Action-RPG-Guide-TFG/internal/health/handler"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/metrics"
	telemetryhandler "github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/handler"
)

// Deps holds the handlers mounted by NewRouter.
type Deps struct {
	// Telemetry serves the /v1 ingest routes. If nil, /v1 is not mounted.
	Telemetry *telemetryhandler.Server
	// Health serves /healthz. If nil, /healthz always reports ok.
	Health *healthhandler.Server
	// RateLimit is the number of /v1 requests allowed per client IP per RateWindow. Zero disables limiting.
	RateLimit int
	// RateWindow defaults to one minute.
	RateWindow time.Duration
}

// skipAccessLog lists routes polled often enough that logging them is noise.
var skipAccessLog = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// NewRouter returns the agent's HTTP handler.
//
// Routes:
//   - POST /v1/events               → telemetry handler LogEvent
//   - PUT  /v1/metrics              → telemetry handler UpdateMetrics
//   - POST /v1/flush                → telemetry handler Flush
//   - POST /v1/lifecycle/{action}   → telemetry handler Lifecycle (pause, resume)
//   - GET|PUT /v1/logging           → telemetry handler GetLogging / SetLogging
//   - GET  /healthz                 → health handler
//   - GET  /metrics                 → Prometheus
func NewRouter(deps Deps) http.Handler {
	r := newBase(deps.Health)

	if deps.Telemetry != nil {
		r.Route("/v1", func(r chi.Router) {
			if deps.RateLimit > 0 {
				window := deps.RateWindow
				if window <= 0 {
					window = time.Minute
				}
				r.Use(httprate.LimitByIP(deps.RateLimit, window))
			}
			r.Post("/events", deps.Telemetry.LogEvent)
			r.Put("/metrics", deps.Telemetry.UpdateMetrics)
			r.Post("/flush", deps.Telemetry.Flush)
			r.Post("/lifecycle/{action}", deps.Telemetry.Lifecycle)
			r.Get("/logging", deps.Telemetry.GetLogging)
			r.Put("/logging", deps.Telemetry.SetLogging)
		})
	}
	return r
}

// NewOpsRouter returns a handler with only /healthz and /metrics, for processes without an ingest API.
func NewOpsRouter(health *healthhandler.Server) http.Handler {
	return newBase(health)
}

func newBase(health *healthhandler.Server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog(skipAccessLog))
	r.Use(metrics.Middleware)

	if health == nil {
		health = healthhandler.NewServer(nil)
	}
	r.Get("/healthz", health.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}
