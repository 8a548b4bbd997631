// Package handler serves liveness and readiness for the agent and the relay.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/logger"
)

// pingTimeout bounds each readiness check.
const pingTimeout = 2 * time.Second

// Pinger is a dependency pinged for readiness, e.g. *sql.DB or a Redis client adapter.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// PingContext calls f.
func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Server answers health checks. Each named pinger must succeed for the service to report ok.
type Server struct {
	pingers map[string]Pinger
}

// NewServer returns a health server over the named pingers. Nil entries are skipped.
func NewServer(pingers map[string]Pinger) *Server {
	ps := make(map[string]Pinger, len(pingers))
	for name, p := range pingers {
		if p != nil {
			ps[name] = p
		}
	}
	return &Server{pingers: ps}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz handles GET /healthz: 200 with status "ok", or 503 with the failing checks.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.pingers) > 0 {
		resp.Checks = make(map[string]string, len(s.pingers))
	}
	for name, p := range s.pingers {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := p.PingContext(ctx)
		cancel()
		if err != nil {
			log := logger.Component("health")
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
