// Package handler serves the local ingest API the game process uses to feed the telemetry agent.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/perf"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 64 << 10

// Lifecycle actions accepted by POST /v1/lifecycle/{action}.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Server handles the ingest routes. Any dependency may be nil; its routes then answer 503.
type Server struct {
	events  EventLogger
	flusher Flusher
	metrics MetricsUpdater
	log     zerolog.Logger
}

// NewServer returns a Server over the given collaborators.
func NewServer(events EventLogger, flusher Flusher, metrics MetricsUpdater, log zerolog.Logger) *Server {
	return &Server{events: events, flusher: flusher, metrics: metrics, log: log}
}

type eventRequest struct {
	EventType    string   `json:"eventType" validate:"required,max=128"`
	TargetObject string   `json:"targetObject" validate:"max=256"`
	Duration     *float64 `json:"duration" validate:"omitempty,gte=0"`
}

type metricsRequest struct {
	HeadMovement float64 `json:"headMovement" validate:"gte=0"`
	FPS          float64 `json:"fps" validate:"gte=0"`
	CPUUsage     float64 `json:"cpuUsage" validate:"gte=0,lte=100"`
	GPUUsage     float64 `json:"gpuUsage" validate:"gte=0,lte=100"`
	RAMUsage     float64 `json:"ramUsage" validate:"gte=0"`
	// RefreshRate, when set and gpuUsage is zero, derives gpuUsage from the fps shortfall.
	RefreshRate float64 `json:"refreshRate" validate:"gte=0"`
}

type loggingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type loggingResponse struct {
	Enabled bool `json:"enabled"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// LogEvent handles POST /v1/events. Accepted events are queued; the response does not wait for upload.
func (s *Server) LogEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event logging is not configured", nil)
		return
	}
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "eventType must not be blank", []string{"eventType:required"})
		return
	}
	var duration float64
	if req.Duration != nil {
		duration = *req.Duration
	}
	s.events.LogEvent(req.EventType, req.TargetObject, duration)
	w.WriteHeader(http.StatusAccepted)
}

// UpdateMetrics handles PUT /v1/metrics and returns the stored (clamped, smoothed) snapshot.
func (s *Server) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "metrics are not configured", nil)
		return
	}
	var req metricsRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap := perf.Snapshot{
		HeadMovement: req.HeadMovement,
		FPS:          req.FPS,
		CPUUsage:     req.CPUUsage,
		GPUUsage:     req.GPUUsage,
		RAMUsage:     req.RAMUsage,
	}
	if snap.GPUUsage == 0 && req.RefreshRate > 0 {
		snap.GPUUsage = perf.EstimateGPUUsage(req.FPS, req.RefreshRate)
	}
	writeJSON(w, http.StatusOK, s.metrics.Update(snap))
}

// Flush handles POST /v1/flush. The upload is not cancelled if the client goes away.
func (s *Server) Flush(w http.ResponseWriter, r *http.Request) {
	if s.flusher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "uploader is not configured", nil)
		return
	}
	res := s.flusher.Flush(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, res)
}

// Lifecycle handles POST /v1/lifecycle/{action} for pause and resume.
func (s *Server) Lifecycle(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event logging is not configured", nil)
		return
	}
	switch action := chi.URLParam(r, "action"); action {
	case ActionPause:
		s.events.Pause()
	case ActionResume:
		s.events.Resume()
	default:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown lifecycle action %q", action), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLogging handles PUT /v1/logging.
func (s *Server) SetLogging(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event logging is not configured", nil)
		return
	}
	var req loggingRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.events.SetEnabled(*req.Enabled)
	s.log.Info().Bool("enabled", *req.Enabled).Msg("logging toggled")
	writeJSON(w, http.StatusOK, loggingResponse{Enabled: s.events.Enabled()})
}

// GetLogging handles GET /v1/logging.
func (s *Server) GetLogging(w http.ResponseWriter, _ *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event logging is not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, loggingResponse{Enabled: s.events.Enabled()})
}

// decode reads a JSON body into dst and validates it. On failure it writes a 400 and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, "invalid_body", msg, nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.log.Error().Err(err).Msg("request validation failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
			return false
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request", fields)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, fields []string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Fields: fields}})
}
