package handler

import (
	"context"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/perf"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/uploader"
)

// EventLogger is the part of telemetry.Logger the ingest API drives.
type EventLogger interface {
	LogEvent(eventType, target string, duration float64)
	Pause()
	Resume()
	SetEnabled(enabled bool)
	Enabled() bool
}

// Flusher runs a flush on demand.
type Flusher interface {
	Flush(ctx context.Context) uploader.Result
}

// MetricsUpdater stores the performance snapshot pushed by the host.
type MetricsUpdater interface {
	Update(s perf.Snapshot) perf.Snapshot
}
