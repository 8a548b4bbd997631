package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ExitMarkerFile is the file under the data dir recording whether the last run closed properly.
const ExitMarkerFile = "last_session"

var (
	markRunning = []byte("running\n")
	markClean   = []byte("clean\n")
)

// ExitMarker detects abrupt exits across runs. A missing marker counts as a clean exit.
type ExitMarker struct {
	path string
}

// NewExitMarker returns a marker stored in dir.
func NewExitMarker(dir string) *ExitMarker {
	return &ExitMarker{path: filepath.Join(dir, ExitMarkerFile)}
}

// Begin reports whether the previous run ended without MarkClean, then marks this run as running.
func (m *ExitMarker) Begin() (abrupt bool, err error) {
	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		abrupt = bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(markRunning))
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, fmt.Errorf("session: read exit marker: %w", err)
	}
	return abrupt, m.write(markRunning)
}

// MarkRunning marks the current run as open again (e.g. after a resume).
func (m *ExitMarker) MarkRunning() error { return m.write(markRunning) }

// MarkClean records a proper close (quit or pause).
func (m *ExitMarker) MarkClean() error { return m.write(markClean) }

func (m *ExitMarker) write(b []byte) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("session: create data dir: %w", err)
	}
	if err := os.WriteFile(m.path, b, 0o644); err != nil {
		return fmt.Errorf("session: write exit marker: %w", err)
	}
	return nil
}
