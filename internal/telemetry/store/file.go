// Package store persists events that could not be uploaded, as a single JSON batch file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// ErrCorrupt is returned by Read when the pending file exists but cannot be decoded.
var ErrCorrupt = errors.New("store: pending file is corrupt")

// Store is the durable fallback for unconfirmed events. Exactly one batch is outstanding at a time:
// Save overwrites, so callers pass the complete set of not-yet-confirmed events.
type Store interface {
	Save(batch domain.EventBatch) error
	// Load returns the pending batch, or an empty batch when the file is missing or corrupt.
	Load() domain.EventBatch
	Clear() error
}

// FileStore implements Store on one file. Operations are serialized by a mutex and
// Save replaces the file atomically (temp file + rename), so readers never see a partial write.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

// NewFileStore returns a store backed by path. The parent directory is created on first Save.
func NewFileStore(path string, log zerolog.Logger) *FileStore {
	return &FileStore{path: path, log: log.With().Str("component", "store").Logger()}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Save overwrites the pending file with batch. An empty batch removes the file.
func (s *FileStore) Save(batch domain.EventBatch) error {
	if len(batch) == 0 {
		return s.Clear()
	}
	data, err := json.MarshalIndent(domain.Envelope{Events: batch}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: rename: %w", err)
	}
	s.log.Debug().Int("events", len(batch)).Str("path", s.path).Msg("pending events saved")
	return nil
}

// Read returns the pending batch. A missing file yields (nil, nil); an undecodable one wraps ErrCorrupt.
func (s *FileStore) Read() (domain.EventBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read: %w", err)
	}
	batch, err := domain.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return batch, nil
}

// Load is Read with failures logged and treated as zero pending events.
func (s *FileStore) Load() domain.EventBatch {
	batch, err := s.Read()
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("ignoring unreadable pending events")
		return nil
	}
	if len(batch) > 0 {
		s.log.Info().Int("events", len(batch)).Msg("pending events loaded")
	}
	return batch
}

// Clear removes the pending file. A missing file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}
