package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/repository"
)

// PostgresSink stores batches through a repository; the upload path is kept per row.
type PostgresSink struct {
	repo repository.Repository
}

// NewPostgresSink returns a sink writing through repo.
func NewPostgresSink(repo repository.Repository) (*PostgresSink, error) {
	if repo == nil {
		return nil, errors.New("postgres: repository is nil")
	}
	return &PostgresSink{repo: repo}, nil
}

// Post decodes payload and saves its events under path.
func (s *PostgresSink) Post(ctx context.Context, path string, payload []byte) error {
	batch, err := domain.Decode(payload)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return s.repo.SaveBatch(ctx, path, batch)
}
