// Package repository persists uploaded event batches in Postgres.
package repository

import (
	"context"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// Repository defines persistence for uploaded telemetry events.
type Repository interface {
	// SaveBatch stores every event of batch under the upload path. Re-saving the same path is a no-op per event.
	SaveBatch(ctx context.Context, path string, batch domain.EventBatch) error
	// ListBySession returns the stored events of one session in event order, at most limit.
	ListBySession(ctx context.Context, userID, sessionID string, limit int32) (domain.EventBatch, error)
}
