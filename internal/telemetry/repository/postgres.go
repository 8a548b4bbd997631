package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

const insertEvent = `INSERT INTO user_events
	(upload_path, seq, user_id, session_id, event_type, target_object, occurred_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (upload_path, seq) DO NOTHING`

const listBySession = `SELECT payload FROM user_events
	WHERE user_id = $1 AND session_id = $2
	ORDER BY occurred_at, upload_path, seq
	LIMIT $3`

// PostgresRepository stores events in the user_events table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a repository that uses db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveBatch inserts batch in a single transaction. (upload_path, seq) is unique, so a retried
// upload of the same batch inserts nothing new.
func (r *PostgresRepository) SaveBatch(ctx context.Context, path string, batch domain.EventBatch) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		occurred := e.Time()
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, path, i, e.UserID, e.SessionID, e.EventType,
			nullString(e.TargetObject), occurred, json.RawMessage(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListBySession returns the stored events for the session. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListBySession(ctx context.Context, userID, sessionID string, limit int32) (domain.EventBatch, error) {
	rows, err := r.db.QueryContext(ctx, listBySession, userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out domain.EventBatch
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e domain.UserEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" || s == domain.NotAvailable {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
