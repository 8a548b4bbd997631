package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

type mockRepo struct {
	path  string
	batch domain.EventBatch
	err   error
}

func (m *mockRepo) SaveBatch(ctx context.Context, path string, batch domain.EventBatch) error {
	if m.err != nil {
		return m.err
	}
	m.path = path
	m.batch = batch
	return nil
}

func (m *mockRepo) ListBySession(ctx context.Context, userID, sessionID string, limit int32) (domain.EventBatch, error) {
	return m.batch, nil
}

func TestPostgresSink_Post(t *testing.T) {
	repo := &mockRepo{}
	s, err := NewPostgresSink(repo)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := domain.Encode(testBatch())
	if err := s.Post(context.Background(), "userEvents/u/s/x.json", payload); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if repo.path != "userEvents/u/s/x.json" {
		t.Errorf("path = %q", repo.path)
	}
	if len(repo.batch) != 3 {
		t.Errorf("saved %d events, want 3", len(repo.batch))
	}
}

func TestPostgresSink_Errors(t *testing.T) {
	if _, err := NewPostgresSink(nil); err == nil {
		t.Error("nil repository should fail")
	}
	s, _ := NewPostgresSink(&mockRepo{err: errors.New("db down")})
	payload, _ := domain.Encode(testBatch())
	if err := s.Post(context.Background(), "p", payload); err == nil {
		t.Error("repository error should surface")
	}
	if err := s.Post(context.Background(), "p", []byte("x")); err == nil {
		t.Error("invalid payload should fail")
	}
}
