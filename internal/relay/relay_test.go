package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/sink"
)

// mockReader hands out msgs in order, then blocks until ctx is done.
type mockReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs []error
	committed []kafka.Message
	drained   chan struct{}
	once      sync.Once
}

func newMockReader(msgs ...kafka.Message) *mockReader {
	return &mockReader{msgs: msgs, drained: make(chan struct{})}
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	if len(m.fetchErrs) > 0 {
		err := m.fetchErrs[0]
		m.fetchErrs = m.fetchErrs[1:]
		m.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(m.msgs) > 0 {
		msg := m.msgs[0]
		m.msgs = m.msgs[1:]
		m.mu.Unlock()
		return msg, nil
	}
	m.mu.Unlock()
	m.once.Do(func() { close(m.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msgs...)
	return nil
}

func (m *mockReader) commits() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.committed...)
}

type post struct {
	path    string
	payload string
}

type mockSink struct {
	mu    sync.Mutex
	posts []post
	fails int
	err   error
}

func (m *mockSink) Post(_ context.Context, path string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, post{path, string(payload)})
	if m.err != nil {
		return m.err
	}
	if m.fails > 0 {
		m.fails--
		return errors.New("loki unavailable")
	}
	return nil
}

func newDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisDeduper(rdb, time.Hour), mr
}

func message(offset int64, path, payload string) kafka.Message {
	return kafka.Message{
		Offset:  offset,
		Key:     []byte(path),
		Value:   []byte(payload),
		Headers: []kafka.Header{{Key: sink.HeaderUploadPath, Value: []byte(path)}},
	}
}

func fastOpts() Options {
	return Options{PostTimeout: time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond}
}

func runUntilDrained(t *testing.T, r *Relay, reader *mockReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("reader not drained")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestUploadPath(t *testing.T) {
	tests := []struct {
		name    string
		msg     kafka.Message
		want    string
		wantErr bool
	}{
		{"header wins", kafka.Message{Key: []byte("key"), Headers: []kafka.Header{{Key: sink.HeaderUploadPath, Value: []byte("hdr")}}}, "hdr", false},
		{"key fallback", kafka.Message{Key: []byte("key")}, "key", false},
		{"empty header falls back", kafka.Message{Key: []byte("key"), Headers: []kafka.Header{{Key: sink.HeaderUploadPath}}}, "key", false},
		{"nothing", kafka.Message{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UploadPath(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_ForwardsAndCommits(t *testing.T) {
	reader := newMockReader(
		message(1, "userEvents/u/s/a.json", `{"events":[]}`),
		message(2, "userEvents/u/s/b.json", `{"events":[]}`),
	)
	s := &mockSink{}
	r := New(reader, s, nil, fastOpts(), zerolog.Nop())

	runUntilDrained(t, r, reader)

	if len(s.posts) != 2 || s.posts[0].path != "userEvents/u/s/a.json" || s.posts[1].path != "userEvents/u/s/b.json" {
		t.Errorf("posts = %+v", s.posts)
	}
	if got := reader.commits(); len(got) != 2 || got[0].Offset != 1 || got[1].Offset != 2 {
		t.Errorf("commits = %+v", got)
	}
}

func TestRun_DropsDuplicates(t *testing.T) {
	reader := newMockReader(
		message(1, "userEvents/u/s/a.json", `{"events":[]}`),
		message(2, "userEvents/u/s/a.json", `{"events":[]}`),
	)
	s := &mockSink{}
	d, _ := newDeduper(t)
	r := New(reader, s, d, fastOpts(), zerolog.Nop())

	runUntilDrained(t, r, reader)

	if len(s.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(s.posts))
	}
	if got := reader.commits(); len(got) != 2 {
		t.Errorf("commits = %d, want 2 (duplicate is committed)", len(got))
	}
}

func TestHandle_RetriesThenForwards(t *testing.T) {
	s := &mockSink{fails: 2}
	r := New(newMockReader(), s, nil, fastOpts(), zerolog.Nop())

	if got := r.Handle(context.Background(), message(1, "p", "{}")); got != ResultForwarded {
		t.Errorf("result = %q, want %q", got, ResultForwarded)
	}
	if len(s.posts) != 3 {
		t.Errorf("posts = %d, want 3", len(s.posts))
	}
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func TestRun_FailedForwardNotCommittedAndReleased(t *testing.T) {
	reader := newMockReader(
		message(1, "userEvents/u/s/a.json", `{"events":[]}`),
		message(2, "userEvents/u/s/b.json", `{"events":[]}`),
	)
	s := &mockSink{err: errors.New("loki down")}
	d, mr := newDeduper(t)
	r := New(reader, s, d, fastOpts(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for s.count() < 6 {
		if time.Now().After(deadline) {
			t.Fatal("failed message was not retried")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	if got := reader.commits(); len(got) != 0 {
		t.Errorf("commits = %d, want 0", len(got))
	}
	s.mu.Lock()
	for i, p := range s.posts {
		if p.path != "userEvents/u/s/a.json" {
			t.Errorf("post %d went to %q; the second message was fetched past a failed one", i, p.path)
		}
	}
	s.mu.Unlock()
	if mr.Exists(keyPrefix + "userEvents/u/s/a.json") {
		t.Error("dedupe key kept after failed forward")
	}
}

func TestRun_FailedForwardRetriedBeforeNextCommit(t *testing.T) {
	reader := newMockReader(
		message(1, "userEvents/u/s/a.json", `{"events":[1]}`),
		message(2, "userEvents/u/s/b.json", `{"events":[2]}`),
	)
	// Fails the first Handle of message 1 (3 attempts) and one attempt of the retry.
	s := &mockSink{fails: 4}
	r := New(reader, s, nil, fastOpts(), zerolog.Nop())

	runUntilDrained(t, r, reader)

	got := reader.commits()
	if len(got) != 2 || got[0].Offset != 1 || got[1].Offset != 2 {
		t.Fatalf("commits = %v, want offsets [1 2]", offsets(got))
	}
	if n := s.count(); n != 6 {
		t.Errorf("posts = %d, want 6", n)
	}
	if last := s.posts[len(s.posts)-1]; last.path != "userEvents/u/s/b.json" {
		t.Errorf("last post = %q, want message 2", last.path)
	}
}

func offsets(msgs []kafka.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Offset
	}
	return out
}

func TestHandle_InvalidMessage(t *testing.T) {
	s := &mockSink{}
	r := New(newMockReader(), s, nil, fastOpts(), zerolog.Nop())

	if got := r.Handle(context.Background(), kafka.Message{Value: []byte("{}")}); got != ResultInvalid {
		t.Errorf("result = %q, want %q", got, ResultInvalid)
	}
	if len(s.posts) != 0 {
		t.Errorf("posts = %d, want 0", len(s.posts))
	}
}

func TestHandle_RedisDownStillForwards(t *testing.T) {
	s := &mockSink{}
	d, mr := newDeduper(t)
	mr.Close()
	r := New(newMockReader(), s, d, fastOpts(), zerolog.Nop())

	if got := r.Handle(context.Background(), message(1, "p", "{}")); got != ResultForwarded {
		t.Errorf("result = %q, want %q", got, ResultForwarded)
	}
}

func TestRun_FetchErrorRetried(t *testing.T) {
	reader := newMockReader(message(1, "p", "{}"))
	reader.fetchErrs = []error{errors.New("broker gone")}
	s := &mockSink{}
	r := New(reader, s, nil, fastOpts(), zerolog.Nop())

	runUntilDrained(t, r, reader)

	if len(s.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(s.posts))
	}
}

func TestRedisDeduper_TTL(t *testing.T) {
	d, mr := newDeduper(t)
	ctx := context.Background()

	first, err := d.Claim(ctx, "p")
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	again, err := d.Claim(ctx, "p")
	if err != nil || again {
		t.Fatalf("second claim = %v, %v", again, err)
	}
	if ttl := mr.TTL(keyPrefix + "p"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if ok, _ := d.Claim(ctx, "p"); !ok {
		t.Error("claim after expiry = false, want true")
	}
	if err := d.PingContext(ctx); err != nil {
		t.Errorf("PingContext: %v", err)
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.PostTimeout != DefaultPostTimeout || o.MaxAttempts != DefaultMaxAttempts || o.RetryDelay != DefaultRetryDelay {
		t.Errorf("defaults = %+v", o)
	}
}
