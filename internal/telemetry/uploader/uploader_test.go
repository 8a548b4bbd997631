package uploader

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/queue"
	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/store"
)

type fixedIdentity struct{}

func (fixedIdentity) UserID() string { return "id-0A1B2C3D-20250301120000" }
func (fixedIdentity) ID() string     { return "6f1c2d9e-0000-4000-8000-000000000001" }

// mockSink records posts. failFirst posts fail; block, when set, holds each post until closed.
type mockSink struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	posts     []post
	entered   chan struct{}
	block     chan struct{}
}

type post struct {
	path  string
	batch domain.EventBatch
}

func (m *mockSink) Post(ctx context.Context, path string, payload []byte) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, err := domain.Decode(payload)
	if err != nil {
		return err
	}
	m.posts = append(m.posts, post{path: path, batch: batch})
	if m.failAll || len(m.posts) <= m.failFirst {
		return errors.New("sink unavailable")
	}
	return nil
}

func (m *mockSink) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *mockSink) last() post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[len(m.posts)-1]
}

func event(typ string, duration float64) domain.UserEvent {
	return domain.UserEvent{
		Timestamp:    domain.FormatTimestamp(time.Now()),
		UserID:       fixedIdentity{}.UserID(),
		SessionID:    fixedIdentity{}.ID(),
		EventType:    typ,
		TargetObject: domain.NotAvailable,
		Duration:     duration,
	}
}

func fastOptions() Options {
	return Options{Interval: time.Hour, BatchSize: 100, MaxAttempts: 3, RetryDelay: time.Millisecond}
}

func newTestUploader(t *testing.T, s *mockSink, opts Options) (*Uploader, *queue.EventQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventQueue.json")
	q := queue.New()
	u := New(q, store.NewFileStore(path, zerolog.Nop()), s, fixedIdentity{}, opts)
	return u, q, path
}

func types(batch domain.EventBatch) []string {
	out := make([]string, len(batch))
	for i, e := range batch {
		out[i] = e.EventType
	}
	return out
}

func equalTypes(got domain.EventBatch, want ...string) bool {
	g := types(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFlush_FailurePersistsThenSuccessClears(t *testing.T) {
	s := &mockSink{failFirst: 3}
	u, q, path := newTestUploader(t, s, fastOptions())
	q.Enqueue(event("session_start", 0))
	q.Enqueue(event("click_button", 0))
	q.Enqueue(event("session_end", 12.5))
	if q.Len() != 3 {
		t.Fatalf("queue len = %d, want 3", q.Len())
	}

	res := u.Flush(context.Background())
	if res.Outcome != OutcomePersisted {
		t.Fatalf("outcome = %q, want persisted", res.Outcome)
	}
	if res.Attempts != 3 || s.calls() != 3 {
		t.Errorf("attempts = %d, posts = %d, want 3", res.Attempts, s.calls())
	}
	onDisk := store.NewFileStore(path, zerolog.Nop()).Load()
	if !equalTypes(onDisk, "session_start", "click_button", "session_end") {
		t.Fatalf("stored = %v", types(onDisk))
	}
	if onDisk[2].Duration != 12.5 {
		t.Errorf("stored duration = %v, want 12.5", onDisk[2].Duration)
	}
	if u.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", u.Pending())
	}

	res = u.Flush(context.Background())
	if res.Outcome != OutcomeSent {
		t.Fatalf("second outcome = %q, want sent", res.Outcome)
	}
	if !equalTypes(s.last().batch, "session_start", "click_button", "session_end") {
		t.Errorf("resent batch = %v", types(s.last().batch))
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); len(got) != 0 {
		t.Errorf("store after success = %v, want empty", types(got))
	}
	if u.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", u.Pending())
	}
}

func TestFlush_CarryMergesWithNewEvents(t *testing.T) {
	s := &mockSink{failFirst: 3}
	u, q, path := newTestUploader(t, s, fastOptions())
	q.Enqueue(event("a", 0))
	u.Flush(context.Background())

	q.Enqueue(event("b", 0))
	s.mu.Lock()
	s.failAll = true
	s.mu.Unlock()
	if res := u.Flush(context.Background()); res.Outcome != OutcomePersisted {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); !equalTypes(got, "a", "b") {
		t.Errorf("store = %v, want [a b]", types(got))
	}
}

func TestFlush_RetrySucceeds(t *testing.T) {
	s := &mockSink{failFirst: 1}
	u, q, path := newTestUploader(t, s, fastOptions())
	q.Enqueue(event("teleport", 0))

	res := u.Flush(context.Background())
	if res.Outcome != OutcomeSent || res.Attempts != 2 {
		t.Errorf("result = %+v, want sent after 2 attempts", res)
	}
	if s.posts[0].path != s.posts[1].path {
		t.Error("retries of one flush should reuse the upload path")
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); len(got) != 0 {
		t.Error("store should be empty after success")
	}
}

func TestFlush_SingleAttempt(t *testing.T) {
	s := &mockSink{failAll: true}
	opts := fastOptions()
	opts.MaxAttempts = 1
	u, q, _ := newTestUploader(t, s, opts)
	q.Enqueue(event("x", 0))
	if res := u.Flush(context.Background()); res.Attempts != 1 || s.calls() != 1 {
		t.Errorf("attempts = %d, posts = %d, want 1", res.Attempts, s.calls())
	}
}

func TestFlush_Empty(t *testing.T) {
	s := &mockSink{}
	u, _, _ := newTestUploader(t, s, fastOptions())
	if res := u.Flush(context.Background()); res.Outcome != OutcomeEmpty {
		t.Errorf("outcome = %q, want empty", res.Outcome)
	}
	if s.calls() != 0 {
		t.Errorf("posts = %d, want 0", s.calls())
	}
}

func TestFlush_AtMostOneInFlight(t *testing.T) {
	s := &mockSink{entered: make(chan struct{}, 1), block: make(chan struct{})}
	u, q, _ := newTestUploader(t, s, fastOptions())
	q.Enqueue(event("a", 0))

	done := make(chan Result)
	go func() { done <- u.Flush(context.Background()) }()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first post never started")
	}

	q.Enqueue(event("b", 0))
	if res := u.Flush(context.Background()); res.Outcome != OutcomeBusy {
		t.Errorf("concurrent flush outcome = %q, want busy", res.Outcome)
	}
	if res := u.Flush(context.Background()); res.Outcome != OutcomeBusy {
		t.Errorf("concurrent flush outcome = %q, want busy", res.Outcome)
	}
	if !u.InFlight() {
		t.Error("InFlight = false during upload")
	}
	if q.Len() != 1 {
		t.Errorf("busy flush must not drain; queue len = %d", q.Len())
	}

	close(s.block)
	if res := <-done; res.Outcome != OutcomeSent {
		t.Errorf("first flush outcome = %q", res.Outcome)
	}
	if s.calls() != 1 {
		t.Errorf("posts = %d, want 1", s.calls())
	}
	if u.InFlight() {
		t.Error("InFlight should reset after upload")
	}
}

func TestRecover_AfterRestart(t *testing.T) {
	failing := &mockSink{failAll: true}
	u, q, path := newTestUploader(t, failing, fastOptions())
	q.Enqueue(event("session_start", 0))
	q.Enqueue(event("click_button", 0))
	u.Flush(context.Background())

	// Simulated restart: fresh queue, scheduler and store over the same file.
	ok := &mockSink{}
	q2 := queue.New()
	u2 := New(q2, store.NewFileStore(path, zerolog.Nop()), ok, fixedIdentity{}, fastOptions())
	q2.Enqueue(event("session_start", 0))

	res := u2.Recover(context.Background())
	if res.Outcome != OutcomeSent || res.Events != 3 {
		t.Fatalf("Recover = %+v, want 3 events sent", res)
	}
	if !equalTypes(ok.last().batch, "session_start", "click_button", "session_start") {
		t.Errorf("recovered batch = %v, want loaded events first", types(ok.last().batch))
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); len(got) != 0 {
		t.Errorf("store after recovery = %v, want empty", types(got))
	}
}

func TestFlush_DropsUnencodableEvents(t *testing.T) {
	s := &mockSink{}
	u, q, path := newTestUploader(t, s, fastOptions())
	bad := event("click_button", 0)
	bad.FPS = math.NaN()
	q.Enqueue(bad)
	q.Enqueue(event("good", 0))

	res := u.Flush(context.Background())
	if res.Outcome != OutcomeSent || res.Events != 1 {
		t.Fatalf("Flush = %+v, want 1 event sent", res)
	}
	if s.calls() != 1 || !equalTypes(s.last().batch, "good") {
		t.Errorf("posts = %d, last batch = %v, want one post of [good]", s.calls(), types(s.last().batch))
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); len(got) != 0 {
		t.Errorf("store = %v, want empty", types(got))
	}
	if u.Pending() != 0 {
		t.Errorf("pending = %d, want 0", u.Pending())
	}

	q.Enqueue(event("later", 0))
	if res := u.Flush(context.Background()); res.Outcome != OutcomeSent {
		t.Errorf("next flush outcome = %q, want sent", res.Outcome)
	}
}

func TestFlush_OnlyUnencodableEvents(t *testing.T) {
	s := &mockSink{}
	u, q, _ := newTestUploader(t, s, fastOptions())
	bad := event("click_button", 0)
	bad.CPUUsage = math.Inf(1)
	q.Enqueue(bad)

	if res := u.Flush(context.Background()); res.Outcome != OutcomeEmpty {
		t.Errorf("outcome = %q, want empty", res.Outcome)
	}
	if s.calls() != 0 {
		t.Errorf("posts = %d, want 0", s.calls())
	}
}

func TestRecover_DropsInvalidPendingEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventQueue.json")
	invalid := event("click_button", 0)
	invalid.UserID = ""
	if err := store.NewFileStore(path, zerolog.Nop()).Save(domain.EventBatch{invalid, event("session_start", 0)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := &mockSink{}
	u := New(queue.New(), store.NewFileStore(path, zerolog.Nop()), s, fixedIdentity{}, fastOptions())
	res := u.Recover(context.Background())
	if res.Outcome != OutcomeSent || res.Events != 1 {
		t.Fatalf("Recover = %+v, want 1 event sent", res)
	}
	if !equalTypes(s.last().batch, "session_start") {
		t.Errorf("recovered batch = %v, want [session_start]", types(s.last().batch))
	}
}

func TestRecover_AllInvalidClearsPendingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventQueue.json")
	invalid := event("click_button", 0)
	invalid.Timestamp = "yesterday"
	if err := store.NewFileStore(path, zerolog.Nop()).Save(domain.EventBatch{invalid}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := &mockSink{}
	u := New(queue.New(), store.NewFileStore(path, zerolog.Nop()), s, fixedIdentity{}, fastOptions())
	if res := u.Recover(context.Background()); res.Outcome != OutcomeEmpty {
		t.Errorf("outcome = %q, want empty", res.Outcome)
	}
	if s.calls() != 0 {
		t.Errorf("posts = %d, want 0", s.calls())
	}
	if got := store.NewFileStore(path, zerolog.Nop()).Load(); len(got) != 0 {
		t.Errorf("store = %v, want cleared", types(got))
	}
}

func TestRecover_NothingPending(t *testing.T) {
	s := &mockSink{}
	u, _, _ := newTestUploader(t, s, fastOptions())
	if res := u.Recover(context.Background()); res.Outcome != OutcomeEmpty {
		t.Errorf("outcome = %q, want empty", res.Outcome)
	}
}

func TestStamp_UniquePaths(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &mockSink{}
	path := filepath.Join(t.TempDir(), "eventQueue.json")
	q := queue.New()
	u := New(q, store.NewFileStore(path, zerolog.Nop()), s, fixedIdentity{}, fastOptions(), WithClock(func() time.Time { return at }))

	q.Enqueue(event("a", 0))
	first := u.Flush(context.Background())
	q.Enqueue(event("b", 0))
	second := u.Flush(context.Background())
	if first.Path == second.Path {
		t.Errorf("paths collide: %q", first.Path)
	}
	want := "userEvents/id-0A1B2C3D-20250301120000/6f1c2d9e-0000-4000-8000-000000000001/20250301T120000000Z.json"
	if first.Path != want {
		t.Errorf("path = %q, want %q", first.Path, want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRun_BatchSizeTrigger(t *testing.T) {
	s := &mockSink{}
	opts := fastOptions()
	opts.BatchSize = 3
	u, q, _ := newTestUploader(t, s, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- u.Run(ctx) }()

	q.Enqueue(event("a", 0))
	q.Enqueue(event("b", 0))
	time.Sleep(20 * time.Millisecond)
	if s.calls() != 0 {
		t.Fatalf("flushed below threshold")
	}
	q.Enqueue(event("c", 0))
	waitFor(t, func() bool { return s.calls() == 1 })
	if !equalTypes(s.last().batch, "a", "b", "c") {
		t.Errorf("batch = %v", types(s.last().batch))
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestRun_PeriodicTick(t *testing.T) {
	s := &mockSink{}
	opts := fastOptions()
	opts.Interval = 10 * time.Millisecond
	u, q, _ := newTestUploader(t, s, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = u.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if s.calls() != 0 {
		t.Fatal("empty queue should not be posted")
	}
	q.Enqueue(event("a", 0))
	waitFor(t, func() bool { return s.calls() == 1 })
}

func TestRun_TriggerFlushes(t *testing.T) {
	s := &mockSink{}
	u, q, _ := newTestUploader(t, s, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = u.Run(ctx) }()

	q.Enqueue(event("idle_end", 31))
	u.Trigger()
	u.Trigger()
	waitFor(t, func() bool { return s.calls() == 1 })
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Interval != 10*time.Second || o.BatchSize != 10 || o.MaxAttempts != 3 || o.RetryDelay != 5*time.Second {
		t.Errorf("defaults = %+v", o)
	}
}
