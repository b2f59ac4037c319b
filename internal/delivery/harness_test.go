package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/database"
	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
	_ "github.com/Codarn/pg-mqtt-pub/migrations" // registers schema
)

// fakeTransport records publishes and fails topics listed in failTopics.
type fakeTransport struct {
	mu         sync.Mutex
	published  []string // "broker/topic"
	attempts   map[string]int
	failTopics map[string]bool
	hooks      map[string]func() // run once, before the topic is published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: map[string]int{}, failTopics: map[string]bool{}, hooks: map[string]func(){}}
}

func (f *fakeTransport) Publish(ctx context.Context, brokerName string, m slot.Message) error {
	f.mu.Lock()
	hook := f.hooks[m.Topic]
	delete(f.hooks, m.Topic)
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[m.Topic]++
	if f.failTopics[m.Topic] {
		return errors.New("publish rejected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.published = append(f.published, brokerName+"/"+m.Topic)
	return nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func (f *fakeTransport) tries(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[topic]
}

// before runs fn the first time topic is published, outside the lock.
func (f *fakeTransport) before(topic string, fn func()) {
	f.mu.Lock()
	f.hooks[topic] = fn
	f.mu.Unlock()
}

func (f *fakeTransport) fail(topic string) {
	f.mu.Lock()
	f.failTopics[topic] = true
	f.mu.Unlock()
}

// countingRecorder counts ring pressure events.
type countingRecorder struct {
	noopRecorder
	ringFull atomic.Int64
}

func (r *countingRecorder) RingFull() { r.ringFull.Add(1) }

type harness struct {
	t         *testing.T
	path      string
	store     *outbox.SQLiteStore
	state     *State
	modes     *ModeController
	router    *Router
	worker    *Worker
	transport *fakeTransport
	clock     time.Time
}

type harnessOpts struct {
	path     string
	capacity int
	brokers  []string
}

// newHarness wires a full engine over a temp SQLite file with every
// listed broker CONNECTED.
func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.path == "" {
		opts.path = filepath.Join(t.TempDir(), "outbox.db")
	}
	if opts.capacity == 0 {
		opts.capacity = 64
	}
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: opts.path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	q, err := ringbuf.New(opts.capacity)
	if err != nil {
		t.Fatalf("ringbuf.New() error = %v", err)
	}

	h := &harness{
		t:         t,
		path:      opts.path,
		store:     outbox.NewSQLiteStore(db.DB),
		transport: newFakeTransport(),
		// Ahead of wall time so rows the store stamps with time.Now are
		// already due.
		clock: time.Now().Add(time.Hour).Truncate(time.Millisecond),
	}
	reg := broker.NewRegistry()
	h.state = NewState(reg, q, h.store)
	h.modes = NewModeController(h.state)
	h.router = NewRouter(h.state, h.modes)
	h.worker = NewWorker(h.state, h.transport, WorkerConfig{
		BatchSize:      10,
		PollInterval:   5 * time.Millisecond,
		PublishTimeout: time.Second,
	})
	h.worker.now = func() time.Time { return h.clock }

	for _, name := range opts.brokers {
		if _, err := reg.Add(broker.Config{Name: name, Host: "127.0.0.1", Port: 1883}); err != nil {
			t.Fatalf("Add(%s) error = %v", name, err)
		}
	}
	h.modes.Attach()
	for _, name := range opts.brokers {
		h.connect(name)
	}
	if err := h.state.Seed(ctx); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return h
}

func (h *harness) transition(name string, to broker.ConnState, cause error) {
	h.t.Helper()
	if err := h.state.Registry.Transition(name, to, cause); err != nil {
		h.t.Fatalf("Transition(%s, %s) error = %v", name, to, err)
	}
}

func (h *harness) connect(name string) {
	h.t.Helper()
	h.transition(name, broker.StateConnecting, nil)
	h.transition(name, broker.StateConnected, nil)
}

func (h *harness) fail(name string) {
	h.t.Helper()
	h.transition(name, broker.StateError, errors.New("keepalive timeout"))
}

func (h *harness) route(brokerName, topic string) Path {
	h.t.Helper()
	p, err := h.router.Route(context.Background(), slot.Message{Broker: brokerName, Topic: topic, Payload: []byte(topic)})
	if err != nil {
		h.t.Fatalf("Route(%s, %s) error = %v", brokerName, topic, err)
	}
	return p
}

// drain runs cycles until one handles nothing.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		n, err := h.worker.Cycle(context.Background())
		if err != nil {
			h.t.Fatalf("Cycle() error = %v", err)
		}
		if n == 0 {
			return
		}
	}
	h.t.Fatal("drain did not settle")
}

func (h *harness) brokerStats(name string) broker.Stats {
	h.t.Helper()
	for _, s := range h.state.Registry.Snapshot() {
		if s.Name == name {
			return s
		}
	}
	h.t.Fatalf("broker %s not in snapshot", name)
	return broker.Stats{}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
