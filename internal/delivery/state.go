package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
)

// Mode is the global delivery mode.
type Mode int32

const (
	ModeHot Mode = iota
	ModeCold
)

// String returns "hot" or "cold".
func (m Mode) String() string {
	if m == ModeCold {
		return "cold"
	}
	return "hot"
}

// State is the process-scoped context shared by producers, the mode
// controller and the drain worker.
//
// Fields are written only through methods: the mode by ModeController, the
// sequence and pending counters by Router and Worker, liveness by Worker.
type State struct {
	Registry *broker.Registry
	Queue    *ringbuf.Queue
	Outbox   outbox.Store

	mode          atomic.Int32
	modeChangedAt atomic.Int64 // unix nanoseconds
	outboxPending atomic.Int64
	deadLettered  atomic.Uint64
	seq           atomic.Uint64

	// cold maps a broker name to its *coldCount. The worker compares the
	// counts across a cycle to notice rows its claim could not have seen.
	cold sync.Map

	running atomic.Bool
	pid     atomic.Int64

	// wake carries at most one pending producer notification.
	wake chan struct{}
}

// NewState builds the shared context. The mode starts HOT.
func NewState(reg *broker.Registry, q *ringbuf.Queue, store outbox.Store) *State {
	s := &State{
		Registry: reg,
		Queue:    q,
		Outbox:   store,
		wake:     make(chan struct{}, 1),
	}
	s.modeChangedAt.Store(time.Now().UnixNano())
	return s
}

// Seed initialises counters from the durable store: the sequence counter
// continues after the highest queued seq, the outbox-pending counter and
// per-broker depths start from exact counts. Call once before producers
// start.
func (s *State) Seed(ctx context.Context) error {
	maxSeq, err := s.Outbox.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("seeding sequence: %w", err)
	}
	s.seq.Store(maxSeq)

	pending, err := s.Outbox.Pending(ctx)
	if err != nil {
		return fmt.Errorf("seeding pending count: %w", err)
	}
	s.outboxPending.Store(pending)

	byBroker, err := s.Outbox.PendingByBroker(ctx)
	if err != nil {
		return fmt.Errorf("seeding broker depth: %w", err)
	}
	for name, n := range byBroker {
		if _, st, err := s.Registry.Get(name); err == nil {
			st.AddDepth(n)
		}
	}
	return nil
}

// Mode returns the current delivery mode.
func (s *State) Mode() Mode {
	return Mode(s.mode.Load())
}

// ModeChangedAt returns when the mode last changed (or when State was built).
func (s *State) ModeChangedAt() time.Time {
	return time.Unix(0, s.modeChangedAt.Load())
}

func (s *State) setMode(m Mode, at time.Time) {
	s.modeChangedAt.Store(at.UnixNano())
	s.mode.Store(int32(m))
}

// nextSeq returns a fresh, strictly increasing sequence number.
func (s *State) nextSeq() uint64 {
	return s.seq.Add(1)
}

// coldCount tracks router inserts into the outbox for one broker. begun
// moves before the insert and done after it, so begun != done while an
// insert is in flight.
type coldCount struct {
	begun atomic.Uint64
	done  atomic.Uint64
}

func (s *State) coldCounter(name string) *coldCount {
	if c, ok := s.cold.Load(name); ok {
		return c.(*coldCount)
	}
	c, _ := s.cold.LoadOrStore(name, new(coldCount))
	return c.(*coldCount)
}

// beginCold announces a router insert for name. The returned func must be
// called once the insert has returned.
func (s *State) beginCold(name string) func() {
	c := s.coldCounter(name)
	c.begun.Add(1)
	return func() { c.done.Add(1) }
}

// coldSettled returns how many outbox inserts for name have finished.
func (s *State) coldSettled(name string) uint64 {
	return s.coldCounter(name).done.Load()
}

// coldBegun returns how many outbox inserts for name have started.
func (s *State) coldBegun(name string) uint64 {
	return s.coldCounter(name).begun.Load()
}

// OutboxPending returns the approximate number of outbox rows. It is
// telemetry only; use outbox.Store.Pending for an exact count.
func (s *State) OutboxPending() int64 {
	return s.outboxPending.Load()
}

func (s *State) addPending(n int64) {
	if s.outboxPending.Add(n) < 0 {
		s.outboxPending.Store(0)
	}
}

// DeadLettered returns the number of messages dead-lettered since start.
func (s *State) DeadLettered() uint64 {
	return s.deadLettered.Load()
}

// Running reports whether a drain worker owns this state.
func (s *State) Running() bool {
	return s.running.Load()
}

// WorkerPID returns the worker's process id, or zero when not running.
func (s *State) WorkerPID() int {
	return int(s.pid.Load())
}

// notify wakes the worker without blocking.
func (s *State) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status is a point-in-time view of the shared state.
type Status struct {
	Mode          string         `json:"mode"`
	ModeChangedAt time.Time      `json:"mode_changed_at"`
	QueueDepth    int            `json:"queue_depth"`
	QueueCapacity int            `json:"queue_capacity"`
	OutboxPending int64          `json:"outbox_pending"`
	DeadLettered  uint64         `json:"dead_lettered_total"`
	WorkerRunning bool           `json:"worker_running"`
	WorkerPID     int            `json:"worker_pid,omitempty"`
	Brokers       []broker.Stats `json:"brokers"`
}

// Status returns a snapshot for status reporting.
func (s *State) Status() Status {
	return Status{
		Mode:          s.Mode().String(),
		ModeChangedAt: s.ModeChangedAt().UTC(),
		QueueDepth:    s.Queue.Len(),
		QueueCapacity: s.Queue.Cap(),
		OutboxPending: s.OutboxPending(),
		DeadLettered:  s.DeadLettered(),
		WorkerRunning: s.Running(),
		WorkerPID:     s.WorkerPID(),
		Brokers:       s.Registry.Snapshot(),
	}
}
