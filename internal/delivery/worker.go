package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// Worker defaults.
const (
	DefaultBatchSize      = 500
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultPublishTimeout = 5 * time.Second

	// shutdownTimeout bounds the final release and spill.
	shutdownTimeout = 10 * time.Second
)

// Transport publishes one message to the named broker. Implementations
// must honour ctx; expiry is reported as an error.
type Transport interface {
	Publish(ctx context.Context, broker string, m slot.Message) error
}

// Connections manages broker connections for the lifetime of the worker.
type Connections interface {
	Start(ctx context.Context) error
	Stop()
}

// WorkerConfig configures the drain worker.
type WorkerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	Backoff        Backoff
}

// DefaultWorkerConfig returns the documented defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      DefaultBatchSize,
		PollInterval:   DefaultPollInterval,
		PublishTimeout: DefaultPublishTimeout,
		Backoff:        DefaultBackoff(),
	}
}

// held is a hot message the worker could not persist; it is retried
// before anything else.
type held struct {
	entry outbox.Entry
	// spill is true for a message persisted for a disconnected broker
	// rather than for a retry.
	spill bool
}

// Worker is the single consumer of the ring buffer and the outbox.
type Worker struct {
	state     *State
	transport Transport
	conns     Connections
	cfg       WorkerConfig
	logger    Logger
	rec       Recorder
	now       func() time.Time

	held *held

	// next is a ring message popped for a seq comparison but not yet
	// dispatched.
	next *slot.Message
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(state *State, transport Transport, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Backoff.Base
	}
	if cfg.Backoff.Cap <= 0 {
		cfg.Backoff.Cap = def.Backoff.Cap
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}

	return &Worker{
		state:     state,
		transport: transport,
		cfg:       cfg,
		logger:    noopLogger{},
		rec:       noopRecorder{},
		now:       time.Now,
	}
}

// SetLogger sets the logger.
func (w *Worker) SetLogger(logger Logger) {
	w.logger = logger
}

// SetRecorder sets the metrics recorder.
func (w *Worker) SetRecorder(rec Recorder) {
	w.rec = rec
}

// SetConnections registers the broker connection manager started and
// stopped with the worker.
func (w *Worker) SetConnections(c Connections) {
	w.conns = c
}

// Run drains both sources until ctx is cancelled. It returns nil on a
// clean shutdown and ErrStateCorrupt if the queue invariant breaks.
//
// On shutdown Run finishes the message in flight, releases claimed outbox
// rows, spills the ring buffer into the outbox and clears the liveness
// flag.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	w.state.pid.Store(int64(os.Getpid()))
	defer func() {
		w.state.pid.Store(0)
		w.state.running.Store(false)
	}()

	// Recovery completes even when ctx is already cancelled.
	if n, err := w.state.Outbox.RecoverClaimed(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("recovering claimed rows: %w", err)
	} else if n > 0 {
		w.logger.Warn("recovered rows claimed by a previous run", "count", n)
	}

	if w.conns != nil {
		if err := w.conns.Start(ctx); err != nil {
			return fmt.Errorf("starting broker connections: %w", err)
		}
		defer w.conns.Stop()
	}

	w.logger.Info("drain worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
		"queue_capacity", w.state.Queue.Cap(),
	)

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		if err := w.state.Queue.Verify(); err != nil {
			w.logger.Error("shared state corrupt, halting worker", "error", err)
			w.releaseClaimed()
			return fmt.Errorf("%w: %w", ErrStateCorrupt, err)
		}

		n, err := w.Cycle(ctx)
		if err != nil {
			w.logger.Error("drain cycle failed", "error", err)
			w.releaseClaimed()
		}
		if ctx.Err() != nil {
			break
		}
		if n > 0 && err == nil {
			continue
		}

		resetTimer(timer, w.cfg.PollInterval)
		select {
		case <-ctx.Done():
		case <-w.state.wake:
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	w.shutdown()
	w.logger.Info("drain worker stopped")
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Cycle performs one unit of work and returns the number of messages
// handled.
//
// Ready outbox rows for connected brokers are claimed in seq order and
// merged with the ring buffer by seq, so each broker sees its messages in
// the order the router accepted them whichever path they took. When the
// outbox has nothing ready, up to BatchSize ring buffer messages are
// dispatched.
//
// Cancellation of ctx is observed between messages; the message being
// dispatched always completes.
func (w *Worker) Cycle(ctx context.Context) (int, error) {
	work := context.WithoutCancel(ctx)

	if w.held != nil {
		if err := w.persistHeld(work); err != nil {
			return 0, err
		}
	}

	v := w.view()

	n, err := w.drainOutbox(ctx, work, v)
	if err != nil || n > 0 {
		return n, err
	}
	return w.drainRing(ctx, work, v)
}

// cycleView is what the worker knew about the brokers when it claimed a
// batch.
type cycleView struct {
	// eligible holds the brokers whose rows may be claimed. A broker is
	// dropped when one of its ring messages is spilled, so later messages
	// for it queue up behind the spilled one.
	eligible map[string]bool

	// settled holds each broker's finished outbox insert count, read
	// before the claim. An insert started after that, or still in flight
	// then, may be missing from the batch.
	settled map[string]uint64
}

func (w *Worker) view() *cycleView {
	v := &cycleView{eligible: make(map[string]bool), settled: make(map[string]uint64)}
	for _, cfg := range w.state.Registry.Configs() {
		v.settled[cfg.Name] = w.state.coldSettled(cfg.Name)
		if w.state.Registry.Healthy(cfg.Name) {
			v.eligible[cfg.Name] = true
		}
	}
	return v
}

func (w *Worker) drainOutbox(ctx, work context.Context, v *cycleView) (int, error) {
	if len(v.eligible) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(v.eligible))
	for name := range v.eligible {
		names = append(names, name)
	}

	batch, err := w.state.Outbox.DrainBatch(work, w.cfg.BatchSize, names, w.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range batch {
		if ctx.Err() != nil {
			// Remaining rows stay claimed until shutdown releases them.
			return n, nil
		}

		// Hot messages accepted before e go first.
		for {
			m, ok, err := w.peek(work)
			if err != nil {
				return n, err
			}
			if !ok || m.Seq >= e.Message.Seq {
				break
			}
			w.next = nil
			n++
			if err := w.dispatchHot(work, m, v.eligible); err != nil {
				return n, err
			}
		}

		n++
		if err := w.dispatchEntry(work, e, v.eligible); err != nil {
			return n, err
		}
	}
	return n, nil
}

// drainRing dispatches ring messages while the outbox has nothing ready.
// It stops short at a message whose broker had an outbox insert that the
// claim may have missed; the router's notification after that insert
// brings the worker back to claim it.
func (w *Worker) drainRing(ctx, work context.Context, v *cycleView) (int, error) {
	n := 0
	for n < w.cfg.BatchSize && ctx.Err() == nil {
		m, ok, err := w.peek(work)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		// Ineligible brokers spill into the outbox behind their rows, so
		// only dispatch needs the check.
		if v.eligible[m.Broker] && w.state.coldBegun(m.Broker) != v.settled[m.Broker] {
			break
		}
		w.next = nil
		n++
		if err := w.dispatchHot(work, m, v.eligible); err != nil {
			return n, err
		}
	}
	return n, nil
}

// peek returns the oldest undispatched ring message, popping it into the
// worker's lookahead if needed. Corrupt slots met on the way are
// dead-lettered.
func (w *Worker) peek(ctx context.Context) (slot.Message, bool, error) {
	for w.next == nil {
		m, err := w.state.Queue.Pop()
		if errors.Is(err, ringbuf.ErrEmpty) {
			return slot.Message{}, false, nil
		}
		if err != nil {
			if err := w.deadLetterCorrupt(ctx, err); err != nil {
				return slot.Message{}, false, err
			}
			continue
		}
		w.next = &m
	}
	return *w.next, true, nil
}

// dispatchEntry delivers one claimed outbox row.
func (w *Worker) dispatchEntry(ctx context.Context, e outbox.Entry, eligible map[string]bool) error {
	_, st, err := w.state.Registry.Get(e.Message.Broker)
	if err != nil {
		return w.deadLetter(ctx, e, outbox.ReasonUnknownBroker, e.ID)
	}
	if !eligible[e.Message.Broker] || !st.Healthy() {
		// Disconnected since the batch was claimed, or an older message
		// for the broker was spilled behind the claim.
		return w.state.Outbox.Release(ctx, e.ID)
	}

	pubErr := w.publish(ctx, e.Message)
	if pubErr == nil {
		if err := w.state.Outbox.Ack(ctx, e.ID); err != nil {
			// Delivered but not deleted: it will be sent again after the
			// row is released, and counted then.
			return err
		}
		st.RecordSent()
		w.rec.Published(e.Message.Broker)
		w.state.addPending(-1)
		return nil
	}

	st.RecordFailure()
	w.rec.PublishFailed(e.Message.Broker)
	attempts := e.Attempts + 1
	if w.cfg.Backoff.Exhausted(attempts) {
		e.Attempts = attempts
		return w.deadLetter(ctx, e, outbox.ReasonMaxAttempts, e.ID)
	}

	delay := w.cfg.Backoff.Delay(attempts)
	w.logger.Debug("publish failed, retrying",
		"broker", e.Message.Broker, "topic", e.Message.Topic,
		"attempts", attempts, "delay", delay, "error", pubErr)
	return w.state.Outbox.Retry(ctx, e.ID, attempts, w.now().Add(delay), pubErr.Error())
}

// dispatchHot delivers one message taken from the ring buffer.
func (w *Worker) dispatchHot(ctx context.Context, m slot.Message, eligible map[string]bool) error {
	now := w.now()
	e := outbox.Entry{Message: m, CreatedAt: now}

	_, st, err := w.state.Registry.Get(m.Broker)
	if err != nil {
		return w.deadLetter(ctx, e, outbox.ReasonUnknownBroker, 0)
	}
	if !eligible[m.Broker] || !st.Healthy() {
		// The outbox may hold older rows for this broker that were not
		// claimed; the spilled copy keeps its seq and sorts among them.
		eligible[m.Broker] = false
		w.rec.Spilled(m.Broker)
		w.held = &held{entry: e, spill: true}
		return w.persistHeld(ctx)
	}

	pubErr := w.publish(ctx, m)
	if pubErr == nil {
		st.RecordSent()
		w.rec.Published(m.Broker)
		return nil
	}

	st.RecordFailure()
	w.rec.PublishFailed(m.Broker)
	e.Attempts = 1
	if w.cfg.Backoff.Exhausted(e.Attempts) {
		return w.deadLetter(ctx, e, outbox.ReasonMaxAttempts, 0)
	}
	e.AvailableAt = now.Add(w.cfg.Backoff.Delay(e.Attempts))
	e.LastError = pubErr.Error()
	w.held = &held{entry: e}
	return w.persistHeld(ctx)
}

// persistHeld moves the held message into the outbox. On failure it stays
// held and is retried on the next cycle.
func (w *Worker) persistHeld(ctx context.Context) error {
	h := w.held
	if _, err := w.state.Outbox.Insert(ctx, h.entry); err != nil {
		return fmt.Errorf("persisting %s message for %q: %w", heldKind(h), h.entry.Message.Broker, err)
	}
	w.held = nil
	w.state.addPending(1)
	return nil
}

func heldKind(h *held) string {
	if h.spill {
		return "spilled"
	}
	return "retry"
}

func (w *Worker) publish(ctx context.Context, m slot.Message) error {
	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	defer cancel()
	return w.transport.Publish(pubCtx, m.Broker, m)
}

// deadLetter records e as terminal. outboxID is the source row, zero for
// ring buffer messages.
func (w *Worker) deadLetter(ctx context.Context, e outbox.Entry, reason string, outboxID int64) error {
	m := e.Message
	err := w.state.Outbox.DeadLetter(ctx, outbox.DeadLetter{
		Broker:        m.Broker,
		Topic:         m.Topic,
		Payload:       m.Payload,
		QoS:           m.QoS,
		Retain:        m.Retain,
		Attempts:      e.Attempts,
		Reason:        reason,
		FirstQueuedAt: e.CreatedAt,
		OutboxID:      outboxID,
	})
	if err != nil {
		return err
	}

	if outboxID != 0 {
		w.state.addPending(-1)
	}
	if _, st, err := w.state.Registry.Get(m.Broker); err == nil {
		st.RecordDeadLetter()
	}
	w.state.deadLettered.Add(1)
	w.rec.DeadLettered(m.Broker, reason)
	w.logger.Warn("message dead-lettered",
		"broker", m.Broker, "topic", m.Topic, "attempts", e.Attempts, "reason", reason)
	return nil
}

// deadLetterCorrupt records an undecodable slot. The broker is unknown.
func (w *Worker) deadLetterCorrupt(ctx context.Context, cause error) error {
	w.logger.Error("corrupt slot in ring buffer", "error", cause)
	return w.deadLetter(ctx, outbox.Entry{CreatedAt: w.now()}, outbox.ReasonCorrupt, 0)
}

// releaseClaimed unclaims every claimed row. Only this worker claims rows,
// so after a failed cycle or at shutdown every claimed row is one it will
// not finish.
func (w *Worker) releaseClaimed() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := w.state.Outbox.RecoverClaimed(ctx); err != nil {
		w.logger.Error("releasing claimed rows failed", "error", err)
	}
}

// shutdown persists everything still in memory.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if w.held != nil {
		if err := w.persistHeld(ctx); err != nil {
			w.logger.Error("message lost at shutdown",
				"broker", w.held.entry.Message.Broker, "topic", w.held.entry.Message.Topic, "error", err)
			w.held = nil
		}
	}

	w.releaseClaimed()

	spilled := 0
	if w.next != nil {
		if w.spill(ctx, *w.next) {
			spilled++
		}
		w.next = nil
	}
	for {
		m, err := w.state.Queue.Pop()
		if errors.Is(err, ringbuf.ErrEmpty) {
			break
		}
		if err != nil {
			if err := w.deadLetterCorrupt(ctx, err); err != nil {
				w.logger.Error("recording corrupt slot failed", "error", err)
			}
			continue
		}
		if w.spill(ctx, m) {
			spilled++
		}
	}
	if spilled > 0 {
		w.logger.Info("spilled ring buffer to outbox", "count", spilled)
	}
}

// spill persists an undispatched ring message at shutdown.
func (w *Worker) spill(ctx context.Context, m slot.Message) bool {
	if _, err := w.state.Outbox.Insert(ctx, outbox.Entry{Message: m, CreatedAt: w.now()}); err != nil {
		w.logger.Error("message lost at shutdown",
			"broker", m.Broker, "topic", m.Topic, "seq", m.Seq, "error", err)
		return false
	}
	w.state.addPending(1)
	return true
}
