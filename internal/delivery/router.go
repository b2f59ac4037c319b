package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// fullWarnInterval throttles "ring buffer full" warnings.
const fullWarnInterval = 10 * time.Second

// Router is the producer entry point. It is safe for concurrent use.
type Router struct {
	state  *State
	modes  *ModeController
	logger Logger
	rec    Recorder

	fullWarn rate.Sometimes
}

// NewRouter creates a router. modes may be nil, in which case ring
// pressure does not trigger a mode evaluation.
func NewRouter(state *State, modes *ModeController) *Router {
	return &Router{
		state:    state,
		modes:    modes,
		logger:   noopLogger{},
		rec:      noopRecorder{},
		fullWarn: rate.Sometimes{First: 1, Interval: fullWarnInterval},
	}
}

// SetLogger sets the logger.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// SetRecorder sets the metrics recorder.
func (r *Router) SetRecorder(rec Recorder) {
	r.rec = rec
}

// Route accepts m for delivery and reports which path took it.
//
// Errors:
//   - slot.ErrInvalidMessage: m violates a hard limit
//   - ErrRejected: the broker is not registered
//   - outbox.ErrStorage: the message needed the outbox and the insert failed
//
// Route never blocks on the hot path. m.Seq is assigned here; any value
// passed in is overwritten.
func (r *Router) Route(ctx context.Context, m slot.Message) (Path, error) {
	if err := m.Validate(); err != nil {
		r.rec.Rejected("invalid")
		return "", err
	}

	// The depth is taken under the registry lock, before the message
	// becomes visible to the worker, so neither Remove nor an immediate ack
	// can race it.
	st, err := r.state.Registry.Acquire(m.Broker)
	if err != nil {
		r.rec.Rejected("unknown broker")
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	m.Seq = r.state.nextSeq()

	if r.state.Mode() == ModeHot && st.Healthy() && m.Fits() {
		err := r.state.Queue.Push(m)
		if err == nil {
			r.rec.Routed(PathHot)
			r.state.notify()
			return PathHot, nil
		}
		if errors.Is(err, ringbuf.ErrFull) {
			r.pressure()
		} else {
			r.logger.Warn("hot push failed, using outbox", "broker", m.Broker, "error", err)
		}
	}

	settle := r.state.beginCold(m.Broker)
	_, err = r.state.Outbox.Insert(ctx, outbox.Entry{Message: m})
	if err != nil {
		settle()
		st.AddDepth(-1)
		r.rec.Rejected("storage")
		return "", err
	}
	r.state.addPending(1)
	settle()
	r.rec.Routed(PathCold)
	r.state.notify()
	return PathCold, nil
}

// RouteMessage is the boolean form of Route: true when either path
// accepted the message.
func (r *Router) RouteMessage(ctx context.Context, brokerName, topic string, payload []byte, qos byte, retain bool) bool {
	_, err := r.Route(ctx, slot.Message{
		Broker:  brokerName,
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		r.logger.Debug("message not accepted", "broker", brokerName, "topic", topic, "error", err)
		return false
	}
	return true
}

// pressure handles a full ring buffer.
func (r *Router) pressure() {
	r.rec.RingFull()
	r.fullWarn.Do(func() {
		r.logger.Warn("ring buffer full, falling back to outbox", "capacity", r.state.Queue.Cap())
	})
	if r.modes != nil {
		r.modes.Evaluate()
	}
}
