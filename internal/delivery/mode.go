package delivery

import (
	"sync"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// ModeChangeFunc is called after every mode transition.
type ModeChangeFunc func(from, to Mode, at time.Time)

// ModeController owns the global delivery mode.
//
//	HOT  -> COLD  when any active broker is not CONNECTED
//	COLD -> HOT   when every active broker is CONNECTED
//
// There is no hysteresis: a transition is visible to the Router as soon as
// Evaluate returns.
type ModeController struct {
	state  *State
	logger Logger
	rec    Recorder
	now    func() time.Time

	mu       sync.Mutex // serialises evaluations
	onChange ModeChangeFunc
}

// NewModeController creates a controller for state. Call Attach to follow
// registry transitions.
func NewModeController(state *State) *ModeController {
	return &ModeController{
		state:  state,
		logger: noopLogger{},
		rec:    noopRecorder{},
		now:    time.Now,
	}
}

// SetLogger sets the logger.
func (c *ModeController) SetLogger(logger Logger) {
	c.logger = logger
}

// SetRecorder sets the metrics recorder.
func (c *ModeController) SetRecorder(rec Recorder) {
	c.rec = rec
}

// OnChange registers a callback for mode transitions. It runs with the
// controller's lock held and must not call Evaluate.
func (c *ModeController) OnChange(fn ModeChangeFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Attach registers the controller as the registry's state observer and
// evaluates once so the mode matches current broker health.
func (c *ModeController) Attach() Mode {
	c.state.Registry.SetObserver(c.observe)
	return c.Evaluate()
}

func (c *ModeController) observe(_ string, _, _ broker.ConnState) {
	c.Evaluate()
}

// Evaluate recomputes the mode from broker health and returns it.
// Call it after registry configuration changes and on ring pressure.
func (c *ModeController) Evaluate() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state.Mode()
	healthy := c.state.Registry.AllHealthy()

	to := from
	switch {
	case from == ModeHot && !healthy:
		to = ModeCold
	case from == ModeCold && healthy:
		to = ModeHot
	}
	if to == from {
		return from
	}

	at := c.now()
	c.state.setMode(to, at)
	c.rec.ModeChanged(to)
	c.logger.Info("delivery mode changed", "from", from.String(), "to", to.String())
	if c.onChange != nil {
		c.onChange(from, to, at)
	}
	return to
}
