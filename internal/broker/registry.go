package broker

import (
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer is notified after every successful connection state change.
// It is called without any registry lock held.
type Observer func(name string, from, to ConnState)

// entry is one occupied registry slot.
type entry struct {
	cfg   Config
	state *State
}

// Registry maps broker names to configuration and runtime state.
//
// It has a fixed number of slots (MaxBrokers). Configuration changes
// (Add/Remove/Update) take the config lock exclusively; lookups take it
// shared. Counters on State are updated without the registry lock.
//
// All public methods are thread-safe.
type Registry struct {
	mu    sync.RWMutex // config lock
	slots [MaxBrokers]*entry

	observer   Observer
	observerMu sync.RWMutex

	logger Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetObserver registers the connection state observer (typically the mode
// controller). Only one observer is kept.
func (r *Registry) SetObserver(obs Observer) {
	r.observerMu.Lock()
	r.observer = obs
	r.observerMu.Unlock()
}

// findLocked returns the slot index for name. Caller holds mu.
func (r *Registry) findLocked(name string) int {
	for i, e := range r.slots {
		if e != nil && e.cfg.Active && e.cfg.Name == name {
			return i
		}
	}
	return -1
}

// Find returns the slot index of the named broker.
func (r *Registry) Find(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.findLocked(name); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Add registers a broker in the first free slot and returns its index.
// The new broker starts DISCONNECTED with zeroed counters.
func (r *Registry) Add(cfg Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return -1, err
	}
	cfg.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(cfg.Name) >= 0 {
		return -1, fmt.Errorf("%w: %q", ErrExists, cfg.Name)
	}
	for i, e := range r.slots {
		if e == nil {
			r.slots[i] = &entry{cfg: cfg, state: &State{}}
			r.logger.Info("broker added", "broker", cfg.Name, "address", cfg.Address(), "slot", i)
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %d brokers", ErrRegistryFull, MaxBrokers)
}

// Remove frees the named broker's slot. It refuses with ErrBusy while the
// broker has messages in flight.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if d := r.slots[i].state.Depth(); d > 0 {
		return fmt.Errorf("%w: %q has %d queued", ErrBusy, name, d)
	}
	r.slots[i] = nil
	r.logger.Info("broker removed", "broker", name)
	return nil
}

// Update replaces the configuration of an existing broker. Runtime state
// and counters are kept. Refuses with ErrBusy while messages are in flight.
func (r *Registry) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.findLocked(cfg.Name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, cfg.Name)
	}
	if d := r.slots[i].state.Depth(); d > 0 {
		return fmt.Errorf("%w: %q has %d queued", ErrBusy, cfg.Name, d)
	}
	r.slots[i] = &entry{cfg: cfg, state: r.slots[i].state}
	r.logger.Info("broker updated", "broker", cfg.Name, "address", cfg.Address())
	return nil
}

// Get returns the configuration and state handle of the named broker.
// The state handle stays valid after the broker is removed.
func (r *Registry) Get(name string) (Config, *State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.findLocked(name)
	if i < 0 {
		return Config{}, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.slots[i].cfg, r.slots[i].state, nil
}

// Acquire counts one queued message against the named broker and returns
// its state handle. The depth is taken under the config lock, so a
// concurrent Remove either sees it and refuses with ErrBusy or completes
// first and Acquire reports ErrNotFound.
func (r *Registry) Acquire(name string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.findLocked(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	st := r.slots[i].state
	st.AddDepth(1)
	return st, nil
}

// Healthy reports whether the named broker exists and is CONNECTED.
func (r *Registry) Healthy(name string) bool {
	_, st, err := r.Get(name)
	return err == nil && st.Healthy()
}

// AllHealthy reports whether every active broker is CONNECTED.
// An empty registry is considered healthy.
func (r *Registry) AllHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.slots {
		if e != nil && e.cfg.Active && !e.state.Healthy() {
			return false
		}
	}
	return true
}

// Configs returns copies of every active broker configuration in slot order.
func (r *Registry) Configs() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, MaxBrokers)
	for _, e := range r.slots {
		if e != nil && e.cfg.Active {
			out = append(out, e.cfg)
		}
	}
	return out
}

// Len returns the number of active brokers.
func (r *Registry) Len() int {
	return len(r.Configs())
}

// Snapshot returns stats for every active broker in slot order.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, MaxBrokers)
	for _, e := range r.slots {
		if e != nil && e.cfg.Active {
			out = append(out, e.state.stats(e.cfg))
		}
	}
	return out
}

// Transition moves the named broker to a new connection state.
//
// cause is recorded as last_error when entering ERROR. Invalid transitions
// return ErrInvalidTransition and leave the state untouched.
func (r *Registry) Transition(name string, to ConnState, cause error) error {
	_, st, err := r.Get(name)
	if err != nil {
		return err
	}

	from, err := st.transition(to, cause, r.now())
	if err != nil {
		return err
	}

	if from != to {
		r.logger.Debug("broker state changed", "broker", name, "from", from.String(), "to", to.String())
	}

	r.observerMu.RLock()
	obs := r.observer
	r.observerMu.RUnlock()
	if obs != nil {
		obs(name, from, to)
	}
	return nil
}
