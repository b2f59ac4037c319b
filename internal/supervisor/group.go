package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// Factory creates and releases broker connections for a Group.
type Factory interface {
	// Open returns a disconnected Dialer for cfg.
	Open(cfg broker.Config) (Dialer, error)

	// Close releases the named broker's connection.
	Close(name string)
}

// member is one running supervisor and the config it was built from.
type member struct {
	sup *Supervisor
	cfg broker.Config
}

// Group runs one Supervisor per active registry broker.
//
// The drain worker starts and stops the group with its own lifetime. Sync
// reconciles the running supervisors with the registry after brokers are
// added, removed or updated.
type Group struct {
	registry *broker.Registry
	factory  Factory
	config   Config
	logger   Logger

	mu      sync.Mutex
	ctx     context.Context
	members map[string]*member
}

// NewGroup creates a stopped group.
func NewGroup(registry *broker.Registry, factory Factory, cfg Config) *Group {
	return &Group{
		registry: registry,
		factory:  factory,
		config:   cfg,
		logger:   noopLogger{},
		members:  make(map[string]*member),
	}
}

// SetLogger sets the logger for the group and the supervisors it creates.
func (g *Group) SetLogger(logger Logger) {
	g.logger = logger
}

// Start begins supervising every registered broker. The supervisors live
// until Stop or until ctx is cancelled.
//
// A broker whose connection cannot be built is logged and left in ERROR;
// the others are still supervised and the next Sync retries it.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.ctx != nil {
		g.mu.Unlock()
		return fmt.Errorf("supervisor group already started")
	}
	g.ctx = ctx
	g.mu.Unlock()

	if err := g.Sync(); err != nil {
		g.logger.Error("some brokers are not supervised", "error", err)
	}
	return nil
}

// Sync starts supervisors for new brokers, restarts those whose config
// changed and stops those no longer registered. It is a no-op before
// Start. Errors opening individual brokers are collected; the others are
// still reconciled.
func (g *Group) Sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx == nil {
		return nil
	}

	want := make(map[string]broker.Config)
	for _, cfg := range g.registry.Configs() {
		want[cfg.Name] = cfg
	}

	for name, m := range g.members {
		cfg, ok := want[name]
		if ok && cfg == m.cfg {
			continue
		}
		g.stopLocked(name, m)
	}

	var errs []error
	for name, cfg := range want {
		if _, ok := g.members[name]; ok {
			continue
		}
		if err := g.startLocked(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("starting supervisors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Group) startLocked(cfg broker.Config) error {
	d, err := g.factory.Open(cfg)
	if err != nil {
		// Without a dialer the broker can never connect; surface that in
		// its state so the mode controller sees it.
		if terr := g.registry.Transition(cfg.Name, broker.StateError, err); terr != nil {
			g.logger.Debug("marking broker failed", "broker", cfg.Name, "error", terr)
		}
		return fmt.Errorf("broker %s: %w", cfg.Name, err)
	}

	s := New(cfg.Name, d, g.registry, g.config)
	s.SetLogger(g.logger)
	if err := s.Start(g.ctx); err != nil {
		g.factory.Close(cfg.Name)
		return err
	}
	g.members[cfg.Name] = &member{sup: s, cfg: cfg}
	return nil
}

func (g *Group) stopLocked(name string, m *member) {
	m.sup.Stop()
	g.factory.Close(name)
	delete(g.members, name)
}

// Stop stops every supervisor and releases their connections. The group
// can be started again afterwards.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for name, m := range g.members {
		g.stopLocked(name, m)
	}
	g.ctx = nil
}

// Stats returns stats for every supervisor, sorted by broker name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Stats, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.sup.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
