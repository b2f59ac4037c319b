package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// Supervision defaults.
const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second

	// healthCheckTimeout bounds one keepalive probe.
	healthCheckTimeout = 5 * time.Second

	// maxConsecutiveFailures is the number of failed probes that marks a
	// connected broker as ERROR.
	maxConsecutiveFailures = 3
)

// ErrConnectionLost is recorded as the broker's last error when the dialer
// reports a drop without a cause.
var ErrConnectionLost = errors.New("supervisor: connection lost")

// Dialer is one broker's connection as seen by its supervisor.
type Dialer interface {
	// Connect dials once.
	Connect(ctx context.Context) error

	// HealthCheck probes a live connection.
	HealthCheck(ctx context.Context) error

	// Disconnect closes the connection. It must be safe on a closed one.
	Disconnect()

	// SetOnConnectionLost registers a non-blocking drop callback.
	SetOnConnectionLost(func(err error))
}

// Config holds the supervision intervals.
type Config struct {
	// ReconnectInterval is the wait after a failed dial or a lost
	// connection before dialling again.
	ReconnectInterval time.Duration

	// KeepaliveInterval is how often a connected broker is probed.
	KeepaliveInterval time.Duration
}

// Logger defines the logging interface for supervisors.
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

// Supervisor keeps one broker connected and mirrors its connection state
// into the registry.
//
// Lifecycle: CONNECTING → CONNECTED, or ERROR followed by a wait of
// ReconnectInterval and another dial, forever. While CONNECTED the
// connection is probed every KeepaliveInterval; three consecutive failed
// probes, or a drop reported by the dialer, move the broker to ERROR.
// Stop disconnects and leaves the broker DISCONNECTED.
type Supervisor struct {
	name     string
	dialer   Dialer
	registry *broker.Registry
	config   Config
	logger   Logger

	lost chan error

	mu          sync.RWMutex
	running     bool
	connectedAt time.Time
	reconnects  int
	lastError   error
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a supervisor for the named broker.
func New(name string, dialer Dialer, registry *broker.Registry, cfg Config) *Supervisor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	s := &Supervisor{
		name:     name,
		dialer:   dialer,
		registry: registry,
		config:   cfg,
		logger:   noopLogger{},
		lost:     make(chan error, 1),
	}
	dialer.SetOnConnectionLost(s.connectionLost)
	return s
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Name returns the supervised broker's name.
func (s *Supervisor) Name() string {
	return s.name
}

// Start launches the supervision loop. It returns immediately; the first
// dial happens in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor for broker %s is already running", s.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Stop ends supervision, disconnects and waits for the loop to exit.
// Calling Stop on a stopped supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// connectionLost is the dialer's drop callback. It never blocks; one
// pending notification is enough to end the current connection.
func (s *Supervisor) connectionLost(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.shutdown()

	s.logger.Info("broker supervisor started", "broker", s.name)

	for {
		// Drop any notification left over from the previous connection.
		select {
		case <-s.lost:
		default:
		}

		s.transition(broker.StateConnecting, nil)
		err := s.dialer.Connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			s.markConnected()
			err = s.watch(ctx)
			if ctx.Err() != nil {
				return
			}
			s.dialer.Disconnect()
		}

		s.markFailed(err)
		s.logger.Warn("broker connection failed, retrying",
			"broker", s.name,
			"error", err,
			"delay", s.config.ReconnectInterval,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.ReconnectInterval):
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
	}
}

// watch probes a live connection until it fails or ctx ends. It returns
// the reason the connection is considered lost.
func (s *Supervisor) watch(ctx context.Context) error {
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-s.lost:
			return err

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := s.dialer.HealthCheck(checkCtx)
			cancel()

			if err == nil {
				if consecutiveFailures > 0 {
					s.logger.Info("broker health check recovered",
						"broker", s.name,
						"previous_failures", consecutiveFailures,
					)
				}
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			s.logger.Warn("broker health check failed",
				"broker", s.name,
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("keepalive failed %d times: %w", consecutiveFailures, err)
			}
		}
	}
}

func (s *Supervisor) markConnected() {
	s.mu.Lock()
	s.connectedAt = time.Now()
	s.lastError = nil
	s.mu.Unlock()

	s.transition(broker.StateConnected, nil)
	s.logger.Info("broker connected", "broker", s.name)
}

func (s *Supervisor) markFailed(err error) {
	s.mu.Lock()
	s.connectedAt = time.Time{}
	s.lastError = err
	s.mu.Unlock()

	s.transition(broker.StateError, err)
}

func (s *Supervisor) shutdown() {
	s.dialer.Disconnect()
	s.transition(broker.StateDisconnected, nil)

	s.mu.Lock()
	s.running = false
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("broker supervisor stopped", "broker", s.name)
}

// transition applies a registry state change. A broker removed from the
// registry while supervised is not an error here; its supervisor is
// about to be stopped.
func (s *Supervisor) transition(to broker.ConnState, cause error) {
	err := s.registry.Transition(s.name, to, cause)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrNotFound):
		s.logger.Debug("supervised broker no longer registered", "broker", s.name)
	default:
		s.logger.Error("broker state transition rejected",
			"broker", s.name,
			"to", to.String(),
			"error", err,
		)
	}
}

// IsRunning reports whether the supervision loop is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats describes one supervisor.
type Stats struct {
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Running    bool          `json:"running"`
	Reconnects int           `json:"reconnects"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the supervisor.
func (s *Supervisor) Stats() Stats {
	state := broker.StateDisconnected
	if _, st, err := s.registry.Get(s.name); err == nil {
		state = st.Conn()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:       s.name,
		State:      state.String(),
		Running:    s.running,
		Reconnects: s.reconnects,
	}
	if !s.connectedAt.IsZero() {
		stats.Uptime = time.Since(s.connectedAt)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
