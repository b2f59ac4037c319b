package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/config"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/logging"
	"github.com/Codarn/pg-mqtt-pub/internal/supervisor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Connections reconciles broker connections after registry changes.
// *supervisor.Group implements it.
type Connections interface {
	Sync() error
	Stats() []supervisor.Stats
}

// HealthChecker probes a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	State   *delivery.State
	Router  *delivery.Router
	Modes   *delivery.ModeController
	Sweeper *delivery.Sweeper

	// Optional.
	Connections Connections
	Database    HealthChecker
	Metrics     http.Handler

	Version string
}

// Server is the HTTP admin and producer API.
//
// It is created with New and started with Start.
type Server struct {
	cfg         config.APIConfig
	logger      *logging.Logger
	state       *delivery.State
	router      *delivery.Router
	modes       *delivery.ModeController
	sweeper     *delivery.Sweeper
	connections Connections
	database    HealthChecker
	metrics     http.Handler
	version     string
	startTime   time.Time
	server      *http.Server
	addr        net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.State == nil || deps.Router == nil || deps.Modes == nil {
		return nil, fmt.Errorf("delivery state, router and mode controller are required")
	}
	if deps.Sweeper == nil {
		return nil, fmt.Errorf("dead-letter sweeper is required")
	}

	return &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		state:       deps.State,
		router:      deps.Router,
		modes:       deps.Modes,
		sweeper:     deps.Sweeper,
		connections: deps.Connections,
		database:    deps.Database,
		metrics:     deps.Metrics,
		version:     deps.Version,
		startTime:   time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine. A bind
// failure (port in use) is returned; the server is stopped with Close.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.addr = ln.Addr()
	s.logger.Info("API server listening", "address", s.addr.String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
