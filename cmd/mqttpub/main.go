// mqttpub - hybrid hot/cold MQTT delivery engine
//
// This is the main entry point for the mqttpub daemon. Producers hand
// messages to the delivery router over the HTTP API; while every broker is
// healthy they travel through the in-memory ring buffer (hot path), and
// while any broker is down they are written to the SQLite outbox (cold
// path). A single drain worker publishes both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "github.com/Codarn/pg-mqtt-pub/migrations"

	"github.com/Codarn/pg-mqtt-pub/internal/api"
	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/config"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/database"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/influxdb"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/logging"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/mqtt"
	"github.com/Codarn/pg-mqtt-pub/internal/metrics"
	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/supervisor"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// healthCheckTimeout bounds the startup health probe.
const healthCheckTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown after ctx is cancelled.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting mqttpub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
		Synchronous: cfg.Database.Synchronous,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := outbox.NewSQLiteStore(db.DB)

	// Broker registry
	registry := broker.NewRegistry()
	registry.SetLogger(log.With("component", "registry"))
	for _, bc := range cfg.ActiveBrokers() {
		if _, addErr := registry.Add(bc); addErr != nil {
			return fmt.Errorf("registering broker %s: %w", bc.Name, addErr)
		}
	}
	log.Info("brokers registered", "count", registry.Len())

	queue, err := ringbuf.New(cfg.Queue.Size)
	if err != nil {
		return fmt.Errorf("creating ring buffer: %w", err)
	}

	state := delivery.NewState(registry, queue, store)
	if seedErr := state.Seed(ctx); seedErr != nil {
		return fmt.Errorf("seeding delivery state: %w", seedErr)
	}

	// Prometheus
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(promReg)
	recorder.ObserveState(state)

	// Mode controller and router
	modes := delivery.NewModeController(state)
	modes.SetLogger(log.With("component", "mode"))
	modes.SetRecorder(recorder)

	router := delivery.NewRouter(state, modes)
	router.SetLogger(log.With("component", "router"))
	router.SetRecorder(recorder)

	// MQTT transport and connection supervisors
	transport := mqtt.NewTransport(mqtt.Options{
		PublishTimeout: cfg.Delivery.PublishTimeout(),
	})
	transport.SetLogger(log.With("component", "mqtt"))

	connections := supervisor.NewGroup(registry, transportFactory{transport: transport}, supervisor.Config{
		ReconnectInterval: cfg.Delivery.ReconnectInterval(),
		KeepaliveInterval: cfg.Delivery.KeepaliveInterval(),
	})
	connections.SetLogger(log.With("component", "supervisor"))

	worker := delivery.NewWorker(state, transport, delivery.WorkerConfig{
		BatchSize:      cfg.Delivery.BatchSize,
		PollInterval:   cfg.Delivery.PollInterval(),
		PublishTimeout: cfg.Delivery.PublishTimeout(),
		Backoff: delivery.Backoff{
			Base:        cfg.Delivery.BackoffBase(),
			Cap:         cfg.Delivery.BackoffCap(),
			MaxAttempts: cfg.Delivery.MaxAttempts,
		},
	})
	worker.SetLogger(log.With("component", "worker"))
	worker.SetRecorder(recorder)
	worker.SetConnections(connections)

	mode := modes.Attach()
	log.Info("delivery mode", "mode", mode.String())

	// Dead-letter retention
	sweeper := delivery.NewSweeper(store, cfg.DeadLetter.Retention())
	sweeper.SetLogger(log.With("component", "sweeper"))
	if sweepErr := sweeper.Start(cfg.DeadLetter.SweepSchedule); sweepErr != nil {
		return fmt.Errorf("starting dead-letter sweeper: %w", sweepErr)
	}
	defer sweeper.Stop()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to influxdb: %w", err)
		}
		influxClient.SetOnError(func(writeErr error) {
			log.Warn("influxdb write failed", "error", writeErr)
		})
		modes.OnChange(influxClient.WriteModeChange)
		defer func() {
			log.Info("closing influxdb connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing influxdb", "error", closeErr)
			}
		}()
		log.Info("influxdb connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("influxdb disabled")
	}

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Logger:      log.With("component", "api"),
		State:       state,
		Router:      router,
		Modes:       modes,
		Sweeper:     sweeper,
		Connections: connections,
		Database:    db,
		Metrics:     metrics.Handler(promReg),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}

	if hcErr := healthCheck(ctx, db, influxClient); hcErr != nil {
		log.Warn("startup health check failed", "error", hcErr)
	}

	// The worker outlives ctx until the API is closed so its final spill
	// sees every accepted message.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(workerCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
		stopWorker()
		return nil
	})
	if influxClient != nil {
		interval := time.Duration(cfg.InfluxDB.StatsInterval) * time.Second
		g.Go(func() error {
			influxClient.RunStats(gctx, state, interval)
			return nil
		})
	}

	log.Info("mqttpub started", "api", server.Addr(), "mode", state.Mode().String())

	if err := g.Wait(); err != nil {
		return fmt.Errorf("delivery worker: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

// healthCheck verifies the storage and telemetry connections answer.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// transportFactory adapts the MQTT transport to supervisor.Factory. The
// transport returns a concrete *mqtt.Client; the supervisor only needs it
// as a Dialer.
type transportFactory struct {
	transport *mqtt.Transport
}

var _ supervisor.Factory = transportFactory{}

// Open implements supervisor.Factory.
func (f transportFactory) Open(cfg broker.Config) (supervisor.Dialer, error) {
	client, err := f.transport.Open(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Close implements supervisor.Factory.
func (f transportFactory) Close(name string) {
	f.transport.Close(name)
}
