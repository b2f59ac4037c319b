package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
)

// Dead-letter retention defaults.
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepSchedule = "@every 1h"

	sweepTimeout = time.Minute
)

// Sweeper purges dead letters older than the retention window on a cron
// schedule.
type Sweeper struct {
	store     outbox.Store
	retention time.Duration
	logger    Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. A non-positive retention uses the default.
func NewSweeper(store outbox.Store, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger.
func (s *Sweeper) SetLogger(logger Logger) {
	s.logger = logger
}

// Sweep deletes every dead letter older than the retention window and
// returns how many were removed. Repeating it is harmless.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeDeadLetters(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping dead letters: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged dead letters", "count", n, "older_than", cutoff)
	}
	return n, nil
}

// Start schedules Sweep with a cron spec such as "@every 1h" or
// "0 3 * * *". Empty uses DefaultSweepSchedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("dead-letter sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("dead-letter sweeper started", "schedule", schedule, "retention", s.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
