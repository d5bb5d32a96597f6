package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically expires overdue keys and reports keys due for
// rotation.
type Sweeper struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a Sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(manager *Manager, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  manager,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "sweeper"),
	}
}

// Start schedules the sweep. It stops when ctx is cancelled or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("expiry sweeper started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	expired, err := s.manager.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		s.logger.Info("expiry sweep completed", "expired_count", len(expired))
	} else {
		s.logger.Debug("expiry sweep completed, nothing expired")
	}

	due, err := s.manager.DueForRotation(ctx)
	if err != nil {
		s.logger.Warn("rotation check failed", "error", err)
		return
	}
	for _, k := range due {
		s.logger.Warn("api key due for rotation", "key_id", k.ID, "key_prefix", k.KeyPrefix, "name", k.Name)
	}
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("expiry sweeper stopped")
	}
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
