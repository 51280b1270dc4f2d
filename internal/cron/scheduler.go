// Package cron runs the two periodic sweeps the core needs outside the
// request path: expiring IN_PROGRESS tasks that outlived their
// account's timeout, and invalidating the domain/banned-word derived
// cache so edits to keyword sets take effect without a restart.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/domaincache"
	"github.com/basket/drawproxy/internal/registry"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Cache    *domaincache.Cache
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically sweeps for expired tasks and invalidates the
// domain cache.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	cache    *domaincache.Cache
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		registry: cfg.Registry,
		cache:    cfg.Cache,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate()
	}
	if err := s.sweepExpired(ctx); err != nil {
		s.logger.Error("cron: expiry sweep failed", "error", err)
	}
}

// sweepExpired marks IN_PROGRESS tasks whose account's timeoutMinutes
// has elapsed since startTime as FAILURE("timeout").
func (s *Scheduler) sweepExpired(ctx context.Context) error {
	running, err := s.store.List(ctx, store.Filter{Statuses: []task.Status{task.StatusInProgress}}, "start_time", true, 0)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, t := range running {
		timeout := s.accountTimeout(t.InstanceID)
		if timeout <= 0 || t.StartTime.IsZero() {
			continue
		}
		if now.Sub(t.StartTime) < timeout {
			continue
		}

		t.Status = task.StatusFailure
		t.FailReason = "timeout"
		t.FinishTime = now
		if err := s.store.Save(ctx, t); err != nil {
			s.logger.Error("cron: failed to mark task timed out", "task_id", t.ID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskTerminal, bus.TaskTerminalEvent{
				TaskID: t.ID, Status: string(task.StatusFailure), FailReason: "timeout",
			})
		}
		s.logger.Info("cron: task expired", "task_id", t.ID, "instance_id", t.InstanceID)
	}
	return nil
}

func (s *Scheduler) accountTimeout(instanceID string) time.Duration {
	if s.registry == nil || instanceID == "" {
		return 0
	}
	a, ok := s.registry.ByChannel(instanceID)
	if !ok {
		return 0
	}
	return a.TimeoutMinutes
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
