// Package cron runs the gateway's periodic maintenance: a nightly rebuild
// of the memory summary mirror and a sweep that disables stale low-value
// auto items.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-gateway/internal/bus"
	"github.com/basket/go-gateway/internal/memory"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// defaultSchedule fires the maintenance pass at 02:10 every night.
const defaultSchedule = "10 2 * * *"

const (
	// Auto items untouched this long with low confidence get disabled.
	staleAfter          = 90 * 24 * time.Hour
	staleConfidenceMax  = 0.5
	sweepPageSize       = 500
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Manager  *memory.Manager
	Bus      *bus.Bus // may be nil
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to nightly
	Interval time.Duration // tick interval; defaults to 1 minute
}

// Scheduler checks on every tick whether the maintenance schedule is due.
type Scheduler struct {
	manager  *memory.Manager
	bus      *bus.Bus
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a maintenance scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  cfg.Manager,
		bus:      cfg.Bus,
		logger:   logger,
		schedule: schedule,
		interval: interval,
		nextRun:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "next_run", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRun returns the next scheduled maintenance time.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			if due {
				s.nextRun = s.schedule.Next(now)
			}
			s.mu.Unlock()
			if due {
				s.RunOnce(ctx)
			}
		}
	}
}

// RunOnce executes one maintenance pass: sweep stale auto items, then
// rebuild the host-scope summary from what remains enabled.
func (s *Scheduler) RunOnce(ctx context.Context) {
	swept := s.sweepStale(ctx)
	s.rebuildSummary(ctx)
	if s.bus != nil && swept > 0 {
		s.bus.Publish(bus.TopicMemorySwept, swept)
	}
}

// sweepStale disables non-manual, unpinned items whose confidence is below
// 0.5 and whose last update or use is older than 90 days. Returns the number
// of items disabled.
func (s *Scheduler) sweepStale(ctx context.Context) int {
	store := s.manager.Store()
	cutoff := time.Now().Add(-staleAfter)
	disabled := 0

	items, err := store.List(ctx, memory.Query{
		HostID:      s.manager.HostID(),
		EnabledOnly: true,
		Limit:       sweepPageSize,
	})
	if err != nil {
		s.logger.Error("maintenance: sweep list failed", "error", err)
		return 0
	}
	off := false
	for _, item := range items {
		if item.Source == memory.SourceManual || item.Pinned {
			continue
		}
		if item.Confidence >= staleConfidenceMax {
			continue
		}
		lastTouch := item.UpdatedAt
		if item.LastUsedAt != nil && item.LastUsedAt.After(lastTouch) {
			lastTouch = *item.LastUsedAt
		}
		if lastTouch.After(cutoff) {
			continue
		}
		if _, err := store.Update(ctx, item.ID, memory.Patch{Enabled: &off}); err != nil {
			s.logger.Warn("maintenance: disable stale item failed", "id", item.ID, "error", err)
			continue
		}
		disabled++
	}
	if disabled > 0 {
		s.logger.Info("maintenance: disabled stale memory items", "count", disabled)
	}
	return disabled
}

// rebuildSummary regenerates the host-scope MEMORY.md from enabled items.
func (s *Scheduler) rebuildSummary(ctx context.Context) {
	journal := s.manager.Journal()
	if journal == nil {
		return
	}
	items, err := s.manager.Store().List(ctx, memory.Query{
		HostID:      s.manager.HostID(),
		Scope:       memory.ScopeHost,
		EnabledOnly: true,
		Limit:       sweepPageSize,
	})
	if err != nil {
		s.logger.Error("maintenance: summary list failed", "error", err)
		return
	}
	if err := journal.RebuildSummary("", items); err != nil {
		s.logger.Error("maintenance: summary rebuild failed", "error", err)
	}
}

// NextRunTime parses a cron expression and returns the next run after the
// given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
