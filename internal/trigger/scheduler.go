package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Guizzs26/canhoto-sync/pkg/infra"
)

// WakeFunc handles one fired background-sync tag
type WakeFunc func(ctx context.Context, tag string)

// Scheduler is the in-process background-sync platform. Registered tags are fired
// on the cron schedule, but only while online, and each registration fires once.
type Scheduler struct {
	schedule cron.Schedule
	expr     string
	online   func() bool
	logger   *slog.Logger

	mu    sync.Mutex
	tags  map[string]struct{}
	wakes []WakeFunc
}

// NewScheduler accepts standard cron expressions and descriptors such as "@every 30s"
func NewScheduler(expr string, online func() bool, logger *slog.Logger) (*Scheduler, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", expr, err)
	}
	if online == nil {
		online = func() bool { return true }
	}
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Scheduler{
		schedule: sched,
		expr:     expr,
		online:   online,
		logger:   logger,
		tags:     make(map[string]struct{}),
	}, nil
}

// Register is idempotent per tag
func (s *Scheduler) Register(_ context.Context, tag string) error {
	s.mu.Lock()
	_, exists := s.tags[tag]
	s.tags[tag] = struct{}{}
	s.mu.Unlock()

	if !exists {
		s.logger.Debug("Background sync registered", "tag", tag)
	}
	return nil
}

func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

func (s *Scheduler) OnWake(fn WakeFunc) {
	s.mu.Lock()
	s.wakes = append(s.wakes, fn)
	s.mu.Unlock()
}

// Fire delivers every registered tag to the wake handlers and clears them.
// It returns the number of tags fired; nothing fires while offline.
func (s *Scheduler) Fire(ctx context.Context) int {
	if !s.online() {
		return 0
	}

	s.mu.Lock()
	tags := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		tags = append(tags, tag)
	}
	clear(s.tags)
	wakes := slices.Clone(s.wakes)
	s.mu.Unlock()

	slices.Sort(tags)
	for _, tag := range tags {
		s.logger.Info("🔄 Background sync fired", "tag", tag)
		for _, fn := range wakes {
			fn(ctx, tag)
		}
	}
	return len(tags)
}

// Run drives Fire from the cron schedule until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Fire(ctx) }))
	c.Start()
	s.logger.Info("Background sync scheduler started", "schedule", s.expr)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
