package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Guizzs26/canhoto-sync/internal/service"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// SyncTag is the background-sync registration used for queued PODs
const SyncTag = "pod-sync"

type Source string

const (
	SourceOnline     Source = "online"
	SourceBackground Source = "background"
	SourceManual     Source = "manual"
)

// Replayer runs one replay of the queue. Overlap is handled by the implementation.
type Replayer interface {
	Replay(ctx context.Context) (service.ReplayReport, error)
}

// BackgroundSync is a platform facility that wakes the process later for a tag
type BackgroundSync interface {
	Register(ctx context.Context, tag string) error
}

// Controller is the fallback channel to the background controller
type Controller interface {
	Ping(ctx context.Context) error
}

// Coordinator maps every wake-up source to the same replay
type Coordinator struct {
	replayer   Replayer
	platform   BackgroundSync
	controller Controller
	logger     *slog.Logger
	wg         sync.WaitGroup
}

type Option func(*Coordinator)

func WithBackgroundSync(b BackgroundSync) Option {
	return func(c *Coordinator) { c.platform = b }
}

func WithController(ctrl Controller) Option {
	return func(c *Coordinator) { c.controller = ctrl }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func NewCoordinator(r Replayer, opts ...Option) *Coordinator {
	c := &Coordinator{replayer: r, logger: infra.DiscardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSync registers SyncTag with the platform when one exists, otherwise pings
// the controller. With neither available it does nothing.
func (c *Coordinator) RequestSync(ctx context.Context) error {
	switch {
	case c.platform != nil:
		return c.platform.Register(ctx, SyncTag)
	case c.controller != nil:
		return c.controller.Ping(ctx)
	}
	return nil
}

func (c *Coordinator) Trigger(ctx context.Context, src Source) (service.ReplayReport, error) {
	metrics.SyncTriggers.WithLabelValues(string(src)).Inc()
	c.logger.Debug("Sync triggered", "source", src)

	report, err := c.replayer.Replay(ctx)
	if err != nil {
		c.logger.Error("Replay failed", "source", src, "error", err)
		return report, err
	}
	if report.Coalesced {
		c.logger.Debug("Replay already in progress, trigger coalesced", "source", src)
	}
	return report, nil
}

// TriggerAsync runs Trigger in the background. Wait blocks until all of them return.
func (c *Coordinator) TriggerAsync(ctx context.Context, src Source) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.Trigger(ctx, src)
	}()
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}
