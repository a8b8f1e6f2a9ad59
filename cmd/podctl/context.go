package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/broker"
	"github.com/Guizzs26/canhoto-sync/internal/config"
	"github.com/Guizzs26/canhoto-sync/internal/connectivity"
	"github.com/Guizzs26/canhoto-sync/internal/db"
	"github.com/Guizzs26/canhoto-sync/internal/meta"
	"github.com/Guizzs26/canhoto-sync/internal/remote"
	"github.com/Guizzs26/canhoto-sync/internal/service"
	"github.com/Guizzs26/canhoto-sync/internal/trigger"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
)

// commandContext lazily wires the components a command needs and releases them
// after it finishes
type commandContext struct {
	cfgOnce sync.Once
	cfg     *config.Config
	logger  *slog.Logger

	store   db.QueueStore
	control *broker.Client
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) config() *config.Config {
	c.cfgOnce.Do(func() {
		c.cfg = config.Load()
		c.logger = infra.NewLogger(os.Stderr, c.cfg.LogLevel, c.cfg.LogFormat)
	})
	return c.cfg
}

func (c *commandContext) log() *slog.Logger {
	c.config()
	return c.logger
}

func (c *commandContext) openStore(ctx context.Context) (db.QueueStore, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg := c.config()
	store, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		Path:        cfg.StorePath,
		Namespace:   cfg.StoreNamespace,
		DatabaseURL: cfg.DatabaseURL,
		FirebirdURL: cfg.FirebirdURL,
	}, c.log())
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	c.store = store
	return store, nil
}

// queue builds a queue able to replay, sharing the replay lock with syncd
func (c *commandContext) queue(ctx context.Context) (*service.Queue, error) {
	store, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := c.config()

	lock, err := infra.NewFileLock(filepath.Join(cfg.StorePath, "replay.lock"))
	if err != nil {
		return nil, err
	}

	prober := connectivity.HTTPProber{URL: cfg.ConnectivityURL}
	online := sync.OnceValue(func() bool { return prober.Probe(ctx) == nil })
	collector := meta.NewCollector(cfg.AppVersion,
		meta.WithOnlineSignal(online),
		meta.WithEnvironment(meta.Environment{UserAgent: cfg.DeviceUserAgent}),
	)

	client := remote.NewClient(cfg.APIBaseURL,
		remote.NewTokenSource(cfg.APIToken, cfg.APITokenFile),
		remote.WithTimeout(cfg.SubmitTimeout),
		remote.WithLanguage(cfg.Language),
		remote.WithLogger(c.log()),
	)

	return service.NewQueue(store, client, collector,
		service.WithLogger(c.log()),
		service.WithReplayLock(lock),
		service.WithOnlineSignal(online),
	), nil
}

// coordinator pings syncd over the sync channel when one is configured
func (c *commandContext) coordinator(q *service.Queue) *trigger.Coordinator {
	cfg := c.config()
	opts := []trigger.Option{trigger.WithLogger(c.log())}

	if cfg.RabbitMQURL != "" && c.control == nil {
		client, err := broker.NewClient(cfg.RabbitMQURL, fmt.Sprintf("podctl-%d", os.Getpid()), c.log())
		if err != nil {
			c.log().Warn("Sync channel unavailable, syncd will pick the POD up on its next cycle", "error", err)
		} else {
			c.control = client
		}
	}
	if c.control != nil {
		opts = append(opts, trigger.WithController(c.control))
	}
	return trigger.NewCoordinator(q, opts...)
}

const pingTimeout = 5 * time.Second

// pingSyncd asks the daemon to replay. The process exits right after, so the
// ping cannot be left to a detached task.
func (c *commandContext) pingSyncd(ctx context.Context, q *service.Queue) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.coordinator(q).RequestSync(pingCtx); err != nil {
		c.log().Warn("Could not notify syncd, it will pick the POD up on its next cycle", "error", err)
	}
}

func (c *commandContext) close() {
	if c.control != nil {
		_ = c.control.Close()
		c.control = nil
	}
	if c.store != nil {
		_ = c.store.Close()
		c.store = nil
	}
}
