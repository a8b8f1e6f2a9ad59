package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/canhoto-sync/internal/broker"
	"github.com/Guizzs26/canhoto-sync/internal/config"
	"github.com/Guizzs26/canhoto-sync/internal/connectivity"
	"github.com/Guizzs26/canhoto-sync/internal/db"
	"github.com/Guizzs26/canhoto-sync/internal/meta"
	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/remote"
	"github.com/Guizzs26/canhoto-sync/internal/server"
	"github.com/Guizzs26/canhoto-sync/internal/service"
	"github.com/Guizzs26/canhoto-sync/internal/trigger"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("CRITICAL: sync daemon stopped", "error", err)
		infra.CloseLogger()
		os.Exit(1)
	}
	logger.Info("✅ Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		Path:        cfg.StorePath,
		Namespace:   cfg.StoreNamespace,
		DatabaseURL: cfg.DatabaseURL,
		FirebirdURL: cfg.FirebirdURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	lock, err := infra.NewFileLock(filepath.Join(cfg.StorePath, "replay.lock"))
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(
		connectivity.HTTPProber{URL: cfg.ConnectivityURL},
		cfg.ProbeInterval,
		connectivity.WithLogger(logger),
	)

	collector := meta.NewCollector(cfg.AppVersion,
		meta.WithOnlineSignal(monitor.Online),
		meta.WithEnvironment(meta.Environment{UserAgent: cfg.DeviceUserAgent}),
	)

	client := remote.NewClient(cfg.APIBaseURL,
		remote.NewTokenSource(cfg.APIToken, cfg.APITokenFile),
		remote.WithTimeout(cfg.SubmitTimeout),
		remote.WithLanguage(cfg.Language),
		remote.WithLogger(logger),
	)

	queue := service.NewQueue(store, client, collector,
		service.WithLogger(logger),
		service.WithReplayLock(lock),
	)

	scheduler, err := trigger.NewScheduler(cfg.SyncSchedule, monitor.Online, logger)
	if err != nil {
		return err
	}

	coord := trigger.NewCoordinator(queue,
		trigger.WithBackgroundSync(scheduler),
		trigger.WithLogger(logger),
	)
	queue.SetSyncRequester(coord)

	queue.Subscribe(func(count int) {
		logger.Info("📦 Pending PODs", "count", count)
	})
	monitor.OnOnline(func() { coord.TriggerAsync(ctx, trigger.SourceOnline) })
	scheduler.OnWake(func(ctx context.Context, _ string) { coord.TriggerAsync(ctx, trigger.SourceBackground) })

	logger.Info("🚀 Canhoto sync daemon started",
		"pid", os.Getpid(),
		"version", cfg.AppVersion,
		"store", cfg.StoreDriver,
		"api", cfg.APIBaseURL,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		router := server.NewRouter(server.Deps{
			Queue:  queue,
			Sync:   coord,
			Online: monitor.Online,
			Logger: logger,
		})
		return server.Run(gctx, ":"+cfg.MetricsPort, router, logger)
	})

	if cfg.RabbitMQURL != "" {
		origin := daemonOrigin()
		g.Go(func() error {
			return broker.Supervise(gctx, cfg.RabbitMQURL, origin, logger, func(c *broker.Client) broker.Handler {
				return controllerHandler(coord, c, logger)
			})
		})
	} else {
		logger.Info("RABBITMQ_URL not set, sync channel disabled")
	}

	g.Go(func() error {
		if _, err := coord.Trigger(gctx, trigger.SourceBackground); err != nil {
			logger.Warn("Startup replay failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	coord.Wait()
	return err
}

// controllerHandler answers sync requests from CLI instances with a replay and
// announces the result to every listener
func controllerHandler(coord *trigger.Coordinator, c *broker.Client, logger *slog.Logger) broker.Handler {
	return func(ctx context.Context, msg models.SyncMessage) error {
		logger.Debug("Sync message received", "type", msg.Type, "origin", msg.Origin)

		if _, err := coord.Trigger(ctx, trigger.SourceBackground); err != nil {
			return err
		}
		if msg.Type != models.MessageRequestSync {
			return nil
		}
		return c.Broadcast(ctx)
	}
}

func daemonOrigin() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("syncd-%s-%d", host, os.Getpid())
}
