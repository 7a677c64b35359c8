// Package app assembles the stores, services, queue processor and HTTP
// server into a running dispatch service.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driftline/dispatch/internal/api"
	"github.com/driftline/dispatch/internal/campaign"
	"github.com/driftline/dispatch/internal/config"
	"github.com/driftline/dispatch/internal/dispatch"
	"github.com/driftline/dispatch/internal/metrics"
	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/ratelimit"
	"github.com/driftline/dispatch/internal/routing"
	"github.com/driftline/dispatch/internal/store"
	"github.com/driftline/dispatch/internal/tracking"
	"github.com/driftline/dispatch/internal/warmup"
)

// App is the assembled application
type App struct {
	config    *config.Config
	db        *sql.DB
	rdb       *redis.Client
	storage   *queue.Storage
	processor *queue.Processor
	records   *store.QueueRecordRepository
	campaigns *campaign.Service
	apiServer *api.Server
	logger    *slog.Logger
}

// New wires the application from configuration
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	metrics.SetGlobal(metrics.New())

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// the counters fail open, so an unreachable Redis degrades limits
	// instead of blocking startup
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, rate limiting degraded", "addr", cfg.Redis.Addr, "error", err)
	}
	cancel()

	storage, err := queue.NewStorage(queue.StorageConfig{
		Path:        cfg.Queue.Path,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay,
		Lease:       cfg.Queue.LeaseDuration,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}

	records := store.NewQueueRecordRepository(db)
	events := store.NewEventRepository(db)
	contacts := store.NewContactRepository(db)
	suppression := store.NewSuppressionRepository(db)
	users := store.NewUserRepository(db)
	providerConfigs := store.NewProviderConfigRepository(db)

	warmupSvc := warmup.New(store.NewWarmupRepository(db), logger.With("component", "warmup"))
	limiter := ratelimit.New(rdb, cfg.RateLimit.MaxPerHour, logger.With("component", "ratelimit"))
	router := routing.New(rdb, logger.With("component", "routing"))
	trackingSvc := tracking.New(
		store.NewTokenRepository(db),
		events,
		cfg.Tracking.BaseURL,
		logger.With("component", "tracking"),
	)
	providers := dispatch.NewProviderCache(providerConfigs, cfg.Dispatch.ProviderTimeout, logger.With("component", "providers"))

	worker := dispatch.NewWorker(
		records,
		events,
		contacts,
		suppression,
		providers,
		router,
		limiter,
		warmupSvc,
		trackingSvc,
		dispatch.WorkerConfig{
			SendTimeout: cfg.Dispatch.ProviderTimeout,
			TrackOpens:  cfg.Tracking.OpensEnabled(),
			TrackClicks: cfg.Tracking.ClicksEnabled(),
		},
		logger.With("component", "dispatch"),
	)

	campaigns := campaign.New(
		store.NewCampaignRepository(db),
		contacts,
		records,
		users,
		suppression,
		events,
		storage,
		campaign.Config{
			BaseURL: cfg.Tracking.BaseURL,
			Spread:  cfg.Campaign.SpreadWindow,
		},
		logger.With("component", "campaign"),
	)

	processor := queue.NewProcessor(storage, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		ProcessInterval: cfg.Queue.ProcessInterval,
		StallInterval:   cfg.Queue.StallInterval,
		CleanupInterval: cfg.Queue.CleanupInterval,
		DoneMaxAge:      cfg.Queue.DoneMaxAge,
		JobTimeout:      cfg.Queue.LeaseDuration - 5*time.Second,
	}, logger.With("component", "processor"))
	processor.Register(queue.JobTypeEmail, worker.ProcessEmailJob)
	processor.Register(queue.JobTypeCampaign, campaigns.ProcessCampaignJob)
	processor.OnStall(worker.HandleStalledJob)

	apiServer := api.NewServer(
		campaigns,
		trackingSvc,
		storage,
		limiter,
		providers,
		contacts,
		suppression,
		cfg,
		version,
		logger.With("component", "api"),
	)

	return &App{
		config:    cfg,
		db:        db,
		rdb:       rdb,
		storage:   storage,
		processor: processor,
		records:   records,
		campaigns: campaigns,
		apiServer: apiServer,
		logger:    logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dispatch",
		"listen_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Path,
		"queue", a.config.Queue.Path,
		"workers", a.config.Queue.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)

	// scheduled campaigns lose their trigger jobs if the queue file was
	// removed; re-plant them before taking traffic
	if n, err := a.campaigns.RecoverScheduledCampaigns(ctx); err != nil {
		a.logger.Error("scheduled campaign recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("scheduled campaigns recovered", "count", n)
	}

	go a.sweepLoop(ctx)
	go a.metricsLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// sweepLoop force-fails records stuck in sending. The queue-level stall
// handler covers crashes between lease and completion; this sweep covers
// records orphaned across restarts.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Dispatch.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.records.SweepStuckSending(a.config.Dispatch.StuckAfter)
			if err != nil {
				a.logger.Error("stuck record sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Warn("stuck sending records failed", "count", n)
			}
		}
	}
}

// metricsLoop publishes queue depths
func (a *App) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.storage.Stats()
			if err != nil {
				a.logger.Error("failed to read queue stats", "error", err)
				continue
			}
			metrics.SetQueueDepths(stats.Pending, stats.Delayed, stats.Active, stats.Dead)
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.processor.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("job queue close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
