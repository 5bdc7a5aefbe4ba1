// Package server builds the application graph from configuration and runs it
// as an API server, a distributed worker or a one-shot crawl.
package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/api"
	"github.com/JakeFAU/manga-crawl-engine/internal/catalog"
	"github.com/JakeFAU/manga-crawl-engine/internal/clock/system"
	"github.com/JakeFAU/manga-crawl-engine/internal/config"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/dispatcher"
	"github.com/JakeFAU/manga-crawl-engine/internal/hash/sha256"
	"github.com/JakeFAU/manga-crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
	"github.com/JakeFAU/manga-crawl-engine/internal/orchestrator"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/distributed"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/local"
	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
	progresssinks "github.com/JakeFAU/manga-crawl-engine/internal/progress/sinks"
	queuememory "github.com/JakeFAU/manga-crawl-engine/internal/queue/memory"
	"github.com/JakeFAU/manga-crawl-engine/internal/scheduler"
	"github.com/JakeFAU/manga-crawl-engine/internal/sites"
	"github.com/JakeFAU/manga-crawl-engine/internal/telemetry"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
	"github.com/JakeFAU/manga-crawl-engine/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	catalog      *catalog.Catalog
	tracker      *tracker.Tracker
	hub          *progress.Hub
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	scheduler    *scheduler.Scheduler

	// Local mode.
	queue      *queuememory.Queue[worker.Run]
	dispatcher *dispatcher.Dispatcher

	// Distributed mode.
	engine *distributed.Engine

	ready   func(ctx context.Context) error
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build wires every component selected by cfg. Close releases what Build
// acquired, including on a partial failure.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.onClose("telemetry", providers.Shutdown)

	registry := sites.NewRegistry()
	a.catalog, err = catalog.New(cfg.Targets, registry)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	clock := system.New()
	ids := uuid.NewGenerator()

	db, err := a.openStores(ctx, ids, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	promSink, err := progresssinks.NewPrometheusSink(cfg.Telemetry.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger,
	},
		progresssinks.NewLogSink(logger.Named("progress")),
		promSink,
		progresssinks.NewStoreSink(db.jobs, ids, logger),
	)
	a.onClose("progress hub", a.hub.Close)

	a.tracker = tracker.New(db.jobs, a.hub, publisher, clock, ids, logger, tracker.Config{
		FlushEvery:    cfg.Tracker.FlushEvery,
		NotifyTopic:   cfg.Notify.Topic,
		NotifyTimeout: cfg.Tracker.NotifyTimeout,
	})

	deps, err := a.buildFetchers()
	if err != nil {
		return nil, err
	}
	var hasher crawler.Hasher
	if blobs != nil {
		hasher = sha256.New()
	}
	resolver := &pipeline.Resolver{
		Targets:         a.catalog,
		Registry:        registry,
		Deps:            deps,
		Store:           db.gateway,
		Log:             a.tracker,
		Blobs:           blobs,
		Hasher:          hasher,
		Retry:           crawler.NewLinearRetryPolicy(cfg.Paginate.MaxAttempts, cfg.Paginate.RetryStep),
		PageConcurrency: cfg.Paginate.Concurrency,
	}
	runner := pipeline.NewRunner(pipeline.DefaultUnits(), logger)

	var launcher orchestrator.Launcher
	switch cfg.Mode {
	case crawler.ModeDistributed:
		b, err := a.openBroker(ctx)
		if err != nil {
			return nil, err
		}
		claimStore, err := a.openClaims(ctx, clock)
		if err != nil {
			return nil, err
		}
		a.engine = distributed.New(b, runner, resolver, a.tracker, db.jobs, claimStore, clock, distributed.Config{
			Concurrency:   config.Stages(cfg.Pipeline.Distributed.Concurrency),
			FlushInterval: cfg.Pipeline.Distributed.FlushInterval,
			JobCacheTTL:   cfg.Pipeline.Distributed.JobCacheTTL,
			PollInterval:  cfg.Pipeline.Distributed.PollInterval,
		}, logger)
		launcher = a.engine
	default:
		engine := local.New(runner, a.tracker, local.Config{
			Concurrency: config.Stages(cfg.Pipeline.Local.Concurrency),
			Buffer:      cfg.Pipeline.Local.Buffer,
			StoreSlots:  cfg.Pipeline.Local.StoreSlots,
		}, logger)
		a.queue = queuememory.NewQueue[worker.Run](cfg.Dispatcher.QueueDepth)
		cancels := worker.NewCancels()
		workers := make([]*worker.Worker, 0, cfg.Dispatcher.Workers)
		for range cfg.Dispatcher.Workers {
			workers = append(workers, worker.New(a.queue, a.tracker, resolver, engine, cancels, logger))
		}
		a.dispatcher = dispatcher.New(a.queue, workers, cancels)
		launcher = a.dispatcher
	}

	a.orchestrator = orchestrator.New(cfg.Mode, a.catalog, registry, a.tracker, db.jobs, db.gateway, launcher, logger)
	a.scheduler, err = scheduler.New(a.orchestrator, cfg.Schedule, logger)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	a.apiServer = api.NewServer(a.orchestrator, a.catalog, api.Options{
		APIKey:         cfg.Server.APIKey,
		Ready:          a.ready,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})

	logger.Info("application built",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("targets", len(a.catalog.List())),
		zap.String("database", cfg.Database.Kind),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("storage", cfg.Storage.Kind),
		zap.Bool("headless", cfg.Headless.Enabled),
	)
	return a, nil
}

// Orchestrator exposes the job entry points.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
