// Package distributed runs pipelines across processes: tasks travel through
// a broker, one consumer pool per stage, and job completion is detected by
// polling the shared counters.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/claims"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultJobCacheTTL   = 2 * time.Second
)

// DefaultConcurrency is the per-stage consumer count used when Config leaves
// a stage unset.
var DefaultConcurrency = map[pipeline.Stage]int{
	pipeline.StageList:    1,
	pipeline.StageManga:   8,
	pipeline.StageChapter: 32,
	pipeline.StagePage:    64,
}

// Jobs is the slice of the tracker the engine drives.
type Jobs interface {
	Start(ctx context.Context, jobID string) error
	AddTotal(ctx context.Context, jobID string, n int64) error
	ItemDone(ctx context.Context, jobID, stage string, ok bool) error
	FlushAll(ctx context.Context) error
	Fail(ctx context.Context, jobID string, cause error) error
	Finish(ctx context.Context, jobID string) (crawler.JobStatus, error)
}

// JobReader loads job rows.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
	ListJobs(ctx context.Context, query crawler.JobQuery) ([]crawler.Job, error)
}

// EnvResolver builds the pipeline environment of a job.
type EnvResolver interface {
	Env(ctx context.Context, job crawler.Job) (pipeline.Env, error)
}

// Config tunes the engine.
type Config struct {
	Concurrency map[pipeline.Stage]int
	// FlushInterval bounds how long buffered counters stay unflushed.
	FlushInterval time.Duration
	// JobCacheTTL bounds how stale a cached job status may be.
	JobCacheTTL time.Duration
	// PollInterval drives the completion monitor; zero disables it.
	PollInterval time.Duration
	// IDs stamps each published task; defaults to UUIDv7.
	IDs crawler.IDGenerator
}

func (c Config) workers(stage pipeline.Stage) int {
	if n := c.Concurrency[stage]; n > 0 {
		return n
	}
	return DefaultConcurrency[stage]
}

type cachedJob struct {
	job     crawler.Job
	fetched time.Time
}

// Engine publishes seeds and consumes every stage.
type Engine struct {
	broker   broker.Broker
	runner   *pipeline.Runner
	resolver EnvResolver
	jobs     Jobs
	reader   JobReader
	claims   claims.Store
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	cache map[string]cachedJob
}

// New builds an Engine.
func New(
	b broker.Broker,
	runner *pipeline.Runner,
	resolver EnvResolver,
	jobs Jobs,
	reader JobReader,
	claimStore claims.Store,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.JobCacheTTL <= 0 {
		cfg.JobCacheTTL = defaultJobCacheTTL
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.NewGenerator()
	}
	return &Engine{
		broker:   b,
		runner:   runner,
		resolver: resolver,
		jobs:     jobs,
		reader:   reader,
		claims:   claimStore,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("distributed_engine"),
		tracer:   otel.Tracer("github.com/JakeFAU/manga-crawl-engine/internal/pipeline/distributed"),
		cache:    make(map[string]cachedJob),
	}
}

// Launch starts job and publishes its seeds. Totals are raised before the
// seeds become visible to consumers. A job without seeds finishes at once.
func (e *Engine) Launch(ctx context.Context, job crawler.Job, seeds []pipeline.Task) error {
	if err := e.jobs.Start(ctx, job.ID); err != nil {
		return fmt.Errorf("launch job %s: %w", job.ID, err)
	}
	if len(seeds) == 0 {
		if _, err := e.jobs.Finish(ctx, job.ID); err != nil {
			return fmt.Errorf("launch job %s: %w", job.ID, err)
		}
		return nil
	}
	if err := e.jobs.AddTotal(ctx, job.ID, int64(len(seeds))); err != nil {
		return fmt.Errorf("launch job %s: %w", job.ID, err)
	}
	for i, seed := range seeds {
		if err := e.publish(ctx, seed); err != nil {
			e.dropUnpublished(ctx, job.ID, seeds[i:])
			cause := fmt.Errorf("publish seed %d of %d: %w", i+1, len(seeds), err)
			if failErr := e.jobs.Fail(context.WithoutCancel(ctx), job.ID, cause); failErr != nil {
				e.logger.Error("fail job after publish error", zap.String("job_id", job.ID), zap.Error(failErr))
			}
			return fmt.Errorf("launch job %s: %w", job.ID, cause)
		}
	}
	return nil
}

// Cancel is a no-op: consumers observe the cancelled status and drop the
// job's remaining tasks.
func (e *Engine) Cancel(jobID string) {
	e.forget(jobID)
}

// Run consumes every stage, flushes counters periodically and, when
// configured, runs the completion monitor. It blocks until ctx ends or a
// consumer fails.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range pipeline.Stages {
		n := e.cfg.workers(stage)
		g.Go(func() error {
			if err := e.broker.Consume(gctx, stage, n, e.Handle); err != nil {
				return fmt.Errorf("consume %s: %w", stage, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		e.flushLoop(gctx)
		return nil
	})
	if e.cfg.PollInterval > 0 {
		monitor := NewMonitor(e.reader, e.jobs, e.cfg.PollInterval, e.logger)
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}
	err := g.Wait()
	if flushErr := e.jobs.FlushAll(context.WithoutCancel(ctx)); flushErr != nil {
		e.logger.Warn("final counter flush failed", zap.Error(flushErr))
	}
	return err
}

func (e *Engine) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.jobs.FlushAll(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("periodic counter flush failed", zap.Error(err))
			}
		}
	}
}

// Handle processes one delivery. Returning an error asks the broker to
// redeliver; every final outcome returns nil.
func (e *Engine) Handle(ctx context.Context, d broker.Delivery) error {
	task := d.Task
	ctx, span := e.tracer.Start(ctx, "pipeline."+string(task.Stage),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job_id", task.JobID),
			attribute.String("stage", string(task.Stage)),
			attribute.Int("attempt", d.Attempt),
		),
	)
	defer span.End()

	err := e.handle(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// publish stamps the task with a fresh publication id and hands it to the
// broker.
func (e *Engine) publish(ctx context.Context, task pipeline.Task) error {
	id, err := e.cfg.IDs.NewID()
	if err != nil {
		return fmt.Errorf("stamp %s task: %w", task.Stage, err)
	}
	task.Publication = id
	task.Attempt = 0
	return e.broker.Publish(ctx, task)
}

// abandon counts a task the broker will not redeliver as a failed item, so
// the job's counters still converge.
func (e *Engine) abandon(ctx context.Context, d broker.Delivery, cause error) error {
	if d.Last() {
		e.logger.Error("task dropped after final attempt",
			zap.String("job_id", d.Task.JobID),
			zap.String("stage", string(d.Task.Stage)),
			zap.Int("attempt", d.Attempt),
			zap.Error(cause),
		)
		e.finish(ctx, d.Task.JobID, d.Task.ClaimKey(), string(d.Task.Stage), false)
	}
	return cause
}

func (e *Engine) handle(ctx context.Context, d broker.Delivery) error {
	task := d.Task
	logger := e.logger.With(zap.String("job_id", task.JobID), zap.String("stage", string(task.Stage)))

	job, err := e.job(ctx, task.JobID)
	if errors.Is(err, crawler.ErrNotFound) {
		logger.Warn("dropping task of unknown job")
		return nil
	}
	if err != nil {
		return e.abandon(ctx, d, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	key := task.ClaimKey()
	done, err := e.claims.Done(ctx, key)
	if err != nil {
		return e.abandon(ctx, d, fmt.Errorf("check claim %s: %w", key, err))
	}
	if done {
		logger.Debug("duplicate delivery acknowledged", zap.String("key", key))
		return nil
	}

	env, err := e.resolver.Env(ctx, job)
	if err != nil {
		logger.Error("resolve job environment failed", zap.Error(err))
		e.fail(ctx, job.ID, err)
		return nil
	}

	out := e.runner.Handle(ctx, env, task, d.Last())
	switch {
	case out.Canceled:
		return e.abandon(ctx, d, out.Err)
	case out.Retry:
		metrics.ObserveRedelivery(string(task.Stage))
		logger.Debug("task will be redelivered", zap.Int("attempt", d.Attempt), zap.Error(out.Err))
		return out.Err
	}

	if len(out.Children) > 0 {
		e.publishChildren(ctx, job.ID, task, out.Children)
	}
	e.finish(ctx, job.ID, key, string(task.Stage), out.OK())
	if out.Fatal {
		e.fail(ctx, job.ID, out.Err)
	}
	return nil
}

// publishChildren raises the total, then publishes. Children that cannot be
// published are recorded as failed items so the counters still converge.
func (e *Engine) publishChildren(ctx context.Context, jobID string, parent pipeline.Task, children []pipeline.Task) {
	if err := e.jobs.AddTotal(ctx, jobID, int64(len(children))); err != nil {
		e.logger.Warn("raise job total", zap.String("job_id", jobID), zap.Error(err))
	}
	for i, child := range children {
		if child.Stage.Index() <= parent.Stage.Index() {
			e.logger.Error("dropping child that does not move forward",
				zap.String("job_id", jobID), zap.String("child_stage", string(child.Stage)))
			e.dropUnpublished(ctx, jobID, children[i:i+1])
			continue
		}
		if err := e.publish(ctx, child); err != nil {
			e.logger.Error("publish child task failed", zap.String("job_id", jobID), zap.Error(err))
			e.dropUnpublished(ctx, jobID, children[i:i+1])
		}
	}
}

func (e *Engine) dropUnpublished(ctx context.Context, jobID string, tasks []pipeline.Task) {
	for _, task := range tasks {
		if err := e.jobs.ItemDone(context.WithoutCancel(ctx), jobID, string(task.Stage), false); err != nil {
			e.logger.Warn("record unpublished task", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// finish counts the item once per publication across all its deliveries.
func (e *Engine) finish(ctx context.Context, jobID, key, stage string, ok bool) {
	first, err := e.claims.MarkDone(context.WithoutCancel(ctx), key)
	if err != nil {
		e.logger.Warn("mark task done failed, counting anyway", zap.String("job_id", jobID), zap.Error(err))
		first = true
	}
	if !first {
		return
	}
	if err := e.jobs.ItemDone(context.WithoutCancel(ctx), jobID, stage, ok); err != nil {
		e.logger.Warn("record item progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, jobID string, cause error) {
	if err := e.jobs.Fail(context.WithoutCancel(ctx), jobID, cause); err != nil {
		e.logger.Error("fail job status update", zap.String("job_id", jobID), zap.Error(err))
	}
	e.forget(jobID)
}

func (e *Engine) job(ctx context.Context, jobID string) (crawler.Job, error) {
	now := e.clock.Now()
	e.mu.Lock()
	cached, ok := e.cache[jobID]
	e.mu.Unlock()
	if ok && now.Sub(cached.fetched) < e.cfg.JobCacheTTL {
		return cached.job, nil
	}
	job, err := e.reader.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	e.mu.Lock()
	e.cache[jobID] = cachedJob{job: job, fetched: now}
	e.mu.Unlock()
	return job, nil
}

func (e *Engine) forget(jobID string) {
	e.mu.Lock()
	delete(e.cache, jobID)
	e.mu.Unlock()
}
