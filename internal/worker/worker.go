// Package worker runs queued local jobs: it starts the job, executes the
// in-process pipeline and records the terminal status.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/local"
	"github.com/JakeFAU/manga-crawl-engine/internal/queue/memory"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
)

// ErrCancelRequested is the cancellation cause of a job stopped through the API.
var ErrCancelRequested = errors.New("job cancelled by request")

// ErrShutdown is recorded on jobs interrupted by process shutdown.
var ErrShutdown = errors.New("job interrupted by worker shutdown")

// Run is one queued job with its seed tasks.
type Run struct {
	Job   crawler.Job
	Seeds []pipeline.Task
}

// Source yields queued runs.
type Source interface {
	Dequeue(ctx context.Context) (Run, error)
}

// Lifecycle is the slice of the tracker a worker drives.
type Lifecycle interface {
	Start(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) error
	Finish(ctx context.Context, jobID string) (crawler.JobStatus, error)
	Flush(ctx context.Context, jobID string) error
}

// EnvResolver builds the pipeline environment of a job.
type EnvResolver interface {
	Env(ctx context.Context, job crawler.Job) (pipeline.Env, error)
}

// Engine executes a job's pipeline.
type Engine interface {
	Run(ctx context.Context, env pipeline.Env, seeds []pipeline.Task) (local.Summary, error)
}

// Worker consumes queued runs one at a time.
type Worker struct {
	queue    Source
	jobs     Lifecycle
	resolver EnvResolver
	engine   Engine
	cancels  *Cancels
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue Source,
	jobs Lifecycle,
	resolver EnvResolver,
	engine Engine,
	cancels *Cancels,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cancels == nil {
		cancels = NewCancels()
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		resolver: resolver,
		engine:   engine,
		cancels:  cancels,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming runs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		run, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", run.Job.ID), zap.String("type", string(run.Job.Type)))
		w.process(ctx, run)
	}
}

func (w *Worker) process(ctx context.Context, run Run) {
	jobID := run.Job.ID
	logger := w.logger.With(zap.String("job_id", jobID))
	if err := w.jobs.Start(ctx, jobID); err != nil {
		if errors.Is(err, tracker.ErrJobTerminal) {
			logger.Info("skipping job that already finished")
			return
		}
		logger.Error("start job failed", zap.Error(err))
		return
	}

	env, err := w.resolver.Env(ctx, run.Job)
	if err != nil {
		logger.Error("resolve job environment failed", zap.Error(err))
		w.fail(ctx, jobID, err)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	w.cancels.Register(jobID, cancel)
	defer w.cancels.Done(jobID)
	defer cancel(nil)

	summary, err := w.engine.Run(jobCtx, env, run.Seeds)
	logger = logger.With(
		zap.Int64("processed", summary.Processed),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
	)
	detached := context.WithoutCancel(ctx)
	switch {
	case errors.Is(context.Cause(jobCtx), ErrCancelRequested):
		if err := w.jobs.Flush(detached, jobID); err != nil {
			logger.Warn("flush cancelled job counters failed", zap.Error(err))
		}
		logger.Info("job cancelled")
	case ctx.Err() != nil:
		w.fail(detached, jobID, ErrShutdown)
	case err != nil:
		logger.Warn("job failed", zap.Error(err))
		w.fail(detached, jobID, err)
	default:
		status, err := w.jobs.Finish(detached, jobID)
		if err != nil {
			logger.Error("finish job failed", zap.Error(err))
			return
		}
		logger.Info("job finished", zap.String("status", string(status)))
	}
}

func (w *Worker) fail(ctx context.Context, jobID string, cause error) {
	if err := w.jobs.Fail(context.WithoutCancel(ctx), jobID, cause); err != nil {
		w.logger.Error("fail job status update", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Cancels tracks the cancel functions of running jobs.
type Cancels struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewCancels returns an empty registry.
func NewCancels() *Cancels {
	return &Cancels{cancels: make(map[string]context.CancelCauseFunc)}
}

// Register records cancel for a running job.
func (c *Cancels) Register(jobID string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[jobID] = cancel
}

// Cancel stops a running job. It reports whether the job was running here.
func (c *Cancels) Cancel(jobID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

// Done forgets a finished job.
func (c *Cancels) Done(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, jobID)
}
