package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	oncePollInterval       = 500 * time.Millisecond
)

// ErrNotDistributed is returned when a worker is started in local mode.
var ErrNotDistributed = errors.New("worker requires mode=distributed")

// RunServe serves the HTTP API and runs the job executors and scheduler until
// ctx ends, then shuts everything down.
func (a *App) RunServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.runExecutors(gctx, g, a.cfg.Server.RunConsumers)
	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, a.shutdown())
}

// RunWorker consumes every stage queue until ctx ends.
func (a *App) RunWorker(ctx context.Context) error {
	if a.engine == nil {
		return ErrNotDistributed
	}
	g, gctx := errgroup.WithContext(ctx)
	a.runExecutors(gctx, g, true)
	err := g.Wait()
	return errors.Join(err, a.shutdown())
}

// RunOnce starts a full crawl of targetID, runs it to completion and returns
// the finished job.
func (a *App) RunOnce(ctx context.Context, targetID string, limit crawler.PageLimit, maxItems int) (crawler.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	a.runExecutors(gctx, g, true)

	job, err := a.awaitCrawl(gctx, targetID, limit, maxItems)
	cancel()
	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		err = errors.Join(err, waitErr)
	}
	return job, errors.Join(err, a.shutdown())
}

func (a *App) awaitCrawl(ctx context.Context, targetID string, limit crawler.PageLimit, maxItems int) (crawler.Job, error) {
	jobID, err := a.orchestrator.StartFullCrawl(ctx, targetID, limit, maxItems)
	if err != nil {
		if jobID == "" {
			return crawler.Job{}, err
		}
		job, getErr := a.orchestrator.GetJobStatus(context.WithoutCancel(ctx), jobID)
		return job, errors.Join(err, getErr)
	}
	a.logger.Info("crawl started", zap.String("job_id", jobID), zap.String("target_id", targetID))

	ticker := time.NewTicker(oncePollInterval)
	defer ticker.Stop()
	for {
		job, err := a.orchestrator.GetJobStatus(ctx, jobID)
		if err != nil {
			return crawler.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("wait for job %s: %w", jobID, context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

// runExecutors starts the local dispatcher or, when consume is set, the
// distributed stage consumers.
func (a *App) runExecutors(ctx context.Context, g *errgroup.Group, consume bool) {
	if a.dispatcher != nil {
		g.Go(func() error {
			a.logger.Info("dispatcher started")
			a.dispatcher.Run(ctx)
			return nil
		})
	}
	if a.engine != nil && consume {
		g.Go(func() error {
			a.logger.Info("distributed consumers started")
			if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("distributed engine: %w", err)
			}
			return nil
		})
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.logger.Info("closing components")
	return a.Close(ctx)
}
