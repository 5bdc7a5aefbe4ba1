package distributed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const monitorPageSize = 500

// Finisher derives and stores a job's terminal status.
type Finisher interface {
	Finish(ctx context.Context, jobID string) (crawler.JobStatus, error)
}

// Monitor finishes running distributed jobs whose counters show no
// outstanding work. Totals are raised before tasks are published and items
// are counted after final handling, so Processed == Total > 0 means drained.
// A lost message leaves the job running.
type Monitor struct {
	jobs     JobReader
	finisher Finisher
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor builds a Monitor polling every interval.
func NewMonitor(jobs JobReader, finisher Finisher, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{jobs: jobs, finisher: finisher, interval: interval, logger: logger.Named("monitor")}
}

// Run polls until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every running distributed job once and reports how many it
// finished.
func (m *Monitor) Sweep(ctx context.Context) int {
	running := crawler.JobStatusRunning
	finished := 0
	for offset := 0; ; offset += monitorPageSize {
		jobs, err := m.jobs.ListJobs(ctx, crawler.JobQuery{
			Status: &running,
			Mode:   crawler.ModeDistributed,
			Limit:  monitorPageSize,
			Offset: offset,
		})
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("list running jobs failed", zap.Error(err))
			}
			return finished
		}
		for _, job := range jobs {
			if !job.Counters.Drained() {
				continue
			}
			status, err := m.finisher.Finish(ctx, job.ID)
			if err != nil {
				m.logger.Warn("finish drained job failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			finished++
			m.logger.Info("job drained",
				zap.String("job_id", job.ID),
				zap.String("status", string(status)),
				zap.Int64("total", job.Counters.Total),
			)
		}
		if len(jobs) < monitorPageSize {
			return finished
		}
	}
}
