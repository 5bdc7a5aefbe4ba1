// Package scheduler starts periodic update jobs per target.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Entry schedules update runs of one target.
type Entry struct {
	TargetID  string        `mapstructure:"target_id"`
	Interval  time.Duration `mapstructure:"interval"`
	ItemLimit int           `mapstructure:"item_limit"`
}

// Starter is the slice of the orchestrator the scheduler needs.
type Starter interface {
	StartScheduledUpdate(ctx context.Context, targetID string, itemLimit int) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error)
}

// Scheduler fires each entry on its own ticker. A run is skipped while the
// previous job of the same entry is still active.
type Scheduler struct {
	starter Starter
	entries []Entry
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]string
}

// New validates entries and builds a Scheduler.
func New(starter Starter, entries []Entry, logger *zap.Logger) (*Scheduler, error) {
	for _, e := range entries {
		if e.TargetID == "" {
			return nil, errors.New("schedule entry requires a target id")
		}
		if e.Interval < time.Second {
			return nil, fmt.Errorf("schedule for %s: interval %s is below 1s", e.TargetID, e.Interval)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		starter: starter,
		entries: entries,
		logger:  logger.Named("scheduler"),
		last:    make(map[string]string),
	}, nil
}

// Run blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e Entry) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	s.logger.Info("schedule armed", zap.String("target_id", e.TargetID), zap.Duration("interval", e.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, e)
		}
	}
}

// Tick starts one scheduled update for e unless its previous job is active.
// It reports the started job id, or "" when nothing started.
func (s *Scheduler) Tick(ctx context.Context, e Entry) string {
	logger := s.logger.With(zap.String("target_id", e.TargetID))
	s.mu.Lock()
	prev := s.last[e.TargetID]
	s.mu.Unlock()
	if prev != "" {
		job, err := s.starter.GetJobStatus(ctx, prev)
		switch {
		case err != nil && !errors.Is(err, crawler.ErrNotFound):
			logger.Warn("check previous scheduled job", zap.String("job_id", prev), zap.Error(err))
			return ""
		case err == nil && !job.Status.Terminal():
			logger.Debug("previous scheduled job still active", zap.String("job_id", prev))
			return ""
		}
	}
	jobID, err := s.starter.StartScheduledUpdate(ctx, e.TargetID, e.ItemLimit)
	if err != nil {
		logger.Error("start scheduled update", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	s.mu.Lock()
	s.last[e.TargetID] = jobID
	s.mu.Unlock()
	logger.Info("scheduled update started", zap.String("job_id", jobID))
	return jobID
}
