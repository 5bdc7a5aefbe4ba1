// Package orchestrator creates crawl jobs, seeds their first stage and hands
// them to the configured engine. It also answers job status queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

var (
	// ErrTargetNotFound reports an unknown target id.
	ErrTargetNotFound = fmt.Errorf("target %w", crawler.ErrNotFound)
	// ErrContentNotFound reports an unknown content id.
	ErrContentNotFound = fmt.Errorf("content %w", crawler.ErrNotFound)
	// ErrJobNotFound reports an unknown job id.
	ErrJobNotFound = fmt.Errorf("job %w", crawler.ErrNotFound)
	// ErrInvalidInput rejects malformed start requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Launcher runs a created job on an engine.
type Launcher interface {
	Launch(ctx context.Context, job crawler.Job, seeds []pipeline.Task) error
	Cancel(jobID string)
}

// Jobs is the slice of the tracker the orchestrator drives.
type Jobs interface {
	Create(ctx context.Context, req tracker.CreateRequest) (crawler.Job, error)
	Fail(ctx context.Context, jobID string, cause error) error
	Cancel(ctx context.Context, jobID, reason string) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
}

// JobReader answers status queries.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
	ListJobs(ctx context.Context, query crawler.JobQuery) ([]crawler.Job, error)
	ListLogs(ctx context.Context, jobID string, limit int) ([]crawler.LogEntry, error)
}

// Contents reads persisted series for update jobs.
type Contents interface {
	GetContent(ctx context.Context, contentID string) (crawler.Content, error)
	ListContent(ctx context.Context, targetID string, limit int) ([]crawler.Content, error)
}

// Orchestrator is the entry point for starting and inspecting jobs.
type Orchestrator struct {
	mode     crawler.ExecutionMode
	targets  pipeline.TargetLookup
	registry *crawler.Registry
	jobs     Jobs
	reader   JobReader
	contents Contents
	launcher Launcher
	logger   *zap.Logger
}

// New wires an Orchestrator. mode is recorded on every job it creates.
func New(
	mode crawler.ExecutionMode,
	targets pipeline.TargetLookup,
	registry *crawler.Registry,
	jobs Jobs,
	reader JobReader,
	contents Contents,
	launcher Launcher,
	logger *zap.Logger,
) *Orchestrator {
	if mode == "" {
		mode = crawler.ModeLocal
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		mode:     mode,
		targets:  targets,
		registry: registry,
		jobs:     jobs,
		reader:   reader,
		contents: contents,
		launcher: launcher,
		logger:   logger.Named("orchestrator"),
	}
}

// StartFullCrawl sweeps the target's listing and ingests content not seen
// before. maxItems of zero means no cap.
func (o *Orchestrator) StartFullCrawl(ctx context.Context, targetID string, limit crawler.PageLimit, maxItems int) (string, error) {
	if maxItems < 0 {
		return "", fmt.Errorf("%w: max_items must be >= 0", ErrInvalidInput)
	}
	req := tracker.CreateRequest{Type: crawler.JobTypeFullCrawl, TargetID: targetID, PageLimit: limit, ItemLimit: maxItems}
	return o.start(ctx, req, func(_ context.Context, job crawler.Job) ([]pipeline.Task, error) {
		return []pipeline.Task{pipeline.ListTask(crawler.ListPageTask{
			TargetID:     job.TargetID,
			JobID:        job.ID,
			PageNumber:   1,
			SkipExisting: true,
		})}, nil
	})
}

// StartSearch ingests the results of a site search.
func (o *Orchestrator) StartSearch(ctx context.Context, targetID, query string, maxItems int) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if maxItems < 0 {
		return "", fmt.Errorf("%w: max_items must be >= 0", ErrInvalidInput)
	}
	req := tracker.CreateRequest{
		Type:      crawler.JobTypeSearchAndCrawl,
		TargetID:  targetID,
		Query:     query,
		PageLimit: crawler.AllPages(),
		ItemLimit: maxItems,
	}
	return o.start(ctx, req, func(_ context.Context, job crawler.Job) ([]pipeline.Task, error) {
		return []pipeline.Task{pipeline.ListTask(crawler.ListPageTask{
			TargetID:     job.TargetID,
			JobID:        job.ID,
			PageNumber:   1,
			Query:        job.Query,
			SkipExisting: true,
		})}, nil
	})
}

// StartSingleItem ingests one series page, re-fetching it even if known.
func (o *Orchestrator) StartSingleItem(ctx context.Context, targetID, sourceURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidInput)
	}
	req := tracker.CreateRequest{Type: crawler.JobTypeSingleItem, TargetID: targetID, StartURL: u.String()}
	return o.start(ctx, req, func(_ context.Context, job crawler.Job) ([]pipeline.Task, error) {
		return []pipeline.Task{pipeline.MangaTask(crawler.MangaTask{
			TargetID:  job.TargetID,
			JobID:     job.ID,
			SourceURL: job.StartURL,
		})}, nil
	})
}

// StartUpdateAllKnown refreshes the chapter lists of up to itemLimit
// persisted series. A target with nothing persisted completes at once.
//
// The job is recorded as update_item with an empty ContentID; StartUpdateItem
// records the same type with ContentID set, so listings tell a target-wide
// sweep from a single-series update by ContentID. Sweeps started by the
// scheduler are recorded as scheduled_update instead.
func (o *Orchestrator) StartUpdateAllKnown(ctx context.Context, targetID string, itemLimit int) (string, error) {
	return o.startRefresh(ctx, crawler.JobTypeUpdateItem, targetID, itemLimit)
}

// StartScheduledUpdate is StartUpdateAllKnown recorded as a scheduled job.
func (o *Orchestrator) StartScheduledUpdate(ctx context.Context, targetID string, itemLimit int) (string, error) {
	return o.startRefresh(ctx, crawler.JobTypeScheduledUpdate, targetID, itemLimit)
}

func (o *Orchestrator) startRefresh(ctx context.Context, jobType crawler.JobType, targetID string, itemLimit int) (string, error) {
	if itemLimit < 0 {
		return "", fmt.Errorf("%w: item_limit must be >= 0", ErrInvalidInput)
	}
	req := tracker.CreateRequest{Type: jobType, TargetID: targetID, ItemLimit: itemLimit}
	return o.start(ctx, req, func(ctx context.Context, job crawler.Job) ([]pipeline.Task, error) {
		contents, err := o.contents.ListContent(ctx, job.TargetID, job.ItemLimit)
		if err != nil {
			return nil, fmt.Errorf("list known content: %w", err)
		}
		seeds := make([]pipeline.Task, 0, len(contents))
		for _, content := range contents {
			seeds = append(seeds, refreshTask(job, content))
		}
		return seeds, nil
	})
}

// StartUpdateItem refreshes the chapter list of one persisted series.
func (o *Orchestrator) StartUpdateItem(ctx context.Context, contentID string) (string, error) {
	content, err := o.contents.GetContent(ctx, contentID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrContentNotFound, contentID)
		}
		return "", fmt.Errorf("get content %s: %w", contentID, err)
	}
	req := tracker.CreateRequest{
		Type:      crawler.JobTypeUpdateItem,
		TargetID:  content.TargetID,
		ContentID: content.ID,
		StartURL:  content.SourceURL,
	}
	return o.start(ctx, req, func(_ context.Context, job crawler.Job) ([]pipeline.Task, error) {
		return []pipeline.Task{refreshTask(job, content)}, nil
	})
}

func refreshTask(job crawler.Job, content crawler.Content) pipeline.Task {
	return pipeline.ChapterTask(crawler.ChapterTask{
		TargetID:        job.TargetID,
		JobID:           job.ID,
		ParentContentID: content.ID,
		SourceURL:       content.SourceURL,
		Title:           content.Title,
		SkipExisting:    true,
	})
}

type seeder func(ctx context.Context, job crawler.Job) ([]pipeline.Task, error)

// start creates the job, then seeds and launches it. Once the job exists
// every failure is recorded on it and its id is returned with the error.
func (o *Orchestrator) start(ctx context.Context, req tracker.CreateRequest, seed seeder) (string, error) {
	target, ok := o.targets.Target(req.TargetID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, req.TargetID)
	}
	req.Mode = o.mode
	job, err := o.jobs.Create(ctx, req)
	if err != nil {
		return "", err
	}
	logger := o.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("target_id", target.ID),
	)

	if o.registry == nil || !o.registry.Has(target.CrawlerID) {
		fatal := crawler.NewFatalConfig("no crawler registered for %q (target %s)", target.CrawlerID, target.ID)
		o.failJob(ctx, job.ID, fatal, logger)
		return job.ID, fatal
	}
	seeds, err := seed(ctx, job)
	if err != nil {
		o.failJob(ctx, job.ID, err, logger)
		return job.ID, fmt.Errorf("seed job %s: %w", job.ID, err)
	}
	if len(seeds) == 1 {
		seeds[0].Root = true
	}
	if err := o.launcher.Launch(ctx, job, seeds); err != nil {
		o.failJob(ctx, job.ID, err, logger)
		return job.ID, fmt.Errorf("launch job %s: %w", job.ID, err)
	}
	logger.Info("job launched", zap.Int("seeds", len(seeds)), zap.String("mode", string(job.Mode)))
	return job.ID, nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error, logger *zap.Logger) {
	logger.Warn("job failed to start", zap.Error(cause))
	if err := o.jobs.Fail(context.WithoutCancel(ctx), jobID, cause); err != nil {
		logger.Error("record start failure", zap.Error(err))
	}
}

// GetJobStatus returns the job with its current counters.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := o.reader.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs pages through jobs, newest first. page is 1-based.
func (o *Orchestrator) ListJobs(ctx context.Context, page, pageSize int, status *crawler.JobStatus) ([]crawler.Job, error) {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	jobs, err := o.reader.ListJobs(ctx, crawler.JobQuery{
		Status: status,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// JobLogs returns the newest log entries of a job in chronological order.
func (o *Orchestrator) JobLogs(ctx context.Context, jobID string, limit int) ([]crawler.LogEntry, error) {
	if _, err := o.GetJobStatus(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	entries, err := o.reader.ListLogs(ctx, jobID, min(limit, maxLogLimit))
	if err != nil {
		return nil, fmt.Errorf("list logs for job %s: %w", jobID, err)
	}
	return entries, nil
}

// CancelJob marks the job cancelled and stops any local run of it.
// Distributed consumers drop the job's remaining tasks.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	if _, err := o.GetJobStatus(ctx, jobID); err != nil {
		return err
	}
	if err := o.jobs.Cancel(ctx, jobID, "cancelled by request"); err != nil {
		return err
	}
	o.launcher.Cancel(jobID)
	o.logger.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// PauseJob marks a running job paused.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID string) error {
	if _, err := o.GetJobStatus(ctx, jobID); err != nil {
		return err
	}
	return o.jobs.Pause(ctx, jobID)
}

// ResumeJob moves a paused job back to running.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) error {
	if _, err := o.GetJobStatus(ctx, jobID); err != nil {
		return err
	}
	return o.jobs.Resume(ctx, jobID)
}
