// Package tracker owns the job state machine, the buffered progress counters
// and the fire-and-forget job log.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
)

const (
	defaultFlushEvery    = 10
	defaultNotifyTimeout = 5 * time.Second
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrJobTerminal is returned when starting a job that already finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrNegativeDelta rejects progress deltas that would decrease a counter.
	ErrNegativeDelta = errors.New("progress deltas must be non-negative")
)

// Config tunes the tracker.
type Config struct {
	// FlushEvery flushes buffered counters after this many processed items.
	FlushEvery int
	// NotifyTopic receives job-finished notifications; empty disables them.
	NotifyTopic   string
	NotifyTimeout time.Duration
}

// CreateRequest describes a job to create.
type CreateRequest struct {
	Type      crawler.JobType
	Mode      crawler.ExecutionMode
	TargetID  string
	ContentID string
	StartURL  string
	Query     string
	PageLimit crawler.PageLimit
	ItemLimit int
}

// Finished is the notification payload published when a job ends.
type Finished struct {
	JobID        string            `json:"job_id"`
	TargetID     string            `json:"target_id"`
	Type         crawler.JobType   `json:"type"`
	Status       crawler.JobStatus `json:"status"`
	Counters     crawler.Counters  `json:"counters"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Tracker mutates jobs through a crawler.JobStore. Counter deltas are
// buffered per job and flushed in batches.
type Tracker struct {
	store     crawler.JobStore
	events    progress.Emitter
	publisher crawler.Publisher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
	cfg       Config

	mu      sync.Mutex
	pending map[string]crawler.Counters
}

// New builds a Tracker. events and publisher may be nil.
func New(
	store crawler.JobStore,
	events progress.Emitter,
	publisher crawler.Publisher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
	cfg Config,
) *Tracker {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:     store,
		events:    events,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("tracker"),
		cfg:       cfg,
		pending:   make(map[string]crawler.Counters),
	}
}

// Create persists a pending job.
func (t *Tracker) Create(ctx context.Context, req CreateRequest) (crawler.Job, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = crawler.ModeLocal
	}
	job := crawler.Job{
		ID:        id,
		Type:      req.Type,
		Status:    crawler.JobStatusPending,
		Mode:      mode,
		TargetID:  req.TargetID,
		ContentID: req.ContentID,
		StartURL:  req.StartURL,
		Query:     req.Query,
		PageLimit: req.PageLimit,
		ItemLimit: req.ItemLimit,
		CreatedAt: t.clock.Now(),
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Start moves a job to running. StartedAt is set on the first call only and
// repeated calls on a running job are no-ops.
func (t *Tracker) Start(ctx context.Context, jobID string) error {
	changed, err := t.store.MarkRunning(ctx, jobID, t.clock.Now())
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	if changed {
		t.emit(progress.Event{JobID: jobID, Kind: progress.KindJobStart})
		return nil
	}
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("start job %s: %w", jobID, ErrJobTerminal)
	}
	return nil
}

// AddTotal raises the job's total immediately. Callers invoke it before
// handing the counted items to a stage.
func (t *Tracker) AddTotal(ctx context.Context, jobID string, n int64) error {
	if n < 0 {
		return ErrNegativeDelta
	}
	if n == 0 {
		return nil
	}
	if err := t.store.AddCounters(ctx, jobID, crawler.Counters{Total: n}); err != nil {
		return fmt.Errorf("add total for job %s: %w", jobID, err)
	}
	return nil
}

// RecordProgress buffers counter deltas and flushes once FlushEvery items
// have been processed since the last flush.
func (t *Tracker) RecordProgress(ctx context.Context, jobID string, processed, success, failed int64) error {
	if processed < 0 || success < 0 || failed < 0 {
		return ErrNegativeDelta
	}
	if success+failed > processed {
		return fmt.Errorf("record progress: success+failed %d exceeds processed %d", success+failed, processed)
	}
	t.mu.Lock()
	buffered := t.pending[jobID].Add(crawler.Counters{Processed: processed, Success: success, Failed: failed})
	t.pending[jobID] = buffered
	due := buffered.Processed >= int64(t.cfg.FlushEvery)
	t.mu.Unlock()
	if due {
		return t.Flush(ctx, jobID)
	}
	return nil
}

// ItemDone records one finished work item of stage.
func (t *Tracker) ItemDone(ctx context.Context, jobID, stage string, ok bool) error {
	var success, failed int64 = 1, 0
	if !ok {
		success, failed = 0, 1
	}
	t.emit(progress.Event{JobID: jobID, Kind: progress.KindItem, Stage: stage, Failed: !ok})
	return t.RecordProgress(ctx, jobID, 1, success, failed)
}

// Flush writes the job's buffered deltas.
func (t *Tracker) Flush(ctx context.Context, jobID string) error {
	t.mu.Lock()
	delta := t.pending[jobID]
	delete(t.pending, jobID)
	t.mu.Unlock()
	if delta.IsZero() {
		return nil
	}
	if err := t.store.AddCounters(ctx, jobID, delta); err != nil {
		t.mu.Lock()
		t.pending[jobID] = t.pending[jobID].Add(delta)
		t.mu.Unlock()
		return fmt.Errorf("flush counters for job %s: %w", jobID, err)
	}
	return nil
}

// FlushAll writes every job's buffered deltas.
func (t *Tracker) FlushAll(ctx context.Context) error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := t.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Complete marks the job completed.
func (t *Tracker) Complete(ctx context.Context, jobID string) error {
	_, err := t.finish(ctx, jobID, crawler.JobStatusCompleted, "")
	return err
}

// Fail marks the job failed. The stored message is never empty.
func (t *Tracker) Fail(ctx context.Context, jobID string, cause error) error {
	msg := "job failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	_, err := t.finish(ctx, jobID, crawler.JobStatusFailed, msg)
	return err
}

// Cancel marks the job cancelled. It reports ErrInvalidTransition when the
// job already finished.
func (t *Tracker) Cancel(ctx context.Context, jobID, reason string) error {
	changed, err := t.finish(ctx, jobID, crawler.JobStatusCancelled, reason)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("cancel job %s: %w", jobID, ErrInvalidTransition)
	}
	return nil
}

// Finish derives the terminal status from the counters: a job whose every
// processed item failed is Failed, anything else is Completed.
func (t *Tracker) Finish(ctx context.Context, jobID string) (crawler.JobStatus, error) {
	if err := t.Flush(ctx, jobID); err != nil {
		return "", err
	}
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("finish job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return job.Status, nil
	}
	status, msg := Outcome(job.Counters)
	if _, err := t.finish(ctx, jobID, status, msg); err != nil {
		return "", err
	}
	return status, nil
}

// Outcome maps final counters to a terminal status and error message.
func Outcome(c crawler.Counters) (crawler.JobStatus, string) {
	if c.Success == 0 && c.Failed > 0 {
		return crawler.JobStatusFailed, fmt.Sprintf("no items were ingested: %d of %d failed", c.Failed, c.Processed)
	}
	return crawler.JobStatusCompleted, ""
}

// Pause moves a running job to paused.
func (t *Tracker) Pause(ctx context.Context, jobID string) error {
	return t.transition(ctx, jobID, crawler.JobStatusRunning, crawler.JobStatusPaused)
}

// Resume moves a paused job back to running.
func (t *Tracker) Resume(ctx context.Context, jobID string) error {
	return t.transition(ctx, jobID, crawler.JobStatusPaused, crawler.JobStatusRunning)
}

// Log appends a job log entry without blocking. Delivery is best effort.
func (t *Tracker) Log(jobID string, severity crawler.Severity, stage, msg, url string, cause error) {
	evt := progress.Event{
		JobID:    jobID,
		Kind:     progress.KindLog,
		Stage:    stage,
		Severity: severity,
		Message:  msg,
		URL:      url,
	}
	if cause != nil {
		evt.Detail = cause.Error()
	}
	t.emit(evt)
}

func (t *Tracker) transition(ctx context.Context, jobID string, from, to crawler.JobStatus) error {
	changed, err := t.store.Transition(ctx, jobID, []crawler.JobStatus{from}, to)
	if err != nil {
		return fmt.Errorf("move job %s to %s: %w", jobID, to, err)
	}
	if !changed {
		return fmt.Errorf("move job %s to %s: %w", jobID, to, ErrInvalidTransition)
	}
	return nil
}

// finish flushes counters and persists the terminal status once. It reports
// whether this call performed the transition.
func (t *Tracker) finish(ctx context.Context, jobID string, status crawler.JobStatus, msg string) (bool, error) {
	if err := t.Flush(ctx, jobID); err != nil {
		t.logger.Warn("flush before finish failed", zap.String("job_id", jobID), zap.Error(err))
	}
	at := t.clock.Now()
	changed, err := t.store.FinishJob(ctx, jobID, status, at, msg)
	if err != nil {
		return false, fmt.Errorf("finish job %s as %s: %w", jobID, status, err)
	}
	if !changed {
		return false, nil
	}
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		t.logger.Warn("load finished job failed", zap.String("job_id", jobID), zap.Error(err))
		return true, nil
	}
	t.emit(progress.Event{JobID: jobID, Kind: progress.KindJobDone, Status: status, Dur: job.Duration})
	t.notify(job, at)
	return true, nil
}

func (t *Tracker) notify(job crawler.Job, at time.Time) {
	if t.publisher == nil || t.cfg.NotifyTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.NotifyTimeout)
	defer cancel()
	payload := Finished{
		JobID:        job.ID,
		TargetID:     job.TargetID,
		Type:         job.Type,
		Status:       job.Status,
		Counters:     job.Counters,
		ErrorMessage: job.ErrorMessage,
		CompletedAt:  at,
	}
	if _, err := t.publisher.Publish(ctx, t.cfg.NotifyTopic, payload); err != nil {
		t.logger.Warn("publish job finished failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (t *Tracker) emit(evt progress.Event) {
	if t.events == nil {
		return
	}
	evt.TS = t.clock.Now()
	t.events.Emit(evt)
}
