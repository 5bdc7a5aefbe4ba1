package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// JobStore keeps jobs and their logs in process memory for development and
// tests.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]crawler.Job
	logs   map[string][]crawler.LogEntry
	logSeq int
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
		logs: make(map[string][]crawler.LogEntry),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// MarkRunning moves a pending or paused job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if job.Status != crawler.JobStatusPending && job.Status != crawler.JobStatusPaused {
		return false, nil
	}
	job.Status = crawler.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = pointerTime(at)
	}
	s.jobs[jobID] = job
	return true, nil
}

// Transition moves a job whose status is one of from to to.
func (s *JobStore) Transition(_ context.Context, jobID string, from []crawler.JobStatus, to crawler.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return false, nil
	}
	job.Status = to
	s.jobs[jobID] = job
	return true, nil
}

// AddCounters applies counter deltas.
func (s *JobStore) AddCounters(_ context.Context, jobID string, delta crawler.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	job.Counters = job.Counters.Add(delta)
	s.jobs[jobID] = job
	return nil
}

// FinishJob sets a terminal status unless the job already has one.
func (s *JobStore) FinishJob(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	at time.Time,
	errMsg string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.CompletedAt = pointerTime(at)
	job.ErrorMessage = errMsg
	if job.StartedAt != nil {
		job.Duration = at.Sub(*job.StartedAt)
	}
	s.jobs[jobID] = job
	return true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs newest first, filtered by status and mode.
func (s *JobStore) ListJobs(_ context.Context, query crawler.JobQuery) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if query.Status != nil && job.Status != *query.Status {
			continue
		}
		if query.Mode != "" && job.Mode != query.Mode {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []crawler.Job{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// AppendLogs appends entries, assigning sequential ids where missing.
func (s *JobStore) AppendLogs(_ context.Context, entries []crawler.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.ID == "" {
			s.logSeq++
			entry.ID = fmt.Sprintf("log-%d", s.logSeq)
		}
		s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	}
	return nil
}

// ListLogs returns up to limit entries for a job, oldest first.
func (s *JobStore) ListLogs(_ context.Context, jobID string, limit int) ([]crawler.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs[jobID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := make([]crawler.LogEntry, len(logs))
	copy(out, logs)
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
