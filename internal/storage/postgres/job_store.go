package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const jobColumns = `id, type, status, mode, target_id, content_id, start_url, query, page_limit, item_limit,
	total, processed, success, failed, created_at, started_at, completed_at, error_message`

var logColumns = []string{"job_id", "severity", "stage", "message", "url", "detail", "at"}

var terminalStatuses = []string{
	string(crawler.JobStatusCompleted),
	string(crawler.JobStatusFailed),
	string(crawler.JobStatusCancelled),
}

// JobStore implements crawler.JobStore using Postgres. Status changes are
// conditional updates so concurrent workers never overwrite a terminal row.
type JobStore struct {
	pool dbPool
}

// NewJobStore wraps a pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Type), string(job.Status), string(job.Mode), job.TargetID, job.ContentID,
		job.StartURL, job.Query, job.PageLimit.String(), job.ItemLimit,
		job.Counters.Total, job.Counters.Processed, job.Counters.Success, job.Counters.Failed,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// MarkRunning moves a pending or paused job to running. started_at keeps its
// first value.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, $2)
WHERE id = $1 AND status IN ('pending', 'paused')`, jobID, at)
	if err != nil {
		return false, fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Transition moves a job whose status is one of from to to.
func (s *JobStore) Transition(ctx context.Context, jobID string, from []crawler.JobStatus, to crawler.JobStatus) (bool, error) {
	fromArgs := make([]string, len(from))
	for i, status := range from {
		fromArgs[i] = string(status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $3 WHERE id = $1 AND status = ANY($2)`,
		jobID, fromArgs, string(to))
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCounters applies counter deltas atomically.
func (s *JobStore) AddCounters(ctx context.Context, jobID string, delta crawler.Counters) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET
	total = total + $2,
	processed = processed + $3,
	success = success + $4,
	failed = failed + $5
WHERE id = $1`, jobID, delta.Total, delta.Processed, delta.Success, delta.Failed)
	if err != nil {
		return fmt.Errorf("add counters to job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add counters to job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// FinishJob sets a terminal status unless the row already has one.
func (s *JobStore) FinishJob(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	at time.Time,
	errMsg string,
) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $2, completed_at = $3, error_message = $4
WHERE id = $1 AND NOT (status = ANY($5))`, jobID, string(status), at, errMsg, terminalStatuses)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, mapErr(err))
	}
	return job, nil
}

// ListJobs returns jobs newest first, filtered by status and mode.
func (s *JobStore) ListJobs(ctx context.Context, query crawler.JobQuery) ([]crawler.Job, error) {
	var status *string
	if query.Status != nil {
		v := string(*query.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE ($1::text IS NULL OR status = $1) AND ($2 = '' OR mode = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, status, string(query.Mode), limitArg(query.Limit), max(query.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]crawler.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// AppendLogs bulk-loads entries with COPY.
func (s *JobStore) AppendLogs(ctx context.Context, entries []crawler.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.JobID, string(e.Severity), e.Stage, e.Message, e.URL, e.Detail, e.At}
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"job_logs"}, logColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy job logs: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("copy job logs: wrote %d of %d rows", n, len(entries))
	}
	return nil
}

// ListLogs returns the newest limit entries of a job, oldest first.
func (s *JobStore) ListLogs(ctx context.Context, jobID string, limit int) ([]crawler.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, job_id, severity, stage, message, url, detail, at FROM (
	SELECT * FROM job_logs WHERE job_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id`, jobID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list logs of job %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make([]crawler.LogEntry, 0)
	for rows.Next() {
		var (
			e        crawler.LogEntry
			severity string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &severity, &e.Stage, &e.Message, &e.URL, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Severity = crawler.Severity(severity)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job                          crawler.Job
		jobType, status, mode, limit string
	)
	err := row.Scan(
		&job.ID, &jobType, &status, &mode, &job.TargetID, &job.ContentID, &job.StartURL, &job.Query,
		&limit, &job.ItemLimit,
		&job.Counters.Total, &job.Counters.Processed, &job.Counters.Success, &job.Counters.Failed,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ErrorMessage,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Type = crawler.JobType(jobType)
	job.Status = crawler.JobStatus(status)
	job.Mode = crawler.ExecutionMode(mode)
	pageLimit, err := crawler.ParsePageLimit(limit)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.PageLimit = pageLimit
	if job.StartedAt != nil && job.CompletedAt != nil {
		job.Duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	return job, nil
}
