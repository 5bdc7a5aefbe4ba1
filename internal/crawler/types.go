package crawler

import (
	"net/http"
	"time"
)

// JobType identifies what kind of crawl a job performs.
type JobType string

// Supported job types.
const (
	JobTypeFullCrawl       JobType = "full_crawl"
	JobTypeSingleItem      JobType = "single_item"
	JobTypeUpdateItem      JobType = "update_item"
	JobTypeSearchAndCrawl  JobType = "search_and_crawl"
	JobTypeScheduledUpdate JobType = "scheduled_update"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed ||
			next == JobStatusCancelled || next == JobStatusPaused
	case JobStatusPaused:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	default:
		return false
	}
}

// ParseJobStatus validates a user supplied status filter.
func ParseJobStatus(raw string) (JobStatus, bool) {
	status := JobStatus(raw)
	switch status {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled, JobStatusPaused:
		return status, true
	default:
		return "", false
	}
}

// ExecutionMode names the pipeline topology a job runs on.
type ExecutionMode string

// Execution modes.
const (
	ModeLocal       ExecutionMode = "local"
	ModeDistributed ExecutionMode = "distributed"
)

// RateHints carries per-target politeness settings.
type RateHints struct {
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"rps"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// RenderMode controls whether a target needs a JavaScript capable fetcher.
type RenderMode string

// Render modes.
const (
	RenderNever  RenderMode = "never"
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
)

// CrawlTarget is a source site plus the crawler capability bound to it.
type CrawlTarget struct {
	ID          string            `json:"id" mapstructure:"id"`
	Name        string            `json:"name" mapstructure:"name"`
	BaseURL     string            `json:"base_url" mapstructure:"base_url"`
	StartURL    string            `json:"start_url" mapstructure:"start_url"`
	CrawlerID   string            `json:"crawler" mapstructure:"crawler"`
	RateLimit   RateHints         `json:"rate_limit" mapstructure:"rate_limit"`
	Render      RenderMode        `json:"render" mapstructure:"render"`
	MirrorPages bool              `json:"mirror_pages" mapstructure:"mirror_pages"`
	Options     map[string]string `json:"options,omitempty" mapstructure:"options"`
}

// Option returns a crawler specific option or the fallback.
func (t CrawlTarget) Option(key, fallback string) string {
	if v, ok := t.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Counters tracks item accounting for a job.
//
// Total counts every work item handed to a stage, Processed counts items whose
// handling finished, and Success/Failed split Processed by outcome.
type Counters struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
}

// Add returns the element-wise sum of c and delta.
func (c Counters) Add(delta Counters) Counters {
	return Counters{
		Total:     c.Total + delta.Total,
		Processed: c.Processed + delta.Processed,
		Success:   c.Success + delta.Success,
		Failed:    c.Failed + delta.Failed,
	}
}

// IsZero reports whether no counter is set.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Drained reports whether every handed-off item has been processed.
func (c Counters) Drained() bool {
	return c.Total > 0 && c.Processed >= c.Total
}

// Job represents the metadata persisted for each crawl request.
type Job struct {
	ID           string        `json:"id"`
	Type         JobType       `json:"type"`
	Status       JobStatus     `json:"status"`
	Mode         ExecutionMode `json:"mode"`
	TargetID     string        `json:"target_id"`
	ContentID    string        `json:"content_id,omitempty"`
	StartURL     string        `json:"start_url,omitempty"`
	Query        string        `json:"query,omitempty"`
	PageLimit    PageLimit     `json:"page_limit"`
	ItemLimit    int           `json:"item_limit,omitempty"`
	Counters     Counters      `json:"counters"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// JobQuery filters job listings.
type JobQuery struct {
	Status *JobStatus
	Mode   ExecutionMode
	Limit  int
	Offset int
}

// Severity grades a job log entry.
type Severity string

// Log severities, lowest to highest.
const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LogEntry is one append-only line in a job's log.
type LogEntry struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	Severity Severity  `json:"severity"`
	Stage    string    `json:"stage,omitempty"`
	Message  string    `json:"message"`
	URL      string    `json:"url,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// ListPageTask asks the List stage to sweep result pages starting at PageNumber.
type ListPageTask struct {
	TargetID     string `json:"target_id"`
	JobID        string `json:"job_id"`
	PageNumber   int    `json:"page_number"`
	Query        string `json:"query,omitempty"`
	SkipExisting bool   `json:"skip_existing"`
}

// MangaTask asks the Manga stage to ingest one content item.
type MangaTask struct {
	TargetID     string `json:"target_id"`
	JobID        string `json:"job_id"`
	SourceURL    string `json:"source_url"`
	ExternalID   string `json:"external_id,omitempty"`
	SkipExisting bool   `json:"skip_existing"`
}

// ChapterTask asks the Chapter stage to ingest one chapter, or to refresh the
// chapter list of ParentContentID when ExternalChapterID is empty.
type ChapterTask struct {
	TargetID          string     `json:"target_id"`
	JobID             string     `json:"job_id"`
	ParentContentID   string     `json:"parent_content_id"`
	SourceURL         string     `json:"source_url"`
	Title             string     `json:"title,omitempty"`
	Number            string     `json:"number,omitempty"`
	Volume            string     `json:"volume,omitempty"`
	Language          string     `json:"language,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	ExternalChapterID string     `json:"external_chapter_id,omitempty"`
	SkipExisting      bool       `json:"skip_existing"`
}

// Refresh reports whether the task discovers chapters instead of ingesting one.
func (t ChapterTask) Refresh() bool {
	return t.ExternalChapterID == ""
}

// PageTask asks the Page stage to discover and record a chapter's page URLs.
type PageTask struct {
	TargetID  string `json:"target_id"`
	JobID     string `json:"job_id"`
	ChapterID string `json:"chapter_id"`
	SourceURL string `json:"source_url"`
}

// ListItem is one entry discovered on a result page.
type ListItem struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// ListPage is one parsed result page.
type ListPage struct {
	Items      []ListItem
	TotalPages int
}

// ContentData is the detail payload scraped for a content item.
type ContentData struct {
	ExternalID  string   `json:"external_id"`
	Title       string   `json:"title"`
	AltTitles   []string `json:"alt_titles,omitempty"`
	Description string   `json:"description,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
	SourceURL   string   `json:"source_url"`
}

// Key is the upsert key within the target: the external id, or the source
// URL for sites that expose none.
func (d ContentData) Key() string {
	if d.ExternalID != "" {
		return d.ExternalID
	}
	return d.SourceURL
}

// ChapterData is one chapter scraped from a content item's chapter list.
type ChapterData struct {
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title,omitempty"`
	Number      string     `json:"number,omitempty"`
	Volume      string     `json:"volume,omitempty"`
	Language    string     `json:"language,omitempty"`
	SourceURL   string     `json:"source_url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Key is the upsert key within the parent content item.
func (d ChapterData) Key() string {
	if d.ExternalID != "" {
		return d.ExternalID
	}
	return d.SourceURL
}

// Content is a persisted content item (a series).
type Content struct {
	ContentData
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chapter is a persisted chapter.
type Chapter struct {
	ChapterData
	ID        string    `json:"id"`
	ContentID string    `json:"content_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page is one recorded page image of a chapter. Number follows list position.
type Page struct {
	ChapterID string `json:"chapter_id"`
	Number    int    `json:"number"`
	URL       string `json:"url"`
	BlobURI   string `json:"blob_uri,omitempty"`
}

// ScopeKind identifies the namespace external ids are unique within.
type ScopeKind string

// Dedup scopes.
const (
	// ScopeTarget scopes content external ids to a target.
	ScopeTarget ScopeKind = "target"
	// ScopeContent scopes chapter external ids to a content item.
	ScopeContent ScopeKind = "content"
)

// DedupScope names one external id namespace.
type DedupScope struct {
	Kind ScopeKind
	ID   string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Accept  string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
