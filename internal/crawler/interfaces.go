package crawler

import (
	"context"
	"io"
	"time"
)

// PersistenceGateway is the content repository the pipeline writes through.
// Every write is an idempotent upsert keyed by (scope, external id).
type PersistenceGateway interface {
	UpsertContent(ctx context.Context, data ContentData, targetID string) (Content, error)
	UpsertChapter(ctx context.Context, data ChapterData, contentID string) (Chapter, error)
	// SavePages records page URLs numbered by list position, skipping URLs
	// already recorded for the chapter, and returns how many were new.
	SavePages(ctx context.Context, chapterID string, urls []string) (int, error)
	AttachPageBlob(ctx context.Context, chapterID, url, blobURI string) error
	ExistingExternalIDs(ctx context.Context, scope DedupScope, candidates []string) (map[string]struct{}, error)
	ContentExists(ctx context.Context, targetID, externalID string) (bool, error)
	GetContent(ctx context.Context, contentID string) (Content, error)
	ListContent(ctx context.Context, targetID string, limit int) ([]Content, error)
}

// SiteCrawler is the per-target fetch and parse capability.
type SiteCrawler interface {
	FetchList(ctx context.Context, startURL string, page int) (ListPage, error)
	FetchDetail(ctx context.Context, url string) (ContentData, error)
	FetchChapters(ctx context.Context, url string) ([]ChapterData, error)
	FetchPageURLs(ctx context.Context, chapterURL string) ([]string, error)
	DownloadPage(ctx context.Context, url string) ([]byte, error)
}

// Searcher is implemented by crawlers whose site offers a search endpoint.
type Searcher interface {
	Search(ctx context.Context, query string, page int) (ListPage, error)
}

// JobStore persists jobs and their logs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// MarkRunning moves a pending or paused job to running, setting StartedAt
	// only the first time. It reports whether the row changed.
	MarkRunning(ctx context.Context, jobID string, at time.Time) (bool, error)
	// Transition moves a job from one of from to to, reporting whether it did.
	Transition(ctx context.Context, jobID string, from []JobStatus, to JobStatus) (bool, error)
	AddCounters(ctx context.Context, jobID string, delta Counters) error
	// FinishJob sets a terminal status once; later calls report false.
	FinishJob(ctx context.Context, jobID string, status JobStatus, at time.Time, errMsg string) (bool, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, query JobQuery) ([]Job, error)
	AppendLogs(ctx context.Context, entries []LogEntry) error
	ListLogs(ctx context.Context, jobID string, limit int) ([]LogEntry, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a probe response needs a JavaScript render.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
