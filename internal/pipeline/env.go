package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const defaultPageConcurrency = 5

// JobLogger appends job log entries without blocking the caller.
type JobLogger interface {
	Log(jobID string, severity crawler.Severity, stage, msg, url string, err error)
}

// Env is everything a unit needs to process tasks of one job.
type Env struct {
	Job     crawler.Job
	Target  crawler.CrawlTarget
	Crawler crawler.SiteCrawler
	Store   crawler.PersistenceGateway
	Log     JobLogger
	// Blobs and Hasher are optional; page mirroring is skipped without them.
	Blobs  crawler.BlobStore
	Hasher crawler.Hasher
	Retry  crawler.RetryPolicy
	// PageConcurrency bounds the List stage's parallel result page fetches.
	PageConcurrency int
}

func (e Env) log(severity crawler.Severity, stage Stage, msg, url string, err error) {
	if e.Log == nil {
		return
	}
	e.Log.Log(e.Job.ID, severity, string(stage), msg, url, err)
}

func (e Env) retry() crawler.RetryPolicy {
	if e.Retry == nil {
		return crawler.NewLinearRetryPolicy(0, 0)
	}
	return e.Retry
}

// TargetLookup finds configured targets by id.
type TargetLookup interface {
	Target(id string) (crawler.CrawlTarget, bool)
}

// Resolver builds the Env for a job. Crawlers are resolved through the
// registry once per target and cached.
type Resolver struct {
	Targets         TargetLookup
	Registry        *crawler.Registry
	Deps            crawler.Deps
	Store           crawler.PersistenceGateway
	Log             JobLogger
	Blobs           crawler.BlobStore
	Hasher          crawler.Hasher
	Retry           crawler.RetryPolicy
	PageConcurrency int

	mu       sync.Mutex
	crawlers map[string]crawler.SiteCrawler
}

// Crawler resolves the crawler bound to target.
func (r *Resolver) Crawler(target crawler.CrawlTarget) (crawler.SiteCrawler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.crawlers[target.ID]; ok {
		return sc, nil
	}
	if r.Registry == nil {
		return nil, crawler.NewFatalConfig("no crawler registry configured")
	}
	sc, err := r.Registry.Resolve(target, r.Deps)
	if err != nil {
		return nil, err
	}
	if r.crawlers == nil {
		r.crawlers = make(map[string]crawler.SiteCrawler)
	}
	r.crawlers[target.ID] = sc
	return sc, nil
}

// Target looks up a target, reporting unknown ids as fatal.
func (r *Resolver) Target(id string) (crawler.CrawlTarget, error) {
	if r.Targets == nil {
		return crawler.CrawlTarget{}, crawler.NewFatalConfig("no targets configured")
	}
	target, ok := r.Targets.Target(id)
	if !ok {
		return crawler.CrawlTarget{}, crawler.NewFatalConfig("unknown target %q", id)
	}
	return target, nil
}

// Env builds the environment for job.
func (r *Resolver) Env(_ context.Context, job crawler.Job) (Env, error) {
	target, err := r.Target(job.TargetID)
	if err != nil {
		return Env{}, fmt.Errorf("resolve env for job %s: %w", job.ID, err)
	}
	sc, err := r.Crawler(target)
	if err != nil {
		return Env{}, fmt.Errorf("resolve env for job %s: %w", job.ID, err)
	}
	concurrency := r.PageConcurrency
	if concurrency <= 0 {
		concurrency = defaultPageConcurrency
	}
	return Env{
		Job:             job,
		Target:          target,
		Crawler:         sc,
		Store:           r.Store,
		Log:             r.Log,
		Blobs:           r.Blobs,
		Hasher:          r.Hasher,
		Retry:           r.Retry,
		PageConcurrency: concurrency,
	}, nil
}
