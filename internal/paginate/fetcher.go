// Package paginate sweeps a paginated listing with bounded parallelism,
// per-page retries and case-insensitive URL dedupe.
package paginate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const defaultConcurrency = 5

// Source fetches and parses one result page (1-based).
type Source func(ctx context.Context, page int) (crawler.ListPage, error)

// Options tunes a sweep.
type Options struct {
	Limit crawler.PageLimit
	// MaxResults stops scheduling further pages once reached; 0 means no cap.
	// Pages already in flight may still add items past the cap.
	MaxResults  int
	Concurrency int
	Retry       crawler.RetryPolicy
	Logger      *zap.Logger
}

// Failure records a page that exhausted its attempts.
type Failure struct {
	Page     int
	Attempts int
	Err      error
}

// Result is the outcome of a sweep.
type Result struct {
	Items        []crawler.ListItem
	TotalPages   int
	PagesFetched int
	FailedPages  int
	Failures     []Failure
}

// Fetcher runs sweeps.
type Fetcher struct {
	opts Options
}

// New builds a Fetcher, defaulting concurrency to 5 and retries to three
// linear attempts.
func New(opts Options) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Retry == nil {
		opts.Retry = crawler.NewLinearRetryPolicy(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fetcher{opts: opts}
}

// Fetch sweeps src. It fails only when page 1 fails; later page failures are
// reported in the Result and skipped.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Result, error) {
	first, attempts, err := f.fetchPage(ctx, src, 1)
	if err != nil {
		return Result{}, fmt.Errorf("fetch page 1 after %d attempts: %w", attempts, err)
	}

	acc := newAccumulator()
	acc.add(first.Items)

	total := max(first.TotalPages, 1)
	effective := f.opts.Limit.Effective(total)
	res := Result{TotalPages: total, PagesFetched: 1}
	if effective > 1 && !f.capped(acc) {
		f.sweepRest(ctx, src, effective, acc, &res)
	}

	res.Items = acc.items
	res.FailedPages = len(res.Failures)
	return res, nil
}

func (f *Fetcher) sweepRest(ctx context.Context, src Source, effective int, acc *accumulator, res *Result) {
	sem := semaphore.NewWeighted(int64(f.opts.Concurrency))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fetched atomic.Int64
	)
	for page := 2; page <= effective; page++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil || f.capped(acc) {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			defer sem.Release(1)
			lp, attempts, err := f.fetchPage(ctx, src, page)
			if err != nil {
				f.opts.Logger.Warn("result page failed",
					zap.Int("page", page),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
				mu.Lock()
				res.Failures = append(res.Failures, Failure{Page: page, Attempts: attempts, Err: err})
				mu.Unlock()
				return
			}
			fetched.Add(1)
			acc.add(lp.Items)
		}(page)
	}
	wg.Wait()
	res.PagesFetched += int(fetched.Load())
}

func (f *Fetcher) fetchPage(ctx context.Context, src Source, page int) (crawler.ListPage, int, error) {
	var lp crawler.ListPage
	attempts, err := crawler.Retry(ctx, f.opts.Retry, func(ctx context.Context) error {
		var fetchErr error
		lp, fetchErr = src(ctx, page)
		return fetchErr
	})
	return lp, attempts, err
}

func (f *Fetcher) capped(acc *accumulator) bool {
	return f.opts.MaxResults > 0 && acc.count() >= f.opts.MaxResults
}

// accumulator keeps discovery order and dedupes on the lower-cased URL.
type accumulator struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	items []crawler.ListItem
}

func newAccumulator() *accumulator {
	return &accumulator{seen: make(map[string]struct{})}
}

func (a *accumulator) add(items []crawler.ListItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item.URL))
		if key == "" {
			continue
		}
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		a.items = append(a.items, item)
	}
}

func (a *accumulator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
