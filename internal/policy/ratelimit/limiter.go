// Package ratelimit implements per-host token buckets and a Fetcher wrapper
// that waits on them.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
)

const minReportedDelay = time.Millisecond

// Config holds the default limits applied to hosts without an override.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]crawler.RateHints
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter. A non-positive DefaultRPS disables limiting for
// hosts without an override.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    make(map[string]crawler.RateHints),
		defaultRate:  r,
		defaultBurst: max(cfg.DefaultBurst, 1),
	}
}

// Configure applies a target's rate hints to the host of its base URL. Hints
// with a non-positive rate are ignored.
func (l *Limiter) Configure(target crawler.CrawlTarget) {
	if target.RateLimit.RequestsPerSecond <= 0 {
		return
	}
	raw := target.BaseURL
	if raw == "" {
		raw = target.StartURL
	}
	host := hostOf(raw)
	if host == "unknown" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[host] = target.RateLimit
	delete(l.limiters, host)
}

// Wait blocks until a token is available for the URL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiter(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > minReportedDelay {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if hints, ok := l.overrides[host]; ok {
		r = rate.Limit(hints.RequestsPerSecond)
		burst = max(hints.Burst, 1)
	}
	limiter := rate.NewLimiter(r, burst)
	l.limiters[host] = limiter
	return limiter
}

// Fetcher waits on the limiter before delegating.
type Fetcher struct {
	next    crawler.Fetcher
	limiter *Limiter
}

// Wrap returns next guarded by l.
func (l *Limiter) Wrap(next crawler.Fetcher) *Fetcher {
	return &Fetcher{next: next, limiter: l}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, request.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	return f.next.Fetch(ctx, request)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
