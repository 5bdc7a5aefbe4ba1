// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 32 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies; page images can be large.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher with one short-lived collector per
// request over a shared, pooled transport.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport)
	}
	return &Fetcher{cfg: cfg, transport: transport}
}

// outcome collects what the collector callbacks observed.
type outcome struct {
	response crawler.FetchResponse
	status   int
	err      error
}

// Fetch executes a single HTTP GET. Network failures, timeouts, 429 and 5xx
// become *crawler.TransientFetchError; other HTTP failures become
// *crawler.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	var out outcome
	collector := f.buildCollector(ctx, request, start, &out)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case visitErr = <-done:
	}

	if err := classify(ctx, request.URL, out, visitErr); err != nil {
		metrics.ObserveFetch(request.URL, "plain", out.status, 0, time.Since(start))
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, "plain", out.response.StatusCode, len(out.response.Body), out.response.Duration)
	return out.response, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	out *outcome,
) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.cfg.MaxBodySize),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(&contextTransport{base: f.transport, ctx: ctx})

	f.configureCollectorHooks(collector, request, start, out)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	out *outcome,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		out.response = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			out.status = r.StatusCode
		}
		out.err = err
	})
}

func classify(ctx context.Context, url string, out outcome, visitErr error) error {
	err := out.err
	if err == nil {
		err = visitErr
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("colly fetch canceled: %w", ctxErr)
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("fetch %s: %w", url, err)
	case out.status > 0 && crawler.TransientStatus(out.status):
		return &crawler.TransientFetchError{URL: url, StatusCode: out.status, Err: err}
	case out.status > 0:
		return &crawler.StatusError{URL: url, StatusCode: out.status}
	default:
		return &crawler.TransientFetchError{URL: url, Err: err}
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Accept != "" {
		r.Headers.Set("Accept", request.Accept)
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// contextTransport binds outgoing requests to the fetch context so a
// cancelled job aborts its in-flight request.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
