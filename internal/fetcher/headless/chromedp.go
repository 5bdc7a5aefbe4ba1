// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultSettleDelay  = 500 * time.Millisecond
	defaultWaitSelector = "body"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs; zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must be ready before the DOM is captured.
	WaitSelector string
	// SettleDelay lets late XHR-driven rendering finish.
	SettleDelay time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// ScrollSteps scrolls the page this many viewport heights before capture
	// so reader pages that lazy-load their images populate every <img src>.
	ScrollSteps int
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser
// process starts lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ScrollSteps < 0 {
		return nil, fmt.Errorf("scroll steps must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the rendered DOM.
// Document statuses are classified the same way as plain fetches.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.slots.Release(1)
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// Propagate caller cancellation into the browser tab.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentStatus{}
	chromedp.ListenTarget(taskCtx, doc.observe)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		metrics.ObserveFetch(request.URL, "headless", 0, 0, time.Since(start))
		return crawler.FetchResponse{}, &crawler.TransientFetchError{URL: request.URL, Err: err}
	}

	status, responseURL := doc.result(request.URL, finalURL)
	resp := crawler.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      http.Header{},
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	metrics.ObserveFetch(request.URL, "headless", status, len(resp.Body), resp.Duration)
	return resp, classifyStatus(request.URL, status)
}

func classifyStatus(url string, status int) error {
	switch {
	case status >= 200 && status < 400:
		return nil
	case crawler.TransientStatus(status):
		return &crawler.TransientFetchError{URL: url, StatusCode: status, Err: fmt.Errorf("document status %d", status)}
	default:
		return &crawler.StatusError{URL: url, StatusCode: status}
	}
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	for i := 0; i < f.cfg.ScrollSteps; i++ {
		actions = append(actions,
			chromedp.Evaluate(scrollScript, nil),
			chromedp.Sleep(scrollPause),
		)
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

const (
	scrollScript = `window.scrollBy(0, window.innerHeight)`
	scrollPause  = 250 * time.Millisecond
)

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := network.Headers{}
		for key := range headers {
			// Chrome takes one value per header; Referer is what image hosts check.
			extra[key] = headers.Get(key)
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// documentStatus keeps the status of the first document response the tab
// receives. Later document responses belong to iframes and ads.
type documentStatus struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != 0 {
		return
	}
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
}

// result falls back to 200 when no document event was seen (cached or
// service-worker pages) and prefers the tab's final location as the URL.
func (d *documentStatus) result(requestURL, finalURL string) (int, string) {
	d.mu.Lock()
	status, url := d.status, d.url
	d.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	return status, url
}
