package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	robotsCacheTTL     = time.Hour
	robotsMaxBodyBytes = 512 << 10
	allowAllRobots     = "User-agent: *\nAllow: /"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type cachedRobots struct {
	status  int
	body    []byte
	fetched time.Time
}

// robotsTransport caches robots.txt per origin across collectors and retries
// TLS handshake timeouts, falling back to allow-all when the probe never
// completes.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRobots
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base:    base,
		backoff: robotsRetryBackoff,
		now:     time.Now,
		cache:   make(map[string]cachedRobots),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		return t.base.RoundTrip(req)
	}
	origin := req.URL.Scheme + "://" + strings.ToLower(req.URL.Host)
	if cached, ok := t.lookup(origin); ok {
		return cached.response(req), nil
	}
	entry, err := t.probe(req)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.cache[origin] = entry
	t.mu.Unlock()
	return entry.response(req), nil
}

func (t *robotsTransport) lookup(origin string) (cachedRobots, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[origin]
	if !ok || t.now().Sub(entry.fetched) > robotsCacheTTL {
		return cachedRobots{}, false
	}
	return entry, true
}

func (t *robotsTransport) probe(req *http.Request) (cachedRobots, error) {
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBodyBytes))
			if readErr != nil {
				return cachedRobots{}, fmt.Errorf("read robots.txt: %w", readErr)
			}
			return cachedRobots{status: resp.StatusCode, body: body, fetched: t.now()}, nil
		}
		if !isTransientTLSError(err) {
			return cachedRobots{}, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt >= len(t.backoff) {
			return cachedRobots{status: http.StatusOK, body: []byte(allowAllRobots), fetched: t.now()}, nil
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return cachedRobots{}, err
		}
	}
}

func (c cachedRobots) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    c.status,
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
