package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := min(s.calls, len(s.results)-1)
	res := s.results[idx]
	return res.resp, res.err
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestRobots(base http.RoundTripper) *robotsTransport {
	rt := newRobotsTransport(base)
	rt.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return rt
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRobotsFallsBackToAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rt := newTestRobots(base)

	req := httptest.NewRequest(http.MethodGet, "https://site.test/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, readBody(t, resp))
	require.Equal(t, 4, base.calls)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: okResponse("User-agent: *\nDisallow: /private")},
	}}
	rt := newTestRobots(base)

	resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://site.test/robots.txt", nil))
	require.NoError(t, err)
	require.Contains(t, readBody(t, resp), "Disallow")
	require.Equal(t, 2, base.calls)
}

func TestRobotsCachesPerOrigin(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: okResponse("User-agent: *\nAllow: /")}}}
	rt := newTestRobots(base)

	for range 3 {
		resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://site.test/robots.txt", nil))
		require.NoError(t, err)
		require.Contains(t, readBody(t, resp), "Allow")
	}
	require.Equal(t, 1, base.calls)
}

func TestRobotsPassesOtherRequestsThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: okResponse("page")}}}
	rt := newTestRobots(base)

	for range 2 {
		resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://site.test/manga/1", nil))
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	require.Equal(t, 2, base.calls)
}

func TestRobotsPermanentErrorIsReturned(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	_, err := newTestRobots(base).RoundTrip(httptest.NewRequest(http.MethodGet, "https://site.test/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.calls)
}
