package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/orchestrator"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
)

type call struct {
	op        string
	target    string
	limit     crawler.PageLimit
	n         int
	arg       string
	statusArg *crawler.JobStatus
}

type fakeService struct {
	mu    sync.Mutex
	calls []call
	err   error
	jobID string
	jobs  map[string]crawler.Job
	logs  []crawler.LogEntry
}

func newFakeService() *fakeService {
	return &fakeService{jobID: "job-1", jobs: map[string]crawler.Job{}}
}

func (f *fakeService) record(c call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.jobID, f.err
}

func (f *fakeService) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeService) StartFullCrawl(_ context.Context, targetID string, limit crawler.PageLimit, maxItems int) (string, error) {
	return f.record(call{op: "crawl", target: targetID, limit: limit, n: maxItems})
}

func (f *fakeService) StartSearch(_ context.Context, targetID, query string, maxItems int) (string, error) {
	return f.record(call{op: "search", target: targetID, arg: query, n: maxItems})
}

func (f *fakeService) StartSingleItem(_ context.Context, targetID, sourceURL string) (string, error) {
	return f.record(call{op: "item", target: targetID, arg: sourceURL})
}

func (f *fakeService) StartUpdateAllKnown(_ context.Context, targetID string, itemLimit int) (string, error) {
	return f.record(call{op: "update", target: targetID, n: itemLimit})
}

func (f *fakeService) StartUpdateItem(_ context.Context, contentID string) (string, error) {
	return f.record(call{op: "update-item", arg: contentID})
}

func (f *fakeService) GetJobStatus(_ context.Context, jobID string) (crawler.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}
	return job, nil
}

func (f *fakeService) ListJobs(_ context.Context, page, pageSize int, status *crawler.JobStatus) ([]crawler.Job, error) {
	_, err := f.record(call{op: "list", n: page*1000 + pageSize, statusArg: status})
	if err != nil {
		return nil, err
	}
	out := make([]crawler.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeService) JobLogs(ctx context.Context, jobID string, limit int) ([]crawler.LogEntry, error) {
	if _, err := f.GetJobStatus(ctx, jobID); err != nil {
		return nil, err
	}
	_, _ = f.record(call{op: "logs", arg: jobID, n: limit})
	return f.logs, nil
}

func (f *fakeService) CancelJob(_ context.Context, jobID string) error {
	_, err := f.record(call{op: "cancel", arg: jobID})
	return err
}

func (f *fakeService) PauseJob(_ context.Context, jobID string) error {
	_, err := f.record(call{op: "pause", arg: jobID})
	return err
}

func (f *fakeService) ResumeJob(_ context.Context, jobID string) error {
	_, err := f.record(call{op: "resume", arg: jobID})
	return err
}

type staticTargets []crawler.CrawlTarget

func (s staticTargets) List() []crawler.CrawlTarget { return s }

func newTestServer(t *testing.T, svc *fakeService, opts Options) *httptest.Server {
	t.Helper()
	targets := staticTargets{{ID: "dex", Name: "MangaDex", BaseURL: "https://mangadex.org", CrawlerID: "mangadex", Render: crawler.RenderNever}}
	opts.Metrics = http.NotFoundHandler()
	srv := httptest.NewServer(NewServer(svc, targets, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	ready := errors.New("database down")
	srv := newTestServer(t, newFakeService(), Options{Ready: func(context.Context) error { return ready }})

	code, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = do(t, http.MethodGet, srv.URL+"/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "database down", body["error"])
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeService(), Options{})
	code, body := do(t, http.MethodGet, srv.URL+"/v1/targets", "")
	require.Equal(t, http.StatusOK, code)
	targets := body["targets"].([]any)
	require.Len(t, targets, 1)
	require.Equal(t, "mangadex", targets[0].(map[string]any)["crawler"])
}

func TestStartEndpoints(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path string
		body string
		want call
	}{
		{
			name: "crawl all pages",
			path: "/v1/targets/dex/crawl",
			body: `{"page_limit":"all","max_items":10}`,
			want: call{op: "crawl", target: "dex", limit: crawler.AllPages(), n: 10},
		},
		{
			name: "crawl defaults to first page",
			path: "/v1/targets/dex/crawl",
			body: ``,
			want: call{op: "crawl", target: "dex", limit: crawler.FirstPageOnly()},
		},
		{
			name: "update",
			path: "/v1/targets/dex/update",
			body: `{"item_limit":5}`,
			want: call{op: "update", target: "dex", n: 5},
		},
		{
			name: "single item",
			path: "/v1/targets/dex/items",
			body: `{"url":"https://mangadex.org/title/abc"}`,
			want: call{op: "item", target: "dex", arg: "https://mangadex.org/title/abc"},
		},
		{
			name: "search",
			path: "/v1/targets/dex/search",
			body: `{"query":"frieren","max_items":3}`,
			want: call{op: "search", target: "dex", arg: "frieren", n: 3},
		},
		{
			name: "content update",
			path: "/v1/contents/c-9/update",
			want: call{op: "update-item", arg: "c-9"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			srv := newTestServer(t, svc, Options{})
			code, body := do(t, http.MethodPost, srv.URL+tc.path, tc.body)
			require.Equal(t, http.StatusAccepted, code)
			require.Equal(t, "job-1", body["job_id"])
			require.Equal(t, tc.want, svc.last())
		})
	}
}

func TestStartRejectsBadBodies(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	code, _ := do(t, http.MethodPost, srv.URL+"/v1/targets/dex/crawl", `{"page_limit":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/targets/dex/search", `{"q":"x"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Empty(t, svc.calls)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err   error
		jobID string
		want  int
	}{
		{err: fmt.Errorf("%w: dex", orchestrator.ErrTargetNotFound), want: http.StatusNotFound},
		{err: fmt.Errorf("%w: query required", orchestrator.ErrInvalidInput), want: http.StatusBadRequest},
		{err: fmt.Errorf("cancel: %w", tracker.ErrInvalidTransition), want: http.StatusConflict},
		{err: crawler.NewFatalConfig("crawler %q is not registered", "x"), jobID: "job-7", want: http.StatusUnprocessableEntity},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.want), func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			svc.err = tc.err
			svc.jobID = tc.jobID
			srv := newTestServer(t, svc, Options{})
			code, body := do(t, http.MethodPost, srv.URL+"/v1/targets/dex/update", `{}`)
			require.Equal(t, tc.want, code)
			require.Equal(t, tc.err.Error(), body["error"])
			if tc.jobID != "" {
				require.Equal(t, tc.jobID, body["job_id"])
			}
		})
	}
}

func TestJobQueries(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.jobs["job-1"] = crawler.Job{ID: "job-1", Status: crawler.JobStatusRunning, TargetID: "dex"}
	svc.logs = []crawler.LogEntry{{JobID: "job-1", Message: "fetched"}}
	srv := newTestServer(t, svc, Options{})

	code, body := do(t, http.MethodGet, srv.URL+"/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "running", body["job"].(map[string]any)["status"])

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, code)

	code, body = do(t, http.MethodGet, srv.URL+"/v1/jobs?page=2&page_size=5&status=running", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["jobs"], 1)
	last := svc.last()
	require.Equal(t, 2005, last.n)
	require.Equal(t, crawler.JobStatusRunning, *last.statusArg)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs?page=x", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, http.MethodGet, srv.URL+"/v1/jobs/job-1/logs?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["logs"], 1)
	require.Equal(t, 10, svc.last().n)
}

func TestJobControl(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	for op, status := range map[string]string{"cancel": "cancelled", "pause": "paused", "resume": "running"} {
		code, body := do(t, http.MethodPost, srv.URL+"/v1/jobs/job-3/"+op, "")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, status, body["status"])
		require.Equal(t, call{op: op, arg: "job-3"}, svc.last())
	}
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeService(), Options{APIKey: "secret"})

	code, _ := do(t, http.MethodGet, srv.URL+"/v1/targets", "")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/targets", "", "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeService(), Options{})
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}
