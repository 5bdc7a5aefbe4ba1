package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/config"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	html := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
		}
	}
	mux.Handle("/latest", html(`<html><body>
		<div class="series-card"><a href="/series/frieren">Frieren</a></div>
	</body></html>`))
	mux.Handle("/series/frieren", html(`<html><body>
		<h1 class="title">Frieren</h1>
		<ul class="chapters"><li><a href="/series/frieren/chapter-1">Chapter 1</a></li></ul>
	</body></html>`))
	mux.Handle("/series/frieren/chapter-1", html(`<html><body>
		<div class="reader"><img src="/img/1.jpg"><img src="/img/2.jpg"></div>
	</body></html>`))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.RespectRobots = false
	cfg.Fetch.DefaultRPS = 0
	cfg.Telemetry.Registerer = prometheus.NewRegistry()
	cfg.Telemetry.SampleRatio = 0
	cfg.Targets = []crawler.CrawlTarget{{
		ID:        "reader",
		CrawlerID: "selector",
		BaseURL:   siteURL,
		StartURL:  siteURL + "/latest",
		Options: map[string]string{
			"list_item":          ".series-card",
			"title":              "h1.title",
			"chapter":            "ul.chapters a",
			"page_image":         ".reader img",
			"id_pattern":         `/series/([a-z0-9-]+)`,
			"chapter_id_pattern": `chapter-(\d+)`,
		},
	}}
	return cfg
}

func TestRunOnceLocal(t *testing.T) {
	// Installs global telemetry providers; not parallel.
	site := newSite(t)
	cfg := testConfig(t, site.URL)

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := app.RunOnce(ctx, "reader", crawler.FirstPageOnly(), 0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.ModeLocal, job.Mode)
	require.Zero(t, job.Counters.Failed)
	require.Equal(t, job.Counters.Total, job.Counters.Processed)
	require.Positive(t, job.Counters.Success)
}

func TestRunOnceDistributedInMemory(t *testing.T) {
	site := newSite(t)
	cfg := testConfig(t, site.URL)
	cfg.Mode = crawler.ModeDistributed
	cfg.Pipeline.Distributed.PollInterval = 100 * time.Millisecond
	cfg.Pipeline.Distributed.FlushInterval = 50 * time.Millisecond

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := app.RunOnce(ctx, "reader", crawler.FirstPageOnly(), 0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.ModeDistributed, job.Mode)
	require.Zero(t, job.Counters.Failed)
}

func TestRunOnceUnknownTarget(t *testing.T) {
	cfg := testConfig(t, "https://reader.example")

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = app.RunOnce(context.Background(), "missing", crawler.FirstPageOnly(), 0)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestBuildRejectsBadTargets(t *testing.T) {
	cfg := testConfig(t, "https://reader.example")
	cfg.Targets[0].CrawlerID = "nope"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "load targets")
}

func TestRunWorkerRequiresDistributed(t *testing.T) {
	cfg := testConfig(t, "https://reader.example")

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.ErrorIs(t, app.RunWorker(context.Background()), ErrNotDistributed)
}
