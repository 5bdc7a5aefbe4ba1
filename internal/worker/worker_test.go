package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/clock/system"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/local"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/pipelinetest"
	"github.com/JakeFAU/manga-crawl-engine/internal/queue/memory"
	storemem "github.com/JakeFAU/manga-crawl-engine/internal/storage/memory"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
)

type fixture struct {
	site    *pipelinetest.Site
	jobs    *storemem.JobStore
	tracker *tracker.Tracker
	queue   *memory.Queue[Run]
	cancels *Cancels
	worker  *Worker
}

func newFixture(t *testing.T, engine Engine) *fixture {
	t.Helper()

	site := pipelinetest.NewSite()
	jobs := storemem.NewJobStore()
	tr := tracker.New(jobs, nil, nil, system.New(), uuid.NewGenerator(), zap.NewNop(), tracker.Config{})
	registry := crawler.NewRegistry()
	registry.Register("fake", func(crawler.CrawlTarget, crawler.Deps) (crawler.SiteCrawler, error) {
		return site, nil
	})
	resolver := &pipeline.Resolver{
		Targets: pipelinetest.Targets{
			"t": {ID: "t", CrawlerID: "fake", StartURL: "https://site.test/list"},
		},
		Registry: registry,
		Store:    storemem.NewGateway(),
		Log:      tr,
		Retry:    crawler.NewLinearRetryPolicy(1, time.Millisecond),
	}
	if engine == nil {
		engine = local.New(pipeline.NewRunner(nil, zap.NewNop()), tr, local.Config{}, zap.NewNop())
	}
	queue := memory.NewQueue[Run](4)
	cancels := NewCancels()
	return &fixture{
		site:    site,
		jobs:    jobs,
		tracker: tr,
		queue:   queue,
		cancels: cancels,
		worker:  New(queue, tr, resolver, engine, cancels, zap.NewNop()),
	}
}

func (f *fixture) submit(t *testing.T, req tracker.CreateRequest, seed func(jobID string) pipeline.Task) crawler.Job {
	t.Helper()
	job, err := f.tracker.Create(context.Background(), req)
	require.NoError(t, err)
	task := seed(job.ID)
	task.Root = true
	require.NoError(t, f.queue.Enqueue(context.Background(), Run{Job: job, Seeds: []pipeline.Task{task}}))
	return job
}

func (f *fixture) job(t *testing.T, id string) crawler.Job {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) waitStatus(t *testing.T, id string, want crawler.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.job(t, id).Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func listSeed(jobID string) pipeline.Task {
	return pipeline.ListTask(crawler.ListPageTask{TargetID: "t", JobID: jobID, PageNumber: 1})
}

func TestWorkerCompletesFullCrawl(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.site.ListSeries(1, 2, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	job := f.submit(t, tracker.CreateRequest{Type: crawler.JobTypeFullCrawl, TargetID: "t", PageLimit: crawler.AllPages()}, listSeed)
	f.waitStatus(t, job.ID, crawler.JobStatusCompleted)

	final := f.job(t, job.ID)
	require.Equal(t, crawler.Counters{Total: 11, Processed: 11, Success: 11}, final.Counters)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
}

func TestWorkerFailsSingleItemWithMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	job := f.submit(t, tracker.CreateRequest{Type: crawler.JobTypeSingleItem, TargetID: "t"}, func(jobID string) pipeline.Task {
		return pipeline.MangaTask(crawler.MangaTask{TargetID: "t", JobID: jobID, SourceURL: pipelinetest.SeriesURL("gone")})
	})
	f.waitStatus(t, job.ID, crawler.JobStatusFailed)

	final := f.job(t, job.ID)
	require.NotEmpty(t, final.ErrorMessage)
	require.Zero(t, final.Counters.Success)
	require.Equal(t, int64(1), final.Counters.Failed)
}

func TestWorkerFailsUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	job := f.submit(t, tracker.CreateRequest{Type: crawler.JobTypeFullCrawl, TargetID: "nope"}, func(jobID string) pipeline.Task {
		return pipeline.ListTask(crawler.ListPageTask{TargetID: "nope", JobID: jobID})
	})
	f.waitStatus(t, job.ID, crawler.JobStatusFailed)
	require.Contains(t, f.job(t, job.ID).ErrorMessage, "unknown target")
}

func TestWorkerSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	engine := &blockingEngine{started: make(chan struct{}, 1)}
	f := newFixture(t, engine)
	job := f.submit(t, tracker.CreateRequest{Type: crawler.JobTypeFullCrawl, TargetID: "t"}, listSeed)
	require.NoError(t, f.tracker.Cancel(context.Background(), job.ID, "user request"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-engine.started:
		t.Fatal("cancelled job must not run")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, crawler.JobStatusCancelled, f.job(t, job.ID).Status)
}

func TestWorkerStopsRunningJobOnCancel(t *testing.T) {
	t.Parallel()

	engine := &blockingEngine{started: make(chan struct{}, 1)}
	f := newFixture(t, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	job := f.submit(t, tracker.CreateRequest{Type: crawler.JobTypeFullCrawl, TargetID: "t"}, listSeed)
	select {
	case <-engine.started:
	case <-time.After(time.Second):
		t.Fatal("engine did not start")
	}

	require.NoError(t, f.tracker.Cancel(context.Background(), job.ID, "user request"))
	require.True(t, f.cancels.Cancel(job.ID))
	require.Eventually(t, func() bool { return !f.cancels.Cancel(job.ID) }, time.Second, 5*time.Millisecond)

	final := f.job(t, job.ID)
	require.Equal(t, crawler.JobStatusCancelled, final.Status)
	require.Equal(t, "user request", final.ErrorMessage)
}

type blockingEngine struct {
	started chan struct{}
}

func (e *blockingEngine) Run(ctx context.Context, _ pipeline.Env, _ []pipeline.Task) (local.Summary, error) {
	e.started <- struct{}{}
	<-ctx.Done()
	return local.Summary{}, context.Cause(ctx)
}
