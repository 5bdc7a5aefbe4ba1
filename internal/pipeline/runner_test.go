package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline/pipelinetest"
	"github.com/JakeFAU/manga-crawl-engine/internal/storage/memory"
)

type stubUnit struct {
	stage Stage
	fn    func(ctx context.Context) ([]Task, error)
}

func (u stubUnit) Stage() Stage { return u.stage }

func (u stubUnit) Process(ctx context.Context, _ Env, _ Task) ([]Task, error) {
	return u.fn(ctx)
}

func mangaTask(root bool) Task {
	task := MangaTask(crawler.MangaTask{TargetID: "t", JobID: "job-1", SourceURL: "https://site.test/manga/1"})
	task.Root = root
	return task
}

func runnerWith(fn func(ctx context.Context) ([]Task, error)) *Runner {
	return NewRunner(map[Stage]Unit{StageManga: stubUnit{stage: StageManga, fn: fn}}, zap.NewNop())
}

func TestRunnerStampsChildren(t *testing.T) {
	t.Parallel()

	runner := runnerWith(func(context.Context) ([]Task, error) {
		return []Task{ChapterTask(crawler.ChapterTask{ParentContentID: "c", ExternalChapterID: "1"})}, nil
	})
	env, _ := testEnv(pipelinetest.NewSite(), memory.NewGateway())

	out := runner.Handle(context.Background(), env, mangaTask(false), true)
	require.True(t, out.OK())
	require.Len(t, out.Children, 1)
	require.Equal(t, "job-1", out.Children[0].JobID)
	require.Equal(t, "t", out.Children[0].TargetID)
}

func TestRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	site := pipelinetest.NewSite()
	site.PanicOn = "https://site.test/manga/1"
	env, log := testEnv(site, memory.NewGateway())

	out := NewRunner(nil, zap.NewNop()).Handle(context.Background(), env, mangaTask(false), true)
	require.False(t, out.OK())
	require.True(t, out.Fatal)
	require.Equal(t, 1, log.count(crawler.SeverityCritical))
}

func TestRunnerClassifiesFailures(t *testing.T) {
	t.Parallel()

	transient := &crawler.TransientFetchError{URL: "u", StatusCode: 503, Err: errors.New("unavailable")}
	parse := &crawler.ParseError{URL: "u", What: "detail", Err: errors.New("no title")}

	cases := []struct {
		name        string
		err         error
		root        bool
		lastAttempt bool
		fatal       bool
		retry       bool
		severity    crawler.Severity
	}{
		{name: "transient redelivered", err: transient, retry: true},
		{name: "transient exhausted", err: transient, lastAttempt: true, severity: crawler.SeverityError},
		{name: "parse is a warning", err: parse, severity: crawler.SeverityWarning},
		{name: "root failure is fatal", err: parse, root: true, fatal: true, severity: crawler.SeverityWarning},
		{name: "config error is fatal", err: crawler.NewFatalConfig("bad selector"), fatal: true, severity: crawler.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env, log := testEnv(pipelinetest.NewSite(), memory.NewGateway())
			runner := runnerWith(func(context.Context) ([]Task, error) { return nil, tc.err })

			out := runner.Handle(context.Background(), env, mangaTask(tc.root), tc.lastAttempt)
			require.ErrorIs(t, out.Err, tc.err)
			require.Equal(t, tc.fatal, out.Fatal)
			require.Equal(t, tc.retry, out.Retry)
			if tc.severity != "" {
				require.Equal(t, 1, log.count(tc.severity))
			} else {
				require.True(t, log.empty())
			}
		})
	}
}

func TestRunnerReportsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := runnerWith(func(ctx context.Context) ([]Task, error) {
		cancel()
		return nil, crawler.Sleep(ctx, time.Second)
	})
	env, log := testEnv(pipelinetest.NewSite(), memory.NewGateway())

	out := runner.Handle(ctx, env, mangaTask(true), true)
	require.True(t, out.Canceled)
	require.False(t, out.Fatal)
	require.Zero(t, log.count(crawler.SeverityError))
}

func TestRunnerMissingUnitIsFatal(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(pipelinetest.NewSite(), memory.NewGateway())
	out := NewRunner(map[Stage]Unit{}, zap.NewNop()).Handle(context.Background(), env, mangaTask(false), true)
	require.True(t, out.Fatal)
	require.True(t, crawler.IsFatal(out.Err))
}

func TestRunnerDropsMalformedTask(t *testing.T) {
	t.Parallel()

	env, log := testEnv(pipelinetest.NewSite(), memory.NewGateway())
	bad := Task{Stage: StageManga, JobID: "job-1"}

	out := NewRunner(nil, zap.NewNop()).Handle(context.Background(), env, bad, true)
	require.Error(t, out.Err)
	require.False(t, out.Fatal)
	require.Equal(t, 1, log.count(crawler.SeverityError))
}
