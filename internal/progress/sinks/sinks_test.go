package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Kind: progress.KindJobStart},
		{JobID: "job-1", TS: now, Kind: progress.KindJobStart},
		{JobID: "job-1", TS: now, Kind: progress.KindItem, Stage: "manga"},
		{JobID: "job-1", TS: now, Kind: progress.KindItem, Stage: "manga", Failed: true},
		{JobID: "job-1", TS: now, Kind: progress.KindLog, Severity: crawler.SeverityWarning, Message: "bad page"},
		{JobID: "job-1", TS: now, Kind: progress.KindJobDone, Status: crawler.JobStatusCompleted, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("manga", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("manga", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.logEntries.WithLabelValues("warning")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "mangacrawler_job_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestStoreSinkAppendsOnlyLogs(t *testing.T) {
	t.Parallel()

	repo := &fakeAppender{}
	sink := NewStoreSink(repo, seqIDs{}, nil)
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Kind: progress.KindJobStart},
		{JobID: "job-1", TS: now, Kind: progress.KindLog, Severity: crawler.SeverityInfo, Message: "one"},
		{JobID: "job-1", TS: now, Kind: progress.KindItem, Stage: "page"},
		{JobID: "job-1", TS: now, Kind: progress.KindLog, Severity: crawler.SeverityError, Message: "two"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)
	require.Len(t, repo.entries, 2)
	require.Equal(t, "one", repo.entries[0].Message)
	require.Equal(t, "log-id", repo.entries[0].ID)
	require.Equal(t, crawler.SeverityError, repo.entries[1].Severity)
}

func TestStoreSinkSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	repo := &fakeAppender{}
	sink := NewStoreSink(repo, nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: time.Now(), Kind: progress.KindJobStart},
	})
	require.NoError(t, err)
	require.Zero(t, repo.calls)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeAppender{err: errors.New("db down")}
	sink := NewStoreSink(repo, nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: time.Now(), Kind: progress.KindLog, Severity: crawler.SeverityInfo, Message: "x"},
	})
	require.ErrorContains(t, err, "db down")
}

func TestLogSinkUsesSeverityLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Kind: progress.KindLog, Severity: crawler.SeverityCritical, Message: "panic in unit"},
		{JobID: "job-1", TS: now, Kind: progress.KindItem, Stage: "page"},
		{JobID: "job-1", TS: now, Kind: progress.KindJobDone, Status: crawler.JobStatusFailed},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.ErrorLevel, entries[0].Level)
	require.Equal(t, "panic in unit", entries[0].Message)
	require.Equal(t, "job finished", entries[1].Message)
}

type fakeAppender struct {
	calls   int
	entries []crawler.LogEntry
	err     error
}

func (f *fakeAppender) AppendLogs(_ context.Context, entries []crawler.LogEntry) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entries...)
	return nil
}

type seqIDs struct{}

func (seqIDs) NewID() (string, error) { return "log-id", nil }
