package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

type fakeStarter struct {
	mu       sync.Mutex
	started  []string
	statuses map[string]crawler.JobStatus
	startErr error
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{statuses: make(map[string]crawler.JobStatus)}
}

func (f *fakeStarter) StartScheduledUpdate(_ context.Context, targetID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	id := fmt.Sprintf("%s-%d", targetID, len(f.started)+1)
	f.started = append(f.started, id)
	f.statuses[id] = crawler.JobStatusRunning
	return id, nil
}

func (f *fakeStarter) GetJobStatus(_ context.Context, jobID string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return crawler.Job{ID: jobID, Status: status}, nil
}

func (f *fakeStarter) set(jobID string, status crawler.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func TestTickSkipsWhilePreviousJobActive(t *testing.T) {
	t.Parallel()

	starter := newFakeStarter()
	s, err := New(starter, nil, zap.NewNop())
	require.NoError(t, err)
	entry := Entry{TargetID: "md", Interval: time.Hour}
	ctx := context.Background()

	first := s.Tick(ctx, entry)
	require.Equal(t, "md-1", first)
	require.Empty(t, s.Tick(ctx, entry))

	starter.set(first, crawler.JobStatusCompleted)
	require.Equal(t, "md-2", s.Tick(ctx, entry))
}

func TestTickSurvivesStartErrors(t *testing.T) {
	t.Parallel()

	starter := newFakeStarter()
	starter.startErr = errors.New("db down")
	s, err := New(starter, nil, zap.NewNop())
	require.NoError(t, err)

	require.Empty(t, s.Tick(context.Background(), Entry{TargetID: "md", Interval: time.Hour}))
	require.Zero(t, starter.count())
}

func TestNewValidatesEntries(t *testing.T) {
	t.Parallel()

	_, err := New(newFakeStarter(), []Entry{{Interval: time.Minute}}, nil)
	require.Error(t, err)
	_, err = New(newFakeStarter(), []Entry{{TargetID: "md", Interval: time.Millisecond}}, nil)
	require.Error(t, err)
}

func TestRunFiresOnInterval(t *testing.T) {
	t.Parallel()

	starter := newFakeStarter()
	s, err := New(starter, []Entry{{TargetID: "md", Interval: time.Second}}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return starter.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
