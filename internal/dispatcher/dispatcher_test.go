package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/worker"
)

func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherLaunchForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil, nil)

	err := dispatch.Launch(context.Background(), crawler.Job{ID: "job"}, nil)
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestDispatcherCancelReachesRegisteredJob(t *testing.T) {
	t.Parallel()

	cancels := worker.NewCancels()
	dispatch := New(&errorQueue{}, nil, cancels)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancels.Register("job-1", cancel)

	dispatch.Cancel("job-1")
	dispatch.Cancel("job-unknown")
	require.ErrorIs(t, context.Cause(ctx), worker.ErrCancelRequested)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, worker.Run) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (worker.Run, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return worker.Run{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, worker.Run) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (worker.Run, error) {
	return worker.Run{}, nil
}
