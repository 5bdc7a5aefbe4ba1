package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			result <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), "job-1"))
	select {
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue[int](1)
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.EqualError(t, q.Enqueue(ctx, 2), "enqueue canceled: context canceled")
	require.Equal(t, 1, q.Len())
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 7))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), 8), ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, got)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
