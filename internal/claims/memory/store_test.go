package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestStoreMarksOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(&stepClock{now: time.Unix(0, 0)}, time.Hour)

	done, err := s.Done(ctx, "job:page:c1")
	require.NoError(t, err)
	require.False(t, done)

	first, err := s.MarkDone(ctx, "job:page:c1")
	require.NoError(t, err)
	require.True(t, first)
	again, err := s.MarkDone(ctx, "job:page:c1")
	require.NoError(t, err)
	require.False(t, again)

	done, err = s.Done(ctx, "job:page:c1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestStoreForgetsExpiredKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &stepClock{now: time.Unix(0, 0)}
	s := New(clock, time.Minute)

	first, err := s.MarkDone(ctx, "k")
	require.NoError(t, err)
	require.True(t, first)

	clock.now = clock.now.Add(time.Minute)
	done, err := s.Done(ctx, "k")
	require.NoError(t, err)
	require.False(t, done)
}
