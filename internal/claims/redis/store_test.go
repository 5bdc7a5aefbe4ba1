package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/claims"
)

type fakeKV struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeKV) SetNX(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = ttl
	return true, nil
}

func (f *fakeKV) Exists(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeKV) Close() error { return nil }

func TestStoreUsesPrefixedSetNX(t *testing.T) {
	t.Parallel()

	kv := &fakeKV{keys: map[string]time.Duration{}}
	s := newWithKV(kv, 0)
	ctx := context.Background()

	first, err := s.MarkDone(ctx, "job:manga:u")
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, claims.DefaultTTL, kv.keys["mangacrawler:done:job:manga:u"])

	again, err := s.MarkDone(ctx, "job:manga:u")
	require.NoError(t, err)
	require.False(t, again)

	done, err := s.Done(ctx, "job:manga:u")
	require.NoError(t, err)
	require.True(t, done)
}

func TestStoreWrapsErrors(t *testing.T) {
	t.Parallel()

	s := newWithKV(&fakeKV{err: errors.New("connection refused")}, time.Hour)
	_, err := s.MarkDone(context.Background(), "k")
	require.ErrorContains(t, err, "mark claim k")
	_, err = s.Done(context.Background(), "k")
	require.ErrorContains(t, err, "connection refused")
}
