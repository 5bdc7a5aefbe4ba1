package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func TestDedupeFiftyCandidatesTwelvePersisted(t *testing.T) {
	t.Parallel()

	lookup := &countingLookup{existing: map[string]struct{}{}}
	candidates := make([]crawler.ChapterData, 0, 50)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("ch-%02d", i)
		candidates = append(candidates, crawler.ChapterData{ExternalID: id})
		if i%4 == 0 {
			lookup.existing[id] = struct{}{}
		}
	}
	require.Len(t, lookup.existing, 13)
	delete(lookup.existing, "ch-48")
	require.Len(t, lookup.existing, 12)

	fresh, err := Chapters(lookup).Dedupe(context.Background(), crawler.DedupScope{Kind: crawler.ScopeContent, ID: "c1"}, candidates)
	require.NoError(t, err)
	require.Len(t, fresh, 38)
	require.Equal(t, 1, lookup.calls)
	for _, c := range fresh {
		_, persisted := lookup.existing[c.ExternalID]
		require.False(t, persisted, "persisted id %s leaked into result", c.ExternalID)
	}
}

func TestDedupeEmptyCandidatesSkipsQuery(t *testing.T) {
	t.Parallel()

	lookup := &countingLookup{}
	fresh, err := Chapters(lookup).Dedupe(context.Background(), crawler.DedupScope{Kind: crawler.ScopeContent, ID: "c1"}, nil)
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Zero(t, lookup.calls)
}

func TestDedupeKeepsCandidatesWithoutIDs(t *testing.T) {
	t.Parallel()

	lookup := &countingLookup{existing: map[string]struct{}{"a": {}}}
	items := []crawler.ListItem{
		{URL: "https://x/1"},
		{URL: "https://x/a", ExternalID: "a"},
		{URL: "https://x/b", ExternalID: "b"},
		{URL: "https://x/2"},
	}
	fresh, err := Items(lookup).Dedupe(context.Background(), crawler.DedupScope{Kind: crawler.ScopeTarget, ID: "t"}, items)
	require.NoError(t, err)
	require.Equal(t, []crawler.ListItem{items[0], items[2], items[3]}, fresh)
	require.Equal(t, 1, lookup.calls)
	require.Equal(t, []string{"a", "b"}, lookup.lastIDs)
}

func TestDedupeOnlyIDlessCandidatesSkipsQuery(t *testing.T) {
	t.Parallel()

	lookup := &countingLookup{}
	items := []crawler.ListItem{{URL: "https://x/1"}, {URL: "https://x/2"}}
	fresh, err := Items(lookup).Dedupe(context.Background(), crawler.DedupScope{Kind: crawler.ScopeTarget, ID: "t"}, items)
	require.NoError(t, err)
	require.Equal(t, items, fresh)
	require.Zero(t, lookup.calls)
}

func TestDedupeWrapsLookupErrors(t *testing.T) {
	t.Parallel()

	lookup := &countingLookup{err: errors.New("db down")}
	_, err := Chapters(lookup).Dedupe(context.Background(), crawler.DedupScope{Kind: crawler.ScopeContent, ID: "c"},
		[]crawler.ChapterData{{ExternalID: "x"}})
	require.EqualError(t, err, "lookup existing content ids: db down")
}

type countingLookup struct {
	mu       sync.Mutex
	existing map[string]struct{}
	err      error
	calls    int
	lastIDs  []string
}

func (l *countingLookup) ExistingExternalIDs(_ context.Context, _ crawler.DedupScope, ids []string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.lastIDs = append([]string(nil), ids...)
	if l.err != nil {
		return nil, l.err
	}
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := l.existing[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
