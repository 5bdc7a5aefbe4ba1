// Package dedup filters fan-out candidates down to the ones not yet persisted
// using a single batched existence query per call.
package dedup

import (
	"context"
	"fmt"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Lookup answers which external ids already exist within a scope.
type Lookup interface {
	ExistingExternalIDs(ctx context.Context, scope crawler.DedupScope, candidates []string) (map[string]struct{}, error)
}

// Index dedupes candidates of type T keyed by their external id.
type Index[T any] struct {
	lookup Lookup
	key    func(T) string
}

// New builds an Index. key returns a candidate's external id, or "" when the
// source did not expose one.
func New[T any](lookup Lookup, key func(T) string) *Index[T] {
	return &Index[T]{lookup: lookup, key: key}
}

// Dedupe returns the candidates without an external id plus those whose id is
// not persisted in scope, preserving input order. Two concurrent calls may both
// admit the same id; downstream upserts are idempotent so that only costs work.
func (x *Index[T]) Dedupe(ctx context.Context, scope crawler.DedupScope, candidates []T) ([]T, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		id := x.key(c)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return append([]T(nil), candidates...), nil
	}

	existing, err := x.lookup.ExistingExternalIDs(ctx, scope, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup existing %s ids: %w", scope.Kind, err)
	}

	fresh := make([]T, 0, len(candidates))
	for _, c := range candidates {
		id := x.key(c)
		if id != "" {
			if _, ok := existing[id]; ok {
				continue
			}
		}
		fresh = append(fresh, c)
	}
	return fresh, nil
}

// Chapters returns an Index over chapter candidates.
func Chapters(lookup Lookup) *Index[crawler.ChapterData] {
	return New(lookup, func(c crawler.ChapterData) string { return c.ExternalID })
}

// Items returns an Index over list items.
func Items(lookup Lookup) *Index[crawler.ListItem] {
	return New(lookup, func(i crawler.ListItem) string { return i.ExternalID })
}
