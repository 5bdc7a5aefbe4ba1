package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// GatedStore serialises persistence calls through a shared semaphore so
// stage concurrency never turns into unbounded connection pressure.
type GatedStore struct {
	inner crawler.PersistenceGateway
	sem   *semaphore.Weighted
}

// Gate wraps store with slots concurrent calls. Non-positive slots return
// store unchanged.
func Gate(store crawler.PersistenceGateway, slots int) crawler.PersistenceGateway {
	if store == nil || slots <= 0 {
		return store
	}
	if gated, ok := store.(*GatedStore); ok {
		return gated
	}
	return &GatedStore{inner: store, sem: semaphore.NewWeighted(int64(slots))}
}

func (g *GatedStore) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire persistence slot: %w", err)
	}
	return nil
}

// UpsertContent implements crawler.PersistenceGateway.
func (g *GatedStore) UpsertContent(ctx context.Context, data crawler.ContentData, targetID string) (crawler.Content, error) {
	if err := g.acquire(ctx); err != nil {
		return crawler.Content{}, err
	}
	defer g.sem.Release(1)
	return g.inner.UpsertContent(ctx, data, targetID)
}

// UpsertChapter implements crawler.PersistenceGateway.
func (g *GatedStore) UpsertChapter(ctx context.Context, data crawler.ChapterData, contentID string) (crawler.Chapter, error) {
	if err := g.acquire(ctx); err != nil {
		return crawler.Chapter{}, err
	}
	defer g.sem.Release(1)
	return g.inner.UpsertChapter(ctx, data, contentID)
}

// SavePages implements crawler.PersistenceGateway.
func (g *GatedStore) SavePages(ctx context.Context, chapterID string, urls []string) (int, error) {
	if err := g.acquire(ctx); err != nil {
		return 0, err
	}
	defer g.sem.Release(1)
	return g.inner.SavePages(ctx, chapterID, urls)
}

// AttachPageBlob implements crawler.PersistenceGateway.
func (g *GatedStore) AttachPageBlob(ctx context.Context, chapterID, url, blobURI string) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return g.inner.AttachPageBlob(ctx, chapterID, url, blobURI)
}

// ExistingExternalIDs implements crawler.PersistenceGateway.
func (g *GatedStore) ExistingExternalIDs(
	ctx context.Context,
	scope crawler.DedupScope,
	candidates []string,
) (map[string]struct{}, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.inner.ExistingExternalIDs(ctx, scope, candidates)
}

// ContentExists implements crawler.PersistenceGateway.
func (g *GatedStore) ContentExists(ctx context.Context, targetID, externalID string) (bool, error) {
	if err := g.acquire(ctx); err != nil {
		return false, err
	}
	defer g.sem.Release(1)
	return g.inner.ContentExists(ctx, targetID, externalID)
}

// GetContent implements crawler.PersistenceGateway.
func (g *GatedStore) GetContent(ctx context.Context, contentID string) (crawler.Content, error) {
	if err := g.acquire(ctx); err != nil {
		return crawler.Content{}, err
	}
	defer g.sem.Release(1)
	return g.inner.GetContent(ctx, contentID)
}

// ListContent implements crawler.PersistenceGateway.
func (g *GatedStore) ListContent(ctx context.Context, targetID string, limit int) ([]crawler.Content, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.inner.ListContent(ctx, targetID, limit)
}
