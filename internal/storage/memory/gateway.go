package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Gateway is an in-memory PersistenceGateway. Upserts are keyed by
// (target, key) for content and (content, key) for chapters.
type Gateway struct {
	mu       sync.RWMutex
	now      func() time.Time
	seq      int
	contents map[string]crawler.Content // by id
	byKey    map[string]string          // target|key -> content id
	chapters map[string]crawler.Chapter // by id
	chByKey  map[string]string          // content|key -> chapter id
	pages    map[string][]crawler.Page  // by chapter id

	existenceQueries atomic.Int64
}

// NewGateway builds an empty Gateway.
func NewGateway() *Gateway {
	return &Gateway{
		now:      func() time.Time { return time.Now().UTC() },
		contents: make(map[string]crawler.Content),
		byKey:    make(map[string]string),
		chapters: make(map[string]crawler.Chapter),
		chByKey:  make(map[string]string),
		pages:    make(map[string][]crawler.Page),
	}
}

// UpsertContent inserts or updates the content item for (targetID, key).
func (g *Gateway) UpsertContent(_ context.Context, data crawler.ContentData, targetID string) (crawler.Content, error) {
	key := data.Key()
	if key == "" {
		return crawler.Content{}, fmt.Errorf("upsert content: missing external id and source url")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if id, ok := g.byKey[scopedKey(targetID, key)]; ok {
		existing := g.contents[id]
		existing.ContentData = data
		existing.ExternalID = key
		existing.UpdatedAt = now
		g.contents[id] = existing
		return existing, nil
	}
	g.seq++
	content := crawler.Content{
		ContentData: data,
		ID:          fmt.Sprintf("content-%d", g.seq),
		TargetID:    targetID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	content.ExternalID = key
	g.contents[content.ID] = content
	g.byKey[scopedKey(targetID, key)] = content.ID
	return content, nil
}

// UpsertChapter inserts or updates the chapter for (contentID, key).
func (g *Gateway) UpsertChapter(_ context.Context, data crawler.ChapterData, contentID string) (crawler.Chapter, error) {
	key := data.Key()
	if key == "" {
		return crawler.Chapter{}, fmt.Errorf("upsert chapter: missing external id and source url")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.contents[contentID]; !ok {
		return crawler.Chapter{}, fmt.Errorf("upsert chapter for content %s: %w", contentID, crawler.ErrNotFound)
	}
	now := g.now()
	if id, ok := g.chByKey[scopedKey(contentID, key)]; ok {
		existing := g.chapters[id]
		existing.ChapterData = data
		existing.ExternalID = key
		existing.UpdatedAt = now
		g.chapters[id] = existing
		return existing, nil
	}
	g.seq++
	chapter := crawler.Chapter{
		ChapterData: data,
		ID:          fmt.Sprintf("chapter-%d", g.seq),
		ContentID:   contentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chapter.ExternalID = key
	g.chapters[chapter.ID] = chapter
	g.chByKey[scopedKey(contentID, key)] = chapter.ID
	return chapter, nil
}

// SavePages records urls numbered by position, skipping URLs already saved.
func (g *Gateway) SavePages(_ context.Context, chapterID string, urls []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.chapters[chapterID]; !ok {
		return 0, fmt.Errorf("save pages for chapter %s: %w", chapterID, crawler.ErrNotFound)
	}
	existing := g.pages[chapterID]
	seen := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		seen[p.URL] = struct{}{}
	}
	saved := 0
	for i, url := range urls {
		if _, dup := seen[url]; dup || url == "" {
			continue
		}
		seen[url] = struct{}{}
		existing = append(existing, crawler.Page{ChapterID: chapterID, Number: i + 1, URL: url})
		saved++
	}
	g.pages[chapterID] = existing
	return saved, nil
}

// AttachPageBlob records where a page's bytes were mirrored.
func (g *Gateway) AttachPageBlob(_ context.Context, chapterID, url, blobURI string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pages := g.pages[chapterID]
	for i := range pages {
		if pages[i].URL == url {
			pages[i].BlobURI = blobURI
			return nil
		}
	}
	return fmt.Errorf("attach blob to page %s: %w", url, crawler.ErrNotFound)
}

// ExistingExternalIDs answers one batched existence query.
func (g *Gateway) ExistingExternalIDs(
	_ context.Context,
	scope crawler.DedupScope,
	candidates []string,
) (map[string]struct{}, error) {
	g.existenceQueries.Add(1)
	g.mu.RLock()
	defer g.mu.RUnlock()
	index := g.byKey
	if scope.Kind == crawler.ScopeContent {
		index = g.chByKey
	}
	found := make(map[string]struct{})
	for _, id := range candidates {
		if _, ok := index[scopedKey(scope.ID, id)]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// ContentExists reports whether (targetID, externalID) has been persisted.
func (g *Gateway) ContentExists(_ context.Context, targetID, externalID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byKey[scopedKey(targetID, externalID)]
	return ok, nil
}

// GetContent fetches a content item by id.
func (g *Gateway) GetContent(_ context.Context, contentID string) (crawler.Content, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	content, ok := g.contents[contentID]
	if !ok {
		return crawler.Content{}, crawler.ErrNotFound
	}
	return content, nil
}

// ListContent returns up to limit content items of a target, oldest first.
func (g *Gateway) ListContent(_ context.Context, targetID string, limit int) ([]crawler.Content, error) {
	g.mu.RLock()
	out := make([]crawler.Content, 0)
	for _, c := range g.contents {
		if c.TargetID == targetID {
			out = append(out, c)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pages returns a copy of a chapter's recorded pages.
func (g *Gateway) Pages(chapterID string) []crawler.Page {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]crawler.Page(nil), g.pages[chapterID]...)
}

// Chapters returns the chapters persisted for a content item.
func (g *Gateway) Chapters(contentID string) []crawler.Chapter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]crawler.Chapter, 0)
	for _, ch := range g.chapters {
		if ch.ContentID == contentID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ContentCount reports how many content items are stored.
func (g *Gateway) ContentCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.contents)
}

// ExistenceQueries reports how many ExistingExternalIDs calls were made.
func (g *Gateway) ExistenceQueries() int64 {
	return g.existenceQueries.Load()
}

func scopedKey(scope, key string) string {
	return scope + "|" + key
}
