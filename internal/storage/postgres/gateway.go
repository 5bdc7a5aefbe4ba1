package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const contentColumns = `id, target_id, external_id, title, alt_titles, description, authors, tags,
	status, cover_url, source_url, created_at, updated_at`

// Gateway implements crawler.PersistenceGateway on Postgres. Upserts use the
// (target_id, external_id) and (content_id, external_id) unique keys.
type Gateway struct {
	pool  dbPool
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// NewGateway wraps a pool.
func NewGateway(pool dbPool, ids crawler.IDGenerator, clock crawler.Clock) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Gateway{pool: pool, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (g *Gateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}

// UpsertContent inserts or updates the content row for (targetID, key).
func (g *Gateway) UpsertContent(ctx context.Context, data crawler.ContentData, targetID string) (crawler.Content, error) {
	key := data.Key()
	if key == "" {
		return crawler.Content{}, fmt.Errorf("upsert content: missing external id and source url")
	}
	id, err := g.ids.NewID()
	if err != nil {
		return crawler.Content{}, fmt.Errorf("generate content id: %w", err)
	}
	now := g.clock.Now().UTC()
	const query = `
INSERT INTO contents (
	id, target_id, external_id, title, alt_titles, description, authors, tags,
	status, cover_url, source_url, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
ON CONFLICT (target_id, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	alt_titles = EXCLUDED.alt_titles,
	description = EXCLUDED.description,
	authors = EXCLUDED.authors,
	tags = EXCLUDED.tags,
	status = EXCLUDED.status,
	cover_url = EXCLUDED.cover_url,
	source_url = EXCLUDED.source_url,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at`

	content := crawler.Content{ContentData: data, TargetID: targetID}
	content.ExternalID = key
	err = g.pool.QueryRow(ctx, query,
		id, targetID, key, data.Title, data.AltTitles, data.Description, data.Authors, data.Tags,
		data.Status, data.CoverURL, data.SourceURL, now,
	).Scan(&content.ID, &content.CreatedAt, &content.UpdatedAt)
	if err != nil {
		return crawler.Content{}, fmt.Errorf("upsert content %s/%s: %w", targetID, key, mapErr(err))
	}
	return content, nil
}

// UpsertChapter inserts or updates the chapter row for (contentID, key). A
// missing parent surfaces as crawler.ErrNotFound.
func (g *Gateway) UpsertChapter(ctx context.Context, data crawler.ChapterData, contentID string) (crawler.Chapter, error) {
	key := data.Key()
	if key == "" {
		return crawler.Chapter{}, fmt.Errorf("upsert chapter: missing external id and source url")
	}
	id, err := g.ids.NewID()
	if err != nil {
		return crawler.Chapter{}, fmt.Errorf("generate chapter id: %w", err)
	}
	now := g.clock.Now().UTC()
	const query = `
INSERT INTO chapters (
	id, content_id, external_id, title, number, volume, language, source_url,
	published_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT (content_id, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	number = EXCLUDED.number,
	volume = EXCLUDED.volume,
	language = EXCLUDED.language,
	source_url = EXCLUDED.source_url,
	published_at = EXCLUDED.published_at,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at`

	chapter := crawler.Chapter{ChapterData: data, ContentID: contentID}
	chapter.ExternalID = key
	err = g.pool.QueryRow(ctx, query,
		id, contentID, key, data.Title, data.Number, data.Volume, data.Language, data.SourceURL,
		data.PublishedAt, now,
	).Scan(&chapter.ID, &chapter.CreatedAt, &chapter.UpdatedAt)
	if err != nil {
		return crawler.Chapter{}, fmt.Errorf("upsert chapter for content %s: %w", contentID, mapErr(err))
	}
	return chapter, nil
}

// SavePages inserts urls numbered by list position in one statement. Rows
// already present are left untouched, so the affected count is the number of
// new pages.
func (g *Gateway) SavePages(ctx context.Context, chapterID string, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	const query = `
INSERT INTO pages (chapter_id, number, url)
SELECT $1, u.ord, u.url
FROM unnest($2::text[]) WITH ORDINALITY AS u(url, ord)
WHERE u.url <> ''
ON CONFLICT (chapter_id, url) DO NOTHING`

	tag, err := g.pool.Exec(ctx, query, chapterID, urls)
	if err != nil {
		return 0, fmt.Errorf("save pages for chapter %s: %w", chapterID, mapErr(err))
	}
	return int(tag.RowsAffected()), nil
}

// AttachPageBlob records where a page's bytes were mirrored.
func (g *Gateway) AttachPageBlob(ctx context.Context, chapterID, url, blobURI string) error {
	tag, err := g.pool.Exec(ctx,
		`UPDATE pages SET blob_uri = $3 WHERE chapter_id = $1 AND url = $2`,
		chapterID, url, blobURI)
	if err != nil {
		return fmt.Errorf("attach blob to page %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach blob to page %s: %w", url, crawler.ErrNotFound)
	}
	return nil
}

// ExistingExternalIDs answers a batched existence query with = ANY.
func (g *Gateway) ExistingExternalIDs(
	ctx context.Context,
	scope crawler.DedupScope,
	candidates []string,
) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(candidates) == 0 {
		return found, nil
	}
	var query string
	switch scope.Kind {
	case crawler.ScopeTarget:
		query = `SELECT external_id FROM contents WHERE target_id = $1 AND external_id = ANY($2)`
	case crawler.ScopeContent:
		query = `SELECT external_id FROM chapters WHERE content_id = $1 AND external_id = ANY($2)`
	default:
		return nil, fmt.Errorf("unknown dedup scope %q", scope.Kind)
	}
	rows, err := g.pool.Query(ctx, query, scope.ID, candidates)
	if err != nil {
		return nil, fmt.Errorf("query existing external ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external ids: %w", err)
	}
	return found, nil
}

// ContentExists reports whether (targetID, externalID) has been persisted.
func (g *Gateway) ContentExists(ctx context.Context, targetID, externalID string) (bool, error) {
	var exists bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM contents WHERE target_id = $1 AND external_id = $2)`,
		targetID, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check content %s/%s: %w", targetID, externalID, err)
	}
	return exists, nil
}

// GetContent fetches a content row by id.
func (g *Gateway) GetContent(ctx context.Context, contentID string) (crawler.Content, error) {
	row := g.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM contents WHERE id = $1`, contentID)
	content, err := scanContent(row)
	if err != nil {
		return crawler.Content{}, fmt.Errorf("get content %s: %w", contentID, mapErr(err))
	}
	return content, nil
}

// ListContent returns up to limit content rows of a target, oldest first.
func (g *Gateway) ListContent(ctx context.Context, targetID string, limit int) ([]crawler.Content, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE target_id = $1 ORDER BY created_at, id LIMIT $2`,
		targetID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list content of %s: %w", targetID, err)
	}
	defer rows.Close()
	out := make([]crawler.Content, 0)
	for rows.Next() {
		content, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content row: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content rows: %w", err)
	}
	return out, nil
}

func scanContent(row pgx.Row) (crawler.Content, error) {
	var (
		c                    crawler.Content
		createdAt, updatedAt time.Time
	)
	err := row.Scan(
		&c.ID, &c.TargetID, &c.ExternalID, &c.Title, &c.AltTitles, &c.Description, &c.Authors, &c.Tags,
		&c.Status, &c.CoverURL, &c.SourceURL, &createdAt, &updatedAt,
	)
	if err != nil {
		return crawler.Content{}, err
	}
	c.CreatedAt = createdAt
	c.UpdatedAt = updatedAt
	return c, nil
}
