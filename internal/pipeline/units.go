package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/dedup"
	"github.com/JakeFAU/manga-crawl-engine/internal/paginate"
)

// Unit is one stage's unit of work: consume a task, return the fan-out.
type Unit interface {
	Stage() Stage
	Process(ctx context.Context, env Env, task Task) ([]Task, error)
}

// DefaultUnits returns the four production units keyed by stage.
func DefaultUnits() map[Stage]Unit {
	return map[Stage]Unit{
		StageList:    ListUnit{},
		StageManga:   MangaUnit{},
		StageChapter: ChapterUnit{},
		StagePage:    PageUnit{},
	}
}

// ListUnit sweeps result pages and fans out one manga task per item.
type ListUnit struct{}

// Stage implements Unit.
func (ListUnit) Stage() Stage { return StageList }

// Process implements Unit.
func (ListUnit) Process(ctx context.Context, env Env, task Task) ([]Task, error) {
	lt := task.List
	src, err := listSource(env, *lt)
	if err != nil {
		return nil, err
	}
	fetcher := paginate.New(paginate.Options{
		Limit:       env.Job.PageLimit,
		MaxResults:  env.Job.ItemLimit,
		Concurrency: env.PageConcurrency,
		Retry:       env.retry(),
	})
	res, err := fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", env.Target.ID, err)
	}
	for _, f := range res.Failures {
		env.log(crawler.SeverityWarning, StageList,
			fmt.Sprintf("result page %d skipped after %d attempts", f.Page, f.Attempts), "", f.Err)
	}

	items := res.Items
	if limit := env.Job.ItemLimit; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if lt.SkipExisting {
		items, err = dedup.Items(env.Store).Dedupe(ctx, crawler.DedupScope{Kind: crawler.ScopeTarget, ID: lt.TargetID}, items)
		if err != nil {
			return nil, err
		}
	}
	env.log(crawler.SeverityInfo, StageList,
		fmt.Sprintf("swept %d of %d result pages: %d items, %d to ingest",
			res.PagesFetched, res.TotalPages, len(res.Items), len(items)), "", nil)

	out := make([]Task, 0, len(items))
	for _, item := range items {
		out = append(out, MangaTask(crawler.MangaTask{
			TargetID:     lt.TargetID,
			JobID:        lt.JobID,
			SourceURL:    item.URL,
			ExternalID:   item.ExternalID,
			SkipExisting: lt.SkipExisting,
		}))
	}
	return out, nil
}

func listSource(env Env, lt crawler.ListPageTask) (paginate.Source, error) {
	offset := max(lt.PageNumber, 1) - 1
	if lt.Query != "" {
		searcher, ok := env.Crawler.(crawler.Searcher)
		if !ok {
			return nil, crawler.NewFatalConfig("crawler %q for target %s does not support search", env.Target.CrawlerID, env.Target.ID)
		}
		return func(ctx context.Context, page int) (crawler.ListPage, error) {
			return searcher.Search(ctx, lt.Query, page+offset)
		}, nil
	}
	startURL := env.Job.StartURL
	if startURL == "" {
		startURL = env.Target.StartURL
	}
	if startURL == "" {
		return nil, crawler.NewFatalConfig("target %s has no start url", env.Target.ID)
	}
	return func(ctx context.Context, page int) (crawler.ListPage, error) {
		return env.Crawler.FetchList(ctx, startURL, page+offset)
	}, nil
}

// MangaUnit ingests one content item and fans out its new chapters.
type MangaUnit struct{}

// Stage implements Unit.
func (MangaUnit) Stage() Stage { return StageManga }

// Process implements Unit.
func (MangaUnit) Process(ctx context.Context, env Env, task Task) ([]Task, error) {
	mt := task.Manga
	if mt.SkipExisting && mt.ExternalID != "" {
		exists, err := env.Store.ContentExists(ctx, mt.TargetID, mt.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("check content %s: %w", mt.ExternalID, err)
		}
		if exists {
			env.log(crawler.SeverityDebug, StageManga, "content already ingested, skipping", mt.SourceURL, nil)
			return nil, nil
		}
	}

	var data crawler.ContentData
	if _, err := crawler.Retry(ctx, env.retry(), func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = env.Crawler.FetchDetail(ctx, mt.SourceURL)
		return fetchErr
	}); err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", mt.SourceURL, err)
	}
	if data.SourceURL == "" {
		data.SourceURL = mt.SourceURL
	}
	if data.ExternalID == "" {
		data.ExternalID = mt.ExternalID
	}
	content, err := env.Store.UpsertContent(ctx, data, mt.TargetID)
	if err != nil {
		return nil, fmt.Errorf("upsert content %s: %w", data.Key(), err)
	}

	chapters, err := fetchChapters(ctx, env, mt.SourceURL)
	if err != nil {
		return nil, err
	}
	fresh, err := dedup.Chapters(env.Store).Dedupe(ctx, crawler.DedupScope{Kind: crawler.ScopeContent, ID: content.ID}, chapters)
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(fresh))
	for _, ch := range fresh {
		if ch.Key() == "" {
			env.log(crawler.SeverityWarning, StageManga, "chapter without id or url dropped", mt.SourceURL, nil)
			continue
		}
		out = append(out, ChapterTask(crawler.ChapterTask{
			TargetID:          mt.TargetID,
			JobID:             mt.JobID,
			ParentContentID:   content.ID,
			SourceURL:         ch.SourceURL,
			Title:             ch.Title,
			Number:            ch.Number,
			Volume:            ch.Volume,
			Language:          ch.Language,
			PublishedAt:       ch.PublishedAt,
			ExternalChapterID: ch.Key(),
			SkipExisting:      mt.SkipExisting,
		}))
	}
	return out, nil
}

func fetchChapters(ctx context.Context, env Env, url string) ([]crawler.ChapterData, error) {
	var chapters []crawler.ChapterData
	if _, err := crawler.Retry(ctx, env.retry(), func(ctx context.Context) error {
		var fetchErr error
		chapters, fetchErr = env.Crawler.FetchChapters(ctx, url)
		return fetchErr
	}); err != nil {
		return nil, fmt.Errorf("fetch chapters %s: %w", url, err)
	}
	return chapters, nil
}

// ChapterUnit ingests one chapter, or refreshes a content item's chapter
// list when the task carries no chapter id.
type ChapterUnit struct{}

// Stage implements Unit.
func (ChapterUnit) Stage() Stage { return StageChapter }

// Process implements Unit.
func (u ChapterUnit) Process(ctx context.Context, env Env, task Task) ([]Task, error) {
	ct := task.Chapter
	content, err := env.Store.GetContent(ctx, ct.ParentContentID)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, fmt.Errorf("chapter parent %s: %w", ct.ParentContentID, crawler.ErrNotYetPersisted)
	}
	if err != nil {
		return nil, fmt.Errorf("load content %s: %w", ct.ParentContentID, err)
	}
	if ct.Refresh() {
		return u.refresh(ctx, env, *ct, content)
	}

	chapter, err := env.Store.UpsertChapter(ctx, crawler.ChapterData{
		ExternalID:  ct.ExternalChapterID,
		Title:       ct.Title,
		Number:      ct.Number,
		Volume:      ct.Volume,
		Language:    ct.Language,
		SourceURL:   ct.SourceURL,
		PublishedAt: ct.PublishedAt,
	}, content.ID)
	if err != nil {
		return nil, fmt.Errorf("upsert chapter %s: %w", ct.ExternalChapterID, err)
	}
	return []Task{pageTaskFor(*ct, chapter)}, nil
}

// refresh discovers new chapters and upserts them inline. It never emits
// chapter tasks so the stage does not feed itself.
func (ChapterUnit) refresh(ctx context.Context, env Env, ct crawler.ChapterTask, content crawler.Content) ([]Task, error) {
	url := ct.SourceURL
	if url == "" {
		url = content.SourceURL
	}
	chapters, err := fetchChapters(ctx, env, url)
	if err != nil {
		return nil, err
	}
	fresh, err := dedup.Chapters(env.Store).Dedupe(ctx, crawler.DedupScope{Kind: crawler.ScopeContent, ID: content.ID}, chapters)
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(fresh))
	var failures []error
	for _, ch := range fresh {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		chapter, err := env.Store.UpsertChapter(ctx, ch, content.ID)
		if err != nil {
			env.log(crawler.SeverityError, StageChapter, "upsert refreshed chapter failed", ch.SourceURL, err)
			failures = append(failures, err)
			continue
		}
		out = append(out, pageTaskFor(ct, chapter))
	}
	if len(fresh) > 0 && len(failures) == len(fresh) {
		return nil, fmt.Errorf("refresh chapters of %s: %w", content.ID, errors.Join(failures...))
	}
	env.log(crawler.SeverityInfo, StageChapter,
		fmt.Sprintf("refreshed %q: %d chapters listed, %d new", content.Title, len(chapters), len(out)), url, nil)
	return out, nil
}

func pageTaskFor(ct crawler.ChapterTask, chapter crawler.Chapter) Task {
	return PageTask(crawler.PageTask{
		TargetID:  ct.TargetID,
		JobID:     ct.JobID,
		ChapterID: chapter.ID,
		SourceURL: chapter.SourceURL,
	})
}

// PageUnit records a chapter's page URLs and optionally mirrors the images.
type PageUnit struct{}

// Stage implements Unit.
func (PageUnit) Stage() Stage { return StagePage }

// Process implements Unit.
func (PageUnit) Process(ctx context.Context, env Env, task Task) ([]Task, error) {
	pt := task.Page
	var urls []string
	if _, err := crawler.Retry(ctx, env.retry(), func(ctx context.Context) error {
		var fetchErr error
		urls, fetchErr = env.Crawler.FetchPageURLs(ctx, pt.SourceURL)
		return fetchErr
	}); err != nil {
		return nil, fmt.Errorf("fetch page urls %s: %w", pt.SourceURL, err)
	}
	if len(urls) == 0 {
		return nil, &crawler.ParseError{URL: pt.SourceURL, What: "page list", Err: errors.New("no page images found")}
	}
	saved, err := env.Store.SavePages(ctx, pt.ChapterID, urls)
	if err != nil {
		return nil, fmt.Errorf("save pages for chapter %s: %w", pt.ChapterID, err)
	}
	env.log(crawler.SeverityDebug, StagePage, fmt.Sprintf("recorded %d of %d pages", saved, len(urls)), pt.SourceURL, nil)

	if env.Target.MirrorPages && env.Blobs != nil && env.Hasher != nil {
		mirrorPages(ctx, env, *pt, urls)
	}
	return nil, nil
}

// mirrorPages copies page images into the blob store. Failures are logged and
// never fail the item.
func mirrorPages(ctx context.Context, env Env, pt crawler.PageTask, urls []string) {
	failed := 0
	for _, url := range urls {
		if ctx.Err() != nil {
			return
		}
		if err := mirrorPage(ctx, env, pt, url); err != nil {
			failed++
			env.log(crawler.SeverityError, StagePage, "mirror page failed", url, err)
		}
	}
	if failed > 0 {
		env.log(crawler.SeverityWarning, StagePage,
			fmt.Sprintf("mirrored %d of %d pages", len(urls)-failed, len(urls)), pt.SourceURL, nil)
	}
}

func mirrorPage(ctx context.Context, env Env, pt crawler.PageTask, url string) error {
	var body []byte
	if _, err := crawler.Retry(ctx, env.retry(), func(ctx context.Context) error {
		var fetchErr error
		body, fetchErr = env.Crawler.DownloadPage(ctx, url)
		return fetchErr
	}); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	sum, err := env.Hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	key := BlobKey(pt.TargetID, sum, url)
	uri, err := env.Blobs.PutObject(ctx, key, http.DetectContentType(body), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := env.Store.AttachPageBlob(ctx, pt.ChapterID, url, uri); err != nil {
		return fmt.Errorf("attach blob: %w", err)
	}
	return nil
}

// BlobKey builds the content-addressed object key for a mirrored page.
func BlobKey(targetID, sum, url string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	if len(ext) > 6 {
		ext = ""
	}
	shard := sum
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("pages/%s/%s/%s%s", targetID, shard, sum, ext)
}
