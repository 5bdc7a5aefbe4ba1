// Package pipelinetest provides a scripted site crawler for pipeline tests.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Site is an in-memory crawler.SiteCrawler. Series, chapters and pages are
// keyed by URL. Configure it before handing it to a pipeline.
type Site struct {
	mu sync.Mutex

	ListPages  map[int][]crawler.ListItem
	TotalPages int
	Details    map[string]crawler.ContentData
	Chapters   map[string][]crawler.ChapterData
	PageURLs   map[string][]string
	// DetailErrs fails FetchDetail for specific URLs; DetailErr fails all.
	DetailErrs map[string]error
	DetailErr  error
	// PanicOn makes FetchDetail panic for one URL.
	PanicOn string

	detailCalls map[string]int
	queries     []string
}

// NewSite returns an empty Site.
func NewSite() *Site {
	return &Site{
		ListPages:   make(map[int][]crawler.ListItem),
		Details:     make(map[string]crawler.ContentData),
		Chapters:    make(map[string][]crawler.ChapterData),
		PageURLs:    make(map[string][]string),
		DetailErrs:  make(map[string]error),
		detailCalls: make(map[string]int),
	}
}

// SeriesURL is the detail URL AddSeries registers for id.
func SeriesURL(id string) string {
	return "https://site.test/manga/" + id
}

// AddSeries registers a series with chapters chapters of two pages each and
// returns its URL.
func (s *Site) AddSeries(id string, chapters int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := SeriesURL(id)
	s.Details[url] = crawler.ContentData{ExternalID: id, Title: "Series " + id, SourceURL: url}
	list := make([]crawler.ChapterData, 0, chapters)
	for i := 1; i <= chapters; i++ {
		chURL := fmt.Sprintf("%s/ch/%d", url, i)
		list = append(list, crawler.ChapterData{
			ExternalID: fmt.Sprintf("%s-ch%d", id, i),
			Number:     fmt.Sprint(i),
			SourceURL:  chURL,
		})
		s.PageURLs[chURL] = []string{chURL + "/1.jpg", chURL + "/2.jpg"}
	}
	s.Chapters[url] = list
	return url
}

// AddChapter appends one chapter with two pages to an existing series.
func (s *Site) AddChapter(id string, number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := SeriesURL(id)
	chURL := fmt.Sprintf("%s/ch/%d", url, number)
	s.Chapters[url] = append(s.Chapters[url], crawler.ChapterData{
		ExternalID: fmt.Sprintf("%s-ch%d", id, number),
		Number:     fmt.Sprint(number),
		SourceURL:  chURL,
	})
	s.PageURLs[chURL] = []string{chURL + "/1.jpg", chURL + "/2.jpg"}
}

// ListSeries puts one list item per id on page, registering each series with
// chapters chapters.
func (s *Site) ListSeries(page, chapters int, ids ...string) {
	items := make([]crawler.ListItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, crawler.ListItem{URL: s.AddSeries(id, chapters), ExternalID: id})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListPages[page] = append(s.ListPages[page], items...)
	s.TotalPages = max(s.TotalPages, page)
}

// DetailCalls reports how often FetchDetail ran for url.
func (s *Site) DetailCalls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailCalls[url]
}

// FetchList implements crawler.SiteCrawler.
func (s *Site) FetchList(_ context.Context, _ string, page int) (crawler.ListPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crawler.ListPage{Items: append([]crawler.ListItem(nil), s.ListPages[page]...), TotalPages: s.TotalPages}, nil
}

// FetchDetail implements crawler.SiteCrawler.
func (s *Site) FetchDetail(_ context.Context, url string) (crawler.ContentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls[url]++
	if url == s.PanicOn {
		panic("detail parser exploded on " + url)
	}
	if err := s.DetailErrs[url]; err != nil {
		return crawler.ContentData{}, err
	}
	if s.DetailErr != nil {
		return crawler.ContentData{}, s.DetailErr
	}
	data, ok := s.Details[url]
	if !ok {
		return crawler.ContentData{}, &crawler.ParseError{URL: url, What: "detail", Err: errors.New("title not found")}
	}
	return data, nil
}

// FetchChapters implements crawler.SiteCrawler.
func (s *Site) FetchChapters(_ context.Context, url string) ([]crawler.ChapterData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.ChapterData(nil), s.Chapters[url]...), nil
}

// FetchPageURLs implements crawler.SiteCrawler.
func (s *Site) FetchPageURLs(_ context.Context, url string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.PageURLs[url]...), nil
}

// DownloadPage implements crawler.SiteCrawler with a JPEG-looking body.
func (s *Site) DownloadPage(_ context.Context, url string) ([]byte, error) {
	return []byte("\xff\xd8\xff\xe0\x00\x10JFIF " + url), nil
}

// Searching wraps a Site with a Search endpoint that serves the list pages.
type Searching struct {
	*Site
}

// Search implements crawler.Searcher.
func (s Searching) Search(_ context.Context, query string, page int) (crawler.ListPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return crawler.ListPage{Items: append([]crawler.ListItem(nil), s.ListPages[page]...), TotalPages: s.TotalPages}, nil
}

// Queries returns the search queries received so far.
func (s *Site) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Targets is a static pipeline.TargetLookup.
type Targets map[string]crawler.CrawlTarget

// Target implements pipeline.TargetLookup.
func (t Targets) Target(id string) (crawler.CrawlTarget, bool) {
	target, ok := t[id]
	return target, ok
}
