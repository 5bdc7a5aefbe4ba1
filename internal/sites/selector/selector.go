// Package selector crawls HTML reader sites described entirely by CSS
// selectors in the target options.
package selector

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// ID is the registry identifier.
const ID = "selector"

var digits = regexp.MustCompile(`\d+(?:\.\d+)?`)

// Selectors names the CSS selectors and attributes used per page kind.
type Selectors struct {
	ListItem     string
	ListTitle    string
	LastPage     string
	PageParam    string
	MaxPages     int
	Title        string
	AltTitles    string
	Description  string
	Authors      string
	Tags         string
	Status       string
	Cover        string
	Chapter      string
	ChapterTitle string
	PageImage    string
	ImageAttrs   []string
	IDPattern    *regexp.Regexp
	ChapterID    *regexp.Regexp
}

// Crawler implements crawler.SiteCrawler over goquery documents.
type Crawler struct {
	fetcher crawler.Fetcher
	sel     Selectors
}

// New is the registry factory. list_item, title, chapter and page_image are
// required options.
func New(target crawler.CrawlTarget, deps crawler.Deps) (crawler.SiteCrawler, error) {
	sel, err := parseSelectors(target)
	if err != nil {
		return nil, err
	}
	fetcher, err := deps.FetcherFor(target)
	if err != nil {
		return nil, err
	}
	return &Crawler{fetcher: fetcher, sel: sel}, nil
}

func parseSelectors(target crawler.CrawlTarget) (Selectors, error) {
	sel := Selectors{
		ListItem:     target.Option("list_item", ""),
		ListTitle:    target.Option("list_title", ""),
		LastPage:     target.Option("last_page", ""),
		PageParam:    target.Option("page_param", "page"),
		Title:        target.Option("title", ""),
		AltTitles:    target.Option("alt_titles", ""),
		Description:  target.Option("description", ""),
		Authors:      target.Option("authors", ""),
		Tags:         target.Option("tags", ""),
		Status:       target.Option("status", ""),
		Cover:        target.Option("cover", ""),
		Chapter:      target.Option("chapter", ""),
		ChapterTitle: target.Option("chapter_title", ""),
		PageImage:    target.Option("page_image", ""),
		ImageAttrs:   strings.Split(target.Option("image_attrs", "data-src,data-lazy-src,src"), ","),
	}
	for name, value := range map[string]string{
		"list_item":  sel.ListItem,
		"title":      sel.Title,
		"chapter":    sel.Chapter,
		"page_image": sel.PageImage,
	} {
		if value == "" {
			return Selectors{}, crawler.NewFatalConfig("target %s: selector option %q is required", target.ID, name)
		}
	}
	maxPages, err := strconv.Atoi(target.Option("max_pages", "1"))
	if err != nil || maxPages < 1 {
		return Selectors{}, crawler.NewFatalConfig("target %s: max_pages must be a positive integer", target.ID)
	}
	sel.MaxPages = maxPages
	if sel.IDPattern, err = compilePattern(target, "id_pattern"); err != nil {
		return Selectors{}, err
	}
	if sel.ChapterID, err = compilePattern(target, "chapter_id_pattern"); err != nil {
		return Selectors{}, err
	}
	return sel, nil
}

func compilePattern(target crawler.CrawlTarget, option string) (*regexp.Regexp, error) {
	raw := target.Option(option, "")
	if raw == "" {
		return nil, nil
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, crawler.NewFatalConfig("target %s: %s: %v", target.ID, option, err)
	}
	if re.NumSubexp() < 1 {
		return nil, crawler.NewFatalConfig("target %s: %s needs a capture group", target.ID, option)
	}
	return re, nil
}

// FetchList parses one listing page. Page N>1 is addressed by setting the
// page query parameter on startURL.
func (c *Crawler) FetchList(ctx context.Context, startURL string, page int) (crawler.ListPage, error) {
	pageURL, err := c.listURL(startURL, page)
	if err != nil {
		return crawler.ListPage{}, err
	}
	doc, base, err := c.document(ctx, pageURL)
	if err != nil {
		return crawler.ListPage{}, err
	}
	var items []crawler.ListItem
	doc.Find(c.sel.ListItem).Each(func(_ int, s *goquery.Selection) {
		link := s
		if goquery.NodeName(s) != "a" {
			link = s.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		var title string
		if c.sel.ListTitle != "" {
			title = text(s.Find(c.sel.ListTitle))
		}
		if title == "" {
			title = strings.TrimSpace(link.AttrOr("title", ""))
		}
		if title == "" {
			title = text(link)
		}
		items = append(items, crawler.ListItem{URL: abs, Title: title, ExternalID: match(c.sel.IDPattern, abs)})
	})
	return crawler.ListPage{Items: items, TotalPages: c.totalPages(doc)}, nil
}

// FetchDetail parses a series page.
func (c *Crawler) FetchDetail(ctx context.Context, pageURL string) (crawler.ContentData, error) {
	doc, base, err := c.document(ctx, pageURL)
	if err != nil {
		return crawler.ContentData{}, err
	}
	data := crawler.ContentData{
		ExternalID: match(c.sel.IDPattern, pageURL),
		Title:      text(doc.Find(c.sel.Title).First()),
		SourceURL:  pageURL,
	}
	if data.Title == "" {
		return crawler.ContentData{}, &crawler.ParseError{URL: pageURL, What: "title"}
	}
	if c.sel.Description != "" {
		data.Description = text(doc.Find(c.sel.Description).First())
	}
	if c.sel.Status != "" {
		data.Status = strings.ToLower(text(doc.Find(c.sel.Status).First()))
	}
	data.AltTitles = texts(doc, c.sel.AltTitles)
	data.Authors = texts(doc, c.sel.Authors)
	data.Tags = texts(doc, c.sel.Tags)
	if c.sel.Cover != "" {
		data.CoverURL = resolve(base, c.imageSource(doc.Find(c.sel.Cover).First()))
	}
	return data, nil
}

// FetchChapters parses the chapter list on a series page.
func (c *Crawler) FetchChapters(ctx context.Context, pageURL string) ([]crawler.ChapterData, error) {
	doc, base, err := c.document(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var chapters []crawler.ChapterData
	doc.Find(c.sel.Chapter).Each(func(_ int, s *goquery.Selection) {
		link := s
		if goquery.NodeName(s) != "a" {
			link = s.Find("a[href]").First()
		}
		abs := resolve(base, link.AttrOr("href", ""))
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		title := text(link)
		if c.sel.ChapterTitle != "" {
			title = text(s.Find(c.sel.ChapterTitle))
		}
		chapters = append(chapters, crawler.ChapterData{
			ExternalID: match(c.sel.ChapterID, abs),
			Title:      title,
			Number:     digits.FindString(title),
			SourceURL:  abs,
		})
	})
	// Sites list newest first; ingest oldest first.
	if len(chapters) > 1 && newestFirst(chapters) {
		for i, j := 0, len(chapters)-1; i < j; i, j = i+1, j-1 {
			chapters[i], chapters[j] = chapters[j], chapters[i]
		}
	}
	return chapters, nil
}

// FetchPageURLs collects the reader images of a chapter in document order.
func (c *Crawler) FetchPageURLs(ctx context.Context, chapterURL string) ([]string, error) {
	doc, base, err := c.document(ctx, chapterURL)
	if err != nil {
		return nil, err
	}
	var pages []string
	doc.Find(c.sel.PageImage).Each(func(_ int, s *goquery.Selection) {
		if abs := resolve(base, c.imageSource(s)); abs != "" {
			pages = append(pages, abs)
		}
	})
	if len(pages) == 0 {
		return nil, &crawler.ParseError{URL: chapterURL, What: "page images"}
	}
	return pages, nil
}

// DownloadPage fetches raw image bytes.
func (c *Crawler) DownloadPage(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Accept: "image/*"})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Crawler) document(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Accept: "text/html"})
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, &crawler.ParseError{URL: pageURL, What: "html", Err: err}
	}
	final := resp.URL
	if final == "" {
		final = pageURL
	}
	base, err := url.Parse(final)
	if err != nil {
		return nil, nil, &crawler.ParseError{URL: pageURL, What: "url", Err: err}
	}
	if href, ok := doc.Find("base[href]").Attr("href"); ok {
		if ref, err := base.Parse(href); err == nil {
			base = ref
		}
	}
	return doc, base, nil
}

func (c *Crawler) listURL(startURL string, page int) (string, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return "", crawler.NewFatalConfig("invalid start url %q: %v", startURL, err)
	}
	if page > 1 {
		q := u.Query()
		q.Set(c.sel.PageParam, strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// totalPages reads the highest page number from the pager, falling back to
// max_pages.
func (c *Crawler) totalPages(doc *goquery.Document) int {
	if c.sel.LastPage == "" {
		return c.sel.MaxPages
	}
	last := 0
	doc.Find(c.sel.LastPage).Each(func(_ int, s *goquery.Selection) {
		candidates := []string{text(s)}
		if href, ok := s.Attr("href"); ok {
			if u, err := url.Parse(href); err == nil {
				candidates = append(candidates, u.Query().Get(c.sel.PageParam))
			}
		}
		for _, candidate := range candidates {
			if n, err := strconv.Atoi(strings.TrimSpace(candidate)); err == nil && n > last {
				last = n
			}
		}
	})
	if last == 0 {
		return 1
	}
	return last
}

// match returns the first capture group of re in s. Without a pattern the
// source URL becomes the upsert key.
func match(re *regexp.Regexp, s string) string {
	if re == nil {
		return ""
	}
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return ""
}

func (c *Crawler) imageSource(s *goquery.Selection) string {
	for _, attr := range c.sel.ImageAttrs {
		if v := strings.TrimSpace(s.AttrOr(strings.TrimSpace(attr), "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := base.Parse(href)
	if err != nil {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func texts(doc *goquery.Document, selector string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := text(s); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func newestFirst(chapters []crawler.ChapterData) bool {
	first, err1 := strconv.ParseFloat(chapters[0].Number, 64)
	last, err2 := strconv.ParseFloat(chapters[len(chapters)-1].Number, 64)
	return err1 == nil && err2 == nil && first > last
}
