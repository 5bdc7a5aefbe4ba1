// Package mangadex crawls MangaDex through its public JSON API.
package mangadex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// ID is the registry identifier.
const ID = "mangadex"

const (
	defaultAPIURL   = "https://api.mangadex.org"
	defaultSiteURL  = "https://mangadex.org"
	defaultCoverURL = "https://uploads.mangadex.org/covers"
	defaultPageSize = 100
	feedPageSize    = 500
	// maxWindow is the deepest offset+limit the list endpoint serves.
	maxWindow = 10000
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Crawler implements crawler.SiteCrawler and crawler.Searcher.
type Crawler struct {
	fetcher   crawler.Fetcher
	apiURL    string
	siteURL   string
	coverURL  string
	language  string
	pageSize  int
	dataSaver bool
}

// New is the registry factory. Recognized options: api_url, site_url,
// cover_url, language, page_size and data_saver.
func New(target crawler.CrawlTarget, deps crawler.Deps) (crawler.SiteCrawler, error) {
	fetcher, err := deps.FetcherFor(target)
	if err != nil {
		return nil, err
	}
	pageSize := defaultPageSize
	if raw := target.Option("page_size", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return nil, crawler.NewFatalConfig("target %s: page_size must be 1..100, got %q", target.ID, raw)
		}
		pageSize = n
	}
	return &Crawler{
		fetcher:   fetcher,
		apiURL:    strings.TrimRight(target.Option("api_url", defaultAPIURL), "/"),
		siteURL:   strings.TrimRight(target.Option("site_url", defaultSiteURL), "/"),
		coverURL:  strings.TrimRight(target.Option("cover_url", defaultCoverURL), "/"),
		language:  target.Option("language", "en"),
		pageSize:  pageSize,
		dataSaver: target.Option("data_saver", "false") == "true",
	}, nil
}

type localized map[string]string

func (l localized) pick(lang string) string {
	if v := l[lang]; v != "" {
		return v
	}
	if v := l["en"]; v != "" {
		return v
	}
	for _, v := range l {
		if v != "" {
			return v
		}
	}
	return ""
}

type relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name     string `json:"name"`
		FileName string `json:"fileName"`
	} `json:"attributes"`
}

type manga struct {
	ID         string `json:"id"`
	Attributes struct {
		Title       localized   `json:"title"`
		AltTitles   []localized `json:"altTitles"`
		Description localized   `json:"description"`
		Status      string      `json:"status"`
		Tags        []struct {
			Attributes struct {
				Name localized `json:"name"`
			} `json:"attributes"`
		} `json:"tags"`
	} `json:"attributes"`
	Relationships []relationship `json:"relationships"`
}

type chapter struct {
	ID         string `json:"id"`
	Attributes struct {
		Title       string     `json:"title"`
		Volume      string     `json:"volume"`
		Number      string     `json:"chapter"`
		Language    string     `json:"translatedLanguage"`
		PublishAt   *time.Time `json:"publishAt"`
		ExternalURL string     `json:"externalUrl"`
	} `json:"attributes"`
}

type collection[T any] struct {
	Result string `json:"result"`
	Data   []T    `json:"data"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Total  int    `json:"total"`
}

// FetchList lists series ordered by latest upload. startURL is ignored; the
// API is addressed through api_url.
func (c *Crawler) FetchList(ctx context.Context, _ string, page int) (crawler.ListPage, error) {
	return c.list(ctx, "", page)
}

// Search lists series whose title matches query.
func (c *Crawler) Search(ctx context.Context, query string, page int) (crawler.ListPage, error) {
	return c.list(ctx, query, page)
}

func (c *Crawler) list(ctx context.Context, query string, page int) (crawler.ListPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("offset", strconv.Itoa((max(page, 1)-1)*c.pageSize))
	params.Add("availableTranslatedLanguage[]", c.language)
	if query != "" {
		params.Set("title", query)
		params.Set("order[relevance]", "desc")
	} else {
		params.Set("order[latestUploadedChapter]", "desc")
	}
	var out collection[manga]
	if err := c.getJSON(ctx, c.apiURL+"/manga?"+params.Encode(), &out); err != nil {
		return crawler.ListPage{}, err
	}
	items := make([]crawler.ListItem, 0, len(out.Data))
	for _, m := range out.Data {
		items = append(items, crawler.ListItem{
			URL:        c.siteURL + "/title/" + m.ID,
			Title:      m.Attributes.Title.pick(c.language),
			ExternalID: m.ID,
		})
	}
	return crawler.ListPage{Items: items, TotalPages: totalPages(out.Total, c.pageSize)}, nil
}

// FetchDetail loads a series by its title page URL.
func (c *Crawler) FetchDetail(ctx context.Context, rawURL string) (crawler.ContentData, error) {
	id, err := extractID(rawURL)
	if err != nil {
		return crawler.ContentData{}, err
	}
	params := url.Values{}
	params.Add("includes[]", "author")
	params.Add("includes[]", "artist")
	params.Add("includes[]", "cover_art")
	var out struct {
		Data manga `json:"data"`
	}
	if err := c.getJSON(ctx, c.apiURL+"/manga/"+id+"?"+params.Encode(), &out); err != nil {
		return crawler.ContentData{}, err
	}
	m := out.Data
	data := crawler.ContentData{
		ExternalID:  m.ID,
		Title:       m.Attributes.Title.pick(c.language),
		Description: m.Attributes.Description.pick(c.language),
		Status:      m.Attributes.Status,
		SourceURL:   c.siteURL + "/title/" + m.ID,
	}
	if data.ExternalID == "" || data.Title == "" {
		return crawler.ContentData{}, &crawler.ParseError{URL: rawURL, What: "manga title"}
	}
	for _, alt := range m.Attributes.AltTitles {
		if t := alt.pick(c.language); t != "" {
			data.AltTitles = append(data.AltTitles, t)
		}
	}
	for _, tag := range m.Attributes.Tags {
		if name := tag.Attributes.Name.pick(c.language); name != "" {
			data.Tags = append(data.Tags, name)
		}
	}
	seen := map[string]bool{}
	for _, rel := range m.Relationships {
		switch rel.Type {
		case "author", "artist":
			if rel.Attributes.Name != "" && !seen[rel.Attributes.Name] {
				seen[rel.Attributes.Name] = true
				data.Authors = append(data.Authors, rel.Attributes.Name)
			}
		case "cover_art":
			if rel.Attributes.FileName != "" {
				data.CoverURL = fmt.Sprintf("%s/%s/%s", c.coverURL, m.ID, rel.Attributes.FileName)
			}
		}
	}
	return data, nil
}

// FetchChapters walks the series feed in the configured language. Chapters
// hosted off-site have no pages and are skipped.
func (c *Crawler) FetchChapters(ctx context.Context, rawURL string) ([]crawler.ChapterData, error) {
	id, err := extractID(rawURL)
	if err != nil {
		return nil, err
	}
	var chapters []crawler.ChapterData
	for offset := 0; ; offset += feedPageSize {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(feedPageSize))
		params.Set("offset", strconv.Itoa(offset))
		params.Add("translatedLanguage[]", c.language)
		params.Set("order[volume]", "asc")
		params.Set("order[chapter]", "asc")
		var feed collection[chapter]
		if err := c.getJSON(ctx, c.apiURL+"/manga/"+id+"/feed?"+params.Encode(), &feed); err != nil {
			return nil, err
		}
		for _, ch := range feed.Data {
			if ch.Attributes.ExternalURL != "" {
				continue
			}
			chapters = append(chapters, crawler.ChapterData{
				ExternalID:  ch.ID,
				Title:       ch.Attributes.Title,
				Number:      ch.Attributes.Number,
				Volume:      ch.Attributes.Volume,
				Language:    ch.Attributes.Language,
				SourceURL:   c.siteURL + "/chapter/" + ch.ID,
				PublishedAt: ch.Attributes.PublishAt,
			})
		}
		if len(feed.Data) == 0 || offset+len(feed.Data) >= feed.Total {
			return chapters, nil
		}
	}
}

// FetchPageURLs resolves the image URLs of a chapter from the at-home
// delivery network.
func (c *Crawler) FetchPageURLs(ctx context.Context, chapterURL string) ([]string, error) {
	id, err := extractID(chapterURL)
	if err != nil {
		return nil, err
	}
	var server struct {
		BaseURL string `json:"baseUrl"`
		Chapter struct {
			Hash      string   `json:"hash"`
			Data      []string `json:"data"`
			DataSaver []string `json:"dataSaver"`
		} `json:"chapter"`
	}
	if err := c.getJSON(ctx, c.apiURL+"/at-home/server/"+id, &server); err != nil {
		return nil, err
	}
	if server.BaseURL == "" || server.Chapter.Hash == "" {
		return nil, &crawler.ParseError{URL: chapterURL, What: "at-home server"}
	}
	quality, files := "data", server.Chapter.Data
	if c.dataSaver && len(server.Chapter.DataSaver) > 0 {
		quality, files = "data-saver", server.Chapter.DataSaver
	}
	pages := make([]string, 0, len(files))
	for _, file := range files {
		pages = append(pages, fmt.Sprintf("%s/%s/%s/%s", server.BaseURL, quality, server.Chapter.Hash, file))
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

func (c *Crawler) getJSON(ctx context.Context, endpoint string, v any) error {
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: endpoint, Accept: "application/json"})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &crawler.StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &crawler.ParseError{URL: endpoint, What: "json response", Err: err}
	}
	return nil
}

func extractID(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &crawler.ParseError{URL: rawURL, What: "url", Err: err}
	}
	for dir := u.Path; dir != "/" && dir != "." && dir != ""; dir = path.Dir(dir) {
		if id := uuidPattern.FindString(path.Base(dir)); id != "" && len(id) == len(path.Base(dir)) {
			return strings.ToLower(id), nil
		}
	}
	if id := uuidPattern.FindString(rawURL); id != "" {
		return strings.ToLower(id), nil
	}
	return "", &crawler.ParseError{URL: rawURL, What: "mangadex id"}
}

func totalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 1
	}
	return min((total+pageSize-1)/pageSize, maxWindow/pageSize)
}
