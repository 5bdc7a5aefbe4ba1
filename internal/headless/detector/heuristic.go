// Package detector decides when a plain fetch must be re-done in a headless
// browser.
package detector

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

const defaultMinText = 200

// appShellSelector matches the mount points of client-rendered frameworks.
const appShellSelector = `#__next, #__nuxt, [data-reactroot], [ng-app], [ng-version], #app:empty, #root:empty`

// Heuristic promotes HTML responses that look like an unrendered app shell.
type Heuristic struct {
	// MinTextLength is the visible text below which a page that ships
	// scripts is considered unrendered.
	MinTextLength int
}

// NewHeuristic creates a detector; zero selects the default threshold.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinText
	}
	return &Heuristic{MinTextLength: minText}
}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || !isHTML(resp.Headers) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if doc.Find(appShellSelector).Length() > 0 {
		return true
	}
	if strings.Contains(strings.ToLower(doc.Find("noscript").Text()), "enable javascript") {
		return true
	}

	scripts := doc.Find("script").Length()
	doc.Find("script, style, noscript, template").Remove()
	visible := len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	return scripts > 0 && visible < h.MinTextLength
}

func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
