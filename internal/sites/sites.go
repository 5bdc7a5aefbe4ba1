// Package sites registers the built-in site crawlers.
package sites

import (
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/sites/mangadex"
	"github.com/JakeFAU/manga-crawl-engine/internal/sites/selector"
)

// NewRegistry returns a registry holding every built-in crawler.
func NewRegistry() *crawler.Registry {
	r := crawler.NewRegistry()
	r.Register(mangadex.ID, mangadex.New)
	r.Register(selector.ID, selector.New)
	return r
}
