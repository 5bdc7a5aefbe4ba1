// Package catalog holds the crawl targets loaded from configuration.
package catalog

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Catalog is an immutable set of targets keyed by id.
type Catalog struct {
	targets map[string]crawler.CrawlTarget
	order   []string
}

// New validates targets. When registry is non-nil every target must name a
// registered crawler.
func New(targets []crawler.CrawlTarget, registry *crawler.Registry) (*Catalog, error) {
	c := &Catalog{targets: make(map[string]crawler.CrawlTarget, len(targets))}
	for i, target := range targets {
		if target.ID == "" {
			return nil, fmt.Errorf("target %d: id is required", i)
		}
		if _, dup := c.targets[target.ID]; dup {
			return nil, fmt.Errorf("target %s: duplicate id", target.ID)
		}
		if target.CrawlerID == "" {
			return nil, fmt.Errorf("target %s: crawler is required", target.ID)
		}
		if registry != nil && !registry.Has(target.CrawlerID) {
			return nil, fmt.Errorf("target %s: unknown crawler %q (have %v)", target.ID, target.CrawlerID, registry.IDs())
		}
		switch target.Render {
		case "":
			target.Render = crawler.RenderNever
		case crawler.RenderNever, crawler.RenderAuto, crawler.RenderAlways:
		default:
			return nil, fmt.Errorf("target %s: invalid render mode %q", target.ID, target.Render)
		}
		for name, raw := range map[string]string{"base_url": target.BaseURL, "start_url": target.StartURL} {
			if raw == "" {
				continue
			}
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("target %s: %s %q is not an absolute url", target.ID, name, raw)
			}
		}
		if target.RateLimit.RequestsPerSecond < 0 || target.RateLimit.Burst < 0 {
			return nil, fmt.Errorf("target %s: rate limit must be non-negative", target.ID)
		}
		if target.Name == "" {
			target.Name = target.ID
		}
		c.targets[target.ID] = target
		c.order = append(c.order, target.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Target implements pipeline.TargetLookup.
func (c *Catalog) Target(id string) (crawler.CrawlTarget, bool) {
	target, ok := c.targets[id]
	return target, ok
}

// List returns every target ordered by id.
func (c *Catalog) List() []crawler.CrawlTarget {
	out := make([]crawler.CrawlTarget, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.targets[id])
	}
	return out
}
