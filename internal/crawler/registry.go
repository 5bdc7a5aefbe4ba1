package crawler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Deps bundles the shared collaborators a crawler factory may use.
type Deps struct {
	// Plain fetches without JavaScript.
	Plain Fetcher
	// Rendered fetches through a headless browser; nil when disabled.
	Rendered Fetcher
	// Auto probes plainly and promotes to Rendered when needed; nil when
	// headless rendering is disabled.
	Auto   Fetcher
	Logger *zap.Logger
}

// FetcherFor picks the fetcher matching the target's render mode.
func (d Deps) FetcherFor(target CrawlTarget) (Fetcher, error) {
	switch target.Render {
	case RenderAlways:
		if d.Rendered == nil {
			return nil, NewFatalConfig("target %s requires headless rendering but it is disabled", target.ID)
		}
		return d.Rendered, nil
	case RenderAuto:
		if d.Auto != nil {
			return d.Auto, nil
		}
	}
	if d.Plain == nil {
		return nil, NewFatalConfig("no fetcher configured for target %s", target.ID)
	}
	return d.Plain, nil
}

// Factory builds a SiteCrawler bound to one target.
type Factory func(target CrawlTarget, deps Deps) (SiteCrawler, error)

// Registry maps crawler identifiers to factories. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds id to factory. Registering an id twice is a programming error.
func (r *Registry) Register(id string, factory Factory) {
	if id == "" || factory == nil {
		panic("crawler: register requires an id and a factory")
	}
	if _, dup := r.factories[id]; dup {
		panic(fmt.Sprintf("crawler: duplicate registration for %q", id))
	}
	r.factories[id] = factory
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.factories[id]
	return ok
}

// IDs lists the registered crawler identifiers.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve builds the crawler bound to target. Unknown identifiers and factory
// failures are FatalConfigErrors.
func (r *Registry) Resolve(target CrawlTarget, deps Deps) (SiteCrawler, error) {
	factory, ok := r.factories[target.CrawlerID]
	if !ok {
		return nil, NewFatalConfig("no crawler registered for %q (target %s)", target.CrawlerID, target.ID)
	}
	sc, err := factory(target, deps)
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, NewFatalConfig("build crawler %q for target %s: %v", target.CrawlerID, target.ID, err)
	}
	return sc, nil
}
