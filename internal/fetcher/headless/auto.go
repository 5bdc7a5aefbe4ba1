package headless

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
)

// Promoting probes with a plain fetcher and re-fetches through a browser
// when the detector says the probe was an unrendered shell.
type Promoting struct {
	plain    crawler.Fetcher
	rendered crawler.Fetcher
	detector crawler.HeadlessDetector
	logger   *zap.Logger
}

// NewPromoting wires the auto render mode.
func NewPromoting(plain, rendered crawler.Fetcher, detector crawler.HeadlessDetector, logger *zap.Logger) (*Promoting, error) {
	if plain == nil || rendered == nil || detector == nil {
		return nil, errors.New("promoting fetcher requires plain, rendered and detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{plain: plain, rendered: rendered, detector: detector, logger: logger}, nil
}

// Fetch implements crawler.Fetcher. Probe errors are returned as-is so a 404
// is never retried through the browser.
func (p *Promoting) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	probe, err := p.plain.Fetch(ctx, request)
	if err != nil {
		return probe, err
	}
	if !p.detector.ShouldPromote(probe) {
		return probe, nil
	}
	metrics.ObserveHeadlessPromotion(request.URL)
	p.logger.Debug("promoting fetch to headless", zap.String("url", request.URL))
	return p.rendered.Fetch(ctx, request)
}
