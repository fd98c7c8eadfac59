package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
	"distillo/internal/metrics"
)

// WebExtractor runs the article path: scraping service first, local salvage
// when the service is unavailable or returns content the quality gate
// rejects, quality gate on whatever comes back.
type WebExtractor struct {
	scraper *ScraperClient
	salvage *Salvager
	gate    *QualityGate
	logger  zerolog.Logger
}

func NewWebExtractor(cfg config.Config) *WebExtractor {
	timeout := time.Duration(cfg.Timeouts.ScraperSec) * time.Second
	return &WebExtractor{
		scraper: NewScraperClient(cfg.Scraper, timeout),
		salvage: NewSalvager(timeout),
		gate:    NewQualityGate(cfg.Scraper),
		logger:  log.WithComponent("extract"),
	}
}

// Extract fetches and gates one page.
func (w *WebExtractor) Extract(ctx context.Context, url string) (*Content, error) {
	content, err := w.scraper.Scrape(ctx, url)
	if err != nil {
		var ee *Error
		if !errors.As(err, &ee) || ee.Type != TypeScraperUnavailable {
			metrics.ExtractionOutcomes.WithLabelValues("scraper", "error").Inc()
			return nil, err
		}
		w.logger.Warn().Str("url", url).Err(err).Msg("scraper unavailable, salvaging")
		return w.salvaged(ctx, url, nil)
	}

	if gateErr := w.gate.Check(content.Markdown); gateErr != nil {
		// A thin or empty scrape is still a miss; the page itself may carry
		// more than the service managed to extract.
		metrics.ExtractionOutcomes.WithLabelValues(content.Source, "rejected").Inc()
		w.logger.Warn().Str("url", url).Err(gateErr).Msg("scraped content rejected, salvaging")
		return w.salvaged(ctx, url, gateErr)
	}
	metrics.ExtractionOutcomes.WithLabelValues(content.Source, "ok").Inc()
	return content, nil
}

// salvaged fetches the page directly and gates it. When the direct fetch
// fails and the scrape already produced a gate error, the gate error wins:
// it names what was wrong with the content we actually had.
func (w *WebExtractor) salvaged(ctx context.Context, url string, gateErr error) (*Content, error) {
	content, err := w.salvage.Fetch(ctx, url)
	if err != nil {
		metrics.ExtractionOutcomes.WithLabelValues("salvage", "error").Inc()
		if gateErr != nil {
			return nil, gateErr
		}
		return nil, err
	}
	if err := w.gate.Check(content.Markdown); err != nil {
		metrics.ExtractionOutcomes.WithLabelValues(content.Source, "rejected").Inc()
		return nil, err
	}
	metrics.ExtractionOutcomes.WithLabelValues(content.Source, "ok").Inc()
	return content, nil
}
