package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
)

// ScraperClient talks to the remote scraping service. The service renders
// the page and returns markdown plus whatever extra formats were requested;
// the raw payload is kept opaque and stored as-is.
type ScraperClient struct {
	baseURL string
	apiKey  string
	want    []string
	http    *http.Client
	logger  zerolog.Logger
}

func NewScraperClient(cfg config.ScraperConfig, timeout time.Duration) *ScraperClient {
	want := []string{"markdown", "metadata"}
	if cfg.WantHTML {
		want = append(want, "html")
	}
	if cfg.WantStructured {
		want = append(want, "structured")
	}
	if cfg.WantScreenshot {
		want = append(want, "screenshot")
	}
	return &ScraperClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		want:    want,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithComponent("scraper"),
	}
}

// Enabled reports whether a scraping service is configured at all.
func (c *ScraperClient) Enabled() bool { return c.baseURL != "" }

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success  bool              `json:"success"`
	Error    string            `json:"error"`
	Markdown string            `json:"markdown"`
	Metadata map[string]string `json:"metadata"`
	Links    []string          `json:"links"`
}

// Scrape fetches one URL. Unavailability and timeouts come back as typed
// errors so the caller can decide whether salvage applies.
func (c *ScraperClient) Scrape(ctx context.Context, url string) (*Content, error) {
	if !c.Enabled() {
		return nil, newError(TypeScraperUnavailable, "no scraping service configured")
	}
	start := time.Now()

	body, err := json.Marshal(scrapeRequest{URL: url, Formats: c.want})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Type: TypeNetworkTimeout, Message: "scrape timed out", Cause: err}
		}
		return nil, &Error{Type: TypeScraperUnavailable, Message: "scrape request failed", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(TypeRateLimited, "scraping service rate limited")
	case resp.StatusCode >= 500:
		return nil, newError(TypeScraperUnavailable, "scraping service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, newError(TypeFetchFailed, "scraping service returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read scrape response: %w", err)
	}
	var sr scrapeResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("decode scrape response: %w", err)
	}
	if !sr.Success {
		return nil, newError(TypeFetchFailed, "scrape failed: %s", sr.Error)
	}

	c.logger.Debug().Str("url", url).Int("markdown_bytes", len(sr.Markdown)).Msg("scrape ok")
	return &Content{
		Markdown:  sr.Markdown,
		Metadata:  sr.Metadata,
		Links:     sr.Links,
		Source:    "scraper",
		LatencyMS: sinceMS(start),
	}, nil
}
