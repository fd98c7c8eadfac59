package extract

import (
	"bytes"
	"context"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	trafilatura "github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"
)

const (
	salvageUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	salvageBodyCap   = 4 << 20
)

// Salvager is the local fallback when the scraping service is down: plain
// GET, readability extraction, markdown conversion.
type Salvager struct {
	http *http.Client
}

func NewSalvager(timeout time.Duration) *Salvager {
	return &Salvager{http: &http.Client{Timeout: timeout}}
}

func (s *Salvager) Fetch(ctx context.Context, url string) (*Content, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", salvageUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Type: TypeNetworkTimeout, Message: "salvage fetch timed out", Cause: err}
		}
		return nil, &Error{Type: TypeFetchFailed, Message: "salvage fetch failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newError(TypeRateLimited, "salvage fetch rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(TypeFetchFailed, "salvage fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, salvageBodyCap))
	if err != nil || len(body) == 0 {
		return nil, newError(TypeFetchFailed, "salvage fetch returned no body")
	}

	parsed, _ := neturl.Parse(url)
	res, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{
		OriginalURL:    parsed,
		EnableFallback: true,
		Focus:          trafilatura.Balanced,
	})
	if err != nil || res == nil {
		return nil, &Error{Type: TypeFetchFailed, Message: "content extraction failed", Cause: err}
	}

	markdown := renderMarkdown(res)
	if strings.TrimSpace(markdown) == "" {
		return nil, newError(TypeQualityBelow, "salvage produced no content")
	}

	meta := map[string]string{}
	if res.Metadata.Title != "" {
		meta["title"] = res.Metadata.Title
	}
	if res.Metadata.Author != "" {
		meta["author"] = res.Metadata.Author
	}
	if res.Metadata.Sitename != "" {
		meta["site"] = res.Metadata.Sitename
	}
	if !res.Metadata.Date.IsZero() {
		meta["published"] = res.Metadata.Date.Format("2006-01-02")
	}

	return &Content{
		Markdown:  markdown,
		Metadata:  meta,
		Source:    "salvage",
		LatencyMS: sinceMS(start),
	}, nil
}

// renderMarkdown converts the extracted content node to markdown, falling
// back to the plain text when conversion fails.
func renderMarkdown(res *trafilatura.ExtractResult) string {
	if res.ContentNode != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, res.ContentNode); err == nil {
			if md, err := htmltomarkdown.ConvertString(buf.String()); err == nil && strings.TrimSpace(md) != "" {
				return md
			}
		}
	}
	return res.ContentText
}
