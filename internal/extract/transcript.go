package extract

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"distillo/internal/config"
	"distillo/internal/retry"
	"distillo/internal/store"
)

// TranscriptClient fetches video transcripts over the innertube player API:
// watch page (consent gate handled), API key scrape, player call, caption
// track selection, timedtext XML. Manual tracks beat auto-generated ones.
type TranscriptClient struct {
	http      *http.Client
	watchBase string
	apiBase   string
	langs     []string
	retry     config.RetryConfig
}

var androidClientContext = map[string]any{
	"client": map[string]string{
		"clientName":    "ANDROID",
		"clientVersion": "20.10.38",
	},
}

func NewTranscriptClient(cfg config.VideoConfig, timeout time.Duration) *TranscriptClient {
	tr := &http.Transport{}
	if cfg.ProxyUsername != "" && cfg.ProxyPassword != "" {
		proxy := fmt.Sprintf("http://%s-rotate:%s@p.webshare.io:80/", cfg.ProxyUsername, cfg.ProxyPassword)
		if u, err := neturl.Parse(proxy); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
		// Rotating proxies need fresh connections to actually rotate.
		tr.DisableKeepAlives = true
	}
	return &TranscriptClient{
		http:      &http.Client{Transport: tr, Timeout: timeout},
		watchBase: "https://www.youtube.com",
		apiBase:   "https://www.youtube.com",
		langs:     cfg.SubtitleLangs,
		retry:     config.RetryConfig{Attempts: 2, BaseDelayMS: 1000, MaxDelayMS: 4000},
	}
}

// Transcript is a fetched transcript with its provenance.
type Transcript struct {
	Text   string
	Lang   string
	Source string // store.TranscriptManual or store.TranscriptAuto
}

// Fetch retrieves the best transcript for the video, preferring a manual
// track in one of the configured languages. Transport-level failures are
// retried twice with backoff before the error surfaces; refusals such as
// disabled captions or geo blocks are final on the first answer.
func (c *TranscriptClient) Fetch(ctx context.Context, videoID string) (*Transcript, error) {
	return retry.Do(ctx, c.retry, transientTranscriptError, func() (*Transcript, error) {
		return c.fetchOnce(ctx, videoID)
	})
}

// transientTranscriptError accepts timeouts and failures caused by the
// transport rather than by what the server said.
func transientTranscriptError(err error) bool {
	var ee *Error
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Type == TypeNetworkTimeout || (ee.Type == TypeFetchFailed && ee.Cause != nil)
}

func (c *TranscriptClient) fetchOnce(ctx context.Context, videoID string) (*Transcript, error) {
	watchHTML, cookie, err := c.fetchWatchHTML(ctx, videoID)
	if err != nil {
		return nil, err
	}
	apiKey, err := extractInnertubeKey(watchHTML)
	if err != nil {
		return nil, err
	}
	player, err := c.postPlayer(ctx, apiKey, videoID, cookie)
	if err != nil {
		return nil, err
	}
	track, err := pickCaptionTrack(player, c.langs)
	if err != nil {
		return nil, err
	}

	text, err := c.fetchTimedText(ctx, track.BaseURL, cookie)
	if err != nil {
		return nil, err
	}
	source := store.TranscriptManual
	if track.Kind == "asr" {
		source = store.TranscriptAuto
	}
	return &Transcript{Text: text, Lang: track.Lang, Source: source}, nil
}

func (c *TranscriptClient) fetchWatchHTML(ctx context.Context, videoID string) (string, string, error) {
	url := c.watchBase + "/watch?v=" + videoID
	body, status, err := c.get(ctx, url, "")
	if err != nil {
		return "", "", err
	}
	if strings.Contains(body, `action="https://consent.youtube.com/s"`) {
		v := extractConsentToken(body)
		if v == "" {
			return "", "", newError(TypeFetchFailed, "consent gate without token")
		}
		cookie := "CONSENT=YES+" + v
		body, status, err = c.get(ctx, url, cookie)
		if err != nil {
			return "", "", err
		}
		if status < 200 || status >= 300 {
			return "", "", newError(TypeFetchFailed, "watch page status %d", status)
		}
		return body, cookie, nil
	}
	if status < 200 || status >= 300 {
		return "", "", newError(TypeFetchFailed, "watch page status %d", status)
	}
	return body, "", nil
}

func (c *TranscriptClient) get(ctx context.Context, url, cookie string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", salvageUserAgent)
	req.Header.Set("Accept-Language", "en-US")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, &Error{Type: TypeNetworkTimeout, Message: "transcript fetch timed out", Cause: err}
		}
		return "", 0, &Error{Type: TypeFetchFailed, Message: "transcript fetch failed", Cause: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

var innertubeKeyRe = regexp.MustCompile(`"INNERTUBE_API_KEY"\s*:\s*"([a-zA-Z0-9_-]+)"`)

func extractInnertubeKey(watchHTML string) (string, error) {
	if m := innertubeKeyRe.FindStringSubmatch(watchHTML); len(m) == 2 {
		return m[1], nil
	}
	if strings.Contains(watchHTML, `class="g-recaptcha"`) {
		return "", newError(TypeRateLimited, "captcha challenge on watch page")
	}
	return "", newError(TypeFetchFailed, "player API key not found on watch page")
}

var consentTokenRe = regexp.MustCompile(`name="v" value="(.*?)"`)

func extractConsentToken(watchHTML string) string {
	if m := consentTokenRe.FindStringSubmatch(watchHTML); len(m) == 2 {
		return m[1]
	}
	return ""
}

func (c *TranscriptClient) postPlayer(ctx context.Context, apiKey, videoID, cookie string) (map[string]any, error) {
	payload, _ := json.Marshal(map[string]any{
		"context": androidClientContext,
		"videoId": videoID,
	})
	endpoint := c.apiBase + "/youtubei/v1/player?key=" + apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", salvageUserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Language", "en-US")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Type: TypeNetworkTimeout, Message: "player request timed out", Cause: err}
		}
		return nil, &Error{Type: TypeFetchFailed, Message: "player request failed", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newError(TypeRateLimited, "player request blocked")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(TypeFetchFailed, "player request status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode player response: %w", err)
	}
	if err := classifyPlayability(data); err != nil {
		return nil, err
	}
	return data, nil
}

// classifyPlayability maps the player's refusal reason onto the failure
// taxonomy.
func classifyPlayability(player map[string]any) error {
	ps, _ := player["playabilityStatus"].(map[string]any)
	if ps == nil {
		return nil
	}
	status, _ := ps["status"].(string)
	if status == "OK" || status == "" {
		return nil
	}
	reason, _ := ps["reason"].(string)
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "age"):
		return newError(TypeAgeRestricted, "%s", reason)
	case strings.Contains(lower, "country") || strings.Contains(lower, "region"):
		return newError(TypeGeoBlocked, "%s", reason)
	case strings.Contains(lower, "members"):
		return newError(TypeMembersOnly, "%s", reason)
	case strings.Contains(lower, "premiere") || strings.Contains(lower, "live event"):
		return newError(TypeScheduledPremiere, "%s", reason)
	case status == "LOGIN_REQUIRED":
		return newError(TypePrivateOrRemoved, "%s", reason)
	default:
		return newError(TypePrivateOrRemoved, "video unplayable: %s", reason)
	}
}

type captionTrack struct {
	BaseURL string
	Lang    string
	Kind    string
}

// pickCaptionTrack prefers manual tracks in a preferred language, then any
// manual track, then auto-generated.
func pickCaptionTrack(player map[string]any, preferred []string) (*captionTrack, error) {
	capRoot, _ := player["captions"].(map[string]any)
	tracklist, _ := capRoot["playerCaptionsTracklistRenderer"].(map[string]any)
	raw, _ := tracklist["captionTracks"].([]any)
	if len(raw) == 0 {
		return nil, newError(TypeTranscriptsDisabled, "no caption tracks")
	}

	var tracks []captionTrack
	for _, it := range raw {
		t, _ := it.(map[string]any)
		base, _ := t["baseUrl"].(string)
		if base == "" {
			continue
		}
		lang, _ := t["languageCode"].(string)
		kind, _ := t["kind"].(string)
		tracks = append(tracks, captionTrack{BaseURL: base, Lang: lang, Kind: strings.TrimSpace(kind)})
	}
	if len(tracks) == 0 {
		return nil, newError(TypeTranscriptsDisabled, "no usable caption track")
	}

	for _, lang := range preferred {
		for _, t := range tracks {
			if t.Lang == lang && t.Kind != "asr" {
				return &t, nil
			}
		}
	}
	for _, t := range tracks {
		if t.Kind != "asr" {
			return &t, nil
		}
	}
	for _, lang := range preferred {
		for _, t := range tracks {
			if t.Lang == lang {
				return &t, nil
			}
		}
	}
	return &tracks[0], nil
}

func (c *TranscriptClient) fetchTimedText(ctx context.Context, baseURL, cookie string) (string, error) {
	// srv3 is a richer format we do not parse; plain XML is the default.
	if u, err := neturl.Parse(baseURL); err == nil {
		q := u.Query()
		if q.Get("fmt") == "srv3" {
			q.Del("fmt")
			u.RawQuery = q.Encode()
			baseURL = u.String()
		}
	}
	body, status, err := c.get(ctx, baseURL, cookie)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", newError(TypeFetchFailed, "captions fetch status %d", status)
	}
	return parseTimedText([]byte(body))
}

// parseTimedText flattens timedtext XML into one text blob, entities
// unescaped and markup stripped.
func parseTimedText(b []byte) (string, error) {
	var tx struct {
		XMLName xml.Name `xml:"transcript"`
		Texts   []struct {
			Body string `xml:",innerxml"`
		} `xml:"text"`
	}
	if err := xml.Unmarshal(b, &tx); err != nil {
		return "", fmt.Errorf("parse timedtext: %w", err)
	}
	var parts []string
	for _, t := range tx.Texts {
		txt := stripMarkup(html.UnescapeString(t.Body))
		if txt != "" {
			parts = append(parts, txt)
		}
	}
	if len(parts) == 0 {
		return "", newError(TypeTranscriptsDisabled, "empty transcript")
	}
	return strings.Join(parts, " "), nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripMarkup(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
