package urlnorm

import (
	neturl "net/url"
	"regexp"
	"strings"
)

var (
	ytHostRe  = regexp.MustCompile(`(?i)(^|\.)(youtube\.com|youtube-nocookie\.com)$`)
	ytIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	ytPathRes = []string{"/shorts/", "/live/", "/embed/", "/v/"}
)

// YouTubeVideoID returns the 11-character video id when u points at a YouTube
// video in any of its spellings, or "" otherwise. Query parameter order never
// affects detection.
func YouTubeVideoID(u *neturl.URL) string {
	if u == nil {
		return ""
	}
	h := strings.ToLower(u.Hostname())
	if h == "youtu.be" {
		return validID(strings.Trim(u.Path, "/"))
	}
	if !ytHostRe.MatchString(h) {
		return ""
	}
	if strings.HasPrefix(u.Path, "/watch") {
		return validID(u.Query().Get("v"))
	}
	for _, prefix := range ytPathRes {
		if strings.HasPrefix(u.Path, prefix) {
			rest := strings.TrimPrefix(u.Path, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			return validID(rest)
		}
	}
	return ""
}

// IsYouTubeURL reports whether the raw URL points at a YouTube video.
func IsYouTubeURL(raw string) bool {
	u, err := neturl.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return YouTubeVideoID(u) != ""
}

func validID(id string) string {
	if ytIDRe.MatchString(id) {
		return id
	}
	return ""
}
