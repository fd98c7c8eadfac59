package urlnorm

import (
	"regexp"
	"strings"
)

// Extraction is the result of scanning free text for URLs.
type Extraction struct {
	URLs      []Normalized
	Rejected  []Rejection
	Truncated bool // input exceeded the scan cap; the tail was not scanned
}

// Rejection records a URL-looking match that failed validation.
type Rejection struct {
	Raw    string
	Reason string
}

var (
	schemeURLRe = regexp.MustCompile(`https?://[^\s<>"']+`)
	bareURLRe   = regexp.MustCompile(`(?i)\b(?:www\.|youtu\.be/)[^\s<>"']+`)
)

// ExtractFromText scans free text up to capChars and returns every validated
// URL in order of appearance, deduplicated by normalized form. Text beyond
// the cap is not silently dropped: Truncated is set so callers can surface a
// truncation notice.
func ExtractFromText(text string, capChars int) Extraction {
	if capChars <= 0 {
		capChars = 50000
	}
	var out Extraction
	if len(text) > capChars {
		out.Truncated = true
		text = text[:capChars]
	}

	seen := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{schemeURLRe, bareURLRe} {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimRight(m, ".,;:)]}>")
			n, err := Normalize(m)
			if err != nil {
				out.Rejected = append(out.Rejected, Rejection{Raw: m, Reason: err.Error()})
				continue
			}
			if _, dup := seen[n.DedupeHash]; dup {
				continue
			}
			seen[n.DedupeHash] = struct{}{}
			out.URLs = append(out.URLs, n)
		}
	}
	return out
}
