package extract

import (
	"regexp"
	"strings"
)

var (
	vttTimingRe = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?\.\d{3}\s+-->\s+`)
	vttTagRe    = regexp.MustCompile(`<[^>]*>`)
)

// ParseVTT flattens a WebVTT file to plain text: headers, cue numbers,
// timing lines and inline tags dropped, consecutive duplicate lines
// collapsed. Auto-generated subtitles repeat almost every line.
func ParseVTT(raw string) string {
	var out []string
	last := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == "WEBVTT":
			continue
		case strings.HasPrefix(line, "Kind:") || strings.HasPrefix(line, "Language:"):
			continue
		case strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE"):
			continue
		case vttTimingRe.MatchString(line):
			continue
		case isCueNumber(line):
			continue
		}
		line = vttTagRe.ReplaceAllString(line, "")
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || line == last {
			continue
		}
		out = append(out, line)
		last = line
	}
	return strings.Join(out, " ")
}

func isCueNumber(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
