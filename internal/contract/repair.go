package contract

import (
	"strings"
	"unicode"

	"distillo/internal/config"
)

// Repair applies deterministic fixes the validator would otherwise reject:
// whitespace trimming, tag canonicalization, duplicate removal, over-limit
// truncation and typed defaults. It never invents content.
func Repair(s *Summary, limits config.SummaryLimits) {
	s.Summary250 = truncateAtBoundary(strings.TrimSpace(s.Summary250), limits.ShortChars)
	s.Summary1000 = truncateAtBoundary(strings.TrimSpace(s.Summary1000), limits.LongChars)
	s.TLDR = strings.TrimSpace(s.TLDR)

	s.KeyIdeas = dedupeStrings(trimEach(s.KeyIdeas))
	s.AnsweredQuestions = dedupeStrings(trimEach(s.AnsweredQuestions))
	s.SEOKeywords = dedupeStrings(lowerEach(trimEach(s.SEOKeywords)))

	tags := make([]string, 0, len(s.TopicTags))
	for _, t := range s.TopicTags {
		if ct := CanonicalTag(t); ct != "" {
			tags = append(tags, ct)
		}
	}
	s.TopicTags = dedupeStrings(tags)
	if len(s.TopicTags) > limits.TagsMax && limits.TagsMax > 0 {
		s.TopicTags = s.TopicTags[:limits.TagsMax]
	}
	if len(s.SEOKeywords) > limits.KeywordsMax && limits.KeywordsMax > 0 {
		s.SEOKeywords = s.SEOKeywords[:limits.KeywordsMax]
	}
	if len(s.KeyIdeas) > limits.KeyIdeasMax && limits.KeyIdeasMax > 0 {
		s.KeyIdeas = s.KeyIdeas[:limits.KeyIdeasMax]
	}

	s.Entities.People = dedupeStrings(trimEach(s.Entities.People))
	s.Entities.Organizations = dedupeStrings(trimEach(s.Entities.Organizations))
	s.Entities.Locations = dedupeStrings(trimEach(s.Entities.Locations))

	if s.ReadingTimeMin < 1 {
		s.ReadingTimeMin = 1
	}
	s.Readability.Method = strings.TrimSpace(s.Readability.Method)
	if s.Readability.Method == "" {
		s.Readability.Method = "flesch_kincaid"
	}
	s.Readability.Level = strings.TrimSpace(s.Readability.Level)
	if s.Readability.Level == "" {
		s.Readability.Level = "unknown"
	}

	stats := s.KeyStats[:0]
	for _, st := range s.KeyStats {
		st.Label = strings.TrimSpace(st.Label)
		st.Value = strings.TrimSpace(st.Value)
		st.Unit = strings.TrimSpace(st.Unit)
		if st.Label != "" && st.Value != "" {
			stats = append(stats, st)
		}
	}
	s.KeyStats = stats
}

// CanonicalTag normalizes a topic tag to #lowercase-hyphenated form.
// Unusable input yields "".
func CanonicalTag(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.TrimLeft(t, "#")
	var b strings.Builder
	lastHyphen := false
	for _, r := range t {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return ""
	}
	return "#" + out
}

// truncateAtBoundary cuts to at most max runes, preferring a sentence end
// and never splitting a word.
func truncateAtBoundary(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	window := runes[:max]

	lastSentence := -1
	lastSpace := -1
	for i, r := range window {
		switch r {
		case '.', '!', '?', '…':
			if i+1 >= len(window) || unicode.IsSpace(window[i+1]) {
				lastSentence = i
			}
		}
		if unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	if lastSentence > 0 {
		return strings.TrimSpace(string(window[:lastSentence+1]))
	}
	if lastSpace > 0 {
		return strings.TrimSpace(string(window[:lastSpace]))
	}
	return string(window)
}

func trimEach(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func lowerEach(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// dedupeStrings keeps first occurrences, order preserved.
func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
