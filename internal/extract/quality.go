package extract

import (
	"strings"
	"unicode"

	"distillo/internal/config"
)

// QualityGate rejects extractions that are too thin or too repetitive to
// summarize. All extraction paths pass through it before the LLM sees
// anything.
type QualityGate struct {
	minWords       int
	minAlnumRatio  float64
	minUniqueRatio float64
}

func NewQualityGate(cfg config.ScraperConfig) *QualityGate {
	return &QualityGate{
		minWords:       cfg.MinWords,
		minAlnumRatio:  cfg.MinAlnumRatio,
		minUniqueRatio: cfg.MinUniqueTokenPt,
	}
}

// Check returns a typed error when the text fails any threshold.
func (g *QualityGate) Check(text string) error {
	words := strings.Fields(text)
	if len(words) < g.minWords {
		return newError(TypeQualityBelow, "%d words, need at least %d", len(words), g.minWords)
	}

	var alnum, total int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if total > 0 {
		if ratio := float64(alnum) / float64(total); ratio < g.minAlnumRatio {
			return newError(TypeQualityBelow, "alphanumeric ratio %.2f below %.2f", ratio, g.minAlnumRatio)
		}
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	if ratio := float64(len(unique)) / float64(len(words)); ratio < g.minUniqueRatio {
		return newError(TypeQualityBelow, "unique token ratio %.2f below %.2f", ratio, g.minUniqueRatio)
	}
	return nil
}
