package agent

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"distillo/internal/config"
	"distillo/internal/contract"
)

func summarySystemPrompt(limits config.SummaryLimits, lang string) string {
	return fmt.Sprintf(`You are a precise content summarizer. Produce a single JSON object describing the provided content.

Rules:
- summary_250: at most %d characters, dense, no filler.
- summary_1000: at most %d characters, covers the full argument.
- tldr: one sentence.
- key_ideas: %d to %d distinct ideas, each 3 to 10 words.
- topic_tags: %d to %d tags, each formatted like #machine-learning.
- seo_keywords: %d to %d lowercase keywords.
- entities: people, organizations and locations actually named in the content.
- estimated_reading_time_min: whole minutes, at least 1.
- key_stats: notable numbers with label, value and optional unit. Empty array if none.
- answered_questions: questions a reader could answer after reading. Empty array if none.
- readability: method, score and level for the source text.
- Write all prose fields in %s.
- Never invent facts that are not in the content.`,
		limits.ShortChars, limits.LongChars,
		limits.KeyIdeasMin, limits.KeyIdeasMax,
		limits.TagsMin, limits.TagsMax,
		limits.KeywordsMin, limits.KeywordsMax,
		lang)
}

func summaryUserPrompt(header, content string, lastErrs contract.ValidationErrors) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	b.WriteString(content)
	if len(lastErrs) > 0 {
		feedback, err := json.Marshal(lastErrs)
		if err == nil {
			b.WriteString("\n\nYour previous answer violated the contract. Fix exactly these violations and change nothing else:\n")
			b.Write(feedback)
		}
	}
	return b.String()
}

func digestSystemPrompt(lang string) string {
	return fmt.Sprintf(`You compress one part of a longer document. Return a JSON object with a single "digest" field: a faithful condensed version of this part, keeping every fact, number and named entity. Write in %s.`, lang)
}

var digestSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"digest"},
	"properties": map[string]any{
		"digest": map[string]any{"type": "string"},
	},
}

func withHeader(header, text string) string {
	if header == "" {
		return text
	}
	return header + "\n\n" + text
}
