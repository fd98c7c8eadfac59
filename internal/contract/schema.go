package contract

import (
	"fmt"

	"distillo/internal/config"
)

// SchemaName labels the schema on the wire.
const SchemaName = "content_summary"

// Schema builds the JSON Schema sent in strict structured-output mode.
// Limits come from configuration so prompt and validation never disagree.
func Schema(limits config.SummaryLimits) map[string]any {
	stringArray := func(minItems, maxItems int) map[string]any {
		a := map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		}
		if minItems > 0 {
			a["minItems"] = minItems
		}
		if maxItems > 0 {
			a["maxItems"] = maxItems
		}
		return a
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required": []string{
			"summary_250", "summary_1000", "tldr", "key_ideas", "topic_tags",
			"entities", "estimated_reading_time_min", "key_stats",
			"answered_questions", "readability", "seo_keywords",
		},
		"properties": map[string]any{
			"summary_250": map[string]any{
				"type":        "string",
				"maxLength":   limits.ShortChars,
				"description": fmt.Sprintf("Dense summary, at most %d characters.", limits.ShortChars),
			},
			"summary_1000": map[string]any{
				"type":        "string",
				"maxLength":   limits.LongChars,
				"description": fmt.Sprintf("Detailed summary, at most %d characters.", limits.LongChars),
			},
			"tldr": map[string]any{
				"type":        "string",
				"description": "One-sentence takeaway.",
			},
			"key_ideas":  stringArray(limits.KeyIdeasMin, limits.KeyIdeasMax),
			"topic_tags": stringArray(limits.TagsMin, limits.TagsMax),
			"entities": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"people", "organizations", "locations"},
				"properties": map[string]any{
					"people":        stringArray(0, 0),
					"organizations": stringArray(0, 0),
					"locations":     stringArray(0, 0),
				},
			},
			"estimated_reading_time_min": map[string]any{
				"type":    "integer",
				"minimum": 1,
			},
			"key_stats": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"label", "value"},
					"properties": map[string]any{
						"label":          map[string]any{"type": "string"},
						"value":          map[string]any{"type": "string"},
						"unit":           map[string]any{"type": "string"},
						"source_excerpt": map[string]any{"type": "string"},
					},
				},
			},
			"answered_questions": stringArray(0, 0),
			"readability": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"method", "score", "level"},
				"properties": map[string]any{
					"method": map[string]any{"type": "string"},
					"score":  map[string]any{"type": "number"},
					"level":  map[string]any{"type": "string"},
				},
			},
			"seo_keywords": stringArray(limits.KeywordsMin, limits.KeywordsMax),
		},
	}
}
