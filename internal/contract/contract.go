// Package contract defines the structured summary every completion must
// produce, plus the parse, repair and validate steps that stand between raw
// model output and a persisted row.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Summary is the canonical summarization payload.
type Summary struct {
	Summary250        string      `json:"summary_250" validate:"required"`
	Summary1000       string      `json:"summary_1000" validate:"required"`
	TLDR              string      `json:"tldr" validate:"required"`
	KeyIdeas          []string    `json:"key_ideas" validate:"required,dive,required"`
	TopicTags         []string    `json:"topic_tags" validate:"required,dive,topictag"`
	Entities          Entities    `json:"entities"`
	ReadingTimeMin    int         `json:"estimated_reading_time_min" validate:"min=1"`
	KeyStats          []Stat      `json:"key_stats"`
	AnsweredQuestions []string    `json:"answered_questions"`
	Readability       Readability `json:"readability"`
	SEOKeywords       []string    `json:"seo_keywords" validate:"required,dive,required"`
}

type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
}

type Stat struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	// SourceExcerpt quotes the passage the stat was lifted from.
	SourceExcerpt string `json:"source_excerpt,omitempty"`
}

type Readability struct {
	Method string  `json:"method" validate:"required"`
	Score  float64 `json:"score"`
	Level  string  `json:"level" validate:"required"`
}

// rawSummary tolerates the usual model sloppiness: numbers as strings,
// a single string where an array belongs.
type rawSummary struct {
	Summary250        string      `json:"summary_250"`
	Summary1000       string      `json:"summary_1000"`
	TLDR              string      `json:"tldr"`
	KeyIdeas          flexStrings `json:"key_ideas"`
	TopicTags         flexStrings `json:"topic_tags"`
	Entities          rawEntities `json:"entities"`
	ReadingTimeMin    flexInt        `json:"estimated_reading_time_min"`
	KeyStats          []Stat         `json:"key_stats"`
	AnsweredQuestions flexStrings    `json:"answered_questions"`
	Readability       rawReadability `json:"readability"`
	SEOKeywords       flexStrings    `json:"seo_keywords"`
}

type rawEntities struct {
	People        flexStrings `json:"people"`
	Organizations flexStrings `json:"organizations"`
	Locations     flexStrings `json:"locations"`
}

type rawReadability struct {
	Method string    `json:"method"`
	Score  flexFloat `json:"score"`
	Level  string    `json:"level"`
}

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexInt(v + 0.5)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexFloat(v)
	return nil
}

type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 || string(b) == "null" {
		*f = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*f = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// Parse extracts the summary object from raw model output. Markdown fences
// and leading prose are tolerated; the first balanced JSON object wins.
func Parse(raw string) (*Summary, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var rs rawSummary
	if err := json.Unmarshal([]byte(body), &rs); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}

	return &Summary{
		Summary250:        rs.Summary250,
		Summary1000:       rs.Summary1000,
		TLDR:              rs.TLDR,
		KeyIdeas:          rs.KeyIdeas,
		TopicTags:         rs.TopicTags,
		Entities:          Entities{People: rs.Entities.People, Organizations: rs.Entities.Organizations, Locations: rs.Entities.Locations},
		ReadingTimeMin:    int(rs.ReadingTimeMin),
		KeyStats:          rs.KeyStats,
		AnsweredQuestions: rs.AnsweredQuestions,
		Readability:       Readability{Method: rs.Readability.Method, Score: float64(rs.Readability.Score), Level: rs.Readability.Level},
		SEOKeywords:       rs.SEOKeywords,
	}, nil
}

// extractJSONObject returns the substring from the first '{' to its matching
// close brace, skipping string literals.
func extractJSONObject(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in output")
}

// Fingerprint hashes the canonical encoding. Two attempts that produce the
// same fingerprint produced the same summary, whatever the key order was.
func (s *Summary) Fingerprint() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// JSON returns the canonical persisted encoding.
func (s *Summary) JSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
