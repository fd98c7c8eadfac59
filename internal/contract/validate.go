package contract

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"distillo/internal/config"
)

// FieldError pins a violation to a JSON path so the self-correction loop can
// feed it back verbatim.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string { return e.Path + ": " + e.Reason }

// ValidationErrors is the full violation list for one candidate summary.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "summary validation failed: " + strings.Join(parts, "; ")
}

var tagRe = regexp.MustCompile(`^#[a-z0-9][a-z0-9_-]*$`)

var (
	validateOnce sync.Once
	structVal    *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structVal = validator.New(validator.WithRequiredStructEnabled())
		_ = structVal.RegisterValidation("topictag", func(fl validator.FieldLevel) bool {
			return tagRe.MatchString(fl.Field().String())
		})
	})
	return structVal
}

// Validate checks a summary against the configured limits. A nil return
// means the summary is persistable as-is.
func Validate(s *Summary, limits config.SummaryLimits) ValidationErrors {
	var errs ValidationErrors

	if err := structValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				errs = append(errs, FieldError{Path: jsonPath(fe.Namespace()), Reason: reasonFor(fe)})
			}
		} else {
			errs = append(errs, FieldError{Path: "$", Reason: err.Error()})
		}
	}

	if n := utf8.RuneCountInString(s.Summary250); n > limits.ShortChars {
		errs = append(errs, FieldError{Path: "summary_250", Reason: fmt.Sprintf("%d characters, limit %d", n, limits.ShortChars)})
	}
	if n := utf8.RuneCountInString(s.Summary1000); n > limits.LongChars {
		errs = append(errs, FieldError{Path: "summary_1000", Reason: fmt.Sprintf("%d characters, limit %d", n, limits.LongChars)})
	}
	errs = appendCountError(errs, "key_ideas", len(s.KeyIdeas), limits.KeyIdeasMin, limits.KeyIdeasMax)
	errs = appendCountError(errs, "topic_tags", len(s.TopicTags), limits.TagsMin, limits.TagsMax)
	errs = appendCountError(errs, "seo_keywords", len(s.SEOKeywords), limits.KeywordsMin, limits.KeywordsMax)

	// The three summaries must carry distinct levels of detail, not the same
	// text pasted three times.
	if sameText(s.Summary1000, s.Summary250) {
		errs = append(errs, FieldError{Path: "summary_1000", Reason: "must not repeat summary_250 verbatim"})
	}
	if sameText(s.TLDR, s.Summary250) || sameText(s.TLDR, s.Summary1000) {
		errs = append(errs, FieldError{Path: "tldr", Reason: "must not duplicate summary_250 or summary_1000"})
	}
	for i, idea := range s.KeyIdeas {
		if n := len(strings.Fields(idea)); n < 3 || n > 10 {
			errs = append(errs, FieldError{
				Path:   fmt.Sprintf("key_ideas[%d]", i),
				Reason: fmt.Sprintf("%d words, each idea needs 3 to 10", n),
			})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func sameText(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && a == b
}

func appendCountError(errs ValidationErrors, path string, n, min, max int) ValidationErrors {
	if min > 0 && n < min {
		return append(errs, FieldError{Path: path, Reason: fmt.Sprintf("%d items, need at least %d", n, min)})
	}
	if max > 0 && n > max {
		return append(errs, FieldError{Path: path, Reason: fmt.Sprintf("%d items, at most %d allowed", n, max)})
	}
	return errs
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// jsonPath turns "Summary.Readability.Method" into "readability.method"
// using the JSON field names.
func jsonPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the struct type name
	}
	for i, p := range parts {
		idx := ""
		if j := strings.IndexByte(p, '['); j >= 0 {
			idx = p[j:]
			p = p[:j]
		}
		parts[i] = fieldToJSON[p] + idx
	}
	return strings.Join(parts, ".")
}

var fieldToJSON = map[string]string{
	"Summary250":        "summary_250",
	"Summary1000":       "summary_1000",
	"TLDR":              "tldr",
	"KeyIdeas":          "key_ideas",
	"TopicTags":         "topic_tags",
	"Entities":          "entities",
	"People":            "people",
	"Organizations":     "organizations",
	"Locations":         "locations",
	"ReadingTimeMin":    "estimated_reading_time_min",
	"KeyStats":          "key_stats",
	"AnsweredQuestions": "answered_questions",
	"Readability":       "readability",
	"Method":            "method",
	"Score":             "score",
	"Level":             "level",
	"SEOKeywords":       "seo_keywords",
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing or empty"
	case "topictag":
		return fmt.Sprintf("%q is not a #lowercase-hyphenated tag", fe.Value())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s constraint", fe.Tag())
	}
}
