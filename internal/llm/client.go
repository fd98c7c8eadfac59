// Package llm drives chat completions through a preset and model cascade.
// Every attempt is reported to the caller so it can be persisted; nothing in
// the reported payloads carries credentials.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
	"distillo/internal/metrics"
	"distillo/internal/retry"
)

// ErrExhausted reports that every model and preset combination failed.
var ErrExhausted = errors.New("all model and preset attempts failed")

// Request is one structured completion to run through the cascade.
type Request struct {
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
	// LongContext routes to the long-context model instead of the primary.
	LongContext bool
}

// Attempt is the record of a single API call, successful or not.
type Attempt struct {
	Model            string
	Preset           string
	Status           string // "ok" or "error"
	ErrorText        string
	RequestJSON      string
	ResponseText     string
	LatencyMS        int64
	PromptTokens     int64
	CompletionTokens int64
}

// Result is a successful completion plus the full attempt history that led
// to it.
type Result struct {
	Model            string
	Preset           string
	Content          string
	PromptTokens     int64
	CompletionTokens int64
	Attempts         []Attempt
}

// Client runs the cascade. Retries inside one (model, preset) pair cover
// transient transport failures only; malformed or empty output moves the
// cascade forward instead of retrying in place.
type Client struct {
	api     openai.Client
	models  config.ModelConfig
	retry   config.RetryConfig
	presets config.PresetConfig
	timeout time.Duration
	apiKey  string
	logger  zerolog.Logger
}

func New(cfg config.Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLM.BaseURL))
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.LLM.APIKey))
	}
	return &Client{
		api:     openai.NewClient(opts...),
		models:  cfg.Models,
		retry:   cfg.Retry,
		presets: cfg.Presets,
		timeout: time.Duration(cfg.Timeouts.LLMSec) * time.Second,
		apiKey:  cfg.LLM.APIKey,
		logger:  log.WithComponent("llm"),
	}
}

// Complete walks models in order (primary or long-context first, then the
// configured fallbacks) and presets within each model until one attempt
// yields non-empty content. On exhaustion the error names every pair tried.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	var attempts []Attempt
	var tried []string

	for i, model := range c.modelOrder(req.LongContext) {
		cascade := primaryCascade(c.presets)
		if i > 0 {
			cascade = fallbackCascade(c.presets)
		}
		for _, preset := range cascade {
			tried = append(tried, model+"/"+preset.Name)
			att := c.attempt(ctx, model, preset, req)
			attempts = append(attempts, att)
			metrics.LLMAttempts.WithLabelValues(model, preset.Name, att.Status).Inc()
			if att.Status == "ok" {
				metrics.LLMTokens.WithLabelValues(model, "prompt").Add(float64(att.PromptTokens))
				metrics.LLMTokens.WithLabelValues(model, "completion").Add(float64(att.CompletionTokens))
				return &Result{
					Model:            model,
					Preset:           preset.Name,
					Content:          att.ResponseText,
					PromptTokens:     att.PromptTokens,
					CompletionTokens: att.CompletionTokens,
					Attempts:         attempts,
				}, nil
			}
			c.logger.Warn().
				Str("model", model).
				Str("preset", preset.Name).
				Str("error", att.ErrorText).
				Msg("completion attempt failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, &ExhaustedError{Tried: tried, Attempts: attempts}
}

// ExhaustedError carries the attempt history across the cascade boundary so
// callers can persist it.
type ExhaustedError struct {
	Tried    []string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v: tried %s", ErrExhausted, strings.Join(e.Tried, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

func (c *Client) modelOrder(longContext bool) []string {
	first := c.models.Primary
	if longContext && c.models.LongContext != "" {
		first = c.models.LongContext
	}
	order := []string{first}
	for _, m := range c.models.Fallbacks {
		if m != "" && m != first {
			order = append(order, m)
		}
	}
	return order
}

func (c *Client) attempt(ctx context.Context, model string, preset Preset, req Request) Attempt {
	params, reqJSON := c.buildParams(model, preset, req)
	att := Attempt{Model: model, Preset: preset.Name, RequestJSON: reqJSON}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := retry.Do(callCtx, c.retry, retryableAPIError, func() (*openai.ChatCompletion, error) {
		return c.api.Chat.Completions.New(callCtx, params)
	})
	att.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		att.Status = "error"
		att.ErrorText = Redact(err.Error(), c.apiKey)
		return att
	}
	att.PromptTokens = resp.Usage.PromptTokens
	att.CompletionTokens = resp.Usage.CompletionTokens
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		att.Status = "error"
		att.ErrorText = "empty completion"
		return att
	}
	content := resp.Choices[0].Message.Content
	if !hasJSONObject(content) {
		att.Status = "error"
		att.ErrorText = "no JSON object in completion"
		att.ResponseText = content
		return att
	}
	att.Status = "ok"
	att.ResponseText = content
	return att
}

// hasJSONObject reports whether s contains a complete, valid JSON object.
// A completion without one cannot satisfy any structured request, so the
// cascade moves to the next (model, preset) pair instead of retrying in
// place.
func hasJSONObject(s string) bool {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return false
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return json.Valid([]byte(s[start : i+1]))
			}
		}
	}
	return false
}

func (c *Client) buildParams(model string, preset Preset, req Request) (openai.ChatCompletionNewParams, string) {
	system := req.System
	if !preset.UseSchema && len(req.Schema) > 0 {
		if b, err := json.Marshal(req.Schema); err == nil {
			system += "\n\nRespond with a single JSON object conforming to this JSON Schema:\n" + string(b)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(preset.Temperature),
		TopP:        openai.Float(preset.TopP),
	}
	if preset.UseSchema && len(req.Schema) > 0 {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Strict: openai.Bool(preset.Strict),
					Schema: req.Schema,
				},
			},
		}
	} else {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	stored := []map[string]string{
		{"role": "system", "content": Redact(system, c.apiKey)},
		{"role": "user", "content": Redact(req.User, c.apiKey)},
	}
	b, err := json.Marshal(stored)
	if err != nil {
		b = []byte("[]")
	}
	return params, string(b)
}

// retryableAPIError accepts rate limits and server-side failures. Client
// errors such as schema rejection are cascade failures, not retries.
func retryableAPIError(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	// Transport-level errors (connection reset, DNS) surface untyped.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Redact blanks every occurrence of the given secrets in s.
func Redact(s string, secrets ...string) string {
	for _, sec := range secrets {
		if sec == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, "[REDACTED]")
	}
	return s
}
