// Package agent turns extracted content into a validated summary. It owns
// the self-correction loop: completions that parse but fail validation are
// retried with the violations fed back, up to a small attempt budget.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"distillo/internal/chunk"
	"distillo/internal/config"
	"distillo/internal/contract"
	"distillo/internal/llm"
	"distillo/internal/log"
	"distillo/internal/store"
)

// ErrFeedbackIneffective means the model returned the same summary twice
// despite corrective feedback; more attempts would spend tokens for nothing.
var ErrFeedbackIneffective = errors.New("correction feedback ineffective")

// Completer is the slice of the LLM client the agent needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Recorder persists one LLM call record. The agent reports every attempt,
// failed ones included.
type Recorder func(call store.LLMCall)

// Input is one summarization job.
type Input struct {
	RequestID string
	Content   string
	Header    string
	Lang      string
}

type Agent struct {
	llm    Completer
	limits config.SummaryLimits
	models config.ModelConfig
	lang   string
	logger zerolog.Logger
}

func New(completer Completer, cfg config.Config) *Agent {
	return &Agent{
		llm:    completer,
		limits: cfg.Summary,
		models: cfg.Models,
		lang:   cfg.Language,
		logger: log.WithComponent("agent"),
	}
}

// Summarize runs the full job: chunk routing, completion, parse, repair,
// validate, correction loop.
func (a *Agent) Summarize(ctx context.Context, in Input, record Recorder) (*contract.Summary, error) {
	plan := chunk.Split(in.Content, a.models)

	content := in.Content
	if len(plan.Chunks) > 1 {
		digests, err := a.digestChunks(ctx, in, plan.Chunks, record)
		if err != nil {
			return nil, err
		}
		content = strings.Join(digests, "\n\n")
	}

	var lastErrs contract.ValidationErrors
	lastFingerprint := ""
	attempts := a.limits.AgentRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		req := llm.Request{
			System:      summarySystemPrompt(a.limits, a.outputLang(in.Lang)),
			User:        summaryUserPrompt(in.Header, content, lastErrs),
			SchemaName:  contract.SchemaName,
			Schema:      contract.Schema(a.limits),
			LongContext: plan.LongContext,
		}
		res, err := a.llm.Complete(ctx, req)
		a.record(in.RequestID, attempt, res, err, record)
		if err != nil {
			return nil, err
		}

		sum, err := contract.Parse(res.Content)
		if err != nil {
			a.logger.Warn().Str("request_id", in.RequestID).Int("attempt", attempt).Err(err).Msg("unparseable summary")
			lastErrs = contract.ValidationErrors{{Path: "$", Reason: err.Error()}}
			continue
		}
		contract.Repair(sum, a.limits)

		errs := contract.Validate(sum, a.limits)
		if errs == nil {
			return sum, nil
		}

		fp := sum.Fingerprint()
		if attempt >= 2 && fp == lastFingerprint {
			return nil, fmt.Errorf("%w after attempt %d", ErrFeedbackIneffective, attempt)
		}
		lastFingerprint = fp
		lastErrs = errs
		a.logger.Info().
			Str("request_id", in.RequestID).
			Int("attempt", attempt).
			Int("violations", len(errs)).
			Msg("summary failed validation, retrying with feedback")
	}
	return nil, fmt.Errorf("summary invalid after %d attempts: %w", attempts, lastErrs)
}

// digestChunks compresses each chunk to a plain digest used as input for
// the final pass.
func (a *Agent) digestChunks(ctx context.Context, in Input, chunks []chunk.Chunk, record Recorder) ([]string, error) {
	digests := make([]string, 0, len(chunks))
	for _, c := range chunks {
		req := llm.Request{
			System:     digestSystemPrompt(a.outputLang(in.Lang)),
			User:       strings.TrimSpace(c.Header() + "\n\n" + withHeader(in.Header, c.Text)),
			SchemaName: "chunk_digest",
			Schema:     digestSchema,
		}
		res, err := a.llm.Complete(ctx, req)
		a.record(in.RequestID, c.Index+1, res, err, record)
		if err != nil {
			return nil, fmt.Errorf("digest chunk %d/%d: %w", c.Index+1, c.Total, err)
		}
		var d struct {
			Digest string `json:"digest"`
		}
		if err := json.Unmarshal([]byte(res.Content), &d); err != nil || strings.TrimSpace(d.Digest) == "" {
			// A digest that does not parse is still text; use it raw.
			digests = append(digests, res.Content)
			continue
		}
		digests = append(digests, d.Digest)
	}
	return digests, nil
}

func (a *Agent) record(requestID string, attempt int, res *llm.Result, err error, record Recorder) {
	if record == nil {
		return
	}
	var calls []llm.Attempt
	if res != nil {
		calls = res.Attempts
	} else {
		var ex *llm.ExhaustedError
		if errors.As(err, &ex) {
			calls = ex.Attempts
		}
	}
	for _, att := range calls {
		record(store.LLMCall{
			RequestID:        requestID,
			Provider:         "openai",
			Model:            att.Model,
			Preset:           att.Preset,
			Attempt:          attempt,
			RequestMessages:  att.RequestJSON,
			ResponseText:     att.ResponseText,
			Status:           att.Status,
			ErrorText:        att.ErrorText,
			LatencyMS:        att.LatencyMS,
			PromptTokens:     int(att.PromptTokens),
			CompletionTokens: int(att.CompletionTokens),
		})
	}
}

func (a *Agent) outputLang(detected string) string {
	if a.lang != "" && a.lang != "auto" {
		return a.lang
	}
	if detected != "" {
		return detected
	}
	return "the same language as the source content"
}
