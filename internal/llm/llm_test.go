package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/config"
)

type fakeCall struct {
	Model      string
	FormatType string
}

// fakeOpenAI scripts responses per incoming call and records what each
// request asked for.
type fakeOpenAI struct {
	mu      sync.Mutex
	calls   []fakeCall
	respond func(n int, call fakeCall) (int, string)
}

func (f *fakeOpenAI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		call := fakeCall{Model: body.Model, FormatType: body.ResponseFormat.Type}
		f.calls = append(f.calls, call)
		n := len(f.calls)
		f.mu.Unlock()

		status, payload := f.respond(n, call)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, payload)
	}
}

func (f *fakeOpenAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{
			{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
	})
	return string(b)
}

const errorBody = `{"error":{"message":"invalid schema","type":"invalid_request_error"}}`

func testClient(t *testing.T, fake *fakeOpenAI) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.LLM.BaseURL = srv.URL
	cfg.LLM.APIKey = "test-key"
	cfg.Retry = config.RetryConfig{Attempts: 2, BaseDelayMS: 1, MaxDelayMS: 2}
	cfg.Timeouts.LLMSec = 5
	cfg.Models.Fallbacks = []string{"backup-model"}
	return New(cfg)
}

func testRequest() Request {
	return Request{
		System:     "Summarize.",
		User:       "some article text",
		SchemaName: "summary",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"tldr": map[string]any{"type": "string"}},
		},
	}
}

func TestCompleteFirstAttempt(t *testing.T) {
	fake := &fakeOpenAI{respond: func(int, fakeCall) (int, string) {
		return 200, completionBody(`{"tldr":"short"}`)
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, PresetSchemaStrict, res.Preset)
	assert.Equal(t, `{"tldr":"short"}`, res.Content)
	assert.EqualValues(t, 42, res.PromptTokens)
	assert.EqualValues(t, 7, res.CompletionTokens)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "ok", res.Attempts[0].Status)
	assert.Equal(t, "json_schema", fake.calls[0].FormatType)
}

func TestCompleteRetriesServerError(t *testing.T) {
	fake := &fakeOpenAI{respond: func(n int, _ fakeCall) (int, string) {
		if n == 1 {
			return 500, `{"error":{"message":"upstream hiccup"}}`
		}
		return 200, completionBody(`{"tldr":"ok"}`)
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	// Transient failure is retried in place, not escalated to the next preset.
	assert.Equal(t, PresetSchemaStrict, res.Preset)
	assert.Equal(t, 2, fake.callCount())
	require.Len(t, res.Attempts, 1)
}

func TestCompleteCascadesOnSchemaRejection(t *testing.T) {
	fake := &fakeOpenAI{respond: func(n int, _ fakeCall) (int, string) {
		if n == 1 {
			return 400, errorBody
		}
		return 200, completionBody(`{"tldr":"relaxed"}`)
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, PresetSchemaRelaxed, res.Preset)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "error", res.Attempts[0].Status)
	assert.Equal(t, "ok", res.Attempts[1].Status)
}

func TestCompleteSkipsEmptyContent(t *testing.T) {
	fake := &fakeOpenAI{respond: func(n int, _ fakeCall) (int, string) {
		if n == 1 {
			return 200, completionBody("   ")
		}
		return 200, completionBody(`{"tldr":"second"}`)
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, PresetSchemaRelaxed, res.Preset)
	assert.Equal(t, "empty completion", res.Attempts[0].ErrorText)
}

func TestCompleteAdvancesOnUnparseableContent(t *testing.T) {
	fake := &fakeOpenAI{respond: func(n int, _ fakeCall) (int, string) {
		if n == 1 {
			return 200, completionBody("I am unable to produce structured output right now.")
		}
		return 200, completionBody(`{"tldr":"second"}`)
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, PresetSchemaRelaxed, res.Preset)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "error", res.Attempts[0].Status)
	assert.Equal(t, "no JSON object in completion", res.Attempts[0].ErrorText)
	// Prose output counts as a failed attempt, not a retry of the same pair.
	assert.Equal(t, 2, fake.callCount())
}

func TestCompleteUnparseablePrimaryFallsThroughToBackup(t *testing.T) {
	fake := &fakeOpenAI{respond: func(_ int, call fakeCall) (int, string) {
		if call.Model == "backup-model" {
			return 200, completionBody(`{"tldr":"from backup"}`)
		}
		return 200, completionBody("Sorry, here are some thoughts instead of JSON.")
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup-model", res.Model)
	require.Len(t, res.Attempts, 4)
	for _, att := range res.Attempts[:3] {
		assert.Equal(t, "gpt-4o-mini", att.Model)
		assert.Equal(t, "error", att.Status)
	}
	// One call per primary preset; the unparseable answers were never retried
	// in place.
	assert.Equal(t, 4, fake.callCount())
}

func TestHasJSONObject(t *testing.T) {
	assert.True(t, hasJSONObject(`{"a":1}`))
	assert.True(t, hasJSONObject("prose before\n```json\n{\"a\":\"b {c}\"}\n```\nprose after"))
	assert.False(t, hasJSONObject("no braces at all"))
	assert.False(t, hasJSONObject(`{"unterminated":`))
	assert.False(t, hasJSONObject(`{not json}`))
}

func TestCompleteExhaustion(t *testing.T) {
	fake := &fakeOpenAI{respond: func(int, fakeCall) (int, string) {
		return 400, errorBody
	}}
	c := testClient(t, fake)

	_, err := c.Complete(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, []string{
		"gpt-4o-mini/" + PresetSchemaStrict,
		"gpt-4o-mini/" + PresetSchemaRelaxed,
		"gpt-4o-mini/" + PresetJSONGuardrail,
		"backup-model/" + PresetJSONFallback,
	}, ex.Tried)
	assert.Len(t, ex.Attempts, 4)
}

func TestFallbackModelUsesJSONObjectMode(t *testing.T) {
	fake := &fakeOpenAI{respond: func(_ int, call fakeCall) (int, string) {
		if call.Model == "backup-model" {
			return 200, completionBody(`{"tldr":"from backup"}`)
		}
		return 400, errorBody
	}}
	c := testClient(t, fake)

	res, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup-model", res.Model)
	assert.Equal(t, PresetJSONFallback, res.Preset)
	last := fake.calls[len(fake.calls)-1]
	assert.Equal(t, "json_object", last.FormatType)
}

func TestAttemptPayloadsRedacted(t *testing.T) {
	fake := &fakeOpenAI{respond: func(int, fakeCall) (int, string) {
		return 200, completionBody(`{"tldr":"x"}`)
	}}
	c := testClient(t, fake)

	req := testRequest()
	req.User = "fetched with Authorization: Bearer test-key attached"
	res, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, res.Attempts[0].RequestJSON, "test-key")
	assert.Contains(t, res.Attempts[0].RequestJSON, "[REDACTED]")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "key=[REDACTED]&x=1", Redact("key=sk-abc&x=1", "sk-abc"))
	assert.Equal(t, "nothing", Redact("nothing", ""))
}
