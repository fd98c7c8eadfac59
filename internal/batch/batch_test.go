package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/config"
	"distillo/internal/pipeline"
)

// stubProcessor maps URLs to outcomes and counts calls. A sequence entry
// wins over the static outcome and is consumed one element per call.
type stubProcessor struct {
	mu        sync.Mutex
	outcomes  map[string]pipeline.Outcome
	sequences map[string][]pipeline.Outcome
	calls     int32
}

func (s *stubProcessor) ProcessURL(_ context.Context, sub pipeline.Submission) pipeline.Outcome {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.sequences[sub.Raw]; ok && len(seq) > 0 {
		out := seq[0]
		s.sequences[sub.Raw] = seq[1:]
		return out
	}
	if out, ok := s.outcomes[sub.Raw]; ok {
		return out
	}
	return pipeline.Outcome{RequestID: "req-" + sub.Raw, Status: "ok"}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Concurrency.MaxConcurrentBatch = 1 // deterministic ordering
	// One attempt per submission keeps failure counts predictable; the
	// retry tests below raise it explicitly.
	cfg.Retry = config.RetryConfig{Attempts: 1, BaseDelayMS: 1, MaxDelayMS: 2, RateLimitCooldownSec: 1}
	return cfg
}

func fastOrchestrator(proc Processor, cfg config.Config) *Orchestrator {
	o := New(proc, cfg)
	o.limiter.SetLimit(1e6)
	return o
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/p%d", i)
	}
	return out
}

func TestRunAllSucceed(t *testing.T) {
	proc := &stubProcessor{}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), urls(5), "u1")
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)
	require.Len(t, report.Results, 5)
	// Results keep submission order.
	assert.Equal(t, "https://example.com/p0", report.Results[0].URL)
	assert.True(t, report.Results[0].Success)
}

func TestRunErrorHistogram(t *testing.T) {
	proc := &stubProcessor{outcomes: map[string]pipeline.Outcome{
		"https://example.com/p0": {Failure: &pipeline.Failure{Type: "network_timeout", Retryable: true}},
		"https://example.com/p1": {Failure: &pipeline.Failure{Type: "network_timeout", Retryable: true}},
		"https://example.com/p2": {Failure: &pipeline.Failure{Type: "quality_below_threshold"}},
	}}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), urls(5), "u1")
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 2, report.ErrorHistogram["network_timeout"])
	assert.Equal(t, 1, report.ErrorHistogram["quality_below_threshold"])
	assert.True(t, report.Results[0].RetryPossible)
	assert.False(t, report.Results[2].RetryPossible)
}

func TestRunBreakerTripsAndSkips(t *testing.T) {
	// Every URL fails with an external error; threshold for 10 URLs is 3.
	outs := map[string]pipeline.Outcome{}
	for _, u := range urls(10) {
		outs[u] = pipeline.Outcome{Failure: &pipeline.Failure{Type: "llm_exhausted", Retryable: true}}
	}
	proc := &stubProcessor{outcomes: outs}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), urls(10), "u1")
	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 3, report.Failed, "threshold failures before the breaker opens")
	assert.Equal(t, 7, report.Skipped)
	assert.Equal(t, 7, report.ErrorHistogram[pipeline.FailCircuitOpen])
	assert.EqualValues(t, 3, atomic.LoadInt32(&proc.calls), "open breaker must not reach the pipeline")

	// Goroutine scheduling decides which URLs hit the open breaker, so
	// check the skip shape, not the positions.
	skipped := 0
	for _, r := range report.Results {
		if r.ErrorType == pipeline.FailCircuitOpen {
			skipped++
			assert.True(t, r.RetryPossible)
		}
	}
	assert.Equal(t, 7, skipped)
}

func TestRunLocalRejectionsDoNotTrip(t *testing.T) {
	outs := map[string]pipeline.Outcome{}
	for _, u := range urls(10) {
		outs[u] = pipeline.Outcome{Failure: &pipeline.Failure{Type: pipeline.FailValidation}}
	}
	proc := &stubProcessor{outcomes: outs}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), urls(10), "u1")
	assert.Equal(t, 10, report.Failed)
	assert.Zero(t, report.Skipped)
	assert.EqualValues(t, 10, atomic.LoadInt32(&proc.calls))
}

func TestRunReusedCountsAsSuccess(t *testing.T) {
	proc := &stubProcessor{outcomes: map[string]pipeline.Outcome{
		"https://example.com/p0": {RequestID: "r0", Reused: true},
	}}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), urls(1), "u1")
	assert.Equal(t, 1, report.Succeeded)
	assert.True(t, report.Results[0].Reused)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	url := "https://example.com/p0"
	timeout := pipeline.Outcome{Failure: &pipeline.Failure{Type: "network_timeout", Retryable: true}}
	proc := &stubProcessor{sequences: map[string][]pipeline.Outcome{
		url: {timeout, timeout, {RequestID: "r0", Status: "ok"}},
	}}
	cfg := testConfig()
	cfg.Retry.Attempts = 3
	o := fastOrchestrator(proc, cfg)

	report := o.Run(context.Background(), []string{url}, "u1")
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&proc.calls))
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	url := "https://example.com/p0"
	proc := &stubProcessor{outcomes: map[string]pipeline.Outcome{
		url: {Failure: &pipeline.Failure{Type: "network_timeout", Retryable: true}},
	}}
	cfg := testConfig()
	cfg.Retry.Attempts = 3
	o := fastOrchestrator(proc, cfg)

	report := o.Run(context.Background(), []string{url}, "u1")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "network_timeout", report.Results[0].ErrorType)
	assert.True(t, report.Results[0].RetryPossible)
	assert.EqualValues(t, 3, atomic.LoadInt32(&proc.calls))
}

func TestRunDoesNotRetryPermanentFailure(t *testing.T) {
	url := "https://example.com/p0"
	proc := &stubProcessor{outcomes: map[string]pipeline.Outcome{
		url: {Failure: &pipeline.Failure{Type: "quality_below_threshold"}},
	}}
	cfg := testConfig()
	cfg.Retry.Attempts = 3
	o := fastOrchestrator(proc, cfg)

	report := o.Run(context.Background(), []string{url}, "u1")
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&proc.calls))
}

func TestRunRateLimitStartsCooldown(t *testing.T) {
	url := "https://example.com/p0"
	proc := &stubProcessor{outcomes: map[string]pipeline.Outcome{
		url: {Failure: &pipeline.Failure{Type: "rate_limited"}},
	}}
	o := fastOrchestrator(proc, testConfig())

	report := o.Run(context.Background(), []string{url}, "u1")
	assert.Equal(t, 1, report.Failed)

	o.mu.Lock()
	remaining := time.Until(o.cooldownUntil)
	o.mu.Unlock()
	assert.Greater(t, remaining, 500*time.Millisecond, "a 429 must floor the pause before further submissions")
	assert.LessOrEqual(t, remaining, time.Second)
}

func TestAwaitCooldownBlocks(t *testing.T) {
	o := fastOrchestrator(&stubProcessor{}, testConfig())
	o.mu.Lock()
	o.cooldownUntil = time.Now().Add(60 * time.Millisecond)
	o.mu.Unlock()

	start := time.Now()
	require.NoError(t, o.awaitCooldown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.mu.Lock()
	o.cooldownUntil = time.Now().Add(time.Minute)
	o.mu.Unlock()
	assert.ErrorIs(t, o.awaitCooldown(ctx), context.Canceled)
}

func TestStartProgressPolling(t *testing.T) {
	proc := &stubProcessor{}
	o := fastOrchestrator(proc, testConfig())

	doneCh := make(chan *Report, 1)
	id := o.Start(context.Background(), urls(4), "u1", func(r *Report) { doneCh <- r })

	select {
	case report := <-doneCh:
		assert.Equal(t, 4, report.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}

	snap := o.Get(id)
	require.NotNil(t, snap)
	assert.True(t, snap.Finished)
	assert.Equal(t, 4, snap.Done)
	assert.Equal(t, 4, snap.Total)
	require.NotNil(t, snap.Report)

	assert.Nil(t, o.Get("unknown"))
}

func TestTripThreshold(t *testing.T) {
	assert.EqualValues(t, 3, tripThreshold(1))
	assert.EqualValues(t, 3, tripThreshold(9))
	assert.EqualValues(t, 4, tripThreshold(12))
	assert.EqualValues(t, 10, tripThreshold(60))
	assert.EqualValues(t, 10, tripThreshold(1000))
}
