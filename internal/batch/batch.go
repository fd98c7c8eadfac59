// Package batch fans a list of URLs out over the pipeline with a shared
// circuit breaker, per-user concurrency gates and a service rate limit.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"distillo/internal/config"
	"distillo/internal/log"
	"distillo/internal/metrics"
	"distillo/internal/pipeline"
	"distillo/internal/retry"
)

// Processor is the slice of the pipeline a batch needs.
type Processor interface {
	ProcessURL(ctx context.Context, sub pipeline.Submission) pipeline.Outcome
}

// Result is the outcome of one URL inside a batch.
type Result struct {
	URL              string `json:"url"`
	RequestID        string `json:"request_id,omitempty"`
	Success          bool   `json:"success"`
	Reused           bool   `json:"reused,omitempty"`
	ErrorType        string `json:"error_type,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RetryPossible    bool   `json:"retry_possible,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

// Report aggregates a finished batch.
type Report struct {
	BatchID        string         `json:"batch_id"`
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	ErrorHistogram map[string]int `json:"error_histogram,omitempty"`
	Results        []Result       `json:"results"`
	DurationMS     int64          `json:"duration_ms"`
}

// Orchestrator runs batches. One instance is shared across users; per-user
// gates live for the orchestrator's lifetime.
type Orchestrator struct {
	proc    Processor
	cfg     config.ConcurrencyConfig
	retry   config.RetryConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	userSems map[string]*semaphore.Weighted
	progress map[string]*Progress
	// cooldownUntil blocks all submissions after an upstream rate limit.
	cooldownUntil time.Time

	logger zerolog.Logger
}

func New(proc Processor, cfg config.Config) *Orchestrator {
	perBatch := cfg.Concurrency.MaxConcurrentBatch
	if perBatch < 1 {
		perBatch = 1
	}
	return &Orchestrator{
		proc:     proc,
		cfg:      cfg.Concurrency,
		retry:    cfg.Retry,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), perBatch),
		userSems: make(map[string]*semaphore.Weighted),
		progress: make(map[string]*Progress),
		logger:   log.WithComponent("batch"),
	}
}

// tripThreshold is max(3, total/3) capped at 10 consecutive failures.
func tripThreshold(total int) uint32 {
	n := total / 3
	if n < 3 {
		n = 3
	}
	if n > 10 {
		n = 10
	}
	return uint32(n)
}

func (o *Orchestrator) breakerFor(batchID string, total int) *gobreaker.CircuitBreaker[pipeline.Outcome] {
	threshold := tripThreshold(total)
	return gobreaker.NewCircuitBreaker[pipeline.Outcome](gobreaker.Settings{
		Name:        "batch-" + batchID,
		MaxRequests: 3,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerState.Set(1)
			} else {
				metrics.BreakerState.Set(0)
			}
			o.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
}

// Run processes the batch synchronously and returns the report. Progress is
// queryable under the returned report's BatchID while the batch runs via
// Start.
func (o *Orchestrator) Run(ctx context.Context, urls []string, userID string) *Report {
	batchID := uuid.NewString()
	return o.run(ctx, batchID, urls, userID, o.track(batchID, len(urls)))
}

// Start launches the batch in the background and returns its id for
// progress polling. done receives the report when the batch finishes.
func (o *Orchestrator) Start(ctx context.Context, urls []string, userID string, done func(*Report)) string {
	batchID := uuid.NewString()
	prog := o.track(batchID, len(urls))
	go func() {
		report := o.run(ctx, batchID, urls, userID, prog)
		if done != nil {
			done(report)
		}
	}()
	return batchID
}

func (o *Orchestrator) run(ctx context.Context, batchID string, urls []string, userID string, prog *Progress) *Report {
	start := time.Now()
	breaker := o.breakerFor(batchID, len(urls))
	userSem := o.userSem(userID)
	batchSem := semaphore.NewWeighted(int64(maxInt(o.cfg.MaxConcurrentBatch, 1)))

	results := make([]Result, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			// Exactly one progress tick per submission, whatever path it takes.
			defer prog.done()
			results[i] = o.one(ctx, breaker, batchSem, userSem, url, userID)
		}(i, url)
	}
	wg.Wait()

	report := &Report{
		BatchID:        batchID,
		Total:          len(urls),
		ErrorHistogram: map[string]int{},
		Results:        results,
		DurationMS:     time.Since(start).Milliseconds(),
	}
	for _, r := range results {
		switch {
		case r.Success:
			report.Succeeded++
		case r.ErrorType == pipeline.FailCircuitOpen:
			report.Skipped++
			report.ErrorHistogram[r.ErrorType]++
		default:
			report.Failed++
			report.ErrorHistogram[r.ErrorType]++
		}
	}
	prog.finish(report)
	o.logger.Info().
		Str("batch_id", batchID).
		Int("total", report.Total).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("batch finished")
	return report
}

func (o *Orchestrator) one(ctx context.Context, breaker *gobreaker.CircuitBreaker[pipeline.Outcome], batchSem, userSem *semaphore.Weighted, url, userID string) Result {
	res := Result{URL: url}
	start := time.Now()

	if err := batchSem.Acquire(ctx, 1); err != nil {
		return failedResult(res, pipeline.FailCancelled, err.Error(), true, start)
	}
	defer batchSem.Release(1)
	if err := userSem.Acquire(ctx, 1); err != nil {
		return failedResult(res, pipeline.FailCancelled, err.Error(), true, start)
	}
	defer userSem.Release(1)

	attempts := maxInt(o.retry.Attempts, 1)
	var out pipeline.Outcome
	for attempt := 0; ; attempt++ {
		if err := o.awaitCooldown(ctx); err != nil {
			return failedResult(res, pipeline.FailCancelled, err.Error(), true, start)
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return failedResult(res, pipeline.FailCancelled, err.Error(), true, start)
		}

		var err error
		out, err = breaker.Execute(func() (pipeline.Outcome, error) {
			out := o.proc.ProcessURL(ctx, pipeline.Submission{Raw: url, UserID: userID})
			if countsAsBreakerFailure(out.Failure) {
				return out, out.Failure
			}
			return out, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return failedResult(res, pipeline.FailCircuitOpen, "service circuit open, skipped", true, start)
		}
		if out.Failure != nil && out.Failure.Type == "rate_limited" {
			// An upstream 429 pauses the whole orchestrator, not just this
			// submission.
			o.startCooldown()
		}
		if out.Failure == nil || !out.Failure.Retryable || out.Failure.Type == pipeline.FailCancelled {
			break
		}
		if attempt+1 >= attempts {
			break
		}
		o.logger.Info().
			Str("url", url).
			Str("error_type", out.Failure.Type).
			Int("attempt", attempt+1).
			Msg("retrying submission")
		select {
		case <-time.After(retry.Backoff(o.retry, attempt)):
		case <-ctx.Done():
			return failedResult(res, pipeline.FailCancelled, ctx.Err().Error(), true, start)
		}
	}

	res.ProcessingTimeMS = time.Since(start).Milliseconds()
	res.RequestID = out.RequestID
	if out.Failure != nil {
		res.ErrorType = out.Failure.Type
		res.ErrorMessage = out.Failure.Message
		res.RetryPossible = out.Failure.Retryable
		return res
	}
	res.Success = true
	res.Reused = out.Reused
	return res
}

func (o *Orchestrator) startCooldown() {
	d := time.Duration(o.retry.RateLimitCooldownSec) * time.Second
	if d <= 0 {
		d = time.Minute
	}
	until := time.Now().Add(d)
	o.mu.Lock()
	if until.After(o.cooldownUntil) {
		o.cooldownUntil = until
	}
	o.mu.Unlock()
}

func (o *Orchestrator) awaitCooldown(ctx context.Context) error {
	o.mu.Lock()
	wait := time.Until(o.cooldownUntil)
	o.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// countsAsBreakerFailure keeps local rejections from tripping a breaker
// that protects external services.
func countsAsBreakerFailure(f *pipeline.Failure) bool {
	if f == nil {
		return false
	}
	switch f.Type {
	case pipeline.FailValidation, pipeline.FailSkipCached, pipeline.FailLockHeld:
		return false
	}
	return true
}

func failedResult(res Result, typ, msg string, retryable bool, start time.Time) Result {
	res.ErrorType = typ
	res.ErrorMessage = msg
	res.RetryPossible = retryable
	res.ProcessingTimeMS = time.Since(start).Milliseconds()
	return res
}

func (o *Orchestrator) userSem(userID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.userSems[userID]
	if !ok {
		sem = semaphore.NewWeighted(int64(maxInt(o.cfg.MaxConcurrentPerUser, 1)))
		o.userSems[userID] = sem
	}
	return sem
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
