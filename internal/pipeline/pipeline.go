// Package pipeline coordinates one submission end to end: canonicalize,
// lock, dedupe, extract, summarize, persist. The request id doubles as the
// correlation id on every log line, audit row and user-visible error.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"distillo/internal/agent"
	"distillo/internal/config"
	"distillo/internal/contract"
	"distillo/internal/extract"
	"distillo/internal/lockmgr"
	"distillo/internal/log"
	"distillo/internal/metrics"
	"distillo/internal/store"
	"distillo/internal/urlnorm"
)

// Submission is one unit of work from any surface.
type Submission struct {
	// Raw is a URL for url submissions or free text for forwards.
	Raw    string
	UserID string
}

// Outcome is the surface-agnostic reply. Exactly one of Summary or Failure
// is set on a terminal outcome.
type Outcome struct {
	RequestID   string
	Kind        string
	Status      string
	Reused      bool
	Summary     *contract.Summary
	SummaryJSON string
	Lang        string
	Failure     *Failure
	DurationMS  int64
}

// Summarizer is what the coordinator needs from the agent.
type Summarizer interface {
	Summarize(ctx context.Context, in agent.Input, record agent.Recorder) (*contract.Summary, error)
}

// WebSource and VideoSource are the two extraction paths.
type WebSource interface {
	Extract(ctx context.Context, url string) (*extract.Content, error)
}

type VideoSource interface {
	Extract(ctx context.Context, url, videoID string) (*extract.Content, error)
	Archive(ctx context.Context, url, videoID string) (*extract.DownloadResult, error)
}

type Coordinator struct {
	cfg     config.Config
	store   *store.Store
	locks   *lockmgr.Manager
	web     WebSource
	video   VideoSource
	agent   Summarizer
	// external gates scraping, transcript and LLM traffic; storage writes
	// happen after the permit is returned.
	external *semaphore.Weighted
	logger   zerolog.Logger
}

func New(cfg config.Config, st *store.Store, locks *lockmgr.Manager, web WebSource, video VideoSource, summarizer Summarizer) *Coordinator {
	n := cfg.Concurrency.MaxConcurrentExternal
	if n < 1 {
		n = 1
	}
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		locks:    locks,
		web:      web,
		video:    video,
		agent:    summarizer,
		external: semaphore.NewWeighted(int64(n)),
		logger:   log.WithComponent("pipeline"),
	}
}

// ProcessURL runs one URL submission to a terminal outcome. It never
// returns a Go error for domain failures; those land in Outcome.Failure.
func (c *Coordinator) ProcessURL(ctx context.Context, sub Submission) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeouts.RequestSec)*time.Second)
	defer cancel()

	norm, err := urlnorm.Normalize(sub.Raw)
	if err != nil {
		return c.fail(Outcome{Kind: store.KindWeb, DurationMS: sinceMS(start)}, validationFailure(err.Error()))
	}
	kind := store.KindWeb
	if norm.IsVideo() {
		kind = store.KindVideo
	}
	out := Outcome{Kind: kind}

	if skipped, reason, err := c.store.IsURLSkipped(ctx, norm.URL); err == nil && skipped {
		return c.fail(withDuration(out, start), &Failure{Type: FailSkipCached, Message: "previously rejected: " + reason})
	}

	token, err := c.locks.Acquire(ctx, norm.DedupeHash, time.Duration(c.cfg.Lock.TTLSec)*time.Second)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	defer c.locks.Release(context.WithoutCancel(ctx), token)

	id, reused, err := c.store.CreateRequest(ctx, kind, sub.Raw, norm.URL, norm.DedupeHash, sub.UserID)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	out.RequestID = id
	logger := log.WithCorrelation("pipeline", id)

	if reused {
		prior, err := c.store.GetRequest(ctx, id)
		if err != nil {
			return c.fail(withDuration(out, start), Classify(err))
		}
		if prior.Status == store.StatusOK {
			return c.reusePrior(ctx, out, sub, start)
		}
		// A prior error row is retried in place; anything in flight under a
		// live lock cannot reach here.
		if prior.Status == store.StatusError {
			if err := c.store.ResetForRetry(ctx, id); err != nil {
				return c.fail(withDuration(out, start), Classify(err))
			}
			logger.Info().Msg("retrying previously failed request")
		}
		// A processing row without a live lock was orphaned by a crash. Once
		// it exceeds the request deadline it is reclaimed; a fresh one may
		// still be finishing on another instance.
		if prior.Status == store.StatusProcessing {
			stale := time.Duration(c.cfg.Timeouts.RequestSec) * time.Second
			if err := c.store.ReclaimStale(ctx, id, stale); err != nil {
				return c.fail(withDuration(out, start),
					&Failure{Type: FailLockHeld, Message: "already being processed", Retryable: true})
			}
			logger.Info().Msg("reclaimed orphaned processing request")
		}
	}

	c.audit(ctx, id, sub.UserID, "request_accepted", map[string]any{"kind": kind, "url": norm.URL})

	if err := c.store.UpdateStatus(ctx, id, store.StatusProcessing, "", ""); err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}

	outcome := c.run(ctx, logger, out, &norm, sub, start)
	c.finalize(ctx, sub, &outcome)
	return outcome
}

// run covers the externally-gated phase plus persistence.
func (c *Coordinator) run(ctx context.Context, logger zerolog.Logger, out Outcome, norm *urlnorm.Normalized, sub Submission, start time.Time) Outcome {
	if err := c.external.Acquire(ctx, 1); err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}
	metrics.BatchInFlight.Inc()
	released := false
	release := func() {
		if !released {
			released = true
			c.external.Release(1)
			metrics.BatchInFlight.Dec()
		}
	}
	defer release()

	extractStart := time.Now()
	var content *extract.Content
	var err error
	if out.Kind == store.KindVideo {
		content, err = c.video.Extract(ctx, norm.URL, norm.VideoID)
	} else {
		content, err = c.web.Extract(ctx, norm.URL)
	}
	metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(extractStart).Seconds())
	if err != nil {
		out.Failure = Classify(err)
		release()
		c.persistExtractionFailure(ctx, out, norm, err)
		return withDuration(out, start)
	}
	c.store.UpdateMovingAvg(ctx, "avg_extract_ms", float64(content.LatencyMS))

	// The local media copy is best-effort: a failed download never fails the
	// summary, it just leaves the artifact row without file paths.
	var archive *extract.DownloadResult
	if out.Kind == store.KindVideo {
		archiveStart := time.Now()
		a, archiveErr := c.video.Archive(ctx, norm.URL, norm.VideoID)
		metrics.StageDuration.WithLabelValues("archive").Observe(time.Since(archiveStart).Seconds())
		if archiveErr != nil {
			logger.Warn().Err(archiveErr).Msg("video archive failed")
		} else {
			archive = a
		}
	}

	lang := content.Lang
	if lang == "" {
		lang = detectLang(content.Markdown)
	}
	out.Lang = lang

	llmStart := time.Now()
	var calls []store.LLMCall
	summary, err := c.agent.Summarize(ctx, agent.Input{
		RequestID: out.RequestID,
		Content:   content.Markdown,
		Header:    content.Header(),
		Lang:      lang,
	}, func(call store.LLMCall) { calls = append(calls, call) })
	metrics.StageDuration.WithLabelValues("summarize").Observe(time.Since(llmStart).Seconds())

	// External traffic is done; free the permit before storage writes.
	release()

	persistStart := time.Now()
	c.persistArtifacts(ctx, logger, out, norm, content, archive, calls)
	if err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}

	payload, jsonErr := summary.JSON()
	if jsonErr != nil {
		out.Failure = Classify(jsonErr)
		return withDuration(out, start)
	}
	if err := c.store.UpsertSummary(ctx, store.Summary{RequestID: out.RequestID, Lang: lang, JSONPayload: payload}); err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}
	if lang != "" {
		_ = c.store.SetLang(ctx, out.RequestID, lang)
	}
	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(persistStart).Seconds())

	out.Summary = summary
	out.SummaryJSON = payload
	out.Status = store.StatusOK
	return withDuration(out, start)
}

// persistArtifacts writes the crawl or video artifact and all LLM call
// records. Failures here are logged, not fatal: the summary decides the
// request outcome.
func (c *Coordinator) persistArtifacts(ctx context.Context, logger zerolog.Logger, out Outcome, norm *urlnorm.Normalized, content *extract.Content, archive *extract.DownloadResult, calls []store.LLMCall) {
	if out.Kind == store.KindVideo {
		artifact := store.VideoArtifact{
			RequestID:        out.RequestID,
			VideoID:          norm.VideoID,
			Status:           "completed",
			TranscriptText:   content.Markdown,
			TranscriptSource: content.Source,
			SubtitleLanguage: content.Lang,
			AutoGenerated:    content.Source != store.TranscriptManual,
			Resolution:       content.Metadata["resolution"],
			DurationSec:      durationSeconds(content.Metadata["duration"]),
		}
		if archive != nil {
			artifact.VideoPath = archive.VideoPath
			artifact.MetadataPath = archive.MetadataPath
			artifact.ThumbnailPath = archive.ThumbnailPath
		}
		err := c.store.RecordVideo(ctx, artifact)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			logger.Warn().Err(err).Msg("video artifact write failed")
		}
	} else {
		err := c.store.RecordCrawl(ctx, store.CrawlResult{
			RequestID: out.RequestID,
			SourceURL: norm.URL,
			Status:    "ok",
			Markdown:  content.Markdown,
			Metadata:  content.Metadata,
			Links:     content.Links,
			LatencyMS: content.LatencyMS,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			logger.Warn().Err(err).Msg("crawl artifact write failed")
		}
	}
	for _, call := range calls {
		if err := c.store.RecordLLMCall(ctx, call); err != nil {
			logger.Warn().Err(err).Msg("llm call record failed")
		}
	}
}

func (c *Coordinator) persistExtractionFailure(ctx context.Context, out Outcome, norm *urlnorm.Normalized, err error) {
	var ee *extract.Error
	if errors.As(err, &ee) && out.Kind == store.KindWeb {
		_ = c.store.RecordCrawl(ctx, store.CrawlResult{
			RequestID: out.RequestID,
			SourceURL: norm.URL,
			Status:    "error",
			ErrorText: ee.Error(),
		})
	}
	// Permanent quality rejections are cached so batches do not re-fetch
	// hopeless URLs.
	if errors.As(err, &ee) && ee.Type == extract.TypeQualityBelow {
		_ = c.store.SkipURL(ctx, norm.URL, ee.Type, 24*time.Hour)
	}
}

// reusePrior answers a duplicate submission from the stored summary with a
// fresh audit trail entry.
func (c *Coordinator) reusePrior(ctx context.Context, out Outcome, sub Submission, start time.Time) Outcome {
	sum, err := c.store.GetSummary(ctx, out.RequestID)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	parsed, err := contract.Parse(sum.JSONPayload)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	metrics.DedupeReuses.Inc()
	metrics.RequestsTotal.WithLabelValues(out.Kind, "reused").Inc()
	c.audit(ctx, out.RequestID, sub.UserID, "dedupe_reuse", map[string]any{"version": sum.Version})

	out.Status = store.StatusOK
	out.Reused = true
	out.Summary = parsed
	out.SummaryJSON = sum.JSONPayload
	out.Lang = sum.Lang
	return withDuration(out, start)
}

// finalize writes the terminal status, audit event and metrics for a
// freshly processed request.
func (c *Coordinator) finalize(ctx context.Context, sub Submission, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	if out.Failure == nil {
		_ = c.store.UpdateStatus(ctx, out.RequestID, store.StatusOK, "", "")
		c.audit(ctx, out.RequestID, sub.UserID, "request_completed", map[string]any{"duration_ms": out.DurationMS, "lang": out.Lang})
		metrics.RequestsTotal.WithLabelValues(out.Kind, store.StatusOK).Inc()
		return
	}
	out.Status = store.StatusError
	_ = c.store.UpdateStatus(ctx, out.RequestID, store.StatusError, out.Failure.Type, out.Failure.Message)
	c.audit(ctx, out.RequestID, sub.UserID, "request_failed", map[string]any{
		"error_type": out.Failure.Type,
		"retryable":  out.Failure.Retryable,
	})
	metrics.RequestsTotal.WithLabelValues(out.Kind, store.StatusError).Inc()
	c.logger.Error().
		Str("corr", out.RequestID).
		Str("error_type", out.Failure.Type).
		Str("error", out.Failure.Message).
		Msg("request failed")
}

// fail is for failures before a request row exists or on reuse paths.
func (c *Coordinator) fail(out Outcome, f *Failure) Outcome {
	out.Status = store.StatusError
	out.Failure = f
	metrics.RequestsTotal.WithLabelValues(out.Kind, "rejected").Inc()
	return out
}

func (c *Coordinator) audit(ctx context.Context, corr, userID, event string, details map[string]any) {
	payload := ""
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			payload = string(b)
		}
	}
	if err := c.store.AppendAudit(ctx, store.AuditEvent{
		Level:         "info",
		Event:         event,
		CorrelationID: corr,
		UserID:        userID,
		Details:       payload,
	}); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("audit write failed")
	}
}

// AuditSink adapts the store for the lock manager's degraded-mode events.
func (c *Coordinator) AuditSink() lockmgr.AuditSink {
	return func(event, details string) {
		c.audit(context.Background(), "", "", event, map[string]any{"details": details})
	}
}

func sinceMS(start time.Time) int64 { return time.Since(start).Milliseconds() }

// durationSeconds parses yt-dlp's H:MM:SS and M:SS duration strings.
func durationSeconds(s string) int {
	if s == "" {
		return 0
	}
	total := 0
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func withDuration(out Outcome, start time.Time) Outcome {
	out.DurationMS = sinceMS(start)
	return out
}
