package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"distillo/internal/agent"
	"distillo/internal/extract"
	"distillo/internal/store"
	"distillo/internal/urlnorm"
)

// ForwardResult is the reply for one forwarded message: outcomes for every
// extracted URL, or a summary of the text itself when it carried none.
type ForwardResult struct {
	Outcomes []Outcome
	// Rejected lists URL-looking fragments that failed validation.
	Rejected []urlnorm.Rejection
	// Truncated is set when the scan stopped at the configured cap; the
	// surface must tell the user.
	Truncated bool
}

// ProcessForward handles free text: URLs found in it are processed like
// direct submissions; text without URLs is summarized directly.
func (c *Coordinator) ProcessForward(ctx context.Context, sub Submission) ForwardResult {
	ex := urlnorm.ExtractFromText(sub.Raw, c.cfg.Scraper.ScanCapChars)
	res := ForwardResult{Rejected: ex.Rejected, Truncated: ex.Truncated}

	if len(ex.URLs) > 0 {
		for _, u := range ex.URLs {
			res.Outcomes = append(res.Outcomes, c.ProcessURL(ctx, Submission{Raw: u.URL, UserID: sub.UserID}))
		}
		return res
	}

	res.Outcomes = append(res.Outcomes, c.processText(ctx, sub))
	return res
}

// processText summarizes the forwarded text itself. Dedupe works on the
// hash of the normalized text, so the same message forwarded twice reuses
// the stored summary.
func (c *Coordinator) processText(ctx context.Context, sub Submission) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeouts.RequestSec)*time.Second)
	defer cancel()

	out := Outcome{Kind: store.KindForward}
	text := strings.TrimSpace(sub.Raw)
	if text == "" {
		return c.fail(withDuration(out, start), validationFailure("empty message"))
	}
	if limit := c.cfg.Scraper.ScanCapChars; limit > 0 && len(text) > limit {
		text = text[:limit]
	}

	gate := extract.NewQualityGate(c.cfg.Scraper)
	if err := gate.Check(text); err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}

	hash := textHash(text)
	token, err := c.locks.Acquire(ctx, hash, time.Duration(c.cfg.Lock.TTLSec)*time.Second)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	defer c.locks.Release(context.WithoutCancel(ctx), token)

	id, reused, err := c.store.CreateRequest(ctx, store.KindForward, text, "", hash, sub.UserID)
	if err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}
	out.RequestID = id

	if reused {
		prior, err := c.store.GetRequest(ctx, id)
		if err != nil {
			return c.fail(withDuration(out, start), Classify(err))
		}
		if prior.Status == store.StatusOK {
			return c.reusePrior(ctx, out, sub, start)
		}
		if prior.Status == store.StatusError {
			if err := c.store.ResetForRetry(ctx, id); err != nil {
				return c.fail(withDuration(out, start), Classify(err))
			}
		}
		if prior.Status == store.StatusProcessing {
			stale := time.Duration(c.cfg.Timeouts.RequestSec) * time.Second
			if err := c.store.ReclaimStale(ctx, id, stale); err != nil {
				return c.fail(withDuration(out, start),
					&Failure{Type: FailLockHeld, Message: "already being processed", Retryable: true})
			}
		}
	}

	c.audit(ctx, id, sub.UserID, "request_accepted", map[string]any{"kind": store.KindForward})
	if err := c.store.UpdateStatus(ctx, id, store.StatusProcessing, "", ""); err != nil {
		return c.fail(withDuration(out, start), Classify(err))
	}

	outcome := c.summarizeText(ctx, out, text, start)
	c.finalize(ctx, sub, &outcome)
	return outcome
}

func (c *Coordinator) summarizeText(ctx context.Context, out Outcome, text string, start time.Time) Outcome {
	if err := c.external.Acquire(ctx, 1); err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}

	lang := detectLang(text)
	out.Lang = lang

	var calls []store.LLMCall
	summary, err := c.agent.Summarize(ctx, agent.Input{
		RequestID: out.RequestID,
		Content:   text,
		Lang:      lang,
	}, func(call store.LLMCall) { calls = append(calls, call) })

	c.external.Release(1)

	for _, call := range calls {
		_ = c.store.RecordLLMCall(ctx, call)
	}
	if err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}

	payload, err := summary.JSON()
	if err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}
	if err := c.store.UpsertSummary(ctx, store.Summary{RequestID: out.RequestID, Lang: lang, JSONPayload: payload}); err != nil {
		out.Failure = Classify(err)
		return withDuration(out, start)
	}
	if lang != "" {
		_ = c.store.SetLang(ctx, out.RequestID, lang)
	}

	out.Summary = summary
	out.SummaryJSON = payload
	out.Status = store.StatusOK
	return withDuration(out, start)
}

func textHash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}
