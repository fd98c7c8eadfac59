package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/agent"
	"distillo/internal/config"
	"distillo/internal/contract"
	"distillo/internal/extract"
	"distillo/internal/lockmgr"
	"distillo/internal/store"
	"distillo/internal/urlnorm"
)

type fakeWeb struct {
	content *extract.Content
	err     error
	calls   int
}

func (f *fakeWeb) Extract(_ context.Context, _ string) (*extract.Content, error) {
	f.calls++
	return f.content, f.err
}

type fakeVideo struct {
	content      *extract.Content
	err          error
	download     *extract.DownloadResult
	downloadErr  error
	archiveCalls int
}

func (f *fakeVideo) Extract(_ context.Context, _, _ string) (*extract.Content, error) {
	return f.content, f.err
}

func (f *fakeVideo) Archive(_ context.Context, _, _ string) (*extract.DownloadResult, error) {
	f.archiveCalls++
	return f.download, f.downloadErr
}

type fakeSummarizer struct {
	summary *contract.Summary
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, in agent.Input, record agent.Recorder) (*contract.Summary, error) {
	f.calls++
	if record != nil {
		record(store.LLMCall{RequestID: in.RequestID, Provider: "openai", Model: "gpt-4o-mini", Preset: "schema_strict", Attempt: 1, Status: "ok"})
	}
	return f.summary, f.err
}

func goodSummary() *contract.Summary {
	return &contract.Summary{
		Summary250:     "Short summary.",
		Summary1000:    "Long summary with more detail than the short one.",
		TLDR:           "One line.",
		KeyIdeas:       []string{"a", "b", "c"},
		TopicTags:      []string{"#x", "#y", "#z"},
		ReadingTimeMin: 2,
		Readability:    contract.Readability{Method: "flesch_kincaid", Score: 60, Level: "standard"},
		SEOKeywords:    []string{"one", "two", "three"},
	}
}

func goodContent() *extract.Content {
	return &extract.Content{
		Markdown:  "Plenty of extracted article text to summarize.",
		Metadata:  map[string]string{"title": "Title"},
		Source:    "scraper",
		LatencyMS: 50,
	}
}

type fixture struct {
	coord *Coordinator
	store *store.Store
	web   *fakeWeb
	video *fakeVideo
	agent *fakeSummarizer
	locks *lockmgr.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Scraper.MinWords = 3
	cfg.Scraper.MinUniqueTokenPt = 0.1

	web := &fakeWeb{content: goodContent()}
	video := &fakeVideo{
		content: &extract.Content{
			Markdown: "Transcript text from a video worth reading.",
			Source:   store.TranscriptManual,
			Lang:     "en",
			Metadata: map[string]string{"duration": "12:34", "resolution": "1920x1080"},
		},
		download: &extract.DownloadResult{
			VideoPath:     "/videos/dQw4w9WgXcQ.mp4",
			MetadataPath:  "/videos/dQw4w9WgXcQ.info.json",
			ThumbnailPath: "/videos/dQw4w9WgXcQ.webp",
		},
	}
	summ := &fakeSummarizer{summary: goodSummary()}
	locks := lockmgr.New(lockmgr.NewMemoryLocker(), false, nil)

	return &fixture{
		coord: New(cfg, st, locks, web, video, summ),
		store: st,
		web:   web,
		video: video,
		agent: summ,
		locks: locks,
	}
}

func TestProcessURLHappyPath(t *testing.T) {
	f := newFixture(t)
	out := f.coord.ProcessURL(context.Background(), Submission{Raw: "https://example.com/article", UserID: "u1"})

	require.Nil(t, out.Failure)
	assert.Equal(t, store.StatusOK, out.Status)
	assert.Equal(t, store.KindWeb, out.Kind)
	assert.False(t, out.Reused)
	assert.NotEmpty(t, out.SummaryJSON)

	r, err := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOK, r.Status)

	crawl, err := f.store.GetCrawl(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "ok", crawl.Status)

	n, err := f.store.CountLLMCalls(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trail, err := f.store.AuditTrail(context.Background(), out.RequestID)
	require.NoError(t, err)
	events := make([]string, len(trail))
	for i, e := range trail {
		events[i] = e.Event
	}
	assert.Equal(t, []string{"request_accepted", "request_completed"}, events)
}

func TestProcessURLDedupeReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/article", UserID: "u1"})
	require.Nil(t, first.Failure)

	second := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/article?utm_source=mail", UserID: "u2"})
	require.Nil(t, second.Failure)
	assert.True(t, second.Reused)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, first.SummaryJSON, second.SummaryJSON)
	assert.Equal(t, 1, f.web.calls, "reuse must not re-extract")
	assert.Equal(t, 1, f.agent.calls, "reuse must not re-summarize")

	trail, err := f.store.AuditTrail(ctx, first.RequestID)
	require.NoError(t, err)
	var sawReuse bool
	for _, e := range trail {
		if e.Event == "dedupe_reuse" {
			sawReuse = true
		}
	}
	assert.True(t, sawReuse, "reuse leaves its own audit entry")
}

func TestProcessURLValidationFailure(t *testing.T) {
	f := newFixture(t)
	out := f.coord.ProcessURL(context.Background(), Submission{Raw: "http://127.0.0.1/admin"})
	require.NotNil(t, out.Failure)
	assert.Equal(t, FailValidation, out.Failure.Type)
	assert.Empty(t, out.RequestID, "no request row for invalid input")
}

func TestProcessURLExtractionFailureAndSkipCache(t *testing.T) {
	f := newFixture(t)
	f.web.err = &extract.Error{Type: extract.TypeQualityBelow, Message: "12 words"}
	f.web.content = nil
	ctx := context.Background()

	out := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/thin"})
	require.NotNil(t, out.Failure)
	assert.Equal(t, extract.TypeQualityBelow, out.Failure.Type)

	r, err := f.store.GetRequest(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, r.Status)
	assert.Equal(t, extract.TypeQualityBelow, r.ErrorType.String)

	// Second submission is answered from the skip cache without touching
	// the extractor again.
	calls := f.web.calls
	out2 := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/thin"})
	require.NotNil(t, out2.Failure)
	assert.Equal(t, FailSkipCached, out2.Failure.Type)
	assert.Equal(t, calls, f.web.calls)
}

func TestProcessURLErrorRowRetried(t *testing.T) {
	f := newFixture(t)
	f.web.err = &extract.Error{Type: extract.TypeNetworkTimeout, Message: "deadline"}
	f.web.content = nil
	ctx := context.Background()

	out := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/slow"})
	require.NotNil(t, out.Failure)
	assert.True(t, out.Failure.Retryable)

	// The extractor recovers; the same row flips from error to ok.
	f.web.err = nil
	f.web.content = goodContent()
	out2 := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/slow"})
	require.Nil(t, out2.Failure)
	assert.Equal(t, out.RequestID, out2.RequestID)
	assert.Equal(t, store.StatusOK, out2.Status)
}

func TestProcessURLVideoPath(t *testing.T) {
	f := newFixture(t)
	out := f.coord.ProcessURL(context.Background(), Submission{Raw: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	require.Nil(t, out.Failure)
	assert.Equal(t, store.KindVideo, out.Kind)
	assert.Equal(t, "en", out.Lang)
	assert.Equal(t, 1, f.video.archiveCalls)

	artifact, err := f.store.GetVideo(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "/videos/dQw4w9WgXcQ.mp4", artifact.VideoPath)
	assert.Equal(t, "/videos/dQw4w9WgXcQ.info.json", artifact.MetadataPath)
	assert.Equal(t, "/videos/dQw4w9WgXcQ.webp", artifact.ThumbnailPath)
	assert.Equal(t, 754, artifact.DurationSec)
	assert.Equal(t, "1920x1080", artifact.Resolution)
}

func TestProcessURLVideoArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.video.download = nil
	f.video.downloadErr = &extract.Error{Type: extract.TypeStorageFull, Message: "budget exceeded"}

	out := f.coord.ProcessURL(context.Background(), Submission{Raw: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	require.Nil(t, out.Failure)
	assert.Equal(t, store.StatusOK, out.Status)

	// The artifact row survives without file paths.
	artifact, err := f.store.GetVideo(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Empty(t, artifact.VideoPath)
	assert.Equal(t, 754, artifact.DurationSec)
}

func TestProcessURLReclaimsOrphanedProcessingRow(t *testing.T) {
	f := newFixture(t)
	f.coord.cfg.Timeouts.RequestSec = 1
	ctx := context.Background()
	norm, err := urlnorm.Normalize("https://example.com/orphan")
	require.NoError(t, err)

	// A crash mid-run leaves a processing row behind with no live lock.
	id, _, err := f.store.CreateRequest(ctx, store.KindWeb, "https://example.com/orphan", norm.URL, norm.DedupeHash, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(ctx, id, store.StatusProcessing, "", ""))

	// While the row is fresh it may still be finishing elsewhere.
	out := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/orphan"})
	require.NotNil(t, out.Failure)
	assert.Equal(t, FailLockHeld, out.Failure.Type)
	assert.True(t, out.Failure.Retryable)

	// Past the request deadline the same submission reclaims and finishes it.
	time.Sleep(1500 * time.Millisecond)
	out2 := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/orphan"})
	require.Nil(t, out2.Failure)
	assert.Equal(t, id, out2.RequestID)
	assert.Equal(t, store.StatusOK, out2.Status)
}

func TestProcessURLLockHeld(t *testing.T) {
	f := newFixture(t)
	norm, err := urlnorm.Normalize("https://example.com/busy")
	require.NoError(t, err)
	_, err = f.locks.Acquire(context.Background(), norm.DedupeHash, time.Minute)
	require.NoError(t, err)

	out := f.coord.ProcessURL(context.Background(), Submission{Raw: "https://example.com/busy"})
	require.NotNil(t, out.Failure)
	assert.Equal(t, FailLockHeld, out.Failure.Type)
	assert.True(t, out.Failure.Retryable)
}

func TestProcessForwardWithURLs(t *testing.T) {
	f := newFixture(t)
	text := "look at https://example.com/a and also https://example.com/b"
	res := f.coord.ProcessForward(context.Background(), Submission{Raw: text, UserID: "u1"})
	require.Len(t, res.Outcomes, 2)
	for _, out := range res.Outcomes {
		assert.Nil(t, out.Failure)
	}
	assert.Equal(t, 2, f.web.calls)
}

func TestProcessForwardPlainText(t *testing.T) {
	f := newFixture(t)
	text := "A forwarded note with no links but plenty of words that deserve a structured summary of their own."
	res := f.coord.ProcessForward(context.Background(), Submission{Raw: text, UserID: "u1"})
	require.Len(t, res.Outcomes, 1)
	out := res.Outcomes[0]
	require.Nil(t, out.Failure)
	assert.Equal(t, store.KindForward, out.Kind)
	assert.NotEmpty(t, out.SummaryJSON)

	// Same text again reuses the stored summary.
	res2 := f.coord.ProcessForward(context.Background(), Submission{Raw: text, UserID: "u2"})
	require.Len(t, res2.Outcomes, 1)
	assert.True(t, res2.Outcomes[0].Reused)
}

func TestProcessForwardEmpty(t *testing.T) {
	f := newFixture(t)
	res := f.coord.ProcessForward(context.Background(), Submission{Raw: "   "})
	require.Len(t, res.Outcomes, 1)
	require.NotNil(t, res.Outcomes[0].Failure)
	assert.Equal(t, FailValidation, res.Outcomes[0].Failure.Type)
}

func TestStatusAndSummaryQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.coord.ProcessURL(ctx, Submission{Raw: "https://example.com/q"})
	require.Nil(t, out.Failure)

	info, err := f.coord.Status(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOK, info.Status)
	assert.True(t, info.HasSummary)

	sum, err := f.coord.SummaryOf(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, out.SummaryJSON, sum.JSONPayload)

	_, err = f.coord.Status(ctx, "missing-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailLockHeld, Classify(lockmgr.ErrHeld).Type)
	assert.Equal(t, FailCancelled, Classify(context.Canceled).Type)
	assert.Equal(t, FailStorage, Classify(store.ErrConflict).Type)
	assert.Equal(t, FailInternal, Classify(errors.New("boom")).Type)

	ee := &extract.Error{Type: extract.TypeRateLimited}
	f := Classify(ee)
	assert.Equal(t, extract.TypeRateLimited, f.Type)
	assert.True(t, f.Retryable)
}
