package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
	"distillo/internal/metrics"
	"distillo/internal/store"
)

// VideoExtractor runs the video path: transcript API first, yt-dlp subtitle
// download as the fallback, the shared quality gate last. Media downloads
// are separate and budget-checked.
type VideoExtractor struct {
	transcripts *TranscriptClient
	downloader  *Downloader
	storage     *StorageManager
	gate        *QualityGate
	logger      zerolog.Logger
}

func NewVideoExtractor(cfg config.Config) *VideoExtractor {
	timeout := time.Duration(cfg.Timeouts.ScraperSec) * time.Second
	return &VideoExtractor{
		transcripts: NewTranscriptClient(cfg.Video, timeout),
		downloader:  NewDownloader(cfg.Video),
		storage:     NewStorageManager(cfg.Video),
		gate:        NewQualityGate(cfg.Scraper),
		logger:      log.WithComponent("extract"),
	}
}

// Extract produces the transcript content for one video.
func (v *VideoExtractor) Extract(ctx context.Context, url, videoID string) (*Content, error) {
	start := time.Now()

	meta := map[string]string{}
	if m, err := v.downloader.Probe(ctx, url); err == nil {
		meta = m
	}

	text, lang, source, err := v.fetchTranscript(ctx, url, videoID)
	if err != nil {
		metrics.ExtractionOutcomes.WithLabelValues("transcript", "error").Inc()
		return nil, err
	}
	if err := v.gate.Check(text); err != nil {
		metrics.ExtractionOutcomes.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}
	metrics.ExtractionOutcomes.WithLabelValues(source, "ok").Inc()

	return &Content{
		Markdown:  text,
		Metadata:  meta,
		Source:    source,
		Lang:      lang,
		LatencyMS: sinceMS(start),
	}, nil
}

func (v *VideoExtractor) fetchTranscript(ctx context.Context, url, videoID string) (text, lang, source string, err error) {
	tr, err := v.transcripts.Fetch(ctx, videoID)
	if err == nil {
		return tr.Text, tr.Lang, tr.Source, nil
	}

	var ee *Error
	if !errors.As(err, &ee) || ee.Type != TypeTranscriptsDisabled {
		return "", "", "", err
	}

	v.logger.Info().Str("video_id", videoID).Msg("no caption tracks, trying subtitle download")
	subText, subErr := v.downloader.FetchSubtitles(ctx, url, videoID)
	if subErr != nil {
		// The original refusal is the more truthful error.
		return "", "", "", err
	}
	return subText, "", store.TranscriptVTTFallback, nil
}

// Archive downloads the media within the storage budget and returns the
// written file paths.
func (v *VideoExtractor) Archive(ctx context.Context, url, videoID string) (*DownloadResult, error) {
	estimated := int64(v.downloader.maxMB) << 20
	if err := v.storage.EnsureRoom(estimated); err != nil {
		return nil, err
	}
	return v.downloader.DownloadVideo(ctx, url, videoID)
}

// Storage exposes the budget manager for the periodic sweep.
func (v *VideoExtractor) Storage() *StorageManager { return v.storage }
