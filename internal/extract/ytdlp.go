package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
)

// Downloader wraps the yt-dlp binary for the paths the transcript API
// cannot serve: subtitle files for videos without caption tracks, and the
// media itself when a local copy is requested.
type Downloader struct {
	bin     string
	root    string
	quality string
	maxMB   int
	langs   []string
	logger  zerolog.Logger
}

func NewDownloader(cfg config.VideoConfig) *Downloader {
	return &Downloader{
		bin:     "yt-dlp",
		root:    cfg.StorageRoot,
		quality: cfg.PreferredQuality,
		maxMB:   cfg.MaxVideoMB,
		langs:   cfg.SubtitleLangs,
		logger:  log.WithComponent("ytdlp"),
	}
}

// FetchSubtitles downloads subtitle files only and returns the best VTT as
// plain text. Used when the player API exposes no caption tracks.
func (d *Downloader) FetchSubtitles(ctx context.Context, url, videoID string) (string, error) {
	dir := filepath.Join(d.root, "subs", videoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	args := []string{
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", strings.Join(d.langs, ","),
		"--sub-format", "vtt",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		url,
	}
	if _, err := d.run(ctx, args); err != nil {
		return "", err
	}

	for _, lang := range d.langs {
		path := filepath.Join(dir, videoID+"."+lang+".vtt")
		if b, err := os.ReadFile(path); err == nil {
			if text := ParseVTT(string(b)); text != "" {
				return text, nil
			}
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.vtt"))
	for _, path := range matches {
		if b, err := os.ReadFile(path); err == nil {
			if text := ParseVTT(string(b)); text != "" {
				return text, nil
			}
		}
	}
	return "", newError(TypeTranscriptsDisabled, "no subtitle track downloadable")
}

// DownloadResult names the files one media download produced. Metadata and
// thumbnail paths are empty when yt-dlp did not write them.
type DownloadResult struct {
	VideoPath     string
	MetadataPath  string
	ThumbnailPath string
}

// DownloadVideo fetches the media plus its info json and thumbnail, with
// resume-friendly flags. The returned paths are stable across restarts so
// partial downloads continue.
func (d *Downloader) DownloadVideo(ctx context.Context, url, videoID string) (*DownloadResult, error) {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return nil, err
	}
	out := filepath.Join(d.root, videoID+".mp4")
	format := "best"
	if d.quality != "" {
		format = fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]/best", d.quality, d.quality)
	}
	args := []string{
		"--continue",
		"--retries", "10",
		"--fragment-retries", "10",
		"--concurrent-fragments", "4",
		"--write-info-json",
		"--write-thumbnail",
		"-f", format,
		"--merge-output-format", "mp4",
	}
	if d.maxMB > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%dM", d.maxMB))
	}
	args = append(args, "-o", out, url)

	if _, err := d.run(ctx, args); err != nil {
		return nil, err
	}
	if _, err := os.Stat(out); err != nil {
		// yt-dlp exits zero when --max-filesize skips the download.
		return nil, newError(TypeQualityUnavailable, "no file produced, size cap %dMB", d.maxMB)
	}
	res := &DownloadResult{VideoPath: out}
	if meta := filepath.Join(d.root, videoID+".info.json"); exists(meta) {
		res.MetadataPath = meta
	}
	for _, ext := range []string{".webp", ".jpg", ".png"} {
		if p := filepath.Join(d.root, videoID+ext); exists(p) {
			res.ThumbnailPath = p
			break
		}
	}
	return res, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Probe returns title, channel, duration and resolution without downloading.
func (d *Downloader) Probe(ctx context.Context, url string) (map[string]string, error) {
	out, err := d.run(ctx, []string{
		"--skip-download",
		"--print", "%(title)s\n%(channel)s\n%(duration_string)s\n%(resolution)s",
		url,
	})
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	meta := map[string]string{}
	keys := []string{"title", "channel", "duration", "resolution"}
	for i, k := range keys {
		if i < len(lines) {
			if v := strings.TrimSpace(lines[i]); v != "" && v != "NA" {
				meta[k] = v
			}
		}
	}
	return meta, nil
}

func (d *Downloader) run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		return "", &Error{Type: TypeNetworkTimeout, Message: "yt-dlp timed out", Cause: ctx.Err()}
	}
	d.logger.Warn().Str("stderr", truncate(stderr.String(), 500)).Msg("yt-dlp failed")
	return "", ClassifyYtdlpStderr(stderr.String(), err)
}

// ClassifyYtdlpStderr maps yt-dlp's error text onto the failure taxonomy.
func ClassifyYtdlpStderr(stderr string, cause error) *Error {
	lower := strings.ToLower(stderr)
	typ := TypeFetchFailed
	switch {
	case strings.Contains(lower, "sign in to confirm your age") || strings.Contains(lower, "age-restricted"):
		typ = TypeAgeRestricted
	case strings.Contains(lower, "not available in your country") || strings.Contains(lower, "geo restriction"):
		typ = TypeGeoBlocked
	case strings.Contains(lower, "private video") || strings.Contains(lower, "video unavailable") || strings.Contains(lower, "has been removed"):
		typ = TypePrivateOrRemoved
	case strings.Contains(lower, "members-only") || strings.Contains(lower, "join this channel"):
		typ = TypeMembersOnly
	case strings.Contains(lower, "premieres in") || strings.Contains(lower, "live event will begin"):
		typ = TypeScheduledPremiere
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "too many requests"):
		typ = TypeRateLimited
	case strings.Contains(lower, "no subtitles") || strings.Contains(lower, "subtitles are disabled"):
		typ = TypeTranscriptsDisabled
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") || strings.Contains(lower, "connection reset"):
		typ = TypeNetworkTimeout
	case strings.Contains(lower, "requested format is not available"):
		typ = TypeQualityUnavailable
	case strings.Contains(lower, "no space left"):
		typ = TypeStorageFull
	}
	return &Error{Type: typ, Message: firstLine(stderr), Cause: cause}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR") || strings.HasPrefix(line, "error") {
			return truncate(line, 300)
		}
	}
	return truncate(strings.TrimSpace(s), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
