// Package extract turns a submitted URL into summarizable markdown. Web
// pages go through the scraping service with a local salvage fallback;
// videos go through the transcript API with a yt-dlp subtitle fallback.
// Every path ends at the same quality gate.
package extract

import (
	"fmt"
	"strings"
	"time"
)

// Failure types carried on extraction errors.
const (
	TypeScraperUnavailable   = "scraper_unavailable"
	TypeFetchFailed          = "fetch_failed"
	TypeQualityBelow         = "quality_below_threshold"
	TypeAgeRestricted        = "age_restricted"
	TypeGeoBlocked           = "geo_blocked"
	TypePrivateOrRemoved     = "private_or_removed"
	TypeMembersOnly          = "members_only"
	TypeScheduledPremiere    = "scheduled_premiere"
	TypeRateLimited          = "rate_limited"
	TypeTranscriptsDisabled  = "transcripts_disabled"
	TypeNetworkTimeout       = "network_timeout"
	TypeQualityUnavailable   = "quality_below_requested"
	TypeStorageFull          = "storage_full"
)

// Error is a classified extraction failure. Type values feed the request
// error taxonomy and the batch error histogram unchanged.
type Error struct {
	Type    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(typ, format string, args ...any) *Error {
	return &Error{Type: typ, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether a later attempt could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Type {
	case TypeRateLimited, TypeNetworkTimeout, TypeScraperUnavailable, TypeStorageFull:
		return true
	}
	return false
}

// Content is the extraction output handed to the summarizer.
type Content struct {
	Markdown string
	Metadata map[string]string
	Links    []string
	// Source names the path that produced the content: "scraper",
	// "salvage", or one of the transcript sources.
	Source    string
	Lang      string
	LatencyMS int64
}

// Header renders the metadata line prepended to the model prompt, in the
// form "Title | Channel | Duration | Resolution". Missing parts drop out.
func (c *Content) Header() string {
	keys := []string{"title", "channel", "site", "published", "duration", "resolution"}
	var parts []string
	for _, k := range keys {
		if v := strings.TrimSpace(c.Metadata[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " | ")
}

func sinceMS(start time.Time) int64 { return time.Since(start).Milliseconds() }
