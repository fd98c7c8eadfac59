package store

import (
	"database/sql"
	"time"
)

// Request kinds.
const (
	KindWeb     = "url_web"
	KindVideo   = "url_video"
	KindForward = "forward"
)

// Request statuses. Transitions are monotonic forward; see validTransition.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusOK         = "ok"
	StatusError      = "error"
)

// Transcript sources for video artifacts.
const (
	TranscriptManual      = "api_manual"
	TranscriptAuto        = "api_auto"
	TranscriptVTTFallback = "vtt_fallback"
	TranscriptNone        = "none"
)

// Request is one submission's durable lifecycle row. The id doubles as the
// correlation id surfaced in logs and user-visible errors.
type Request struct {
	ID            string
	Kind          string
	Status        string
	InputText     string
	NormalizedURL sql.NullString
	DedupeHash    sql.NullString
	LangDetected  sql.NullString
	UserID        sql.NullString
	ErrorType     sql.NullString
	ErrorText     sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CrawlResult holds the extraction artifact for a web request (0..1 per request).
type CrawlResult struct {
	RequestID  string
	SourceURL  string
	HTTPStatus int
	Status     string // ok|error
	Markdown   string
	HTML       string
	Structured string
	Metadata   map[string]string
	Links      []string
	LatencyMS  int64
	ErrorText  string
	RawPayload []byte
}

// VideoArtifact holds the download/transcript artifact for a video request.
type VideoArtifact struct {
	RequestID        string
	VideoID          string
	Status           string // pending|downloading|completed|error
	VideoPath        string
	SubtitlePath     string
	MetadataPath     string
	ThumbnailPath    string
	DurationSec      int
	Resolution       string
	TranscriptText   string
	TranscriptSource string
	SubtitleLanguage string
	AutoGenerated    bool
}

// LLMCall records one attempt against a model, including failures.
type LLMCall struct {
	RequestID        string
	Provider         string
	Model            string
	Preset           string
	Attempt          int
	RequestMessages  string // JSON, authorization already redacted
	ResponseText     string
	ResponseJSON     string
	PromptTokens     int
	CompletionTokens int
	CostEstimate     float64
	LatencyMS        int64
	Status           string
	ErrorText        string
}

// Summary is the validated contract object for a request (unique per request).
type Summary struct {
	RequestID   string
	Lang        string
	JSONPayload string
	Version     int
}

// AuditEvent is an append-only structured trail entry.
type AuditEvent struct {
	Seq           int64
	TS            time.Time
	Level         string
	Event         string
	CorrelationID string
	UserID        string
	Details       string // JSON
}
