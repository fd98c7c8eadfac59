package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a non-monotonic status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a one-per-request artifact already exists.
	ErrConflict = errors.New("artifact already recorded")
)

// Store owns every durable side effect in the pipeline. All multi-row steps
// run inside a transaction with rollback on failure; connection sharing
// across tasks goes through the internal pool only.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes) the sqlite database at path. WAL keeps reads
// concurrent with the single sqlite writer.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRequest inserts a new request row. When dedupeHash collides with an
// existing row the stored request id is returned with reused=true; the
// caller treats that as a dedupe reuse, not an error.
func (s *Store) CreateRequest(ctx context.Context, kind, inputText, normalizedURL, dedupeHash, userID string) (id string, reused bool, err error) {
	id = newID()
	_, err = s.db.ExecContext(ctx, `INSERT INTO requests
        (id, kind, status, input_text, normalized_url, dedupe_hash, user_id)
        VALUES (?, ?, 'pending', ?, ?, ?, ?)`,
		id, kind, inputText, nullIfEmpty(normalizedURL), nullIfEmpty(dedupeHash), nullIfEmpty(userID))
	if err == nil {
		return id, false, nil
	}
	if dedupeHash != "" && isUniqueViolation(err) {
		existing, lookupErr := s.GetByDedupe(ctx, dedupeHash)
		if lookupErr == nil && existing != "" {
			return existing, true, nil
		}
	}
	return "", false, err
}

// GetByDedupe returns the request id holding the given dedupe hash, or "".
func (s *Store) GetByDedupe(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM requests WHERE dedupe_hash = ?`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// GetRequest loads a single request row.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, status, input_text, normalized_url,
        dedupe_hash, lang_detected, user_id, error_type, error_text, created_at, updated_at
        FROM requests WHERE id = ?`, id)
	var r Request
	err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.InputText, &r.NormalizedURL,
		&r.DedupeHash, &r.LangDetected, &r.UserID, &r.ErrorType, &r.ErrorText, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// validTransition encodes the monotonic lifecycle. error→error is allowed so
// a late failure can refine the recorded reason.
func validTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusOK || to == StatusError
	case StatusProcessing:
		return to == StatusOK || to == StatusError
	case StatusError:
		return to == StatusError
	default:
		return false
	}
}

// UpdateStatus moves a request forward in its lifecycle. errType/errText are
// recorded only for the error status.
func (s *Store) UpdateStatus(ctx context.Context, id, newStatus, errType, errText string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !validTransition(current, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
		}
		_, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, error_type=?, error_text=?,
            updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			newStatus, nullIfEmpty(errType), nullIfEmpty(errText), id)
		return err
	})
}

// ResetForRetry moves a terminally failed request back to pending and
// clears the recorded error. It is the only path backwards in the
// lifecycle and applies to error rows alone.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if current != StatusError {
			return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, current)
		}
		_, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, error_type=NULL, error_text=NULL,
            updated_at=CURRENT_TIMESTAMP WHERE id=?`, StatusPending, id)
		return err
	})
}

// ReclaimStale returns a processing request to pending when it has not been
// touched for olderThan, rescuing rows orphaned by a crash mid-run. A row
// that is missing, fresh, or in another state is left alone and the matching
// sentinel is returned.
func (s *Store) ReclaimStale(ctx context.Context, id string, olderThan time.Duration) error {
	cutoff := fmt.Sprintf("-%d seconds", int64(olderThan/time.Second))
	res, err := s.db.ExecContext(ctx, `UPDATE requests SET status=?, error_type=NULL, error_text=NULL,
        updated_at=CURRENT_TIMESTAMP
        WHERE id=? AND status=? AND updated_at <= datetime('now', ?)`,
		StatusPending, id, StatusProcessing, cutoff)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: reclaim of fresh or non-processing row", ErrInvalidTransition)
	}
	return nil
}

// SetLang records the detected content language on the request.
func (s *Store) SetLang(ctx context.Context, id, lang string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE requests SET lang_detected=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		nullIfEmpty(lang), id)
	return err
}

// RecordCrawl stores the crawl artifact; exactly one per request.
func (s *Store) RecordCrawl(ctx context.Context, c CrawlResult) error {
	meta, _ := json.Marshal(c.Metadata)
	links, _ := json.Marshal(c.Links)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM crawl_results WHERE request_id=?`, c.RequestID).Scan(&exists)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO crawl_results
            (request_id, source_url, http_status, status, markdown, html, structured, metadata, links, latency_ms, error_text, raw_payload)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.RequestID, c.SourceURL, c.HTTPStatus, c.Status, c.Markdown, nullIfEmpty(c.HTML),
			nullIfEmpty(c.Structured), string(meta), string(links), c.LatencyMS, nullIfEmpty(c.ErrorText), c.RawPayload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE requests SET updated_at=CURRENT_TIMESTAMP WHERE id=?`, c.RequestID)
		return err
	})
}

// GetCrawl returns the crawl artifact for a request, if any.
func (s *Store) GetCrawl(ctx context.Context, requestID string) (*CrawlResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, source_url, http_status, status, markdown,
        COALESCE(html,''), COALESCE(structured,''), metadata, links, latency_ms, COALESCE(error_text,''), raw_payload
        FROM crawl_results WHERE request_id=?`, requestID)
	var c CrawlResult
	var meta, links string
	err := row.Scan(&c.RequestID, &c.SourceURL, &c.HTTPStatus, &c.Status, &c.Markdown,
		&c.HTML, &c.Structured, &meta, &links, &c.LatencyMS, &c.ErrorText, &c.RawPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(meta), &c.Metadata)
	_ = json.Unmarshal([]byte(links), &c.Links)
	return &c, nil
}

// RecordVideo stores the video artifact; exactly one per request.
func (s *Store) RecordVideo(ctx context.Context, v VideoArtifact) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM video_artifacts WHERE request_id=?`, v.RequestID).Scan(&exists)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO video_artifacts
            (request_id, video_id, status, video_path, subtitle_path, metadata_path, thumbnail_path,
             duration_sec, resolution, transcript_text, transcript_source, subtitle_language, auto_generated)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.RequestID, v.VideoID, v.Status, nullIfEmpty(v.VideoPath), nullIfEmpty(v.SubtitlePath),
			nullIfEmpty(v.MetadataPath), nullIfEmpty(v.ThumbnailPath), v.DurationSec, nullIfEmpty(v.Resolution),
			v.TranscriptText, v.TranscriptSource, nullIfEmpty(v.SubtitleLanguage), boolInt(v.AutoGenerated))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE requests SET updated_at=CURRENT_TIMESTAMP WHERE id=?`, v.RequestID)
		return err
	})
}

// GetVideo returns the video artifact for a request, if any.
func (s *Store) GetVideo(ctx context.Context, requestID string) (*VideoArtifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, video_id, status, COALESCE(video_path,''),
        COALESCE(subtitle_path,''), COALESCE(metadata_path,''), COALESCE(thumbnail_path,''),
        duration_sec, COALESCE(resolution,''), transcript_text, transcript_source,
        COALESCE(subtitle_language,''), auto_generated
        FROM video_artifacts WHERE request_id=?`, requestID)
	var v VideoArtifact
	var auto int
	err := row.Scan(&v.RequestID, &v.VideoID, &v.Status, &v.VideoPath, &v.SubtitlePath, &v.MetadataPath,
		&v.ThumbnailPath, &v.DurationSec, &v.Resolution, &v.TranscriptText, &v.TranscriptSource,
		&v.SubtitleLanguage, &auto)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.AutoGenerated = auto != 0
	return &v, nil
}

// RecordLLMCall appends one attempt row. Every attempt, including failures,
// is recorded before the next one is issued.
func (s *Store) RecordLLMCall(ctx context.Context, c LLMCall) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_calls
        (request_id, provider, model, preset, attempt, request_messages, response_text, response_json,
         prompt_tokens, completion_tokens, cost_estimate, latency_ms, status, error_text)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RequestID, c.Provider, c.Model, c.Preset, c.Attempt, c.RequestMessages,
		nullIfEmpty(c.ResponseText), nullIfEmpty(c.ResponseJSON), c.PromptTokens, c.CompletionTokens,
		c.CostEstimate, c.LatencyMS, c.Status, nullIfEmpty(c.ErrorText))
	return err
}

// CountLLMCalls returns the number of recorded attempts for a request.
func (s *Store) CountLLMCalls(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM llm_calls WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

// UpsertSummary writes the summary payload, bumping version on regenerate.
func (s *Store) UpsertSummary(ctx context.Context, sum Summary) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO summaries (request_id, lang, json_payload, version)
            VALUES (?, ?, ?, 1)
            ON CONFLICT(request_id) DO UPDATE SET
                lang=excluded.lang,
                json_payload=excluded.json_payload,
                version=summaries.version+1,
                updated_at=CURRENT_TIMESTAMP`,
			sum.RequestID, nullIfEmpty(sum.Lang), sum.JSONPayload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE requests SET updated_at=CURRENT_TIMESTAMP WHERE id=?`, sum.RequestID)
		return err
	})
}

// GetSummary returns the summary for a request, if present.
func (s *Store) GetSummary(ctx context.Context, requestID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, COALESCE(lang,''), json_payload, version
        FROM summaries WHERE request_id=?`, requestID)
	var sum Summary
	err := row.Scan(&sum.RequestID, &sum.Lang, &sum.JSONPayload, &sum.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// AppendAudit writes one append-only audit row. The AUTOINCREMENT seq breaks
// ties between events sharing a timestamp.
func (s *Store) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.Level == "" {
		e.Level = "info"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (level, event, correlation_id, user_id, details)
        VALUES (?, ?, ?, ?, ?)`,
		e.Level, e.Event, nullIfEmpty(e.CorrelationID), nullIfEmpty(e.UserID), nullIfEmpty(e.Details))
	return err
}

// AuditTrail returns the ordered audit sequence for a correlation id.
func (s *Store) AuditTrail(ctx context.Context, correlationID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, level, event, COALESCE(correlation_id,''),
        COALESCE(user_id,''), COALESCE(details,'') FROM audit_events WHERE correlation_id=? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.Seq, &e.TS, &e.Level, &e.Event, &e.CorrelationID, &e.UserID, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SkipURL remembers a URL to short-circuit for ttl.
func (s *Store) SkipURL(ctx context.Context, url, reason string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO url_skip (url, reason, expires_at) VALUES (?, ?, ?)
        ON CONFLICT(url) DO UPDATE SET reason=excluded.reason, expires_at=excluded.expires_at`,
		url, reason, expires)
	return err
}

// IsURLSkipped reports whether the URL has an unexpired skip entry.
func (s *Store) IsURLSkipped(ctx context.Context, url string) (bool, string, error) {
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT reason FROM url_skip WHERE url=? AND
        (expires_at IS NULL OR datetime(expires_at) > CURRENT_TIMESTAMP)`, url).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason.String, nil
}

// UpdateMovingAvg maintains a per-key exponential moving average in kv.
// alpha = 0.2; values stored as integer milliseconds.
func (s *Store) UpdateMovingAvg(ctx context.Context, key string, newVal float64) {
	const alpha = 0.2
	var existing string
	_ = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&existing)
	val := newVal
	if existing != "" {
		if old, err := strconv.ParseFloat(existing, 64); err == nil {
			val = alpha*newVal + (1-alpha)*old
		}
	}
	_, _ = s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, fmt.Sprintf("%.0f", val))
}

// GetKV returns a kv value or "".
func (s *Store) GetKV(ctx context.Context, key string) string {
	var v string
	_ = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	return v
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
