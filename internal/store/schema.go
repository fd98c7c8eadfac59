package store

import "database/sql"

// initSchema ensures all tables exist. Statements are idempotent so a fresh
// database file and an existing one take the same path.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL CHECK (kind IN ('url_web','url_video','forward')),
            status TEXT NOT NULL CHECK (status IN ('pending','processing','ok','error')),
            input_text TEXT NOT NULL,
            normalized_url TEXT,
            dedupe_hash TEXT UNIQUE,
            lang_detected TEXT,
            user_id TEXT,
            error_type TEXT,
            error_text TEXT,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at)`,
		`CREATE TABLE IF NOT EXISTS crawl_results (
            request_id TEXT PRIMARY KEY REFERENCES requests(id),
            source_url TEXT NOT NULL,
            http_status INTEGER,
            status TEXT NOT NULL CHECK (status IN ('ok','error')),
            markdown TEXT,
            html TEXT,
            structured TEXT,
            metadata TEXT,
            links TEXT,
            latency_ms INTEGER,
            error_text TEXT,
            raw_payload BLOB,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS video_artifacts (
            request_id TEXT PRIMARY KEY REFERENCES requests(id),
            video_id TEXT NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('pending','downloading','completed','error')),
            video_path TEXT,
            subtitle_path TEXT,
            metadata_path TEXT,
            thumbnail_path TEXT,
            duration_sec INTEGER,
            resolution TEXT,
            transcript_text TEXT,
            transcript_source TEXT NOT NULL DEFAULT 'none'
                CHECK (transcript_source IN ('api_manual','api_auto','vtt_fallback','none')),
            subtitle_language TEXT,
            auto_generated INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL REFERENCES requests(id),
            provider TEXT NOT NULL,
            model TEXT NOT NULL,
            preset TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            request_messages TEXT NOT NULL,
            response_text TEXT,
            response_json TEXT,
            prompt_tokens INTEGER,
            completion_tokens INTEGER,
            cost_estimate REAL,
            latency_ms INTEGER,
            status TEXT NOT NULL,
            error_text TEXT,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_request ON llm_calls(request_id)`,
		`CREATE TABLE IF NOT EXISTS summaries (
            request_id TEXT PRIMARY KEY REFERENCES requests(id),
            lang TEXT,
            json_payload TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS audit_events (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            level TEXT NOT NULL,
            event TEXT NOT NULL,
            correlation_id TEXT,
            user_id TEXT,
            details TEXT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_audit_corr ON audit_events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS url_skip (
            url TEXT PRIMARY KEY,
            reason TEXT,
            expires_at TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS kv (
            key TEXT PRIMARY KEY,
            value TEXT,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
