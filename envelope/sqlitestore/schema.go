package sqlitestore

import (
	"context"
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_envelopes (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	received_at TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	requested_model TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	subagent TEXT,
	streaming BOOLEAN NOT NULL DEFAULT FALSE,
	body BLOB
);

CREATE TABLE IF NOT EXISTS response_envelopes (
	envelope_id TEXT PRIMARY KEY,
	completed_at TEXT NOT NULL,
	status INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	served_by TEXT,
	body BLOB,
	chunks_truncated BOOLEAN NOT NULL DEFAULT FALSE,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	FOREIGN KEY (envelope_id) REFERENCES request_envelopes(id)
);

CREATE TABLE IF NOT EXISTS response_chunks (
	envelope_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (envelope_id, seq),
	FOREIGN KEY (envelope_id) REFERENCES request_envelopes(id)
);

CREATE INDEX IF NOT EXISTS idx_request_envelopes_request_id ON request_envelopes(request_id);
CREATE INDEX IF NOT EXISTS idx_request_envelopes_provider ON request_envelopes(provider);
`

// InitSchema creates the envelope tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
