// Package sqlitestore persists envelopes to SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/coder/airouter/envelope"
)

// ErrNotFound is returned by Load for unknown envelope ids.
var ErrNotFound = errors.New("envelope not found")

// Store implements envelope.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ envelope.Store = &Store{}

// Open opens (creating if needed) the database at path and initializes the
// schema. SQLite allows a single writer so the pool is capped at one
// connection.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return New(db), nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// New wraps an already initialized database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveRequestEnvelope(ctx context.Context, env *envelope.RequestEnvelope) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_envelopes (id, request_id, received_at, method, path, requested_model, provider, model, subagent, streaming, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, env.RequestID, formatTime(env.ReceivedAt), env.Method, env.Path,
		env.RequestedModel, env.Provider, env.Model, env.Subagent, env.Streaming, env.Body,
	)
	if err != nil {
		return "", fmt.Errorf("insert request envelope: %w", err)
	}
	return id, nil
}

func (s *Store) AttachResponseEnvelope(ctx context.Context, id string, env *envelope.ResponseEnvelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_envelopes WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup envelope: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO response_envelopes (envelope_id, completed_at, status, outcome, served_by, body, chunks_truncated,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, formatTime(env.CompletedAt), env.Status, env.Outcome, env.ServedBy, env.Body, env.ChunksTruncated,
		env.InputTokens, env.OutputTokens, env.CacheReadTokens, env.CacheWriteTokens, env.Error,
	)
	if err != nil {
		return fmt.Errorf("insert response envelope: %w", err)
	}

	for i, chunk := range env.Chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO response_chunks (envelope_id, seq, data) VALUES (?, ?, ?)`,
			id, i, chunk,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load reads back an envelope pair. The response is nil if none has been
// attached yet.
func (s *Store) Load(ctx context.Context, id string) (*envelope.RequestEnvelope, *envelope.ResponseEnvelope, error) {
	var (
		req        envelope.RequestEnvelope
		receivedAt string
		subagent   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, received_at, method, path, requested_model, provider, model, subagent, streaming, body
		FROM request_envelopes WHERE id = ?`, id,
	).Scan(&req.RequestID, &receivedAt, &req.Method, &req.Path, &req.RequestedModel,
		&req.Provider, &req.Model, &subagent, &req.Streaming, &req.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select request envelope: %w", err)
	}
	req.Subagent = subagent.String
	if req.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, nil, err
	}

	var (
		resp        envelope.ResponseEnvelope
		completedAt string
		servedBy    sql.NullString
		errText     sql.NullString
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT completed_at, status, outcome, served_by, body, chunks_truncated,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, error
		FROM response_envelopes WHERE envelope_id = ?`, id,
	).Scan(&completedAt, &resp.Status, &resp.Outcome, &servedBy, &resp.Body, &resp.ChunksTruncated,
		&resp.InputTokens, &resp.OutputTokens, &resp.CacheReadTokens, &resp.CacheWriteTokens, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return &req, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select response envelope: %w", err)
	}
	resp.ServedBy = servedBy.String
	resp.Error = errText.String
	if resp.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM response_chunks WHERE envelope_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, nil, fmt.Errorf("scan chunk: %w", err)
		}
		resp.Chunks = append(resp.Chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &req, &resp, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
