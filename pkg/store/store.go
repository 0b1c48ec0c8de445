// Package store persists sessions, messages, assistant runs, background
// jobs and usage events in sqlite. All writes are single statements or
// single transactions scoped to one run or job; correctness across
// components relies on the uniqueness constraints and the guarded
// finalize updates, not on cross-component locking.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRun is returned when a run with the same (session,
// idempotency key) pair already exists.
var ErrDuplicateRun = errors.New("run already exists for idempotency key")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	workspace        TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	provider_id      TEXT NOT NULL DEFAULT '',
	model_profile    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	seq              INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	input_tokens     INTEGER,
	output_tokens    INTEGER,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(session_id, seq)
);

CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	session_id           TEXT NOT NULL REFERENCES sessions(id),
	idempotency_key      TEXT NOT NULL,
	stream_id            TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'running',
	user_message_id      TEXT,
	assistant_message_id TEXT,
	error                TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(session_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	state       TEXT NOT NULL DEFAULT 'pending',
	payload     TEXT NOT NULL DEFAULT '{}',
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_events (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	provider_id   TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at);
`

// Open opens (and migrates) the database at the given path. The special
// path ":memory:" opens an in-process database, used by tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	dsn := path
	if path == ":memory:" {
		// Shared cache keeps the schema visible across pooled connections.
		dsn = "file::memory:?cache=shared"
	} else {
		dsn = path + "?_foreign_keys=1&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// races between the orchestrator and the recovery scheduler.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", filepath.Base(path)).Msg("Conversation store opened")

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
