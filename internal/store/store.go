// Package store is the durable sqlite persistence layer. Version
// numbers, approval status, links, and audit rows all live here and
// survive process restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Schema ledger: bumped whenever the shape below changes, checked on open
// so a binary never runs against a store it does not understand.
const (
	schemaVersion  = 1
	schemaChecksum = "sandarb-v1-governance-core"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version  INTEGER NOT NULL,
	checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	parent_id  TEXT,
	is_root    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL REFERENCES organizations(id),
	name        TEXT NOT NULL,
	a2a_url     TEXT NOT NULL DEFAULT '',
	agent_card  TEXT,
	status      TEXT NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	current_version_id TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	id            TEXT PRIMARY KEY,
	prompt_id     TEXT NOT NULL REFERENCES prompts(id),
	version       INTEGER NOT NULL,
	content       TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	temperature   REAL NOT NULL DEFAULT 0,
	max_tokens    INTEGER NOT NULL DEFAULT 0,
	system_prompt TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_by    TEXT NOT NULL DEFAULT '',
	approved_by   TEXT NOT NULL DEFAULT '',
	rejected_by   TEXT NOT NULL DEFAULT '',
	reject_reason TEXT NOT NULL DEFAULT '',
	reviewed_at   TEXT,
	created_at    TEXT NOT NULL,
	UNIQUE(prompt_id, version)
);

CREATE TABLE IF NOT EXISTS contexts (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	org_id              TEXT NOT NULL DEFAULT '',
	content             TEXT NOT NULL,
	line_of_business    TEXT NOT NULL DEFAULT '',
	data_classification TEXT NOT NULL DEFAULT '',
	regulatory_hooks    TEXT NOT NULL DEFAULT '[]',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS context_revisions (
	id             TEXT PRIMARY KEY,
	context_id     TEXT NOT NULL REFERENCES contexts(id),
	content        TEXT NOT NULL,
	commit_message TEXT NOT NULL DEFAULT '',
	created_by     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	reviewed_by    TEXT NOT NULL DEFAULT '',
	reject_reason  TEXT NOT NULL DEFAULT '',
	reviewed_at    TEXT,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS content_links (
	principal_type TEXT NOT NULL,
	principal_id   TEXT NOT NULL,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	PRIMARY KEY (principal_type, principal_id, resource_type, resource_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             TEXT PRIMARY KEY,
	ts             TEXT NOT NULL,
	agent_id       TEXT NOT NULL DEFAULT '',
	trace_id       TEXT NOT NULL DEFAULT '',
	action_type    TEXT NOT NULL,
	resource_type  TEXT NOT NULL DEFAULT '',
	resource_id    TEXT NOT NULL DEFAULT '',
	input_summary  TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	prev_hash      TEXT NOT NULL,
	entry_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_trace ON audit_log(trace_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts    ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_pv_prompt   ON prompt_versions(prompt_id);
CREATE INDEX IF NOT EXISTS idx_rev_context ON context_revisions(context_id);
`

// Store wraps the sqlite handle. A single write connection serializes
// all mutations, which is what makes per-parent version allocation and
// approve/reject transitions linearizable.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite store at path and bootstraps the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: bootstrap schema: %w", err)
	}
	if err := checkSchemaLedger(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the audit engine, which owns its
// own queries over the audit_log table.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func checkSchemaLedger(db *sql.DB) error {
	var version int
	var checksum string
	err := db.QueryRow(`SELECT version, checksum FROM schema_info LIMIT 1`).Scan(&version, &checksum)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec(`INSERT INTO schema_info (version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum)
		if err != nil {
			return fmt.Errorf("store: write schema ledger: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: read schema ledger: %w", err)
	}
	if version != schemaVersion || checksum != schemaChecksum {
		return fmt.Errorf("store: schema mismatch: have v%d (%s), want v%d (%s)", version, checksum, schemaVersion, schemaChecksum)
	}
	return nil
}

// begin starts a write transaction.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return tx, nil
}

// Timestamps are stored as UTC RFC 3339 strings with millisecond
// precision, matching the audit log format.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
