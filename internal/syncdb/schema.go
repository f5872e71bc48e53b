package syncdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Statements shared verbatim between both families use TEXT/INTEGER affinity
// columns; family-specific pieces (autoincrement keys, TIMESTAMPTZ) live in
// the per-dialect DDL below.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_commits (
	commit_seq INTEGER PRIMARY KEY,
	partition_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	meta TEXT,
	result_json TEXT,
	change_count INTEGER NOT NULL DEFAULT 0,
	affected_tables TEXT NOT NULL DEFAULT '[]',
	UNIQUE (partition_id, client_id, client_commit_id)
)`,
	`CREATE TABLE IF NOT EXISTS sync_changes (
	change_id INTEGER PRIMARY KEY AUTOINCREMENT,
	commit_seq INTEGER NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	row_json TEXT,
	row_version INTEGER,
	scopes TEXT NOT NULL DEFAULT '{}'
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_changes_commit ON sync_changes (commit_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_changes_row ON sync_changes (partition_id, tbl, row_id, commit_seq)`,
	`CREATE TABLE IF NOT EXISTS sync_table_commits (
	commit_seq INTEGER NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	PRIMARY KEY (commit_seq, partition_id, tbl)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_table_commits_tbl ON sync_table_commits (partition_id, tbl, commit_seq)`,
	`CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	cursor INTEGER NOT NULL,
	effective_scopes TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (partition_id, client_id)
)`,
	`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
	chunk_id TEXT PRIMARY KEY,
	partition_id TEXT NOT NULL,
	scope_key TEXT NOT NULL,
	scope TEXT NOT NULL,
	as_of_commit_seq INTEGER NOT NULL,
	row_cursor TEXT,
	row_limit INTEGER NOT NULL,
	encoding TEXT NOT NULL,
	compression TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	byte_length INTEGER NOT NULL,
	blob_hash TEXT,
	body BLOB,
	expires_at TEXT NOT NULL,
	UNIQUE (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_expiry ON sync_snapshot_chunks (expires_at)`,
	`CREATE TABLE IF NOT EXISTS sync_request_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_request_payloads (
	event_id INTEGER PRIMARY KEY,
	payload TEXT,
	created_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_operation_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_event_id INTEGER NOT NULL,
	op_index INTEGER NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_request_events_age ON sync_request_events (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_events_age ON sync_operation_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_documents (
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL,
	scopes TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (partition_id, tbl, row_id)
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_commits (
	commit_seq BIGINT PRIMARY KEY,
	partition_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	meta JSONB,
	result_json JSONB,
	change_count INTEGER NOT NULL DEFAULT 0,
	affected_tables JSONB NOT NULL DEFAULT '[]',
	UNIQUE (partition_id, client_id, client_commit_id)
)`,
	`CREATE TABLE IF NOT EXISTS sync_changes (
	change_id BIGSERIAL PRIMARY KEY,
	commit_seq BIGINT NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	row_json JSONB,
	row_version BIGINT,
	scopes JSONB NOT NULL DEFAULT '{}'
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_changes_commit ON sync_changes (commit_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_changes_row ON sync_changes (partition_id, tbl, row_id, commit_seq)`,
	`CREATE TABLE IF NOT EXISTS sync_table_commits (
	commit_seq BIGINT NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	PRIMARY KEY (commit_seq, partition_id, tbl)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_table_commits_tbl ON sync_table_commits (partition_id, tbl, commit_seq)`,
	`CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	cursor BIGINT NOT NULL,
	effective_scopes JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_id, client_id)
)`,
	`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
	chunk_id TEXT PRIMARY KEY,
	partition_id TEXT NOT NULL,
	scope_key TEXT NOT NULL,
	scope TEXT NOT NULL,
	as_of_commit_seq BIGINT NOT NULL,
	row_cursor TEXT,
	row_limit INTEGER NOT NULL,
	encoding TEXT NOT NULL,
	compression TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	byte_length BIGINT NOT NULL,
	blob_hash TEXT,
	body BYTEA,
	expires_at TIMESTAMPTZ NOT NULL,
	UNIQUE (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_expiry ON sync_snapshot_chunks (expires_at)`,
	`CREATE TABLE IF NOT EXISTS sync_request_events (
	event_id BIGSERIAL PRIMARY KEY,
	partition_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_request_payloads (
	event_id BIGINT PRIMARY KEY,
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_operation_events (
	event_id BIGSERIAL PRIMARY KEY,
	request_event_id BIGINT NOT NULL,
	op_index INTEGER NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_request_events_age ON sync_request_events (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_events_age ON sync_operation_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_documents (
	partition_id TEXT NOT NULL,
	tbl TEXT NOT NULL,
	row_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL,
	scopes JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_id, tbl, row_id)
)`,
}

func ensureSchemaSQLite(ctx context.Context, db *sql.DB) error {
	return applySchema(ctx, db, sqliteSchema)
}

func ensureSchemaPostgres(ctx context.Context, db *sql.DB) error {
	return applySchema(ctx, db, postgresSchema)
}

func applySchema(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sync schema: %w", err)
		}
	}
	return nil
}
