// Package store implements the durable relational state of the platform:
// repos, SCM events, patch blobs, sync cursors, distributed leases, sync
// runs, the memory outbox, the write-audit log, per-team settings and
// attachments. It speaks database/sql with driver-portable SQL and supports
// both Postgres (lib/pq) and SQLite (modernc) drivers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store wraps the database handle. All multi-row state transitions run in a
// single transaction per coherent unit of work.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database. driver is "postgres" or "sqlite"; schema,
// when non-empty on Postgres, is installed as the search_path.
func Open(ctx context.Context, driver, dsn, schema string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if driver == "postgres" && schema != "" && schema != "public" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %q, public`, schema)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}
	return New(db, driver), nil
}

// New wraps an existing handle. Tests substitute sqlmock connections here.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// WithClock overrides the clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS repos (
	repo_id BIGINT PRIMARY KEY,
	repo_type TEXT NOT NULL,
	canonical_url TEXT NOT NULL UNIQUE,
	project_key TEXT NOT NULL,
	default_branch TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS svn_revisions (
	repo_id BIGINT NOT NULL,
	rev_num BIGINT NOT NULL,
	author_raw TEXT,
	ts TIMESTAMP NOT NULL,
	message TEXT,
	is_merge BOOLEAN NOT NULL DEFAULT FALSE,
	is_bulk BOOLEAN NOT NULL DEFAULT FALSE,
	bulk_reason TEXT,
	source_id TEXT NOT NULL,
	meta TEXT,
	PRIMARY KEY (repo_id, rev_num)
);

CREATE TABLE IF NOT EXISTS git_commits (
	repo_id BIGINT NOT NULL,
	commit_sha TEXT NOT NULL,
	author_raw TEXT,
	ts TIMESTAMP NOT NULL,
	message TEXT,
	is_merge BOOLEAN NOT NULL DEFAULT FALSE,
	is_bulk BOOLEAN NOT NULL DEFAULT FALSE,
	bulk_reason TEXT,
	source_id TEXT NOT NULL,
	meta TEXT,
	PRIMARY KEY (repo_id, commit_sha)
);

CREATE TABLE IF NOT EXISTS patch_blobs (
	blob_id BIGINT PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	format TEXT NOT NULL,
	uri TEXT,
	sha256 TEXT,
	size_bytes BIGINT,
	evidence_uri TEXT,
	materialize_status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT,
	last_endpoint TEXT,
	error_category TEXT,
	mirror_uri TEXT,
	mirror_sha256 TEXT,
	chunking_version TEXT,
	degraded BOOLEAN NOT NULL DEFAULT FALSE,
	degrade_reason TEXT,
	UNIQUE (source_id, format)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	last_rev BIGINT NOT NULL DEFAULT 0,
	last_commit_sha TEXT NOT NULL DEFAULT '',
	last_commit_ts TIMESTAMP,
	last_sync_at TIMESTAMP,
	last_sync_count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (repo_id, job_type)
);

CREATE TABLE IF NOT EXISTS sync_leases (
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (repo_id, job_type)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id TEXT PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	mode TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status TEXT,
	cursor_before TEXT,
	cursor_after TEXT,
	counts TEXT,
	error_summary TEXT,
	degradation TEXT
);

CREATE TABLE IF NOT EXISTS outbox_memory (
	outbox_id BIGINT PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
	target_space TEXT NOT NULL,
	payload_md TEXT NOT NULL,
	payload_sha TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_error TEXT,
	lease_worker TEXT,
	lease_expires_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS write_audit (
	audit_id TEXT PRIMARY KEY,
	actor_user_id TEXT NOT NULL,
	target_space TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload_sha TEXT NOT NULL,
	evidence_refs TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS team_settings (
	project_key TEXT PRIMARY KEY,
	team_write_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	policy_json TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	attachment_id BIGINT PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
	item_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	uri TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	meta TEXT,
	chunking_version TEXT
);

CREATE TABLE IF NOT EXISTS knowledge_candidates (
	candidate_id BIGINT PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
	payload_sha TEXT NOT NULL UNIQUE,
	memory_id TEXT,
	target_space TEXT NOT NULL,
	summary TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the tables when absent. Production deployments run managed
// migrations instead; Init exists for local/SQLite mode and tests.
func (s *Store) Init(ctx context.Context) error {
	ddl := schemaSQL
	if s.driver != "postgres" {
		// SQLite has no identity columns; rowid aliasing covers it.
		ddl = strings.ReplaceAll(ddl, "BIGINT PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY", "INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
