package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL creates the tables and lookup indexes named in spec.md §6; it
// creates no vector similarity index on embeddings.embedding. It is
// idempotent (IF NOT EXISTS everywhere) so Migrate can run on every
// process start, applying the schema before serving any request.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id   UUID PRIMARY KEY,
	tenant_name TEXT UNIQUE NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	tenant_id   UUID NOT NULL REFERENCES tenants(tenant_id),
	label       TEXT NOT NULL DEFAULT '',
	secret_hash TEXT NOT NULL,
	scopes      TEXT[] NOT NULL DEFAULT '{}',
	revoked_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entry_versions (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	agent        TEXT NOT NULL,
	path         TEXT NOT NULL,
	value        JSONB NOT NULL,
	tags         TEXT[] NOT NULL DEFAULT '{}',
	importance   DOUBLE PRECISION NOT NULL DEFAULT 0,
	searchable   BOOLEAN NOT NULL DEFAULT false,
	content_hash TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ,
	deleted_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_entry_versions_triple_created
	ON entry_versions (tenant_id, agent, path, created_at DESC);

CREATE TABLE IF NOT EXISTS entries (
	tenant_id         UUID NOT NULL,
	agent             TEXT NOT NULL,
	path              TEXT NOT NULL,
	latest_version_id UUID NOT NULL,
	PRIMARY KEY (tenant_id, agent, path)
);
CREATE INDEX IF NOT EXISTS idx_entries_path_pattern
	ON entries (tenant_id, agent, path text_pattern_ops);

CREATE TABLE IF NOT EXISTS embeddings (
	version_id UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL,
	agent      TEXT NOT NULL,
	path       TEXT NOT NULL,
	model      TEXT NOT NULL,
	embedding  VECTOR(1536)
);

CREATE TABLE IF NOT EXISTS embedding_jobs (
	version_id UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL,
	agent      TEXT NOT NULL,
	path       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	attempts   INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_embedding_jobs_claimable
	ON embedding_jobs (status, created_at)
	WHERE status IN ('queued', 'running');

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id     UUID NOT NULL,
	key           TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	legacy_hash   TEXT NOT NULL,
	response_json JSONB NOT NULL,
	status_code   INT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS quota_usage (
	tenant_id UUID NOT NULL,
	day       DATE NOT NULL,
	kind      TEXT NOT NULL,
	counter   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day, kind)
);
`

// Migrate applies the schema. It first attempts to enable the pgvector
// extension; when the target Postgres does not carry it, the VECTOR column
// type in embeddings will fail to create and callers should fall back to
// running without semantic search (see HasVectorExtension).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		// Non-fatal: embeddings/search degrade explicitly, handled by the
		// caller via HasVectorExtension, not by failing startup outright.
		return fmt.Errorf("pgvector extension unavailable (semantic search will be degraded): %w", schemaWithoutVector(ctx, pool))
	}
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// schemaWithoutVector applies every table except the vector column, used
// when the pgvector extension could not be enabled.
func schemaWithoutVector(ctx context.Context, pool *pgxpool.Pool) error {
	degraded := schemaSQL
	// Swap the vector column for a plain jsonb fallback so the table still
	// creates; embeddings written here are inert for cosine ranking.
	_, err := pool.Exec(ctx, replaceVectorColumn(degraded))
	return err
}

func replaceVectorColumn(sql string) string {
	const from = "embedding  VECTOR(1536)"
	const to = "embedding  JSONB"
	out := make([]byte, 0, len(sql))
	idx := indexOf(sql, from)
	if idx < 0 {
		return sql
	}
	out = append(out, sql[:idx]...)
	out = append(out, to...)
	out = append(out, sql[idx+len(from):]...)
	return string(out)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
