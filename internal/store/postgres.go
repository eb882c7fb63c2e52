package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AgentFSorg/agentfs/internal/canonjson"
)

// PostgresStore is the pgx/v5-backed implementation of Store, grounded on
// a standard pgxpool wrapper: a single pool,
// parameterized queries throughout, transactions for the operations that
// need atomicity (version insert + latest-pointer upsert, job claim).
type PostgresStore struct {
	pool          *pgxpool.Pool
	hasVector     bool
}

// PostgresConfig holds pool construction settings.
type PostgresConfig struct {
	URL               string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// NewPostgresStore opens the pool, pings it, and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	if cfg.ConnectionTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := Migrate(ctx, pool); err != nil {
		// Migrate degrades gracefully (see schema.go); vector search stays
		// disabled but the store is otherwise usable.
		s.hasVector = false
	} else {
		s.hasVector = true
	}
	return s, nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }
func (s *PostgresStore) HasVectorExtension() bool { return s.hasVector }
func (s *PostgresStore) Close()                   { s.pool.Close() }

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateTenant(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (tenant_id, tenant_name)
		VALUES (gen_random_uuid(), $1)
		ON CONFLICT (tenant_name) DO UPDATE SET tenant_name = EXCLUDED.tenant_name
		RETURNING tenant_id
	`, name).Scan(&id)
	return id, err
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, label, secret_hash, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, key.ID, key.TenantID, key.Label, key.SecretHash, key.Scopes)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var k APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, label, secret_hash, scopes, revoked_at, created_at
		FROM api_keys WHERE id = $1
	`, id).Scan(&k.ID, &k.TenantID, &k.Label, &k.SecretHash, &k.Scopes, &k.RevokedAt, &k.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &k, nil
}

func scanVersion(row pgx.Row) (*EntryVersion, error) {
	var v EntryVersion
	var valueJSON []byte
	err := row.Scan(&v.ID, &v.Tenant, &v.Agent, &v.Path, &valueJSON, &v.Tags,
		&v.Importance, &v.Searchable, &v.ContentHash, &v.CreatedAt, &v.ExpiresAt, &v.DeletedAt)
	if err != nil {
		return nil, err
	}
	val, err := canonjson.Decode(valueJSON)
	if err != nil {
		return nil, err
	}
	v.Value = val
	return &v, nil
}

const versionColumns = `id, tenant_id, agent, path, value, tags, importance, searchable, content_hash, created_at, expires_at, deleted_at`

func (s *PostgresStore) PutVersion(ctx context.Context, v *EntryVersion) error {
	valueJSON, err := canonjson.Marshal(v.Value)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO entry_versions (id, tenant_id, agent, path, value, tags, importance, searchable, content_hash, expires_at, deleted_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, v.Tenant, v.Agent, v.Path, valueJSON, v.Tags, v.Importance, v.Searchable, v.ContentHash, v.ExpiresAt, v.DeletedAt).
		Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO entries (tenant_id, agent, path, latest_version_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, agent, path) DO UPDATE SET latest_version_id = EXCLUDED.latest_version_id
	`, v.Tenant, v.Agent, v.Path, v.ID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLatestVisible(ctx context.Context, tenant, agent, path string, now int64) (*EntryVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance, v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2 AND e.path = $3
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($4))
	`, tenant, agent, path, now)
	v, err := scanVersion(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return v, nil
}

func (s *PostgresStore) History(ctx context.Context, tenant, agent, path string, limit int) ([]*EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+`
		FROM entry_versions
		WHERE tenant_id = $1 AND agent = $2 AND path = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenant, agent, path, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// overFetchCap bounds how many raw latest-version rows LIST fetches
// before applying the configured output cap in Go (LIST needs to see
// every matching leaf to compute deduplicated direct children).
const overFetchCap = 5000

func (s *PostgresStore) ListChildren(ctx context.Context, tenant, agent, likePrefix, rawPrefix string, capN int, now int64) ([]ListItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.path
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.path LIKE $3 ESCAPE '\'
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($4))
		LIMIT $5
	`, tenant, agent, likePrefix, now, overFetchCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	base := strings.TrimSuffix(rawPrefix, "/")
	seen := make(map[string]bool)
	var items []ListItem
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		suffix := strings.TrimPrefix(path, base+"/")
		if suffix == path {
			continue
		}
		slash := strings.Index(suffix, "/")
		var child, typ string
		if slash >= 0 {
			child = base + "/" + suffix[:slash]
			typ = "dir"
		} else {
			child = base + "/" + suffix
			typ = "file"
		}
		if seen[child] {
			continue
		}
		seen[child] = true
		items = append(items, ListItem{Path: child, Type: typ})
		if len(items) >= capN {
			break
		}
	}
	return items, rows.Err()
}

func (s *PostgresStore) GlobMatch(ctx context.Context, tenant, agent, likePattern string, capN int, now int64) ([]*EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance, v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.path LIKE $3 ESCAPE '\'
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($4))
		ORDER BY v.path ASC
		LIMIT $5
	`, tenant, agent, likePattern, now, capN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Dump(ctx context.Context, tenant, agent string, limit int, now int64) ([]*EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance, v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($3))
		ORDER BY v.created_at DESC
		LIMIT $4
	`, tenant, agent, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Agents(ctx context.Context, tenant string, now int64) ([]AgentCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.agent, count(*)
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($2))
		GROUP BY v.agent
		ORDER BY v.agent ASC
	`, tenant, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentCount
	for rows.Next() {
		var a AgentCount
		if err := rows.Scan(&a.Agent, &a.MemoryCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	if !s.hasVector {
		return fmt.Errorf("vector extension unavailable")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (version_id, tenant_id, agent, path, model, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (version_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, agent = EXCLUDED.agent, path = EXCLUDED.path,
			model = EXCLUDED.model, embedding = EXCLUDED.embedding
	`, e.VersionID, e.Tenant, e.Agent, e.Path, e.Model, vectorLiteral(e.Vector))
	return err
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *PostgresStore) EnqueueEmbeddingJob(ctx context.Context, versionID, tenant, agent, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embedding_jobs (version_id, tenant_id, agent, path, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, now(), now())
		ON CONFLICT (version_id) DO UPDATE SET status = 'queued', updated_at = now()
	`, versionID, tenant, agent, path)
	return err
}

// ClaimEmbeddingJob implements spec §4.8's atomic claim: a single logical
// unit combining SELECT ... FOR UPDATE SKIP LOCKED with the flip to
// 'running'. Two workers racing on this call cannot claim the same row.
func (s *PostgresStore) ClaimEmbeddingJob(ctx context.Context, maxAttempts int) (*EmbeddingJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var j EmbeddingJob
	err = tx.QueryRow(ctx, `
		SELECT version_id, tenant_id, agent, path, status, attempts, last_error, created_at, updated_at
		FROM embedding_jobs
		WHERE status = 'queued' AND attempts < $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, maxAttempts).Scan(&j.VersionID, &j.Tenant, &j.Agent, &j.Path, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE embedding_jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE version_id = $1
	`, j.VersionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	j.Status = JobStatusRunning
	j.Attempts++
	return &j, nil
}

func (s *PostgresStore) MarkJobSucceeded(ctx context.Context, versionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = 'succeeded', last_error = '', updated_at = now()
		WHERE version_id = $1
	`, versionID)
	return err
}

func (s *PostgresStore) MarkJobDone(ctx context.Context, versionID, tenant, agent, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embedding_jobs (version_id, tenant_id, agent, path, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'done', 0, now(), now())
		ON CONFLICT (version_id) DO UPDATE SET status = 'done', updated_at = now()
	`, versionID, tenant, agent, path)
	return err
}

func (s *PostgresStore) MarkJobRetry(ctx context.Context, versionID, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = 'queued', last_error = $2, updated_at = now()
		WHERE version_id = $1
	`, versionID, lastErr)
	return err
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, versionID, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = 'failed', last_error = $2, updated_at = now()
		WHERE version_id = $1
	`, versionID, lastErr)
	return err
}

func (s *PostgresStore) RequeueJobs(ctx context.Context, statuses []string, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = 'queued', attempts = 0, last_error = '', updated_at = now()
		WHERE version_id IN (
			SELECT version_id FROM embedding_jobs WHERE status = ANY($1) LIMIT $2
		)
	`, statuses, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetVersionByID(ctx context.Context, versionID string) (*EntryVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM entry_versions WHERE id = $1`, versionID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return v, nil
}

func (s *PostgresStore) SearchByVector(ctx context.Context, tenant, agent string, queryVec []float32, limit int, pathLikePrefix string, tagsAny []string, now int64) ([]SearchResult, error) {
	if !s.hasVector {
		return nil, fmt.Errorf("vector extension unavailable")
	}
	vecLit := vectorLiteral(queryVec)

	query := `
		SELECT v.path, v.value, v.tags, 1 - (em.embedding <=> $1::vector) AS similarity, v.id, v.created_at
		FROM embeddings em
		JOIN entries e ON e.latest_version_id = em.version_id
		JOIN entry_versions v ON v.id = em.version_id
		WHERE em.tenant_id = $2 AND em.agent = $3
		  AND v.deleted_at IS NULL AND (v.expires_at IS NULL OR v.expires_at > to_timestamp($4))
	`
	args := []interface{}{vecLit, tenant, agent, now}
	if pathLikePrefix != "" {
		query += " AND v.path LIKE $5 ESCAPE '\\'"
		args = append(args, pathLikePrefix)
	}
	query += fmt.Sprintf(" ORDER BY em.embedding <=> $1::vector ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var valueJSON []byte
		if err := rows.Scan(&r.Path, &valueJSON, &r.Tags, &r.Similarity, &r.VersionID, &r.CreatedAt); err != nil {
			return nil, err
		}
		val, err := canonjson.Decode(valueJSON)
		if err != nil {
			return nil, err
		}
		r.Value = val
		if len(tagsAny) > 0 && !tagsIntersect(r.Tags, tagsAny) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, tenant, key string) (*IdempotencyEntry, error) {
	var e IdempotencyEntry
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key, request_hash, legacy_hash, response_json, status_code, expires_at, created_at
		FROM idempotency_keys WHERE tenant_id = $1 AND key = $2
	`, tenant, key).Scan(&e.Tenant, &e.Key, &e.RequestHash, &e.LegacyHash, &e.ResponseJSON, &e.StatusCode, &e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &e, nil
}

// SaveIdempotency inserts the (tenant, key) row, or replaces it in place if
// the row occupying that slot has already expired. A still-live row is left
// untouched: the first writer for a given key wins for as long as the entry
// is valid.
func (s *PostgresStore) SaveIdempotency(ctx context.Context, e *IdempotencyEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, key, request_hash, legacy_hash, response_json, status_code, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			legacy_hash = EXCLUDED.legacy_hash,
			response_json = EXCLUDED.response_json,
			status_code = EXCLUDED.status_code,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= now()
	`, e.Tenant, e.Key, e.RequestHash, e.LegacyHash, e.ResponseJSON, e.StatusCode, e.ExpiresAt)
	return err
}

func (s *PostgresStore) SweepExpiredIdempotency(ctx context.Context, now int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= to_timestamp($1)`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) IncrementQuota(ctx context.Context, tenant, day, kind string, n int64) (int64, error) {
	var counter int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_usage (tenant_id, day, kind, counter)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, day, kind) DO UPDATE SET counter = quota_usage.counter + EXCLUDED.counter
		RETURNING counter
	`, tenant, day, kind, n).Scan(&counter)
	return counter, err
}
