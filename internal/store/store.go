package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint would be violated.
var ErrConflict = errors.New("store: conflict")

// Store is the relational store adapter interface implemented by the
// pgx/v5-backed PostgresStore and, for tests and dependency-free local
// runs, MemStore. The memory-engine, search, idempotency and quota methods
// take the tenant explicitly and bind it as a parameter. GetAPIKey, the
// embedding-job methods and GetVersionByID are keyed by key id or version
// id alone and carry no tenant predicate.
type Store interface {
	// Tenancy & auth (C4).
	CreateTenant(ctx context.Context, name string) (string, error)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)

	// Memory engine (C8).
	PutVersion(ctx context.Context, v *EntryVersion) error
	GetLatestVisible(ctx context.Context, tenant, agent, path string, now int64) (*EntryVersion, error)
	History(ctx context.Context, tenant, agent, path string, limit int) ([]*EntryVersion, error)
	ListChildren(ctx context.Context, tenant, agent, likePrefix, rawPrefix string, cap int, now int64) ([]ListItem, error)
	GlobMatch(ctx context.Context, tenant, agent, likePattern string, cap int, now int64) ([]*EntryVersion, error)
	Dump(ctx context.Context, tenant, agent string, limit int, now int64) ([]*EntryVersion, error)
	Agents(ctx context.Context, tenant string, now int64) ([]AgentCount, error)

	// Embedding queue & search (C9, C10).
	UpsertEmbedding(ctx context.Context, e *Embedding) error
	EnqueueEmbeddingJob(ctx context.Context, versionID, tenant, agent, path string) error
	ClaimEmbeddingJob(ctx context.Context, maxAttempts int) (*EmbeddingJob, error)
	MarkJobSucceeded(ctx context.Context, versionID string) error
	MarkJobDone(ctx context.Context, versionID, tenant, agent, path string) error
	MarkJobRetry(ctx context.Context, versionID, lastErr string) error
	MarkJobFailed(ctx context.Context, versionID, lastErr string) error
	RequeueJobs(ctx context.Context, statuses []string, limit int) (int, error)
	GetVersionByID(ctx context.Context, versionID string) (*EntryVersion, error)
	SearchByVector(ctx context.Context, tenant, agent string, queryVec []float32, limit int, pathLikePrefix string, tagsAny []string, now int64) ([]SearchResult, error)

	// Idempotency (C7).
	GetIdempotency(ctx context.Context, tenant, key string) (*IdempotencyEntry, error)
	SaveIdempotency(ctx context.Context, e *IdempotencyEntry) error
	SweepExpiredIdempotency(ctx context.Context, now int64) (int64, error)

	// Quotas (C6).
	IncrementQuota(ctx context.Context, tenant, day, kind string, n int64) (int64, error)

	Close()
}
