package memengine

import (
	"context"
	"regexp"
	"time"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/canonjson"
	"github.com/AgentFSorg/agentfs/internal/embedqueue"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/metrics"
	"github.com/AgentFSorg/agentfs/internal/pathutil"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/store"
)

var agentRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const (
	maxHistoryLimit = 100
	defaultHistoryLimit = 20
	maxListDumpCap  = 500
	defaultDumpLimit = 200
	maxSearchLimit  = 50
	defaultSearchLimit = 10
	maxSearchQueryLen = 2000
	maxTagsAny        = 20
)

// Engine is the memory engine of spec §4.7, wired to a Store, an optional
// Embedder for inline embedding at PUT time, and the DUMP cache.
type Engine struct {
	st       store.Store
	embedder embedqueue.Embedder
	quotas   *quota.Tracker
	dumps    *dumpCache
	log      *logger.Logger
}

func New(st store.Store, embedder embedqueue.Embedder, quotas *quota.Tracker, log *logger.Logger) *Engine {
	return &Engine{st: st, embedder: embedder, quotas: quotas, dumps: newDumpCache(), log: log}
}

// ValidateAgent enforces the ^[A-Za-z0-9_-]{1,128}$ agent-name shape used
// across every operation.
func ValidateAgent(agent string) error {
	if !agentRe.MatchString(agent) {
		return apierr.New(400, apierr.CodeValidation, "agent must match [A-Za-z0-9_-]{1,128}")
	}
	return nil
}

// Put implements spec §4.7.1.
func (e *Engine) Put(ctx context.Context, tenant string, in PutInput) (*PutResult, error) {
	if err := ValidateAgent(in.Agent); err != nil {
		return nil, err
	}
	normPath, err := pathutil.Normalize(in.Path)
	if err != nil {
		return nil, err
	}
	if pathutil.IsReserved(normPath) {
		return nil, pathutil.ErrReservedPath()
	}
	if in.Importance != nil && (*in.Importance < 0 || *in.Importance > 1) {
		return nil, apierr.New(400, apierr.CodeValidation, "importance must be in [0,1]")
	}

	contentHash, err := canonjson.ContentHash(normPath, in.Value)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	valueJSON, err := canonjson.MarshalString(in.Value)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	v := &store.EntryVersion{
		Tenant:      tenant,
		Agent:       in.Agent,
		Path:        normPath,
		Value:       in.Value,
		Tags:        in.Tags,
		ContentHash: contentHash,
		Searchable:  in.Searchable,
	}
	if in.Importance != nil {
		v.Importance = *in.Importance
	}
	if in.TTLSeconds != nil {
		exp := time.Now().Add(time.Duration(*in.TTLSeconds) * time.Second)
		v.ExpiresAt = &exp
	}

	if err := e.st.PutVersion(ctx, v); err != nil {
		return nil, apierr.Internal(err)
	}

	if in.Searchable {
		e.enqueueOrEmbedInline(ctx, v, valueJSON)
	}

	e.dumps.invalidateAgent(tenant, in.Agent)

	return &PutResult{OK: true, VersionID: v.ID, CreatedAt: v.CreatedAt}, nil
}

// enqueueOrEmbedInline implements spec §4.7.1's inline-embed-or-enqueue
// branch. Failures here never fail the PUT itself; they degrade to an
// enqueued retry.
func (e *Engine) enqueueOrEmbedInline(ctx context.Context, v *store.EntryVersion, valueJSON string) {
	if e.embedder == nil {
		if err := e.st.EnqueueEmbeddingJob(ctx, v.ID, v.Tenant, v.Agent, v.Path); err != nil {
			e.log.Errorf("failed to enqueue embedding job for %s: %v", v.ID, err)
		}
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedqueue.EmbedTimeout)
	defer cancel()
	vec, err := e.embedder.Embed(embedCtx, v.Path+"\n"+valueJSON)
	if err != nil {
		e.log.Warnf("inline embedding failed for %s, falling back to queue: %v", v.ID, err)
		if qerr := e.st.EnqueueEmbeddingJob(ctx, v.ID, v.Tenant, v.Agent, v.Path); qerr != nil {
			e.log.Errorf("failed to enqueue fallback embedding job for %s: %v", v.ID, qerr)
		}
		return
	}

	if err := e.st.UpsertEmbedding(ctx, &store.Embedding{
		VersionID: v.ID, Tenant: v.Tenant, Agent: v.Agent, Path: v.Path,
		Model: e.embedder.Model(), Vector: vec,
	}); err != nil {
		e.log.Errorf("failed to store inline embedding for %s: %v", v.ID, err)
		return
	}
	tokens := quota.ApproxTokenCount(valueJSON)
	if err := e.quotas.IncrementEmbedTokens(ctx, v.Tenant, tokens); err != nil {
		metrics.QuotaDenialsTotal.WithLabelValues("embed_tokens").Inc()
		e.log.Warnf("embed-token quota exceeded recording inline usage for %s: %v", v.ID, err)
	}
	if err := e.st.MarkJobDone(ctx, v.ID, v.Tenant, v.Agent, v.Path); err != nil {
		e.log.Errorf("failed to record inline embed job state for %s: %v", v.ID, err)
	}
}

// Get implements spec §4.7.2.
func (e *Engine) Get(ctx context.Context, tenant string, agent, path string) (*GetResult, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	normPath, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}

	v, err := e.st.GetLatestVisible(ctx, tenant, agent, normPath, time.Now().Unix())
	if err != nil {
		if err == store.ErrNotFound {
			return &GetResult{Found: false}, nil
		}
		return nil, apierr.Internal(err)
	}
	return &GetResult{
		Found: true, Path: v.Path, Value: v.Value, VersionID: v.ID,
		CreatedAt: &v.CreatedAt, ExpiresAt: v.ExpiresAt, Tags: v.Tags,
	}, nil
}

// Delete implements spec §4.7.3.
func (e *Engine) Delete(ctx context.Context, tenant string, agent, path string) (*DeleteResult, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	normPath, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}
	if pathutil.IsReserved(normPath) {
		return nil, pathutil.ErrReservedPath()
	}

	now := time.Now()
	v := &store.EntryVersion{
		Tenant:      tenant,
		Agent:       agent,
		Path:        normPath,
		Value:       map[string]interface{}{},
		ContentHash: canonjson.TombstoneContentHash,
		DeletedAt:   &now,
	}
	if err := e.st.PutVersion(ctx, v); err != nil {
		return nil, apierr.Internal(err)
	}
	e.dumps.invalidateAgent(tenant, agent)

	return &DeleteResult{OK: true, Deleted: true, VersionID: v.ID, CreatedAt: v.CreatedAt}, nil
}

// History implements spec §4.7.4.
func (e *Engine) History(ctx context.Context, tenant string, agent, path string, limit int) ([]HistoryEntry, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	normPath, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	versions, err := e.st.History(ctx, tenant, agent, normPath, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	out := make([]HistoryEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, HistoryEntry{
			Path: normPath, VersionID: v.ID, Value: v.Value, CreatedAt: v.CreatedAt,
			ExpiresAt: v.ExpiresAt, Deleted: v.IsTombstone(),
		})
	}
	return out, nil
}
