package memengine

import (
	"context"
	"time"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/pathutil"
)

// List implements spec §4.7.5.
func (e *Engine) List(ctx context.Context, tenant string, agent, prefix string) ([]ListEntry, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	normPrefix, err := pathutil.Normalize(prefix)
	if err != nil {
		return nil, err
	}

	likePattern := pathutil.PrefixLikePattern(normPrefix)
	items, err := e.st.ListChildren(ctx, tenant, agent, likePattern, normPrefix, maxListDumpCap, time.Now().Unix())
	if err != nil {
		return nil, apierr.Internal(err)
	}

	out := make([]ListEntry, 0, len(items))
	for _, it := range items {
		out = append(out, ListEntry{Path: it.Path, Type: it.Type})
	}
	return out, nil
}

// Glob implements spec §4.7.6.
func (e *Engine) Glob(ctx context.Context, tenant string, agent, pattern string) ([]HistoryEntry, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := pathutil.ValidateGlobPattern(pattern); err != nil {
		return nil, err
	}
	likePattern := pathutil.CompileGlob(pattern)

	versions, err := e.st.GlobMatch(ctx, tenant, agent, likePattern, maxListDumpCap, time.Now().Unix())
	if err != nil {
		return nil, apierr.Internal(err)
	}
	out := make([]HistoryEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, HistoryEntry{Path: v.Path, VersionID: v.ID, Value: v.Value, CreatedAt: v.CreatedAt, ExpiresAt: v.ExpiresAt})
	}
	return out, nil
}

// Dump implements spec §4.7.7, including the server-side cache.
func (e *Engine) Dump(ctx context.Context, tenant string, agent string, limit int) (entries []DumpEntry, cacheHit bool, err error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = defaultDumpLimit
	}
	if limit > maxListDumpCap {
		limit = maxListDumpCap
	}

	if cached, ok := e.dumps.get(tenant, agent, limit); ok {
		return cached, true, nil
	}

	versions, err := e.st.Dump(ctx, tenant, agent, limit, time.Now().Unix())
	if err != nil {
		return nil, false, apierr.Internal(err)
	}
	out := make([]DumpEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, DumpEntry{Path: v.Path, Value: v.Value, VersionID: v.ID, CreatedAt: v.CreatedAt, Tags: v.Tags})
	}
	e.dumps.put(tenant, agent, limit, out)
	return out, false, nil
}

// Agents implements spec §4.7.8.
func (e *Engine) Agents(ctx context.Context, tenant string) ([]AgentEntry, error) {
	counts, err := e.st.Agents(ctx, tenant, time.Now().Unix())
	if err != nil {
		return nil, apierr.Internal(err)
	}
	out := make([]AgentEntry, 0, len(counts))
	for _, c := range counts {
		out = append(out, AgentEntry{Agent: c.Agent, MemoryCount: c.MemoryCount})
	}
	return out, nil
}
