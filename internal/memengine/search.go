package memengine

import (
	"context"
	"time"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/embedqueue"
	"github.com/AgentFSorg/agentfs/internal/pathutil"
)

// Search implements spec §4.7.9 / C10. Rate limiting and search-quota
// increments happen in the request pipeline before this is called; this
// method owns validation, the no-embedder degradation, the embed call, and
// ranking.
func (e *Engine) Search(ctx context.Context, tenant string, in SearchInput) (*SearchResult, error) {
	if err := ValidateAgent(in.Agent); err != nil {
		return nil, err
	}
	if len(in.Query) == 0 || len(in.Query) > maxSearchQueryLen {
		return nil, apierr.New(400, apierr.CodeValidation, "query must be 1..2000 characters")
	}
	if len(in.TagsAny) > maxTagsAny {
		return nil, apierr.New(400, apierr.CodeValidation, "tags_any accepts at most 20 values")
	}
	if len(in.PathPrefix) > 512 {
		return nil, apierr.New(400, apierr.CodeValidation, "path_prefix too long")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	if e.embedder == nil {
		return &SearchResult{Results: []SearchEntry{}, Note: "semantic search is not configured for this deployment"}, nil
	}
	if vc, ok := e.st.(interface{ HasVectorExtension() bool }); ok && !vc.HasVectorExtension() {
		return &SearchResult{Results: []SearchEntry{}, Note: "vector extension unavailable"}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedqueue.EmbedTimeout)
	defer cancel()
	vec, err := e.embedder.Embed(embedCtx, in.Query)
	if err != nil {
		return nil, apierr.Wrap(502, apierr.CodeEmbeddingsAPIError, "embedding provider call failed", err)
	}

	var likePrefix string
	if in.PathPrefix != "" {
		normPrefix, err := pathutil.Normalize(in.PathPrefix)
		if err != nil {
			return nil, err
		}
		likePrefix = pathutil.EscapeLike(normPrefix) + "%"
	}

	rows, err := e.st.SearchByVector(ctx, tenant, in.Agent, vec, limit, likePrefix, in.TagsAny, time.Now().Unix())
	if err != nil {
		return nil, apierr.Internal(err)
	}

	out := make([]SearchEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, SearchEntry{Path: r.Path, Value: r.Value, Tags: r.Tags, Similarity: r.Similarity, VersionID: r.VersionID, CreatedAt: r.CreatedAt})
	}
	return &SearchResult{Results: out}, nil
}
