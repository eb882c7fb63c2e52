package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/auth"
	"github.com/AgentFSorg/agentfs/internal/embedqueue"
	"github.com/AgentFSorg/agentfs/internal/memengine"
	"github.com/AgentFSorg/agentfs/internal/metrics"
	"github.com/AgentFSorg/agentfs/internal/store"
)

// constantTimeTokenMatch compares an admin-supplied token against the
// configured bootstrap token without leaking timing information.
func constantTimeTokenMatch(presented, configured string) bool {
	if configured == "" {
		return false
	}
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// generateAPIKey mints a new bearer credential in the id.secret shape spec
// §4.3 authenticates, hashing the secret with argon2id before it ever
// touches storage.
func generateAPIKey() (id, secret, hashed string, err error) {
	id = uuid.NewString()
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	secret = hex.EncodeToString(buf)
	hashed, err = auth.HashSecret(secret)
	if err != nil {
		return "", "", "", err
	}
	return id, secret, hashed, nil
}

func decodeBody(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.New(400, apierr.CodeValidation, "malformed JSON request body")
	}
	return nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req putRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	res, err := s.engine.Put(r.Context(), ac.Tenant, memengine.PutInput{
		Agent: req.AgentID, Path: req.Path, Value: req.Value,
		TTLSeconds: req.TTLSeconds, Tags: req.Tags, Importance: req.Importance, Searchable: req.Searchable,
	})
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req getRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	res, err := s.engine.Get(r.Context(), ac.Tenant, req.AgentID, req.Path)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req deleteRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	res, err := s.engine.Delete(r.Context(), ac.Tenant, req.AgentID, req.Path)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req historyRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	entries, err := s.engine.History(r.Context(), ac.Tenant, req.AgentID, req.Path, req.Limit)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	versions := make([]historyVersion, 0, len(entries))
	for _, e := range entries {
		hv := historyVersion{VersionID: e.VersionID, CreatedAt: e.CreatedAt, Value: e.Value}
		if e.ExpiresAt != nil {
			hv.ExpiresAt = e.ExpiresAt
		}
		if e.Deleted {
			hv.DeletedAt = e.CreatedAt
		}
		versions = append(versions, hv)
	}
	writeJSON(w, http.StatusOK, historyResponse{Versions: versions})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req listRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	items, err := s.engine.List(r.Context(), ac.Tenant, req.AgentID, req.Prefix)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	out := make([]listItem, 0, len(items))
	for _, it := range items {
		out = append(out, listItem{Path: it.Path, Type: it.Type})
	}
	writeJSON(w, http.StatusOK, listResponse{Items: out})
}

func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req globRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	entries, err := s.engine.Glob(r.Context(), ac.Tenant, req.AgentID, req.Pattern)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	writeJSON(w, http.StatusOK, globResponse{Paths: paths})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req dumpRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	entries, hit, err := s.engine.Dump(r.Context(), ac.Tenant, req.AgentID, req.Limit)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	if hit {
		w.Header().Set("X-Cache", "HIT")
		metrics.DumpCacheHitsTotal.WithLabelValues("hit").Inc()
	} else {
		w.Header().Set("X-Cache", "MISS")
		metrics.DumpCacheHitsTotal.WithLabelValues("miss").Inc()
	}
	out := make([]dumpEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dumpEntry{Path: e.Path, Value: e.Value, VersionID: e.VersionID, CreatedAt: e.CreatedAt, Tags: e.Tags})
	}
	writeJSON(w, http.StatusOK, dumpResponse{Entries: out, Count: len(out)})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	agents, err := s.engine.Agents(r.Context(), ac.Tenant)
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	out := make([]agentEntry, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentEntry{ID: a.Agent, MemoryCount: a.MemoryCount})
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte) {
	var req searchRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	if err := s.quotas.IncrementSearches(r.Context(), ac.Tenant); err != nil {
		metrics.QuotaDenialsTotal.WithLabelValues("searches").Inc()
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	res, err := s.engine.Search(r.Context(), ac.Tenant, memengine.SearchInput{
		Agent: req.AgentID, Query: req.Query, Limit: req.Limit, PathPrefix: req.PathPrefix, TagsAny: req.TagsAny,
	})
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	out := make([]searchEntry, 0, len(res.Results))
	for _, e := range res.Results {
		out = append(out, searchEntry{Path: e.Path, Value: e.Value, Tags: e.Tags, Similarity: e.Similarity, VersionID: e.VersionID, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: out, Note: res.Note})
}

func (s *Server) handleAdminCreateKey(w http.ResponseWriter, r *http.Request, body []byte) {
	var req adminCreateKeyRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	if !constantTimeTokenMatch(req.Token, s.cfg.AdminBootstrapToken) {
		writeError(w, s.log, s.cfg.IsProduction(), apierr.New(401, apierr.CodeUnauthorized, "invalid bootstrap token"))
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		var err error
		tenantID, err = s.st.CreateTenant(r.Context(), req.Label)
		if err != nil {
			writeError(w, s.log, s.cfg.IsProduction(), apierr.Internal(err))
			return
		}
	}

	id, secret, hashed, err := generateAPIKey()
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), apierr.Internal(err))
		return
	}
	if err := s.st.CreateAPIKey(r.Context(), &store.APIKey{
		ID: id, TenantID: tenantID, Label: req.Label, SecretHash: hashed,
		Scopes: []string{"memory:read", "memory:write", "search:read"},
	}); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, adminCreateKeyResponse{OK: true, APIKey: id + "." + secret})
}

func (s *Server) handleAdminRequeueJobs(w http.ResponseWriter, r *http.Request, body []byte) {
	var req adminRequeueRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), err)
		return
	}
	if !constantTimeTokenMatch(req.Token, s.cfg.AdminBootstrapToken) {
		writeError(w, s.log, s.cfg.IsProduction(), apierr.New(401, apierr.CodeUnauthorized, "invalid bootstrap token"))
		return
	}
	n, err := embedqueue.Requeue(r.Context(), s.st, embedqueue.RequeueOptions{Statuses: req.Statuses, Limit: req.Limit})
	if err != nil {
		writeError(w, s.log, s.cfg.IsProduction(), apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, adminRequeueResponse{OK: true, Requeued: n})
}
