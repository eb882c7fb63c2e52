package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a fully behavioral in-memory Store implementation used by
// unit tests and by local/dev runs without a live Postgres. All operations
// are guarded by a single mutex, which trivially provides the same
// at-most-once claim guarantee Postgres gives via FOR UPDATE SKIP LOCKED.
type MemStore struct {
	mu sync.Mutex

	tenants map[string]string // name -> id
	apiKeys map[string]*APIKey

	// versions keyed by "tenant\x00agent\x00path", append-only, order =
	// insertion order (also creation order).
	versions map[string][]*EntryVersion

	embeddings map[string]*Embedding     // version id -> embedding
	jobs       map[string]*EmbeddingJob  // version id -> job
	jobOrder   []string                  // version ids, insertion order

	idempotency map[string]*IdempotencyEntry // "tenant\x00key" -> entry
	quota       map[string]int64             // "tenant\x00day\x00kind" -> value
}

func NewMemStore() *MemStore {
	return &MemStore{
		tenants:     make(map[string]string),
		apiKeys:     make(map[string]*APIKey),
		versions:    make(map[string][]*EntryVersion),
		embeddings:  make(map[string]*Embedding),
		jobs:        make(map[string]*EmbeddingJob),
		idempotency: make(map[string]*IdempotencyEntry),
		quota:       make(map[string]int64),
	}
}

func triKey(a, b, c string) string { return a + "\x00" + b + "\x00" + c }
func biKey(a, b string) string     { return a + "\x00" + b }

func (m *MemStore) Close() {}

func (m *MemStore) CreateTenant(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.tenants[name]; ok {
		return id, nil
	}
	id := uuid.NewString()
	m.tenants[name] = id
	return id, nil
}

func (m *MemStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.apiKeys[key.ID]; exists {
		return ErrConflict
	}
	cp := *key
	m.apiKeys[key.ID] = &cp
	return nil
}

func (m *MemStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemStore) PutVersion(ctx context.Context, v *EntryVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	key := triKey(v.Tenant, v.Agent, v.Path)
	cp := *v
	m.versions[key] = append(m.versions[key], &cp)
	return nil
}

func (m *MemStore) latestLocked(tenant, agent, path string) *EntryVersion {
	list := m.versions[triKey(tenant, agent, path)]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (m *MemStore) GetLatestVisible(ctx context.Context, tenant, agent, path string, now int64) (*EntryVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.latestLocked(tenant, agent, path)
	if v == nil {
		return nil, ErrNotFound
	}
	if !v.IsVisible(time.Unix(now, 0).UTC()) {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemStore) History(ctx context.Context, tenant, agent, path string, limit int) ([]*EntryVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[triKey(tenant, agent, path)]
	out := make([]*EntryVersion, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]*EntryVersion, len(out))
	for i, v := range out {
		cp := *v
		result[i] = &cp
	}
	return result, nil
}

// allLatestVisibleForAgent returns every path's latest version for
// (tenant, agent) that is currently visible, in undefined order.
func (m *MemStore) allLatestVisibleForAgent(tenant, agent string, now time.Time) []*EntryVersion {
	prefix := triKey(tenant, agent, "")
	var out []*EntryVersion
	for key, list := range m.versions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		if latest.IsVisible(now) {
			out = append(out, latest)
		}
	}
	return out
}

func (m *MemStore) ListChildren(ctx context.Context, tenant, agent, likePrefix, rawPrefix string, cap int, now int64) ([]ListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()
	entries := m.allLatestVisibleForAgent(tenant, agent, nowT)

	base := strings.TrimSuffix(rawPrefix, "/")
	seen := make(map[string]bool)
	var items []ListItem
	for _, e := range entries {
		if !likeMatch(likePrefix, e.Path) {
			continue
		}
		suffix := strings.TrimPrefix(e.Path, base+"/")
		if suffix == e.Path {
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
		if len(items) >= cap {
			break
		}
	}
	return items, nil
}

func (m *MemStore) GlobMatch(ctx context.Context, tenant, agent, likePattern string, cap int, now int64) ([]*EntryVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()
	entries := m.allLatestVisibleForAgent(tenant, agent, nowT)
	var matched []*EntryVersion
	for _, e := range entries {
		if likeMatch(likePattern, e.Path) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Path < matched[j].Path })
	if cap > 0 && len(matched) > cap {
		matched = matched[:cap]
	}
	return matched, nil
}

func (m *MemStore) Dump(ctx context.Context, tenant, agent string, limit int, now int64) ([]*EntryVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()
	entries := m.allLatestVisibleForAgent(tenant, agent, nowT)
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*EntryVersion, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) Agents(ctx context.Context, tenant string, now int64) ([]AgentCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()
	prefix := tenant + "\x00"
	counts := make(map[string]int64)
	for key, list := range m.versions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		if !latest.IsVisible(nowT) {
			continue
		}
		counts[latest.Agent]++
	}
	out := make([]AgentCount, 0, len(counts))
	for agent, c := range counts {
		out = append(out, AgentCount{Agent: agent, MemoryCount: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

func (m *MemStore) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.embeddings[e.VersionID] = &cp
	return nil
}

func (m *MemStore) EnqueueEmbeddingJob(ctx context.Context, versionID, tenant, agent, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if _, exists := m.jobs[versionID]; !exists {
		m.jobOrder = append(m.jobOrder, versionID)
	}
	m.jobs[versionID] = &EmbeddingJob{
		VersionID: versionID,
		Tenant:    tenant,
		Agent:     agent,
		Path:      path,
		Status:    JobStatusQueued,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MarkJobDone records a job as embedded inline at PUT time (never went
// through queued/running), distinct from MarkJobSucceeded's worker path.
func (m *MemStore) MarkJobDone(ctx context.Context, versionID, tenant, agent, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if _, exists := m.jobs[versionID]; !exists {
		m.jobOrder = append(m.jobOrder, versionID)
	}
	m.jobs[versionID] = &EmbeddingJob{
		VersionID: versionID,
		Tenant:    tenant,
		Agent:     agent,
		Path:      path,
		Status:    JobStatusDone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemStore) ClaimEmbeddingJob(ctx context.Context, maxAttempts int) (*EmbeddingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vid := range m.jobOrder {
		j := m.jobs[vid]
		if j == nil {
			continue
		}
		if j.Status == JobStatusQueued && j.Attempts < maxAttempts {
			j.Status = JobStatusRunning
			j.Attempts++
			j.UpdatedAt = time.Now().UTC()
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) MarkJobSucceeded(ctx context.Context, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[versionID]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusSucceeded
	j.LastError = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) MarkJobRetry(ctx context.Context, versionID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[versionID]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusQueued
	j.LastError = lastErr
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) MarkJobFailed(ctx context.Context, versionID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[versionID]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusFailed
	j.LastError = lastErr
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) RequeueJobs(ctx context.Context, statuses []string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statusSet := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		statusSet[s] = true
	}
	n := 0
	for _, vid := range m.jobOrder {
		if limit > 0 && n >= limit {
			break
		}
		j := m.jobs[vid]
		if j == nil || !statusSet[j.Status] {
			continue
		}
		j.Status = JobStatusQueued
		j.Attempts = 0
		j.LastError = ""
		j.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func (m *MemStore) GetVersionByID(ctx context.Context, versionID string) (*EntryVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.versions {
		for _, v := range list {
			if v.ID == versionID {
				cp := *v
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemStore) SearchByVector(ctx context.Context, tenant, agent string, queryVec []float32, limit int, pathLikePrefix string, tagsAny []string, now int64) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()

	type scored struct {
		v   *EntryVersion
		sim float64
	}
	var candidates []scored
	for vid, emb := range m.embeddings {
		if emb.Tenant != tenant || emb.Agent != agent {
			continue
		}
		v, err := m.getVersionByIDLocked(vid)
		if err != nil {
			continue
		}
		if !v.IsVisible(nowT) {
			continue
		}
		if latest := m.latestLocked(v.Tenant, v.Agent, v.Path); latest == nil || latest.ID != v.ID {
			continue
		}
		if pathLikePrefix != "" && !likeMatch(pathLikePrefix, v.Path) {
			continue
		}
		sim := cosineSimilarity(emb.Vector, queryVec)
		candidates = append(candidates, scored{v: v, sim: sim})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if len(tagsAny) > 0 && !tagsIntersect(c.v.Tags, tagsAny) {
			continue
		}
		out = append(out, SearchResult{
			Path:       c.v.Path,
			Value:      c.v.Value,
			Tags:       c.v.Tags,
			Similarity: c.sim,
			VersionID:  c.v.ID,
			CreatedAt:  c.v.CreatedAt,
		})
	}
	return out, nil
}

func (m *MemStore) getVersionByIDLocked(versionID string) (*EntryVersion, error) {
	for _, list := range m.versions {
		for _, v := range list {
			if v.ID == versionID {
				return v, nil
			}
		}
	}
	return nil, ErrNotFound
}

func tagsIntersect(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

func (m *MemStore) GetIdempotency(ctx context.Context, tenant, key string) (*IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idempotency[biKey(tenant, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) SaveIdempotency(ctx context.Context, e *IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := biKey(e.Tenant, e.Key)
	if existing, ok := m.idempotency[k]; ok && !existing.IsExpired(time.Now().UTC()) {
		// on-conflict do-nothing: first writer wins for concurrent retries.
		return nil
	}
	cp := *e
	m.idempotency[k] = &cp
	return nil
}

func (m *MemStore) SweepExpiredIdempotency(ctx context.Context, now int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowT := time.Unix(now, 0).UTC()
	var n int64
	for k, e := range m.idempotency {
		if e.IsExpired(nowT) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) IncrementQuota(ctx context.Context, tenant, day, kind string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenant + "\x00" + day + "\x00" + kind
	m.quota[key] += n
	return m.quota[key], nil
}
