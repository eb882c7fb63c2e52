package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/auth"
	"github.com/AgentFSorg/agentfs/internal/config"
	"github.com/AgentFSorg/agentfs/internal/idempotency"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/memengine"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/ratelimit"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	st := store.NewMemStore()
	tenantID, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)

	secret := "s3cr3t-test-secret"
	hashed, err := auth.HashSecret(secret)
	require.NoError(t, err)
	keyID := "key-1"
	require.NoError(t, st.CreateAPIKey(context.Background(), &store.APIKey{
		ID: keyID, TenantID: tenantID, SecretHash: hashed,
		Scopes: []string{"memory:read", "memory:write", "search:read"},
	}))

	quotas := quota.NewTracker(st, quota.Limits{WritesPerDay: 1000, EmbedTokensPerDay: 100000, SearchesPerDay: 1000}, nil)
	engine := memengine.New(st, nil, quotas, logger.New("test"))
	verifier := auth.NewVerifier(st)
	preauth := ratelimit.NewPreAuthLimiter(1000)
	sliding := ratelimit.NewSlidingWindow(ratelimit.NewLocalBackend(), ratelimit.DefaultLimits())
	idemp := idempotency.NewStore(st)
	cfg := &config.Config{NodeEnv: "test", AdminBootstrapToken: "boot-token"}

	s := NewServer(st, engine, verifier, preauth, sliding, quotas, idemp, cfg, logger.New("test"))
	return s, keyID + "." + secret
}

func doRequest(s *Server, method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.RemoteAddr = "127.0.0.1:1234"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestPutThenGetRoundtrip(t *testing.T) {
	s, token := newTestServer(t)

	putBody := `{"agent_id":"agent-1","path":"/notes/a","value":{"text":"hello"}}`
	rec := doRequest(s, "POST", "/v1/put", putBody, token)
	require.Equal(t, 200, rec.Code)

	var putResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &putResp))
	require.True(t, putResp["ok"].(bool))

	getBody := `{"agent_id":"agent-1","path":"/notes/a"}`
	rec = doRequest(s, "POST", "/v1/get", getBody, token)
	require.Equal(t, 200, rec.Code)

	var getResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResp))
	require.True(t, getResp["found"].(bool))
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/v1/get", `{"agent_id":"a","path":"/x"}`, "")
	require.Equal(t, 401, rec.Code)
}

func TestMalformedBodyRejected(t *testing.T) {
	s, token := newTestServer(t)
	rec := doRequest(s, "POST", "/v1/put", `{not json`, token)
	require.Equal(t, 400, rec.Code)
}

func TestIdempotentPutReturnsCachedResponse(t *testing.T) {
	s, token := newTestServer(t)
	body := `{"agent_id":"agent-1","path":"/notes/b","value":{"n":1}}`

	req := httptest.NewRequest("POST", "/v1/put", bytes.NewBufferString(body))
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "req-123")
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req)
	require.Equal(t, 200, rec1.Code)

	req2 := httptest.NewRequest("POST", "/v1/put", bytes.NewBufferString(body))
	req2.RemoteAddr = "127.0.0.1:1234"
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("Idempotency-Key", "req-123")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	require.Equal(t, 200, rec2.Code)
	require.JSONEq(t, rec1.Body.String(), rec2.Body.String())
}

func TestAdminCreateKeyRequiresBootstrapToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/v1/admin/create-key", `{"token":"wrong","label":"x"}`, "")
	require.Equal(t, 401, rec.Code)

	rec = doRequest(s, "POST", "/v1/admin/create-key", `{"token":"boot-token","label":"x"}`, "")
	require.Equal(t, 200, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["api_key"])
}

func TestScopeEnforcedOnSearch(t *testing.T) {
	st := store.NewMemStore()
	tenantID, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	hashed, err := auth.HashSecret("sec")
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &store.APIKey{
		ID: "readonly", TenantID: tenantID, SecretHash: hashed, Scopes: []string{"memory:read"},
	}))

	quotas := quota.NewTracker(st, quota.Limits{WritesPerDay: 1000, EmbedTokensPerDay: 1000, SearchesPerDay: 1000}, nil)
	engine := memengine.New(st, nil, quotas, logger.New("test"))
	verifier := auth.NewVerifier(st)
	s := NewServer(st, engine, verifier,
		ratelimit.NewPreAuthLimiter(1000),
		ratelimit.NewSlidingWindow(ratelimit.NewLocalBackend(), ratelimit.DefaultLimits()),
		quotas,
		idempotency.NewStore(st),
		&config.Config{NodeEnv: "test"},
		logger.New("test"),
	)

	rec := doRequest(s, "POST", "/v1/search", `{"agent_id":"a","query":"hello"}`, "readonly.sec")
	require.Equal(t, 403, rec.Code)
}
