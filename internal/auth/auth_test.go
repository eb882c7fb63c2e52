package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func TestParseTokenValid(t *testing.T) {
	id, secret, err := ParseToken("Bearer abc123.def456")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "def456", secret)
}

func TestParseTokenMalformed(t *testing.T) {
	cases := []string{
		"",
		"Bearer",
		"Basic abc.def",
		"Bearer abc",
		"Bearer .secret",
		"Bearer id.",
	}
	for _, c := range cases {
		_, _, err := ParseToken(c)
		require.Error(t, err)
		var apiErr *apierr.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, apierr.CodeUnauthorized, apiErr.Code)
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("s3cret-value")
	require.NoError(t, err)
	assert.True(t, VerifySecret("s3cret-value", hash))
	assert.False(t, VerifySecret("wrong-value", hash))
}

func TestAuthenticateSuccessAndCache(t *testing.T) {
	st := store.NewMemStore()
	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)

	hash, err := HashSecret("topsecret")
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &store.APIKey{
		ID: "key1", TenantID: tenant, SecretHash: hash, Scopes: []string{"memory:read"},
	}))

	v := NewVerifier(st)
	authCtx, err := v.Authenticate(context.Background(), "Bearer key1.topsecret")
	require.NoError(t, err)
	assert.Equal(t, tenant, authCtx.Tenant)
	assert.True(t, authCtx.HasScope("memory:read"))
	assert.False(t, authCtx.HasScope("admin_only_scope_that_does_not_exist"))

	// Second call hits the cache; still succeeds identically.
	authCtx2, err := v.Authenticate(context.Background(), "Bearer key1.topsecret")
	require.NoError(t, err)
	assert.Equal(t, authCtx.KeyID, authCtx2.KeyID)
}

func TestAuthenticateWrongSecretFails(t *testing.T) {
	st := store.NewMemStore()
	tenant, _ := st.CreateTenant(context.Background(), "acme")
	hash, _ := HashSecret("topsecret")
	require.NoError(t, st.CreateAPIKey(context.Background(), &store.APIKey{
		ID: "key2", TenantID: tenant, SecretHash: hash,
	}))

	v := NewVerifier(st)
	_, err := v.Authenticate(context.Background(), "Bearer key2.wrongsecret")
	require.Error(t, err)
}

func TestAuthenticateLockout(t *testing.T) {
	st := store.NewMemStore()
	tenant, _ := st.CreateTenant(context.Background(), "acme")
	hash, _ := HashSecret("topsecret")
	require.NoError(t, st.CreateAPIKey(context.Background(), &store.APIKey{
		ID: "key3", TenantID: tenant, SecretHash: hash,
	}))

	v := NewVerifier(st)
	for i := 0; i < lockoutThreshold; i++ {
		_, err := v.Authenticate(context.Background(), "Bearer key3.wrongsecret")
		require.Error(t, err)
	}
	_, err := v.Authenticate(context.Background(), "Bearer key3.topsecret")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeAuthLockout, apiErr.Code)
}

func TestRequireScope(t *testing.T) {
	c := &Context{Scopes: []string{"memory:read"}}
	assert.NoError(t, RequireScope(c, "memory:read"))
	assert.Error(t, RequireScope(c, "memory:write"))

	admin := &Context{Scopes: []string{"admin"}}
	assert.NoError(t, RequireScope(admin, "memory:write"))
}
