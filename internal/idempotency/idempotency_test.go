package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("abc-123_XYZ"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("has a space"))
}

func TestCheckMissThenHit(t *testing.T) {
	st := store.NewMemStore()
	s := NewStore(st)
	body := []byte(`{"path":"/i","value":{"a":1}}`)

	out, err := s.Check(context.Background(), "tenant-a", "key1", body)
	require.NoError(t, err)
	assert.Nil(t, out.Cached)

	require.NoError(t, s.Save(context.Background(), "tenant-a", "key1", body, []byte(`{"ok":true}`), 200))

	out, err = s.Check(context.Background(), "tenant-a", "key1", body)
	require.NoError(t, err)
	require.NotNil(t, out.Cached)
	assert.Equal(t, []byte(`{"ok":true}`), out.Cached.ResponseJSON)
}

func TestCheckCanonicalEquivalence(t *testing.T) {
	st := store.NewMemStore()
	s := NewStore(st)
	original := []byte(`{"path":"/i","value":{"a":1,"b":2}}`)
	require.NoError(t, s.Save(context.Background(), "tenant-a", "key2", original, []byte(`{"ok":true}`), 200))

	// Same fields, different key order -> canonical hash still matches.
	reordered := []byte(`{"value":{"b":2,"a":1},"path":"/i"}`)
	out, err := s.Check(context.Background(), "tenant-a", "key2", reordered)
	require.NoError(t, err)
	require.NotNil(t, out.Cached)
}

func TestCheckMismatch(t *testing.T) {
	st := store.NewMemStore()
	s := NewStore(st)
	body1 := []byte(`{"path":"/i","value":{"a":1}}`)
	body2 := []byte(`{"path":"/i","value":{"a":2}}`)
	require.NoError(t, s.Save(context.Background(), "tenant-a", "key3", body1, []byte(`{"ok":true}`), 200))

	_, err := s.Check(context.Background(), "tenant-a", "key3", body2)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeIdempotencyKeyMismatch, apiErr.Code)
}
