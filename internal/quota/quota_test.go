package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func TestIncrementWritesWithinLimit(t *testing.T) {
	st := store.NewMemStore()
	tr := NewTracker(st, Limits{WritesPerDay: 2, SearchesPerDay: 2, EmbedTokensPerDay: 100}, nil)

	require.NoError(t, tr.IncrementWrites(context.Background(), "tenant-a", 100))
	require.NoError(t, tr.IncrementWrites(context.Background(), "tenant-a", 100))
}

func TestIncrementWritesExceedsLimit(t *testing.T) {
	st := store.NewMemStore()
	var denied string
	tr := NewTracker(st, Limits{WritesPerDay: 1, SearchesPerDay: 1, EmbedTokensPerDay: 1}, func(k string) { denied = k })

	require.NoError(t, tr.IncrementWrites(context.Background(), "tenant-a", 10))
	err := tr.IncrementWrites(context.Background(), "tenant-a", 10)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeQuotaWrites, apiErr.Code)
	assert.Equal(t, "writes", denied)
}

func TestQuotaIsolatedPerTenant(t *testing.T) {
	st := store.NewMemStore()
	tr := NewTracker(st, Limits{WritesPerDay: 1, SearchesPerDay: 1, EmbedTokensPerDay: 1}, nil)

	require.NoError(t, tr.IncrementWrites(context.Background(), "tenant-a", 10))
	require.NoError(t, tr.IncrementWrites(context.Background(), "tenant-b", 10))
}

func TestIncrementSearchesExceedsLimit(t *testing.T) {
	st := store.NewMemStore()
	tr := NewTracker(st, Limits{WritesPerDay: 1, SearchesPerDay: 1, EmbedTokensPerDay: 1}, nil)

	require.NoError(t, tr.IncrementSearches(context.Background(), "tenant-a"))
	err := tr.IncrementSearches(context.Background(), "tenant-a")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeQuotaSearches, apiErr.Code)
}

func TestApproxTokenCount(t *testing.T) {
	assert.Equal(t, int64(0), ApproxTokenCount(""))
	assert.Equal(t, int64(1), ApproxTokenCount("abcd"))
	assert.Equal(t, int64(2), ApproxTokenCount("abcde"))
}
