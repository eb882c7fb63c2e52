package memengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func newTestEngine() *Engine {
	st := store.NewMemStore()
	quotas := quota.NewTracker(st, quota.Limits{WritesPerDay: 1000, EmbedTokensPerDay: 1000000, SearchesPerDay: 1000}, nil)
	return New(st, nil, quotas, logger.New("test"))
}

func TestPutGetRoundtrip(t *testing.T) {
	e := newTestEngine()
	res, err := e.Put(context.Background(), "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: map[string]interface{}{"x": float64(1)}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.VersionID)

	got, err := e.Get(context.Background(), "tenant-a", "agent-1", "/notes/a")
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, res.VersionID, got.VersionID)
}

func TestGetMiss(t *testing.T) {
	e := newTestEngine()
	got, err := e.Get(context.Background(), "tenant-a", "agent-1", "/does/not/exist")
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestPutRejectsReservedPath(t *testing.T) {
	e := newTestEngine()
	_, err := e.Put(context.Background(), "tenant-a", PutInput{Agent: "agent-1", Path: "/sys/config", Value: 1})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeReservedPath, apiErr.Code)
}

func TestDeleteThenGetIsMiss(t *testing.T) {
	e := newTestEngine()
	_, err := e.Put(context.Background(), "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)

	del, err := e.Delete(context.Background(), "tenant-a", "agent-1", "/notes/a")
	require.NoError(t, err)
	assert.True(t, del.Deleted)

	got, err := e.Get(context.Background(), "tenant-a", "agent-1", "/notes/a")
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestHistoryIncludesTombstones(t *testing.T) {
	e := newTestEngine()
	_, err := e.Put(context.Background(), "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)
	_, err = e.Delete(context.Background(), "tenant-a", "agent-1", "/notes/a")
	require.NoError(t, err)

	hist, err := e.History(context.Background(), "tenant-a", "agent-1", "/notes/a", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Deleted) // most recent first
	assert.False(t, hist[1].Deleted)
}

func TestListDirectChildren(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)
	_, err = e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/b/c", Value: 1})
	require.NoError(t, err)

	items, err := e.List(ctx, "tenant-a", "agent-1", "/notes")
	require.NoError(t, err)
	require.Len(t, items, 2)

	byPath := map[string]string{}
	for _, it := range items {
		byPath[it.Path] = it.Type
	}
	assert.Equal(t, "file", byPath["/notes/a"])
	assert.Equal(t, "dir", byPath["/notes/b"])
}

func TestGlobMatchesWithWildcard(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)
	_, err = e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/other/b", Value: 1})
	require.NoError(t, err)

	res, err := e.Glob(ctx, "tenant-a", "agent-1", "/notes/*")
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestDumpCacheHitOnSecondCall(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)

	_, hit, err := e.Dump(ctx, "tenant-a", "agent-1", 0)
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = e.Dump(ctx, "tenant-a", "agent-1", 0)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestDumpCacheInvalidatedOnPut(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/a", Value: 1})
	require.NoError(t, err)
	_, _, err = e.Dump(ctx, "tenant-a", "agent-1", 0)
	require.NoError(t, err)

	_, err = e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/notes/b", Value: 1})
	require.NoError(t, err)

	_, hit, err := e.Dump(ctx, "tenant-a", "agent-1", 0)
	require.NoError(t, err)
	assert.False(t, hit, "PUT must invalidate the dump cache")
}

func TestAgentsReturnsCounts(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/a", Value: 1})
	require.NoError(t, err)
	_, err = e.Put(ctx, "tenant-a", PutInput{Agent: "agent-2", Path: "/a", Value: 1})
	require.NoError(t, err)

	agents, err := e.Agents(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, agents, 2)
}

func TestSearchWithoutEmbedderReturnsNote(t *testing.T) {
	e := newTestEngine()
	res, err := e.Search(context.Background(), "tenant-a", SearchInput{Agent: "agent-1", Query: "hello"})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.NotEmpty(t, res.Note)
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Put(ctx, "tenant-a", PutInput{Agent: "agent-1", Path: "/a", Value: 1})
	require.NoError(t, err)

	got, err := e.Get(ctx, "tenant-b", "agent-1", "/a")
	require.NoError(t, err)
	assert.False(t, got.Found, "tenant-b must not see tenant-a's data")
}
