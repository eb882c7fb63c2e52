package embedqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func testTracker(st store.Store) *quota.Tracker {
	return quota.NewTracker(st, quota.Limits{WritesPerDay: 1000, EmbedTokensPerDay: 1000000, SearchesPerDay: 1000}, nil)
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Model() string { return "fake-model" }

func seedVersion(t *testing.T, st *store.MemStore, tenant, agent, path string) *store.EntryVersion {
	t.Helper()
	v := &store.EntryVersion{Tenant: tenant, Agent: agent, Path: path, Value: map[string]interface{}{"a": float64(1)}, Searchable: true}
	require.NoError(t, st.PutVersion(context.Background(), v))
	require.NoError(t, st.EnqueueEmbeddingJob(context.Background(), v.ID, tenant, agent, path))
	return v
}

func TestOnceProcessesQueuedJob(t *testing.T) {
	st := store.NewMemStore()
	seedVersion(t, st, "tenant-a", "agent-1", "/note")

	w := NewWorker(st, &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}, testTracker(st), 5, logger.New("test"))
	claimed, err := w.Once(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = w.Once(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed, "second call finds no more queued jobs")
}

func TestOnceRetriesOnFailureThenFails(t *testing.T) {
	st := store.NewMemStore()
	seedVersion(t, st, "tenant-a", "agent-1", "/note")

	w := NewWorker(st, &fakeEmbedder{err: errors.New("boom")}, testTracker(st), 2, logger.New("test"))
	w.sleep = func(time.Duration) {} // skip real backoff sleeps in tests

	claimed, err := w.Once(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = w.Once(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Attempts exhausted at maxAttempts=2; job should now be terminal
	// (failed), so a third claim finds nothing.
	claimed, err = w.Once(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestBuildEmbedTextTruncates(t *testing.T) {
	longValue := make(map[string]interface{}, 1)
	big := ""
	for i := 0; i < 10000; i++ {
		big += "x"
	}
	longValue["a"] = big
	text := buildEmbedText("/p", longValue, nil)
	assert.LessOrEqual(t, len(text), maxEmbedTextLen)
}
