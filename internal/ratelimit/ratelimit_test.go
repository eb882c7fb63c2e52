package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreAuthLimiterAllowsUpToLimit(t *testing.T) {
	l := NewPreAuthLimiter(3)
	for i := 0; i < 3; i++ {
		r := l.Allow("1.2.3.4")
		assert.True(t, r.Allowed, "request %d should be allowed", i)
	}
	r := l.Allow("1.2.3.4")
	assert.False(t, r.Allowed)
}

func TestPreAuthLimiterPerIPIsolation(t *testing.T) {
	l := NewPreAuthLimiter(1)
	r1 := l.Allow("1.1.1.1")
	r2 := l.Allow("2.2.2.2")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
}

func TestSlidingWindowLocalBackend(t *testing.T) {
	sw := NewSlidingWindow(NewLocalBackend(), Limits{Global: 2, Search: 1, Admin: 1})

	r, err := sw.Allow(context.Background(), "tenant-a", "read")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Remaining)

	r, err = sw.Allow(context.Background(), "tenant-a", "read")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)

	r, err = sw.Allow(context.Background(), "tenant-a", "read")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
}

func TestSlidingWindowPerTenantIsolation(t *testing.T) {
	sw := NewSlidingWindow(NewLocalBackend(), Limits{Global: 1})
	r1, _ := sw.Allow(context.Background(), "tenant-a", "read")
	r2, _ := sw.Allow(context.Background(), "tenant-b", "read")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
}

func TestSlidingWindowLimitFor(t *testing.T) {
	sw := NewSlidingWindow(NewLocalBackend(), DefaultLimits())
	assert.Equal(t, 60, sw.LimitFor("search"))
	assert.Equal(t, 10, sw.LimitFor("admin_bootstrap"))
	assert.Equal(t, 120, sw.LimitFor("write"))
}
