package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const windowDuration = 60 * time.Second

// Backend counts requests within the current window for a key. Increment
// returns the count including this request and the seconds remaining until
// the window resets.
type Backend interface {
	Increment(ctx context.Context, key string) (count int64, resetSecs int, err error)
}

// LocalBackend is the default per-process sliding window (fixed window per
// key, reset when 60s elapses), matching spec's per-process MVP.
type LocalBackend struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{windows: make(map[string]*window)}
}

func (l *LocalBackend) Increment(ctx context.Context, key string) (int64, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &window{count: 0, expiresAt: now.Add(windowDuration)}
		l.windows[key] = w
	}
	w.count++
	return w.count, int(w.expiresAt.Sub(now).Seconds()) + 1, nil
}

// RedisBackend shares sliding-window counters across processes via INCR,
// with EXPIRE set when the counter is first created, an enrichment over plain per-process counting for operators
// running multiple agentfsd replicas behind a load balancer.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "agentfs:rl:"}
}

func (r *RedisBackend) Increment(ctx context.Context, key string) (int64, int, error) {
	fullKey := r.prefix + key
	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if count == 1 {
		r.client.Expire(ctx, fullKey, windowDuration)
	}
	ttl, err := r.client.TTL(ctx, fullKey).Result()
	if err != nil || ttl < 0 {
		ttl = windowDuration
	}
	return count, int(ttl.Seconds()) + 1, nil
}

// Limits holds the per-endpoint defaults of spec §4.4.
type Limits struct {
	Global int
	Search int
	Admin  int
}

func DefaultLimits() Limits {
	return Limits{Global: 120, Search: 60, Admin: 10}
}

// SlidingWindow enforces spec §4.4's authenticated sliding window, keyed by
// (tenant, endpoint).
type SlidingWindow struct {
	backend Backend
	limits  Limits
}

func NewSlidingWindow(backend Backend, limits Limits) *SlidingWindow {
	return &SlidingWindow{backend: backend, limits: limits}
}

// LimitFor resolves the configured per-minute limit for an endpoint name.
func (s *SlidingWindow) LimitFor(endpoint string) int {
	switch endpoint {
	case "search":
		return s.limits.Search
	case "admin_bootstrap":
		return s.limits.Admin
	default:
		return s.limits.Global
	}
}

// Allow increments the (tenant, endpoint) counter and reports whether the
// request is within the resolved limit.
func (s *SlidingWindow) Allow(ctx context.Context, tenant, endpoint string) (Result, error) {
	limit := s.LimitFor(endpoint)
	key := tenant + ":" + endpoint
	count, resetSecs, err := s.backend.Increment(ctx, key)
	if err != nil {
		return Result{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetSecs: resetSecs,
	}, nil
}
