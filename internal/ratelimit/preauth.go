// Package ratelimit implements the two rate limiters of spec §4.4: a
// pre-auth per-IP token bucket and an authenticated per-(tenant,endpoint)
// sliding window, the latter optionally backed by Redis for multi-process
// deployments (an enrichment beyond the default per-process behavior).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PreAuthLimiter enforces spec §4.4's pre-auth token bucket, keyed by
// client IP, applied before auth or any DB access. Grounded on
// golang.org/x/time/rate's token-bucket limiter, which already implements
// linear refill; idle buckets are dropped by EvictIdle.
type PreAuthLimiter struct {
	limit      int
	windowSecs float64

	mu       sync.Mutex
	buckets  map[string]*preAuthBucket
}

type preAuthBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewPreAuthLimiter(limitPerMinute int) *PreAuthLimiter {
	return &PreAuthLimiter{
		limit:      limitPerMinute,
		windowSecs: 60,
		buckets:    make(map[string]*preAuthBucket),
	}
}

// Result carries the values needed to populate the X-PreAuth-RateLimit-*
// and Retry-After response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetSecs int
}

// Allow consumes one token from ip's bucket, creating it on first use.
func (p *PreAuthLimiter) Allow(ip string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[ip]
	if !ok {
		perSecond := rate.Limit(float64(p.limit) / p.windowSecs)
		b = &preAuthBucket{limiter: rate.NewLimiter(perSecond, p.limit)}
		p.buckets[ip] = b
	}
	b.lastAccess = time.Now()

	allowed := b.limiter.Allow()
	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	reset := int(p.windowSecs)
	return Result{Allowed: allowed, Limit: p.limit, Remaining: remaining, ResetSecs: reset}
}

// EvictIdle drops buckets untouched for longer than 2x the window, per
// spec's "idle buckets evicted after 2x window". Call this periodically
// from a background loop; it is not invoked automatically.
func (p *PreAuthLimiter) EvictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(2*p.windowSecs) * time.Second)
	for ip, b := range p.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(p.buckets, ip)
		}
	}
}
