// Package metrics defines the counters and histograms spec §2/C12 names:
// request counts/durations, embedding job outcomes, and quota denials,
// exposed at GET /metrics gated by a constant-time METRICS_TOKEN check.
package metrics

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled, by route and status class.",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentfs",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	QuotaDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "quota_denials_total",
		Help:      "Requests denied due to quota exhaustion, by quota type.",
	}, []string{"type"})

	RateLimitDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by a rate limiter, by stage (preauth|authenticated).",
	}, []string{"stage"})

	EmbedJobOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "embed_job_outcomes_total",
		Help:      "Embedding job terminal outcomes, by outcome (succeeded|failed|retried).",
	}, []string{"outcome"})

	IdempotencyHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "idempotency_cache_hits_total",
		Help:      "Requests short-circuited by a cached idempotent response.",
	})

	DumpCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfs",
		Name:      "dump_cache_total",
		Help:      "DUMP requests served, by cache outcome (hit|miss).",
	}, []string{"outcome"})
)

// Handler returns the /metrics endpoint, requiring a bearer token compared
// in constant time when token is non-empty. Spec leaves the production
// exposure model an open question; gating on a shared secret is this
// deployment's default answer (see DESIGN.md).
func Handler(token string) http.Handler {
	base := promhttp.Handler()
	if token == "" {
		return base
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeBearerMatch(r.Header.Get("Authorization"), token) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		base.ServeHTTP(w, r)
	})
}

func constantTimeBearerMatch(header, token string) bool {
	const prefix = "Bearer "
	if len(header) < len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	presented := header[len(prefix):]
	if len(presented) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
