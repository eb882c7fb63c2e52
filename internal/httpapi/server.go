// Package httpapi implements the HTTP request pipeline: an ordered
// gorilla/mux route table fronting the memory engine, with pre-auth rate
// limiting, bearer authentication, scope checks, per-endpoint rate
// limiting, quota accounting, and idempotency handling applied in a fixed
// order ahead of every handler.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/AgentFSorg/agentfs/internal/auth"
	"github.com/AgentFSorg/agentfs/internal/config"
	"github.com/AgentFSorg/agentfs/internal/idempotency"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/memengine"
	"github.com/AgentFSorg/agentfs/internal/metrics"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/ratelimit"
	"github.com/AgentFSorg/agentfs/internal/store"
)

const maxBodyBytes = 1 << 20 // 1 MiB, spec §6

// Server wires every request-pipeline dependency named in C11.
type Server struct {
	st        store.Store
	engine    *memengine.Engine
	verifier  *auth.Verifier
	preauth   *ratelimit.PreAuthLimiter
	sliding   *ratelimit.SlidingWindow
	quotas    *quota.Tracker
	idemp     *idempotency.Store
	cfg       *config.Config
	log       *logger.Logger
}

func NewServer(st store.Store, engine *memengine.Engine, verifier *auth.Verifier, preauth *ratelimit.PreAuthLimiter, sliding *ratelimit.SlidingWindow, quotas *quota.Tracker, idemp *idempotency.Store, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		st: st, engine: engine, verifier: verifier, preauth: preauth,
		sliding: sliding, quotas: quotas, idemp: idemp, cfg: cfg, log: log,
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/put", s.gate(routeSpec{scope: "memory:write", endpoint: "write", isWrite: true, handler: s.handlePut})).Methods(http.MethodPost)
	r.HandleFunc("/v1/get", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleGet})).Methods(http.MethodPost)
	r.HandleFunc("/v1/delete", s.gate(routeSpec{scope: "memory:write", endpoint: "write", isWrite: true, handler: s.handleDelete})).Methods(http.MethodPost)
	r.HandleFunc("/v1/history", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleHistory})).Methods(http.MethodPost)
	r.HandleFunc("/v1/list", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleList})).Methods(http.MethodPost)
	r.HandleFunc("/v1/glob", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleGlob})).Methods(http.MethodPost)
	r.HandleFunc("/v1/dump", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleDump})).Methods(http.MethodPost)
	r.HandleFunc("/v1/agents", s.gate(routeSpec{scope: "memory:read", endpoint: "read", handler: s.handleAgents})).Methods(http.MethodPost)
	r.HandleFunc("/v1/search", s.gate(routeSpec{scope: "search:read", endpoint: "search", handler: s.handleSearch})).Methods(http.MethodPost)

	// Admin bootstrap: authenticated by the static bootstrap token carried in
	// the JSON body's "token" field instead of an API key, so it runs its own
	// pre-auth-limiter-only gate.
	r.HandleFunc("/v1/admin/create-key", s.gateAdmin(s.handleAdminCreateKey)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/requeue-jobs", s.gateAdmin(s.handleAdminRequeueJobs)).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.cfg.EnableMetrics {
		r.Handle("/metrics", metrics.Handler(s.cfg.MetricsToken)).Methods(http.MethodGet)
	}

	return r
}

type routeSpec struct {
	scope    string
	endpoint string
	isWrite  bool
	handler  func(w http.ResponseWriter, r *http.Request, ac *auth.Context, body []byte)
}

// gate implements spec §4.9's ordered gate list for authenticated /v1/*
// endpoints: pre-auth limiter -> auth -> scope -> rate limit -> quota ->
// idempotency -> handler -> idempotency save.
func (s *Server) gate(spec routeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := newRequestID()
		w.Header().Set("X-Request-Id", requestID)
		ctx := withRequestID(r.Context(), requestID)

		clientIP := clientIP(r, s.cfg.TrustProxy)
		pre := s.preauth.Allow(clientIP)
		setRateHeaders(w, "X-PreAuth-RateLimit", pre)
		if !pre.Allowed {
			metrics.RateLimitDenialsTotal.WithLabelValues("preauth").Inc()
			writeError(w, s.log, s.cfg.IsProduction(), preauthDeniedErr(pre.ResetSecs))
			return
		}

		ac, err := s.verifier.Authenticate(ctx, r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, s.log, s.cfg.IsProduction(), err)
			return
		}
		ctx = withAuthContext(ctx, ac)

		if err := auth.RequireScope(ac, spec.scope); err != nil {
			writeError(w, s.log, s.cfg.IsProduction(), err)
			return
		}

		rlResult, err := s.sliding.Allow(ctx, ac.Tenant, spec.endpoint)
		if err != nil {
			writeError(w, s.log, s.cfg.IsProduction(), err)
			return
		}
		setRateHeaders(w, "X-RateLimit", rlResult)
		if !rlResult.Allowed {
			metrics.RateLimitDenialsTotal.WithLabelValues("authenticated").Inc()
			writeError(w, s.log, s.cfg.IsProduction(), rateLimitDeniedErr(rlResult.ResetSecs))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, s.log, s.cfg.IsProduction(), tooLargeOrBadBody())
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, s.log, s.cfg.IsProduction(), tooLargeOrBadBody())
			return
		}

		if spec.isWrite {
			if err := s.quotas.IncrementWrites(ctx, ac.Tenant, int64(len(body))); err != nil {
				metrics.QuotaDenialsTotal.WithLabelValues("writes").Inc()
				writeError(w, s.log, s.cfg.IsProduction(), err)
				return
			}
		}

		idemKey := r.Header.Get("Idempotency-Key")
		if spec.isWrite && idemKey != "" {
			outcome, err := s.idemp.Check(ctx, ac.Tenant, idemKey, body)
			if err != nil {
				writeError(w, s.log, s.cfg.IsProduction(), err)
				return
			}
			if outcome.Cached != nil {
				metrics.IdempotencyHitsTotal.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(outcome.Cached.StatusCode)
				w.Write(outcome.Cached.ResponseJSON)
				return
			}
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		spec.handler(rec, r.WithContext(ctx), ac, body)

		if spec.isWrite && idemKey != "" && rec.body != nil {
			if err := s.idemp.Save(ctx, ac.Tenant, idemKey, body, rec.body, rec.status); err != nil {
				s.log.Errorf("failed to save idempotency record: %v", err)
			}
		}

		metrics.RequestsTotal.WithLabelValues(spec.endpoint, statusClass(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(spec.endpoint).Observe(time.Since(start).Seconds())
	}
}

// gateAdmin runs only the pre-auth limiter plus a static bootstrap-token
// check, spec's out-of-band administrative bootstrap flow.
func (s *Server) gateAdmin(handler func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r, s.cfg.TrustProxy)
		pre := s.preauth.Allow(clientIP)
		setRateHeaders(w, "X-PreAuth-RateLimit", pre)
		if !pre.Allowed {
			writeError(w, s.log, s.cfg.IsProduction(), preauthDeniedErr(pre.ResetSecs))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			writeError(w, s.log, s.cfg.IsProduction(), tooLargeOrBadBody())
			return
		}
		handler(w, r, body)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func newRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateHeaders(w http.ResponseWriter, prefix string, r ratelimit.Result) {
	w.Header().Set(prefix+"-Limit", itoa(r.Limit))
	w.Header().Set(prefix+"-Remaining", itoa(r.Remaining))
	w.Header().Set(prefix+"-Reset", itoa(int(time.Now().Add(time.Duration(r.ResetSecs)*time.Second).Unix())))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
