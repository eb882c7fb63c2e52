// Command agentfsd runs the AgentFS HTTP API: the memory engine fronted by
// the request pipeline in internal/httpapi, backed by Postgres and,
// optionally, Redis for distributed rate limiting.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgentFSorg/agentfs/internal/auth"
	"github.com/AgentFSorg/agentfs/internal/config"
	"github.com/AgentFSorg/agentfs/internal/embedqueue"
	"github.com/AgentFSorg/agentfs/internal/health"
	"github.com/AgentFSorg/agentfs/internal/httpapi"
	"github.com/AgentFSorg/agentfs/internal/idempotency"
	"github.com/AgentFSorg/agentfs/internal/lifecycle"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/memengine"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/ratelimit"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func main() {
	log := logger.New("agentfsd")

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}

	ctx, stopSignals := lifecycle.NotifyContext()
	defer stopSignals()

	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:               cfg.DatabaseURL,
		MaxConnections:    20,
		ConnectionTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Errorf("postgres: %v", err)
		os.Exit(1)
	}
	if !st.HasVectorExtension() {
		log.Warnf("pgvector extension not detected; SEARCH will return degraded results")
	}

	lc := &lifecycle.Group{}
	lc.Register(func(context.Context) error { st.Close(); return nil })

	var embedder embedqueue.Embedder
	if cfg.OpenAIAPIKey != "" {
		embedder = embedqueue.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel)
	} else {
		log.Warnf("OPENAI_API_KEY not set; embeddings and SEARCH are disabled")
	}

	quotas := quota.NewTracker(st, quota.Limits{
		WritesPerDay:      cfg.WriteQuotaPerDay,
		EmbedTokensPerDay: cfg.EmbedTokensQuotaPerDay,
		SearchesPerDay:    cfg.SearchQuotaPerDay,
	}, nil)

	engine := memengine.New(st, embedder, quotas, log.With("engine"))
	verifier := auth.NewVerifier(st)
	preauth := ratelimit.NewPreAuthLimiter(cfg.PreauthRateLimitPerMin)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				preauth.EvictIdle()
			}
		}
	}()

	var backend ratelimit.Backend
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Errorf("redis url: %v", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		lc.Register(func(context.Context) error { return client.Close() })
		backend = ratelimit.NewRedisBackend(client)
	} else {
		backend = ratelimit.NewLocalBackend()
	}
	sliding := ratelimit.NewSlidingWindow(backend, ratelimit.Limits{
		Global: cfg.RateLimitRequestsPerMin,
		Search: cfg.SearchRateLimitPerMin,
		Admin:  10,
	})

	idemp := idempotency.NewStore(st)
	sweeper := idempotency.NewSweeper(st, log.Infof)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go sweeper.Run(sweepCtx)
	lc.Register(func(context.Context) error { stopSweep(); return nil })

	server := httpapi.NewServer(st, engine, verifier, preauth, sliding, quotas, idemp, cfg, log.With("http"))

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	// /healthz (served by server.Router) is a plain liveness check; /readyz
	// additionally pings Postgres, for use as a k8s readiness probe.
	mux.HandleFunc("/readyz", health.Handler(st.Pool()))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}
	lc.Register(func(ctx context.Context) error { return httpServer.Shutdown(ctx) })

	go func() {
		log.Infof("agentfsd listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	for _, err := range lc.Shutdown(15 * time.Second) {
		log.Errorf("shutdown: %v", err)
	}
}
