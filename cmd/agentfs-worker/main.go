// Command agentfs-worker drains the embedding job queue (spec §4.8),
// claiming jobs with Postgres SELECT ... FOR UPDATE SKIP LOCKED and calling
// out to the configured embedding provider.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/AgentFSorg/agentfs/internal/config"
	"github.com/AgentFSorg/agentfs/internal/embedqueue"
	"github.com/AgentFSorg/agentfs/internal/lifecycle"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/store"
)

func main() {
	once := flag.Bool("once", false, "claim and process a single job, then exit")
	flag.Parse()

	log := logger.New("agentfs-worker")

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}
	if cfg.OpenAIAPIKey == "" {
		log.Errorf("OPENAI_API_KEY is required to run the embedding worker")
		os.Exit(1)
	}

	ctx, stop := lifecycle.NotifyContext()
	defer stop()

	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:               cfg.DatabaseURL,
		MaxConnections:    10,
		ConnectionTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Errorf("postgres: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	embedder := embedqueue.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel)
	quotas := quota.NewTracker(st, quota.Limits{
		WritesPerDay:      cfg.WriteQuotaPerDay,
		EmbedTokensPerDay: cfg.EmbedTokensQuotaPerDay,
		SearchesPerDay:    cfg.SearchQuotaPerDay,
	}, nil)
	worker := embedqueue.NewWorker(st, embedder, quotas, cfg.MaxEmbedAttempts, log)

	if *once {
		claimed, err := worker.Once(ctx)
		if err != nil {
			log.Errorf("job failed: %v", err)
			os.Exit(1)
		}
		if !claimed {
			log.Infof("no queued jobs")
		}
		return
	}

	log.Infof("agentfs-worker starting, max_attempts=%d", cfg.MaxEmbedAttempts)
	worker.Loop(ctx)
	log.Infof("agentfs-worker shutting down")
}
