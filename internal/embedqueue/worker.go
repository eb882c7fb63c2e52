package embedqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/AgentFSorg/agentfs/internal/canonjson"
	"github.com/AgentFSorg/agentfs/internal/logger"
	"github.com/AgentFSorg/agentfs/internal/metrics"
	"github.com/AgentFSorg/agentfs/internal/quota"
	"github.com/AgentFSorg/agentfs/internal/store"
)

const (
	// maxEmbedTextLen truncates the deterministic embedding text, spec's
	// "truncated to 8000 chars".
	maxEmbedTextLen = 8000
	idleSleep       = 1 * time.Second
	maxBackoff      = 32 * time.Second
)

// Worker claims and processes embedding jobs, spec §4.8. Grounded on the
// teacher's supervisor process-loop shape (cmd/supervisor), replacing its
// process-restart polling with job claiming.
type Worker struct {
	st          store.Store
	embedder    Embedder
	quotas      *quota.Tracker
	maxAttempts int
	log         *logger.Logger
	sleep       func(time.Duration)
}

func NewWorker(st store.Store, embedder Embedder, quotas *quota.Tracker, maxAttempts int, log *logger.Logger) *Worker {
	return &Worker{
		st:          st,
		embedder:    embedder,
		quotas:      quotas,
		maxAttempts: maxAttempts,
		log:         log,
		sleep:       time.Sleep,
	}
}

// Loop runs indefinitely, sleeping idleSleep between claim attempts that
// find no claimable job, until ctx is cancelled.
func (w *Worker) Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claimed, err := w.Once(ctx)
		if err != nil {
			w.log.Errorf("embed worker iteration failed: %v", err)
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// Once runs a single claim-and-process iteration. Returns claimed=false
// when no job was available, used by cmd/agentfs-worker's `once` mode and
// by tests (spec's testable property 8).
func (w *Worker) Once(ctx context.Context) (claimed bool, err error) {
	job, err := w.st.ClaimEmbeddingJob(ctx, w.maxAttempts)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	if procErr := w.process(ctx, job); procErr != nil {
		w.retryOrFail(ctx, job, procErr)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *store.EmbeddingJob) error {
	version, err := w.st.GetVersionByID(ctx, job.VersionID)
	if err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("referenced version missing")
		}
		return err
	}

	text := buildEmbedText(version.Path, version.Value, version.Tags)

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()
	vec, err := w.embedder.Embed(embedCtx, text)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return ErrEmpty
	}

	if err := w.st.UpsertEmbedding(ctx, &store.Embedding{
		VersionID: version.ID,
		Tenant:    job.Tenant,
		Agent:     job.Agent,
		Path:      job.Path,
		Model:     w.embedder.Model(),
		Vector:    vec,
	}); err != nil {
		return err
	}

	tokens := quota.ApproxTokenCount(text)
	if err := w.quotas.IncrementEmbedTokens(ctx, job.Tenant, tokens); err != nil {
		metrics.QuotaDenialsTotal.WithLabelValues("embed_tokens").Inc()
		return err
	}

	if err := w.st.MarkJobSucceeded(ctx, job.VersionID); err != nil {
		return err
	}
	metrics.EmbedJobOutcomesTotal.WithLabelValues("succeeded").Inc()
	return nil
}

func (w *Worker) retryOrFail(ctx context.Context, job *store.EmbeddingJob, procErr error) {
	shortErr := shortenError(procErr)
	if job.Attempts >= w.maxAttempts {
		if err := w.st.MarkJobFailed(ctx, job.VersionID, shortErr); err != nil {
			w.log.Errorf("failed to mark job %s failed: %v", job.VersionID, err)
			return
		}
		metrics.EmbedJobOutcomesTotal.WithLabelValues("failed").Inc()
		return
	}
	if err := w.st.MarkJobRetry(ctx, job.VersionID, shortErr); err != nil {
		w.log.Errorf("failed to requeue job %s: %v", job.VersionID, err)
		return
	}
	metrics.EmbedJobOutcomesTotal.WithLabelValues("retried").Inc()
	backoff := time.Duration(math.Min(math.Pow(2, float64(job.Attempts)), maxBackoff.Seconds())) * time.Second
	w.sleep(backoff)
}

func shortenError(err error) string {
	msg := err.Error()
	const maxLen = 256
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// buildEmbedText implements spec §4.8 step 2's deterministic embedding text.
func buildEmbedText(path string, value interface{}, tags []string) string {
	valueJSON, err := canonjson.MarshalString(value)
	if err != nil {
		valueJSON = "null"
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}
	text := fmt.Sprintf("path:%s\nvalue:%s\ntags:%s", path, valueJSON, string(tagsJSON))
	if len(text) > maxEmbedTextLen {
		text = text[:maxEmbedTextLen]
	}
	return text
}

// RequeueOptions bounds the admin requeue operation, spec §4.8's "bounded
// by limit<=1000".
type RequeueOptions struct {
	Statuses []string
	Limit    int
}

const maxRequeueLimit = 1000

// Requeue resets jobs matching statuses back to queued, capped at limit.
func Requeue(ctx context.Context, st store.Store, opts RequeueOptions) (int, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxRequeueLimit {
		limit = maxRequeueLimit
	}
	return st.RequeueJobs(ctx, opts.Statuses, limit)
}
