// Package quota implements spec §4.5's four UTC-day counters per tenant,
// wrapping the store's single upsert-returning-counter operation.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/store"
)

// Limits holds the per-day ceilings named in spec §6's environment table.
type Limits struct {
	WritesPerDay      int64
	EmbedTokensPerDay int64
	SearchesPerDay    int64
}

// Tracker increments per-tenant daily counters and translates overage into
// the matching typed quota error.
type Tracker struct {
	st     store.Store
	limits Limits
	onDeny func(kind string)
}

func NewTracker(st store.Store, limits Limits, onDeny func(kind string)) *Tracker {
	if onDeny == nil {
		onDeny = func(string) {}
	}
	return &Tracker{st: st, limits: limits, onDeny: onDeny}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// IncrementWrites records one write of the given byte length and enforces
// the daily write quota.
func (t *Tracker) IncrementWrites(ctx context.Context, tenant string, bytes int64) error {
	if _, err := t.st.IncrementQuota(ctx, tenant, today(), store.QuotaBytes, bytes); err != nil {
		return apierr.Internal(err)
	}
	count, err := t.st.IncrementQuota(ctx, tenant, today(), store.QuotaWrites, 1)
	if err != nil {
		return apierr.Internal(err)
	}
	if count > t.limits.WritesPerDay {
		t.onDeny("writes")
		return apierr.New(429, apierr.CodeQuotaWrites, fmt.Sprintf("daily write quota of %d exceeded", t.limits.WritesPerDay))
	}
	return nil
}

// IncrementSearches enforces the daily search quota. Rate limiting for
// search is a separate concern handled by ratelimit.SlidingWindow.
func (t *Tracker) IncrementSearches(ctx context.Context, tenant string) error {
	count, err := t.st.IncrementQuota(ctx, tenant, today(), store.QuotaSearches, 1)
	if err != nil {
		return apierr.Internal(err)
	}
	if count > t.limits.SearchesPerDay {
		t.onDeny("searches")
		return apierr.New(429, apierr.CodeQuotaSearches, fmt.Sprintf("daily search quota of %d exceeded", t.limits.SearchesPerDay))
	}
	return nil
}

// IncrementEmbedTokens is called by the embedding worker with an
// approximate token count (ceil(text.length/4) per spec).
func (t *Tracker) IncrementEmbedTokens(ctx context.Context, tenant string, tokens int64) error {
	count, err := t.st.IncrementQuota(ctx, tenant, today(), store.QuotaEmbedTokens, tokens)
	if err != nil {
		return apierr.Internal(err)
	}
	if count > t.limits.EmbedTokensPerDay {
		t.onDeny("embed_tokens")
		return apierr.New(429, apierr.CodeQuotaEmbedTokens, fmt.Sprintf("daily embed-token quota of %d exceeded", t.limits.EmbedTokensPerDay))
	}
	return nil
}

// ApproxTokenCount implements spec §4.5's ceil(text.length/4) estimator.
func ApproxTokenCount(text string) int64 {
	n := len(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}
