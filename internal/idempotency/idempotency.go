// Package idempotency implements spec §4.6's Idempotency-Key protocol:
// canonical-hash comparison against a cached response, with a legacy hash
// fallback for compatibility, 24h TTL, and a background sweeper.
package idempotency

import (
	"context"
	"regexp"
	"time"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/canonjson"
	"github.com/AgentFSorg/agentfs/internal/store"
)

const ttl = 24 * time.Hour

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateKey enforces the ASCII [A-Za-z0-9_-]{1,128} shape of spec §4.6.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return apierr.New(400, apierr.CodeInvalidIdempotencyKey, "idempotency key must be ASCII [A-Za-z0-9_-]{1,128}")
	}
	return nil
}

// Outcome is what the request pipeline needs to decide between
// short-circuiting to a cached response and running the handler.
type Outcome struct {
	// Cached is non-nil when a matching prior response should be returned
	// as-is, without invoking the handler.
	Cached *store.IdempotencyEntry
}

// Store wraps the relational store's idempotency methods with the
// canonical/legacy hash comparison protocol.
type Store struct {
	st store.Store
}

func NewStore(st store.Store) *Store {
	return &Store{st: st}
}

// Check looks up (tenant, key). rawBody is the raw JSON request body as
// received; its canonical hash (after decoding) and its legacy hash (over
// the raw bytes) are both computed for comparison against the stored ones.
func (s *Store) Check(ctx context.Context, tenant, key string, rawBody []byte) (*Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	entry, err := s.st.GetIdempotency(ctx, tenant, key)
	if err != nil {
		if err == store.ErrNotFound {
			return &Outcome{}, nil
		}
		return nil, apierr.Internal(err)
	}

	if entry.IsExpired(time.Now()) {
		// Expired entries are treated as absent; SaveIdempotency replaces
		// the row in place once a fresh write for this key comes through.
		return &Outcome{}, nil
	}

	canonicalHash, err := canonicalHashOf(rawBody)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	legacyHash := canonjson.LegacyHash(rawBody)

	if entry.RequestHash == canonicalHash || entry.LegacyHash == legacyHash {
		return &Outcome{Cached: entry}, nil
	}
	return nil, apierr.New(422, apierr.CodeIdempotencyKeyMismatch, "idempotency key reused with a different request body")
}

func canonicalHashOf(rawBody []byte) (string, error) {
	decoded, err := canonjson.Decode(rawBody)
	if err != nil {
		return "", err
	}
	return canonjson.Hash(decoded)
}

// Save records the handler's response for future replay, post-handler. A
// live row for the same key is left untouched (first writer wins for
// concurrent retries); an expired row is replaced immediately rather than
// waiting for the sweeper.
func (s *Store) Save(ctx context.Context, tenant, key string, rawBody []byte, responseJSON []byte, statusCode int) error {
	canonicalHash, err := canonicalHashOf(rawBody)
	if err != nil {
		return apierr.Internal(err)
	}
	legacyHash := canonjson.LegacyHash(rawBody)
	return s.st.SaveIdempotency(ctx, &store.IdempotencyEntry{
		Tenant:       tenant,
		Key:          key,
		RequestHash:  canonicalHash,
		LegacyHash:   legacyHash,
		ResponseJSON: responseJSON,
		StatusCode:   statusCode,
		ExpiresAt:    time.Now().Add(ttl),
	})
}

// Sweeper deletes expired idempotency rows every 6 hours, spec §4.6's
// background sweeper.
type Sweeper struct {
	st       store.Store
	interval time.Duration
	logf     func(format string, args ...interface{})
}

func NewSweeper(st store.Store, logf func(string, ...interface{})) *Sweeper {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Sweeper{st: st, interval: 6 * time.Hour, logf: logf}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.st.SweepExpiredIdempotency(ctx, time.Now().Unix())
	if err != nil {
		s.logf("idempotency sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logf("idempotency sweep removed %d expired entries", n)
	}
}
