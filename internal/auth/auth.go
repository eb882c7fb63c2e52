// Package auth implements bearer key parsing, argon2 secret verification,
// scope checks, an in-process auth cache, and per-id lockout tracking
// (spec §4.3).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/store"
)

var (
	bearerRe = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)
	partRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Context is the authenticated principal attached to a request, spec's
// AuthContext{tenant, keyId, scopes}.
type Context struct {
	Tenant string
	KeyID  string
	Scopes []string
}

func (c *Context) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}

const (
	lockoutThreshold = 10
	lockoutWindow    = 15 * time.Minute
	cacheTTL         = 60 * time.Second
	cacheCap         = 1000
)

// Verifier parses bearer tokens, verifies them against the store, and
// enforces the auth cache and lockout tracker.
type Verifier struct {
	st store.Store

	mu    sync.Mutex
	cache map[string]cacheEntry
	lru   []string // most-recently-used at the end

	failures map[string][]time.Time
}

type cacheEntry struct {
	ctx      Context
	expireAt time.Time
}

func NewVerifier(st store.Store) *Verifier {
	return &Verifier{
		st:       st,
		cache:    make(map[string]cacheEntry),
		failures: make(map[string][]time.Time),
	}
}

// ParseToken splits an `Authorization: Bearer <id>.<secret>` header into
// its id and secret parts, per spec §4.3's Parse step.
func ParseToken(header string) (id, secret string, err error) {
	m := bearerRe.FindStringSubmatch(header)
	if m == nil {
		return "", "", apierr.New(401, apierr.CodeUnauthorized, "missing or malformed authorization header")
	}
	token := m[1]
	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		return "", "", apierr.New(401, apierr.CodeUnauthorized, "malformed bearer token")
	}
	id, secret = token[:dot], token[dot+1:]
	if !partRe.MatchString(id) || !partRe.MatchString(secret) {
		return "", "", apierr.New(401, apierr.CodeUnauthorized, "malformed bearer token")
	}
	return id, secret, nil
}

// Authenticate implements the full parse -> lockout check -> cache ->
// verify pipeline of spec §4.3.
func (v *Verifier) Authenticate(ctx context.Context, header string) (*Context, error) {
	id, secret, err := ParseToken(header)
	if err != nil {
		return nil, err
	}
	token := id + "." + secret

	if v.isLockedOut(id) {
		return nil, apierr.New(429, apierr.CodeAuthLockout, "too many failed attempts, try again later")
	}

	if c, ok := v.cacheGet(token); ok {
		return c, nil
	}

	key, err := v.st.GetAPIKey(ctx, id)
	if err != nil {
		v.recordFailure(id)
		return nil, apierr.New(401, apierr.CodeUnauthorized, "invalid credentials")
	}
	if key.IsRevoked() {
		v.recordFailure(id)
		return nil, apierr.New(401, apierr.CodeUnauthorized, "invalid credentials")
	}
	if !VerifySecret(secret, key.SecretHash) {
		v.recordFailure(id)
		return nil, apierr.New(401, apierr.CodeUnauthorized, "invalid credentials")
	}

	authCtx := &Context{Tenant: key.TenantID, KeyID: key.ID, Scopes: key.Scopes}
	v.cachePut(token, *authCtx)
	v.clearFailures(id)
	return authCtx, nil
}

// RequireScope returns FORBIDDEN unless the context carries scope or admin.
func RequireScope(c *Context, scope string) error {
	if c == nil || !c.HasScope(scope) {
		return apierr.New(403, apierr.CodeForbidden, fmt.Sprintf("requires scope %q", scope))
	}
	return nil
}

func (v *Verifier) isLockedOut(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	times := v.failures[id]
	cutoff := time.Now().Add(-lockoutWindow)
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n >= lockoutThreshold
}

func (v *Verifier) recordFailure(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cutoff := time.Now().Add(-lockoutWindow)
	kept := v.failures[id][:0]
	for _, t := range v.failures[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.failures[id] = append(kept, time.Now())
}

func (v *Verifier) clearFailures(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.failures, id)
}

func (v *Verifier) cacheGet(token string) (*Context, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[token]
	if !ok || time.Now().After(e.expireAt) {
		if ok {
			delete(v.cache, token)
		}
		return nil, false
	}
	v.touch(token)
	c := e.ctx
	return &c, true
}

func (v *Verifier) cachePut(token string, c Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.cache[token]; !exists && len(v.cache) >= cacheCap {
		// Evict the least-recently-used entry.
		if len(v.lru) > 0 {
			oldest := v.lru[0]
			v.lru = v.lru[1:]
			delete(v.cache, oldest)
		}
	}
	v.cache[token] = cacheEntry{ctx: c, expireAt: time.Now().Add(cacheTTL)}
	v.touchLocked(token)
}

func (v *Verifier) touch(token string) {
	v.touchLocked(token)
}

func (v *Verifier) touchLocked(token string) {
	for i, t := range v.lru {
		if t == token {
			v.lru = append(v.lru[:i], v.lru[i+1:]...)
			break
		}
	}
	v.lru = append(v.lru, token)
}

// --- argon2 secret hashing ---

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashSecret produces a self-describing argon2id hash string suitable for
// storage in api_keys.secret_hash, in the common `$argon2id$v=..$m=..,t=..,p=..$salt$hash` form.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifySecret constant-time-compares secret against an encoded argon2id hash.
func VerifySecret(secret, encoded string) bool {
	salt, hash, params, err := decodeArgon2(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(secret), salt, params.time, params.memory, params.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

func decodeArgon2(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, params, errors.New("auth: malformed argon2 hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, err
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, nil, params, err
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, err
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, err
	}
	return salt, hash, argonParams{memory: m, time: t, threads: p}, nil
}
