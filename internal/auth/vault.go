// Package auth implements the CredentialVault: API-key generation,
// verification and scope enforcement for the mail server's protocol
// front ends.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/fenilsonani/mailcore/internal/metrics"
	"github.com/fenilsonani/mailcore/internal/store"
)

// ErrInvalidCredentials is returned for any authentication failure; callers
// must not distinguish "unknown address" from "wrong key" in their
// responses, matching the spec's anti-enumeration requirement.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

const (
	prefixLen = 12
	keyBytes  = 32 // plaintext secret length before prefix+secret encoding
)

type cacheEntry struct {
	ok     bool
	userID int64
	apiKey *store.ApiKey
}

// Vault is the CredentialVault: it verifies API keys against the
// MailboxStore with bcrypt, short-circuiting repeat lookups through a
// bounded, TTL'd, concurrency-safe cache.
type Vault struct {
	store store.MailboxStore
	cache *lru.LRU[string, cacheEntry]
}

// New builds a Vault backed by the given MailboxStore. capacity bounds the
// number of cached verification results; ttl bounds how long a result (hit
// or miss) is trusted before the next lookup must hit the store again.
func New(s store.MailboxStore, capacity int, ttl time.Duration) *Vault {
	return &Vault{
		store: s,
		cache: lru.NewLRU[string, cacheEntry](capacity, nil, ttl),
	}
}

// GenerateApiKey mints a new random API key for userID, persists its bcrypt
// hash, and returns the plaintext secret exactly once — the store never
// retains it.
func (v *Vault) GenerateApiKey(ctx context.Context, userID int64, name string, scopes []store.Scope) (plaintext string, key *store.ApiKey, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	secret := hex.EncodeToString(raw)

	prefix := secret[:prefixLen]
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash key: %w", err)
	}

	rec, err := v.store.CreateApiKey(ctx, userID, name, prefix, string(hash), scopes)
	if err != nil {
		return "", nil, err
	}
	return secret, rec, nil
}

// Verify authenticates an address+plaintext-key pair, enforces that the key
// has not been revoked, and records usage. A cache hit or miss never
// distinguishes "no such address" from "wrong key" to the caller. The
// returned cached flag tells the caller whether this result came from the
// cache, so auth-failure counters can be incremented on misses only (a
// cache hit was already counted when it first missed).
func (v *Vault) Verify(ctx context.Context, address, plaintext string) (key *store.ApiKey, userID int64, cached bool, err error) {
	cacheKey := deriveCacheKey(address, plaintext)

	if entry, ok := v.cache.Get(cacheKey); ok {
		metrics.AuthCacheHits.WithLabelValues("hit").Inc()
		if !entry.ok {
			return nil, 0, true, ErrInvalidCredentials
		}
		go v.touchLastUsed(entry.apiKey.ID)
		return entry.apiKey, entry.userID, true, nil
	}
	metrics.AuthCacheHits.WithLabelValues("miss").Inc()

	apiKey, uid, verr := v.verifyUncached(ctx, address, plaintext)
	if verr != nil {
		v.cache.Add(cacheKey, cacheEntry{ok: false})
		return nil, 0, false, ErrInvalidCredentials
	}

	v.cache.Add(cacheKey, cacheEntry{ok: true, userID: uid, apiKey: apiKey})
	_ = v.store.TouchApiKeyLastUsed(ctx, apiKey.ID, time.Now())
	return apiKey, uid, false, nil
}

// touchLastUsed records key usage for a cache hit. It runs detached from the
// request that triggered it (the cache already answered the caller), so it
// takes its own background context rather than the request's.
func (v *Vault) touchLastUsed(apiKeyID int64) {
	_ = v.store.TouchApiKeyLastUsed(context.Background(), apiKeyID, time.Now())
}

func (v *Vault) verifyUncached(ctx context.Context, address, plaintext string) (*store.ApiKey, int64, error) {
	if len(plaintext) < prefixLen {
		return nil, 0, ErrInvalidCredentials
	}

	user, err := v.store.GetUserByAddress(ctx, address)
	if err != nil {
		return nil, 0, ErrInvalidCredentials
	}

	keys, err := v.store.ListActiveApiKeys(ctx, user.ID)
	if err != nil {
		return nil, 0, ErrInvalidCredentials
	}

	prefix := plaintext[:prefixLen]
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k.Prefix), []byte(prefix)) != 1 {
			continue
		}
		if !k.Active() {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(plaintext)); err != nil {
			continue
		}
		return k, user.ID, nil
	}
	return nil, 0, ErrInvalidCredentials
}

// HasScope reports whether key carries the given scope.
func HasScope(key *store.ApiKey, scope store.Scope) bool {
	return key != nil && key.HasScope(scope)
}

// RequiredScope maps a REST API method name to the scope it requires,
// following the endpoint→scope table in the management API contract: the
// internal notifications endpoint requires ScopeInternal regardless of
// verb, GET/HEAD elsewhere requires ScopeAPIRead, and everything else
// requires ScopeAPIWrite.
func RequiredScope(method string) store.Scope {
	switch {
	case strings.Contains(method, "/internal/notifications"):
		return store.ScopeInternal
	case strings.HasPrefix(method, "GET "), strings.HasPrefix(method, "HEAD "):
		return store.ScopeAPIRead
	default:
		return store.ScopeAPIWrite
	}
}

func deriveCacheKey(address, plaintext string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(address) + ":" + plaintext))
	return base64.StdEncoding.EncodeToString(sum[:])
}
