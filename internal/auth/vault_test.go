package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fenilsonani/mailcore/internal/auth"
	"github.com/fenilsonani/mailcore/internal/store"
)

// memStore is a minimal store.MailboxStore stand-in covering only what the
// CredentialVault touches: user lookup, active-key listing, and last-used
// tracking (touched may be written from the Vault's async cache-hit path,
// so it's guarded by mu).
type memStore struct {
	store.MailboxStore
	users map[string]*store.User
	keys  map[int64][]*store.ApiKey

	mu      sync.Mutex
	touched map[int64]int
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*store.User),
		keys:    make(map[int64][]*store.ApiKey),
		touched: make(map[int64]int),
	}
}

func (m *memStore) GetUserByAddress(ctx context.Context, address string) (*store.User, error) {
	u, ok := m.users[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) ListActiveApiKeys(ctx context.Context, userID int64) ([]*store.ApiKey, error) {
	return m.keys[userID], nil
}

func (m *memStore) TouchApiKeyLastUsed(ctx context.Context, apiKeyID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[apiKeyID]++
	return nil
}

func mkKey(t *testing.T, id, userID int64, plaintext string, scopes ...store.Scope) *store.ApiKey {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	require.NoError(t, err)
	return &store.ApiKey{
		ID:     id,
		UserID: userID,
		Prefix: plaintext[:12],
		Hash:   string(hash),
		Scopes: scopes,
	}
}

func TestVerifySuccess(t *testing.T) {
	ms := newMemStore()
	ms.users["alice@example.com"] = &store.User{ID: 1, PrimaryAddress: "alice@example.com"}
	key := mkKey(t, 7, 1, "abcdefghijklmnopqrstuvwxyz", store.ScopeIMAP)
	ms.keys[1] = []*store.ApiKey{key}

	v := auth.New(ms, 100, time.Minute)
	got, userID, cached, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int64(1), userID)
	assert.Equal(t, key.ID, got.ID)
	assert.True(t, got.HasScope(store.ScopeIMAP))
}

func TestVerifyWrongSecretFails(t *testing.T) {
	ms := newMemStore()
	ms.users["alice@example.com"] = &store.User{ID: 1, PrimaryAddress: "alice@example.com"}
	ms.keys[1] = []*store.ApiKey{mkKey(t, 1, 1, "abcdefghijklmnopqrstuvwxyz", store.ScopeIMAP)}

	v := auth.New(ms, 100, time.Minute)
	_, _, _, err := v.Verify(context.Background(), "alice@example.com", "zzzzzzzzzzzzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyUnknownAddressFailsSameAsWrongSecret(t *testing.T) {
	v := auth.New(newMemStore(), 100, time.Minute)
	_, _, _, err := v.Verify(context.Background(), "nobody@example.com", "whatever-long-enough-plain")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyRevokedKeyFails(t *testing.T) {
	ms := newMemStore()
	ms.users["alice@example.com"] = &store.User{ID: 1, PrimaryAddress: "alice@example.com"}
	k := mkKey(t, 1, 1, "abcdefghijklmnopqrstuvwxyz", store.ScopeIMAP)
	revokedAt := time.Now()
	k.RevokedAt = &revokedAt
	ms.keys[1] = []*store.ApiKey{k}

	v := auth.New(ms, 100, time.Minute)
	_, _, _, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyCachesPositiveAndNegativeResults(t *testing.T) {
	ms := newMemStore()
	ms.users["alice@example.com"] = &store.User{ID: 1, PrimaryAddress: "alice@example.com"}
	ms.keys[1] = []*store.ApiKey{mkKey(t, 1, 1, "abcdefghijklmnopqrstuvwxyz", store.ScopeIMAP)}

	v := auth.New(ms, 100, time.Minute)

	_, _, cached1, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	assert.False(t, cached1)

	_, _, cached2, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	assert.True(t, cached2, "repeat lookup with the same address/secret must be served from cache")

	_, _, cachedMiss1, err := v.Verify(context.Background(), "alice@example.com", "totally-wrong-secret-value")
	require.Error(t, err)
	assert.False(t, cachedMiss1)

	_, _, cachedMiss2, err := v.Verify(context.Background(), "alice@example.com", "totally-wrong-secret-value")
	require.Error(t, err)
	assert.True(t, cachedMiss2, "a negative result must also be cached to absorb brute-force retries")
}

func TestRequiredScopeMapsVerbsToScopes(t *testing.T) {
	assert.Equal(t, store.ScopeAPIRead, auth.RequiredScope("GET /mailbox"))
	assert.Equal(t, store.ScopeAPIRead, auth.RequiredScope("HEAD /mailbox"))
	assert.Equal(t, store.ScopeAPIWrite, auth.RequiredScope("PATCH /mailbox/1"))
	assert.Equal(t, store.ScopeAPIWrite, auth.RequiredScope("DELETE /mailbox/1"))
	assert.Equal(t, store.ScopeAPIWrite, auth.RequiredScope("POST /mailbox"))
}

func TestRequiredScopeMapsInternalNotificationsRegardlessOfVerb(t *testing.T) {
	assert.Equal(t, store.ScopeInternal, auth.RequiredScope("GET /internal/notifications"))
	assert.Equal(t, store.ScopeInternal, auth.RequiredScope("POST /internal/notifications"))
}

func TestVerifyCacheHitEnqueuesLastUsedUpdate(t *testing.T) {
	ms := newMemStore()
	ms.users["alice@example.com"] = &store.User{ID: 1, PrimaryAddress: "alice@example.com"}
	ms.keys[1] = []*store.ApiKey{mkKey(t, 1, 1, "abcdefghijklmnopqrstuvwxyz", store.ScopeIMAP)}

	v := auth.New(ms, 100, time.Minute)

	_, _, cached1, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	require.False(t, cached1)

	_, _, cached2, err := v.Verify(context.Background(), "alice@example.com", "abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	require.True(t, cached2)

	require.Eventually(t, func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.touched[1] >= 2
	}, time.Second, 5*time.Millisecond, "cache hit must asynchronously enqueue a last-used-at update")
}
