package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailcore/internal/audit"
	"github.com/fenilsonani/mailcore/internal/store"
)

func setupAuditDB(t *testing.T) *audit.Logger {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return audit.NewLogger(s.DB())
}

func TestLogAndQuery(t *testing.T) {
	l := setupAuditDB(t)
	ctx := context.Background()

	require.NoError(t, l.LogSimple(ctx, "alice@example.com", audit.EventLoginSuccess, "imap", "127.0.0.1"))
	require.NoError(t, l.Log(ctx, "alice@example.com", audit.EventFlagsChanged, "email:1",
		map[string]any{"flags": "\\Seen"}, "127.0.0.1"))

	events, err := l.Query(ctx, audit.QueryFilter{Actor: "alice@example.com"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Query orders most-recent first.
	assert.Equal(t, audit.EventFlagsChanged, events[0].Action)
	assert.Equal(t, "email:1", events[0].Target)
	assert.Contains(t, events[0].Detail, "Seen")
	assert.Equal(t, audit.EventLoginSuccess, events[1].Action)
}

func TestQueryFiltersByAction(t *testing.T) {
	l := setupAuditDB(t)
	ctx := context.Background()

	require.NoError(t, l.LogSimple(ctx, "bob@example.com", audit.EventLoginFailure, "imap", "10.0.0.1"))
	require.NoError(t, l.LogSimple(ctx, "bob@example.com", audit.EventConnectionCap, "imap", "10.0.0.1"))

	events, err := l.Query(ctx, audit.QueryFilter{Action: audit.EventConnectionCap})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventConnectionCap, events[0].Action)
}

func TestQueryRespectsLimit(t *testing.T) {
	l := setupAuditDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.LogSimple(ctx, "carol@example.com", audit.EventMessageDeleted, "email:1", "127.0.0.1"))
	}

	events, err := l.Query(ctx, audit.QueryFilter{Actor: "carol@example.com", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *audit.Logger
	ctx := context.Background()

	assert.NoError(t, l.LogSimple(ctx, "nobody", audit.EventLoginSuccess, "imap", ""))
	events, err := l.Query(ctx, audit.QueryFilter{})
	assert.NoError(t, err)
	assert.Nil(t, events)
}

func TestLogDefaultsEmptyDetailToEmptyObject(t *testing.T) {
	l := setupAuditDB(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, "dave@example.com", audit.EventApiKeyCreate, "apikey:1", nil, "127.0.0.1"))

	events, err := l.Query(ctx, audit.QueryFilter{Actor: "dave@example.com"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "{}", events[0].Detail)
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, time.Minute)
}
