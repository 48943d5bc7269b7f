package imap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailcore/internal/imap"
	"github.com/fenilsonani/mailcore/internal/store"
)

func loadView(t *testing.T, fs *fakeStore, userID int64) *imap.MessageView {
	t.Helper()
	view, err := imap.Load(context.Background(), fs, userID)
	require.NoError(t, err)
	return view
}

func TestLoadOrdersByReceivedAtThenEmailID(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Inserted out of chronological order; Load must sort by ReceivedAt.
	fs.addEmail(uid, store.Email{Subject: "second", ReceivedAt: base.Add(time.Hour)}, false)
	fs.addEmail(uid, store.Email{Subject: "first", ReceivedAt: base}, false)

	view := loadView(t, fs, uid)
	require.Equal(t, 2, view.Len())
	h1, _ := view.BySeq(1)
	h2, _ := view.BySeq(2)
	assert.Equal(t, "first", h1.Subject)
	assert.Equal(t, "second", h2.Subject)
	assert.Equal(t, uint32(1), h1.UID)
	assert.Equal(t, uint32(2), h2.UID)
}

func TestUIDNextAndMaxSeqOnEmptyView(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	view := loadView(t, fs, uid)

	assert.Equal(t, 0, view.Len())
	assert.Equal(t, uint32(1), view.UIDNext())
	assert.Equal(t, uint32(1), view.MaxSeq())
	assert.Equal(t, uint32(1), view.MaxUID())
}

func TestUIDNextMonotonicity(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	fs.addEmail(uid, store.Email{ReceivedAt: time.Now()}, false)
	fs.addEmail(uid, store.Email{ReceivedAt: time.Now().Add(time.Minute)}, false)

	view := loadView(t, fs, uid)
	for _, h := range view.All() {
		assert.Less(t, h.UID, view.UIDNext())
	}
}

func TestResolveSeqSetByUIDAndBySequence(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	fs.addEmail(uid, store.Email{ReceivedAt: time.Now()}, false)
	fs.addEmail(uid, store.Email{ReceivedAt: time.Now().Add(time.Minute)}, false)
	view := loadView(t, fs, uid)

	bySeq, err := view.ResolveSeqSet("1:2", false, 0)
	require.NoError(t, err)
	assert.Len(t, bySeq, 2)

	byUID, err := view.ResolveSeqSet("1", true, 0)
	require.NoError(t, err)
	require.Len(t, byUID, 1)
	assert.Equal(t, uint32(1), byUID[0].UID)
}

func TestResolveSeqSetStaleNumberIsSilentlySkipped(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	fs.addEmail(uid, store.Email{ReceivedAt: time.Now()}, false)
	view := loadView(t, fs, uid)

	handles, err := view.ResolveSeqSet("1,99", false, 0)
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestRemoveRenumbersDenselyAndReturnsDescendingOrder(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	base := time.Now()
	fs.addEmail(uid, store.Email{Subject: "one", ReceivedAt: base}, false)
	fs.addEmail(uid, store.Email{Subject: "two", ReceivedAt: base.Add(time.Minute)}, false)
	fs.addEmail(uid, store.Email{Subject: "three", ReceivedAt: base.Add(2 * time.Minute)}, false)
	view := loadView(t, fs, uid)

	// Delete messages 1 and 3 (UIDs 1 and 3), keep message 2.
	removed := view.Remove(map[uint32]bool{1: true, 3: true})

	require.Len(t, removed, 2)
	assert.Equal(t, uint32(3), removed[0].SequenceNum, "removed handles must be in descending sequence order")
	assert.Equal(t, uint32(1), removed[1].SequenceNum)

	require.Equal(t, 1, view.Len())
	remaining, ok := view.BySeq(1)
	require.True(t, ok)
	assert.Equal(t, "two", remaining.Subject)

	// Sequence set is dense {1..N} after removal.
	for i := 1; i <= view.Len(); i++ {
		_, ok := view.BySeq(uint32(i))
		assert.True(t, ok)
	}
}

func TestUIDValidityDerivation(t *testing.T) {
	assert.Equal(t, uint32(1), imap.UIDValidity(0), "0 must map to 1, never the zero UIDVALIDITY")
	assert.Equal(t, uint32(42), imap.UIDValidity(42))
}

func TestUIDStabilityAcrossReload(t *testing.T) {
	fs := newFakeStore()
	uid := fs.addUser("alice@example.com")
	base := time.Now()
	id1 := fs.addEmail(uid, store.Email{Subject: "a", ReceivedAt: base}, false)
	id2 := fs.addEmail(uid, store.Email{Subject: "b", ReceivedAt: base.Add(time.Minute)}, false)

	v1 := loadView(t, fs, uid)
	h1a, _ := v1.ByUID(1)
	h2a, _ := v1.ByUID(2)
	require.Equal(t, id1, h1a.EmailID)
	require.Equal(t, id2, h2a.EmailID)

	// A second SELECT without any mutation must re-derive the same UIDs for
	// the same emailIds, per the UID-stability invariant.
	v2 := loadView(t, fs, uid)
	h1b, _ := v2.ByUID(1)
	h2b, _ := v2.ByUID(2)
	assert.Equal(t, h1a.EmailID, h1b.EmailID)
	assert.Equal(t, h2a.EmailID, h2b.EmailID)
}
