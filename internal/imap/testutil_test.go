package imap_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fenilsonani/mailcore/internal/store"
)

// fakeStore is an in-memory stand-in for store.MailboxStore, scoped to what
// the IMAP session engine exercises. It is test scaffolding only — the real
// persistence contract lives in internal/store.
type fakeStore struct {
	mu sync.Mutex

	users   map[int64]*store.User
	byAddr  map[string]int64
	emails  map[int64]*store.Email
	visible map[int64][]int64 // userID -> emailIDs participant in
	read    map[[2]int64]bool // [emailID, userID] -> isRead
	flags   map[[2]int64]store.Flag
	keys    map[int64][]*store.ApiKey // userID -> active+revoked keys
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[int64]*store.User),
		byAddr:  make(map[string]int64),
		emails:  make(map[int64]*store.Email),
		visible: make(map[int64][]int64),
		read:    make(map[[2]int64]bool),
		flags:   make(map[[2]int64]store.Flag),
		keys:    make(map[int64][]*store.ApiKey),
	}
}

func (f *fakeStore) addUser(address string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.users[id] = &store.User{ID: id, PrimaryAddress: address, CreatedAt: time.Now()}
	f.byAddr[address] = id
	return id
}

// addEmail registers an email as visible to userID with the given
// receivedAt ordering key; isRead seeds the recipient's \Seen state.
func (f *fakeStore) addEmail(userID int64, e store.Email, isRead bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	e.ID = id
	f.emails[id] = &e
	f.visible[userID] = append(f.visible[userID], id)
	f.read[[2]int64{id, userID}] = isRead
	return id
}

func (f *fakeStore) GetOrCreateUser(ctx context.Context, issuer, subject, primaryAddress string) (*store.User, error) {
	return nil, errNotImplemented
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByAddress(ctx context.Context, address string) (*store.User, error) {
	f.mu.Lock()
	id, ok := f.byAddr[address]
	f.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.GetUserByID(ctx, id)
}

func (f *fakeStore) AddUserAddress(ctx context.Context, userID int64, address string) error {
	return errNotImplemented
}

func (f *fakeStore) CreateApiKey(ctx context.Context, userID int64, name, prefix, hash string, scopes []store.Scope) (*store.ApiKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	k := &store.ApiKey{ID: f.nextID, UserID: userID, Name: name, Prefix: prefix, Hash: hash, Scopes: scopes, CreatedAt: time.Now()}
	f.keys[userID] = append(f.keys[userID], k)
	return k, nil
}

func (f *fakeStore) ListActiveApiKeys(ctx context.Context, userID int64) ([]*store.ApiKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ApiKey
	for _, k := range f.keys[userID] {
		if k.Active() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeApiKey(ctx context.Context, apiKeyID int64) error { return errNotImplemented }

func (f *fakeStore) TouchApiKeyLastUsed(ctx context.Context, apiKeyID int64, at time.Time) error {
	return nil
}

func (f *fakeStore) ListVisibleEmails(ctx context.Context, userID int64) ([]*store.VisibleEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := append([]int64(nil), f.visible[userID]...)
	sort.Slice(ids, func(i, j int) bool {
		ei, ej := f.emails[ids[i]], f.emails[ids[j]]
		if !ei.ReceivedAt.Equal(ej.ReceivedAt) {
			return ei.ReceivedAt.Before(ej.ReceivedAt)
		}
		return ei.ID < ej.ID
	})

	var out []*store.VisibleEmail
	for _, id := range ids {
		e := f.emails[id]
		out = append(out, &store.VisibleEmail{
			Email:     *e,
			IsRead:    f.read[[2]int64{id, userID}],
			IMAPFlags: f.flags[[2]int64{id, userID}],
		})
	}
	return out, nil
}

func (f *fakeStore) GetEmailByID(ctx context.Context, emailID int64) (*store.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[emailID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) SetRecipientRead(ctx context.Context, emailID, userID int64, isRead bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[[2]int64{emailID, userID}] = isRead
	return nil
}

func (f *fakeStore) SetIMAPFlags(ctx context.Context, emailID, userID int64, flags store.Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[[2]int64{emailID, userID}] = flags
	return nil
}

func (f *fakeStore) ApplyDeletions(ctx context.Context, userID int64, emailIDs []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted []int64
	for _, id := range emailIDs {
		if _, ok := f.emails[id]; !ok {
			continue
		}
		delete(f.emails, id)
		ids := f.visible[userID]
		for i, vid := range ids {
			if vid == id {
				f.visible[userID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (f *fakeStore) OpenEmailBody(ctx context.Context, emailID int64) (io.ReadCloser, error) {
	return nil, errNotImplemented
}

func (f *fakeStore) CreateLabel(ctx context.Context, userID int64, name, color string) (*store.Label, error) {
	return nil, errNotImplemented
}

func (f *fakeStore) ListLabels(ctx context.Context, userID int64) ([]*store.Label, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

var errNotImplemented = &notImplementedError{}

type notImplementedError struct{}

func (*notImplementedError) Error() string { return "fakeStore: not implemented" }
