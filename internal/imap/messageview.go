package imap

import (
	"context"
	"sort"
	"time"

	"github.com/fenilsonani/mailcore/internal/store"
)

// MessageHandle is one row of a MessageView: a message as seen through
// the current SELECT, independent of the underlying Email row's lifetime.
type MessageHandle struct {
	EmailID       int64
	UID           uint32
	SequenceNum   uint32
	Flags         store.Flag
	InternalDate  time.Time
	SizeBytes     int64
	MessageID     string
	Subject       string
	FromAddress   string
	FromName      string
	InReplyTo     string
	References    string
	Recipients    []store.Recipient
}

// MessageView is the per-session, in-memory projection of a user's
// mailbox, loaded on SELECT/EXAMINE and discarded on CLOSE/UNSELECT/
// LOGOUT. It owns the sequence-number ↔ UID ↔ emailId mapping exclusively;
// no other session ever touches it.
type MessageView struct {
	handles []*MessageHandle // ordered by sequence number, 1-based index = SequenceNum-1
	byUID   map[uint32]*MessageHandle
}

// Load builds a MessageView from every email the user participates in,
// ordered by (receivedAt, emailId) ascending per the UID-assignment rule.
func Load(ctx context.Context, s store.MailboxStore, userID int64) (*MessageView, error) {
	visible, err := s.ListVisibleEmails(ctx, userID)
	if err != nil {
		return nil, wrapErr(KindStoreError, "failed to list visible emails", err)
	}

	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].Email.ReceivedAt.Equal(visible[j].Email.ReceivedAt) {
			return visible[i].Email.ReceivedAt.Before(visible[j].Email.ReceivedAt)
		}
		return visible[i].Email.ID < visible[j].Email.ID
	})

	mv := &MessageView{byUID: make(map[uint32]*MessageHandle, len(visible))}
	for i, ve := range visible {
		flags := ve.IMAPFlags
		if ve.IsRead {
			flags |= store.FlagSeen
		}

		h := &MessageHandle{
			EmailID:      ve.Email.ID,
			UID:          uint32(i + 1), //nolint: gosec -- UID space is 32-bit per RFC 9051 and message counts never approach it
			SequenceNum:  uint32(i + 1),
			Flags:        flags,
			InternalDate: ve.Email.ReceivedAt,
			SizeBytes:    ve.Email.Size,
			MessageID:    ve.Email.MessageID,
			Subject:      ve.Email.Subject,
			FromAddress:  ve.Email.FromAddress,
			FromName:     ve.Email.FromName,
			InReplyTo:    ve.Email.InReplyTo,
			References:   ve.Email.References,
			Recipients:   ve.Email.Recipients,
		}
		mv.handles = append(mv.handles, h)
		mv.byUID[h.UID] = h
	}
	return mv, nil
}

// Len returns the number of messages currently in the view.
func (mv *MessageView) Len() int { return len(mv.handles) }

// ByUID resolves a message by its UID.
func (mv *MessageView) ByUID(uid uint32) (*MessageHandle, bool) {
	h, ok := mv.byUID[uid]
	return h, ok
}

// BySeq resolves a message by its 1-based sequence number.
func (mv *MessageView) BySeq(seq uint32) (*MessageHandle, bool) {
	if seq < 1 || int(seq) > len(mv.handles) {
		return nil, false
	}
	return mv.handles[seq-1], true
}

// All returns every handle in sequence order.
func (mv *MessageView) All() []*MessageHandle { return mv.handles }

// MaxSeq returns the largest sequence number, or 1 if the view is empty —
// the `*` resolution rule for sequence sets.
func (mv *MessageView) MaxSeq() uint32 {
	if len(mv.handles) == 0 {
		return 1
	}
	return uint32(len(mv.handles))
}

// MaxUID returns the largest UID, or 1 if the view is empty.
func (mv *MessageView) MaxUID() uint32 {
	if len(mv.handles) == 0 {
		return 1
	}
	return mv.handles[len(mv.handles)-1].UID
}

// UIDNext is max(uid)+1, or 1 if the view is empty.
func (mv *MessageView) UIDNext() uint32 {
	if len(mv.handles) == 0 {
		return 1
	}
	return mv.handles[len(mv.handles)-1].UID + 1
}

// ResolveSeqSet parses raw against the view's current sequence-number or
// UID space (depending on byUID) and returns the matching handles in
// insertion order. Sequence-set numbers that don't resolve to a live
// handle are silently skipped, per RFC 9051's tolerant FETCH/STORE
// semantics for stale sequence sets. maxParts caps the number of
// comma-separated parts (DoS guard); a value <= 0 falls back to the
// package default.
func (mv *MessageView) ResolveSeqSet(raw string, byUID bool, maxParts int) ([]*MessageHandle, error) {
	star := mv.MaxSeq()
	if byUID {
		star = mv.MaxUID()
	}

	nums, err := ParseSeqSet(raw, star, maxParts)
	if err != nil {
		return nil, err
	}

	var out []*MessageHandle
	for _, n := range nums {
		var h *MessageHandle
		var ok bool
		if byUID {
			h, ok = mv.ByUID(n)
		} else {
			h, ok = mv.BySeq(n)
		}
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Renumber reassigns dense sequence numbers 1..N after handles have been
// removed (EXPUNGE), preserving relative order.
func (mv *MessageView) Renumber() {
	for i, h := range mv.handles {
		h.SequenceNum = uint32(i + 1)
	}
}

// Remove drops the handles with the given UIDs from the view, returning
// the removed handles sorted by descending sequence number — the order
// EXPUNGE must emit `* n EXPUNGE` responses in.
func (mv *MessageView) Remove(uids map[uint32]bool) []*MessageHandle {
	var removed []*MessageHandle
	var kept []*MessageHandle

	for _, h := range mv.handles {
		if uids[h.UID] {
			removed = append(removed, h)
			delete(mv.byUID, h.UID)
		} else {
			kept = append(kept, h)
		}
	}
	mv.handles = kept
	mv.Renumber()

	sort.Slice(removed, func(i, j int) bool { return removed[i].SequenceNum > removed[j].SequenceNum })
	return removed
}
