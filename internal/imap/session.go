// Package imap implements the IMAP4rev2 session engine: line framing,
// command parsing, the per-connection state machine, and the FETCH/STORE/
// SEARCH/EXPUNGE semantics that operate on a session's MessageView.
package imap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fenilsonani/mailcore/internal/audit"
	"github.com/fenilsonani/mailcore/internal/auth"
	"github.com/fenilsonani/mailcore/internal/logging"
	"github.com/fenilsonani/mailcore/internal/metrics"
	"github.com/fenilsonani/mailcore/internal/registry"
	"github.com/fenilsonani/mailcore/internal/store"
)

// State is a SessionEngine state-machine node.
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

const maxDeletedUIDsDefault = 10000

// Deps bundles the collaborators a Session needs, shared across every
// connection the Server accepts.
type Deps struct {
	Store          store.MailboxStore
	Vault          *auth.Vault
	Registry       *registry.Registry
	Bus            *Bus
	Logger         *logging.Logger
	Audit          *audit.Logger
	ServerName     string
	IdleTimeout    time.Duration
	MaxLineBytes   int
	MaxArgs        int
	MaxSeqSetParts int
	MaxDeletedUIDs int
}

// Session is one IMAP connection's state: the NotAuthenticated → …→
// Logout machine, its MessageView when Selected, and its pending-deletion
// set. A Session is owned exclusively by the goroutine running it.
type Session struct {
	deps Deps
	f    *Framer
	resp Responder

	connID   string
	clientIP string

	state    State
	username string
	userID   int64

	selectedReadOnly bool
	view             *MessageView
	deletedUIDs      map[uint32]bool
	uidValidity      uint32

	enabled map[string]bool

	lastActivity time.Time
}

// NewSession wraps conn-derived Framer f with a fresh Session.
func NewSession(f *Framer, connID, clientIP string, deps Deps) *Session {
	if deps.MaxDeletedUIDs == 0 {
		deps.MaxDeletedUIDs = maxDeletedUIDsDefault
	}
	return &Session{
		deps:        deps,
		f:           f,
		connID:      connID,
		clientIP:    clientIP,
		state:       StateNotAuthenticated,
		deletedUIDs: make(map[uint32]bool),
		enabled:     make(map[string]bool),
	}
}

// Run drives the session loop until LOGOUT, client disconnect, or a fatal
// transport error. It always releases the connection registry slot (if
// one was acquired) and closes the framer before returning.
func (s *Session) Run(ctx context.Context) {
	log := s.deps.Logger.WithConn(s.connID, s.clientIP)
	defer s.cleanup(log)

	if err := s.f.WriteLine(s.resp.Greeting(s.deps.ServerName)); err != nil {
		log.Warn("failed to send greeting", "error", err)
		return
	}

	for s.state != StateLogout {
		deadline := time.Time{}
		if s.deps.IdleTimeout > 0 {
			deadline = time.Now().Add(s.deps.IdleTimeout)
		}

		line, err := s.f.ReadLine(deadline)
		if err != nil {
			s.handleReadError(log, err)
			return
		}
		s.lastActivity = time.Now()

		cmd, perr := ParseCommand(line, s.deps.MaxArgs)
		if perr != nil {
			var ie *Error
			if errors.As(perr, &ie) {
				metrics.RecordCommandError(string(ie.Kind))
				_ = s.f.WriteLine(fmt.Sprintf("* BAD %s", ie.Message))
				continue
			}
			_ = s.f.WriteLine("* BAD malformed command")
			continue
		}

		s.dispatch(ctx, log, cmd)
	}
}

func (s *Session) handleReadError(log *logging.Logger, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	var ie *Error
	if errors.As(err, &ie) {
		switch ie.Kind {
		case KindLineTooLong:
			_ = s.f.Close(s.resp.Bye("Line too long"))
			return
		default:
			log.Warn("read error", "error", err)
			_ = s.f.Close("")
			return
		}
	}
	_ = s.f.Close("")
}

func (s *Session) cleanup(log *logging.Logger) {
	if s.userID != 0 {
		s.deps.Registry.Remove(s.userID)
		metrics.ReleaseConnection("imap")
	}
	_ = s.f.Close("")
	log.Debug("session closed")
}

// dispatch routes a parsed command by (state, name), converting handler
// errors into the appropriate tagged reply. CAPABILITY, NOOP, LOGOUT and
// ENABLE are legal in every state.
func (s *Session) dispatch(ctx context.Context, log *logging.Logger, cmd *Command) {
	name := cmd.Name
	metrics.RecordCommand(name)

	switch name {
	case "CAPABILITY":
		s.cmdCapability(cmd)
		return
	case "NOOP":
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "NOOP completed"))
		return
	case "LOGOUT":
		s.cmdLogout(ctx, cmd)
		return
	case "ENABLE":
		s.cmdEnable(cmd)
		return
	}

	switch s.state {
	case StateNotAuthenticated:
		switch name {
		case "LOGIN":
			s.cmdLogin(ctx, cmd)
		case "AUTHENTICATE":
			s.cmdAuthenticate(ctx, cmd)
		default:
			s.badForState(cmd)
		}
	case StateAuthenticated:
		switch name {
		case "SELECT":
			s.cmdSelect(ctx, cmd, false)
		case "EXAMINE":
			s.cmdSelect(ctx, cmd, true)
		case "LIST":
			s.cmdList(cmd)
		case "STATUS":
			s.cmdStatus(ctx, cmd)
		default:
			s.badForState(cmd)
		}
	case StateSelected:
		switch name {
		case "SELECT":
			s.cmdSelect(ctx, cmd, false)
		case "EXAMINE":
			s.cmdSelect(ctx, cmd, true)
		case "LIST":
			s.cmdList(cmd)
		case "STATUS":
			s.cmdStatus(ctx, cmd)
		case "FETCH":
			s.cmdFetch(ctx, cmd, false)
		case "STORE":
			s.cmdStore(ctx, cmd, false)
		case "SEARCH":
			s.cmdSearch(cmd, false)
		case "UID":
			s.cmdUID(ctx, cmd)
		case "EXPUNGE":
			s.cmdExpunge(ctx, cmd)
		case "CLOSE":
			s.cmdClose(ctx, cmd)
		case "UNSELECT":
			s.cmdUnselect(cmd)
		default:
			s.badForState(cmd)
		}
	}
}

func (s *Session) badForState(cmd *Command) {
	metrics.RecordCommandError(string(KindProtocolStateError))
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Command not valid in this state"))
}

func (s *Session) cmdCapability(cmd *Command) {
	_ = s.f.WriteLine(s.resp.Capability())
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "CAPABILITY completed"))
}

func (s *Session) cmdEnable(cmd *Command) {
	var accepted []string
	for _, a := range cmd.Arguments {
		if strings.EqualFold(a, "UTF8=ACCEPT") {
			s.enabled["UTF8=ACCEPT"] = true
			accepted = append(accepted, "UTF8=ACCEPT")
		}
	}
	if len(accepted) > 0 {
		_ = s.f.WriteLine(s.resp.Enabled(accepted))
	}
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "ENABLE completed"))
}

func (s *Session) cmdLogout(ctx context.Context, cmd *Command) {
	if s.state == StateSelected && !s.selectedReadOnly {
		s.applyPendingDeletions(ctx)
	}
	_ = s.f.WriteLine(s.resp.Bye("Logging out"))
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "LOGOUT completed"))
	s.state = StateLogout
}

// --- Authentication ---------------------------------------------------

func (s *Session) cmdLogin(ctx context.Context, cmd *Command) {
	if len(cmd.Arguments) < 2 {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "LOGIN requires user and password"))
		return
	}
	user := stripQuotes(cmd.Arguments[0])
	pass := stripQuotes(cmd.Arguments[1])
	s.authenticate(ctx, cmd, user, pass)
}

func (s *Session) cmdAuthenticate(ctx context.Context, cmd *Command) {
	if len(cmd.Arguments) == 0 {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "AUTHENTICATE requires a mechanism"))
		return
	}
	mechanism := strings.ToUpper(cmd.Arguments[0])
	if mechanism != "PLAIN" {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Unsupported authentication mechanism"))
		return
	}

	var initial string
	if len(cmd.Arguments) >= 2 {
		initial = cmd.Arguments[1]
	} else {
		if err := s.f.WriteLine("+"); err != nil {
			return
		}
		deadline := time.Time{}
		if s.deps.IdleTimeout > 0 {
			deadline = time.Now().Add(s.deps.IdleTimeout)
		}
		line, err := s.f.ReadLine(deadline)
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "*" {
			_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Authentication cancelled"))
			return
		}
		initial = line
	}

	authcid, passwd, err := decodeSASLPlain(initial)
	if err != nil {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Invalid SASL PLAIN payload"))
		return
	}
	s.authenticate(ctx, cmd, authcid, passwd)
}

func decodeSASLPlain(b64 string) (authcid, passwd string, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed SASL PLAIN payload")
	}
	authcid, passwd = parts[1], parts[2]
	if authcid == "" || passwd == "" {
		return "", "", fmt.Errorf("empty authcid or password")
	}
	return authcid, passwd, nil
}

func (s *Session) authenticate(ctx context.Context, cmd *Command, user, pass string) {
	key, userID, cached, err := s.deps.Vault.Verify(ctx, user, pass)
	if err != nil || !key.HasScope(store.ScopeIMAP) {
		if !cached {
			metrics.RecordAuth("imap", false)
		}
		_ = s.deps.Audit.LogSimple(ctx, user, audit.EventLoginFailure, "imap", s.clientIP)
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Authentication failed"))
		return
	}

	if !s.deps.Registry.TryAdd(userID) {
		metrics.RecordRejectedConnection("imap")
		_ = s.deps.Audit.LogSimple(ctx, user, audit.EventConnectionCap, "imap", s.clientIP)
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Too many connections"))
		return
	}

	if !cached {
		metrics.RecordAuth("imap", true)
	}
	_ = s.deps.Audit.LogSimple(ctx, user, audit.EventLoginSuccess, "imap", s.clientIP)
	metrics.RecordConnection("imap")
	s.username = user
	s.userID = userID
	s.state = StateAuthenticated
	s.uidValidity = UIDValidity(userID)

	_ = s.f.WriteLine(s.resp.Capability())
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", fmt.Sprintf("%s completed", cmd.Name)))
}

// --- SELECT / EXAMINE ---------------------------------------------------

func (s *Session) cmdSelect(ctx context.Context, cmd *Command, readOnly bool) {
	if len(cmd.Arguments) == 0 || !strings.EqualFold(stripQuotes(cmd.Arguments[0]), "INBOX") {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Mailbox does not exist"))
		return
	}

	view, err := Load(ctx, s.deps.Store, s.userID)
	if err != nil {
		metrics.RecordStoreError("load_message_view")
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Internal server error"))
		return
	}

	s.view = view
	s.deletedUIDs = make(map[uint32]bool)
	s.selectedReadOnly = readOnly
	s.state = StateSelected

	_ = s.f.WriteLine(s.resp.Flags())
	_ = s.f.WriteLine(s.resp.PermanentFlags())
	_ = s.f.WriteLine(s.resp.Exists(view.Len()))
	_ = s.f.WriteLine(s.resp.UntaggedOKCode(fmt.Sprintf("UIDVALIDITY %d", s.uidValidity), "UIDs valid"))
	_ = s.f.WriteLine(s.resp.UntaggedOKCode(fmt.Sprintf("UIDNEXT %d", view.UIDNext()), "Predicted next UID"))

	mode := "READ-WRITE"
	if readOnly {
		mode = "READ-ONLY"
	}
	_ = s.f.WriteLine(s.resp.TaggedCode(cmd.Tag, "OK", mode, fmt.Sprintf("%s completed", cmd.Name)))
}

func (s *Session) cmdList(cmd *Command) {
	_ = s.f.WriteLine(s.resp.List())
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "LIST completed"))
}

func (s *Session) cmdStatus(ctx context.Context, cmd *Command) {
	if len(cmd.Arguments) < 2 || !strings.EqualFold(stripQuotes(cmd.Arguments[0]), "INBOX") {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Mailbox does not exist"))
		return
	}

	view := s.view
	if view == nil {
		loaded, err := Load(ctx, s.deps.Store, s.userID)
		if err != nil {
			_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Internal server error"))
			return
		}
		view = loaded
	}

	items := strings.Join(cmd.Arguments[1:], " ")
	items = strings.Trim(items, "()")
	requested := strings.Fields(items)

	unseen := 0
	for _, h := range view.All() {
		if h.Flags&store.FlagSeen == 0 {
			unseen++
		}
	}

	var parts []string
	for _, it := range requested {
		switch strings.ToUpper(it) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", view.Len()))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", unseen))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", view.UIDNext()))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", UIDValidity(s.userID)))
		}
	}

	_ = s.f.WriteLine(fmt.Sprintf(`* STATUS "INBOX" (%s)`, strings.Join(parts, " ")))
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "STATUS completed"))
}

// --- FETCH ----------------------------------------------------------------

func (s *Session) cmdFetch(ctx context.Context, cmd *Command, byUID bool) {
	if len(cmd.Arguments) < 2 {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "FETCH requires a sequence set and items"))
		return
	}

	handles, err := s.view.ResolveSeqSet(cmd.Arguments[0], byUID, s.deps.MaxSeqSetParts)
	if err != nil {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", err.Error()))
		return
	}

	itemsRaw := strings.Join(cmd.Arguments[1:], " ")
	items := parseFetchItems(itemsRaw)

	asm := &FetchAssembler{Store: s.deps.Store}
	for _, h := range handles {
		fc := FetchContext{
			ByUID: byUID,
			MarkSeen: func(seq uint32) error {
				return s.markSeen(ctx, seq)
			},
		}
		part, err := asm.Assemble(ctx, h, items, fc)
		if err != nil {
			metrics.RecordStoreError("fetch_assemble")
			_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Internal server error"))
			return
		}
		_ = s.f.WriteLine(s.resp.Fetch(h.SequenceNum, part))
	}
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "FETCH completed"))
}

func (s *Session) markSeen(ctx context.Context, seq uint32) error {
	h, ok := s.view.BySeq(seq)
	if !ok {
		return nil
	}
	if h.Flags&store.FlagSeen != 0 {
		return nil
	}
	h.Flags |= store.FlagSeen
	if err := s.deps.Store.SetRecipientRead(ctx, h.EmailID, s.userID, true); err != nil {
		return wrapErr(KindStoreError, "failed to persist \\Seen", err)
	}
	s.deps.Bus.Publish(Event{Kind: EventEmailUpdated, UserID: s.userID, EmailID: h.EmailID, IsRead: true})
	s.publishUnreadCount()
	return nil
}

// publishUnreadCount recomputes the unseen count from the session's own
// MessageView (the session exclusively owns it, so no store round-trip is
// needed) and fans it out so the REST unread counter stays current.
func (s *Session) publishUnreadCount() {
	unseen := 0
	for _, h := range s.view.All() {
		if h.Flags&store.FlagSeen == 0 {
			unseen++
		}
	}
	s.deps.Bus.Publish(Event{Kind: EventUnreadCountChanged, UserID: s.userID, NewCount: unseen})
}

// parseFetchItems splits a FETCH items clause (possibly parenthesized)
// into individual item tokens, tolerating `BODY[HEADER]`-style brackets.
func parseFetchItems(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "()")
	var items []string
	var cur strings.Builder
	depth := 0
	for _, c := range raw {
		switch c {
		case '[':
			depth++
			cur.WriteRune(c)
		case ']':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(c)
		case ' ':
			if depth == 0 {
				if cur.Len() > 0 {
					items = append(items, cur.String())
					cur.Reset()
				}
				continue
			}
			cur.WriteRune(c)
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		items = append(items, cur.String())
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "FAST":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "ALL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FULL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY[]")
		default:
			out = append(out, it)
		}
	}
	return out
}

// --- STORE ------------------------------------------------------------

func (s *Session) cmdStore(ctx context.Context, cmd *Command, byUID bool) {
	if s.selectedReadOnly {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Mailbox is read-only"))
		return
	}
	if len(cmd.Arguments) < 3 {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "STORE requires a sequence set, item, and value"))
		return
	}

	handles, err := s.view.ResolveSeqSet(cmd.Arguments[0], byUID, s.deps.MaxSeqSetParts)
	if err != nil {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", err.Error()))
		return
	}

	dataItem := strings.ToUpper(cmd.Arguments[1])
	silent := strings.Contains(dataItem, ".SILENT")
	value := ParseFlagTokens(strings.Join(cmd.Arguments[2:], " "))

	mode := "set"
	switch {
	case strings.HasPrefix(dataItem, "+"):
		mode = "add"
	case strings.HasPrefix(dataItem, "-"):
		mode = "remove"
	}

	for _, h := range handles {
		var newFlags store.Flag
		switch mode {
		case "add":
			newFlags = h.Flags | value
		case "remove":
			newFlags = h.Flags &^ value
		default:
			newFlags = value
		}

		if newFlags&store.FlagDeleted != 0 && h.Flags&store.FlagDeleted == 0 {
			if len(s.deletedUIDs) >= s.deps.MaxDeletedUIDs {
				_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Maximum deleted messages limit reached"))
				return
			}
			s.deletedUIDs[h.UID] = true
		} else if newFlags&store.FlagDeleted == 0 && h.Flags&store.FlagDeleted != 0 {
			delete(s.deletedUIDs, h.UID)
		}

		oldFlags := h.Flags
		h.Flags = newFlags
		if err := s.deps.Store.SetIMAPFlags(ctx, h.EmailID, s.userID, newFlags); err != nil {
			metrics.RecordStoreError("set_flags")
			_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Internal server error"))
			return
		}
		if newFlags&store.FlagSeen != oldFlags&store.FlagSeen {
			isRead := newFlags&store.FlagSeen != 0
			_ = s.deps.Store.SetRecipientRead(ctx, h.EmailID, s.userID, isRead)
			s.deps.Bus.Publish(Event{Kind: EventEmailUpdated, UserID: s.userID, EmailID: h.EmailID, IsRead: isRead})
			s.publishUnreadCount()
		}
		_ = s.deps.Audit.Log(ctx, s.username, audit.EventFlagsChanged, fmt.Sprintf("email:%d", h.EmailID),
			map[string]any{"flags": RenderFlags(newFlags)}, s.clientIP)

		if !silent {
			uidPart := ""
			if byUID {
				uidPart = fmt.Sprintf("UID %d ", h.UID)
			}
			_ = s.f.WriteLine(s.resp.Fetch(h.SequenceNum, fmt.Sprintf("%sFLAGS (%s)", uidPart, RenderFlags(newFlags))))
		}
	}
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "STORE completed"))
}

// --- SEARCH ---------------------------------------------------------------

func (s *Session) cmdSearch(cmd *Command, byUID bool) {
	crit, err := ParseSearchCriteria(cmd.Arguments)
	if err != nil {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", err.Error()))
		return
	}

	var results []uint32
	for _, h := range s.view.All() {
		if Evaluate(h, crit, s.deletedUIDs) {
			if byUID {
				results = append(results, h.UID)
			} else {
				results = append(results, h.SequenceNum)
			}
		}
	}

	_ = s.f.WriteLine(s.resp.Search(results))
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "SEARCH completed"))
}

// --- UID ------------------------------------------------------------------

func (s *Session) cmdUID(ctx context.Context, cmd *Command) {
	if len(cmd.Arguments) == 0 {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "UID requires a subcommand"))
		return
	}
	sub := strings.ToUpper(cmd.Arguments[0])
	inner := &Command{Tag: cmd.Tag, Name: sub, Arguments: cmd.Arguments[1:]}

	switch sub {
	case "FETCH":
		s.cmdFetch(ctx, inner, true)
	case "STORE":
		s.cmdStore(ctx, inner, true)
	case "SEARCH":
		s.cmdSearch(inner, true)
	default:
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "BAD", "Unknown UID subcommand"))
	}
}

// --- EXPUNGE / CLOSE / UNSELECT -------------------------------------------

func (s *Session) cmdExpunge(ctx context.Context, cmd *Command) {
	if s.selectedReadOnly {
		_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "NO", "Mailbox is read-only"))
		return
	}

	removed := s.applyPendingDeletions(ctx)
	for _, h := range removed {
		_ = s.f.WriteLine(s.resp.Expunge(h.SequenceNum))
	}
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "EXPUNGE completed"))
}

func (s *Session) cmdClose(ctx context.Context, cmd *Command) {
	if !s.selectedReadOnly {
		s.applyPendingDeletions(ctx)
	}
	s.view = nil
	s.deletedUIDs = make(map[uint32]bool)
	s.state = StateAuthenticated
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "CLOSE completed"))
}

func (s *Session) cmdUnselect(cmd *Command) {
	s.view = nil
	s.deletedUIDs = make(map[uint32]bool)
	s.state = StateAuthenticated
	_ = s.f.WriteLine(s.resp.Tagged(cmd.Tag, "OK", "UNSELECT completed"))
}

// applyPendingDeletions deletes every message whose UID is in
// deletedUIDs via a single MailboxStore transaction, removes them from
// the MessageView, and returns the removed handles in descending
// sequence order (the order EXPUNGE responses must be emitted in).
func (s *Session) applyPendingDeletions(ctx context.Context) []*MessageHandle {
	if len(s.deletedUIDs) == 0 || s.view == nil {
		return nil
	}

	var emailIDs []int64
	for uid := range s.deletedUIDs {
		if h, ok := s.view.ByUID(uid); ok {
			emailIDs = append(emailIDs, h.EmailID)
		}
	}

	deletedEmailIDs, err := s.deps.Store.ApplyDeletions(ctx, s.userID, emailIDs)
	if err != nil {
		metrics.RecordStoreError("apply_deletions")
		return nil
	}
	deletedSet := make(map[int64]bool, len(deletedEmailIDs))
	for _, id := range deletedEmailIDs {
		deletedSet[id] = true
	}

	actuallyDeletedUIDs := make(map[uint32]bool)
	for uid := range s.deletedUIDs {
		if h, ok := s.view.ByUID(uid); ok && deletedSet[h.EmailID] {
			actuallyDeletedUIDs[uid] = true
		}
	}

	removed := s.view.Remove(actuallyDeletedUIDs)
	for _, h := range removed {
		delete(s.deletedUIDs, h.UID)
		metrics.ExpungedMessages.Inc()
		s.deps.Bus.Publish(Event{Kind: EventEmailDeleted, UserID: s.userID, EmailID: h.EmailID})
		_ = s.deps.Audit.LogSimple(ctx, s.username, audit.EventMessageDeleted, fmt.Sprintf("email:%d", h.EmailID), s.clientIP)
	}
	return removed
}
