package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mailcore/internal/mimeexport"
	"github.com/fenilsonani/mailcore/internal/store"
)

// flagTokens enumerates the five backslash-prefixed flag names in the
// fixed order the spec's FLAGS/PERMANENTFLAGS lines use.
var flagTokens = []struct {
	bit   store.Flag
	token string
}{
	{store.FlagSeen, `\Seen`},
	{store.FlagAnswered, `\Answered`},
	{store.FlagFlagged, `\Flagged`},
	{store.FlagDeleted, `\Deleted`},
	{store.FlagDraft, `\Draft`},
}

// RenderFlags renders a flag bitset as a space-joined, backslash-prefixed
// token list, e.g. "\Seen \Flagged".
func RenderFlags(f store.Flag) string {
	var parts []string
	for _, t := range flagTokens {
		if f&t.bit != 0 {
			parts = append(parts, t.token)
		}
	}
	return strings.Join(parts, " ")
}

// ParseFlagTokens scans raw for any of the five known flag tokens,
// order-insensitively, per STORE's "look for tokens anywhere" rule.
func ParseFlagTokens(raw string) store.Flag {
	var f store.Flag
	upper := strings.ToUpper(raw)
	for _, t := range flagTokens {
		if strings.Contains(upper, strings.ToUpper(t.token)) {
			f |= t.bit
		}
	}
	return f
}

// internalDateFormat is RFC 9051's fixed-culture INTERNALDATE layout:
// "dd-MMM-yyyy HH:mm:ss +ZZZZ" with Jan..Dec month abbreviations.
const internalDateFormat = "02-Jan-2006 15:04:05 -0700"

// FormatInternalDate renders t in the fixed INTERNALDATE layout.
func FormatInternalDate(t time.Time) string {
	return t.Format(internalDateFormat)
}

// FetchAssembler builds FETCH response parts for a resolved message,
// fetching the full message body from MailboxStore only when a BODY[]/
// RFC822 item is actually requested.
type FetchAssembler struct {
	Store store.MailboxStore
}

// FetchContext carries the per-call options an assembled FETCH needs.
type FetchContext struct {
	ByUID      bool // include UID unconditionally, regardless of explicit request
	MarkSeen   func(seq uint32) error
}

// Assemble builds the parenthesized part list for one FETCH response,
// e.g. `UID 1 FLAGS (\Seen) RFC822.SIZE 2048`, evaluating items in a
// fixed order regardless of the order requested.
func (a *FetchAssembler) Assemble(ctx context.Context, h *MessageHandle, items []string, fc FetchContext) (string, error) {
	var parts []string

	includeUID := fc.ByUID
	wantItem := func(name string) bool {
		for _, it := range items {
			if strings.EqualFold(it, name) {
				return true
			}
		}
		return false
	}
	if wantItem("UID") {
		includeUID = true
	}
	if includeUID {
		parts = append(parts, fmt.Sprintf("UID %d", h.UID))
	}

	if wantItem("FLAGS") {
		parts = append(parts, fmt.Sprintf("FLAGS (%s)", RenderFlags(h.Flags)))
	}

	if wantItem("INTERNALDATE") {
		parts = append(parts, fmt.Sprintf("INTERNALDATE %q", FormatInternalDate(h.InternalDate)))
	}

	if wantItem("RFC822.SIZE") {
		parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", h.SizeBytes))
	}

	if wantItem("ENVELOPE") {
		parts = append(parts, "ENVELOPE "+a.envelope(h))
	}

	for _, item := range items {
		part, mutated, err := a.bodyItem(ctx, h, item)
		if err != nil {
			return "", err
		}
		if part != "" {
			parts = append(parts, part)
		}
		if mutated && fc.MarkSeen != nil {
			if err := fc.MarkSeen(h.SequenceNum); err != nil {
				return "", err
			}
		}
	}

	return strings.Join(parts, " "), nil
}

// bodyItem handles BODY[]/RFC822/BODY[HEADER] and their .PEEK variants.
// It returns the rendered literal part and whether \Seen must be set.
func (a *FetchAssembler) bodyItem(ctx context.Context, h *MessageHandle, item string) (string, bool, error) {
	upper := strings.ToUpper(item)
	peek := strings.Contains(upper, ".PEEK")
	headerOnly := strings.Contains(upper, "[HEADER]")

	isBody := strings.HasPrefix(upper, "BODY[") || strings.HasPrefix(upper, "BODY.PEEK[")
	isRFC822 := upper == "RFC822"
	if !isBody && !isRFC822 {
		return "", false, nil
	}

	email, err := a.Store.GetEmailByID(ctx, h.EmailID)
	if err != nil {
		return "", false, wrapErr(KindStoreError, "failed to load email body", err)
	}
	raw, err := mimeexport.Build(email)
	if err != nil {
		return "", false, wrapErr(KindStoreError, "failed to render message", err)
	}

	payload := raw
	label := "BODY[]"
	if isRFC822 {
		label = "RFC822"
	}
	if headerOnly {
		payload = extractHeaders(raw)
		label = "BODY[HEADER]"
		if peek {
			label = "BODY.PEEK[HEADER]"
		}
	}

	literal := fmt.Sprintf("%s {%d}\r\n%s", label, len(payload), payload)
	return literal, !peek && !headerOnly, nil
}

func extractHeaders(raw []byte) []byte {
	sep := []byte("\r\n\r\n")
	if idx := indexBytes(raw, sep); idx >= 0 {
		return raw[:idx+2]
	}
	return raw
}

func indexBytes(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}

// envelope renders the RFC 9051 ENVELOPE structure:
// (date subject from sender reply-to to cc bcc in-reply-to message-id).
func (a *FetchAssembler) envelope(h *MessageHandle) string {
	from := []addr{{name: h.FromName, mailbox: h.FromAddress}}
	var to, cc, bcc []addr
	for _, r := range h.Recipients {
		ad := addr{name: r.DisplayName, mailbox: r.Address}
		switch r.Type {
		case store.RecipientTo:
			to = append(to, ad)
		case store.RecipientCc:
			cc = append(cc, ad)
		case store.RecipientBcc:
			bcc = append(bcc, ad)
		}
	}

	fields := []string{
		quoteOrNil(FormatInternalDate(h.InternalDate)),
		quoteOrNil(h.Subject),
		addrList(from),
		addrList(from), // sender defaults to from
		addrList(from), // reply-to defaults to from
		addrList(to),
		addrList(cc),
		addrList(bcc),
		quoteOrNil(h.InReplyTo),
		quoteOrNil(h.MessageID),
	}
	return "(" + strings.Join(fields, " ") + ")"
}

type addr struct {
	name    string
	mailbox string
}

func addrList(addrs []addr) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	var parts []string
	for _, a := range addrs {
		mailbox, host, ok := strings.Cut(a.mailbox, "@")
		if !ok {
			host = ""
		}
		parts = append(parts, fmt.Sprintf("(%s NIL %s %s)",
			quoteOrNil(a.name), quoteOrNil(mailbox), quoteOrNil(host)))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func quoteOrNil(s string) string {
	if s == "" {
		return "NIL"
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
