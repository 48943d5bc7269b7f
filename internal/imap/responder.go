package imap

import "fmt"

// Responder is a pure formatter from logical protocol events to wire
// strings. It carries no state of its own between calls; the session
// engine owns the tag and sequencing.
type Responder struct{}

// Greeting is sent immediately on accept.
func (Responder) Greeting(serverName string) string {
	return fmt.Sprintf("* OK %s IMAP4rev2 server ready", serverName)
}

// Capability renders the advertised CAPABILITY line.
func (Responder) Capability() string {
	return "* CAPABILITY IMAP4rev2 AUTH=PLAIN LITERAL+ ENABLE UNSELECT UIDPLUS CHILDREN"
}

// Tagged renders a tagged status response, e.g. `a1 OK LOGIN completed`.
func (Responder) Tagged(tag, status, text string) string {
	return fmt.Sprintf("%s %s %s", tag, status, text)
}

// TaggedCode renders a tagged response with a bracketed response code,
// e.g. `a2 OK [READ-WRITE] SELECT completed`.
func (Responder) TaggedCode(tag, status, code, text string) string {
	return fmt.Sprintf("%s %s [%s] %s", tag, status, code, text)
}

// Untagged renders a bare untagged response, e.g. `* 2 EXISTS`.
func (Responder) Untagged(body string) string {
	return "* " + body
}

// UntaggedOKCode renders `* OK [CODE] text`.
func (Responder) UntaggedOKCode(code, text string) string {
	return fmt.Sprintf("* OK [%s] %s", code, text)
}

// Exists renders `* N EXISTS`.
func (Responder) Exists(n int) string { return fmt.Sprintf("* %d EXISTS", n) }

// Expunge renders `* N EXPUNGE`.
func (Responder) Expunge(seq uint32) string { return fmt.Sprintf("* %d EXPUNGE", seq) }

// Fetch renders `* seq FETCH (parts)`.
func (Responder) Fetch(seq uint32, parts string) string {
	return fmt.Sprintf("* %d FETCH (%s)", seq, parts)
}

// Search renders `* SEARCH n1 n2 ...`.
func (Responder) Search(nums []uint32) string {
	if len(nums) == 0 {
		return "* SEARCH"
	}
	out := "* SEARCH"
	for _, n := range nums {
		out += fmt.Sprintf(" %d", n)
	}
	return out
}

// List renders the single LIST entry this core ever returns.
func (Responder) List() string {
	return `* LIST (\HasNoChildren) "/" "INBOX"`
}

// Enabled renders `* ENABLED <tokens...>`.
func (Responder) Enabled(tokens []string) string {
	out := "* ENABLED"
	for _, t := range tokens {
		out += " " + t
	}
	return out
}

// Bye renders `* BYE <reason>`.
func (Responder) Bye(reason string) string { return "* BYE " + reason }

// Flags renders the fixed FLAGS/PERMANENTFLAGS line set emitted on SELECT.
func (Responder) Flags() string {
	return `* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`
}

// PermanentFlags renders the PERMANENTFLAGS response code line.
func (Responder) PermanentFlags() string {
	return `* OK [PERMANENTFLAGS (\Seen \Answered \Flagged \Deleted \Draft \*)] Permanent flags`
}
