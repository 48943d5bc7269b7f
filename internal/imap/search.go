package imap

import (
	"strings"

	"github.com/fenilsonani/mailcore/internal/store"
)

// searchTokens are the RFC 9051 §6.4.4 flag-only criteria this core
// evaluates; anything else in the raw arguments is an extended criterion
// and rejected with BAD.
var searchTokens = map[string]bool{
	"ALL": true, "SEEN": true, "UNSEEN": true,
	"DELETED": true, "FLAGGED": true, "UNFLAGGED": true,
}

// ParseSearchCriteria validates that every token in args is a recognized
// flag criterion and returns the set of criteria to evaluate.
func ParseSearchCriteria(args []string) (map[string]bool, error) {
	if len(args) == 0 {
		return nil, newErr(KindParseError, "SEARCH requires at least one criterion")
	}
	crit := make(map[string]bool, len(args))
	for _, a := range args {
		u := strings.ToUpper(a)
		if !searchTokens[u] {
			return nil, newErr(KindParseError, "unsupported SEARCH criterion: "+a)
		}
		crit[u] = true
	}
	return crit, nil
}

// Evaluate reports whether h matches every requested criterion. Messages
// whose UID is in deletedUIDs are excluded unless DELETED was explicitly
// requested — the SEARCH-honors-DELETED-context invariant.
func Evaluate(h *MessageHandle, crit map[string]bool, deletedUIDs map[uint32]bool) bool {
	if !crit["DELETED"] && deletedUIDs[h.UID] {
		return false
	}
	if crit["ALL"] {
		return true
	}
	if crit["SEEN"] && h.Flags&store.FlagSeen == 0 {
		return false
	}
	if crit["UNSEEN"] && h.Flags&store.FlagSeen != 0 {
		return false
	}
	if crit["DELETED"] && h.Flags&store.FlagDeleted == 0 {
		return false
	}
	if crit["FLAGGED"] && h.Flags&store.FlagFlagged == 0 {
		return false
	}
	if crit["UNFLAGGED"] && h.Flags&store.FlagFlagged != 0 {
		return false
	}
	return true
}
