package imap

import (
	"strconv"
	"strings"
)

// maxSeqSetPartsDefault is the DoS-guard part-count cap ParseSeqSet falls
// back to when called with maxParts <= 0, matching the spec's default of
// 500.
const maxSeqSetPartsDefault = 500

// ParseSeqSet parses a comma-joined sequence-set string (`N`, `N:M`, `*`,
// `N:*`/`*:M`) into a deduplicated slice of numbers in insertion order.
// star resolves every literal `*` token to the caller-supplied maximum,
// which also clamps the high end of any `N:*`/`*:M`/`N:M` range so a
// single in-bounds part can never expand to more than `star` entries.
// maxParts caps the number of comma-separated parts (DoS guard); a value
// <= 0 falls back to maxSeqSetPartsDefault.
func ParseSeqSet(raw string, star uint32, maxParts int) ([]uint32, error) {
	if maxParts <= 0 {
		maxParts = maxSeqSetPartsDefault
	}
	if raw == "" {
		return nil, newErr(KindParseError, "empty sequence set")
	}

	parts := strings.Split(raw, ",")
	if len(parts) > maxParts {
		return nil, newErr(KindParseError, "too many sequence-set parts")
	}

	seen := make(map[uint32]bool)
	var out []uint32

	emit := func(n uint32) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}

	for _, part := range parts {
		if part == "" {
			return nil, newErr(KindParseError, "empty sequence-set part")
		}
		if !strings.Contains(part, ":") {
			n, err := parseSeqNum(part, star)
			if err != nil {
				return nil, err
			}
			emit(n)
			continue
		}

		bounds := strings.SplitN(part, ":", 2)
		if len(bounds) != 2 {
			return nil, newErr(KindParseError, "malformed sequence-set range")
		}
		lo, err := parseSeqNum(bounds[0], star)
		if err != nil {
			return nil, err
		}
		hi, err := parseSeqNum(bounds[1], star)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi > star {
			hi = star
		}
		for n := lo; n <= hi; n++ {
			emit(n)
		}
	}

	return out, nil
}

func parseSeqNum(tok string, star uint32) (uint32, error) {
	if tok == "*" {
		return star, nil
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil || n == 0 {
		return 0, newErr(KindParseError, "invalid sequence number: "+tok)
	}
	return uint32(n), nil
}
