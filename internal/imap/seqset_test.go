package imap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailcore/internal/imap"
)

func TestParseSeqSet(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		star uint32
		want []uint32
	}{
		{"single", "1", 5, []uint32{1}},
		{"range", "1:3", 5, []uint32{1, 2, 3}},
		{"reversed range normalizes", "3:1", 5, []uint32{1, 2, 3}},
		{"star resolves to max", "*", 5, []uint32{5}},
		{"range to star", "2:*", 5, []uint32{2, 3, 4, 5}},
		{"star to range", "*:2", 5, []uint32{2, 3, 4, 5}},
		{"comma list", "1,3,5", 5, []uint32{1, 3, 5}},
		{"duplicates deduplicated in insertion order", "1,1,2,1", 5, []uint32{1, 2}},
		{"mixed ranges and singles", "1:2,4", 5, []uint32{1, 2, 4}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := imap.ParseSeqSet(tc.raw, tc.star, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSeqSetErrors(t *testing.T) {
	cases := []string{
		"",
		"0",
		"abc",
		"1,,2",
		"1:",
		":1",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, err := imap.ParseSeqSet(raw, 10, 0)
			require.Error(t, err)
		})
	}
}

func TestParseSeqSetTooManyParts(t *testing.T) {
	raw := "1"
	for i := 0; i < 600; i++ {
		raw += ",1"
	}
	_, err := imap.ParseSeqSet(raw, 10, 0)
	require.Error(t, err)
}

func TestParseSeqSetEmptyMailboxStarIsOne(t *testing.T) {
	// MessageView.MaxSeq()/MaxUID() resolve to 1 for an empty view; a bare
	// "*" against that star must resolve to 1, not error.
	got, err := imap.ParseSeqSet("*", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, got)
}
