package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApplySpliceLengthLaw exercises spec.md §8's backtrack/splice law:
// applying Splice{backtrack=b, ff_tokens=t} to a length-L token list yields
// a list of length L-b+len(t).
func TestApplySpliceLengthLaw(t *testing.T) {
	cases := []struct {
		name      string
		tokens    []TokenId
		backtrack uint32
		ffTokens  []TokenId
		want      []TokenId
	}{
		{
			name:      "no-op splice leaves the sequence untouched",
			tokens:    []TokenId{1, 2, 3},
			backtrack: 0,
			ffTokens:  nil,
			want:      []TokenId{1, 2, 3},
		},
		{
			name:      "pure append",
			tokens:    []TokenId{1, 2, 3},
			backtrack: 0,
			ffTokens:  []TokenId{42},
			want:      []TokenId{1, 2, 3, 42},
		},
		{
			name:      "backtrack removes the most recent tokens",
			tokens:    []TokenId{1, 2, 3},
			backtrack: 2,
			ffTokens:  nil,
			want:      []TokenId{1},
		},
		{
			name:      "backtrack and append combine",
			tokens:    []TokenId{1, 2, 3},
			backtrack: 1,
			ffTokens:  []TokenId{9, 10},
			want:      []TokenId{1, 2, 9, 10},
		},
		{
			name:      "backtrack equal to the full length empties the sequence",
			tokens:    []TokenId{1, 2, 3},
			backtrack: 3,
			ffTokens:  []TokenId{7},
			want:      []TokenId{7},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplySplice(tc.tokens, tc.backtrack, tc.ffTokens)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Len(t, got, len(tc.tokens)-int(tc.backtrack)+len(tc.ffTokens))
		})
	}
}

// TestApplySpliceRejectsBacktrackPastSequenceStart confirms the law's other
// half: backtrack must not exceed the accumulated sequence length.
func TestApplySpliceRejectsBacktrackPastSequenceStart(t *testing.T) {
	_, err := ApplySplice([]TokenId{1, 2, 3}, 4, []TokenId{99})
	assert.Error(t, err)
}
