package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteTokenizerEncode(t *testing.T) {
	tok := NewByteTokenizer()
	require.NoError(t, tok.Load())

	ids, err := tok.Encode("AB")
	require.NoError(t, err)
	assert.Equal(t, []TokenId{65, 66}, ids)
}

func TestBuildGlobalInfo(t *testing.T) {
	tok := NewByteTokenizer()
	called := false
	gi, err := BuildGlobalInfo(tok, func(tokens [][]byte, special SpecialTokenIds) []byte {
		called = true
		assert.Equal(t, int(tok.VocabSize()), len(tokens))
		require.NotNil(t, special.EOS)
		return []byte("trie")
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, uint32(257), gi.VocabSize)
	assert.Equal(t, []byte("trie"), gi.TrieBytes)
	require.NotNil(t, gi.Special.EOS)
	assert.Equal(t, TokenId(256), *gi.Special.EOS)
}

func TestBuildGlobalInfoNoTrieBuilder(t *testing.T) {
	tok := NewByteTokenizer()
	gi, err := BuildGlobalInfo(tok, nil)
	require.NoError(t, err)
	assert.Nil(t, gi.TrieBytes)
}
