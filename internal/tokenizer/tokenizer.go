// Package tokenizer defines the narrow boundary to the tokenizer vocabulary
// loader and the token-prefix trie builder — both explicitly out of scope
// per spec.md §1 ("consumed as an opaque serialized blob" / "the tokenizer
// vocabulary loader"). This package only declares the interface the rest of
// ctrlrt needs and a minimal built-in implementation so the runtime can boot
// and be tested without a real model vocabulary on hand.
package tokenizer

import "fmt"

// SpecialTokenIds mirrors the original runtime's SpecialTokenIds: the
// handful of special vocabulary entries the host surface exposes (only EOS
// is load-bearing for post_process's default stop rule).
type SpecialTokenIds struct {
	BOS *TokenId
	EOS *TokenId
	UNK *TokenId
	SEP *TokenId
	PAD *TokenId
	CLS *TokenId
}

type TokenId = uint32

// Tokenizer is the boundary interface to a concrete vocabulary: encoding
// text to token ids and exposing the raw bytes of each token (needed by the
// host's tokenize/tokenize_bytes callbacks and to build the prefix trie).
// A real implementation (BPE, SentencePiece, ...) lives outside this
// module's scope; it need only satisfy this interface.
type Tokenizer interface {
	// Load performs any expensive one-time setup (reading vocab files,
	// building merge tables). Called at startup before the other methods;
	// BuildGlobalInfo calls it too, so it may run more than once.
	Load() error

	// Encode tokenizes a UTF-8 string into token ids.
	Encode(text string) ([]TokenId, error)

	// TokenBytes returns the raw byte representation of every token in
	// vocabulary order; len(result) == VocabSize().
	TokenBytes() [][]byte

	// VocabSize returns the size of the fixed vocabulary.
	VocabSize() uint32

	// Special returns the tokenizer's special token ids.
	Special() SpecialTokenIds

	// Serialize returns an opaque byte blob a downstream consumer (the
	// inference engine) can use to reconstruct the tokenizer out of band.
	// ctrlrt never interprets these bytes itself.
	Serialize() []byte
}

// GlobalInfo is the process-wide, read-mostly state built once at startup
// from a Tokenizer (spec.md §3 GlobalInfo): vocab size, special token ids,
// the serialized prefix trie, and the raw tokenizer bytes. It is shared
// read-only after construction — the only "writer" discipline documented in
// spec.md §9's global-mutable-state note.
type GlobalInfo struct {
	VocabSize    uint32
	Special      SpecialTokenIds
	TrieBytes    []byte // opaque; built by an external trie builder
	RawTokBytes  []byte
}

// BuildGlobalInfo loads tok and assembles the GlobalInfo the rest of the
// runtime treats as read-only. trieBuilder produces the serialized
// token-prefix trie from the token byte table; it is supplied externally
// (spec.md §1: "the token-prefix trie ... consumed as an opaque serialized
// blob") so this package never has to know the trie's binary layout.
func BuildGlobalInfo(tok Tokenizer, trieBuilder func(tokens [][]byte, special SpecialTokenIds) []byte) (*GlobalInfo, error) {
	if err := tok.Load(); err != nil {
		return nil, fmt.Errorf("tokenizer: load: %w", err)
	}
	tokens := tok.TokenBytes()
	special := tok.Special()

	var trie []byte
	if trieBuilder != nil {
		trie = trieBuilder(tokens, special)
	}

	return &GlobalInfo{
		VocabSize:   tok.VocabSize(),
		Special:     special,
		TrieBytes:   trie,
		RawTokBytes: tok.Serialize(),
	}, nil
}
