package protocol

import "fmt"

// ApplySplice applies a BranchSplice directive to an accumulated token
// list, enforcing spec.md §8's backtrack/splice law: the result has length
// len(tokens)-backtrack+len(ffTokens), and backtrack must not exceed
// len(tokens) (backtrack counts the token that would otherwise have been
// sampled, so it can equal the full length but never exceed it).
func ApplySplice(tokens []TokenId, backtrack uint32, ffTokens []TokenId) ([]TokenId, error) {
	if uint64(backtrack) > uint64(len(tokens)) {
		return nil, fmt.Errorf("protocol: splice backtrack %d exceeds sequence length %d", backtrack, len(tokens))
	}

	kept := tokens[:len(tokens)-int(backtrack)]
	out := make([]TokenId, 0, len(kept)+len(ffTokens))
	out = append(out, kept...)
	out = append(out, ffTokens...)
	return out, nil
}
