// Package protocol defines the host↔controller wire contract: the data model of
// spec.md §3 and the four lifecycle entry points of spec.md §4.3.
package protocol

import "encoding/json"

// TokenId indexes into the fixed vocabulary of size V.
type TokenId = uint32

// SeqId is an opaque id assigned by the engine, unique within a live run.
type SeqId = uint32

// ModuleInstId is an opaque id assigned by the engine to a live controller instance.
type ModuleInstId = uint64

// ModuleId content-addresses a compiled module: 64 lowercase hex characters,
// sha256(meta-bytes ‖ wasm-bytes).
type ModuleId = string

// SentinelInstId is the placeholder ModuleInstId given to an instance that is
// parked under a RequestId and has not yet been assigned a real id at its
// first step. Mirrors the original runtime's 0x100000 placeholder.
const SentinelInstId ModuleInstId = 0x100000

// BiasRef is a byte offset into the binary bias arena identifying a
// contiguous bitmask of ceil(V/8) bytes (allocated at vocabSize*4 bytes per
// the historical, still-required slot layout — see DESIGN.md).
type BiasRef = uint32

// BranchKind discriminates a BranchDirective.
type BranchKind int

const (
	BranchStop BranchKind = iota
	BranchSample
	BranchSplice
)

// BranchDirective is one per-sequence directive returned by mid_process.
// Multiple branches from one mid_process call mean "fork": the engine maps
// each extra branch onto a fresh child SeqId.
type BranchDirective struct {
	Kind BranchKind `json:"kind"`

	// BranchSample fields.
	MaskOffset  BiasRef  `json:"mask_offset,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`

	// BranchSplice fields.
	Backtrack uint32    `json:"backtrack,omitempty"`
	FFTokens  []TokenId `json:"ff_tokens,omitempty"`
}

// StorageOpKind discriminates a StorageCmd.
type StorageOpKind int

const (
	StorageSet StorageOpKind = iota
	StorageAppend
	StorageGet
	StorageReadVar
)

// StorageCmd is a single variable-storage operation a controller issued
// during a phase. ReadVar is never journaled (spec.md §3); the others are
// recorded in SequenceResult.Storage so the engine can mirror state.
type StorageCmd struct {
	Op    StorageOpKind `json:"op"`
	Name  string        `json:"name"`
	Value []byte        `json:"value,omitempty"`
}

// Journaled reports whether this command belongs in a SequenceResult's
// Storage list.
func (c StorageCmd) Journaled() bool { return c.Op != StorageReadVar }

// SequenceResult is the per-instance outcome of one step, keyed by
// ModuleInstId in the step response object.
type SequenceResult struct {
	IsSuccess bool              `json:"is_success"`
	Branches  []BranchDirective `json:"branches,omitempty"` // nil when IsSuccess is false
	Storage   []StorageCmd      `json:"storage,omitempty"`
	Logs      string            `json:"logs,omitempty"`
	Micros    uint64            `json:"micros,omitempty"`
}

// InitPromptArg/Result — §4.3 init_prompt.
type InitPromptArg struct {
	Prompt []TokenId `json:"prompt"`
}

type InitPromptResult struct {
	Prompt []TokenId `json:"prompt"`
}

// PreProcessArg — §4.3 pre_process (legacy). Carries no fields today (mirrors
// aici_abi's empty PreProcessArg{}), kept as a distinct type rather than
// passing nil so a future field addition doesn't change the call's shape.
type PreProcessArg struct{}

// PreProcessResult — §4.3 pre_process (legacy).
//
// Empty AttentionMasks stops the sequence. One mask continues. More than one
// forks that many ways. A mask of length 0 means all-ones; otherwise its
// length must equal the current sequence length.
type PreProcessResult struct {
	AttentionMasks [][]float32 `json:"attention_masks"`
	Suspend        bool        `json:"suspend"`
}

// MidProcessArg/Result — §4.3 mid_process, the decoding hotpath.
type MidProcessArg struct {
	Backtrack uint32    `json:"backtrack"`
	Tokens    []TokenId `json:"tokens"`
	Sampled   TokenId   `json:"sampled,omitempty"`
	ForkGroup []SeqId   `json:"fork_group,omitempty"`
}

type MidProcessResult struct {
	Branches []BranchDirective `json:"branches"`
}

// PostProcessArg/Result — §4.3 post_process.
type PostProcessArg struct {
	Tokens    []TokenId `json:"tokens"`
	Backtrack uint32    `json:"backtrack"`
}

type PostProcessResult struct {
	Stop bool `json:"stop"`
}

// Op is one element of a step request: either Prompt (materialize a parked
// instance under a new ModuleInstId) or Gen (advance/clone a live instance).
// The wire encoding is untagged, same as the original runtime's AiciOp enum:
// a Prompt op carries "req_id", a Gen op carries "gen"; IsPrompt/ReqId are
// derived from which fields are present rather than an explicit tag.
type Op struct {
	Id ModuleInstId `json:"id"`

	// Prompt fields.
	IsPrompt bool   `json:"-"`
	ReqId    string `json:"req_id,omitempty"`

	// Gen fields.
	Gen     TokenId       `json:"gen,omitempty"`
	CloneId *ModuleInstId `json:"clone_id,omitempty"`
}

// UnmarshalJSON discriminates Prompt vs Gen ops by presence of "req_id",
// matching the original runtime's untagged-enum deserialization.
func (o *Op) UnmarshalJSON(data []byte) error {
	type wire struct {
		Id      ModuleInstId    `json:"id"`
		ReqId   *string         `json:"req_id"`
		Gen     TokenId         `json:"gen"`
		CloneId *ModuleInstId   `json:"clone_id"`
		Prompt  json.RawMessage `json:"prompt"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.Id = w.Id
	o.CloneId = w.CloneId
	o.Gen = w.Gen
	if w.ReqId != nil {
		o.IsPrompt = true
		o.ReqId = *w.ReqId
	}
	return nil
}

// MarshalJSON round-trips an Op in the same untagged shape it was read in.
func (o Op) MarshalJSON() ([]byte, error) {
	type wire struct {
		Id      ModuleInstId  `json:"id"`
		ReqId   *string       `json:"req_id,omitempty"`
		Gen     TokenId       `json:"gen,omitempty"`
		CloneId *ModuleInstId `json:"clone_id,omitempty"`
	}
	w := wire{Id: o.Id, Gen: o.Gen, CloneId: o.CloneId}
	if o.IsPrompt {
		w.ReqId = &o.ReqId
	}
	return json.Marshal(w)
}

// StepRequest is the step op's request body (spec.md §4.4, §6).
type StepRequest struct {
	Freed []ModuleInstId `json:"freed"`
	Ops   []Op           `json:"ops"`
}
