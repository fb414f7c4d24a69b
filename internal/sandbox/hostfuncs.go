package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
)

// hostModuleName is the import namespace every controller module links
// against, the Go analogue of the aici_abi crate's extern "C" host imports.
const hostModuleName = "aici_host"

// instCtxKey stores the *Instance a host function call is executing on
// behalf of, stashed in the api.Module's context via wazero's per-call
// context propagation.
type instCtxKeyType struct{}

var instCtxKey = instCtxKeyType{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instCtxKey, inst)
}

func instanceFrom(ctx context.Context) *Instance {
	inst, _ := ctx.Value(instCtxKey).(*Instance)
	return inst
}

// buildHostModule registers the full C9 host-function surface: tokenize,
// self_seq_id, eos_token, host_trie, stdout, arg bytes, config, storage ops,
// process_arg_bytes, aici_stop, and the two return_* sinks a guest uses to
// hand results back without a return value crossing the wasm/host boundary
// directly (mirrors aici_abi's expose!/aici_expose_all! macro-generated
// wrappers).
func (h *Host) buildHostModule(ctx context.Context) error {
	b := h.runtime.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().WithFunc(h.hostTokenize).Export("tokenize")
	b.NewFunctionBuilder().WithFunc(h.hostTokenizeBytes).Export("tokenize_bytes")
	b.NewFunctionBuilder().WithFunc(h.hostSelfSeqID).Export("self_seq_id")
	b.NewFunctionBuilder().WithFunc(h.hostEOSToken).Export("eos_token")
	b.NewFunctionBuilder().WithFunc(h.hostHostTrie).Export("host_trie")
	b.NewFunctionBuilder().WithFunc(h.hostStdout).Export("stdout")
	b.NewFunctionBuilder().WithFunc(h.hostArgBytes).Export("arg_bytes")
	b.NewFunctionBuilder().WithFunc(h.hostGetConfig).Export("get_config")
	b.NewFunctionBuilder().WithFunc(h.hostStorageCmd).Export("storage_cmd")
	b.NewFunctionBuilder().WithFunc(h.hostReturnLogitBias).Export("return_logit_bias")
	b.NewFunctionBuilder().WithFunc(h.hostReturnProcessResult).Export("return_process_result")
	b.NewFunctionBuilder().WithFunc(h.hostProcessArgBytes).Export("process_arg_bytes")
	b.NewFunctionBuilder().WithFunc(h.hostAiciStop).Export("aici_stop")

	_, err := b.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("sandbox: build host module: %w", err)
	}
	return nil
}

// readBytes copies a (ptr, len) pair out of the calling module's linear
// memory, the same pointer-passing convention the DeBrosOfficial-network
// serverless engine uses for its WASM handler ABI.
func readBytes(mod api.Module, ptr, size uint32) ([]byte, bool) {
	return mod.Memory().Read(ptr, size)
}

func writeBytes(mod api.Module, ptr uint32, data []byte) bool {
	return mod.Memory().Write(ptr, data)
}

// hostTokenize encodes a UTF-8 string living in guest memory at (ptr, len)
// into token ids, writing up to outCap ids starting at outPtr and returning
// the number of ids produced (as aici_abi's tokenize() does, truncating
// rather than growing the guest's buffer).
func (h *Host) hostTokenize(ctx context.Context, mod api.Module, ptr, size, outPtr, outCap uint32) uint32 {
	inst := instanceFrom(ctx)
	raw, ok := readBytes(mod, ptr, size)
	if !ok || inst == nil {
		return 0
	}
	ids, err := inst.tokenizer.Encode(string(raw))
	if err != nil {
		return 0
	}
	return writeTokenIds(mod, outPtr, outCap, ids)
}

// hostTokenizeBytes is the byte-oriented sibling of tokenize, used by
// controllers that operate on raw bytes rather than valid UTF-8.
func (h *Host) hostTokenizeBytes(ctx context.Context, mod api.Module, ptr, size, outPtr, outCap uint32) uint32 {
	return h.hostTokenize(ctx, mod, ptr, size, outPtr, outCap)
}

func writeTokenIds(mod api.Module, outPtr, outCap uint32, ids []protocol.TokenId) uint32 {
	n := uint32(len(ids))
	if n > outCap {
		n = outCap
	}
	buf := make([]byte, n*4)
	for i := uint32(0); i < n; i++ {
		le32(buf[i*4:], uint32(ids[i]))
	}
	writeBytes(mod, outPtr, buf)
	return n
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// hostSelfSeqID returns the calling instance's own sequence id.
func (h *Host) hostSelfSeqID(ctx context.Context, mod api.Module) uint32 {
	if inst := instanceFrom(ctx); inst != nil {
		return uint32(inst.SeqID)
	}
	return 0
}

func (h *Host) hostEOSToken(ctx context.Context, mod api.Module) uint32 {
	if h.global != nil && h.global.Special.EOS != nil {
		return uint32(*h.global.Special.EOS)
	}
	return 0
}

// hostHostTrie copies the precomputed token trie into guest memory and
// returns its length. If outCap is too small nothing is written and the
// required length is still returned, so the guest can probe the size with
// outCap=0 and retry with a bigger buffer.
func (h *Host) hostHostTrie(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	if h.global == nil {
		return 0
	}
	trie := h.global.TrieBytes
	if uint32(len(trie)) > outCap {
		return uint32(len(trie))
	}
	writeBytes(mod, outPtr, trie)
	return uint32(len(trie))
}

// hostStdout appends guest-emitted text to the instance's captured log
// buffer, surfaced back to the scheduler as SequenceResult.Logs.
func (h *Host) hostStdout(ctx context.Context, mod api.Module, ptr, size uint32) {
	inst := instanceFrom(ctx)
	raw, ok := readBytes(mod, ptr, size)
	if !ok || inst == nil {
		return
	}
	inst.appendLog(string(raw))
}

// hostArgBytes copies the controller's init-time argument bytes (spec.md's
// per-instance "arg") into guest memory.
func (h *Host) hostArgBytes(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	inst := instanceFrom(ctx)
	if inst == nil {
		return 0
	}
	arg := inst.argBytes
	if uint32(len(arg)) > outCap {
		return uint32(len(arg))
	}
	writeBytes(mod, outPtr, arg)
	return uint32(len(arg))
}

// hostGetConfig looks up a single named integer flag out of the instance's
// JSON config blob (spec.md §4.7's normative `get_config(name) → i32`),
// mirroring aici_abi's bool/int config accessor rather than exposing the
// whole blob the way arg_bytes exposes the full controller argument.
// Missing keys and non-numeric values both report 0, matching aici_abi's
// "unknown config defaults to off" convention.
func (h *Host) hostGetConfig(ctx context.Context, mod api.Module, ptr, size uint32) int32 {
	inst := instanceFrom(ctx)
	raw, ok := readBytes(mod, ptr, size)
	if !ok || inst == nil {
		return 0
	}
	name := string(raw)

	var cfg map[string]interface{}
	if err := json.Unmarshal(inst.configBytes, &cfg); err != nil {
		return 0
	}
	switch v := cfg[name].(type) {
	case float64:
		return int32(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// hostStorageCmd executes one storage operation (Set/Append/Get/ReadVar)
// against the instance's key/value store, spec.md §3's per-instance variable
// storage, and journals it unless it is a ReadVar.
func (h *Host) hostStorageCmd(ctx context.Context, mod api.Module, ptr, size, outPtr, outCap uint32) uint32 {
	inst := instanceFrom(ctx)
	raw, ok := readBytes(mod, ptr, size)
	if !ok || inst == nil {
		return 0
	}
	var cmd protocol.StorageCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return 0
	}
	result := inst.storage.Apply(cmd)
	if cmd.Journaled() {
		inst.journal = append(inst.journal, cmd)
	}
	if uint32(len(result)) > outCap {
		return uint32(len(result))
	}
	writeBytes(mod, outPtr, result)
	return uint32(len(result))
}

// hostReturnLogitBias copies a (ptr, len) bias mask out of guest memory
// into the instance's leased arena slot, the bridge between the guest's own
// linear memory (where it computes the mask) and the shared bias region the
// engine reads back after the step (spec.md §4.4, C2).
func (h *Host) hostReturnLogitBias(ctx context.Context, mod api.Module, ptr, size uint32) {
	inst := instanceFrom(ctx)
	if inst == nil || inst.arenaSlot == nil {
		return
	}
	raw, ok := readBytes(mod, ptr, size)
	if !ok {
		return
	}
	n := copy(inst.arenaSlot.Bytes, raw)
	_ = n
	off := inst.arenaSlot.Offset
	inst.biasSlotOffset = &off
}

// hostReturnProcessResult stashes the JSON-encoded branch directives a
// pre/mid/post_process call produced, read back by the Instance wrapper
// once the guest export returns.
func (h *Host) hostReturnProcessResult(ctx context.Context, mod api.Module, ptr, size uint32) {
	inst := instanceFrom(ctx)
	raw, ok := readBytes(mod, ptr, size)
	if !ok || inst == nil {
		return
	}
	inst.lastResult = append([]byte(nil), raw...)
}

// hostProcessArgBytes copies the current process call's argument (the
// serialized MidProcessArg/PreProcessArg/PostProcessArg) into guest memory.
func (h *Host) hostProcessArgBytes(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	inst := instanceFrom(ctx)
	if inst == nil {
		return 0
	}
	arg := inst.callArg
	if uint32(len(arg)) > outCap {
		return uint32(len(arg))
	}
	writeBytes(mod, outPtr, arg)
	return uint32(len(arg))
}

// hostAiciStop marks the instance as wanting to stop its sequence, the
// guest-initiated equivalent of a Stop branch directive.
func (h *Host) hostAiciStop(ctx context.Context, mod api.Module) {
	if inst := instanceFrom(ctx); inst != nil {
		inst.stopRequested = true
	}
}
