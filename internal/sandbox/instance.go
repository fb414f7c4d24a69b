package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ctrlrt/ctrlrt/internal/bias"
	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

// Instance is one live ModuleInst: a wazero module instantiated from a
// compiled controller, plus the host-side state its imported functions read
// and write across a single lifecycle call (spec.md §4.3).
type Instance struct {
	SeqID     protocol.SeqId
	ModuleID  protocol.ModuleId
	host      *Host
	module    api.Module
	tokenizer tokenizer.Tokenizer
	storage   *Storage

	argBytes    []byte
	configBytes []byte
	prompt      []protocol.TokenId

	// callMu is held for the whole of a guest call or a fork, so no two
	// workers touch the same instance at once; mu below guards only the
	// host-side fields the imported functions read and write.
	callMu sync.Mutex

	mu             sync.Mutex
	callArg        []byte
	lastResult     []byte
	arenaSlot      *bias.Slot
	biasSlotOffset *uint32
	stopRequested  bool
	logs           strings.Builder
	journal        []protocol.StorageCmd
}

// SetPrompt records the token ids an instantiate op resolved (by tokenizing
// a string or taking an int array verbatim) for this instance's first
// aici_init_prompt call, per spec.md §4.2/§4.4's instantiate→step handoff.
func (inst *Instance) SetPrompt(prompt []protocol.TokenId) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.prompt = prompt
}

// Prompt returns the token ids recorded by SetPrompt.
func (inst *Instance) Prompt() []protocol.TokenId {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.prompt
}

// SetArenaSlot assigns the bias arena slot a subsequent MidProcess call may
// write its logit-bias mask into via return_logit_bias. The caller must set
// this before each MidProcess call that should accept a bias result.
func (inst *Instance) SetArenaSlot(slot *bias.Slot) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.arenaSlot = slot
}

// InstantiateOpts carries the per-instance configuration the caller of
// Host.Instantiate supplies (the registry's instantiate request, or the
// one-shot --module --run path): arg bytes and host config JSON.
type InstantiateOpts struct {
	ModuleID protocol.ModuleId
	SeqID    protocol.SeqId
	ArgBytes []byte
	Config   []byte
}

// Instantiate creates a fresh, running instance of a precompiled module.
func (h *Host) Instantiate(ctx context.Context, tok tokenizer.Tokenizer, opts InstantiateOpts) (*Instance, error) {
	compiled, ok := h.compiledFor(opts.ModuleID)
	if !ok {
		return nil, &protocol.RegistryError{Msg: fmt.Sprintf("module %s not precompiled", opts.ModuleID)}
	}

	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s-%d", opts.ModuleID, opts.SeqID)).
		WithStartFunctions() // the guest's _start, if any, runs explicitly via init_prompt instead

	mod, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, &protocol.InstanceFatalError{Id: protocol.ModuleInstId(opts.SeqID), Reason: err.Error()}
	}

	inst := &Instance{
		SeqID:       opts.SeqID,
		ModuleID:    opts.ModuleID,
		host:        h,
		module:      mod,
		tokenizer:   tok,
		storage:     NewStorage(),
		argBytes:    opts.ArgBytes,
		configBytes: opts.Config,
	}
	return inst, nil
}

// Fork clones a running instance by snapshotting its linear memory and
// storage into a freshly instantiated sibling module, standing in for the
// original runtime's process-level memory-page fork (spec.md §4.4's
// CloneId semantics) — wazero has no fork(2) equivalent, so ctrlrt
// approximates it by copying the parent's memory bytes into a new guest
// instance of the same compiled module.
func (inst *Instance) Fork(ctx context.Context, childSeqID protocol.SeqId) (*Instance, error) {
	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	compiled, ok := inst.host.compiledFor(inst.ModuleID)
	if !ok {
		return nil, &protocol.RegistryError{Msg: fmt.Sprintf("module %s not precompiled", inst.ModuleID)}
	}

	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s-%d", inst.ModuleID, childSeqID)).
		WithStartFunctions()

	mod, err := inst.host.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, &protocol.InstanceFatalError{Id: protocol.ModuleInstId(childSeqID), Reason: err.Error()}
	}

	child := &Instance{
		SeqID:       childSeqID,
		ModuleID:    inst.ModuleID,
		host:        inst.host,
		module:      mod,
		tokenizer:   inst.tokenizer,
		storage:     inst.storage.Snapshot(),
		argBytes:    inst.argBytes,
		configBytes: inst.configBytes,
		prompt:      inst.prompt,
	}
	if err := copyMemory(inst.module, mod); err != nil {
		mod.Close(ctx)
		return nil, &protocol.InstanceFatalError{Id: protocol.ModuleInstId(childSeqID), Reason: err.Error()}
	}
	return child, nil
}

func copyMemory(src, dst api.Module) error {
	srcMem, dstMem := src.Memory(), dst.Memory()
	size := srcMem.Size()
	if dstMem.Size() < size {
		if _, ok := dstMem.Grow((size - dstMem.Size()) / 65536); !ok {
			return fmt.Errorf("sandbox: fork: cannot grow child memory to %d bytes", size)
		}
	}
	buf, ok := srcMem.Read(0, size)
	if !ok {
		return fmt.Errorf("sandbox: fork: read parent memory")
	}
	if !dstMem.Write(0, buf) {
		return fmt.Errorf("sandbox: fork: write child memory")
	}
	return nil
}

// Close tears down the instance's wazero module.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.module.Close(ctx)
}

func (inst *Instance) appendLog(s string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.logs.WriteString(s)
}

// call invokes one of the guest's exported lifecycle functions
// (aici_init_prompt / aici_pre_process / aici_mid_process / aici_post_process,
// per aici_abi's expose! naming convention), handing it argBytes through the
// process_arg_bytes host import and reading its answer back from whatever
// return_process_result stashed.
func (inst *Instance) call(ctx context.Context, export string, argBytes []byte) ([]byte, error) {
	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	ctx = withInstance(ctx, inst)

	inst.mu.Lock()
	inst.callArg = argBytes
	inst.lastResult = nil
	inst.stopRequested = false
	inst.mu.Unlock()

	fn := inst.module.ExportedFunction(export)
	if fn == nil {
		return nil, &protocol.InstanceFatalError{
			Id:     protocol.ModuleInstId(inst.SeqID),
			Reason: fmt.Sprintf("module does not export %s", export),
		}
	}
	if _, err := fn.Call(ctx); err != nil {
		return nil, &protocol.InstanceFatalError{Id: protocol.ModuleInstId(inst.SeqID), Reason: err.Error()}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastResult, nil
}

// Exports reports which lifecycle entry points the compiled module defines,
// used to decide whether an instance still needs the legacy pre_process
// path or supports mid_process directly (SPEC_FULL.md §9, resolving the
// pre_process/mid_process coexistence Open Question).
func (inst *Instance) Exports() map[string]bool {
	defs := inst.module.ExportedFunctionDefinitions()
	out := make(map[string]bool, len(defs))
	for name := range defs {
		out[name] = true
	}
	return out
}

// InitPrompt runs aici_init_prompt and decodes its InitPromptResult.
func (inst *Instance) InitPrompt(ctx context.Context, arg protocol.InitPromptArg) (*protocol.InitPromptResult, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	out, err := inst.call(ctx, "aici_init_prompt", raw)
	if err != nil {
		return nil, err
	}
	var res protocol.InitPromptResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &protocol.ProtocolError{Op: "init_prompt", Msg: err.Error()}
	}
	return &res, nil
}

// PreProcess runs the legacy aici_pre_process entry point.
func (inst *Instance) PreProcess(ctx context.Context, arg protocol.PreProcessArg) (*protocol.PreProcessResult, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	out, err := inst.call(ctx, "aici_pre_process", raw)
	if err != nil {
		return nil, err
	}
	var res protocol.PreProcessResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &protocol.ProtocolError{Op: "pre_process", Msg: err.Error()}
	}
	return &res, nil
}

// MidProcess runs the decoding hotpath entry point. The caller must have
// already leased the caller's bias arena slot and told the instance about
// it before Call via SetArenaSlot, so return_logit_bias has somewhere to
// write; MidProcess returns the slot actually used (nil if the guest never
// called return_logit_bias, e.g. a Stop-only result).
func (inst *Instance) MidProcess(ctx context.Context, arg protocol.MidProcessArg) (*protocol.MidProcessResult, *uint32, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, nil, err
	}

	inst.mu.Lock()
	inst.biasSlotOffset = nil
	inst.mu.Unlock()

	out, err := inst.call(ctx, "aici_mid_process", raw)
	if err != nil {
		return nil, nil, err
	}
	var res protocol.MidProcessResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, nil, &protocol.ProtocolError{Op: "mid_process", Msg: err.Error()}
	}

	inst.mu.Lock()
	slot := inst.biasSlotOffset
	inst.mu.Unlock()
	return &res, slot, nil
}

// PostProcess runs aici_post_process.
func (inst *Instance) PostProcess(ctx context.Context, arg protocol.PostProcessArg) (*protocol.PostProcessResult, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	out, err := inst.call(ctx, "aici_post_process", raw)
	if err != nil {
		return nil, err
	}
	var res protocol.PostProcessResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &protocol.ProtocolError{Op: "post_process", Msg: err.Error()}
	}
	return &res, nil
}

// Logs drains and clears the instance's captured stdout buffer.
func (inst *Instance) Logs() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	s := inst.logs.String()
	inst.logs.Reset()
	return s
}

// Journal drains and clears the instance's recorded storage commands.
func (inst *Instance) Journal() []protocol.StorageCmd {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	j := inst.journal
	inst.journal = nil
	return j
}

// StopRequested reports whether the guest called aici_stop during the last
// lifecycle call.
func (inst *Instance) StopRequested() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stopRequested
}
