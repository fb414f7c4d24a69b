// Package sandbox wraps wazero to run controller WASM modules under the
// memory and step-deadline limits spec.md assigns each ModuleInst. It keeps
// to the "precompile + load" boundary spec.md draws around the bytecode
// compiler/verifier: ctrlrt never touches wazero's internal IR, it only
// calls the public Runtime/CompiledModule/Module API, the same surface the
// DeBrosOfficial-network serverless engine uses to run its own sandboxed
// WASM handlers.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

// Limits bounds what a single ModuleInst may consume, mirroring the --wasm-*
// CLI flags of the original runtime (spec.md §6).
type Limits struct {
	MaxMemoryBytes uint64
	MaxInitEpochs  uint64
	MaxStepEpochs  uint64
}

// Host owns the wazero runtime shared by every ModuleInst, plus the global
// tokenizer info every guest queries through the host_trie/tokenize family
// of imports. One Host exists per ctrlrt process.
type Host struct {
	runtime wazero.Runtime
	global  *tokenizer.GlobalInfo
	limits  Limits

	compiledMu sync.RWMutex
	compiled   map[protocol.ModuleId]wazero.CompiledModule
}

// NewHost constructs a Host bound to the given global tokenizer info and
// resource limits. The underlying runtime lives until Close is called.
func NewHost(ctx context.Context, global *tokenizer.GlobalInfo, limits Limits) (*Host, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(limits.MaxMemoryBytes / (64 * 1024)))

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	h := &Host{
		runtime:  rt,
		global:   global,
		limits:   limits,
		compiled: map[protocol.ModuleId]wazero.CompiledModule{},
	}
	if err := h.buildHostModule(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Close releases the runtime and every compiled module cached on it.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Precompile verifies and compiles wasm bytes for the given module id,
// caching the result so repeated Instantiate calls skip recompilation —
// this is the "precompile" half of the boundary spec.md §1 leaves outside
// ctrlrt's own scope; the verifier itself lives entirely inside wazero.
func (h *Host) Precompile(ctx context.Context, id protocol.ModuleId, wasmBytes []byte) error {
	h.compiledMu.RLock()
	_, ok := h.compiled[id]
	h.compiledMu.RUnlock()
	if ok {
		return nil
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &protocol.RegistryError{Msg: fmt.Sprintf("compile %s: %v", id, err)}
	}

	h.compiledMu.Lock()
	h.compiled[id] = compiled
	h.compiledMu.Unlock()
	return nil
}

// Invalidate drops a cached compiled module, e.g. when its registry entry
// is evicted.
func (h *Host) Invalidate(ctx context.Context, id protocol.ModuleId) {
	h.compiledMu.Lock()
	compiled, ok := h.compiled[id]
	delete(h.compiled, id)
	h.compiledMu.Unlock()
	if ok {
		compiled.Close(ctx)
	}
}

func (h *Host) compiledFor(id protocol.ModuleId) (wazero.CompiledModule, bool) {
	h.compiledMu.RLock()
	defer h.compiledMu.RUnlock()
	c, ok := h.compiled[id]
	return c, ok
}

// EpochDuration is the logical clock granularity the Limits.Max*Epochs
// budgets are expressed in (the --wasm-max-*-time flags are converted to
// epochs by internal/config), 1ms to match the original runtime's epoch tick.
const EpochDuration = 1 * 1000 * 1000 // nanoseconds

// Deadline converts a configured epoch budget into an absolute wall-clock
// context, used with wazero.RuntimeConfig.WithCloseOnContextDone so a
// runaway guest call is aborted the moment its budget is spent rather than
// only at the next safepoint.
func Deadline(parent context.Context, epochs uint64) (context.Context, context.CancelFunc) {
	budget := time.Duration(epochs) * time.Duration(EpochDuration)
	return context.WithTimeout(parent, budget)
}
