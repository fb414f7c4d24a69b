// Package registry implements the content-addressed module cache and
// req_id-keyed pending-instance table of spec.md §4.2/§4.4, grounded
// directly on aicirt's ModuleRegistry (original_source/aicirt/src/main.rs):
// mk_module hashes sha256(meta‖wasm) into a module id, writes the wasm bytes
// to {id}.bin and {id}.wasm and the meta to {id}.json, and precompiles the
// module into the sandbox host's in-memory table; the compiled form itself is
// not written to disk. instantiate parks a freshly materialized instance under its req_id until
// the next step picks it up.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/sandbox"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// MkModuleReq is the wire request for installing a new controller module.
type MkModuleReq struct {
	Binary string          `json:"binary"` // base64-encoded wasm bytes
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// MkModuleResp reports the content-addressed id assigned to the module. Time
// is the wall-clock milliseconds spent in persistIfAbsent/Precompile for this
// call — near-zero on a cache hit, which is how a caller verifies content
// addressing without inspecting the cache directory itself (spec.md §8).
type MkModuleResp struct {
	ModuleID     protocol.ModuleId `json:"module_id"`
	WasmSize     int               `json:"wasm_size"`
	MetaSize     int               `json:"meta_size"`
	CompiledSize int               `json:"compiled_size"`
	Time         float64           `json:"time"`
}

// InstantiateReq parks a new instance of a cached module under req_id, to
// be picked up as a Prompt op at the next step (spec.md §4.4).
type InstantiateReq struct {
	ReqID     string            `json:"req_id"`
	Prompt    json.RawMessage   `json:"prompt"` // string or []TokenId
	ModuleID  protocol.ModuleId `json:"module_id"`
	ModuleArg json.RawMessage   `json:"module_arg,omitempty"`
}

// Pending is a parked, not-yet-stepped instance plus the materialized
// prompt token ids it will run init_prompt with on its first step.
type Pending struct {
	Instance *sandbox.Instance
	Prompt   []protocol.TokenId
}

// Registry owns the on-disk module cache and the req_id→Pending table.
// One Registry per ctrlrt process, shared read-mostly across both
// dispatch-pool goroutines (spec.md §5: control-plane/data-plane pools).
type Registry struct {
	cacheDir string
	host     *sandbox.Host
	tok      tokenizer.Tokenizer

	mu      sync.Mutex
	pending map[string]*Pending
}

// New constructs a Registry rooted at cacheDir (created lazily on first
// write, mirroring create_module's create_dir_all).
func New(cacheDir string, host *sandbox.Host, tok tokenizer.Tokenizer) *Registry {
	return &Registry{
		cacheDir: cacheDir,
		host:     host,
		tok:      tok,
		pending:  map[string]*Pending{},
	}
}

func (r *Registry) binPath(id protocol.ModuleId) string  { return filepath.Join(r.cacheDir, id+".bin") }
func (r *Registry) jsonPath(id protocol.ModuleId) string { return filepath.Join(r.cacheDir, id+".json") }
func (r *Registry) wasmPath(id protocol.ModuleId) string { return filepath.Join(r.cacheDir, id+".wasm") }

// MkModule content-addresses wasmBytes‖metaBytes, persists the three cache
// files if not already present, and precompiles the module into the
// sandbox host so instantiate calls never pay compilation cost again.
func (r *Registry) MkModule(ctx context.Context, req MkModuleReq) (*MkModuleResp, error) {
	wasmBytes, err := decodeBase64(req.Binary)
	if err != nil {
		return nil, &protocol.RegistryError{Msg: fmt.Sprintf("mk_module: invalid base64: %v", err)}
	}
	metaBytes := req.Meta
	if len(metaBytes) == 0 {
		metaBytes = []byte("null")
	}
	var probe interface{}
	if err := json.Unmarshal(metaBytes, &probe); err != nil {
		return nil, &protocol.RegistryError{Msg: fmt.Sprintf("mk_module: meta is not valid json: %v", err)}
	}

	sum := sha256.New()
	sum.Write(metaBytes)
	sum.Write(wasmBytes)
	id := hex.EncodeToString(sum.Sum(nil))

	start := time.Now()
	compiledSize, err := r.persistIfAbsent(id, wasmBytes, metaBytes)
	if err != nil {
		return nil, err
	}
	if err := r.host.Precompile(ctx, id, wasmBytes); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	return &MkModuleResp{
		ModuleID:     id,
		WasmSize:     len(wasmBytes),
		MetaSize:     len(metaBytes),
		CompiledSize: compiledSize,
		Time:         elapsed.Seconds() * 1000,
	}, nil
}

func (r *Registry) persistIfAbsent(id protocol.ModuleId, wasmBytes, metaBytes []byte) (int, error) {
	if info, err := os.Stat(r.binPath(id)); err == nil {
		return int(info.Size()), nil
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return 0, &protocol.RegistryError{Msg: err.Error()}
	}
	if err := os.WriteFile(r.binPath(id), wasmBytes, 0o644); err != nil {
		return 0, &protocol.RegistryError{Msg: err.Error()}
	}
	if err := os.WriteFile(r.jsonPath(id), metaBytes, 0o644); err != nil {
		return 0, &protocol.RegistryError{Msg: err.Error()}
	}
	if err := os.WriteFile(r.wasmPath(id), wasmBytes, 0o644); err != nil {
		return 0, &protocol.RegistryError{Msg: err.Error()}
	}
	return len(wasmBytes), nil
}

// LoadWasm returns the cached wasm bytes for a module id not yet precompiled
// in this process's Host (e.g. after a restart with a warm cache dir).
func (r *Registry) LoadWasm(id protocol.ModuleId) ([]byte, error) {
	data, err := os.ReadFile(r.wasmPath(id))
	if err != nil {
		return nil, &protocol.RegistryError{Msg: fmt.Sprintf("%s not found: %v", id, err)}
	}
	return data, nil
}

// Instantiate materializes a new instance of moduleID, tokenizing its
// prompt if given as a string, and parks it under req_id for the next step.
func (r *Registry) Instantiate(ctx context.Context, req InstantiateReq) error {
	wasmBytes, err := r.LoadWasm(req.ModuleID)
	if err != nil {
		return err
	}
	if err := r.host.Precompile(ctx, req.ModuleID, wasmBytes); err != nil {
		return err
	}

	argBytes, err := moduleArgBytes(req.ModuleArg)
	if err != nil {
		return &protocol.ProtocolError{Op: "instantiate", Msg: err.Error()}
	}

	inst, err := r.host.Instantiate(ctx, r.tok, sandbox.InstantiateOpts{
		ModuleID: req.ModuleID,
		SeqID:    protocol.SeqId(protocol.SentinelInstId),
		ArgBytes: argBytes,
	})
	if err != nil {
		return err
	}

	prompt, err := r.resolvePrompt(req.Prompt, inst)
	if err != nil {
		inst.Close(ctx)
		return &protocol.ProtocolError{Op: "instantiate", Msg: err.Error()}
	}
	inst.SetPrompt(prompt)

	r.mu.Lock()
	r.pending[req.ReqID] = &Pending{Instance: inst, Prompt: prompt}
	r.mu.Unlock()
	return nil
}

func (r *Registry) resolvePrompt(raw json.RawMessage, inst *sandbox.Instance) ([]protocol.TokenId, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return r.tok.Encode(asString)
	}
	var asInts []protocol.TokenId
	if err := json.Unmarshal(raw, &asInts); err == nil {
		return asInts, nil
	}
	return nil, fmt.Errorf("expecting string or int array as prompt")
}

func moduleArgBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []byte(asString), nil
	}
	return raw, nil
}

// TakePending removes and returns the parked instance for req_id, called
// when a step's Prompt op materializes it under a real ModuleInstId.
func (r *Registry) TakePending(reqID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
	}
	return p, ok
}
