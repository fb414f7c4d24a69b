package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlrt/ctrlrt/internal/sandbox"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

// minimalWasm is the smallest valid WASM module: magic number + version,
// no sections. wazero compiles it without error, which is all the
// content-addressing test below needs — it never instantiates or runs it.
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	ctx := context.Background()
	tok := tokenizer.NewByteTokenizer()
	require.NoError(t, tok.Load())
	global, err := tokenizer.BuildGlobalInfo(tok, nil)
	require.NoError(t, err)

	host, err := sandbox.NewHost(ctx, global, sandbox.Limits{
		MaxMemoryBytes: 16 * 1024 * 1024,
		MaxInitEpochs:  1000,
		MaxStepEpochs:  1000,
	})
	require.NoError(t, err)

	r := New(t.TempDir(), host, tok)
	return r, func() { host.Close(ctx) }
}

func TestDecodeBase64RoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x61, 0x73, 0x6d}
	enc := base64.StdEncoding.EncodeToString(raw)

	got, err := decodeBase64(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestModuleArgBytesStringUnwraps(t *testing.T) {
	raw, err := json.Marshal("hello")
	require.NoError(t, err)

	got, err := moduleArgBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestModuleArgBytesObjectPassesThroughJSON(t *testing.T) {
	raw := json.RawMessage(`{"k":1}`)
	got, err := moduleArgBytes(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(got))
}

func TestModuleArgBytesEmptyIsNil(t *testing.T) {
	got, err := moduleArgBytes(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistryTakePendingMissingReturnsFalse(t *testing.T) {
	r := &Registry{pending: map[string]*Pending{}}
	_, ok := r.TakePending("nope")
	assert.False(t, ok)
}

// TestMkModuleContentAddressingIsIdempotent exercises spec.md §8's
// content-addressing property: mk_module twice with the same (meta, binary)
// returns the same module_id, never rewrites the cache files, and reports a
// near-zero Time on the second call since persistIfAbsent/Precompile both
// short-circuit on a repeat id.
func TestMkModuleContentAddressingIsIdempotent(t *testing.T) {
	r, closeHost := newTestRegistry(t)
	defer closeHost()
	ctx := context.Background()

	req := MkModuleReq{
		Binary: base64.StdEncoding.EncodeToString(minimalWasm),
		Meta:   json.RawMessage(`{"k":1}`),
	}

	first, err := r.MkModule(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.ModuleID)

	binBefore, err := os.ReadFile(filepath.Join(r.cacheDir, first.ModuleID+".bin"))
	require.NoError(t, err)
	metaBefore, err := os.ReadFile(filepath.Join(r.cacheDir, first.ModuleID+".json"))
	require.NoError(t, err)

	second, err := r.MkModule(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ModuleID, second.ModuleID)
	assert.Equal(t, first.WasmSize, second.WasmSize)
	assert.Equal(t, first.CompiledSize, second.CompiledSize)

	binAfter, err := os.ReadFile(filepath.Join(r.cacheDir, first.ModuleID+".bin"))
	require.NoError(t, err)
	metaAfter, err := os.ReadFile(filepath.Join(r.cacheDir, first.ModuleID+".json"))
	require.NoError(t, err)
	assert.Equal(t, binBefore, binAfter)
	assert.Equal(t, metaBefore, metaAfter)

	assert.Less(t, second.Time, 20.0, "second mk_module call should be a cache hit, not a recompile")
}

// TestMkModuleDifferentMetaYieldsDifferentId confirms the hash actually
// covers meta_bytes, not just the wasm payload.
func TestMkModuleDifferentMetaYieldsDifferentId(t *testing.T) {
	r, closeHost := newTestRegistry(t)
	defer closeHost()
	ctx := context.Background()

	binary := base64.StdEncoding.EncodeToString(minimalWasm)
	a, err := r.MkModule(ctx, MkModuleReq{Binary: binary, Meta: json.RawMessage(`{"k":1}`)})
	require.NoError(t, err)
	b, err := r.MkModule(ctx, MkModuleReq{Binary: binary, Meta: json.RawMessage(`{"k":2}`)})
	require.NoError(t, err)

	assert.NotEqual(t, a.ModuleID, b.ModuleID)
}
