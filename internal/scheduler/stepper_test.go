package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlrt/ctrlrt/internal/bias"
	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/sandbox"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

// loopingModuleWasm is a hand-assembled WASM binary (no toolchain involved),
// the same shape as the sandbox package's own busy-loop fixture: one
// exported memory (1 page) and one exported "aici_mid_process" whose body
// is an unconditional `(loop br 0)`. It lets execOp's deadline path be
// driven against a real wazero call instead of a module that just returns.
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "aici_mid_process") (loop br 0)))
var loopingModuleWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section: func 0 uses type 0
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: 1 memory, min 1 page
	0x07, 0x1d, 0x02, // export section: 2 exports
	0x10, 0x61, 0x69, 0x63, 0x69, 0x5f, 0x6d, 0x69, 0x64, 0x5f, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73, 0x73, 0x00, 0x00, // "aici_mid_process" func 0
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, // "memory" mem 0
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // code section: loop { br 0 }
}

func newTestStepper(t *testing.T, limits sandbox.Limits) (*Stepper, *sandbox.Host) {
	t.Helper()
	ctx := context.Background()
	tok := tokenizer.NewByteTokenizer()
	require.NoError(t, tok.Load())
	global, err := tokenizer.BuildGlobalInfo(tok, nil)
	require.NoError(t, err)

	host, err := sandbox.NewHost(ctx, global, limits)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close(ctx) })

	return New(nil, limits), host
}

func instantiateLoopingInstance(t *testing.T, host *sandbox.Host, seqID protocol.SeqId) *sandbox.Instance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, host.Precompile(ctx, "loop", loopingModuleWasm))

	tok := tokenizer.NewByteTokenizer()
	require.NoError(t, tok.Load())

	inst, err := host.Instantiate(ctx, tok, sandbox.InstantiateOpts{ModuleID: "loop", SeqID: seqID})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func TestStepperFreeOfUnknownIDIsNoop(t *testing.T) {
	s := New(nil, sandbox.Limits{MaxStepEpochs: 1000})
	assert.NotPanics(t, func() {
		s.free(context.Background(), []uint64{999})
	})
	assert.Empty(t, s.instances)
}

func TestArenaAcquireMatchesOpCount(t *testing.T) {
	vocabSize := uint32(16)
	slotSize := bias.SlotSize(vocabSize)
	region := make([]byte, slotSize*3)
	arena, err := bias.NewArena(region, slotSize)
	require.NoError(t, err)

	slots, err := arena.Acquire(3)
	require.NoError(t, err)
	assert.Len(t, slots, 3)

	_, err = arena.Acquire(1)
	assert.Error(t, err, "arena should be exhausted after leasing all slots")
}

// TestExecOpReportsNonSuccessAndMicrosAtStepDeadline exercises spec.md §8's
// deadline-enforcement property at the scheduler level: a busy-looping
// mid_process is reported non-success with Micros at or above
// max_step_epochs·EPOCH_MS·1000 (converting the epoch budget to
// microseconds), not left zero.
func TestExecOpReportsNonSuccessAndMicrosAtStepDeadline(t *testing.T) {
	limits := sandbox.Limits{MaxMemoryBytes: 65536, MaxInitEpochs: 1000, MaxStepEpochs: 5}
	s, host := newTestStepper(t, limits)
	inst := instantiateLoopingInstance(t, host, 1)

	s.mu.Lock()
	s.instances[1] = inst
	s.mu.Unlock()

	slotSize := bias.SlotSize(16)
	arena, err := bias.NewArena(make([]byte, slotSize), slotSize)
	require.NoError(t, err)
	slots, err := arena.Acquire(1)
	require.NoError(t, err)

	res := s.execOp(context.Background(), protocol.Op{Id: 1, Gen: 7}, slots[0])

	assert.False(t, res.IsSuccess)
	minMicros := uint64(limits.MaxStepEpochs) * uint64(sandbox.EpochDuration/1000)
	assert.GreaterOrEqual(t, res.Micros, minMicros, "deadline overrun must be reflected in the reported Micros")
}

// TestMaterializeCloneForksIntoLiveTable exercises spec.md §8's fork
// determinism property at the scheduler level: cloning a live instance adds
// a distinct instance under the child id, and re-cloning onto the same id
// is rejected as a duplicate rather than silently overwriting it.
func TestMaterializeCloneForksIntoLiveTable(t *testing.T) {
	limits := sandbox.Limits{MaxMemoryBytes: 2 * 65536, MaxInitEpochs: 1000, MaxStepEpochs: 1000}
	s, host := newTestStepper(t, limits)
	parent := instantiateLoopingInstance(t, host, 1)

	s.mu.Lock()
	s.instances[1] = parent
	s.mu.Unlock()

	cloneID := protocol.ModuleInstId(1)
	require.NoError(t, s.materializeClone(context.Background(), protocol.Op{Id: 2, CloneId: &cloneID}))

	s.mu.Lock()
	child, ok := s.instances[2]
	s.mu.Unlock()
	require.True(t, ok)
	assert.NotSame(t, parent, child)
	t.Cleanup(func() { child.Close(context.Background()) })

	err := s.materializeClone(context.Background(), protocol.Op{Id: 2, CloneId: &cloneID})
	assert.Error(t, err, "re-cloning onto a live id must not silently overwrite it")
}
