// Package scheduler implements the per-step algorithm of spec.md §4.4,
// grounded directly on aicirt's Stepper (original_source/aicirt/src/main.rs:
// Stepper::aici_step): free retired instances, materialize Prompt/Gen ops
// (including fork-by-clone), carve the bias arena into per-op slots, run
// every op's mid_process concurrently, and collect the results keyed by
// ModuleInstId.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctrlrt/ctrlrt/internal/bias"
	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/registry"
	"github.com/ctrlrt/ctrlrt/internal/sandbox"
)

// Stepper owns the live ModuleInstId → Instance table and the arena region
// the engine reuses across steps.
type Stepper struct {
	reg    *registry.Registry
	limits sandbox.Limits

	mu        sync.Mutex
	instances map[protocol.ModuleInstId]*sandbox.Instance
}

// New constructs a Stepper bound to the given registry (for resolving
// parked Prompt instances) and step-time resource limits.
func New(reg *registry.Registry, limits sandbox.Limits) *Stepper {
	return &Stepper{
		reg:       reg,
		limits:    limits,
		instances: map[protocol.ModuleInstId]*sandbox.Instance{},
	}
}

// Step runs one full step: free, materialize, carve, dispatch, collect. The
// returned map is keyed by decimal ModuleInstId string, matching the
// original runtime's JSON object response shape.
func (s *Stepper) Step(ctx context.Context, req protocol.StepRequest, arena *bias.Arena) (map[string]protocol.SequenceResult, error) {
	s.free(ctx, req.Freed)

	if err := s.materialize(ctx, req.Ops); err != nil {
		return nil, err
	}

	slots, err := arena.Acquire(len(req.Ops))
	if err != nil {
		return nil, &protocol.FatalRuntimeError{Msg: "bias arena exhausted", Err: err}
	}
	defer arena.Release(slots)

	results := make(map[string]protocol.SequenceResult, len(req.Ops))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, op := range req.Ops {
		op := op
		slot := slots[i]
		g.Go(func() error {
			res := s.execOp(gctx, op, slot)
			resultsMu.Lock()
			results[strconv.FormatUint(op.Id, 10)] = res
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Stepper) free(ctx context.Context, freed []protocol.ModuleInstId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range freed {
		if inst, ok := s.instances[id]; ok {
			inst.Close(ctx)
			delete(s.instances, id)
		}
	}
}

// materialize links clones and pulls parked prompts into the live instance
// table, the Go analogue of Stepper::mk_instance.
func (s *Stepper) materialize(ctx context.Context, ops []protocol.Op) error {
	for _, op := range ops {
		if op.IsPrompt {
			if err := s.materializePrompt(op); err != nil {
				return err
			}
			continue
		}
		if op.CloneId != nil {
			if err := s.materializeClone(ctx, op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Stepper) materializePrompt(op protocol.Op) error {
	pending, ok := s.reg.TakePending(op.ReqId)
	if !ok {
		return &protocol.RegistryError{Msg: fmt.Sprintf("invalid req_id %s", op.ReqId)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[op.Id]; exists {
		return &protocol.RegistryError{Msg: fmt.Sprintf("duplicate id %d", op.Id)}
	}
	s.instances[op.Id] = pending.Instance
	return nil
}

func (s *Stepper) materializeClone(ctx context.Context, op protocol.Op) error {
	s.mu.Lock()
	if _, exists := s.instances[op.Id]; exists {
		s.mu.Unlock()
		return &protocol.RegistryError{Msg: fmt.Sprintf("duplicate id %d", op.Id)}
	}
	parent, ok := s.instances[*op.CloneId]
	s.mu.Unlock()
	if !ok {
		return &protocol.RegistryError{Msg: fmt.Sprintf("invalid clone_id %d", *op.CloneId)}
	}

	child, err := parent.Fork(ctx, protocol.SeqId(op.Id))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.instances[op.Id] = child
	s.mu.Unlock()
	return nil
}

// execOp runs one Gen op's mid_process against its leased arena slot,
// translating the outcome into a SequenceResult. Prompt ops run
// init_prompt instead, since they have no prior token to feed mid_process.
// The whole dispatch is timed so every result — success or failure — carries
// its elapsed microseconds (spec.md §4.4 step 6, §8 deadline-enforcement).
func (s *Stepper) execOp(ctx context.Context, op protocol.Op, slot bias.Slot) protocol.SequenceResult {
	s.mu.Lock()
	inst, ok := s.instances[op.Id]
	s.mu.Unlock()
	if !ok {
		return protocol.SequenceResult{IsSuccess: false}
	}

	deadline, cancel := sandbox.Deadline(ctx, s.limits.MaxStepEpochs)
	defer cancel()

	start := time.Now()
	var res protocol.SequenceResult
	if op.IsPrompt {
		res = s.execPrompt(deadline, inst)
	} else {
		res = s.execGen(deadline, inst, op, slot)
	}
	res.Micros = uint64(time.Since(start).Microseconds())
	return res
}

func (s *Stepper) execPrompt(ctx context.Context, inst *sandbox.Instance) protocol.SequenceResult {
	if _, err := inst.InitPrompt(ctx, protocol.InitPromptArg{Prompt: inst.Prompt()}); err != nil {
		return failureResult(inst, err)
	}
	return successResult(inst, nil)
}

// execGen advances a live instance by one generated token. Modules that
// export aici_mid_process use the hotpath directly; modules built against
// only the legacy aici_pre_process entry point (SPEC_FULL.md §9's resolved
// Open Question: both coexist) fall back to a pre_process call translated
// into an equivalent SequenceResult, since pre_process has no logit-bias
// arena slot to fill.
func (s *Stepper) execGen(ctx context.Context, inst *sandbox.Instance, op protocol.Op, slot bias.Slot) protocol.SequenceResult {
	if !inst.Exports()["aici_mid_process"] {
		return s.execLegacyPreProcess(ctx, inst)
	}

	inst.SetArenaSlot(&slot)
	defer inst.SetArenaSlot(nil)

	arg := protocol.MidProcessArg{Sampled: op.Gen}
	res, _, err := inst.MidProcess(ctx, arg)
	if err != nil {
		return failureResult(inst, err)
	}
	return successResult(inst, res.Branches)
}

// execLegacyPreProcess runs aici_pre_process and maps its attention-mask
// result onto the same branch-directive shape mid_process callers expect:
// no masks stops the sequence, one mask continues it, more than one forks.
func (s *Stepper) execLegacyPreProcess(ctx context.Context, inst *sandbox.Instance) protocol.SequenceResult {
	res, err := inst.PreProcess(ctx, protocol.PreProcessArg{})
	if err != nil {
		return failureResult(inst, err)
	}
	if len(res.AttentionMasks) == 0 {
		return successResult(inst, []protocol.BranchDirective{{Kind: protocol.BranchStop}})
	}
	branches := make([]protocol.BranchDirective, len(res.AttentionMasks))
	for i := range res.AttentionMasks {
		branches[i] = protocol.BranchDirective{Kind: protocol.BranchSample}
	}
	return successResult(inst, branches)
}

// failureResult and successResult leave Micros zero; execOp fills it in once
// the op's total dispatch time (including any deadline wait) is known.
func failureResult(inst *sandbox.Instance, err error) protocol.SequenceResult {
	return protocol.SequenceResult{
		IsSuccess: false,
		Logs:      inst.Logs() + "\nerror: " + err.Error(),
	}
}

func successResult(inst *sandbox.Instance, branches []protocol.BranchDirective) protocol.SequenceResult {
	return protocol.SequenceResult{
		IsSuccess: true,
		Branches:  branches,
		Storage:   inst.Journal(),
		Logs:      inst.Logs(),
	}
}
