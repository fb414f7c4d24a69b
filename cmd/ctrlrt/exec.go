package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ctrlrt/ctrlrt/internal/bias"
	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/registry"
	"github.com/ctrlrt/ctrlrt/internal/sandbox"
	"github.com/ctrlrt/ctrlrt/internal/scheduler"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

// registryExec answers the control-plane pool's ops — mk_module,
// instantiate, tokens — the Go analogue of `impl Exec for ModuleRegistry`.
type registryExec struct {
	reg    *registry.Registry
	global *tokenizer.GlobalInfo
}

func (e *registryExec) Exec(ctx context.Context, op string, body json.RawMessage) (interface{}, error) {
	switch op {
	case "tokens":
		return map[string]uint32{"vocab_size": e.global.VocabSize}, nil
	case "mk_module":
		var req registry.MkModuleReq
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &protocol.ProtocolError{Op: op, Msg: err.Error()}
		}
		return e.reg.MkModule(ctx, req)
	case "instantiate":
		var req registry.InstantiateReq
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &protocol.ProtocolError{Op: op, Msg: err.Error()}
		}
		if err := e.reg.Instantiate(ctx, req); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil
	default:
		return nil, &protocol.ProtocolError{Op: op, Msg: "bad op"}
	}
}

// stepExec answers the data-plane pool's ops — step, tokens — the Go
// analogue of `impl Exec for Stepper`.
type stepExec struct {
	stepper *scheduler.Stepper
	arena   *bias.Arena
	global  *tokenizer.GlobalInfo
}

func newStepExec(reg *registry.Registry, limits sandbox.Limits, arena *bias.Arena, global *tokenizer.GlobalInfo) *stepExec {
	return &stepExec{
		stepper: scheduler.New(reg, limits),
		arena:   arena,
		global:  global,
	}
}

func (e *stepExec) Exec(ctx context.Context, op string, body json.RawMessage) (interface{}, error) {
	switch op {
	case "tokens":
		return map[string]uint32{"vocab_size": e.global.VocabSize}, nil
	case "step":
		var req protocol.StepRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &protocol.ProtocolError{Op: op, Msg: err.Error()}
		}
		return e.stepper.Step(ctx, req, e.arena)
	default:
		return nil, &protocol.ProtocolError{Op: op, Msg: fmt.Sprintf("bad op %q", op)}
	}
}
