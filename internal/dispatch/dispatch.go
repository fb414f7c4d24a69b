// Package dispatch wires the shared-memory command/response channels to the
// two worker pools the engine runs on, grounded on aicirt's CmdRespChannel
// and main()'s rayon pool split (original_source/aicirt/src/main.rs): a
// low-priority control-plane pool (mk_module/instantiate/tokens) sized at
// BGThreadsFraction of available cores, and a high-priority data-plane pool
// (step) sized at StepThreadsFraction, so a burst of module installs never
// starves the decoding hot path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/shm"
)

// BGThreadsFraction and StepThreadsFraction are percentages of
// runtime.NumCPU() used to size the control-plane and data-plane pools.
const (
	BGThreadsFraction   = 50
	StepThreadsFraction = 90
)

// PoolSizes returns the worker counts for both pools given the number of
// available cores, floored at 1 so a single-core box still makes progress.
func PoolSizes(cores int) (bg, step int) {
	bg = cores * BGThreadsFraction / 100
	step = cores * StepThreadsFraction / 100
	if bg < 1 {
		bg = 1
	}
	if step < 1 {
		step = 1
	}
	return bg, step
}

// Exec handles one decoded request body and returns its "data" payload, or
// an error to be reported as an error envelope. ping/stop are handled
// before Exec is ever called.
type Exec interface {
	Exec(ctx context.Context, op string, body json.RawMessage) (interface{}, error)
}

// Dispatcher pumps one MessageChannel pair (cmd in, resp out) through a
// bounded worker pool running exec for every request, the Go analogue of
// aicirt's CmdRespChannel::dispatch_loop.
type Dispatcher struct {
	channels *shm.Channels
	exec     Exec
	sem      *semaphore.Weighted
	onStop   func()
	logger   *slog.Logger

	// highPriority marks the data-plane (step) dispatcher, the Go stand-in
	// for rayon's higher-priority thread pool: best-effort only, since Go's
	// scheduler doesn't let a pool pin work to dedicated OS threads.
	highPriority bool
}

// New constructs a Dispatcher bound to channels, running exec on a pool of
// poolSize concurrent workers. A nil logger falls back to slog.Default().
func New(channels *shm.Channels, exec Exec, poolSize int, onStop func(), logger *slog.Logger, highPriority bool) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels:     channels,
		exec:         exec,
		sem:          semaphore.NewWeighted(int64(poolSize)),
		onStop:       onStop,
		logger:       logger,
		highPriority: highPriority,
	}
}

// stepPoolNiceness is the target process niceness the data-plane dispatcher
// attempts, a rough analogue of the original runtime's thread-priority bump
// for its step pool.
const stepPoolNiceness = -10

// trySetPriority best-effort raises the calling process's scheduling
// priority; common on a production host without CAP_SYS_NICE, in which case
// it logs a warning and the pool simply runs at default priority.
func trySetPriority(logger *slog.Logger) {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, stepPoolNiceness); err != nil {
		logger.Warn("best-effort setpriority failed, degrading to default priority", "err", err)
	}
}

// Run pumps messages off channels.Cmd until ctx is cancelled, dispatching
// each onto the worker pool. It returns when ctx is done or the channel is
// closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.highPriority {
		trySetPriority(d.logger)
	}
	for {
		msg, err := d.channels.Cmd.Recv(ctx)
		if err != nil {
			if err == shm.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		go func(msg []byte) {
			defer d.sem.Release(1)
			resp := d.execWrapped(ctx, msg)
			if resp != nil {
				_ = d.channels.Resp.Send(resp)
			}
		}(msg)
	}
}

// execWrapped mirrors Exec::exec_wrapped: peek the envelope, handle
// ping/stop inline, dispatch everything else to the bound Exec, and marshal
// the outcome back into an Envelope. Returns nil for "stop", which never
// produces a response (the process exits instead).
func (d *Dispatcher) execWrapped(ctx context.Context, msg []byte) []byte {
	op, rid, ok := protocol.PeekRequest(msg)
	if !ok {
		return mustMarshal(protocol.JSONErrorEnvelope(fmt.Errorf("invalid json request")))
	}

	switch op {
	case "ping":
		return mustMarshal(protocol.OkEnvelope(rid, map[string]int{"pong": 1}))
	case "stop":
		if d.onStop != nil {
			d.onStop()
		}
		return nil
	}

	data, err := d.exec.Exec(ctx, op, msg)
	if err != nil {
		return mustMarshal(protocol.ErrorEnvelope(rid, err))
	}
	return mustMarshal(protocol.OkEnvelope(rid, data))
}

func mustMarshal(env protocol.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"type":"error","error":"internal: failed to marshal response"}`)
	}
	return b
}

// DefaultCores returns runtime.NumCPU(), the basis PoolSizes scales from.
func DefaultCores() int { return runtime.NumCPU() }
