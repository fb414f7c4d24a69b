// Package shm implements the IPC boundary of spec.md §4.5/§6: two duplex
// byte channels (cmd/resp, cmd-side/resp-side) carrying length-prefixed JSON
// frames over shared memory guarded by named semaphores, plus the raw
// binary bias arena region. A pure in-process implementation backs tests
// and embedders that don't need a real cross-process boundary.
package shm

import "context"

// MessageChannel is a typed duplex byte channel: one writer, one reader,
// per direction (spec.md §5). Send/Recv each carry one whole framed
// message; framing (length prefix) is the implementation's concern, not the
// caller's.
type MessageChannel interface {
	Send(msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Channels groups the four named JSON channels of spec.md §6: cmd/resp
// serve the data-plane (step/tokens), cmd-side/resp-side serve the
// control-plane (mk_module/instantiate/ping/stop).
type Channels struct {
	Cmd      MessageChannel
	Resp     MessageChannel
	CmdSide  MessageChannel
	RespSide MessageChannel
}

func (c *Channels) Close() error {
	var firstErr error
	for _, ch := range []MessageChannel{c.Cmd, c.Resp, c.CmdSide, c.RespSide} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
