package shm

import (
	"context"
	"errors"
)

// ErrClosed is returned by Recv once a Local channel has been closed and
// drained.
var ErrClosed = errors.New("shm: channel closed")

// Local is an in-process MessageChannel backed by a buffered Go channel. It
// satisfies the same contract real shared memory does (one message per
// Send/Recv, FIFO order) without any OS-level IPC, so unit tests and
// single-process embedders of ctrlrt never need a real shared-memory
// segment or named semaphore.
type Local struct {
	ch     chan []byte
	closed chan struct{}
}

// NewLocal creates an in-process channel with the given buffer depth.
func NewLocal(depth int) *Local {
	return &Local{
		ch:     make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

func (l *Local) Send(msg []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case l.ch <- cp:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

func (l *Local) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-l.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-l.closed:
		select {
		case msg, ok := <-l.ch:
			if ok {
				return msg, nil
			}
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Close() error {
	select {
	case <-l.closed:
		// already closed
	default:
		close(l.closed)
		close(l.ch)
	}
	return nil
}

// NewLocalChannels builds a full in-process Channels set, one Local queue
// per named direction.
func NewLocalChannels(depth int) *Channels {
	return &Channels{
		Cmd:      NewLocal(depth),
		Resp:     NewLocal(depth),
		CmdSide:  NewLocal(depth),
		RespSide: NewLocal(depth),
	}
}
