package shm

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ringHeaderSize is the two monotonic byte counters (write, read) kept at
// the front of the region; the rest of the region is the ring's data area.
const ringHeaderSize = 8

// RingChannel is the real cross-process MessageChannel: a single-writer,
// single-reader length-prefixed byte ring carved out of a shared-memory
// Region, with a named semaphore signaling frame availability (spec.md §6:
// "bounded shared-memory ring buffers guarded by named semaphores; exactly
// one writer per direction"). Framing is a 4-byte little-endian length
// prefix followed by the payload, matching "length-prefix in the
// shared-memory ring".
//
// The write/read counters are monotonically increasing byte offsets (never
// reset to zero), wrapped into the data area with modulo arithmetic only
// when indexing; this is the standard trick for telling a full ring apart
// from an empty one without a separate counter.
type RingChannel struct {
	region *Region
	sem    *PosixSemaphore
	data   []byte
	closed chan struct{}
}

func newRingChannel(region *Region, sem *PosixSemaphore) (*RingChannel, error) {
	if len(region.Bytes()) <= ringHeaderSize {
		return nil, fmt.Errorf("shm: region too small for a ring header")
	}
	return &RingChannel{
		region: region,
		sem:    sem,
		data:   region.Bytes()[ringHeaderSize:],
		closed: make(chan struct{}),
	}, nil
}

// OpenChannels attaches to (or creates) the four named shared-memory
// channels of spec.md §6 under the given prefix, e.g. "/aici0-" yields
// "/aici0-cmd", "/aici0-resp", "/aici0-cmd-side", "/aici0-resp-side".
func OpenChannels(prefix string, jsonSizeBytes int) (*Channels, error) {
	cmd, err := openRingChannel(prefix+"cmd", jsonSizeBytes)
	if err != nil {
		return nil, err
	}
	resp, err := openRingChannel(prefix+"resp", jsonSizeBytes)
	if err != nil {
		cmd.Close()
		return nil, err
	}
	cmdSide, err := openRingChannel(prefix+"cmd-side", jsonSizeBytes)
	if err != nil {
		cmd.Close()
		resp.Close()
		return nil, err
	}
	respSide, err := openRingChannel(prefix+"resp-side", jsonSizeBytes)
	if err != nil {
		cmd.Close()
		resp.Close()
		cmdSide.Close()
		return nil, err
	}
	return &Channels{Cmd: cmd, Resp: resp, CmdSide: cmdSide, RespSide: respSide}, nil
}

func openRingChannel(name string, size int) (*RingChannel, error) {
	region, err := OpenRegion(name, size)
	if err != nil {
		return nil, err
	}
	sem, err := OpenSemaphore(name, 0)
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("shm: open semaphore %s: %w", name, err)
	}
	rc, err := newRingChannel(region, sem)
	if err != nil {
		region.Close()
		sem.Close()
		return nil, err
	}
	return rc, nil
}

func (c *RingChannel) positions() (write, read uint32) {
	return binary.LittleEndian.Uint32(c.region.Bytes()[0:4]), binary.LittleEndian.Uint32(c.region.Bytes()[4:8])
}

func (c *RingChannel) setWrite(v uint32) { binary.LittleEndian.PutUint32(c.region.Bytes()[0:4], v) }
func (c *RingChannel) setRead(v uint32)  { binary.LittleEndian.PutUint32(c.region.Bytes()[4:8], v) }

func (c *RingChannel) copyIn(offset uint32, src []byte) {
	capacity := uint32(len(c.data))
	at := offset % capacity
	n := uint32(copy(c.data[at:], src))
	if n < uint32(len(src)) {
		copy(c.data[0:], src[n:])
	}
}

func (c *RingChannel) copyOut(offset uint32, dst []byte) {
	capacity := uint32(len(c.data))
	at := offset % capacity
	n := uint32(copy(dst, c.data[at:]))
	if n < uint32(len(dst)) {
		copy(dst[n:], c.data[0:])
	}
}

// Send writes one length-prefixed frame and wakes the reader. Only the
// channel's single writer may call this.
func (c *RingChannel) Send(msg []byte) error {
	capacity := uint32(len(c.data))
	needed := uint32(4 + len(msg))
	if needed > capacity {
		return fmt.Errorf("shm: message of %d bytes exceeds ring capacity %d", len(msg), capacity)
	}

	write, read := c.positions()
	if write-read+needed > capacity {
		return fmt.Errorf("shm: ring full (in-flight %d, capacity %d)", write-read, capacity)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	c.copyIn(write, lenBuf[:])
	c.copyIn(write+4, msg)
	c.setWrite(write + needed)

	return c.sem.Post()
}

// Recv blocks until a frame is available or ctx is done, then returns it.
// Only the channel's single reader may call this.
func (c *RingChannel) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan error, 1)
	go func() { done <- c.sem.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}

	_, read := c.positions()
	var lenBuf [4]byte
	c.copyOut(read, lenBuf[:])
	n := binary.LittleEndian.Uint32(lenBuf[:])

	msg := make([]byte, n)
	c.copyOut(read+4, msg)
	c.setRead(read + 4 + n)
	return msg, nil
}

// Close releases this channel's region and semaphore. It does not Unlink
// the underlying shared-memory object or semaphore, since other attached
// processes may still hold them open.
func (c *RingChannel) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	var firstErr error
	if err := c.sem.Close(); err != nil {
		firstErr = err
	}
	if err := c.region.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
