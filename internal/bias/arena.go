// Package bias implements the binary bias arena (spec.md §4.4, C2): a
// contiguous shared region carved into fixed-size per-sequence slots, one per
// live op in a step, each holding a vocabulary bitmask a controller writes
// through return_logit_bias.
package bias

import (
	"fmt"
	"sync"
)

// SlotSize returns the per-slot size in bytes for a vocabulary of the given
// size. Semantically only ceil(vocabSize/8) bytes are required, but the
// historical (and still-required, per spec.md §9) layout reserves
// vocabSize*4 bytes per slot.
func SlotSize(vocabSize uint32) int {
	return int(vocabSize) * 4
}

// Arena is the binary region split into disjoint slots per step. It is safe
// for one writer per slot to operate concurrently; Acquire/Release take a
// short-held mutex only around the free-list bookkeeping.
type Arena struct {
	mu       sync.Mutex
	region   []byte
	slotSize int
	free     []int // slot indices currently unassigned, in arbitrary order
}

// NewArena carves region (the raw bytes of the shared bias region) into
// fixed-size slots of slotSize bytes each.
func NewArena(region []byte, slotSize int) (*Arena, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("bias: slot size must be positive, got %d", slotSize)
	}
	if len(region) < slotSize {
		return nil, fmt.Errorf("bias: region of %d bytes too small for one %d-byte slot", len(region), slotSize)
	}
	n := len(region) / slotSize
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return &Arena{region: region, slotSize: slotSize, free: free}, nil
}

// NumSlots returns the total number of slots the arena was carved into.
func (a *Arena) NumSlots() int {
	return len(a.region) / a.slotSize
}

// SlotSize returns the configured per-slot size in bytes.
func (a *Arena) SlotSize() int { return a.slotSize }

// Slot is a lease on one arena slot: its byte offset within the arena and
// the backing byte slice a controller (or host on its behalf) writes into.
type Slot struct {
	Offset uint32
	Bytes  []byte
}

// Acquire leases n free slots, failing if fewer than n are available — the
// step scheduler requires "#slots >= #ops" (spec.md §3 invariant) before
// dispatching any op.
func (a *Arena) Acquire(n int) ([]Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) < n {
		return nil, fmt.Errorf("bias: requested %d slots but only %d free", n, len(a.free))
	}
	slots := make([]Slot, n)
	for i := 0; i < n; i++ {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		off := idx * a.slotSize
		slots[i] = Slot{
			Offset: uint32(off),
			Bytes:  a.region[off : off+a.slotSize],
		}
	}
	return slots, nil
}

// Release returns slots to the free list for reuse in a later step.
func (a *Arena) Release(slots []Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range slots {
		a.free = append(a.free, int(s.Offset)/a.slotSize)
	}
}

// Contains reports whether a byte range [offset, offset+length) lies fully
// inside the arena — used to verify the "bias arena disjointness" testable
// property end to end.
func (a *Arena) Contains(offset uint32, length int) bool {
	return int(offset)+length <= len(a.region) && length >= 0
}
