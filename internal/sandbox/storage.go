package sandbox

import (
	"sync"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
)

// Storage is a per-instance key/value store for the Set/Append/Get/ReadVar
// storage_cmd family every guest can issue during any lifecycle phase
// (spec.md §3).
type Storage struct {
	mu   sync.Mutex
	vars map[string][]byte
}

// NewStorage returns an empty store.
func NewStorage() *Storage {
	return &Storage{vars: map[string][]byte{}}
}

// Apply executes one command and returns the bytes owed back to the guest
// (empty for Set/Append, the stored value for Get/ReadVar).
func (s *Storage) Apply(cmd protocol.StorageCmd) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case protocol.StorageSet:
		s.vars[cmd.Name] = append([]byte(nil), cmd.Value...)
		return nil
	case protocol.StorageAppend:
		s.vars[cmd.Name] = append(s.vars[cmd.Name], cmd.Value...)
		return nil
	case protocol.StorageGet, protocol.StorageReadVar:
		return s.vars[cmd.Name]
	default:
		return nil
	}
}

// Snapshot returns a deep copy of every variable, used when forking an
// instance by cloning its state.
func (s *Storage) Snapshot() *Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := NewStorage()
	for k, v := range s.vars {
		clone.vars[k] = append([]byte(nil), v...)
	}
	return clone
}
