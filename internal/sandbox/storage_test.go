package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctrlrt/ctrlrt/internal/protocol"
)

func TestStorageSetThenGet(t *testing.T) {
	s := NewStorage()
	s.Apply(protocol.StorageCmd{Op: protocol.StorageSet, Name: "x", Value: []byte("1")})
	got := s.Apply(protocol.StorageCmd{Op: protocol.StorageGet, Name: "x"})
	assert.Equal(t, "1", string(got))
}

func TestStorageAppendAccumulates(t *testing.T) {
	s := NewStorage()
	s.Apply(protocol.StorageCmd{Op: protocol.StorageSet, Name: "x", Value: []byte("a")})
	s.Apply(protocol.StorageCmd{Op: protocol.StorageAppend, Name: "x", Value: []byte("b")})
	got := s.Apply(protocol.StorageCmd{Op: protocol.StorageGet, Name: "x"})
	assert.Equal(t, "ab", string(got))
}

func TestStorageReadVarUnsetReturnsNil(t *testing.T) {
	s := NewStorage()
	got := s.Apply(protocol.StorageCmd{Op: protocol.StorageReadVar, Name: "missing"})
	assert.Nil(t, got)
}

func TestStorageSnapshotIsIndependentCopy(t *testing.T) {
	s := NewStorage()
	s.Apply(protocol.StorageCmd{Op: protocol.StorageSet, Name: "x", Value: []byte("orig")})

	snap := s.Snapshot()
	s.Apply(protocol.StorageCmd{Op: protocol.StorageSet, Name: "x", Value: []byte("mutated")})

	got := snap.Apply(protocol.StorageCmd{Op: protocol.StorageGet, Name: "x"})
	assert.Equal(t, "orig", string(got))
}

func TestStorageCmdJournaledExcludesReadVar(t *testing.T) {
	assert.True(t, protocol.StorageCmd{Op: protocol.StorageSet}.Journaled())
	assert.True(t, protocol.StorageCmd{Op: protocol.StorageAppend}.Journaled())
	assert.True(t, protocol.StorageCmd{Op: protocol.StorageGet}.Journaled())
	assert.False(t, protocol.StorageCmd{Op: protocol.StorageReadVar}.Journaled())
}
