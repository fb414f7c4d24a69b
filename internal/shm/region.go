//go:build linux

package shm

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Region is a POSIX shared-memory-backed byte buffer: a shm_open-style
// object under /dev/shm, mmap'd MAP_SHARED so every process that opens the
// same name sees the same bytes (spec.md §6: "Shared memory + named
// semaphores... prefix configurable"). On Linux, shm_open is itself just
// open(2) against /dev/shm, which is what this does directly rather than
// cgo-binding glibc's wrapper.
type Region struct {
	name string
	path string
	fd   int
	data []byte
}

// OpenRegion creates (or attaches to) a shared-memory region of the given
// size under the given logical name, e.g. "/aici0-bin".
func OpenRegion(name string, size int) (*Region, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %s to %d: %w", path, size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Region{name: name, path: path, fd: fd, data: data}, nil
}

// Bytes returns the mapped region's backing slice.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps and closes the region's file descriptor without removing the
// underlying object — other attached processes keep their mapping.
func (r *Region) Close() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = err
		}
		r.data = nil
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Unlink removes the shared-memory object from the filesystem namespace.
// Call once, after every attaching process has Close'd.
func (r *Region) Unlink() error {
	return unix.Unlink(r.path)
}

func shmPath(name string) string {
	return filepath.Join("/dev/shm", filepath.Base(name))
}
