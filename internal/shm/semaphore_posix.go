//go:build (linux || darwin) && cgo

package shm

/*
#include <semaphore.h>
#include <fcntl.h>
#include <errno.h>
#include <stdlib.h>

// sem_open is variadic, which cgo cannot call directly.
static sem_t *ctrlrt_sem_open(const char *name, int oflag, mode_t mode, unsigned int value) {
	return sem_open(name, oflag, mode, value);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// PosixSemaphore is a named POSIX semaphore (sem_open/sem_post/sem_wait),
// the cross-process signaling primitive the original runtime pairs with its
// shared-memory region (spec.md §6: "named semaphore channel"). It is the
// only part of ctrlrt that uses cgo, mirroring how the corpus reaches for
// cgo (mattn/go-sqlite3 in the beads example) only where a real OS/libc
// primitive has no pure-Go equivalent.
type PosixSemaphore struct {
	name string
	sem  unsafe.Pointer
}

// OpenSemaphore creates or attaches to a named semaphore, e.g. "/aici0-cmd".
func OpenSemaphore(name string, initial uint) (*PosixSemaphore, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	sem, errno := C.ctrlrt_sem_open(cname, C.O_CREAT, C.mode_t(0o600), C.uint(initial))
	if sem == nil {
		return nil, fmt.Errorf("shm: sem_open %s: %v", name, errno)
	}
	return &PosixSemaphore{name: name, sem: unsafe.Pointer(sem)}, nil
}

func (s *PosixSemaphore) Post() error {
	if ret, errno := C.sem_post((*C.sem_t)(s.sem)); ret != 0 {
		return fmt.Errorf("shm: sem_post %s: %v", s.name, errno)
	}
	return nil
}

func (s *PosixSemaphore) Wait() error {
	if ret, errno := C.sem_wait((*C.sem_t)(s.sem)); ret != 0 {
		return fmt.Errorf("shm: sem_wait %s: %v", s.name, errno)
	}
	return nil
}

func (s *PosixSemaphore) Close() error {
	if ret, errno := C.sem_close((*C.sem_t)(s.sem)); ret != 0 {
		return fmt.Errorf("shm: sem_close %s: %v", s.name, errno)
	}
	return nil
}

func (s *PosixSemaphore) Unlink() error {
	cname := C.CString(s.name)
	defer C.free(unsafe.Pointer(cname))
	if ret, errno := C.sem_unlink(cname); ret != 0 {
		return fmt.Errorf("shm: sem_unlink %s: %v", s.name, errno)
	}
	return nil
}
