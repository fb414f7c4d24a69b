//go:build !((linux || darwin) && cgo)

package shm

import "sync"

// PosixSemaphore is the cgo-free fallback: an in-process counting
// semaphore keyed by name, good enough for tests and for embedding ctrlrt
// as a library in the same process as its engine. Real cross-process
// deployments should build with cgo enabled on linux/darwin, as the
// original runtime requires a real POSIX semaphore implementation.
type PosixSemaphore struct {
	name string
	ch   chan struct{}
}

var (
	fallbackMu    sync.Mutex
	fallbackSems  = map[string]*PosixSemaphore{}
)

func OpenSemaphore(name string, initial uint) (*PosixSemaphore, error) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	if s, ok := fallbackSems[name]; ok {
		return s, nil
	}
	s := &PosixSemaphore{name: name, ch: make(chan struct{}, 1<<20)}
	for i := uint(0); i < initial; i++ {
		s.ch <- struct{}{}
	}
	fallbackSems[name] = s
	return s, nil
}

func (s *PosixSemaphore) Post() error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *PosixSemaphore) Wait() error {
	<-s.ch
	return nil
}

func (s *PosixSemaphore) Close() error { return nil }

func (s *PosixSemaphore) Unlink() error {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	delete(fallbackSems, s.name)
	return nil
}
