//go:build !linux

package shm

import (
	"fmt"
	"os"
)

// Region is the non-Linux fallback: it creates and sizes a regular
// temp-directory file, but Bytes returns a process-private zeroed buffer that
// is never read from or written to that file, so the region's contents are
// not shared with any other process. It honors the same API so the rest of
// ctrlrt is platform-agnostic; real cross-process shared memory requires
// building with the linux target, same as the original runtime's POSIX-only
// shared_memory dependency.
type Region struct {
	path string
	file *os.File
	data []byte
}

func OpenRegion(name string, size int) (*Region, error) {
	path := fmt.Sprintf("%s/ctrlrt-%s", os.TempDir(), sanitize(name))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	return &Region{path: path, file: f, data: make([]byte, size)}, nil
}

func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Close() error {
	return r.file.Close()
}

func (r *Region) Unlink() error {
	return os.Remove(r.path)
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}
