package backend

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MemMap is one executable memory arena. The runtime patches code
// through the RW view and branches through the exec view; on platforms
// that allow a single RWX mapping the two views alias the same pages
// and the RW-side flush is a no-op.
type MemMap struct {
	data []byte
	exec []byte
	size int
}

// NewMemMap maps an anonymous arena of the given size.
func NewMemMap(size int, executable bool) (*MemMap, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot |= unix.PROT_EXEC
	}
	data, err := unix.Mmap(-1, 0, size, prot, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap code arena")
	}
	return &MemMap{data: data, exec: data, size: size}, nil
}

// Size returns the arena size.
func (m *MemMap) Size() int { return m.size }

// RW returns the writable view.
func (m *MemMap) RW() []byte { return m.data }

// Exec returns the executable view.
func (m *MemMap) Exec() []byte { return m.exec }

// Protect changes protection of a sub-range of the RW view.
func (m *MemMap) Protect(offset, size int, prot int) error {
	return errors.Wrap(unix.Mprotect(m.data[offset:offset+size], prot), "mprotect")
}

// Close unmaps both views.
func (m *MemMap) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.exec = nil
	return errors.Wrap(err, "munmap code arena")
}
