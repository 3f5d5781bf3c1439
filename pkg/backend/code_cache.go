package backend

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrCacheFull is returned when an arena cannot fit an allocation.
var ErrCacheFull = errors.New("code cache full")

// CodeBuffer is one allocation out of a code cache: an exec pointer
// for branching, an RW pointer for patching, and the arena offset the
// JitCache descriptor records.
type CodeBuffer struct {
	Exec   []byte
	RW     []byte
	Offset uint32
}

// Flush writes the buffer out of the data caches and invalidates the
// instruction cache for the exec view.
func (b CodeBuffer) Flush() {
	ClearDCache(b.RW)
	ClearDCache(b.Exec)
	ClearICache(b.Exec)
}

// ExecAddr returns the branch target address of the buffer.
func (b CodeBuffer) ExecAddr() uintptr { return uintptr(unsafe.Pointer(&b.Exec[0])) }

// CodeCache is a bounded executable arena inside a module. Read-only
// modules get a bump allocator; mutable modules get a first-fit free
// list so translations can be dropped and replaced.
type CodeCache struct {
	mu            sync.Mutex
	instAlignment int
	maxSize       int
	readOnly      bool
	mem           *MemMap
	cursor        int

	// Free-list pool state for mutable modules.
	allocs map[int]int // offset -> size
	free   []span
}

type span struct {
	off  int
	size int
}

// NewCodeCache maps a new arena of the given size.
func NewCodeCache(cfg *Config, size int, readOnly bool) (*CodeCache, error) {
	mem, err := NewMemMap(size, true)
	if err != nil {
		return nil, err
	}
	c := &CodeCache{
		instAlignment: cfg.BackendISA.InstructionAlignment(),
		maxSize:       size,
		readOnly:      readOnly,
		mem:           mem,
	}
	if !readOnly {
		c.allocs = make(map[int]int)
		c.free = []span{{off: 0, size: size}}
	}
	return c, nil
}

// Close releases the arena.
func (c *CodeCache) Close() error { return c.mem.Close() }

// AllocCode carves an aligned buffer out of the arena.
func (c *CodeCache) AllocCode(size int) (CodeBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size = alignUp(size, c.instAlignment)

	var off int
	if c.readOnly {
		off = alignUp(c.cursor, c.instAlignment)
		if off+size > c.maxSize {
			return CodeBuffer{}, ErrCacheFull
		}
		c.cursor = off + size
	} else {
		found := -1
		for i, s := range c.free {
			start := alignUp(s.off, c.instAlignment)
			if start+size <= s.off+s.size {
				found = i
				off = start
				break
			}
		}
		if found < 0 {
			return CodeBuffer{}, ErrCacheFull
		}
		s := c.free[found]
		c.free = append(c.free[:found], c.free[found+1:]...)
		if off > s.off {
			c.free = append(c.free, span{off: s.off, size: off - s.off})
		}
		if end := off + size; end < s.off+s.size {
			c.free = append(c.free, span{off: end, size: s.off + s.size - end})
		}
		sort.Slice(c.free, func(i, j int) bool { return c.free[i].off < c.free[j].off })
		c.allocs[off] = size
	}

	return CodeBuffer{
		Exec:   c.mem.Exec()[off : off+size],
		RW:     c.mem.RW()[off : off+size],
		Offset: uint32(off),
	}, nil
}

// FreeCode returns a buffer to the pool; a no-op for read-only
// modules.
func (c *CodeCache) FreeCode(offset uint32) {
	if c.readOnly {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	size, ok := c.allocs[int(offset)]
	if !ok {
		return
	}
	delete(c.allocs, int(offset))
	c.free = append(c.free, span{off: int(offset), size: size})
	sort.Slice(c.free, func(i, j int) bool { return c.free[i].off < c.free[j].off })
	// Coalesce neighbors.
	merged := c.free[:1]
	for _, s := range c.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == s.off {
			last.size += s.size
		} else {
			merged = append(merged, s)
		}
	}
	c.free = merged
}

// Contains reports whether an exec address falls inside the arena.
func (c *CodeCache) Contains(addr uintptr) bool {
	base := uintptr(unsafe.Pointer(&c.mem.Exec()[0]))
	return addr >= base && addr < base+uintptr(c.maxSize)
}

// ExecPtr returns the exec address at offset, or 0 when out of range.
func (c *CodeCache) ExecPtr(offset uint32) uintptr {
	if int(offset) >= c.maxSize {
		return 0
	}
	return uintptr(unsafe.Pointer(&c.mem.Exec()[offset]))
}

// RWSliceFor returns the writable bytes aliasing an exec address, or
// nil when the address is outside the arena. Block-link patching goes
// through this view.
func (c *CodeCache) RWSliceFor(addr uintptr, size int) []byte {
	if !c.Contains(addr) {
		return nil
	}
	base := uintptr(unsafe.Pointer(&c.mem.Exec()[0]))
	off := int(addr - base)
	if off+size > c.maxSize {
		return nil
	}
	return c.mem.RW()[off : off+size]
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
