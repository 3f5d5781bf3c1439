package ir

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Function is an ordered-by-location collection of blocks sharing one
// compiled artifact. Reference counted like Block.
type Function struct {
	id       uint32
	location Location
	blocks   []*Block // sorted by start location
	mu       sync.RWMutex
	refs     atomic.Int32
	jit      JitCache
}

// NewFunction creates an empty function starting at location.
func NewFunction(location Location) *Function {
	f := &Function{location: location}
	f.refs.Store(1)
	return f
}

// StartLocation returns the function's entry location.
func (f *Function) StartLocation() Location { return f.location }

// JitCache returns the function's code-cache descriptor.
func (f *Function) JitCache() *JitCache { return &f.jit }

// Retain takes a reference.
func (f *Function) Retain() { f.refs.Add(1) }

// Release drops a reference; the last release releases the blocks.
func (f *Function) Release() {
	if f.refs.Add(-1) == 0 {
		for _, b := range f.blocks {
			b.Release()
		}
		f.blocks = nil
	}
}

// RLock / RUnlock / Lock / Unlock expose the function's reader/writer
// lock.
func (f *Function) RLock()   { f.mu.RLock() }
func (f *Function) RUnlock() { f.mu.RUnlock() }
func (f *Function) Lock()    { f.mu.Lock() }
func (f *Function) Unlock()  { f.mu.Unlock() }

// AddBlock inserts a block keeping location order; at most one block
// per start location.
func (f *Function) AddBlock(b *Block) bool {
	idx := sort.Search(len(f.blocks), func(i int) bool {
		return f.blocks[i].StartLocation() >= b.StartLocation()
	})
	if idx < len(f.blocks) && f.blocks[idx].StartLocation() == b.StartLocation() {
		return false
	}
	b.Retain()
	f.blocks = append(f.blocks, nil)
	copy(f.blocks[idx+1:], f.blocks[idx:])
	f.blocks[idx] = b
	return true
}

// EntryBlock returns the block at the function's start location.
func (f *Function) EntryBlock() *Block { return f.FindBlock(f.location) }

// FindBlock returns the block starting exactly at location, or nil.
func (f *Function) FindBlock(location Location) *Block {
	idx := sort.Search(len(f.blocks), func(i int) bool {
		return f.blocks[i].StartLocation() >= location
	})
	if idx < len(f.blocks) && f.blocks[idx].StartLocation() == location {
		return f.blocks[idx]
	}
	return nil
}

// Blocks returns the blocks in location order.
func (f *Function) Blocks() []*Block { return f.blocks }

// Compare orders functions by start location.
func (f *Function) Compare(other *Function) int {
	switch {
	case f.location < other.location:
		return -1
	case f.location > other.location:
		return 1
	default:
		return 0
	}
}
