package backend

import (
	"sync"

	"j5.nz/svm/pkg/ir"
)

// InvalidCacheID marks a failed code-cache allocation.
const InvalidCacheID uint16 = 0xFFFF

// ModuleConfig is the per-module behavior bitset.
type ModuleConfig struct {
	ReadOnly      bool
	Optimizations Optimizations
}

// HasOpt reports whether the module enables the given optimizations.
func (m ModuleConfig) HasOpt(cmp Optimizations) bool { return m.Optimizations.Has(cmp) }

// moduleCodeCacheSize sizes a module's executable arena from its guest
// span; large spans are capped and served by additional arenas.
func moduleCodeCacheSize(spanSize uint64) int {
	const maxArena = 64 << 20
	if spanSize == 0 || 2*spanSize > maxArena {
		return maxArena
	}
	return alignUp(int(2*spanSize), 0x1000)
}

// Module covers a half-open guest range with its own block/function
// registry and lazily grown code caches.
type Module struct {
	cfg   *Config
	mcfg  ModuleConfig
	space *AddressSpace
	start ir.Location
	end   ir.Location

	mu        sync.RWMutex
	blocks    map[ir.Location]*ir.Block
	functions map[ir.Location]*ir.Function

	cacheMu   sync.RWMutex
	caches    map[uint16]*CodeCache
	nextCache uint16

	dispatchMu    sync.Mutex
	dispatchIndex map[ir.Location]uint32
	dispatchTable []uintptr
}

func newModule(cfg *Config, space *AddressSpace, start, end ir.Location, mcfg ModuleConfig) *Module {
	return &Module{
		cfg:           cfg,
		mcfg:          mcfg,
		space:         space,
		start:         start,
		end:           end,
		blocks:        make(map[ir.Location]*ir.Block),
		functions:     make(map[ir.Location]*ir.Function),
		caches:        make(map[uint16]*CodeCache),
		dispatchIndex: make(map[ir.Location]uint32),
	}
}

// Start returns the module's first guest location.
func (m *Module) Start() ir.Location { return m.start }

// End returns the location one past the module.
func (m *Module) End() ir.Location { return m.end }

// Contains reports whether loc falls inside the module.
func (m *Module) Contains(loc ir.Location) bool { return loc >= m.start && loc < m.end }

// ModuleConfig returns the per-module behavior bits.
func (m *Module) ModuleConfig() ModuleConfig { return m.mcfg }

// AddressSpace returns the owning address space.
func (m *Module) AddressSpace() *AddressSpace { return m.space }

// Config returns the creation-time configuration.
func (m *Module) Config() *Config { return m.cfg }

// PushBlock registers a block; at most one block per start location.
func (m *Module) PushBlock(b *ir.Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[b.StartLocation()]; ok {
		return false
	}
	b.Retain()
	m.blocks[b.StartLocation()] = b
	return true
}

// PushFunction registers a function; at most one per start location.
func (m *Module) PushFunction(f *ir.Function) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[f.StartLocation()]; ok {
		return false
	}
	f.Retain()
	m.functions[f.StartLocation()] = f
	return true
}

// GetBlock returns the block starting exactly at location, or nil.
func (m *Module) GetBlock(location ir.Location) *ir.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[location]
}

// GetFunction returns the function starting exactly at location, or
// nil.
func (m *Module) GetFunction(location ir.Location) *ir.Function {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.functions[location]
}

// RemoveBlock drops a block registration and its reference.
func (m *Module) RemoveBlock(b *ir.Block) {
	m.mu.Lock()
	delete(m.blocks, b.StartLocation())
	m.mu.Unlock()
	b.Release()
}

// RemoveFunction drops a function registration and its reference.
func (m *Module) RemoveFunction(f *ir.Function) {
	m.mu.Lock()
	delete(m.functions, f.StartLocation())
	m.mu.Unlock()
	f.Release()
}

// AllocCodeCache returns a buffer carved from the first arena with
// room, creating a new arena when all are full.
func (m *Module) AllocCodeCache(size int) (uint16, CodeBuffer, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for id, cache := range m.caches {
		if buf, err := cache.AllocCode(size); err == nil {
			return id, buf, nil
		}
	}
	arena := moduleCodeCacheSize(uint64(m.end - m.start))
	if arena < size {
		arena = alignUp(size, 0x1000)
	}
	cache, err := NewCodeCache(m.cfg, arena, m.mcfg.ReadOnly)
	if err != nil {
		return InvalidCacheID, CodeBuffer{}, err
	}
	id := m.nextCache
	m.nextCache++
	m.caches[id] = cache
	buf, err := cache.AllocCode(size)
	if err != nil {
		return InvalidCacheID, CodeBuffer{}, err
	}
	return id, buf, nil
}

// FindCodeCache returns the arena containing an exec address, or nil.
func (m *Module) FindCodeCache(addr uintptr) *CodeCache {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	for _, cache := range m.caches {
		if cache.Contains(addr) {
			return cache
		}
	}
	return nil
}

// GetJitCache resolves the compiled entry address for location,
// consulting the block registry first and the function registry
// second. Zero means not cached.
func (m *Module) GetJitCache(location ir.Location) uintptr {
	if b := m.GetBlock(location); b != nil {
		b.RLock()
		defer b.RUnlock()
		return m.GetJitCacheDesc(b.JitCache())
	}
	if f := m.GetFunction(location); f != nil {
		f.RLock()
		defer f.RUnlock()
		return m.GetJitCacheDesc(f.JitCache())
	}
	return 0
}

// GetJitCacheDesc dereferences a descriptor into an executable
// address; zero when the entry is not in the Cached state.
func (m *Module) GetJitCacheDesc(desc *ir.JitCache) uintptr {
	if desc.State() != ir.JitCached {
		return 0
	}
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	cache, ok := m.caches[desc.CacheID]
	if !ok {
		return 0
	}
	return cache.ExecPtr(desc.Offset)
}

// DispatchIndex assigns (or returns) the dense dispatch-table slot of
// a location; IndirectBlockLink jumps through this table.
func (m *Module) DispatchIndex(location ir.Location) uint32 {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	if idx, ok := m.dispatchIndex[location]; ok {
		return idx
	}
	idx := uint32(len(m.dispatchTable))
	m.dispatchIndex[location] = idx
	m.dispatchTable = append(m.dispatchTable, 0)
	return idx
}

// SetDispatchEntry installs a compiled target in the dispatch table.
func (m *Module) SetDispatchEntry(location ir.Location, target uintptr) {
	idx := m.DispatchIndex(location)
	m.dispatchMu.Lock()
	m.dispatchTable[idx] = target
	m.dispatchMu.Unlock()
}

// Close releases all code caches.
func (m *Module) Close() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for _, cache := range m.caches {
		_ = cache.Close()
	}
	m.caches = map[uint16]*CodeCache{}
}
