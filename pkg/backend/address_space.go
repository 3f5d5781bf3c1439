package backend

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"j5.nz/svm/pkg/ir"
)

// ErrOverlap is returned when a module mapping overlaps an existing
// one.
var ErrOverlap = errors.New("module range overlaps an existing module")

// AddressSpace is the root container: the module range map, the shared
// L2 translate table, the default module spanning the full range, and
// the trampolines shared by every runtime thread.
type AddressSpace struct {
	cfg Config

	mu      sync.RWMutex
	modules *btree.BTreeG[*Module]

	defaultModule *Module
	table         *TranslateTable
	tramp         Trampolines

	hostFuncs HostFunctionRegistry
}

// RegisterHostFunction installs a host function at its guest address.
func (s *AddressSpace) RegisterHostFunction(fn *HostFunction) {
	s.hostFuncs.RegisterHostFunction(fn)
}

// LookupHostFunction resolves a registered host function by guest
// address.
func (s *AddressSpace) LookupHostFunction(addr ir.Location) *HostFunction {
	return s.hostFuncs.LookupHostFunction(addr)
}

// NewAddressSpace builds an address space from config. Trampolines are
// built when the JIT is enabled and a backend for the configured ISA
// is linked in.
func NewAddressSpace(cfg Config) (*AddressSpace, error) {
	cfg.Normalize()
	s := &AddressSpace{
		cfg: cfg,
		modules: btree.NewG[*Module](8, func(a, b *Module) bool {
			return a.start < b.start
		}),
		table: NewTranslateTable(L2CacheBits),
	}
	s.defaultModule = newModule(&s.cfg, s, cfg.LocStart, cfg.LocEnd, ModuleConfig{
		Optimizations: cfg.GlobalOpts,
	})
	if cfg.EnableJIT {
		backend := GetBackend(cfg.BackendISA)
		if backend == nil {
			return nil, errors.Wrapf(ErrNoBackend, "%s", cfg.BackendISA)
		}
		tramp, err := backend.NewTrampolines(&s.cfg, s.defaultModule)
		if err != nil {
			return nil, errors.Wrap(err, "build trampolines")
		}
		s.tramp = tramp
	}
	return s, nil
}

// Config returns the creation-time configuration.
func (s *AddressSpace) Config() *Config { return &s.cfg }

// Trampolines returns the shared trampoline set; nil when the JIT is
// disabled.
func (s *AddressSpace) Trampolines() Trampolines { return s.tramp }

// Table returns the shared L2 translate table.
func (s *AddressSpace) Table() *TranslateTable { return s.table }

// MapModule inserts a module covering [start, end); overlapping
// inserts are rejected.
func (s *AddressSpace) MapModule(start, end ir.Location, readOnly bool) (*Module, error) {
	if start >= end {
		return nil, errors.New("empty module range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	overlap := false
	s.modules.AscendGreaterOrEqual(&Module{start: 0}, func(m *Module) bool {
		if m.start < end && start < m.end {
			overlap = true
			return false
		}
		return m.start < end
	})
	if overlap {
		return nil, ErrOverlap
	}
	mcfg := ModuleConfig{ReadOnly: readOnly, Optimizations: s.cfg.GlobalOpts}
	module := newModule(&s.cfg, s, start, end, mcfg)
	s.modules.ReplaceOrInsert(module)
	return module, nil
}

// UnmapModule removes the modules fully covered by [start, end).
func (s *AddressSpace) UnmapModule(start, end ir.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []*Module
	s.modules.Ascend(func(m *Module) bool {
		if m.start >= start && m.end <= end {
			doomed = append(doomed, m)
		}
		return true
	})
	for _, m := range doomed {
		s.modules.Delete(m)
		m.Close()
	}
}

// GetModule returns the unique module covering loc, or the default
// module.
func (s *AddressSpace) GetModule(loc ir.Location) *Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Module
	s.modules.DescendLessOrEqual(&Module{start: loc}, func(m *Module) bool {
		if m.Contains(loc) {
			found = m
		}
		return false
	})
	if found != nil {
		return found
	}
	if s.defaultModule.Contains(loc) {
		return s.defaultModule
	}
	return nil
}

// GetDefaultModule returns the module spanning the full range.
func (s *AddressSpace) GetDefaultModule() *Module { return s.defaultModule }

// PushCodeCache publishes a compiled entry in the shared table.
func (s *AddressSpace) PushCodeCache(location ir.Location, cache uintptr) {
	s.table.Put(uint64(location), uint64(cache))
}

// GetCodeCache resolves the compiled entry for location: a table hit
// returns it directly, a miss delegates to the covering module, no
// module means no cache.
func (s *AddressSpace) GetCodeCache(location ir.Location) uintptr {
	if cache := s.table.Lookup(uint64(location)); cache != 0 {
		return uintptr(cache)
	}
	module := s.GetModule(location)
	if module == nil {
		return 0
	}
	return module.GetJitCache(location)
}

// Close releases every module.
func (s *AddressSpace) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules.Ascend(func(m *Module) bool {
		m.Close()
		return true
	})
	s.modules.Clear(false)
	s.defaultModule.Close()
}
