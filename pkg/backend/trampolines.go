package backend

import (
	"sync"

	"github.com/pkg/errors"

	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// ErrNoBackend is returned when no host backend is registered for the
// configured ISA.
var ErrNoBackend = errors.New("no backend registered for isa")

// Trampolines bridge the host ABI and the translated-code ABI: the
// runtime entry, the dispatcher, block-link patching, and call-host
// thunks.
type Trampolines interface {
	// RuntimeEntry returns the address translated code re-enters
	// through.
	RuntimeEntry() uintptr

	// Invoke enters translated code with the given state and initial
	// cache pointer and returns the halt reason.
	Invoke(state *State, cache uintptr) HaltReason

	// CanInvoke reports whether this process can actually branch into
	// the emitted code (cross-translation hosts can emit but not run).
	CanInvoke() bool

	// LinkBlock patches the stub at source (through its RW alias) into
	// a direct branch to target. pic restricts the emitted sequence to
	// position-independent forms.
	LinkBlock(source, target uintptr, sourceRW []byte, pic bool) bool

	// GPRRegs and FPRRegs return the register banks left for the
	// allocator after the trampoline's fixed assignments.
	GPRRegs() ir.RegMask
	FPRRegs() ir.RegMask

	// TempGPRs and TempFPRs return the reserved scratch registers.
	TempGPRs() []ir.HostGPR
	TempFPRs() []ir.HostFPR

	// GetCallHost returns a trampoline address that parks the guest
	// PC at fn's address and halts to the host with CallHost. The
	// trampoline does not marshal arguments and does not invoke fn.
	GetCallHost(fn *HostFunction, frontend ISA) (uintptr, error)
}

// HostFunctionRegistry is the registration half of Trampolines,
// shared by every backend.
type HostFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[ir.Location]*HostFunction
}

// RegisterHostFunction installs fn at its guest address.
func (r *HostFunctionRegistry) RegisterHostFunction(fn *HostFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[ir.Location]*HostFunction)
	}
	r.functions[fn.Addr] = fn
}

// LookupHostFunction resolves a registered function by guest address.
func (r *HostFunctionRegistry) LookupHostFunction(addr ir.Location) *HostFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.functions[addr]
}

// Backend is one host code generator. Implementations register
// themselves from init so the address space can look them up by ISA
// without a package cycle.
type Backend interface {
	ISA() ISA

	// NewTrampolines builds the shared trampolines into the module's
	// code cache.
	NewTrampolines(cfg *Config, module *Module) (Trampolines, error)

	// TranslateBlock lowers one closed IR block into the module's code
	// cache and returns the cache id and buffer.
	TranslateBlock(module *Module, tramp Trampolines, block *ir.Block, ra *passes.RegAlloc) (uint16, CodeBuffer, error)

	// TranslateFunction lowers a whole HIR function as one artifact.
	TranslateFunction(module *Module, tramp Trampolines, fn *ir.HIRFunction, ra *passes.RegAlloc) (uint16, CodeBuffer, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[ISA]Backend{}
)

// RegisterBackend installs a host backend; called from backend package
// inits.
func RegisterBackend(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.ISA()] = b
}

// GetBackend returns the backend for isa, or nil.
func GetBackend(isa ISA) Backend {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return backends[isa]
}
