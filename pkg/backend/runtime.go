package backend

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"j5.nz/svm/pkg/ir"
)

// localBufferSize is the scratch area handed to translated code when
// local operations are enabled.
const localBufferSize = 0x1000

// Runtime is one guest thread: exclusive State and L1 table, a shared
// address space, and the host-side run loop.
type Runtime struct {
	space *AddressSpace
	cfg   *Config
	log   *zap.Logger

	state    *State
	l1       *TranslateTable
	rsb      *RSBBuffer
	localBuf []byte

	interp  *Interpreter
	running atomic.Bool
}

// NewRuntime creates a runtime bound to space.
func NewRuntime(space *AddressSpace) *Runtime {
	cfg := space.Config()
	r := &Runtime{
		space: space,
		cfg:   cfg,
		log:   cfg.Logger.Named("runtime"),
		state: NewState(cfg.UniformBufferSize),
		l1:    NewTranslateTable(L1CacheBits),
		rsb:   &RSBBuffer{},
	}
	r.rsb.Reset()
	r.state.SetL1CodeCache(r.l1.Base())
	r.state.SetL2CodeCache(space.Table().Base())
	r.state.SetRSBPointer(uintptr(unsafe.Pointer(&r.rsb.Frames[0])))
	r.state.SetPageTable(cfg.PageTable)
	if cfg.HasLocalOperation {
		r.localBuf = make([]byte, localBufferSize)
		r.state.SetLocalBuffer(uintptr(unsafe.Pointer(&r.localBuf[0])))
	}
	r.interp = NewInterpreter(r.state, cfg, space)
	return r
}

// State exposes the per-thread CPU-state buffer.
func (r *Runtime) State() *State { return r.state }

// SetLocation seeds the guest PC.
func (r *Runtime) SetLocation(loc ir.Location) { r.state.SetCurrentLoc(loc) }

// GetLocation reads the guest PC.
func (r *Runtime) GetLocation() ir.Location { return r.state.CurrentLoc() }

// UniformBuffer exposes the guest CPU-state region.
func (r *Runtime) UniformBuffer() []byte {
	return r.state.UniformBuffer()[:r.cfg.UniformBufferSize]
}

// SignalInterrupt requests a halt at the next block boundary; safe
// from any thread.
func (r *Runtime) SignalInterrupt() {
	r.state.HaltReasonOr(HaltSignal)
}

// ClearInterrupt drops a pending signal.
func (r *Runtime) ClearInterrupt() {
	r.state.HaltReasonAnd(^HaltSignal)
}

// Stop makes Run return at the next round trip.
func (r *Runtime) Stop() { r.running.Store(false) }

// jitReady reports whether compiled code can be entered right now.
func (r *Runtime) jitReady() bool {
	tramp := r.space.Trampolines()
	return r.cfg.EnableJIT && tramp != nil && tramp.CanInvoke()
}

// Run executes from the current guest PC until a halt the host cannot
// absorb: cache misses translate and re-enter, linkage stubs patch and
// re-enter, everything else returns to the caller.
func (r *Runtime) Run() HaltReason {
	r.running.Store(true)
	hr := HaltNone
	var lastMiss ir.Location = ir.InvalidLocation
	for r.running.Load() {
		loc := r.state.CurrentLoc()
		cache := r.space.GetCodeCache(loc)
		if cache != 0 && r.jitReady() {
			if hr == HaltBlockLinkage {
				r.link(loc, cache)
			}
			hr = r.space.Trampolines().Invoke(r.state, cache)
		} else {
			hr = r.hostRound(loc)
		}
		switch {
		case hr == HaltCacheMiss:
			if loc == lastMiss {
				// No progress is possible: nothing can produce a
				// translation for this location.
				return hr
			}
			lastMiss = loc
			continue
		case hr == HaltBlockLinkage:
			continue
		default:
			return hr
		}
	}
	return hr
}

// Step arms the step bit so execution halts at the first block
// boundary.
func (r *Runtime) Step() HaltReason {
	r.state.HaltReasonOr(HaltStep)
	return r.Run()
}

// link resolves a pending block-linkage halt by patching the stub the
// translated code stopped in into a direct branch to target.
func (r *Runtime) link(target ir.Location, targetCache uintptr) {
	stub := r.state.BlockingLinkageAddress()
	prev := r.state.PrevLoc()
	srcModule := r.space.GetModule(prev)
	destModule := r.space.GetModule(target)
	if srcModule == nil || destModule == nil {
		return
	}
	cc := srcModule.FindCodeCache(stub)
	if cc == nil {
		return
	}
	rw := cc.RWSliceFor(stub, linkStubSize)
	if rw == nil {
		return
	}
	pic := srcModule != destModule
	if !r.space.Trampolines().LinkBlock(stub, targetCache, rw, pic) {
		r.log.Debug("block link rejected",
			zap.Uint64("stub", uint64(stub)),
			zap.Uint64("target", uint64(targetCache)))
	}
}

// linkStubSize is the byte size of a block-linkage stub; patches never
// write past it.
const linkStubSize = 5 * 4

// hostRound makes progress without entering compiled code: decode IR
// if needed, translate when the JIT can take it, otherwise interpret.
func (r *Runtime) hostRound(loc ir.Location) HaltReason {
	module := r.space.GetModule(loc)
	if module == nil {
		return HaltCodeMiss | HaltModuleMiss
	}

	block := module.GetBlock(loc)
	fn := module.GetFunction(loc)
	if block == nil && fn == nil {
		if r.cfg.Frontend == nil {
			return HaltCodeMiss
		}
		if err := r.decode(module, loc); err != nil {
			r.log.Warn("decode failed", zap.Uint64("loc", uint64(loc)), zap.Error(err))
			return HaltIllegalCode
		}
		block = module.GetBlock(loc)
		fn = module.GetFunction(loc)
		if block == nil && fn == nil {
			return HaltCodeMiss
		}
	}

	if r.jitReady() {
		// Translate and loop back through the dispatcher.
		if err := r.translateAt(module, loc); err != nil {
			r.log.Warn("translate failed", zap.Uint64("loc", uint64(loc)), zap.Error(err))
			return HaltIllegalCode
		}
		return HaltCacheMiss
	}

	return r.interpretFrom(loc)
}

// interpretFrom runs IR blocks through the reference interpreter until
// control leaves the runtime or no block exists for the PC. Pending
// halt bits are observed at block boundaries.
func (r *Runtime) interpretFrom(loc ir.Location) HaltReason {
	for {
		module := r.space.GetModule(loc)
		if module == nil {
			return HaltCodeMiss | HaltModuleMiss
		}
		block := module.GetBlock(loc)
		if block == nil {
			if fn := module.GetFunction(loc); fn != nil {
				fn.RLock()
				block = fn.FindBlock(loc)
				fn.RUnlock()
			}
		}
		if block == nil {
			return HaltCodeMiss
		}

		block.RLock()
		hr, exit := r.interp.RunBlock(block)
		block.RUnlock()
		if exit || hr != HaltNone {
			r.state.HaltReasonStore(0)
			return hr
		}
		if pending := r.state.HaltReasonLoad(); pending != HaltNone {
			r.state.HaltReasonStore(0)
			return pending
		}
		loc = r.state.CurrentLoc()
	}
}
