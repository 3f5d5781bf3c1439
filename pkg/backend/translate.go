package backend

import (
	"github.com/pkg/errors"

	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// decode drives the frontend over the guest code at loc, runs the
// optimization pipeline, and installs the resulting IR in the module.
func (r *Runtime) decode(module *Module, loc ir.Location) error {
	builder := ir.NewHIRBuilder()
	if err := r.cfg.Frontend.Decode(builder, loc); err != nil {
		return errors.Wrap(err, "frontend decode")
	}
	r.optimize(builder, module)
	for _, f := range builder.Functions() {
		if err := r.install(module, f); err != nil {
			return err
		}
	}
	return nil
}

// optimize runs the fixed pass pipeline, gated by the module's
// optimization bits. Register allocation runs at translation time,
// per artifact.
func (r *Runtime) optimize(builder *ir.HIRBuilder, module *Module) {
	opts := module.ModuleConfig().Optimizations
	passes.CFGAnalysis{}.Run(builder)
	passes.LocalElimination{}.Run(builder)
	passes.ReID{}.Run(builder)
	if opts.Has(OptUniformElimination) {
		passes.UniformElimination{}.Run(builder, r.cfg.UniformInfo())
	}
	if opts.Has(OptFlagElimination) {
		passes.FlagsElimination{}.Run(builder)
	}
	if opts.Has(OptDeadCodeRemove) {
		passes.DeadCode{}.Run(builder)
	}
	if opts.Has(OptConstantFolding) {
		passes.ConstFolding{}.Run(builder)
	}
}

// install registers a finalized HIR function's IR with the module and,
// when the JIT is up, compiles it.
func (r *Runtime) install(module *Module, f *ir.HIRFunction) error {
	module.PushFunction(f.Function())
	for _, hb := range f.Blocks() {
		if !hb.Block().StartLocation().Valid() {
			continue
		}
		module.PushBlock(hb.Block())
	}
	if !r.jitReady() {
		return nil
	}
	backend := GetBackend(r.cfg.BackendISA)
	tramp := r.space.Trampolines()

	ra := passes.NewRegAlloc(f.MaxInstrCount(), tramp.GPRRegs(), tramp.FPRRegs())
	ra.SetTemps(tramp.TempGPRs(), tramp.TempFPRs())
	passes.RegisterAlloc{}.RunFunction(f, ra)

	if module.ModuleConfig().HasOpt(OptFunctionBaseCompile) {
		return r.compileFunction(module, backend, f, ra)
	}
	for _, hb := range f.Blocks() {
		block := hb.Block()
		if !block.StartLocation().Valid() {
			continue
		}
		if err := r.compileBlock(module, backend, block, ra); err != nil {
			return err
		}
	}
	return nil
}

// translateAt compiles whatever IR entity starts at loc.
func (r *Runtime) translateAt(module *Module, loc ir.Location) error {
	backend := GetBackend(r.cfg.BackendISA)
	if backend == nil {
		return errors.Wrapf(ErrNoBackend, "%s", r.cfg.BackendISA)
	}
	if block := module.GetBlock(loc); block != nil {
		tramp := r.space.Trampolines()
		ra := passes.NewRegAlloc(block.MaxInstrCount(), tramp.GPRRegs(), tramp.FPRRegs())
		ra.SetTemps(tramp.TempGPRs(), tramp.TempFPRs())
		passes.RegisterAlloc{}.RunBlock(block, ra)
		return r.compileBlock(module, backend, block, ra)
	}
	if fn := module.GetFunction(loc); fn != nil {
		fn.RLock()
		entry := fn.EntryBlock()
		fn.RUnlock()
		if entry != nil {
			tramp := r.space.Trampolines()
			ra := passes.NewRegAlloc(entry.MaxInstrCount(), tramp.GPRRegs(), tramp.FPRRegs())
			ra.SetTemps(tramp.TempGPRs(), tramp.TempFPRs())
			passes.RegisterAlloc{}.RunBlock(entry, ra)
			return r.compileBlock(module, backend, entry, ra)
		}
	}
	return errors.Errorf("no ir at %s", loc)
}

// compileBlock translates one block and publishes the artifact. The
// Translating to Cached transition happens under the block's write
// lock; the shared table publish follows it.
func (r *Runtime) compileBlock(module *Module, backend Backend, block *ir.Block, ra *passes.RegAlloc) error {
	tramp := r.space.Trampolines()

	block.Lock()
	jc := block.JitCache()
	if jc.State() == ir.JitCached {
		block.Unlock()
		return nil
	}
	jc.SetState(ir.JitTranslating)
	id, buf, err := backend.TranslateBlock(module, tramp, block, ra)
	if err != nil {
		jc.SetState(ir.JitUncached)
		block.Unlock()
		return errors.Wrap(err, "translate block")
	}
	jc.CacheID = id
	jc.Offset = buf.Offset
	jc.Size = uint32(len(buf.Exec))
	jc.SetState(ir.JitCached)
	block.Unlock()

	addr := buf.ExecAddr()
	r.space.PushCodeCache(block.StartLocation(), addr)
	module.SetDispatchEntry(block.StartLocation(), addr)
	return nil
}

// compileFunction translates a whole HIR function as one artifact.
func (r *Runtime) compileFunction(module *Module, backend Backend, f *ir.HIRFunction, ra *passes.RegAlloc) error {
	tramp := r.space.Trampolines()
	fn := f.Function()

	fn.Lock()
	jc := fn.JitCache()
	if jc.State() == ir.JitCached {
		fn.Unlock()
		return nil
	}
	jc.SetState(ir.JitTranslating)
	id, buf, err := backend.TranslateFunction(module, tramp, f, ra)
	if err != nil {
		jc.SetState(ir.JitUncached)
		fn.Unlock()
		return errors.Wrap(err, "translate function")
	}
	jc.CacheID = id
	jc.Offset = buf.Offset
	jc.Size = uint32(len(buf.Exec))
	jc.SetState(ir.JitCached)
	fn.Unlock()

	r.space.PushCodeCache(fn.StartLocation(), buf.ExecAddr())
	return nil
}
