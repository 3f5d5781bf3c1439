package arm64

import (
	"github.com/pkg/errors"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// JitContext carries the per-translation state: the assembler, the
// allocation result, per-location labels, and the forward/link
// classification that decides how a terminal leaves the block.
type JitContext struct {
	module *backend.Module
	ra     *passes.RegAlloc
	asm    *Assembler

	curFunc  *ir.Function
	curBlock *ir.Block

	labels map[ir.Location]*Label
}

// NewJitContext builds a context for one artifact.
func NewJitContext(module *backend.Module, ra *passes.RegAlloc) *JitContext {
	return &JitContext{
		module: module,
		ra:     ra,
		asm:    NewAssembler(),
		labels: make(map[ir.Location]*Label),
	}
}

// Asm exposes the assembler.
func (c *JitContext) Asm() *Assembler { return c.asm }

// SetCurrentBlock binds the block's entry label and makes it current.
func (c *JitContext) SetCurrentBlock(b *ir.Block) {
	c.curBlock = b
	c.asm.Bind(c.GetLabel(b.StartLocation()))
}

// SetCurrentFunction makes fn current for in-function forwarding.
func (c *JitContext) SetCurrentFunction(fn *ir.Function) {
	c.curFunc = fn
}

// TickIR points the allocator at the instruction being lowered.
func (c *JitContext) TickIR(inst *ir.Inst) { c.ra.SetCurrent(inst) }

// X returns the GPR index holding value.
func (c *JitContext) X(v ir.Value) int { return int(c.ra.ValueGPR(v).ID) }

// V returns the FPR index holding value.
func (c *JitContext) V(v ir.Value) int { return int(c.ra.ValueFPR(v).ID) }

// ResultX returns the GPR index of the instruction's own result.
func (c *JitContext) ResultX(inst *ir.Inst) int { return c.X(inst.Value()) }

// TmpX returns the i-th scratch GPR.
func (c *JitContext) TmpX(i int) int { return int(c.ra.TmpGPR(i).ID) }

// GetLabel returns the label for a guest location, creating it on
// first use.
func (c *JitContext) GetLabel(loc ir.Location) *Label {
	if l, ok := c.labels[loc]; ok {
		return l
	}
	l := c.asm.NewLabel()
	c.labels[loc] = l
	return l
}

// Forward lowers a transfer to a statically known location: a
// self-branch, an in-function label, a direct branch to a cached
// target, an indirect dispatch-table jump, a block-linkage stub, or a
// plain return to the dispatcher, in that order of preference.
func (c *JitContext) Forward(location ir.Location) {
	selfForward := c.curBlock != nil && location == c.curBlock.StartLocation()
	if !selfForward && c.curFunc != nil {
		selfForward = location == c.curFunc.StartLocation()
	}
	if selfForward {
		c.asm.B(c.GetLabel(location))
		return
	}

	targetModule := c.module.AddressSpace().GetModule(location)
	if targetModule == nil {
		c.asm.MovZ(regIP, uint16(backend.HaltModuleMiss), 0)
		c.asm.StrW(regIP, regState, backend.StateOffHaltReason)
		c.asm.Ret()
		return
	}

	selfModule := targetModule == c.module
	moduleCfg := c.module.ModuleConfig()
	targetCfg := targetModule.ModuleConfig()

	directLink := (selfModule && moduleCfg.HasOpt(backend.OptDirectBlockLink)) ||
		targetCfg.ReadOnly

	switch {
	case directLink:
		inFunction := false
		if c.curFunc != nil {
			inFunction = c.curFunc.FindBlock(location) != nil
		}
		if inFunction || targetModule.GetJitCache(location) != 0 {
			c.asm.B(c.GetLabel(location))
		} else {
			c.BlockLinkStub(location)
		}
	case selfModule && moduleCfg.HasOpt(backend.OptIndirectBlockLink):
		index := targetModule.DispatchIndex(location)
		c.asm.MovZ(regIP, uint16(index), 0)
		c.asm.LdrReg(regIP, regCache, regIP, true)
		c.asm.Br(regIP)
	default:
		c.asm.LoadImm64Compact(regIP, uint64(location))
		c.asm.Str(regIP, regState, backend.StateOffCurrentLoc)
		c.asm.Ret()
	}
}

// ForwardReg returns to the dispatcher with a dynamically computed
// target.
func (c *JitContext) ForwardReg(rn int) {
	c.asm.Str(rn, regState, backend.StateOffCurrentLoc)
	c.asm.Ret()
}

// BlockLinkStub emits the first-execution stub: record the stub PC,
// the source and destination locations, raise BlockLinkage, and
// return to the host to patch.
func (c *JitContext) BlockLinkStub(location ir.Location) {
	current := c.asm.NewLabel()
	c.asm.Bind(current)
	c.asm.Adr(regIP0, current)
	c.asm.Str(regIP0, regState, backend.StateOffBlockingLinkage)
	c.asm.MovZ(regIP0, uint16(backend.HaltBlockLinkage), 0)
	c.asm.StrW(regIP0, regState, backend.StateOffHaltReason)
	c.asm.LoadImm64(regIP0, uint64(c.curBlock.StartLocation()))
	c.asm.Str(regIP0, regState, backend.StateOffPrevLoc)
	c.asm.LoadImm64(regIP0, uint64(location))
	c.asm.Str(regIP0, regState, backend.StateOffCurrentLoc)
	c.asm.Ret()
}

// Finish finalizes in-buffer fixups.
func (c *JitContext) Finish() { c.asm.Finalize() }

// BufferSize returns the emitted size.
func (c *JitContext) BufferSize() int { return c.asm.Size() }

// Flush binds the remaining labels against the final address, copies
// the code through the RW view, and flushes caches. Unbound labels
// name other translations: they resolve through the module's jit
// caches.
func (c *JitContext) Flush(buf backend.CodeBuffer) (uintptr, error) {
	base := buf.ExecAddr()
	for loc, label := range c.labels {
		if label.Bound() {
			continue
		}
		target := c.module.AddressSpace().GetCodeCache(loc)
		if target == 0 {
			return 0, errors.Errorf("unresolved branch target %s", loc)
		}
		c.asm.BindToOffset(label, int(int64(target)-int64(base)))
	}
	c.asm.Finalize()
	if len(c.asm.Code()) > len(buf.RW) {
		return 0, errors.New("translation exceeds allocated buffer")
	}
	copy(buf.RW, c.asm.Code())
	buf.Flush()
	return base, nil
}
