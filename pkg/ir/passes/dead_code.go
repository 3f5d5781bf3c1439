package passes

import "j5.nz/svm/pkg/ir"

// DeadCode walks each block backward and drops instructions with no
// uses and no side effects, iterating until nothing else falls out.
type DeadCode struct{}

// Run sweeps every function in the builder.
func (p DeadCode) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

// RunFunction sweeps one function, keeping value bookkeeping intact.
func (p DeadCode) RunFunction(f *ir.HIRFunction) {
	changed := true
	for changed {
		changed = false
		rpo := f.BlocksRPO()
		for i := len(rpo) - 1; i >= 0; i-- {
			block := rpo[i]
			for _, inst := range deadInsts(block.Block()) {
				if hv := f.GetHIRValue(inst.Value()); hv != nil {
					f.DestroyHIRValue(hv)
				} else {
					block.Block().DestroyInst(inst)
				}
				changed = true
			}
		}
	}
}

// RunBlock sweeps one standalone block.
func (p DeadCode) RunBlock(b *ir.Block) {
	for changed := true; changed; {
		changed = false
		for _, inst := range deadInsts(b) {
			b.DestroyInst(inst)
			changed = true
		}
	}
}

// deadInsts collects removable instructions from one backward sweep.
func deadInsts(b *ir.Block) []*ir.Inst {
	var dead []*ir.Inst
	insts := b.Insts()
	for i := len(insts) - 1; i >= 0; i-- {
		inst := insts[i]
		if inst.Op().HasSideEffects() {
			continue
		}
		if inst.Uses() > 0 {
			continue
		}
		if hasLivePseudo(inst) {
			continue
		}
		dead = append(dead, inst)
	}
	return dead
}

// hasLivePseudo reports whether a flag-producing pseudo still rides
// the instruction.
func hasLivePseudo(inst *ir.Inst) bool {
	return len(inst.PseudoOperations()) > 0
}
