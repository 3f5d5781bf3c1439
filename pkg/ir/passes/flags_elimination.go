package passes

import "j5.nz/svm/pkg/ir"

// FlagsElimination deletes SaveFlags/ClearFlags whose flag mask no
// later TestFlags/GetFlags/TestNotFlags consumes before the mask is
// redefined, and narrows a producer to the consumed subset when the
// consumer immediately follows it.
//
// The analysis walks each block backward. Demand entering a block from
// below is the union over successors; exit blocks demand every flag
// (the software flags register is written back to guest state on halt).
// Real elimination comes from redefinition: a later SaveFlags of the
// same bits makes the earlier producer of those bits dead.
type FlagsElimination struct{}

// Run rewrites every function in the builder.
func (p FlagsElimination) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

// RunFunction processes blocks in reverse RPO until demand stabilizes,
// then deletes and narrows producers in one final pass.
func (p FlagsElimination) RunFunction(f *ir.HIRFunction) {
	count := f.MaxBlockCount()
	demandIn := make([]ir.Flags, count)
	for i := range demandIn {
		demandIn[i] = ir.FlagsAll
	}

	rpo := f.BlocksRPO()
	changed := true
	for changed {
		changed = false
		for i := len(rpo) - 1; i >= 0; i-- {
			block := rpo[i]
			demand := blockExitDemand(block, demandIn)
			demand = scanFlagsBackward(block.Block(), demand, nil, f)
			if demand != demandIn[block.OrderID()] {
				demandIn[block.OrderID()] = demand
				changed = true
			}
		}
	}

	for i := len(rpo) - 1; i >= 0; i-- {
		block := rpo[i]
		var dead []*ir.Inst
		scanFlagsBackward(block.Block(), blockExitDemand(block, demandIn), &dead, f)
		for _, inst := range dead {
			destroyFlagsPseudo(f, block.Block(), inst)
		}
	}
}

// RunBlock processes one standalone block with full exit demand.
func (p FlagsElimination) RunBlock(b *ir.Block) {
	var dead []*ir.Inst
	scanFlagsBackward(b, ir.FlagsAll, &dead, nil)
	for _, inst := range dead {
		destroyFlagsPseudo(nil, b, inst)
	}
}

// blockExitDemand unions the entry demand of every successor; blocks
// with no successors demand everything.
func blockExitDemand(block *ir.HIRBlock, demandIn []ir.Flags) ir.Flags {
	succs := block.Successors()
	if len(succs) == 0 {
		return ir.FlagsAll
	}
	var demand ir.Flags
	for _, s := range succs {
		demand |= demandIn[s.OrderID()]
	}
	return demand
}

// scanFlagsBackward walks the block backward propagating demanded
// flags. When dead is non-nil, producers whose mask is entirely
// undemanded are collected and immediate-consumer producers narrowed.
func scanFlagsBackward(b *ir.Block, demand ir.Flags, dead *[]*ir.Inst, f *ir.HIRFunction) ir.Flags {
	insts := b.Insts()
	for i := len(insts) - 1; i >= 0; i-- {
		inst := insts[i]
		switch inst.Op() {
		case ir.OpTestFlags, ir.OpTestNotFlags, ir.OpGetFlags:
			demand |= inst.Arg(flagsArgIndex(inst)).Flags
		case ir.OpSaveFlags:
			mask := inst.Arg(1).Flags
			consumed := mask & demand
			if dead != nil {
				if consumed == ir.FlagsNone {
					*dead = append(*dead, inst)
				} else if consumed != mask && nextIsFlagsConsumer(insts, i) {
					inst.SetArg(1, ir.ArgFrom(consumed))
				}
			}
			demand &^= mask
		case ir.OpClearFlags:
			mask := inst.Arg(1).Flags
			if dead != nil && mask&demand == ir.FlagsNone {
				*dead = append(*dead, inst)
			}
			demand &^= mask
		}
	}
	return demand
}

// flagsArgIndex returns the slot holding the Flags payload.
func flagsArgIndex(inst *ir.Inst) int {
	for i := 0; i < ir.MaxArgs; i++ {
		if inst.Arg(i).Kind == ir.ArgFlags {
			return i
		}
	}
	panic("passes: flags consumer without flags argument")
}

// nextIsFlagsConsumer reports whether the instruction following index
// i consumes flags, which licenses narrowing the producer at i.
func nextIsFlagsConsumer(insts []*ir.Inst, i int) bool {
	if i+1 >= len(insts) {
		return false
	}
	switch insts[i+1].Op() {
	case ir.OpTestFlags, ir.OpTestNotFlags, ir.OpGetFlags:
		return true
	default:
		return false
	}
}

// destroyFlagsPseudo unlinks the pseudo from its producer's chain and
// removes it from the block.
func destroyFlagsPseudo(f *ir.HIRFunction, b *ir.Block, inst *ir.Inst) {
	if def := inst.Arg(0).Value.Def(); def != nil {
		def.RemovePseudo(inst)
	}
	b.DestroyInst(inst)
}
