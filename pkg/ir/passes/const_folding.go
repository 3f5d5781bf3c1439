package passes

import "j5.nz/svm/pkg/ir"

// ConstFolding rewrites binary operations whose inputs are all
// constants into LoadImm in place, so users retarget for free.
// Operations carrying flag pseudos are left alone: the flag bits are
// an output the fold would lose.
type ConstFolding struct{}

// Run folds every function in the builder.
func (p ConstFolding) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

// RunFunction folds one function.
func (p ConstFolding) RunFunction(f *ir.HIRFunction) {
	for _, b := range f.BlocksRPO() {
		p.RunBlock(b.Block())
	}
}

// RunBlock folds one block.
func (p ConstFolding) RunBlock(b *ir.Block) {
	for _, inst := range b.Insts() {
		foldInst(inst)
	}
}

// constOf resolves an argument to a constant when it is an immediate
// or the result of a LoadImm.
func constOf(a ir.Arg) (uint64, bool) {
	switch a.Kind {
	case ir.ArgImm:
		return a.Imm.Value(), true
	case ir.ArgValue:
		def := a.Value.Def()
		if def != nil && def.Op() == ir.OpLoadImm {
			return def.Arg(0).Imm.Value(), true
		}
	}
	return 0, false
}

func foldInst(inst *ir.Inst) {
	if len(inst.PseudoOperations()) != 0 {
		return
	}
	var folded uint64
	switch inst.Op() {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul:
		left, ok := constOf(inst.Arg(0))
		if !ok {
			return
		}
		op := inst.GetOperand(1)
		if op.Op.Kind != ir.OperandNone || !op.Right.IsVoid() {
			return
		}
		right, ok := constOf(op.Left)
		if !ok {
			return
		}
		switch inst.Op() {
		case ir.OpAdd:
			folded = left + right
		case ir.OpSub:
			folded = left - right
		case ir.OpAnd:
			folded = left & right
		case ir.OpOr:
			folded = left | right
		case ir.OpXor:
			folded = left ^ right
		case ir.OpMul:
			folded = left * right
		}
	case ir.OpLslImm, ir.OpLsrImm:
		value, ok := constOf(inst.Arg(0))
		if !ok {
			return
		}
		shift := inst.Arg(1).Imm.Value() & 63
		if inst.Op() == ir.OpLslImm {
			folded = value << shift
		} else {
			folded = value >> shift
		}
	case ir.OpNot:
		value, ok := constOf(inst.Arg(0))
		if !ok {
			return
		}
		folded = ^value
	default:
		return
	}

	retType := inst.ReturnType()
	folded = truncateTo(folded, retType)
	inst.Reset(ir.OpLoadImm)
	inst.SetArgs(immFor(folded, retType))
	inst.SetReturn(retType)
}

// truncateTo masks a folded result down to its type width.
func truncateTo(v uint64, t ir.ValueType) uint64 {
	switch t.SizeBytes() {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// immFor builds an Imm tagged to match the result type width.
func immFor(v uint64, t ir.ValueType) ir.Imm {
	switch t.SizeBytes() {
	case 1:
		return ir.NewImmU8(uint8(v))
	case 2:
		return ir.NewImmU16(uint16(v))
	case 4:
		return ir.NewImmU32(uint32(v))
	default:
		return ir.NewImmU64(v)
	}
}
