package arm64

import (
	"fmt"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
)

// Translator lowers IR blocks to AArch64 through a JitContext. Flag
// production follows the software-flags discipline: the host keeps a
// flags image in regFlags, NZCV subsets are merged from the hardware
// register after flag-setting arithmetic, and parity/auxiliary-carry
// are synthesized from the result bytes.
type Translator struct {
	ctx *JitContext
	asm *Assembler

	block    *ir.Block
	disabled map[uint16]bool
}

// NewTranslator builds a translator over ctx.
func NewTranslator(ctx *JitContext) *Translator {
	return &Translator{ctx: ctx, asm: ctx.Asm()}
}

// TranslateBlock lowers one closed block including its terminal.
func (t *Translator) TranslateBlock(block *ir.Block) {
	t.block = block
	t.disabled = make(map[uint16]bool)
	t.ctx.SetCurrentBlock(block)
	for _, inst := range block.Insts() {
		if t.disabled[inst.ID()] {
			continue
		}
		t.translate(inst)
	}
	t.terminal(block.Terminal())
}

func (t *Translator) translate(inst *ir.Inst) {
	t.ctx.TickIR(inst)
	switch inst.Op() {
	case ir.OpNop, ir.OpUniformBarrier, ir.OpDefineLocal, ir.OpAddPhi:
		// AddPhi carries no code: the allocator gave the φ its own
		// register and predecessors feed it through the uniform
		// buffer or memory.
	case ir.OpSaveFlags, ir.OpClearFlags:
		// Pseudo operations ride their producer.
	case ir.OpLoadImm:
		t.emitLoadImm(inst)
	case ir.OpLoadUniform:
		t.emitLoadUniform(inst)
	case ir.OpStoreUniform:
		t.emitStoreUniform(inst)
	case ir.OpGetHostGPR:
		t.emitGetHostGPR(inst)
	case ir.OpSetHostGPR:
		t.emitSetHostGPR(inst)
	case ir.OpLoadMemory, ir.OpLoadMemoryTSO:
		t.emitLoadMemory(inst)
	case ir.OpStoreMemory, ir.OpStoreMemoryTSO:
		t.emitStoreMemory(inst)
	case ir.OpAdd, ir.OpSub:
		t.emitAddSub(inst)
	case ir.OpAdc, ir.OpSbb:
		t.emitAdcSbb(inst)
	case ir.OpMul:
		t.emitBinary(inst, t.asm.Mul)
	case ir.OpDiv:
		t.emitDiv(inst)
	case ir.OpAnd:
		t.emitBinary(inst, t.asm.AndRR)
	case ir.OpOr:
		t.emitBinary(inst, t.asm.OrrRR)
	case ir.OpXor:
		t.emitBinary(inst, t.asm.EorRR)
	case ir.OpAndNot:
		t.emitBinary(inst, t.asm.BicRR)
	case ir.OpNot:
		t.asm.Mvn(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value))
	case ir.OpNeg:
		t.asm.Neg(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value))
	case ir.OpZero:
		t.asm.MovZ(t.ctx.ResultX(inst), 0, 0)
	case ir.OpLslImm:
		t.asm.LslImm(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), uint32(inst.Arg(1).Imm.Value()&63))
	case ir.OpLsrImm:
		t.asm.LsrImm(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), uint32(inst.Arg(1).Imm.Value()&63))
	case ir.OpAsrImm:
		t.asm.AsrImm(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), uint32(inst.Arg(1).Imm.Value()&63))
	case ir.OpRorImm:
		t.asm.RorImm(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), uint32(inst.Arg(1).Imm.Value()&63))
	case ir.OpLslValue:
		t.asm.LslRR(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), t.ctx.X(inst.Arg(1).Value))
	case ir.OpLsrValue:
		t.asm.LsrRR(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), t.ctx.X(inst.Arg(1).Value))
	case ir.OpAsrValue:
		t.asm.AsrRR(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), t.ctx.X(inst.Arg(1).Value))
	case ir.OpRorValue:
		t.asm.RorRR(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value), t.ctx.X(inst.Arg(1).Value))
	case ir.OpBitCast:
		t.emitBitCast(inst)
	case ir.OpBitExtract:
		t.asm.Ubfx(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value),
			uint32(inst.Arg(1).Imm.Value()), uint32(inst.Arg(2).Imm.Value()))
	case ir.OpBitInsert:
		t.asm.Bfi(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value),
			uint32(inst.Arg(1).Imm.Value()), uint32(inst.Arg(2).Imm.Value()))
	case ir.OpBitClear:
		result := t.ctx.ResultX(inst)
		value := t.ctx.X(inst.Arg(0).Value)
		if result != value {
			t.asm.Mov(result, value)
		}
		t.asm.Bfc(result, uint32(inst.Arg(1).Imm.Value()), uint32(inst.Arg(2).Imm.Value()))
	case ir.OpTestBit:
		t.asm.Ubfx(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value),
			uint32(inst.Arg(1).Imm.Value()), 1)
	case ir.OpSignExtend:
		t.asm.Sbfx(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value),
			0, uint32(inst.Arg(1).Imm.Value()))
	case ir.OpZeroExtend32:
		t.asm.MovW(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value))
	case ir.OpZeroExtend64:
		t.moveIfNeeded(t.ctx.ResultX(inst), t.ctx.X(inst.Arg(0).Value))
	case ir.OpGetFlags:
		t.emitGetFlags(inst)
	case ir.OpTestFlags:
		t.emitTestFlags(inst, false)
	case ir.OpTestNotFlags:
		t.emitTestFlags(inst, true)
	case ir.OpTestZero:
		t.asm.CmpImm(t.ctx.X(inst.Arg(0).Value), 0)
		t.asm.Cset(t.ctx.ResultX(inst), ir.CondEQ)
	case ir.OpTestNotZero:
		t.asm.CmpImm(t.ctx.X(inst.Arg(0).Value), 0)
		t.asm.Cset(t.ctx.ResultX(inst), ir.CondNE)
	case ir.OpGetOperand:
		op := t.emitOperand(inst.GetOperand(0))
		t.materialize(op, t.ctx.ResultX(inst))
	case ir.OpPushRSB:
		t.emitPushRSB(inst)
	case ir.OpPopRSB:
		t.emitPopRSB()
	case ir.OpGetLocation:
		t.asm.LoadImm64Compact(t.ctx.ResultX(inst), uint64(t.block.StartLocation()))
	case ir.OpSetLocation:
		t.emitSetLocation(inst.Arg(0).Lambda)
	case ir.OpAdvancePC:
		t.emitAdvancePC(inst)
	case ir.OpCallLambda, ir.OpCallDynamic:
		t.emitCall(inst.Arg(0).Lambda)
	case ir.OpCallLocation:
		t.emitCall(ir.NewLambdaImm(inst.Arg(0).Imm))
	case ir.OpCompareAndSwap:
		t.emitCompareAndSwap(inst)
	case ir.OpMemoryCopy:
		t.emitMemoryCopy(inst)
	default:
		panic(fmt.Sprintf("arm64: cannot lower %s", inst.Op()))
	}
}

func (t *Translator) moveIfNeeded(rd, rn int) {
	if rd != rn {
		t.asm.Mov(rd, rn)
	}
}

// === Operand lowering ===

// hostOperand is the lowered form of a compound operand: an encodable
// immediate, a plain register, or a shifted register.
type hostOperand struct {
	isImm  bool
	imm    int64
	reg    int
	shift  int // ShiftLSL/ShiftLSR, valid when shifted
	amount int
}

func regOperand(r int) hostOperand { return hostOperand{reg: r, shift: -1} }

// emitOperand lowers a compound operand, materializing through a
// scratch register only when no encodable form exists. Encodable
// add/sub immediates never allocate a scratch.
func (t *Translator) emitOperand(op ir.Operand) hostOperand {
	if op.Right.IsVoid() {
		if op.Left.IsImm() {
			signed := op.Left.Imm.Signed()
			if IsImmAddSub(signed) {
				return hostOperand{isImm: true, imm: signed}
			}
			tmp := t.ctx.TmpX(0)
			t.asm.LoadImm64Compact(tmp, op.Left.Imm.Value())
			return regOperand(tmp)
		}
		return regOperand(t.ctx.X(op.Left.Value))
	}

	left := t.ctx.X(op.Left.Value)
	if op.Right.IsImm() {
		imm := op.Right.Imm.Signed()
		switch op.Op.Kind {
		case ir.OperandLSL:
			return hostOperand{reg: left, shift: ShiftLSL, amount: int(imm)}
		case ir.OperandLSR:
			return hostOperand{reg: left, shift: ShiftLSR, amount: int(imm)}
		case ir.OperandNone, ir.OperandPlus:
			tmp := t.ctx.TmpX(0)
			if IsImmAddSub(imm) {
				t.asm.AddImm(tmp, left, uint32(imm))
			} else {
				t.asm.LoadImm64Compact(tmp, uint64(imm))
				t.asm.AddRR(tmp, left, tmp)
			}
			return regOperand(tmp)
		case ir.OperandMinus:
			tmp := t.ctx.TmpX(0)
			if IsImmAddSub(imm) {
				t.asm.SubImm(tmp, left, uint32(imm))
			} else {
				t.asm.LoadImm64Compact(tmp, uint64(imm))
				t.asm.SubRR(tmp, left, tmp)
			}
			return regOperand(tmp)
		default:
			panic("arm64: unsupported operand combiner")
		}
	}

	right := t.ctx.X(op.Right.Value)
	tmp := t.ctx.TmpX(0)
	switch op.Op.Kind {
	case ir.OperandNone, ir.OperandPlus:
		t.asm.AddRR(tmp, left, right)
	case ir.OperandMinus:
		t.asm.SubRR(tmp, left, right)
	case ir.OperandLSL:
		t.asm.LslRR(tmp, left, right)
	case ir.OperandLSR:
		t.asm.LsrRR(tmp, left, right)
	case ir.OperandEXT:
		t.asm.AddShifted(tmp, left, right, ShiftLSL, int(op.Op.ShiftExt))
	default:
		panic("arm64: unsupported operand combiner")
	}
	return regOperand(tmp)
}

// materialize forces a lowered operand into rd.
func (t *Translator) materialize(op hostOperand, rd int) {
	switch {
	case op.isImm:
		t.asm.LoadImm64Compact(rd, uint64(op.imm))
	case op.shift == ShiftLSL && op.amount != 0:
		t.asm.LslImm(rd, op.reg, uint32(op.amount))
	case op.shift == ShiftLSR && op.amount != 0:
		t.asm.LsrImm(rd, op.reg, uint32(op.amount))
	default:
		t.moveIfNeeded(rd, op.reg)
	}
}

// === Memory operands ===

type memOperand struct {
	base    int
	offset  int64
	index   int
	indexed bool
	post    bool
	postImm int64
}

// emitMemOperand lowers an address operand, detecting the post-index
// pattern: a base value with exactly two uses followed within three
// instructions by an Add/Sub of a fitting immediate into the same
// register folds into a single post-indexed access.
func (t *Translator) emitMemOperand(op ir.Operand, accessSize int) memOperand {
	if op.Right.IsVoid() {
		if op.Left.IsImm() {
			tmp := t.ctx.TmpX(1)
			t.asm.LoadImm64Compact(tmp, op.Left.Imm.Value())
			return memOperand{base: tmp}
		}
		addr := op.Left.Value
		base := t.ctx.X(addr)
		if accessSize == 8 && addr.Def() != nil && addr.Def().Uses() == 2 {
			if post, imm := t.matchPostIndex(addr, base); post {
				return memOperand{base: base, post: true, postImm: imm}
			}
		}
		return memOperand{base: base}
	}

	left := t.ctx.X(op.Left.Value)
	if op.Right.IsImm() {
		imm := op.Right.Imm.Signed()
		switch op.Op.Kind {
		case ir.OperandNone, ir.OperandPlus:
			if IsImmLSScaled(imm, accessSize) || IsImmLSUnscaled(imm) {
				return memOperand{base: left, offset: imm}
			}
			tmp := t.ctx.TmpX(1)
			t.asm.LoadImm64Compact(tmp, uint64(imm))
			t.asm.AddRR(tmp, left, tmp)
			return memOperand{base: tmp}
		case ir.OperandLSL:
			tmp := t.ctx.TmpX(1)
			t.asm.LslImm(tmp, left, uint32(imm))
			return memOperand{base: tmp}
		case ir.OperandLSR:
			tmp := t.ctx.TmpX(1)
			t.asm.LsrImm(tmp, left, uint32(imm))
			return memOperand{base: tmp}
		default:
			panic("arm64: unsupported memory operand")
		}
	}

	right := t.ctx.X(op.Right.Value)
	switch op.Op.Kind {
	case ir.OperandNone, ir.OperandPlus:
		return memOperand{base: left, index: right, indexed: true}
	case ir.OperandEXT:
		if int(op.Op.ShiftExt) == accessSizeShift(accessSize) {
			tmp := t.ctx.TmpX(1)
			t.asm.AddShifted(tmp, left, right, ShiftLSL, int(op.Op.ShiftExt))
			return memOperand{base: tmp}
		}
		tmp := t.ctx.TmpX(1)
		t.asm.LslImm(tmp, right, uint32(op.Op.ShiftExt))
		t.asm.AddRR(tmp, left, tmp)
		return memOperand{base: tmp}
	default:
		tmp := t.ctx.TmpX(1)
		op2 := t.emitOperand(op)
		t.materialize(op2, tmp)
		return memOperand{base: tmp}
	}
}

// matchPostIndex scans ahead for the base-advance instruction.
func (t *Translator) matchPostIndex(addr ir.Value, baseReg int) (bool, int64) {
	insts := t.block.Insts()
	start := -1
	for i, inst := range insts {
		if inst == addr.Def() {
			start = i
			break
		}
	}
	if start < 0 {
		return false, 0
	}
	for i := start + 1; i < len(insts) && i <= start+3; i++ {
		inst := insts[i]
		if inst.Op() != ir.OpAdd && inst.Op() != ir.OpSub {
			continue
		}
		if inst.Arg(0).Value != addr {
			continue
		}
		op := inst.GetOperand(1)
		if !op.Right.IsVoid() || !op.Left.IsImm() {
			continue
		}
		if !inst.HasValue() || t.ctx.X(inst.Value()) != baseReg {
			continue
		}
		imm := op.Left.Imm.Signed()
		if !IsImmLSUnscaled(imm) {
			continue
		}
		if inst.Op() == ir.OpSub {
			imm = -imm
		}
		t.disabled[inst.ID()] = true
		return true, imm
	}
	return false, 0
}

func accessSizeShift(size int) int {
	switch size {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// === Loads and stores ===

func (t *Translator) applyMemoryBase(m memOperand) memOperand {
	// An opaque memory base rebases every guest address.
	if t.ctx.module.Config().MemoryBase == 0 {
		return m
	}
	tmp := t.ctx.TmpX(2)
	t.asm.LoadImm64Compact(tmp, uint64(t.ctx.module.Config().MemoryBase))
	if m.indexed {
		t.asm.AddRR(tmp, tmp, m.index)
		m.index = tmp
		return m
	}
	t.asm.AddRR(tmp, tmp, m.base)
	m.base = tmp
	return m
}

func (t *Translator) emitLoadMemory(inst *ir.Inst) {
	size := inst.ReturnType().SizeBytes()
	m := t.applyMemoryBase(t.emitMemOperand(inst.GetOperand(0), size))
	rt := t.ctx.ResultX(inst)
	switch {
	case m.post:
		t.asm.LdrPost(rt, m.base, int(m.postImm))
	case m.indexed:
		t.asm.LdrReg(rt, m.base, m.index, false)
	default:
		switch size {
		case 1:
			t.asm.Ldrb(rt, m.base, int(m.offset))
		case 2:
			t.asm.Ldrh(rt, m.base, int(m.offset))
		case 4:
			t.asm.LdrW(rt, m.base, int(m.offset))
		default:
			t.asm.Ldr(rt, m.base, int(m.offset))
		}
	}
}

func (t *Translator) emitStoreMemory(inst *ir.Inst) {
	value := inst.Arg(3).Value
	size := value.Type().SizeBytes()
	m := t.applyMemoryBase(t.emitMemOperand(inst.GetOperand(0), size))
	rt := t.ctx.X(value)
	switch {
	case m.post:
		t.asm.StrPost(rt, m.base, int(m.postImm))
	case m.indexed:
		t.asm.StrReg(rt, m.base, m.index, false)
	default:
		switch size {
		case 1:
			t.asm.Strb(rt, m.base, int(m.offset))
		case 2:
			t.asm.Strh(rt, m.base, int(m.offset))
		case 4:
			t.asm.StrW(rt, m.base, int(m.offset))
		default:
			t.asm.Str(rt, m.base, int(m.offset))
		}
	}
}

func (t *Translator) emitLoadImm(inst *ir.Inst) {
	t.asm.LoadImm64Compact(t.ctx.ResultX(inst), inst.Arg(0).Imm.Value())
}

func (t *Translator) emitLoadUniform(inst *ir.Inst) {
	uni := inst.Arg(0).Uniform
	offset := backend.StateOffUniformBuffer + int(uni.Offset)
	rt := t.ctx.ResultX(inst)
	switch uni.Type.SizeBytes() {
	case 1:
		t.asm.Ldrb(rt, regState, offset)
	case 2:
		t.asm.Ldrh(rt, regState, offset)
	case 4:
		t.asm.LdrW(rt, regState, offset)
	default:
		t.asm.Ldr(rt, regState, offset)
	}
}

func (t *Translator) emitStoreUniform(inst *ir.Inst) {
	uni := inst.Arg(0).Uniform
	offset := backend.StateOffUniformBuffer + int(uni.Offset)
	rt := t.ctx.X(inst.Arg(1).Value)
	switch uni.Type.SizeBytes() {
	case 1:
		t.asm.Strb(rt, regState, offset)
	case 2:
		t.asm.Strh(rt, regState, offset)
	case 4:
		t.asm.StrW(rt, regState, offset)
	default:
		t.asm.Str(rt, regState, offset)
	}
}

// emitGetHostGPR reads a slice of a statically pinned register.
func (t *Translator) emitGetHostGPR(inst *ir.Inst) {
	hostReg := int(inst.Arg(0).Imm.Value())
	offset := inst.Arg(1).Imm.Value()
	ret := t.ctx.ResultX(inst)
	size := inst.ReturnType().SizeBytes()
	if offset == 0 && size == 8 {
		t.moveIfNeeded(ret, hostReg)
		return
	}
	t.asm.Ubfx(ret, hostReg, uint32(offset*8), uint32(size*8))
}

// emitSetHostGPR writes a slice of a statically pinned register.
func (t *Translator) emitSetHostGPR(inst *ir.Inst) {
	value := t.ctx.X(inst.Arg(0).Value)
	hostReg := int(inst.Arg(1).Imm.Value())
	offset := inst.Arg(2).Imm.Value()
	size := inst.Arg(0).Value.Type().SizeBytes()
	if offset == 0 && size == 8 {
		t.moveIfNeeded(hostReg, value)
		return
	}
	t.asm.Bfi(hostReg, value, uint32(offset*8), uint32(size*8))
}

// === Arithmetic ===

func (t *Translator) emitAddSub(inst *ir.Inst) {
	left := inst.Arg(0).Value
	op := t.emitOperand(inst.GetOperand(1))
	result := t.ctx.ResultX(inst)
	leftReg := t.ctx.X(left)
	isSub := inst.Op() == ir.OpSub

	set, cleared := t.pseudoFlags(inst)
	if set == ir.FlagsNone {
		t.emitAddSubPlain(result, leftReg, op, isSub)
	} else {
		t.emitAddSubFlagged(inst, result, leftReg, op, isSub, set)
	}
	if cleared != ir.FlagsNone {
		t.clearFlags(cleared)
	}
}

func (t *Translator) emitAddSubPlain(rd, rn int, op hostOperand, isSub bool) {
	switch {
	case op.isImm && !isSub:
		t.asm.AddImm(rd, rn, uint32(op.imm))
	case op.isImm:
		t.asm.SubImm(rd, rn, uint32(op.imm))
	case op.shift >= 0 && !isSub:
		t.asm.AddShifted(rd, rn, op.reg, op.shift, op.amount)
	case op.shift >= 0:
		t.asm.SubShifted(rd, rn, op.reg, op.shift, op.amount)
	case isSub:
		t.asm.SubRR(rd, rn, op.reg)
	default:
		t.asm.AddRR(rd, rn, op.reg)
	}
}

func (t *Translator) emitAddSubFlagged(inst *ir.Inst, rd, rn int, op hostOperand, isSub bool, set ir.Flags) {
	switch {
	case op.isImm && !isSub:
		t.asm.AddsImm(rd, rn, uint32(op.imm))
	case op.isImm:
		t.asm.SubsImm(rd, rn, uint32(op.imm))
	default:
		rm := op.reg
		if op.shift >= 0 && op.amount != 0 {
			tmp := t.ctx.TmpX(2)
			t.materialize(op, tmp)
			rm = tmp
		}
		if isSub {
			t.asm.SubsRR(rd, rn, rm)
		} else {
			t.asm.AddsRR(rd, rn, rm)
		}
	}
	t.saveHostFlags(set)
	if set.Has(ir.FlagParity) {
		t.saveParity(rd)
	}
	if set.Has(ir.FlagAuxiliaryCarry) {
		t.saveAuxiliaryCarry(rn, rd)
	}
}

func (t *Translator) emitAdcSbb(inst *ir.Inst) {
	left := t.ctx.X(inst.Arg(0).Value)
	op := t.emitOperand(inst.GetOperand(1))
	result := t.ctx.ResultX(inst)
	rm := t.ctx.TmpX(2)
	t.materialize(op, rm)

	// Load the carry image into hardware NZCV first.
	t.restoreNZCV()
	set, cleared := t.pseudoFlags(inst)
	flagged := set != ir.FlagsNone
	switch {
	case inst.Op() == ir.OpAdc && flagged:
		t.asm.Adcs(result, left, rm)
	case inst.Op() == ir.OpAdc:
		t.asm.Adc(result, left, rm)
	case flagged:
		t.asm.Sbcs(result, left, rm)
	default:
		t.asm.Sbc(result, left, rm)
	}
	if flagged {
		t.saveHostFlags(set)
		if set.Has(ir.FlagParity) {
			t.saveParity(result)
		}
		if set.Has(ir.FlagAuxiliaryCarry) {
			t.saveAuxiliaryCarry(left, result)
		}
	}
	if cleared != ir.FlagsNone {
		t.clearFlags(cleared)
	}
}

func (t *Translator) emitBinary(inst *ir.Inst, emit func(rd, rn, rm int)) {
	left := t.ctx.X(inst.Arg(0).Value)
	op := t.emitOperand(inst.GetOperand(1))
	rm := op.reg
	if op.isImm || (op.shift >= 0 && op.amount != 0) {
		rm = t.ctx.TmpX(2)
		t.materialize(op, rm)
	}
	result := t.ctx.ResultX(inst)
	emit(result, left, rm)

	if set, cleared := t.pseudoFlags(inst); set != ir.FlagsNone || cleared != ir.FlagsNone {
		if set != ir.FlagsNone {
			t.asm.CmpImm(result, 0)
			t.saveHostFlags(set & ir.FlagsNegZero)
			if set.Has(ir.FlagParity) {
				t.saveParity(result)
			}
		}
		if cleared != ir.FlagsNone {
			t.clearFlags(cleared)
		}
	}
}

func (t *Translator) emitDiv(inst *ir.Inst) {
	left := t.ctx.X(inst.Arg(0).Value)
	op := t.emitOperand(inst.GetOperand(1))
	rm := op.reg
	if op.isImm || (op.shift >= 0 && op.amount != 0) {
		rm = t.ctx.TmpX(2)
		t.materialize(op, rm)
	}
	if inst.ReturnType().IsSigned() {
		t.asm.Sdiv(t.ctx.ResultX(inst), left, rm)
	} else {
		t.asm.Udiv(t.ctx.ResultX(inst), left, rm)
	}
}

func (t *Translator) emitBitCast(inst *ir.Inst) {
	src := inst.Arg(0).Value
	rd := t.ctx.ResultX(inst)
	rn := t.ctx.X(src)
	size := inst.ReturnType().SizeBytes()
	if size < src.Type().SizeBytes() && size < 8 {
		t.asm.Ubfx(rd, rn, 0, uint32(size*8))
		return
	}
	t.moveIfNeeded(rd, rn)
}

// === Flag plumbing ===

func (t *Translator) pseudoFlags(inst *ir.Inst) (set, cleared ir.Flags) {
	for _, pseudo := range inst.PseudoOperations() {
		switch pseudo.Op() {
		case ir.OpSaveFlags:
			set |= pseudo.Arg(1).Flags
		case ir.OpClearFlags:
			cleared |= pseudo.Arg(1).Flags
		}
	}
	return set, cleared
}

// saveHostFlags merges the hardware NZCV subset named by guest into
// the software flags register.
func (t *Translator) saveHostFlags(guest ir.Flags) {
	nzcv := guest & ir.FlagsNZCV
	if nzcv == ir.FlagsNone {
		return
	}
	t.asm.MrsNZCV(regIP)
	if nzcv != ir.FlagsNZCV {
		t.asm.LoadImm64Compact(t.ctx.TmpX(3), nzcvMask(nzcv))
		t.asm.AndRR(regIP, regIP, t.ctx.TmpX(3))
	} else {
		t.asm.LoadImm64Compact(t.ctx.TmpX(3), nzcvMask(ir.FlagsNZCV))
		t.asm.AndRR(regIP, regIP, t.ctx.TmpX(3))
	}
	// Clear the stale subset, then merge.
	t.asm.LoadImm64Compact(t.ctx.TmpX(3), ^nzcvMask(nzcv))
	t.asm.AndRR(regFlags, regFlags, t.ctx.TmpX(3))
	t.asm.OrrRR(regFlags, regFlags, regIP)
}

// restoreNZCV re-derives hardware NZCV from the software image for
// carry-consuming arithmetic.
func (t *Translator) restoreNZCV() {
	t.asm.LoadImm64Compact(regIP, nzcvMask(ir.FlagsNZCV))
	t.asm.AndRR(regIP, regFlags, regIP)
	t.asm.MsrNZCV(regIP)
}

func (t *Translator) saveParity(result int) {
	t.asm.Bfi(regFlags, result, HostFlagParityByte, 8)
}

func (t *Translator) saveAuxiliaryCarry(left, result int) {
	t.asm.Bfi(regFlags, left, HostFlagAFLeft, 4)
	t.asm.Bfi(regFlags, result, HostFlagAFRight, 4)
}

func (t *Translator) clearFlags(guest ir.Flags) {
	if nzcv := guest & ir.FlagsNZCV; nzcv != ir.FlagsNone {
		t.asm.LoadImm64Compact(regIP, ^nzcvMask(nzcv))
		t.asm.AndRR(regFlags, regFlags, regIP)
	}
	if guest.Has(ir.FlagParity) {
		// An odd parity byte reads as parity-clear.
		t.asm.MovZ(regIP, 1, 0)
		t.asm.Bfi(regFlags, regIP, HostFlagParityByte, 8)
	}
	if guest.Has(ir.FlagAuxiliaryCarry) {
		t.asm.Bfc(regFlags, HostFlagAFLeft, 8)
	}
}

func (t *Translator) emitGetFlags(inst *ir.Inst) {
	maskBits := softFlagMask(inst.Arg(0).Flags)
	result := t.ctx.ResultX(inst)
	t.asm.LoadImm64Compact(result, maskBits)
	t.asm.AndRR(result, regFlags, result)
}

// emitTestFlags materializes a guest-flag predicate: true when every
// named flag is set (inverted for TestNotFlags, which is true when
// none is set).
func (t *Translator) emitTestFlags(inst *ir.Inst, negated bool) {
	flags := inst.Arg(0).Flags
	result := t.ctx.ResultX(inst)

	switch flags {
	case ir.FlagParity:
		t.parityFlag(result)
		if !negated {
			// parityFlag yields 1 for an odd byte, which means PF
			// clear; invert for the positive test.
			t.asm.Emit(0xD2400000 | reg(result)<<5 | reg(result)) // EOR Xd, Xn, #1
		}
		return
	case ir.FlagAuxiliaryCarry:
		t.asm.Ubfx(regIP, regFlags, HostFlagAFLeft, 4)
		t.asm.Ubfx(t.ctx.TmpX(3), regFlags, HostFlagAFRight, 4)
		t.asm.CmpRR(t.ctx.TmpX(3), regIP)
		cond := ir.CondLO
		if negated {
			cond = ir.CondHS
		}
		t.asm.Cset(result, cond)
		return
	}

	maskBits := nzcvMask(flags & ir.FlagsNZCV)
	t.asm.LoadImm64Compact(regIP, maskBits)
	t.asm.AndRR(t.ctx.TmpX(3), regFlags, regIP)
	t.asm.CmpRR(t.ctx.TmpX(3), regIP)
	if negated {
		t.asm.CmpImm(t.ctx.TmpX(3), 0)
		t.asm.Cset(result, ir.CondEQ)
		return
	}
	t.asm.Cset(result, ir.CondEQ)
}

// parityFlag XOR-reduces the parity byte into bit 0 of rd.
func (t *Translator) parityFlag(rd int) {
	t.asm.Ubfx(rd, regFlags, HostFlagParityByte, 8)
	t.asm.EorShifted(rd, rd, rd, ShiftLSR, 4)
	t.asm.EorShifted(rd, rd, rd, ShiftLSR, 2)
	t.asm.EorShifted(rd, rd, rd, ShiftLSR, 1)
	t.asm.Ubfx(rd, rd, 0, 1)
}

func nzcvMask(f ir.Flags) uint64 {
	var m uint64
	if f.Has(ir.FlagCarry) {
		m |= 1 << HostFlagBitC
	}
	if f.Has(ir.FlagOverflow) {
		m |= 1 << HostFlagBitV
	}
	if f.Has(ir.FlagZero) {
		m |= 1 << HostFlagBitZ
	}
	if f.Has(ir.FlagNegate) {
		m |= 1 << HostFlagBitN
	}
	return m
}

func softFlagMask(f ir.Flags) uint64 {
	m := nzcvMask(f)
	if f.Has(ir.FlagParity) {
		m |= 0xFF << HostFlagParityByte
	}
	if f.Has(ir.FlagAuxiliaryCarry) {
		m |= 0xFF << HostFlagAFLeft
	}
	return m
}

// Software-flag bit positions; mirrored from the dispatcher contract.
const (
	HostFlagBitV = 28
	HostFlagBitC = 29
	HostFlagBitZ = 30
	HostFlagBitN = 31

	HostFlagParityByte = 8
	HostFlagAFLeft     = 16
	HostFlagAFRight    = 20
)

// === RSB ===

func (t *Translator) emitPushRSB(inst *ir.Inst) {
	loc := ir.Location(inst.Arg(0).Imm.Value())
	hash := uint64(loc) >> 2
	frame := uint32(hash ^ hash>>32)
	t.asm.LoadImm64Compact(regIP, uint64(frame))
	t.asm.StrPre(regIP, regRSBPtr, 8)
}

func (t *Translator) emitPopRSB() {
	t.asm.SubImm(regRSBPtr, regRSBPtr, 8)
}

// === Location and calls ===

func (t *Translator) emitSetLocation(l ir.Lambda) {
	if l.IsValue() {
		t.asm.Str(t.ctx.X(l.Value()), regState, backend.StateOffCurrentLoc)
		return
	}
	t.asm.LoadImm64Compact(regIP, l.Imm().Value())
	t.asm.Str(regIP, regState, backend.StateOffCurrentLoc)
}

func (t *Translator) emitAdvancePC(inst *ir.Inst) {
	step := inst.Arg(0).Imm.Value()
	t.asm.Ldr(regIP, regState, backend.StateOffCurrentLoc)
	if IsImmAddSub(int64(step)) {
		t.asm.AddImm(regIP, regIP, uint32(step))
	} else {
		t.asm.LoadImm64Compact(t.ctx.TmpX(3), step)
		t.asm.AddRR(regIP, regIP, t.ctx.TmpX(3))
	}
	t.asm.Str(regIP, regState, backend.StateOffCurrentLoc)
}

// emitCall parks the guest PC at the callee and halts into the host
// with CallHost; host functions never recurse into guest code.
func (t *Translator) emitCall(l ir.Lambda) {
	t.emitSetLocation(l)
	t.asm.MovZ(regIP, uint16(backend.HaltCallHost), 0)
	t.asm.StrW(regIP, regState, backend.StateOffHaltReason)
	t.asm.Ret()
}

// === Atomics and block copies ===

func (t *Translator) emitCompareAndSwap(inst *ir.Inst) {
	addr := t.ctx.X(inst.Arg(0).Value)
	expected := t.ctx.X(inst.Arg(1).Value)
	desired := t.ctx.X(inst.Arg(2).Value)
	result := t.ctx.ResultX(inst)

	retry := t.asm.NewLabel()
	done := t.asm.NewLabel()
	t.asm.Bind(retry)
	// LDAXR result, [addr]
	t.asm.Emit(0xC85FFC00 | reg(addr)<<5 | reg(result))
	t.asm.CmpRR(result, expected)
	t.asm.BCond(ir.CondNE, done)
	// STLXR ip, desired, [addr]
	t.asm.Emit(0xC800FC00 | reg(regIP)<<16 | reg(addr)<<5 | reg(desired))
	t.asm.Cbnz(regIP, retry)
	t.asm.Bind(done)
}

func (t *Translator) emitMemoryCopy(inst *ir.Inst) {
	dest := t.ctx.X(inst.Arg(0).Value)
	src := t.ctx.X(inst.Arg(1).Value)
	count := inst.Arg(2).Imm.Value()

	// Byte loop through scratch registers; sizes here are small
	// (uniform-sized moves), so no vectorization.
	t.asm.LoadImm64Compact(regIP, count)
	loop := t.asm.NewLabel()
	done := t.asm.NewLabel()
	t.asm.Bind(loop)
	t.asm.Cbz(regIP, done)
	t.asm.Ldrb(t.ctx.TmpX(3), src, 0)
	t.asm.Strb(t.ctx.TmpX(3), dest, 0)
	t.asm.AddImm(src, src, 1)
	t.asm.AddImm(dest, dest, 1)
	t.asm.SubImm(regIP, regIP, 1)
	t.asm.B(loop)
	t.asm.Bind(done)
}

// === Terminals ===

func (t *Translator) terminal(term ir.Terminal) {
	switch v := term.(type) {
	case nil:
		panic("arm64: translate of open block")
	case ir.LinkBlock:
		t.ctx.Forward(v.Next)
	case ir.LinkBlockFast:
		t.ctx.Forward(v.Next)
	case ir.ReturnToDispatch:
		t.asm.Ret()
	case ir.ReturnToHost:
		// Leave the runtime: report a step boundary so the dispatcher
		// exits its loop.
		t.asm.MovZ(regIP, uint16(backend.HaltStep), 0)
		t.asm.StrW(regIP, regState, backend.StateOffHaltReason)
		t.asm.Ret()
	case ir.PopRSBHint:
		t.emitPopRSB()
		t.asm.Ret()
	case ir.If:
		cond := t.ctx.X(v.Cond)
		elseLabel := t.asm.NewLabel()
		t.asm.Cbz(cond, elseLabel)
		t.terminal(v.Then)
		t.asm.Bind(elseLabel)
		t.terminal(v.Else)
	case ir.Switch:
		value := t.ctx.X(v.Value)
		for _, c := range v.Cases {
			skip := t.asm.NewLabel()
			if imm := c.Match.Signed(); IsImmAddSub(imm) {
				t.asm.CmpImm(value, uint32(imm))
			} else {
				t.asm.LoadImm64Compact(regIP, c.Match.Value())
				t.asm.CmpRR(value, regIP)
			}
			t.asm.BCond(ir.CondNE, skip)
			t.terminal(c.Then)
			t.asm.Bind(skip)
		}
		t.asm.Ret()
	case ir.CheckHalt:
		cont := t.asm.NewLabel()
		t.asm.LdrW(regIP, regState, backend.StateOffHaltReason)
		t.asm.Cbz(regIP, cont)
		t.asm.Ret()
		t.asm.Bind(cont)
		t.terminal(v.Else)
	default:
		panic("arm64: unknown terminal")
	}
}
