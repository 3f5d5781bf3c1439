package backend

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"j5.nz/svm/pkg/ir"
)

// Software flags register layout, shared by the interpreter and the
// host backends. NZCV mirrors the AArch64 positions; the parity byte
// and the auxiliary-carry nibbles live below them.
const (
	HostFlagBitV = 28
	HostFlagBitC = 29
	HostFlagBitZ = 30
	HostFlagBitN = 31

	HostFlagParityByte = 8  // 8 bits, XOR-reduced on demand
	HostFlagAFLeft     = 16 // low nibble of lhs
	HostFlagAFRight    = 20 // low nibble of result
)

// Interpreter executes IR blocks directly against a State. It is the
// reference fallback: the run loop uses it when the JIT is off or when
// the trampolines cannot run on this host. With the JIT on, a block the
// backend fails to translate halts with IllegalCode instead.
type Interpreter struct {
	state  *State
	cfg    *Config
	space  *AddressSpace
	values     map[*ir.Inst]uint64
	locals     map[uint16]uint64
	currentLoc ir.Location

	// Pending flag results computed at the producer, consumed by the
	// chained SaveFlags pseudo.
	pendingFlags map[*ir.Inst]uint64
}

// NewInterpreter builds an interpreter bound to one runtime state.
func NewInterpreter(state *State, cfg *Config, space *AddressSpace) *Interpreter {
	return &Interpreter{
		state:        state,
		cfg:          cfg,
		space:        space,
		values:       make(map[*ir.Inst]uint64),
		locals:       make(map[uint16]uint64),
		pendingFlags: make(map[*ir.Inst]uint64),
	}
}

// RunBlock executes one block. It returns the halt reason and whether
// the run loop should leave to the host.
func (in *Interpreter) RunBlock(block *ir.Block) (HaltReason, bool) {
	clear(in.values)
	clear(in.pendingFlags)
	in.currentLoc = block.StartLocation()
	for _, inst := range block.Insts() {
		if hr, exit := in.exec(inst); hr != HaltNone || exit {
			return hr, exit
		}
	}
	return in.terminal(block.Terminal())
}

func (in *Interpreter) value(v ir.Value) uint64 {
	if v.Def() == nil {
		panic("interp: undefined value")
	}
	return truncate(in.values[v.Def()], v.Type())
}

func (in *Interpreter) argValue(a ir.Arg) uint64 {
	switch a.Kind {
	case ir.ArgValue:
		return in.value(a.Value)
	case ir.ArgImm:
		return a.Imm.Value()
	default:
		panic("interp: argument is not a value or immediate")
	}
}

// evalOperand folds a compound operand into a scalar.
func (in *Interpreter) evalOperand(op ir.Operand) uint64 {
	left := in.argValue(op.Left)
	if op.Right.IsVoid() {
		return left
	}
	right := in.argValue(op.Right)
	switch op.Op.Kind {
	case ir.OperandNone, ir.OperandPlus:
		return left + right
	case ir.OperandMinus:
		return left - right
	case ir.OperandLSL:
		return left << (right & 63)
	case ir.OperandLSR:
		return left >> (right & 63)
	case ir.OperandEXT:
		return left + right<<op.Op.ShiftExt
	default:
		panic("interp: unknown operand op")
	}
}

func truncate(v uint64, t ir.ValueType) uint64 {
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

// computeFlags derives the software-flag image of an arithmetic
// result.
func computeFlags(t ir.ValueType, lhs, rhs, result uint64, isSub bool) uint64 {
	size := uint(t.SizeBytes() * 8)
	signBit := uint64(1) << (size - 1)
	res := truncate(result, t)

	var flags uint64
	if res == 0 {
		flags |= 1 << HostFlagBitZ
	}
	if res&signBit != 0 {
		flags |= 1 << HostFlagBitN
	}
	var carry bool
	if isSub {
		carry = truncate(lhs, t) >= truncate(rhs, t)
	} else if size < 64 {
		carry = result>>size != 0
	} else {
		carry = result < lhs
	}
	if carry {
		flags |= 1 << HostFlagBitC
	}
	lsign := lhs & signBit
	rsign := rhs & signBit
	osign := res & signBit
	var overflow bool
	if isSub {
		overflow = lsign != rsign && osign != lsign
	} else {
		overflow = lsign == rsign && osign != lsign
	}
	if overflow {
		flags |= 1 << HostFlagBitV
	}
	flags |= (res & 0xFF) << HostFlagParityByte
	flags |= (lhs & 0xF) << HostFlagAFLeft
	flags |= (res & 0xF) << HostFlagAFRight
	return flags
}

func (in *Interpreter) exec(inst *ir.Inst) (HaltReason, bool) {
	switch inst.Op() {
	case ir.OpNop, ir.OpDefineLocal:
	case ir.OpUniformBarrier:
	case ir.OpLoadImm:
		in.values[inst] = inst.Arg(0).Imm.Value()

	case ir.OpLoadUniform:
		uni := inst.Arg(0).Uniform
		in.values[inst] = in.readUniform(uni)
	case ir.OpStoreUniform:
		uni := inst.Arg(0).Uniform
		in.writeUniform(uni, in.value(inst.Arg(1).Value))

	case ir.OpLoadLocal:
		in.values[inst] = in.locals[inst.Arg(0).Local.ID]
	case ir.OpStoreLocal:
		in.locals[inst.Arg(0).Local.ID] = in.value(inst.Arg(1).Value)

	case ir.OpLoadMemory, ir.OpLoadMemoryTSO:
		addr := in.evalOperand(inst.GetOperand(0))
		in.values[inst] = in.readMemory(addr, inst.ReturnType())
	case ir.OpStoreMemory, ir.OpStoreMemoryTSO:
		addr := in.evalOperand(inst.GetOperand(0))
		value := inst.Arg(3).Value
		in.writeMemory(addr, in.value(value), value.Type())
	case ir.OpMemoryCopy:
		dest := in.value(inst.Arg(0).Value)
		src := in.value(inst.Arg(1).Value)
		n := inst.Arg(2).Imm.Value()
		copy(in.hostBytes(dest, int(n)), in.hostBytes(src, int(n)))
	case ir.OpCompareAndSwap:
		addr := in.value(inst.Arg(0).Value)
		expected := in.value(inst.Arg(1).Value)
		desired := in.value(inst.Arg(2).Value)
		t := inst.ReturnType()
		old := in.readMemory(addr, t)
		if old == expected {
			in.writeMemory(addr, desired, t)
		}
		in.values[inst] = old

	case ir.OpAdd, ir.OpAdc, ir.OpSub, ir.OpSbb, ir.OpMul, ir.OpDiv,
		ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpAndNot:
		return in.execArith(inst)

	case ir.OpNot:
		in.values[inst] = truncate(^in.value(inst.Arg(0).Value), inst.ReturnType())
	case ir.OpNeg:
		in.values[inst] = truncate(-in.value(inst.Arg(0).Value), inst.ReturnType())
	case ir.OpZero:
		in.values[inst] = 0

	case ir.OpLslImm:
		in.values[inst] = truncate(in.value(inst.Arg(0).Value)<<(inst.Arg(1).Imm.Value()&63), inst.ReturnType())
	case ir.OpLsrImm:
		in.values[inst] = truncate(in.value(inst.Arg(0).Value)>>(inst.Arg(1).Imm.Value()&63), inst.ReturnType())
	case ir.OpAsrImm:
		in.values[inst] = truncate(uint64(int64(in.signExtended(inst.Arg(0).Value))>>(inst.Arg(1).Imm.Value()&63)), inst.ReturnType())
	case ir.OpRorImm:
		in.values[inst] = truncate(bits.RotateLeft64(in.value(inst.Arg(0).Value), -int(inst.Arg(1).Imm.Value()&63)), inst.ReturnType())
	case ir.OpLslValue:
		in.values[inst] = truncate(in.value(inst.Arg(0).Value)<<(in.value(inst.Arg(1).Value)&63), inst.ReturnType())
	case ir.OpLsrValue:
		in.values[inst] = truncate(in.value(inst.Arg(0).Value)>>(in.value(inst.Arg(1).Value)&63), inst.ReturnType())
	case ir.OpAsrValue:
		in.values[inst] = truncate(uint64(int64(in.signExtended(inst.Arg(0).Value))>>(in.value(inst.Arg(1).Value)&63)), inst.ReturnType())
	case ir.OpRorValue:
		in.values[inst] = truncate(bits.RotateLeft64(in.value(inst.Arg(0).Value), -int(in.value(inst.Arg(1).Value)&63)), inst.ReturnType())

	case ir.OpBitCast:
		in.values[inst] = truncate(in.value(inst.Arg(0).Value), inst.ReturnType())
	case ir.OpBitExtract:
		lsb := inst.Arg(1).Imm.Value()
		width := inst.Arg(2).Imm.Value()
		in.values[inst] = (in.value(inst.Arg(0).Value) >> lsb) & mask(width)
	case ir.OpBitInsert:
		lsb := inst.Arg(1).Imm.Value()
		width := inst.Arg(2).Imm.Value()
		v := in.value(inst.Arg(0).Value) & mask(width)
		in.values[inst] = v << lsb
	case ir.OpBitClear:
		lsb := inst.Arg(1).Imm.Value()
		width := inst.Arg(2).Imm.Value()
		in.values[inst] = in.value(inst.Arg(0).Value) &^ (mask(width) << lsb)
	case ir.OpTestBit:
		bit := inst.Arg(1).Imm.Value()
		in.values[inst] = (in.value(inst.Arg(0).Value) >> bit) & 1
	case ir.OpSignExtend:
		fromBits := inst.Arg(1).Imm.Value()
		v := in.value(inst.Arg(0).Value)
		shift := 64 - fromBits
		in.values[inst] = truncate(uint64(int64(v<<shift)>>shift), inst.ReturnType())
	case ir.OpZeroExtend32:
		in.values[inst] = in.value(inst.Arg(0).Value) & 0xFFFFFFFF
	case ir.OpZeroExtend64:
		in.values[inst] = in.value(inst.Arg(0).Value)

	case ir.OpSaveFlags:
		producer := inst.Arg(0).Value.Def()
		pending := in.pendingFlags[producer]
		maskBits := softFlagMask(inst.Arg(1).Flags)
		in.state.SetHostFlags(in.state.HostFlags()&^maskBits | pending&maskBits)
	case ir.OpClearFlags:
		maskBits := softFlagMask(inst.Arg(1).Flags)
		cleared := in.state.HostFlags() &^ maskBits
		if inst.Arg(1).Flags.Has(ir.FlagParity) {
			// An odd parity byte reads as parity-clear.
			cleared |= 1 << HostFlagParityByte
		}
		in.state.SetHostFlags(cleared)
	case ir.OpGetFlags:
		in.values[inst] = in.state.HostFlags() & softFlagMask(inst.Arg(0).Flags)
	case ir.OpTestFlags:
		maskBits := softFlagMask(inst.Arg(0).Flags)
		in.values[inst] = boolVal(in.guestFlags()&inst.Arg(0).Flags == inst.Arg(0).Flags && maskBits != 0)
	case ir.OpTestNotFlags:
		in.values[inst] = boolVal(in.guestFlags()&inst.Arg(0).Flags == 0)
	case ir.OpTestZero:
		in.values[inst] = boolVal(in.value(inst.Arg(0).Value) == 0)
	case ir.OpTestNotZero:
		in.values[inst] = boolVal(in.value(inst.Arg(0).Value) != 0)

	case ir.OpAddPhi:
		// φ nodes need predecessor context the block interpreter does
		// not carry.
		return HaltIllegalCode, true

	case ir.OpGetHostGPR, ir.OpSetHostGPR, ir.OpGetHostFPR, ir.OpSetHostFPR:
		// Static-uniform forms only appear on the JIT path.
		return HaltIllegalCode, true

	case ir.OpGetLocation:
		in.values[inst] = uint64(in.currentLoc)
	case ir.OpSetLocation:
		in.state.SetCurrentLoc(ir.Location(in.lambdaValue(inst.Arg(0).Lambda)))
	case ir.OpAdvancePC:
		in.currentLoc += ir.Location(inst.Arg(0).Imm.Value())
		in.state.SetCurrentLoc(in.currentLoc)

	case ir.OpPushRSB:
		in.pushRSB(ir.Location(inst.Arg(0).Imm.Value()))
	case ir.OpPopRSB:
		in.popRSB()

	case ir.OpCallLambda, ir.OpCallDynamic:
		addr := ir.Location(in.lambdaValue(inst.Arg(0).Lambda))
		return in.callHost(inst, addr, inst.Arg(1).Params)
	case ir.OpCallLocation:
		addr := ir.Location(inst.Arg(0).Imm.Value())
		return in.callHost(inst, addr, inst.Arg(1).Params)

	default:
		return HaltIllegalCode, true
	}
	return HaltNone, false
}

// execArith evaluates a two-operand arithmetic op and stashes the flag
// image for a chained SaveFlags.
func (in *Interpreter) execArith(inst *ir.Inst) (HaltReason, bool) {
	lhs := in.value(inst.Arg(0).Value)
	rhs := in.evalOperand(inst.GetOperand(1))
	t := inst.ReturnType()
	carry := (in.state.HostFlags() >> HostFlagBitC) & 1

	var result uint64
	isSub := false
	switch inst.Op() {
	case ir.OpAdd:
		result = lhs + rhs
	case ir.OpAdc:
		result = lhs + rhs + carry
	case ir.OpSub:
		result = lhs - rhs
		isSub = true
	case ir.OpSbb:
		result = lhs - rhs - (1 - carry)
		isSub = true
	case ir.OpMul:
		result = lhs * rhs
	case ir.OpDiv:
		if rhs == 0 {
			return HaltPageFatal, true
		}
		result = lhs / rhs
	case ir.OpAnd:
		result = lhs & rhs
	case ir.OpOr:
		result = lhs | rhs
	case ir.OpXor:
		result = lhs ^ rhs
	case ir.OpAndNot:
		result = lhs &^ rhs
	}
	in.values[inst] = truncate(result, t)
	if inst.GetPseudoOperation(ir.OpSaveFlags) != nil {
		in.pendingFlags[inst] = computeFlags(t, lhs, rhs, result, isSub)
	}
	return HaltNone, false
}

// guestFlags reconstructs the guest flag bitset from the software
// flags image, deriving parity and auxiliary carry on demand.
func (in *Interpreter) guestFlags() ir.Flags {
	soft := in.state.HostFlags()
	var f ir.Flags
	if soft&(1<<HostFlagBitC) != 0 {
		f |= ir.FlagCarry
	}
	if soft&(1<<HostFlagBitV) != 0 {
		f |= ir.FlagOverflow
	}
	if soft&(1<<HostFlagBitZ) != 0 {
		f |= ir.FlagZero
	}
	if soft&(1<<HostFlagBitN) != 0 {
		f |= ir.FlagNegate
	}
	parityByte := uint8(soft >> HostFlagParityByte)
	if bits.OnesCount8(parityByte)%2 == 0 {
		f |= ir.FlagParity
	}
	left := (soft >> HostFlagAFLeft) & 0xF
	right := (soft >> HostFlagAFRight) & 0xF
	if right < left {
		f |= ir.FlagAuxiliaryCarry
	}
	return f
}

// softFlagMask maps a guest flag set onto software-register bits.
func softFlagMask(f ir.Flags) uint64 {
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
	if f.Has(ir.FlagParity) {
		m |= 0xFF << HostFlagParityByte
	}
	if f.Has(ir.FlagAuxiliaryCarry) {
		m |= 0xFF << HostFlagAFLeft
	}
	return m
}

func (in *Interpreter) signExtended(v ir.Value) uint64 {
	raw := in.value(v)
	size := v.Type().SizeBytes() * 8
	if size >= 64 {
		return raw
	}
	shift := 64 - size
	return uint64(int64(raw<<shift) >> shift)
}

func (in *Interpreter) lambdaValue(l ir.Lambda) uint64 {
	if l.IsValue() {
		return in.value(l.Value())
	}
	return l.Imm().Value()
}

func (in *Interpreter) readUniform(uni ir.Uniform) uint64 {
	buf := in.state.UniformBuffer()
	size := uni.Type.SizeBytes()
	var out uint64
	for i := 0; i < size && int(uni.Offset)+i < len(buf); i++ {
		out |= uint64(buf[int(uni.Offset)+i]) << (8 * i)
	}
	return out
}

func (in *Interpreter) writeUniform(uni ir.Uniform, v uint64) {
	buf := in.state.UniformBuffer()
	size := uni.Type.SizeBytes()
	for i := 0; i < size && int(uni.Offset)+i < len(buf); i++ {
		buf[int(uni.Offset)+i] = byte(v >> (8 * i))
	}
}

// hostBytes views guest memory as a host byte slice, applying the
// configured memory base.
func (in *Interpreter) hostBytes(guestAddr uint64, size int) []byte {
	host := uintptr(guestAddr)
	if in.cfg.MemoryBase != 0 {
		host = in.cfg.MemoryBase + uintptr(guestAddr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), size)
}

func (in *Interpreter) readMemory(addr uint64, t ir.ValueType) uint64 {
	b := in.hostBytes(addr, t.SizeBytes())
	switch t.SizeBytes() {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (in *Interpreter) writeMemory(addr, v uint64, t ir.ValueType) {
	b := in.hostBytes(addr, t.SizeBytes())
	switch t.SizeBytes() {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// pushRSB records a predicted return. The frame pointer in State walks
// the per-thread circular buffer.
func (in *Interpreter) pushRSB(loc ir.Location) {
	p := in.state.RSBPointer()
	if p == 0 {
		return
	}
	next := p + unsafe.Sizeof(RSBFrame{})
	frame := (*RSBFrame)(unsafe.Pointer(next))
	frame.LocationHash = rsbLocationHash(loc)
	frame.CacheSlot = 0
	in.state.SetRSBPointer(next)
}

func (in *Interpreter) popRSB() {
	p := in.state.RSBPointer()
	if p == 0 {
		return
	}
	frame := (*RSBFrame)(unsafe.Pointer(p))
	if frame.LocationHash != rsbInitKey {
		in.state.SetRSBPointer(p - unsafe.Sizeof(RSBFrame{}))
	}
}

// rsbLocationHash folds a location the way the dispatcher's hash
// pre-shift does; mispredictions fall back through the dispatcher so
// only the hit rate depends on the fold.
func rsbLocationHash(loc ir.Location) uint32 {
	v := uint64(loc) >> 2
	return uint32(v ^ v>>32)
}

// callHost resolves and invokes a registered host function; an
// unregistered target halts with CallHost so the host loop decides.
func (in *Interpreter) callHost(inst *ir.Inst, addr ir.Location, params ir.Params) (HaltReason, bool) {
	fn := in.space.LookupHostFunction(addr)
	if fn == nil {
		in.state.SetCurrentLoc(addr)
		in.state.HaltReasonOr(HaltCallHost)
		return HaltCallHost, true
	}
	args := make([]uint64, 0, len(params))
	for _, p := range params {
		args = append(args, in.argValue(p))
	}
	in.values[inst] = fn.Impl(args)
	return HaltNone, false
}

func (in *Interpreter) terminal(t ir.Terminal) (HaltReason, bool) {
	switch v := t.(type) {
	case nil:
		return HaltIllegalCode, true
	case ir.LinkBlock:
		in.state.SetCurrentLoc(v.Next)
		return HaltNone, false
	case ir.LinkBlockFast:
		in.state.SetCurrentLoc(v.Next)
		return HaltNone, false
	case ir.ReturnToDispatch:
		return HaltNone, false
	case ir.ReturnToHost:
		return HaltNone, true
	case ir.PopRSBHint:
		in.popRSB()
		return HaltNone, false
	case ir.If:
		if in.value(v.Cond) != 0 {
			return in.terminal(v.Then)
		}
		return in.terminal(v.Else)
	case ir.Switch:
		val := in.value(v.Value)
		for _, c := range v.Cases {
			if val == c.Match.Value() {
				return in.terminal(c.Then)
			}
		}
		return HaltNone, false
	case ir.CheckHalt:
		if hr := in.state.HaltReasonLoad(); hr != HaltNone {
			return hr, true
		}
		return in.terminal(v.Else)
	default:
		return HaltIllegalCode, true
	}
}

func boolVal(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func mask(width uint64) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (1 << width) - 1
}
