package ir

// Typed emission helpers. The IR surface used by frontends and tests;
// anything not covered goes through AppendInst directly.

// LoadImm materializes an immediate.
func (f *HIRFunction) LoadImm(imm Imm) Value {
	return f.AppendInst(OpLoadImm, imm).SetReturn(imm.Type()).Value()
}

// LoadUniform reads a slice of the uniform buffer.
func (f *HIRFunction) LoadUniform(u Uniform) Value {
	return f.AppendInst(OpLoadUniform, u).SetReturn(u.Type).Value()
}

// StoreUniform writes a slice of the uniform buffer.
func (f *HIRFunction) StoreUniform(u Uniform, v Value) {
	f.AppendInst(OpStoreUniform, u, v)
}

// DefineLocal declares a pre-SSA local slot.
func (f *HIRFunction) DefineLocal(l Local) { f.AppendInst(OpDefineLocal, l) }

// LoadLocal reads a pre-SSA local slot.
func (f *HIRFunction) LoadLocal(l Local) Value {
	return f.AppendInst(OpLoadLocal, l).SetReturn(l.Type).Value()
}

// StoreLocal writes a pre-SSA local slot.
func (f *HIRFunction) StoreLocal(l Local, v Value) {
	f.AppendInst(OpStoreLocal, l, v)
}

// Add emits left + right.
func (f *HIRFunction) Add(left Value, right Operand) Value {
	return f.AppendInst(OpAdd, left, right).SetReturn(left.Type()).Value()
}

// Sub emits left - right.
func (f *HIRFunction) Sub(left Value, right Operand) Value {
	return f.AppendInst(OpSub, left, right).SetReturn(left.Type()).Value()
}

// And emits left & right.
func (f *HIRFunction) And(left Value, right Operand) Value {
	return f.AppendInst(OpAnd, left, right).SetReturn(left.Type()).Value()
}

// Or emits left | right.
func (f *HIRFunction) Or(left Value, right Operand) Value {
	return f.AppendInst(OpOr, left, right).SetReturn(left.Type()).Value()
}

// Xor emits left ^ right.
func (f *HIRFunction) Xor(left Value, right Operand) Value {
	return f.AppendInst(OpXor, left, right).SetReturn(left.Type()).Value()
}

// Mul emits left * right.
func (f *HIRFunction) Mul(left Value, right Operand) Value {
	return f.AppendInst(OpMul, left, right).SetReturn(left.Type()).Value()
}

// Not emits ^v.
func (f *HIRFunction) Not(v Value) Value {
	return f.AppendInst(OpNot, v).SetReturn(v.Type()).Value()
}

// BitCast reinterprets v as the target type set by the caller.
func (f *HIRFunction) BitCast(v Value, t ValueType) Value {
	return f.AppendInst(OpBitCast, v).SetReturn(t).Value()
}

// BitExtract extracts bits [lsb, lsb+width) of v.
func (f *HIRFunction) BitExtract(v Value, lsb, width Imm) Value {
	return f.AppendInst(OpBitExtract, v, lsb, width).SetReturn(v.Type()).Value()
}

// LoadMemory reads guest memory at the operand address.
func (f *HIRFunction) LoadMemory(addr Operand, t ValueType) Value {
	return f.AppendInst(OpLoadMemory, addr).SetReturn(t).Value()
}

// StoreMemory writes guest memory at the operand address.
func (f *HIRFunction) StoreMemory(addr Operand, v Value) {
	f.AppendInst(OpStoreMemory, addr, v)
}

// SaveFlags attaches a flag-save pseudo to the producer of v.
func (f *HIRFunction) SaveFlags(v Value, flags Flags) {
	f.AppendInst(OpSaveFlags, v, flags)
}

// ClearFlags attaches a flag-clear pseudo to the producer of v.
func (f *HIRFunction) ClearFlags(v Value, flags Flags) {
	f.AppendInst(OpClearFlags, v, flags)
}

// TestZero emits v == 0.
func (f *HIRFunction) TestZero(v Value) Value {
	return f.AppendInst(OpTestZero, v).Value()
}

// TestNotZero emits v != 0.
func (f *HIRFunction) TestNotZero(v Value) Value {
	return f.AppendInst(OpTestNotZero, v).Value()
}

// PushRSB pushes the predicted return location.
func (f *HIRFunction) PushRSB(ret Imm) { f.AppendInst(OpPushRSB, ret) }

// CallDynamic emits a call through a lambda.
func (f *HIRFunction) CallDynamic(l Lambda, params Params) Value {
	return f.AppendInst(OpCallDynamic, l, params).Value()
}

// SetLocation records the guest PC from a lambda.
func (f *HIRFunction) SetLocation(l Lambda) { f.AppendInst(OpSetLocation, l) }

// AdvancePC advances the guest PC by the instruction length.
func (f *HIRFunction) AdvancePC(step Imm) { f.AppendInst(OpAdvancePC, step) }

// Block-level variants used when driving specific CFG arms.

// LoadImm materializes an immediate in this block.
func (b *HIRBlock) LoadImm(imm Imm) Value {
	return b.AppendInst(OpLoadImm, imm).SetReturn(imm.Type()).Value()
}

// StoreLocal writes a pre-SSA local slot in this block.
func (b *HIRBlock) StoreLocal(l Local, v Value) {
	b.AppendInst(OpStoreLocal, l, v)
}

// LoadLocal reads a pre-SSA local slot in this block.
func (b *HIRBlock) LoadLocal(l Local) Value {
	return b.AppendInst(OpLoadLocal, l).SetReturn(l.Type).Value()
}

// StoreUniform writes a slice of the uniform buffer in this block.
func (b *HIRBlock) StoreUniform(u Uniform, v Value) {
	b.AppendInst(OpStoreUniform, u, v)
}
