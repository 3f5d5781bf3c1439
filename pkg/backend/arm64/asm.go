// Package arm64 is the primary host backend: an AArch64 assembler,
// the runtime-entry/dispatcher trampolines, and the IR to host
// lowering.
package arm64

import (
	"encoding/binary"

	"j5.nz/svm/pkg/ir"
)

// === ARM64 assembler ===
// Fixed-width 32-bit instructions, little-endian. Emitters append raw
// encodings; branches to labels record fixups resolved by Finalize.

// Register indices (X0-X30, SP/XZR = 31).
const (
	X0  = 0
	X1  = 1
	X2  = 2
	X3  = 3
	X4  = 4
	X5  = 5
	X6  = 6
	X7  = 7
	X8  = 8
	X9  = 9
	X10 = 10
	X11 = 11
	X12 = 12
	X13 = 13
	X14 = 14
	X15 = 15
	X16 = 16
	X17 = 17
	X18 = 18
	X19 = 19
	X20 = 20
	X21 = 21
	X22 = 22
	X23 = 23
	X24 = 24
	X25 = 25
	X26 = 26
	X27 = 27
	X28 = 28
	FP  = 29
	LR  = 30
	SP  = 31
	XZR = 31
)

// Shift kinds for shifted-register forms.
const (
	ShiftLSL = 0
	ShiftLSR = 1
	ShiftASR = 2
)

type fixupKind uint8

const (
	fixB fixupKind = iota
	fixBCond
	fixCompareBranch
	fixTestBranch
	fixAdr
)

type labelFixup struct {
	offset int
	kind   fixupKind
}

// Label is a branch target; unbound labels may be bound to raw buffer
// offsets (including out-of-buffer ones) before Finalize.
type Label struct {
	bound  bool
	offset int
	fixups []labelFixup
}

// Bound reports whether the label has a position.
func (l *Label) Bound() bool { return l.bound }

// Assembler accumulates encoded instructions.
type Assembler struct {
	code   []byte
	labels []*Label
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Emit appends one 32-bit instruction.
func (a *Assembler) Emit(inst uint32) {
	a.code = append(a.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

// Size returns the current buffer size in bytes.
func (a *Assembler) Size() int { return len(a.code) }

// Code returns the encoded buffer.
func (a *Assembler) Code() []byte { return a.code }

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() *Label {
	l := &Label{}
	a.labels = append(a.labels, l)
	return l
}

// Bind places a label at the current position.
func (a *Assembler) Bind(l *Label) {
	l.bound = true
	l.offset = len(a.code)
}

// BindToOffset places a label at an arbitrary buffer-relative byte
// offset; block links use it to branch outside the buffer.
func (a *Assembler) BindToOffset(l *Label, offset int) {
	l.bound = true
	l.offset = offset
}

// Finalize resolves every recorded fixup. Unbound labels panic: a
// branch without a target is a programmer error.
func (a *Assembler) Finalize() {
	for _, l := range a.labels {
		if len(l.fixups) == 0 {
			continue
		}
		if !l.bound {
			panic("arm64: unbound label at finalize")
		}
		for _, fix := range l.fixups {
			a.patchBranch(fix, l.offset)
		}
		l.fixups = nil
	}
}

func (a *Assembler) patchBranch(fix labelFixup, target int) {
	delta := (target - fix.offset) / 4
	existing := binary.LittleEndian.Uint32(a.code[fix.offset:])
	var patched uint32
	switch fix.kind {
	case fixB:
		patched = existing&0xFC000000 | uint32(delta)&0x03FFFFFF
	case fixBCond, fixCompareBranch:
		patched = existing&^uint32(0x7FFFF<<5) | (uint32(delta)&0x7FFFF)<<5
	case fixTestBranch:
		patched = existing&^uint32(0x3FFF<<5) | (uint32(delta)&0x3FFF)<<5
	case fixAdr:
		byteDelta := uint32(target - fix.offset)
		immlo := byteDelta & 0x3
		immhi := (byteDelta >> 2) & 0x7FFFF
		patched = existing&0x9F00001F | immlo<<29 | immhi<<5
	}
	binary.LittleEndian.PutUint32(a.code[fix.offset:], patched)
}

func (a *Assembler) branchTo(l *Label, kind fixupKind, inst uint32) {
	if l.bound {
		fix := labelFixup{offset: len(a.code), kind: kind}
		a.Emit(inst)
		a.patchBranch(fix, l.offset)
		return
	}
	l.fixups = append(l.fixups, labelFixup{offset: len(a.code), kind: kind})
	a.Emit(inst)
}

// === Immediate loading ===

// MovZ emits MOVZ Xd, #imm16, LSL #shift.
func (a *Assembler) MovZ(rd int, imm16 uint16, shift int) {
	a.Emit(0xD2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// MovK emits MOVK Xd, #imm16, LSL #shift.
func (a *Assembler) MovK(rd int, imm16 uint16, shift int) {
	a.Emit(0xF2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// MovN emits MOVN Xd, #imm16, LSL #shift.
func (a *Assembler) MovN(rd int, imm16 uint16, shift int) {
	a.Emit(0x92800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// LoadImm64 loads a 64-bit value with a fixed 4-instruction MOVZ/MOVK
// sequence so the site can be patched later.
func (a *Assembler) LoadImm64(rd int, val uint64) {
	a.MovZ(rd, uint16(val), 0)
	a.MovK(rd, uint16(val>>16), 16)
	a.MovK(rd, uint16(val>>32), 32)
	a.MovK(rd, uint16(val>>48), 48)
}

// LoadImm64Compact loads a 64-bit value in as few instructions as
// possible. Not patchable.
func (a *Assembler) LoadImm64Compact(rd int, val uint64) {
	if val == 0 {
		a.MovZ(rd, 0, 0)
		return
	}
	if inv := ^val; inv&0xFFFF == inv {
		a.MovN(rd, uint16(inv), 0)
		return
	}
	first := true
	for shift := 0; shift < 64; shift += 16 {
		chunk := uint16(val >> shift)
		if chunk == 0 && shift != 0 {
			continue
		}
		if first {
			a.MovZ(rd, chunk, shift)
			first = false
		} else if chunk != 0 {
			a.MovK(rd, chunk, shift)
		}
	}
}

// === Arithmetic ===

// AddRR emits ADD Xd, Xn, Xm.
func (a *Assembler) AddRR(rd, rn, rm int) { a.AddShifted(rd, rn, rm, ShiftLSL, 0) }

// AddShifted emits ADD Xd, Xn, Xm, <shift> #amount.
func (a *Assembler) AddShifted(rd, rn, rm, shift, amount int) {
	a.Emit(0x8B000000 | uint32(shift)<<22 | reg(rm)<<16 | uint32(amount&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// AddsRR emits ADDS Xd, Xn, Xm (flag-setting).
func (a *Assembler) AddsRR(rd, rn, rm int) {
	a.Emit(0xAB000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// SubRR emits SUB Xd, Xn, Xm.
func (a *Assembler) SubRR(rd, rn, rm int) { a.SubShifted(rd, rn, rm, ShiftLSL, 0) }

// SubShifted emits SUB Xd, Xn, Xm, <shift> #amount.
func (a *Assembler) SubShifted(rd, rn, rm, shift, amount int) {
	a.Emit(0xCB000000 | uint32(shift)<<22 | reg(rm)<<16 | uint32(amount&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// SubsRR emits SUBS Xd, Xn, Xm.
func (a *Assembler) SubsRR(rd, rn, rm int) {
	a.Emit(0xEB000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AddImm emits ADD Xd, Xn, #imm12.
func (a *Assembler) AddImm(rd, rn int, imm12 uint32) {
	a.Emit(0x91000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// AddsImm emits ADDS Xd, Xn, #imm12.
func (a *Assembler) AddsImm(rd, rn int, imm12 uint32) {
	a.Emit(0xB1000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// SubImm emits SUB Xd, Xn, #imm12.
func (a *Assembler) SubImm(rd, rn int, imm12 uint32) {
	a.Emit(0xD1000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// SubsImm emits SUBS Xd, Xn, #imm12.
func (a *Assembler) SubsImm(rd, rn int, imm12 uint32) {
	a.Emit(0xF1000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// Mul emits MUL Xd, Xn, Xm.
func (a *Assembler) Mul(rd, rn, rm int) {
	a.Emit(0x9B007C00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Sdiv emits SDIV Xd, Xn, Xm.
func (a *Assembler) Sdiv(rd, rn, rm int) {
	a.Emit(0x9AC00C00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Udiv emits UDIV Xd, Xn, Xm.
func (a *Assembler) Udiv(rd, rn, rm int) {
	a.Emit(0x9AC00800 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Adc emits ADC Xd, Xn, Xm.
func (a *Assembler) Adc(rd, rn, rm int) {
	a.Emit(0x9A000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Adcs emits ADCS Xd, Xn, Xm.
func (a *Assembler) Adcs(rd, rn, rm int) {
	a.Emit(0xBA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Sbc emits SBC Xd, Xn, Xm.
func (a *Assembler) Sbc(rd, rn, rm int) {
	a.Emit(0xDA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Sbcs emits SBCS Xd, Xn, Xm.
func (a *Assembler) Sbcs(rd, rn, rm int) {
	a.Emit(0xFA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Neg emits NEG Xd, Xm.
func (a *Assembler) Neg(rd, rm int) { a.SubRR(rd, XZR, rm) }

// === Logic ===

// AndRR emits AND Xd, Xn, Xm.
func (a *Assembler) AndRR(rd, rn, rm int) {
	a.Emit(0x8A000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AndsRR emits ANDS Xd, Xn, Xm.
func (a *Assembler) AndsRR(rd, rn, rm int) {
	a.Emit(0xEA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// OrrRR emits ORR Xd, Xn, Xm.
func (a *Assembler) OrrRR(rd, rn, rm int) { a.OrrShifted(rd, rn, rm, ShiftLSL, 0) }

// OrrShifted emits ORR Xd, Xn, Xm, <shift> #amount.
func (a *Assembler) OrrShifted(rd, rn, rm, shift, amount int) {
	a.Emit(0xAA000000 | uint32(shift)<<22 | reg(rm)<<16 | uint32(amount&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// EorRR emits EOR Xd, Xn, Xm.
func (a *Assembler) EorRR(rd, rn, rm int) { a.EorShifted(rd, rn, rm, ShiftLSL, 0) }

// EorShifted emits EOR Xd, Xn, Xm, <shift> #amount.
func (a *Assembler) EorShifted(rd, rn, rm, shift, amount int) {
	a.Emit(0xCA000000 | uint32(shift)<<22 | reg(rm)<<16 | uint32(amount&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// BicRR emits BIC Xd, Xn, Xm.
func (a *Assembler) BicRR(rd, rn, rm int) {
	a.Emit(0x8A200000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Bics emits BICS Xd, Xn, Xm.
func (a *Assembler) Bics(rd, rn, rm int) {
	a.Emit(0xEA200000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Mvn emits MVN Xd, Xm.
func (a *Assembler) Mvn(rd, rm int) {
	a.Emit(0xAA200000 | reg(rm)<<16 | reg(XZR)<<5 | reg(rd))
}

// === Shifts ===

// LslRR emits LSLV Xd, Xn, Xm.
func (a *Assembler) LslRR(rd, rn, rm int) {
	a.Emit(0x9AC02000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// LsrRR emits LSRV Xd, Xn, Xm.
func (a *Assembler) LsrRR(rd, rn, rm int) {
	a.Emit(0x9AC02400 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AsrRR emits ASRV Xd, Xn, Xm.
func (a *Assembler) AsrRR(rd, rn, rm int) {
	a.Emit(0x9AC02800 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// RorRR emits RORV Xd, Xn, Xm.
func (a *Assembler) RorRR(rd, rn, rm int) {
	a.Emit(0x9AC02C00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// LslImm emits LSL Xd, Xn, #shift (UBFM alias).
func (a *Assembler) LslImm(rd, rn int, shift uint32) {
	immr := (64 - shift) & 0x3F
	imms := (63 - shift) & 0x3F
	a.Ubfm(rd, rn, immr, imms)
}

// LsrImm emits LSR Xd, Xn, #shift (UBFM alias).
func (a *Assembler) LsrImm(rd, rn int, shift uint32) { a.Ubfm(rd, rn, shift&0x3F, 63) }

// AsrImm emits ASR Xd, Xn, #shift (SBFM alias).
func (a *Assembler) AsrImm(rd, rn int, shift uint32) { a.Sbfm(rd, rn, shift&0x3F, 63) }

// RorImm emits ROR Xd, Xn, #shift (EXTR alias).
func (a *Assembler) RorImm(rd, rn int, shift uint32) {
	a.Emit(0x93C00000 | reg(rn)<<16 | (shift&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// === Bit fields ===

// Ubfm emits UBFM Xd, Xn, #immr, #imms.
func (a *Assembler) Ubfm(rd, rn int, immr, imms uint32) {
	a.Emit(0xD3400000 | (immr&0x3F)<<16 | (imms&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// Sbfm emits SBFM Xd, Xn, #immr, #imms.
func (a *Assembler) Sbfm(rd, rn int, immr, imms uint32) {
	a.Emit(0x93400000 | (immr&0x3F)<<16 | (imms&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// Bfm emits BFM Xd, Xn, #immr, #imms.
func (a *Assembler) Bfm(rd, rn int, immr, imms uint32) {
	a.Emit(0xB3400000 | (immr&0x3F)<<16 | (imms&0x3F)<<10 | reg(rn)<<5 | reg(rd))
}

// Ubfx emits UBFX Xd, Xn, #lsb, #width.
func (a *Assembler) Ubfx(rd, rn int, lsb, width uint32) {
	a.Ubfm(rd, rn, lsb, lsb+width-1)
}

// Sbfx emits SBFX Xd, Xn, #lsb, #width.
func (a *Assembler) Sbfx(rd, rn int, lsb, width uint32) {
	a.Sbfm(rd, rn, lsb, lsb+width-1)
}

// Bfi emits BFI Xd, Xn, #lsb, #width.
func (a *Assembler) Bfi(rd, rn int, lsb, width uint32) {
	a.Bfm(rd, rn, (64-lsb)&0x3F, width-1)
}

// Bfc emits BFC Xd, #lsb, #width.
func (a *Assembler) Bfc(rd int, lsb, width uint32) {
	a.Bfm(rd, XZR, (64-lsb)&0x3F, width-1)
}

// Sxtb emits SXTB Xd, Wn.
func (a *Assembler) Sxtb(rd, rn int) { a.Sbfm(rd, rn, 0, 7) }

// Sxth emits SXTH Xd, Wn.
func (a *Assembler) Sxth(rd, rn int) { a.Sbfm(rd, rn, 0, 15) }

// Sxtw emits SXTW Xd, Wn.
func (a *Assembler) Sxtw(rd, rn int) { a.Sbfm(rd, rn, 0, 31) }

// Uxtb emits UXTB Wd, Wn (32-bit UBFM form).
func (a *Assembler) Uxtb(rd, rn int) {
	a.Emit(0x53001C00 | reg(rn)<<5 | reg(rd))
}

// Uxth emits UXTH Wd, Wn.
func (a *Assembler) Uxth(rd, rn int) {
	a.Emit(0x53003C00 | reg(rn)<<5 | reg(rd))
}

// MovW emits MOV Wd, Wn; writing the W register zero-extends.
func (a *Assembler) MovW(rd, rn int) {
	a.Emit(0x2A0003E0 | reg(rn)<<16 | reg(rd))
}

// === Compare / select ===

// CmpRR emits CMP Xn, Xm.
func (a *Assembler) CmpRR(rn, rm int) { a.SubsRR(XZR, rn, rm) }

// CmpImm emits CMP Xn, #imm12.
func (a *Assembler) CmpImm(rn int, imm12 uint32) { a.SubsImm(XZR, rn, imm12) }

// TstRR emits TST Xn, Xm.
func (a *Assembler) TstRR(rn, rm int) { a.AndsRR(XZR, rn, rm) }

// Cset emits CSET Xd, cond.
func (a *Assembler) Cset(rd int, cond ir.Cond) {
	inv := uint32(cond) ^ 1
	a.Emit(0x9A9F07E0 | inv<<12 | reg(rd))
}

// Csel emits CSEL Xd, Xn, Xm, cond.
func (a *Assembler) Csel(rd, rn, rm int, cond ir.Cond) {
	a.Emit(0x9A800000 | reg(rm)<<16 | uint32(cond)<<12 | reg(rn)<<5 | reg(rd))
}

// === Memory ===

// Ldr emits a 64-bit load from [Xn, #offset], picking scaled,
// unscaled, or scratch-composed addressing.
func (a *Assembler) Ldr(rt, rn, offset int) { a.loadStore(0xF9400000, 0xF8400000, 8, rt, rn, offset) }

// Str emits a 64-bit store to [Xn, #offset].
func (a *Assembler) Str(rt, rn, offset int) { a.loadStore(0xF9000000, 0xF8000000, 8, rt, rn, offset) }

// LdrW emits a 32-bit load.
func (a *Assembler) LdrW(rt, rn, offset int) { a.loadStore(0xB9400000, 0xB8400000, 4, rt, rn, offset) }

// StrW emits a 32-bit store.
func (a *Assembler) StrW(rt, rn, offset int) { a.loadStore(0xB9000000, 0xB8000000, 4, rt, rn, offset) }

// Ldrh emits a halfword load (zero-extend).
func (a *Assembler) Ldrh(rt, rn, offset int) { a.loadStore(0x79400000, 0x78400000, 2, rt, rn, offset) }

// Strh emits a halfword store.
func (a *Assembler) Strh(rt, rn, offset int) { a.loadStore(0x79000000, 0x78000000, 2, rt, rn, offset) }

// Ldrb emits a byte load (zero-extend).
func (a *Assembler) Ldrb(rt, rn, offset int) { a.loadStore(0x39400000, 0x38400000, 1, rt, rn, offset) }

// Strb emits a byte store.
func (a *Assembler) Strb(rt, rn, offset int) { a.loadStore(0x39000000, 0x38000000, 1, rt, rn, offset) }

func (a *Assembler) loadStore(scaled, unscaled uint32, size, rt, rn, offset int) {
	switch {
	case offset >= 0 && offset%size == 0 && offset/size < 4096:
		a.Emit(scaled | uint32(offset/size)<<10 | reg(rn)<<5 | reg(rt))
	case offset >= -256 && offset <= 255:
		a.Emit(unscaled | (uint32(offset)&0x1FF)<<12 | reg(rn)<<5 | reg(rt))
	default:
		a.LoadImm64Compact(X16, uint64(int64(offset)))
		a.AddRR(X16, rn, X16)
		a.Emit(scaled | reg(X16)<<5 | reg(rt))
	}
}

// LdrPost emits LDR Xt, [Xn], #imm9.
func (a *Assembler) LdrPost(rt, rn, imm9 int) {
	a.Emit(0xF8400400 | (uint32(imm9)&0x1FF)<<12 | reg(rn)<<5 | reg(rt))
}

// StrPost emits STR Xt, [Xn], #imm9.
func (a *Assembler) StrPost(rt, rn, imm9 int) {
	a.Emit(0xF8000400 | (uint32(imm9)&0x1FF)<<12 | reg(rn)<<5 | reg(rt))
}

// LdrPre emits LDR Xt, [Xn, #imm9]!.
func (a *Assembler) LdrPre(rt, rn, imm9 int) {
	a.Emit(0xF8400C00 | (uint32(imm9)&0x1FF)<<12 | reg(rn)<<5 | reg(rt))
}

// StrPre emits STR Xt, [Xn, #imm9]!.
func (a *Assembler) StrPre(rt, rn, imm9 int) {
	a.Emit(0xF8000C00 | (uint32(imm9)&0x1FF)<<12 | reg(rn)<<5 | reg(rt))
}

// LdrReg emits LDR Xt, [Xn, Xm{, LSL #3 when scaled}].
func (a *Assembler) LdrReg(rt, rn, rm int, scaled bool) {
	inst := uint32(0xF8606800)
	if scaled {
		inst |= 1 << 12
	}
	a.Emit(inst | reg(rm)<<16 | reg(rn)<<5 | reg(rt))
}

// StrReg emits STR Xt, [Xn, Xm{, LSL #3 when scaled}].
func (a *Assembler) StrReg(rt, rn, rm int, scaled bool) {
	inst := uint32(0xF8206800)
	if scaled {
		inst |= 1 << 12
	}
	a.Emit(inst | reg(rm)<<16 | reg(rn)<<5 | reg(rt))
}

// StpPre emits STP Xt1, Xt2, [Xn, #offset]!.
func (a *Assembler) StpPre(rt1, rt2, rn, offset int) {
	a.Emit(0xA9800000 | pairImm(offset, 8)<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// LdpPost emits LDP Xt1, Xt2, [Xn], #offset.
func (a *Assembler) LdpPost(rt1, rt2, rn, offset int) {
	a.Emit(0xA8C00000 | pairImm(offset, 8)<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// Stp emits STP Xt1, Xt2, [Xn, #offset] (signed offset).
func (a *Assembler) Stp(rt1, rt2, rn, offset int) {
	a.Emit(0xA9000000 | pairImm(offset, 8)<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// Ldp emits LDP Xt1, Xt2, [Xn, #offset] (signed offset).
func (a *Assembler) Ldp(rt1, rt2, rn, offset int) {
	a.Emit(0xA9400000 | pairImm(offset, 8)<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// StpQPre emits STP Qt1, Qt2, [Xn, #offset]! for the SIMD callee
// saves.
func (a *Assembler) StpQPre(vt1, vt2, rn, offset int) {
	a.Emit(0xAD800000 | pairImm(offset, 16)<<15 | reg(vt2)<<10 | reg(rn)<<5 | reg(vt1))
}

// LdpQPost emits LDP Qt1, Qt2, [Xn], #offset.
func (a *Assembler) LdpQPost(vt1, vt2, rn, offset int) {
	a.Emit(0xACC00000 | pairImm(offset, 16)<<15 | reg(vt2)<<10 | reg(rn)<<5 | reg(vt1))
}

// StrQ emits STR Qt, [Xn, #offset] (scaled by 16).
func (a *Assembler) StrQ(vt, rn, offset int) {
	a.Emit(0x3D800000 | uint32(offset/16)<<10 | reg(rn)<<5 | reg(vt))
}

// LdrQ emits LDR Qt, [Xn, #offset] (scaled by 16).
func (a *Assembler) LdrQ(vt, rn, offset int) {
	a.Emit(0x3DC00000 | uint32(offset/16)<<10 | reg(rn)<<5 | reg(vt))
}

// StrD emits STR Dt, [Xn, #offset] (scaled by 8).
func (a *Assembler) StrD(vt, rn, offset int) {
	a.Emit(0xFD000000 | uint32(offset/8)<<10 | reg(rn)<<5 | reg(vt))
}

// LdrD emits LDR Dt, [Xn, #offset] (scaled by 8).
func (a *Assembler) LdrD(vt, rn, offset int) {
	a.Emit(0xFD400000 | uint32(offset/8)<<10 | reg(rn)<<5 | reg(vt))
}

// === Branches ===

// B emits an unconditional branch to label.
func (a *Assembler) B(l *Label) { a.branchTo(l, fixB, 0x14000000) }

// BCond emits B.cond to label.
func (a *Assembler) BCond(cond ir.Cond, l *Label) {
	a.branchTo(l, fixBCond, 0x54000000|uint32(cond)&0xF)
}

// Cbz emits CBZ Xt, label.
func (a *Assembler) Cbz(rt int, l *Label) {
	a.branchTo(l, fixCompareBranch, 0xB4000000|reg(rt))
}

// Cbnz emits CBNZ Xt, label.
func (a *Assembler) Cbnz(rt int, l *Label) {
	a.branchTo(l, fixCompareBranch, 0xB5000000|reg(rt))
}

// Tbz emits TBZ Xt, #bit, label.
func (a *Assembler) Tbz(rt, bit int, l *Label) {
	inst := uint32(0x36000000) | uint32(bit>>5)<<31 | uint32(bit&0x1F)<<19 | reg(rt)
	a.branchTo(l, fixTestBranch, inst)
}

// Tbnz emits TBNZ Xt, #bit, label.
func (a *Assembler) Tbnz(rt, bit int, l *Label) {
	inst := uint32(0x37000000) | uint32(bit>>5)<<31 | uint32(bit&0x1F)<<19 | reg(rt)
	a.branchTo(l, fixTestBranch, inst)
}

// Br emits BR Xn.
func (a *Assembler) Br(rn int) { a.Emit(0xD61F0000 | reg(rn)<<5) }

// Blr emits BLR Xn.
func (a *Assembler) Blr(rn int) { a.Emit(0xD63F0000 | reg(rn)<<5) }

// Ret emits RET.
func (a *Assembler) Ret() { a.Emit(0xD65F03C0) }

// Adr emits ADR Xd, label.
func (a *Assembler) Adr(rd int, l *Label) {
	a.branchTo(l, fixAdr, 0x10000000|reg(rd))
}

// === System ===

// MrsNZCV emits MRS Xt, NZCV.
func (a *Assembler) MrsNZCV(rt int) { a.Emit(0xD53B4200 | reg(rt)) }

// MsrNZCV emits MSR NZCV, Xt.
func (a *Assembler) MsrNZCV(rt int) { a.Emit(0xD51B4200 | reg(rt)) }

// Nop emits NOP.
func (a *Assembler) Nop() { a.Emit(0xD503201F) }

// Brk emits BRK #0.
func (a *Assembler) Brk() { a.Emit(0xD4200000) }

// Mov emits MOV Xd, Xm, using the ADD-immediate form when SP is
// involved (ORR cannot address SP).
func (a *Assembler) Mov(rd, rm int) {
	if rd == SP || rm == SP {
		a.AddImm(rd, rm, 0)
		return
	}
	a.OrrRR(rd, XZR, rm)
}

// === Encoding predicates ===

// IsImmAddSub reports whether v fits the add/sub immediate form.
func IsImmAddSub(v int64) bool {
	if v >= 0 && v < 4096 {
		return true
	}
	return v >= 0 && v&0xFFF == 0 && v>>12 < 4096
}

// IsImmLSUnscaled reports whether v fits a 9-bit unscaled offset.
func IsImmLSUnscaled(v int64) bool { return v >= -256 && v <= 255 }

// IsImmLSScaled reports whether v fits a scaled unsigned offset for
// the given access size.
func IsImmLSScaled(v int64, size int) bool {
	return v >= 0 && v%int64(size) == 0 && v/int64(size) < 4096
}

// IsImmLSPair reports whether v fits a load/store-pair offset for the
// given access size.
func IsImmLSPair(v int64, size int) bool {
	return v%int64(size) == 0 && v/int64(size) >= -64 && v/int64(size) <= 63
}

// EncodeB returns a direct branch instruction covering byteDelta.
func EncodeB(byteDelta int64) uint32 {
	return 0x14000000 | uint32(byteDelta/4)&0x03FFFFFF
}

func pairImm(offset, scale int) uint32 {
	return uint32(offset/scale) & 0x7F
}

func reg(r int) uint32 { return uint32(r & 0x1F) }
