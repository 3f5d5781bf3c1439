// Package riscv64 is the secondary host backend. Only the encoder
// subset the trampoline plan needs exists so far; translation is not
// wired up and the run loop falls back to the interpreter on this
// host.
package riscv64

// Register indices in the RISC-V integer file.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A4   = 14
	A5   = 15
	A6   = 16
	A7   = 17
	S2   = 18
	S3   = 19
	S4   = 20
	S5   = 21
	S6   = 22
	S7   = 23
	S8   = 24
	S9   = 25
	S10  = 26
	S11  = 27
	T3   = 28
	T4   = 29
	T5   = 30
	T6   = 31
)

// Assembler accumulates encoded RV64I instructions.
type Assembler struct {
	code []byte
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Emit appends one 32-bit instruction, little-endian.
func (a *Assembler) Emit(inst uint32) {
	a.code = append(a.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

// Code returns the encoded buffer.
func (a *Assembler) Code() []byte { return a.code }

// Size returns the buffer size in bytes.
func (a *Assembler) Size() int { return len(a.code) }

func rType(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func sType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1F)<<7 | opcode
}

// Add emits ADD rd, rs1, rs2.
func (a *Assembler) Add(rd, rs1, rs2 uint32) { a.Emit(rType(0x33, 0, 0, rd, rs1, rs2)) }

// Sub emits SUB rd, rs1, rs2.
func (a *Assembler) Sub(rd, rs1, rs2 uint32) { a.Emit(rType(0x33, 0, 0x20, rd, rs1, rs2)) }

// Addi emits ADDI rd, rs1, imm.
func (a *Assembler) Addi(rd, rs1 uint32, imm int32) { a.Emit(iType(0x13, 0, rd, rs1, imm)) }

// Ld emits LD rd, offset(rs1).
func (a *Assembler) Ld(rd, rs1 uint32, offset int32) { a.Emit(iType(0x03, 3, rd, rs1, offset)) }

// Sd emits SD rs2, offset(rs1).
func (a *Assembler) Sd(rs2, rs1 uint32, offset int32) { a.Emit(sType(0x23, 3, rs1, rs2, offset)) }

// Lw emits LW rd, offset(rs1).
func (a *Assembler) Lw(rd, rs1 uint32, offset int32) { a.Emit(iType(0x03, 2, rd, rs1, offset)) }

// Sw emits SW rs2, offset(rs1).
func (a *Assembler) Sw(rs2, rs1 uint32, offset int32) { a.Emit(sType(0x23, 2, rs1, rs2, offset)) }

// Jalr emits JALR rd, rs1, offset.
func (a *Assembler) Jalr(rd, rs1 uint32, offset int32) { a.Emit(iType(0x67, 0, rd, rs1, offset)) }

// Ret emits JALR zero, ra, 0.
func (a *Assembler) Ret() { a.Jalr(Zero, RA, 0) }

// Nop emits ADDI zero, zero, 0.
func (a *Assembler) Nop() { a.Addi(Zero, Zero, 0) }
