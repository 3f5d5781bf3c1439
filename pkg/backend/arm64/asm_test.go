package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"

	"j5.nz/svm/pkg/ir"
)

func decodeAt(t *testing.T, code []byte, off int) arm64asm.Inst {
	t.Helper()
	inst, err := arm64asm.Decode(code[off:])
	require.NoError(t, err, "undecodable word %#x", binary.LittleEndian.Uint32(code[off:]))
	return inst
}

func TestLoadImm64Sequence(t *testing.T) {
	a := NewAssembler()
	a.LoadImm64(X3, 0x1122_3344_5566_7788)
	require.Equal(t, 16, a.Size())

	// arm64asm reports MOVZ and MOVN under their preferred alias MOV;
	// the raw opcode bits pin the exact form.
	ops := []arm64asm.Op{arm64asm.MOV, arm64asm.MOVK, arm64asm.MOVK, arm64asm.MOVK}
	for i, want := range ops {
		inst := decodeAt(t, a.Code(), i*4)
		assert.Equal(t, want, inst.Op)
	}
	assert.Equal(t, uint32(0xD2800000), binary.LittleEndian.Uint32(a.Code())&0xFF800000)
}

func TestLoadImm64CompactSmall(t *testing.T) {
	a := NewAssembler()
	a.LoadImm64Compact(X0, 42)
	assert.Equal(t, 4, a.Size())
	assert.Equal(t, arm64asm.MOV, decodeAt(t, a.Code(), 0).Op)
	assert.Equal(t, uint32(0xD2800000), binary.LittleEndian.Uint32(a.Code())&0xFF800000) // MOVZ

	a = NewAssembler()
	a.LoadImm64Compact(X0, ^uint64(0))
	assert.Equal(t, 4, a.Size())
	assert.Equal(t, arm64asm.MOV, decodeAt(t, a.Code(), 0).Op)
	assert.Equal(t, uint32(0x92800000), binary.LittleEndian.Uint32(a.Code())&0xFF800000) // MOVN
}

func TestBranchFixups(t *testing.T) {
	a := NewAssembler()
	target := a.NewLabel()
	a.B(target)
	a.Nop()
	a.Nop()
	a.Bind(target)
	a.Ret()
	a.Finalize()

	inst := decodeAt(t, a.Code(), 0)
	require.Equal(t, arm64asm.B, inst.Op)
	rel, ok := inst.Args[0].(arm64asm.PCRel)
	require.True(t, ok)
	assert.EqualValues(t, 12, rel)
}

func TestCbzBackwardBranch(t *testing.T) {
	a := NewAssembler()
	loop := a.NewLabel()
	a.Bind(loop)
	a.SubImm(X0, X0, 1)
	a.Cbnz(X0, loop)
	a.Finalize()

	inst := decodeAt(t, a.Code(), 4)
	require.Equal(t, arm64asm.CBNZ, inst.Op)
	rel, ok := inst.Args[1].(arm64asm.PCRel)
	require.True(t, ok)
	assert.EqualValues(t, -4, rel)
}

func TestLoadStoreForms(t *testing.T) {
	a := NewAssembler()
	a.Ldr(X1, X2, 0x10)   // scaled
	a.Str(X1, X2, -8)     // unscaled
	a.Ldrb(X1, X2, 3)     // byte
	a.LdrPost(X1, X2, 16) // post-index

	assert.Equal(t, arm64asm.LDR, decodeAt(t, a.Code(), 0).Op)
	assert.Equal(t, arm64asm.STUR, decodeAt(t, a.Code(), 4).Op)
	assert.Equal(t, arm64asm.LDRB, decodeAt(t, a.Code(), 8).Op)
	assert.Equal(t, arm64asm.LDR, decodeAt(t, a.Code(), 12).Op)
}

func TestPairForms(t *testing.T) {
	a := NewAssembler()
	a.StpPre(X19, X20, SP, -16)
	a.LdpPost(X19, X20, SP, 16)
	a.StpQPre(8, 9, SP, -32)
	a.LdpQPost(8, 9, SP, 32)

	assert.Equal(t, arm64asm.STP, decodeAt(t, a.Code(), 0).Op)
	assert.Equal(t, arm64asm.LDP, decodeAt(t, a.Code(), 4).Op)
	assert.Equal(t, arm64asm.STP, decodeAt(t, a.Code(), 8).Op)
	assert.Equal(t, arm64asm.LDP, decodeAt(t, a.Code(), 12).Op)
}

func TestSystemAndBitfield(t *testing.T) {
	a := NewAssembler()
	a.MrsNZCV(X11)
	a.MsrNZCV(X11)
	a.Ubfx(X0, X1, 8, 8)
	a.Bfi(X0, X1, 16, 4)
	a.Cset(X0, ir.CondEQ)
	a.Ret()

	assert.Equal(t, arm64asm.MRS, decodeAt(t, a.Code(), 0).Op)
	assert.Equal(t, arm64asm.MSR, decodeAt(t, a.Code(), 4).Op)
	assert.Equal(t, arm64asm.UBFX, decodeAt(t, a.Code(), 8).Op)
	assert.Equal(t, arm64asm.BFI, decodeAt(t, a.Code(), 12).Op)
	assert.Equal(t, arm64asm.RET, decodeAt(t, a.Code(), 20).Op)
}

// TestLinkBlockPatchDecodesToDirectBranch: after patching, the stub's
// first instruction is a direct branch reaching the target.
func TestLinkBlockPatchDecodesToDirectBranch(t *testing.T) {
	tramp := &Trampolines{}
	stub := make([]byte, linkPatchBytes)

	sourceAddr := uintptr(0x10000000)
	targetAddr := sourceAddr + 0x4000

	require.True(t, tramp.linkPatch(sourceAddr, targetAddr, stub, true))

	inst := decodeAt(t, stub, 0)
	require.Equal(t, arm64asm.B, inst.Op)
	rel, ok := inst.Args[0].(arm64asm.PCRel)
	require.True(t, ok)
	assert.EqualValues(t, 0x4000, rel)
}

// TestLinkBlockFarTarget: beyond ±128MB the patch becomes an
// ADRP/ADD/BR sequence, and beyond ±4GB a PIC link is refused.
func TestLinkBlockFarTarget(t *testing.T) {
	tramp := &Trampolines{}
	stub := make([]byte, linkPatchBytes)

	source := uintptr(0x10000000)
	far := source + (1 << 30)
	require.True(t, tramp.linkPatch(source, far, stub, true))
	assert.Equal(t, arm64asm.ADRP, decodeAt(t, stub, 0).Op)
	assert.Equal(t, arm64asm.ADD, decodeAt(t, stub, 4).Op)
	assert.Equal(t, arm64asm.BR, decodeAt(t, stub, 8).Op)

	huge := source + (1 << 33)
	assert.False(t, tramp.linkPatch(source, huge, stub, true))
	require.True(t, tramp.linkPatch(source, huge, stub, false))
	assert.Equal(t, arm64asm.MOV, decodeAt(t, stub, 0).Op)
	assert.Equal(t, uint32(0xD2800000), binary.LittleEndian.Uint32(stub)&0xFF800000) // MOVZ
	assert.Equal(t, arm64asm.BR, decodeAt(t, stub, 16).Op)
}
