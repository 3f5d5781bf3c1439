package arm64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

func testSpace(t *testing.T) *backend.AddressSpace {
	t.Helper()
	cfg := backend.Config{BackendISA: backend.ISAArm64, UniformBufferSize: 64}
	space, err := backend.NewAddressSpace(cfg)
	require.NoError(t, err)
	t.Cleanup(space.Close)
	return space
}

func newBlockRegAlloc(b *ir.Block) *passes.RegAlloc {
	ra := passes.NewRegAlloc(b.MaxInstrCount(), allocatableGPRs(nil), allocatableFPRs(nil))
	ra.SetTemps(tempGPRs(), tempFPRs())
	passes.RegisterAlloc{}.RunBlock(b, ra)
	return ra
}

func decodeAll(t *testing.T, code []byte) []arm64asm.Inst {
	t.Helper()
	var out []arm64asm.Inst
	for off := 0; off < len(code); off += 4 {
		out = append(out, decodeAt(t, code, off))
	}
	return out
}

// TestTranslateStraightBlock lowers LoadImm → StoreUniform →
// LinkBlock and checks the emitted stream decodes cleanly.
func TestTranslateStraightBlock(t *testing.T) {
	space := testSpace(t)
	module := space.GetDefaultModule()

	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(0x42)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	b.SetTerminal(ir.LinkBlock{Next: 0x2000})
	ra := newBlockRegAlloc(b)

	ctx := NewJitContext(module, ra)
	NewTranslator(ctx).TranslateBlock(b)
	ctx.Finish()

	insts := decodeAll(t, ctx.Asm().Code())
	require.NotEmpty(t, insts)
	assert.Equal(t, arm64asm.RET, insts[len(insts)-1].Op)

	hasStore := false
	for _, inst := range insts {
		if inst.Op == arm64asm.STR {
			hasStore = true
		}
	}
	assert.True(t, hasStore, "uniform store must hit state memory")
}

// TestEmitOperandEncodableImmediate: an add/sub-encodable immediate
// lowers with no scratch materialization.
func TestEmitOperandEncodableImmediate(t *testing.T) {
	space := testSpace(t)
	ra := passes.NewRegAlloc(4, allocatableGPRs(nil), allocatableFPRs(nil))
	ra.SetTemps(tempGPRs(), tempFPRs())
	ctx := NewJitContext(space.GetDefaultModule(), ra)
	tr := NewTranslator(ctx)

	op := tr.emitOperand(ir.NewOperandImm(ir.NewImmU32(100)))
	assert.True(t, op.isImm)
	assert.EqualValues(t, 100, op.imm)
	assert.Zero(t, ctx.Asm().Size(), "encodable immediates must not emit code")

	wide := tr.emitOperand(ir.NewOperandImm(ir.NewImmU64(0x1_2345_6789)))
	assert.False(t, wide.isImm)
	assert.NotZero(t, ctx.Asm().Size())
}

// TestTranslateAddWithFlags: flag-setting arithmetic uses the ADDS
// form and merges NZCV into the software flags register.
func TestTranslateAddWithFlags(t *testing.T) {
	space := testSpace(t)
	module := space.GetDefaultModule()

	b := ir.NewBlock(0, 0x1000)
	left := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	add := b.AppendInst(ir.OpAdd, left.Value(),
		ir.NewOperandImm(ir.NewImmU64(2))).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpSaveFlags, add.Value(), ir.FlagsNZCV)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, add.Value())
	b.SetTerminal(ir.ReturnToDispatch{})
	ra := newBlockRegAlloc(b)

	ctx := NewJitContext(module, ra)
	NewTranslator(ctx).TranslateBlock(b)
	ctx.Finish()

	insts := decodeAll(t, ctx.Asm().Code())
	var hasAdds, hasMrs bool
	for _, inst := range insts {
		switch inst.Op {
		case arm64asm.ADDS:
			hasAdds = true
		case arm64asm.MRS:
			hasMrs = true
		}
	}
	assert.True(t, hasAdds, "flagged add must use the flag-setting form")
	assert.True(t, hasMrs, "NZCV must be read back into the software flags")
}

// TestTranslateIfTerminal: a conditional terminal emits a conditional
// branch skeleton with both arms.
func TestTranslateIfTerminal(t *testing.T) {
	space := testSpace(t)
	module := space.GetDefaultModule()

	b := ir.NewBlock(0, 0x1000)
	cond := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 0, Type: ir.TypeU8})
	cond.SetReturn(ir.TypeBool)
	b.SetTerminal(ir.NewIf(cond.Value(),
		ir.LinkBlock{Next: 0x2000},
		ir.LinkBlock{Next: 0x3000}))
	ra := newBlockRegAlloc(b)

	ctx := NewJitContext(module, ra)
	NewTranslator(ctx).TranslateBlock(b)
	ctx.Finish()

	insts := decodeAll(t, ctx.Asm().Code())
	var hasCbz, rets int
	for _, inst := range insts {
		if inst.Op == arm64asm.CBZ {
			hasCbz++
		}
		if inst.Op == arm64asm.RET {
			rets++
		}
	}
	assert.Equal(t, 1, hasCbz)
	assert.Equal(t, 2, rets, "both arms return to the dispatcher")
}

// TestBlockLinkStubShape: the linkage stub records the stub address,
// the halt reason, and both locations, then returns.
func TestBlockLinkStubShape(t *testing.T) {
	space := testSpace(t)
	// A read-only module triggers direct linking with a stub for
	// not-yet-cached targets.
	module, err := space.MapModule(0x1000, 0x2000, true)
	require.NoError(t, err)

	b := ir.NewBlock(0, 0x1000)
	b.SetTerminal(ir.LinkBlock{Next: 0x1800})
	ra := newBlockRegAlloc(b)

	ctx := NewJitContext(module, ra)
	NewTranslator(ctx).TranslateBlock(b)
	ctx.Finish()

	insts := decodeAll(t, ctx.Asm().Code())
	require.Equal(t, arm64asm.ADR, insts[0].Op)
	assert.Equal(t, arm64asm.RET, insts[len(insts)-1].Op)

	var storeCount int
	for _, inst := range insts {
		if inst.Op == arm64asm.STR || inst.Op == arm64asm.STUR {
			storeCount++
		}
	}
	// Stub address, halt reason, prev loc, current loc.
	assert.Equal(t, 4, storeCount)
}

// TestTranslatorRejectsLocals: locals must be eliminated before
// lowering.
func TestTranslatorRejectsLocals(t *testing.T) {
	space := testSpace(t)
	module := space.GetDefaultModule()

	b := ir.NewBlock(0, 0x1000)
	b.AppendInst(ir.OpDefineLocal, ir.Local{ID: 0, Type: ir.TypeU64})
	local := b.AppendInst(ir.OpLoadLocal, ir.Local{ID: 0, Type: ir.TypeU64})
	local.SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, local.Value())
	b.SetTerminal(ir.ReturnToHost{})
	ra := newBlockRegAlloc(b)

	_, _, err := hostBackend{}.TranslateBlock(module, nil, b, ra)
	assert.Error(t, err)
}
