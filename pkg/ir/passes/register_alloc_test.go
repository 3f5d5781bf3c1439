package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

func TestLinearScanNoDuplicateAssignments(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	// Three overlapping values, two registers: someone must spill.
	v1 := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	v2 := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(2)).SetReturn(ir.TypeU64)
	v3 := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(3)).SetReturn(ir.TypeU64)
	sum := b.AppendInst(ir.OpAdd, v1.Value(),
		ir.NewOperand(v2.Value(), ir.Void(), ir.OperandOp{Kind: ir.OperandPlus})).SetReturn(ir.TypeU64)
	sum2 := b.AppendInst(ir.OpAdd, sum.Value(),
		ir.NewOperand(v3.Value(), ir.Void(), ir.OperandOp{Kind: ir.OperandPlus})).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, sum2.Value())
	b.SetTerminal(ir.ReturnToHost{})

	var gprs ir.RegMask
	gprs.Mark(0)
	gprs.Mark(1)
	ra := NewRegAlloc(b.MaxInstrCount(), gprs, 0)
	RegisterAlloc{}.RunBlock(b, ra)

	spills := 0
	type point struct{ start, end uint16 }
	intervals := map[*ir.Inst]point{}
	ends := func(inst *ir.Inst) uint16 {
		end := inst.ID()
		for _, other := range b.Insts() {
			for _, v := range other.Values() {
				if v.Def() == inst && other.ID() > end {
					end = other.ID()
				}
			}
		}
		return end
	}
	for _, inst := range b.Insts() {
		if !inst.HasValue() {
			continue
		}
		alloc := ra.AllocOf(inst.ID())
		require.True(t, alloc.Allocated(), "%s got no location", inst)
		if alloc.Kind == ir.AllocMem {
			spills++
		}
		intervals[inst] = point{start: inst.ID(), end: ends(inst)}
	}
	assert.Greater(t, spills, 0, "pressure of 3 on 2 registers must spill")

	// No two simultaneously live values share a register.
	insts := b.Insts()
	for i, a := range insts {
		if !a.HasValue() || ra.AllocOf(a.ID()).Kind != ir.AllocGPR {
			continue
		}
		for _, c := range insts[i+1:] {
			if !c.HasValue() || ra.AllocOf(c.ID()).Kind != ir.AllocGPR {
				continue
			}
			if ra.AllocOf(a.ID()).GPR == ra.AllocOf(c.ID()).GPR {
				ia, ic := intervals[a], intervals[c]
				overlap := ia.start <= ic.end && ic.start <= ia.end
				assert.False(t, overlap, "%s and %s share a register while live", a, c)
			}
		}
	}
}

func TestLinearScanPrefersHighestFreeRegister(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	b.SetTerminal(ir.ReturnToHost{})

	var gprs ir.RegMask
	gprs.Mark(3)
	gprs.Mark(7)
	ra := NewRegAlloc(b.MaxInstrCount(), gprs, 0)
	RegisterAlloc{}.RunBlock(b, ra)

	alloc := ra.AllocOf(v.ID())
	require.Equal(t, ir.AllocGPR, alloc.Kind)
	assert.Equal(t, uint8(7), alloc.GPR.ID)
}

func TestLinearScanSeparatesBanks(t *testing.T) {
	hb := ir.NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)
	scalar := f.LoadImm(ir.NewImmU64(1))
	vec := f.LoadUniform(ir.Uniform{Offset: 0, Type: ir.TypeV64})
	f.StoreUniform(ir.Uniform{Offset: 8, Type: ir.TypeU64}, scalar)
	f.StoreUniform(ir.Uniform{Offset: 16, Type: ir.TypeV64}, vec)
	hb.Return()

	CFGAnalysis{}.Run(hb)
	ReID{}.Run(hb)

	var gprs, fprs ir.RegMask
	gprs.Mark(0)
	fprs.Mark(5)
	ra := NewRegAlloc(f.MaxInstrCount(), gprs, fprs)
	RegisterAlloc{}.RunFunction(f, ra)

	assert.Equal(t, ir.AllocGPR, f.GetHIRValue(scalar).Allocated.Kind)
	assert.Equal(t, ir.AllocFPR, f.GetHIRValue(vec).Allocated.Kind)
	assert.Equal(t, uint8(5), f.GetHIRValue(vec).Allocated.FPR.ID)
}
