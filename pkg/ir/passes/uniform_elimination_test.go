package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

func TestUniformStoreForwardsToLoad(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(0x42)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	load := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64})
	load.SetReturn(ir.TypeU64)

	UniformElimination{}.RunBlock(b, &UniformInfo{Size: 64})

	assert.Equal(t, ir.OpBitCast, load.Op())
	assert.Same(t, v, load.Arg(0).Value.Def())
	assert.Equal(t, ir.TypeU64, load.ReturnType())
}

func TestUniformPartialLoadBecomesExtract(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(0xAABBCCDD)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	load := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 2, Type: ir.TypeU16})
	load.SetReturn(ir.TypeU16)

	UniformElimination{}.RunBlock(b, &UniformInfo{Size: 64})

	require.Equal(t, ir.OpBitExtract, load.Op())
	assert.Equal(t, uint64(16), load.Arg(1).Imm.Value())
	assert.Equal(t, uint64(16), load.Arg(2).Imm.Value())
}

func TestUniformOverlappingStoreBlocksForwarding(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	v1 := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	v2 := b.AppendInst(ir.OpLoadImm, ir.NewImmU8(2)).SetReturn(ir.TypeU8)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v1.Value())
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 3, Type: ir.TypeU8}, v2.Value())
	load := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64})
	load.SetReturn(ir.TypeU64)

	UniformElimination{}.RunBlock(b, &UniformInfo{Size: 64})

	// Bytes now come from two stores: the load stays.
	assert.Equal(t, ir.OpLoadUniform, load.Op())
}

func TestUniformStaticAllocBecomesHostReg(t *testing.T) {
	info := &UniformInfo{
		Size: 64,
		Statics: []StaticUniform{{
			Uniform: ir.Uniform{Offset: 8, Type: ir.TypeU64},
			Reg:     19,
		}},
	}

	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(5)).SetReturn(ir.TypeU64)
	store := b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 8, Type: ir.TypeU64}, v.Value())
	load := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 12, Type: ir.TypeU32})
	load.SetReturn(ir.TypeU32)

	UniformElimination{}.RunBlock(b, info)

	require.Equal(t, ir.OpSetHostGPR, store.Op())
	assert.Equal(t, uint64(19), store.Arg(1).Imm.Value())
	assert.Equal(t, uint64(0), store.Arg(2).Imm.Value())

	require.Equal(t, ir.OpGetHostGPR, load.Op())
	assert.Equal(t, uint64(19), load.Arg(0).Imm.Value())
	assert.Equal(t, uint64(4), load.Arg(1).Imm.Value())
	assert.Equal(t, ir.TypeU32, load.ReturnType())
}

func TestUniformBarrierDropsTracking(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	v := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	b.AppendInst(ir.OpUniformBarrier)
	load := b.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64})
	load.SetReturn(ir.TypeU64)

	UniformElimination{}.RunBlock(b, &UniformInfo{Size: 64})
	assert.Equal(t, ir.OpLoadUniform, load.Op())
}
