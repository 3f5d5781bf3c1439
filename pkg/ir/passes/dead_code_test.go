package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"j5.nz/svm/pkg/ir"
)

func TestDeadCodeDropsUnusedValues(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	dead := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	live := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(2)).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, live.Value())
	b.SetTerminal(ir.ReturnToHost{})

	DeadCode{}.RunBlock(b)

	for _, inst := range b.Insts() {
		assert.NotSame(t, dead, inst)
	}
	// Post-DCE invariant: everything left is used or effectful.
	for _, inst := range b.Insts() {
		assert.True(t, inst.Uses() >= 1 || inst.Op().HasSideEffects(),
			"%s neither used nor effectful", inst)
	}
}

func TestDeadCodeCascades(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	base := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	mid := b.AppendInst(ir.OpAdd, base.Value(),
		ir.NewOperandImm(ir.NewImmU64(2))).SetReturn(ir.TypeU64)
	_ = mid
	b.SetTerminal(ir.ReturnToHost{})

	DeadCode{}.RunBlock(b)
	assert.Empty(t, b.Insts())
}

func TestDeadCodeKeepsFlagProducers(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	add := addWithFlags(b, ir.FlagsNZCV)
	b.SetTerminal(ir.ReturnToHost{})

	DeadCode{}.RunBlock(b)

	found := false
	for _, inst := range b.Insts() {
		if inst == add {
			found = true
		}
	}
	assert.True(t, found, "flag-producing arithmetic must survive")
}
