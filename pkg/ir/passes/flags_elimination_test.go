package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

func addWithFlags(b *ir.Block, flags ir.Flags) *ir.Inst {
	left := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	add := b.AppendInst(ir.OpAdd, left.Value(),
		ir.NewOperandImm(ir.NewImmU64(2))).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpSaveFlags, add.Value(), flags)
	return add
}

func TestFlagsOverwrittenProducerDies(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	first := addWithFlags(b, ir.FlagsNZCV)
	second := addWithFlags(b, ir.FlagsNZCV)
	b.SetTerminal(ir.ReturnToHost{})

	FlagsElimination{}.RunBlock(b)

	// The first producer's flags are fully redefined before any
	// consumer: its pseudo goes away; the second survives.
	assert.Nil(t, first.GetPseudoOperation(ir.OpSaveFlags))
	assert.NotNil(t, second.GetPseudoOperation(ir.OpSaveFlags))
}

func TestFlagsConsumedProducerSurvives(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	first := addWithFlags(b, ir.FlagsNZCV)
	test := b.AppendInst(ir.OpTestFlags, ir.FlagZero)
	_ = test
	addWithFlags(b, ir.FlagsNZCV)
	b.SetTerminal(ir.ReturnToHost{})

	FlagsElimination{}.RunBlock(b)

	assert.NotNil(t, first.GetPseudoOperation(ir.OpSaveFlags))
}

func TestFlagsNarrowedToConsumedSubset(t *testing.T) {
	b := ir.NewBlock(0, 0x1000)
	left := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(1)).SetReturn(ir.TypeU64)
	add := b.AppendInst(ir.OpAdd, left.Value(),
		ir.NewOperandImm(ir.NewImmU64(2))).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpSaveFlags, add.Value(), ir.FlagsAll)
	b.AppendInst(ir.OpTestFlags, ir.FlagZero)
	// A later full redefinition makes the rest of FlagsAll dead.
	addWithFlags(b, ir.FlagsAll)
	b.SetTerminal(ir.ReturnToHost{})

	FlagsElimination{}.RunBlock(b)

	save := add.GetPseudoOperation(ir.OpSaveFlags)
	require.NotNil(t, save)
	assert.Equal(t, ir.FlagZero, save.Arg(1).Flags)
}
