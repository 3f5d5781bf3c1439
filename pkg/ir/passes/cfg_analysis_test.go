package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

// buildDiamond builds entry → first → (then|else) → join.
func buildDiamond(t *testing.T) (*ir.HIRBuilder, *ir.HIRFunction) {
	t.Helper()
	hb := ir.NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)
	cond := f.LoadImm(ir.NewImmBool(true))
	et := hb.If(ir.NewIf(cond, ir.LinkBlock{Next: 1}, ir.LinkBlock{Next: 2}))
	hb.SetCurBlock(et.Then)
	hb.LinkBlock(ir.LinkBlock{Next: 3})
	hb.SetCurBlock(et.Else)
	hb.LinkBlock(ir.LinkBlock{Next: 3})
	hb.SetCurBlockAt(3)
	hb.Return()
	return hb, f
}

func TestCFGDominance(t *testing.T) {
	hb, f := buildDiamond(t)
	CFGAnalysis{}.Run(hb)

	blocks := f.Blocks()
	entry := blocks[0]
	first := entry.Successors()[0]
	join := f.CreateOrGetBlock(3)

	// The branch head dominates both arms and the join.
	for _, arm := range first.Successors() {
		assert.Equal(t, first, arm.Dominator())
		// Each arm has the join in its dominance frontier.
		require.Len(t, arm.DomFrontier(), 1)
		assert.Equal(t, join, arm.DomFrontier()[0])
	}
	assert.Equal(t, first, join.Dominator())

	// Single-predecessor blocks carry the DOMINATES edge mark.
	for _, arm := range first.Successors() {
		require.Len(t, arm.IncomingEdges(), 1)
		assert.NotZero(t, arm.IncomingEdges()[0].Flags&ir.EdgeDominates)
	}

	// RPO covers every block except the entry, each exactly once.
	rpo := f.BlocksRPO()
	assert.Len(t, rpo, f.MaxBlockCount()-1)
	seen := map[*ir.HIRBlock]bool{}
	for _, b := range rpo {
		assert.False(t, seen[b])
		seen[b] = true
	}
	assert.False(t, seen[entry])
}

func TestCFGBackEdge(t *testing.T) {
	hb := ir.NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)
	cond := f.LoadImm(ir.NewImmBool(false))
	et := hb.If(ir.NewIf(cond, ir.LinkBlock{Next: 1}, ir.LinkBlock{Next: 2}))
	hb.SetCurBlock(et.Then) // loop body, branches back to the head
	hb.LinkBlock(ir.LinkBlock{Next: 0})
	hb.SetCurBlock(et.Else)
	hb.Return()
	CFGAnalysis{}.Run(hb)

	head := f.Blocks()[0].Successors()[0]
	require.NotEmpty(t, head.BackEdges())
	src := head.BackEdges()[0]
	// A back edge endpoint dominates its source.
	dom := src
	for dom != nil && dom != head {
		dom = dom.Dominator()
	}
	assert.Equal(t, head, dom)
}
