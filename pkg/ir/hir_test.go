package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDiamond(t *testing.T) {
	hb := NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)

	local := Local{ID: 0, Type: TypeU32}
	f.DefineLocal(local)
	c1 := f.LoadImm(NewImmU32(1))
	f.StoreLocal(local, c1)
	cond := f.LoadLocal(local)

	et := hb.If(NewIf(cond, LinkBlock{Next: 1}, LinkBlock{Next: 2}))
	require.NotNil(t, et.Then)
	require.NotNil(t, et.Else)

	hb.SetCurBlock(et.Then)
	hb.LinkBlock(LinkBlock{Next: 3})
	hb.SetCurBlock(et.Else)
	hb.LinkBlock(LinkBlock{Next: 3})
	hb.SetCurBlockAt(3)
	f.StoreUniform(Uniform{Offset: 0, Type: TypeU32}, c1)
	hb.Return()

	// entry, first, then, else, join
	require.Equal(t, 5, f.MaxBlockCount())
	blocks := f.Blocks()

	entry := blocks[0]
	assert.False(t, entry.Block().StartLocation().Valid())
	require.Len(t, entry.Successors(), 1)

	first := entry.Successors()[0]
	assert.Len(t, first.Successors(), 2)

	join := f.CreateOrGetBlock(3)
	assert.Len(t, join.Predecessors(), 2)
	assert.True(t, join.Block().HasTerminal())

	// Every block got closed by exactly one terminal.
	for _, b := range blocks {
		assert.True(t, b.Block().HasTerminal())
	}
}

func TestBuilderRecordsUses(t *testing.T) {
	hb := NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)

	v := f.LoadImm(NewImmU64(42))
	f.StoreUniform(Uniform{Offset: 0, Type: TypeU64}, v)

	hv := f.GetHIRValue(v)
	require.NotNil(t, hv)
	require.Len(t, hv.Uses, 1)
	assert.Equal(t, OpStoreUniform, hv.Uses[0].Inst.Op())
	assert.Equal(t, uint8(1), hv.Uses[0].ArgIdx)
}

func TestSwitchBuildsCaseBlocks(t *testing.T) {
	hb := NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)

	v := f.LoadImm(NewImmU32(2))
	cases := hb.Switch(NewSwitch(v, []SwitchCase{
		{Match: NewImmU32(1), Then: LinkBlock{Next: 0x100}},
		{Match: NewImmU32(2), Then: LinkBlock{Next: 0x200}},
	}))
	require.Len(t, cases, 2)

	hb.SetCurBlock(cases[0].Then)
	hb.CurrentFunction().EndBlock(ReturnToHost{})
	hb.SetCurBlock(cases[1].Then)
	hb.Return()

	assert.Equal(t, 4, f.MaxBlockCount())
}

func TestFunctionBlockOrdering(t *testing.T) {
	fn := NewFunction(0x100)
	b3 := NewBlock(0, 0x300)
	b1 := NewBlock(1, 0x100)
	b2 := NewBlock(2, 0x200)
	require.True(t, fn.AddBlock(b3))
	require.True(t, fn.AddBlock(b1))
	require.True(t, fn.AddBlock(b2))
	assert.False(t, fn.AddBlock(NewBlock(3, 0x200)))

	assert.Equal(t, b1, fn.EntryBlock())
	assert.Equal(t, b2, fn.FindBlock(0x200))
	assert.Nil(t, fn.FindBlock(0x250))

	locs := []Location{}
	for _, b := range fn.Blocks() {
		locs = append(locs, b.StartLocation())
	}
	assert.Equal(t, []Location{0x100, 0x200, 0x300}, locs)
}
