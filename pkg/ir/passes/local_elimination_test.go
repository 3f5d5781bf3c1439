package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

// TestLocalToSSA is the two-stores-one-load shape: two arms each store
// a different constant to the same local, the join loads it into a
// uniform store. After elimination the join head holds a φ over both
// constants and no local opcode remains.
func TestLocalToSSA(t *testing.T) {
	hb := ir.NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)

	local := ir.Local{ID: 0, Type: ir.TypeU32}
	f.DefineLocal(local)
	c1 := f.LoadImm(ir.NewImmU32(^uint32(0)))
	c2 := f.LoadImm(ir.NewImmU32(^uint32(0) - 1))
	cond := f.LoadImm(ir.NewImmBool(true))

	et := hb.If(ir.NewIf(cond, ir.LinkBlock{Next: 1}, ir.LinkBlock{Next: 2}))
	hb.SetCurBlock(et.Then)
	f.StoreLocal(local, c1)
	hb.LinkBlock(ir.LinkBlock{Next: 3})
	hb.SetCurBlock(et.Else)
	f.StoreLocal(local, c2)
	hb.LinkBlock(ir.LinkBlock{Next: 3})
	hb.SetCurBlockAt(3)
	f.StoreUniform(ir.Uniform{Offset: 0, Type: ir.TypeU32}, f.LoadLocal(local))
	hb.Return()

	CFGAnalysis{}.Run(hb)
	LocalElimination{}.Run(hb)
	ReID{}.Run(hb)

	join := f.CreateOrGetBlock(3)
	insts := join.Insts()
	require.NotEmpty(t, insts)

	// φ sits at the head of the join with both constants as params.
	phi := insts[0]
	require.Equal(t, ir.OpAddPhi, phi.Op())
	params := phi.Arg(0).Params
	require.Len(t, params, 2)
	defs := map[*ir.Inst]bool{}
	for _, p := range params {
		defs[p.Value.Def()] = true
	}
	assert.True(t, defs[c1.Def()])
	assert.True(t, defs[c2.Def()])

	// The uniform store consumes the φ value.
	var store *ir.Inst
	for _, inst := range insts {
		if inst.Op() == ir.OpStoreUniform {
			store = inst
		}
	}
	require.NotNil(t, store)
	assert.Same(t, phi, store.Arg(1).Value.Def())

	// No local opcode remains anywhere; ids are dense from zero.
	nextID := uint16(0)
	for _, b := range f.BlocksRPO() {
		for _, inst := range b.Insts() {
			switch inst.Op() {
			case ir.OpDefineLocal, ir.OpLoadLocal, ir.OpStoreLocal:
				t.Fatalf("local opcode %s survived elimination", inst.Op())
			}
			assert.Equal(t, nextID, inst.ID())
			nextID++
		}
	}
}

// TestLocalSameBlockForwarding forwards a store to a load inside one
// block without a φ.
func TestLocalSameBlockForwarding(t *testing.T) {
	hb := ir.NewHIRBuilder()
	f := hb.AppendFunction(0, 0x10)

	local := ir.Local{ID: 0, Type: ir.TypeU64}
	f.DefineLocal(local)
	c := f.LoadImm(ir.NewImmU64(9))
	f.StoreLocal(local, c)
	f.StoreUniform(ir.Uniform{Offset: 0, Type: ir.TypeU64}, f.LoadLocal(local))
	hb.Return()

	CFGAnalysis{}.Run(hb)
	LocalElimination{}.Run(hb)

	for _, b := range f.BlocksRPO() {
		for _, inst := range b.Insts() {
			if inst.Op() == ir.OpStoreUniform {
				assert.Same(t, c.Def(), inst.Arg(1).Value.Def())
			}
			assert.NotEqual(t, ir.OpAddPhi, inst.Op())
		}
	}
}
