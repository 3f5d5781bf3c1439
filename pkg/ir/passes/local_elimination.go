package passes

import "j5.nz/svm/pkg/ir"

// LocalElimination rewrites pre-SSA locals into SSA form: a same-block
// step forwards stored values to loads, then φ instructions are placed
// at the iterated dominance frontier of each local's store set. After
// the pass no DefineLocal/LoadLocal/StoreLocal remains.
type LocalElimination struct{}

// Run rewrites every function in the builder.
func (p LocalElimination) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

type localState struct {
	f          *ir.HIRFunction
	localCount int
	blockCount int

	locals      []ir.Local        // by local id
	localStores [][]*ir.HIRBlock  // by local id: blocks that store it
	outValues   [][]*ir.HIRValue  // [block][local] value live at block exit
	loads       [][][]*ir.HIRValue // [block][local] unresolved loads
	phiValues   [][]*ir.HIRValue  // [block][local] φ placed at block head
}

// RunFunction rewrites one function; CFG analysis must have run.
func (p LocalElimination) RunFunction(f *ir.HIRFunction) {
	st := &localState{
		f:          f,
		localCount: f.MaxLocalCount(),
		blockCount: f.MaxBlockCount(),
	}
	if st.localCount == 0 {
		return
	}
	st.locals = make([]ir.Local, st.localCount)
	st.localStores = make([][]*ir.HIRBlock, st.localCount)
	st.outValues = make([][]*ir.HIRValue, st.blockCount)
	st.loads = make([][][]*ir.HIRValue, st.blockCount)
	st.phiValues = make([][]*ir.HIRValue, st.blockCount)
	for i := 0; i < st.blockCount; i++ {
		st.outValues[i] = make([]*ir.HIRValue, st.localCount)
		st.loads[i] = make([][]*ir.HIRValue, st.localCount)
		st.phiValues[i] = make([]*ir.HIRValue, st.localCount)
	}

	st.sameBlock()
	st.placePhis()
	st.resolveRemainingLoads()
	st.sweep()
}

// rewriteUses redirects every plain value or lambda use of from onto
// to, keeping the replacement's use list current; φ and call-param
// uses stay. Reports whether any use remains.
func rewriteUses(f *ir.HIRFunction, from *ir.HIRValue, to ir.Value) bool {
	target := f.GetHIRValue(to)
	remaining := from.Uses[:0]
	for _, use := range from.Uses {
		switch {
		case use.IsPhi() || use.IsFuncCall():
			remaining = append(remaining, use)
		case use.Inst.Arg(int(use.ArgIdx)).IsValue():
			use.Inst.SetArg(int(use.ArgIdx), ir.ArgFrom(to))
			if target != nil {
				target.Use(use.Inst, use.ArgIdx)
			}
		case use.Inst.Arg(int(use.ArgIdx)).IsLambda():
			use.Inst.SetArg(int(use.ArgIdx), ir.ArgFrom(ir.NewLambdaValue(to)))
			if target != nil {
				target.Use(use.Inst, use.ArgIdx)
			}
		default:
			remaining = append(remaining, use)
		}
	}
	from.Uses = remaining
	return len(remaining) > 0
}

// sameBlock forwards stores to loads within each block and records the
// per-block exit values and store sets.
func (st *localState) sameBlock() {
	for _, block := range st.f.BlocksRPO() {
		id := block.OrderID()
		storeSeen := make([]bool, st.localCount)
		var destroy []*ir.HIRValue
		for _, inst := range block.Insts() {
			switch inst.Op() {
			case ir.OpDefineLocal:
				local := inst.Arg(0).Local
				st.locals[local.ID] = local
			case ir.OpLoadLocal:
				local := inst.Arg(0).Local
				hv := st.f.GetHIRValue(inst.Value())
				if hv == nil {
					panic("passes: load of untracked value")
				}
				if cur := st.outValues[id][local.ID]; cur != nil {
					if rewriteUses(st.f, hv, cur.Value) {
						st.loads[id][local.ID] = append(st.loads[id][local.ID], hv)
					} else {
						destroy = append(destroy, hv)
					}
				} else {
					st.loads[id][local.ID] = append(st.loads[id][local.ID], hv)
				}
			case ir.OpStoreLocal:
				local := inst.Arg(0).Local
				st.locals[local.ID] = local
				value := st.f.GetHIRValue(inst.Arg(1).Value)
				st.outValues[id][local.ID] = value
				if !storeSeen[local.ID] {
					st.localStores[local.ID] = append(st.localStores[local.ID], block)
					storeSeen[local.ID] = true
				}
			}
		}
		for _, hv := range destroy {
			st.f.DestroyHIRValue(hv)
		}
	}
}

// placePhis inserts φ at the iterated dominance frontier of each
// local's store set and rewrites loads that reach them.
func (st *localState) placePhis() {
	type phi struct {
		local ir.Local
		nodes map[*ir.HIRValue]struct{}
	}
	blockPhis := make([][]*phi, st.blockCount)

	for localID := 0; localID < st.localCount; localID++ {
		stores := st.localStores[localID]
		if len(stores) == 0 {
			continue
		}
		placed := make([]*phi, st.blockCount)
		worklist := append([]*ir.HIRBlock(nil), stores...)
		for len(worklist) > 0 {
			block := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			for _, df := range block.DomFrontier() {
				dfID := df.OrderID()
				if placed[dfID] == nil {
					ph := &phi{local: st.locals[localID], nodes: make(map[*ir.HIRValue]struct{})}
					blockPhis[dfID] = append(blockPhis[dfID], ph)
					placed[dfID] = ph
					if !containsBlock(worklist, df) {
						worklist = append(worklist, df)
					}
				}
				if v := st.outValues[block.OrderID()][localID]; v != nil {
					placed[dfID].nodes[v] = struct{}{}
				}
			}
		}
	}

	for blockID := 0; blockID < st.blockCount; blockID++ {
		phis := blockPhis[blockID]
		if len(phis) == 0 {
			continue
		}
		block := st.f.Blocks()[blockID]
		for _, ph := range phis {
			if len(ph.nodes) == 0 {
				continue
			}
			var params ir.Params
			for node := range ph.nodes {
				params.Push(ir.ArgFrom(node.Value))
			}
			phiInst := ir.NewInst(ir.OpAddPhi, params)
			phiInst.SetReturn(ph.local.Type)
			phiValue := block.InsertFront(phiInst)
			st.phiValues[blockID][ph.local.ID] = phiValue
			if st.outValues[blockID][ph.local.ID] == nil {
				st.outValues[blockID][ph.local.ID] = phiValue
			}
			loads := st.loads[blockID][ph.local.ID]
			remaining := loads[:0]
			for _, load := range loads {
				if rewriteUses(st.f, load, phiValue.Value) {
					remaining = append(remaining, load)
				} else {
					st.f.DestroyHIRValue(load)
				}
			}
			st.loads[blockID][ph.local.ID] = remaining
		}
	}
}

// resolveRemainingLoads walks the dominator chain for loads whose
// block neither stored the local nor received a φ for it.
func (st *localState) resolveRemainingLoads() {
	for blockID := 0; blockID < st.blockCount; blockID++ {
		block := st.f.Blocks()[blockID]
		for localID := 0; localID < st.localCount; localID++ {
			loads := st.loads[blockID][localID]
			if len(loads) == 0 {
				continue
			}
			value := st.reachingValue(block, localID)
			for _, load := range loads {
				if value == nil {
					panic("passes: load of local with no reaching store")
				}
				rewriteUses(st.f, load, value.Value)
				st.f.DestroyHIRValue(load)
			}
			st.loads[blockID][localID] = nil
		}
	}
}

// reachingValue finds the local's value on entry to block by walking
// the dominator chain.
func (st *localState) reachingValue(block *ir.HIRBlock, localID int) *ir.HIRValue {
	for dom := block.Dominator(); dom != nil; dom = dom.Dominator() {
		id := dom.OrderID()
		if v := st.phiValues[id][localID]; v != nil {
			return v
		}
		if v := st.outValues[id][localID]; v != nil {
			return v
		}
	}
	return nil
}

// sweep deletes the now-dead local opcodes.
func (st *localState) sweep() {
	for _, block := range st.f.Blocks() {
		flat := block.Block()
		var dead []*ir.Inst
		for _, inst := range flat.Insts() {
			switch inst.Op() {
			case ir.OpDefineLocal, ir.OpStoreLocal, ir.OpLoadLocal:
				dead = append(dead, inst)
			}
		}
		for _, inst := range dead {
			if hv := st.f.GetHIRValue(inst.Value()); hv != nil && inst.HasValue() {
				st.f.DestroyHIRValue(hv)
			} else {
				flat.DestroyInst(inst)
			}
		}
	}
}

func containsBlock(list []*ir.HIRBlock, b *ir.HIRBlock) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}
