package ir

// === HIR: the CFG-aware container around the flat instruction stream ===
// The builder streams instructions into blocks while recording edges,
// value definitions, and uses; finalization materializes predecessor
// and successor arrays the analysis passes walk.

// AllocKind says where a value lives after register allocation.
type AllocKind uint8

const (
	AllocNone AllocKind = iota
	AllocGPR
	AllocFPR
	AllocMem
)

// ValueAllocated is the register-allocation result for one value.
type ValueAllocated struct {
	Kind  AllocKind
	GPR   HostGPR
	FPR   HostFPR
	Spill SpillSlot
}

// Allocated reports whether a location was assigned.
func (v ValueAllocated) Allocated() bool { return v.Kind != AllocNone }

// Special arg indices recorded on uses that do not sit in a plain
// argument slot.
const (
	UseFuncCall uint8 = 253
	UsePhi      uint8 = 254
)

// HIRUse records one consumer of a value.
type HIRUse struct {
	Inst   *Inst
	ArgIdx uint8
}

// IsPhi reports a use by a φ instruction.
func (u HIRUse) IsPhi() bool { return u.ArgIdx == UsePhi }

// IsFuncCall reports a use through call params.
func (u HIRUse) IsFuncCall() bool { return u.ArgIdx == UseFuncCall }

// HIRValue wraps a defined value with its block, its use list, and the
// register-allocation result.
type HIRValue struct {
	Value     Value
	Block     *HIRBlock
	Allocated ValueAllocated
	Uses      []HIRUse
}

// OrderID returns the defining instruction's id.
func (v *HIRValue) OrderID() uint16 { return v.Value.Def().ID() }

// Use records a consumer.
func (v *HIRValue) Use(inst *Inst, idx uint8) {
	v.Uses = append(v.Uses, HIRUse{Inst: inst, ArgIdx: idx})
}

// UnUse removes a previously recorded consumer.
func (v *HIRValue) UnUse(inst *Inst, idx uint8) {
	for i, u := range v.Uses {
		if u.Inst == inst && u.ArgIdx == idx {
			v.Uses = append(v.Uses[:i], v.Uses[i+1:]...)
			return
		}
	}
}

// Edge flags.
const (
	EdgeConditional uint8 = 1 << 0
	EdgeDominates   uint8 = 1 << 1
)

// Edge is one CFG edge.
type Edge struct {
	Src   *HIRBlock
	Dest  *HIRBlock
	Flags uint8
}

// HIRBlock wraps a Block with CFG structure.
type HIRBlock struct {
	orderID  uint16
	block    *Block
	fn       *HIRFunction
	incoming []*Edge
	outgoing []*Edge

	// Materialized by EndFunction.
	preds []*HIRBlock
	succs []*HIRBlock

	backEdges   []*HIRBlock
	dominator   *HIRBlock
	domFrontier []*HIRBlock
}

// OrderID returns the block's dense id.
func (b *HIRBlock) OrderID() uint16 { return b.orderID }

// Block returns the underlying flat block.
func (b *HIRBlock) Block() *Block { return b.block }

// Insts returns the underlying instruction list.
func (b *HIRBlock) Insts() []*Inst { return b.block.Insts() }

// IncomingEdges returns the raw incoming edge list.
func (b *HIRBlock) IncomingEdges() []*Edge { return b.incoming }

// OutgoingEdges returns the raw outgoing edge list.
func (b *HIRBlock) OutgoingEdges() []*Edge { return b.outgoing }

// Predecessors returns the predecessor array (valid after
// EndFunction).
func (b *HIRBlock) Predecessors() []*HIRBlock { return b.preds }

// Successors returns the successor array (valid after EndFunction).
func (b *HIRBlock) Successors() []*HIRBlock { return b.succs }

// BackEdges returns back-edge sources recorded by CFG analysis.
func (b *HIRBlock) BackEdges() []*HIRBlock { return b.backEdges }

// AddBackEdge records src as a back-edge source into this block.
func (b *HIRBlock) AddBackEdge(src *HIRBlock) { b.backEdges = append(b.backEdges, src) }

// Dominator returns the immediate dominator.
func (b *HIRBlock) Dominator() *HIRBlock { return b.dominator }

// SetDominator sets the immediate dominator.
func (b *HIRBlock) SetDominator(d *HIRBlock) { b.dominator = d }

// DomFrontier returns the dominance frontier.
func (b *HIRBlock) DomFrontier() []*HIRBlock { return b.domFrontier }

// PushDominance appends a block to the dominance frontier.
func (b *HIRBlock) PushDominance(blk *HIRBlock) { b.domFrontier = append(b.domFrontier, blk) }

// AppendInst creates and appends an instruction to this block,
// registering its value and uses with the owning function.
func (b *HIRBlock) AppendInst(op OpCode, args ...any) *Inst {
	inst := NewInst(op, args...)
	b.Append(inst)
	return inst
}

// Append appends a constructed instruction to this block.
func (b *HIRBlock) Append(inst *Inst) *HIRValue {
	b.block.Append(inst)
	inst.SetID(b.fn.nextInstID())
	return b.fn.registerInst(b, inst)
}

// InsertFront inserts a constructed instruction at the head of the
// block (used for φ placement).
func (b *HIRBlock) InsertFront(inst *Inst) *HIRValue {
	b.block.InsertFront(inst)
	inst.SetID(b.fn.nextInstID())
	return b.fn.registerInst(b, inst)
}

// HIRFunction is the function-level HIR container.
type HIRFunction struct {
	fn    *Function
	begin Location
	end   Location

	blockOrder uint16
	instOrder  uint16
	maxLocalID int

	blocks    []*HIRBlock // by order id, valid after EndFunction
	blockList []*HIRBlock // build order
	rpo       []*HIRBlock

	values map[*Inst]*HIRValue

	current *HIRBlock
	entry   *HIRBlock

	spillSlots uint16
}

func newHIRFunction(fn *Function, begin, end Location) *HIRFunction {
	f := &HIRFunction{
		fn:         fn,
		begin:      begin,
		end:        end,
		maxLocalID: -1,
		values:     make(map[*Inst]*HIRValue),
	}
	f.entry = f.AppendBlock(InvalidLocation, InvalidLocation)
	first := f.AppendBlock(begin, end)
	f.AddEdge(f.entry, first, false)
	f.entry.block.SetTerminal(LinkBlock{Next: begin})
	f.current = first
	return f
}

// Function returns the underlying flat function.
func (f *HIRFunction) Function() *Function { return f.fn }

// StartLocation returns the function's entry location.
func (f *HIRFunction) StartLocation() Location { return f.begin }

// EntryBlock returns the synthetic entry block.
func (f *HIRFunction) EntryBlock() *HIRBlock { return f.entry }

// CurrentBlock returns the block instructions are streaming into.
func (f *HIRFunction) CurrentBlock() *HIRBlock { return f.current }

// SetCurBlock redirects the instruction stream.
func (f *HIRFunction) SetCurBlock(b *HIRBlock) { f.current = b }

// Blocks returns the block vector indexed by order id (valid after
// EndFunction).
func (f *HIRFunction) Blocks() []*HIRBlock { return f.blocks }

// BlockList returns the blocks in creation order.
func (f *HIRFunction) BlockList() []*HIRBlock { return f.blockList }

// BlocksRPO returns the reverse-post-order list built by CFG analysis.
func (f *HIRFunction) BlocksRPO() []*HIRBlock { return f.rpo }

// SetBlocksRPO installs the reverse-post-order list.
func (f *HIRFunction) SetBlocksRPO(rpo []*HIRBlock) { f.rpo = rpo }

// Values returns the value map keyed by defining instruction.
func (f *HIRFunction) Values() map[*Inst]*HIRValue { return f.values }

// GetHIRValue looks up the wrapper of a value, or nil.
func (f *HIRFunction) GetHIRValue(v Value) *HIRValue {
	if v.Def() == nil {
		return nil
	}
	return f.values[v.Def()]
}

// DestroyHIRValue removes a value and its defining instruction.
func (f *HIRFunction) DestroyHIRValue(v *HIRValue) {
	delete(f.values, v.Value.Def())
	v.Block.block.DestroyInst(v.Value.Def())
}

// MaxBlockCount returns the number of blocks created.
func (f *HIRFunction) MaxBlockCount() int { return int(f.blockOrder) }

// MaxInstrCount returns the number of instruction ids issued.
func (f *HIRFunction) MaxInstrCount() int { return int(f.instOrder) }

// MaxLocalCount returns one past the highest local id seen.
func (f *HIRFunction) MaxLocalCount() int { return f.maxLocalID + 1 }

// AllocSpillSlot reserves a stack spill slot.
func (f *HIRFunction) AllocSpillSlot() SpillSlot {
	slot := f.spillSlots
	f.spillSlots++
	return SpillSlot{Slot: slot}
}

// SpillSlotCount returns the number of spill slots reserved.
func (f *HIRFunction) SpillSlotCount() int { return int(f.spillSlots) }

func (f *HIRFunction) nextInstID() uint16 {
	id := f.instOrder
	f.instOrder++
	return id
}

// registerInst records the value (if any) and the uses of inst.
func (f *HIRFunction) registerInst(b *HIRBlock, inst *Inst) *HIRValue {
	var hv *HIRValue
	if inst.HasValue() {
		hv = &HIRValue{Value: inst.Value(), Block: b}
		f.values[inst] = hv
	}
	f.useInst(inst)
	switch inst.Op() {
	case OpDefineLocal, OpLoadLocal, OpStoreLocal:
		if id := int(inst.Arg(0).Local.ID); id > f.maxLocalID {
			f.maxLocalID = id
		}
	}
	return hv
}

// useInst records a HIRUse for every value argument of inst.
func (f *HIRFunction) useInst(inst *Inst) {
	for idx := 0; idx < MaxArgs; idx++ {
		switch a := inst.Arg(idx); a.Kind {
		case ArgValue:
			if hv := f.GetHIRValue(a.Value); hv != nil {
				hv.Use(inst, uint8(idx))
			}
		case ArgLambda:
			if a.Lambda.IsValue() {
				if hv := f.GetHIRValue(a.Lambda.Value()); hv != nil {
					hv.Use(inst, uint8(idx))
				}
			}
		case ArgParams:
			for _, p := range a.Params {
				if p.IsValue() {
					if hv := f.GetHIRValue(p.Value); hv != nil {
						hv.Use(inst, UseFuncCall)
					}
				}
			}
		}
	}
}

// AppendBlock creates (or returns) the block starting at start.
func (f *HIRFunction) AppendBlock(start, end Location) *HIRBlock {
	b := f.CreateOrGetBlock(start)
	b.block.SetEndLocation(end)
	return b
}

// CreateOrGetBlock returns the block starting at location, creating it
// on first reference.
func (f *HIRFunction) CreateOrGetBlock(location Location) *HIRBlock {
	for _, b := range f.blockList {
		if b.block.StartLocation() == location {
			return b
		}
	}
	b := &HIRBlock{
		orderID: f.blockOrder,
		block:   NewBlock(uint32(f.blockOrder), location),
		fn:      f,
	}
	f.blockOrder++
	f.blockList = append(f.blockList, b)
	return b
}

// AddEdge links src to dest. A destination that already had an
// incoming edge loses any DOMINATES marks; CFG analysis re-derives
// them.
func (f *HIRFunction) AddEdge(src, dest *HIRBlock, conditional bool) {
	wasDominated := len(dest.incoming) > 0
	e := &Edge{Src: src, Dest: dest}
	if conditional {
		e.Flags |= EdgeConditional
	}
	src.outgoing = append(src.outgoing, e)
	dest.incoming = append(dest.incoming, e)
	if wasDominated {
		for _, in := range dest.incoming {
			in.Flags &^= EdgeDominates
		}
	}
}

// AppendInst appends to the current block.
func (f *HIRFunction) AppendInst(op OpCode, args ...any) *Inst {
	if f.current == nil {
		panic("ir: no current block")
	}
	return f.current.AppendInst(op, args...)
}

// EndBlock closes the current block with terminal.
func (f *HIRFunction) EndBlock(term Terminal) {
	f.current.block.SetTerminal(term)
	f.current = nil
}

// EndFunction closes the final block with PopRSBHint and materializes
// the per-block predecessor/successor arrays and the order-id vector.
func (f *HIRFunction) EndFunction() {
	if f.current != nil {
		f.EndBlock(PopRSBHint{})
	}
	f.blocks = make([]*HIRBlock, f.blockOrder)
	for _, b := range f.blockList {
		f.blocks[b.orderID] = b
		b.preds = make([]*HIRBlock, len(b.incoming))
		for i, e := range b.incoming {
			b.preds[i] = e.Src
		}
		b.succs = make([]*HIRBlock, len(b.outgoing))
		for i, e := range b.outgoing {
			b.succs[i] = e.Dest
		}
		f.fn.AddBlock(b.block)
	}
}

// IDByRPO renumbers instruction ids densely following the
// reverse-post-order block list so later passes can index by id.
func (f *HIRFunction) IDByRPO() {
	var cur uint16
	for _, b := range f.rpo {
		for _, inst := range b.Insts() {
			inst.SetID(cur)
			cur++
		}
	}
	f.instOrder = cur
}

// === Builder ===

// ElseThen is the pair of successor blocks created by If.
type ElseThen struct {
	Else *HIRBlock
	Then *HIRBlock
}

// CaseBlock is one successor created by Switch.
type CaseBlock struct {
	Match Imm
	Then  *HIRBlock
}

// HIRBuilder drives HIR construction for a list of functions.
type HIRBuilder struct {
	funcs      []*HIRFunction
	current    *HIRFunction
	currentLoc Location
}

// NewHIRBuilder creates an empty builder.
func NewHIRBuilder() *HIRBuilder { return &HIRBuilder{} }

// Functions returns the functions built so far.
func (hb *HIRBuilder) Functions() []*HIRFunction { return hb.funcs }

// AppendFunction starts a new function spanning [start, end) and makes
// it current.
func (hb *HIRBuilder) AppendFunction(start, end Location) *HIRFunction {
	f := newHIRFunction(NewFunction(start), start, end)
	hb.funcs = append(hb.funcs, f)
	hb.current = f
	return f
}

// CurrentFunction returns the function being built.
func (hb *HIRBuilder) CurrentFunction() *HIRFunction { return hb.current }

// SetLocation records the guest location being decoded.
func (hb *HIRBuilder) SetLocation(loc Location) { hb.currentLoc = loc }

// Location returns the guest location being decoded.
func (hb *HIRBuilder) Location() Location { return hb.currentLoc }

// SetCurBlock redirects the stream to an existing block.
func (hb *HIRBuilder) SetCurBlock(b *HIRBlock) {
	hb.current.SetCurBlock(b)
}

// SetCurBlockAt redirects the stream to the block starting at location,
// creating it on first reference.
func (hb *HIRBuilder) SetCurBlockAt(location Location) {
	hb.current.SetCurBlock(hb.current.CreateOrGetBlock(location))
}

// AppendInst appends to the current function's current block.
func (hb *HIRBuilder) AppendInst(op OpCode, args ...any) *Inst {
	return hb.current.AppendInst(op, args...)
}

// If closes the current block on the given If terminal and returns the
// two successor blocks; the caller drives each side.
func (hb *HIRBuilder) If(term If) ElseThen {
	f := hb.current
	pre := f.current
	f.EndBlock(term)
	elseBlock := f.AppendBlock(terminalNext(term.Else), InvalidLocation)
	thenBlock := f.AppendBlock(terminalNext(term.Then), InvalidLocation)
	f.AddEdge(pre, thenBlock, true)
	f.AddEdge(pre, elseBlock, true)
	return ElseThen{Else: elseBlock, Then: thenBlock}
}

// Switch closes the current block on the given Switch terminal and
// returns the successor blocks per case.
func (hb *HIRBuilder) Switch(term Switch) []CaseBlock {
	f := hb.current
	pre := f.current
	f.EndBlock(term)
	out := make([]CaseBlock, len(term.Cases))
	for i, c := range term.Cases {
		next := f.AppendBlock(terminalNext(c.Then), InvalidLocation)
		f.AddEdge(pre, next, true)
		out[i] = CaseBlock{Match: c.Match, Then: next}
	}
	return out
}

// LinkBlock closes the current block on a straight-line link and
// returns (without entering) the single successor.
func (hb *HIRBuilder) LinkBlock(term LinkBlock) *HIRBlock {
	f := hb.current
	pre := f.current
	f.EndBlock(term)
	next := f.AppendBlock(term.Next, InvalidLocation)
	f.AddEdge(pre, next, false)
	return next
}

// Return finalizes the current function.
func (hb *HIRBuilder) Return() {
	hb.current.EndFunction()
	hb.current = nil
}

// terminalNext extracts the continuation location of a link terminal.
func terminalNext(t Terminal) Location {
	switch v := t.(type) {
	case LinkBlock:
		return v.Next
	case LinkBlockFast:
		return v.Next
	default:
		panic("ir: terminal has no static continuation")
	}
}
