package passes

import (
	"sort"

	"j5.nz/svm/pkg/ir"
)

// RegAlloc carries the allocatable register masks in and the per-value
// allocation result out; the backend translator consults it while
// lowering.
type RegAlloc struct {
	gprs ir.RegMask
	fprs ir.RegMask

	tmpGPRs []ir.HostGPR
	tmpFPRs []ir.HostFPR

	result     []ir.ValueAllocated // by instruction id
	dirtyGPRs  []ir.RegMask        // occupied GPRs at each def
	dirtyFPRs  []ir.RegMask
	spillCount uint16

	current *ir.Inst
}

// NewRegAlloc sizes the result tables for instCount instructions.
func NewRegAlloc(instCount int, gprs, fprs ir.RegMask) *RegAlloc {
	return &RegAlloc{
		gprs:      gprs,
		fprs:      fprs,
		result:    make([]ir.ValueAllocated, instCount),
		dirtyGPRs: make([]ir.RegMask, instCount),
		dirtyFPRs: make([]ir.RegMask, instCount),
	}
}

// SetTemps installs the reserved scratch registers the translator may
// hand out without entering allocation.
func (ra *RegAlloc) SetTemps(gprs []ir.HostGPR, fprs []ir.HostFPR) {
	ra.tmpGPRs = gprs
	ra.tmpFPRs = fprs
}

// GPRs returns the allocatable GPR mask.
func (ra *RegAlloc) GPRs() ir.RegMask { return ra.gprs }

// FPRs returns the allocatable FPR mask.
func (ra *RegAlloc) FPRs() ir.RegMask { return ra.fprs }

// SetCurrent points the allocator at the instruction being lowered.
func (ra *RegAlloc) SetCurrent(inst *ir.Inst) { ra.current = inst }

// AllocOf returns the allocation of the value defined at id.
func (ra *RegAlloc) AllocOf(id uint16) ir.ValueAllocated { return ra.result[id] }

// ValueGPR returns the GPR holding value; the value must be
// GPR-allocated.
func (ra *RegAlloc) ValueGPR(v ir.Value) ir.HostGPR {
	a := ra.result[v.Def().ID()]
	if a.Kind != ir.AllocGPR {
		panic("passes: value not in a GPR")
	}
	return a.GPR
}

// ValueFPR returns the FPR holding value; the value must be
// FPR-allocated.
func (ra *RegAlloc) ValueFPR(v ir.Value) ir.HostFPR {
	a := ra.result[v.Def().ID()]
	if a.Kind != ir.AllocFPR {
		panic("passes: value not in an FPR")
	}
	return a.FPR
}

// TmpGPR returns the i-th reserved scratch GPR.
func (ra *RegAlloc) TmpGPR(i int) ir.HostGPR { return ra.tmpGPRs[i] }

// TmpFPR returns the i-th reserved scratch FPR.
func (ra *RegAlloc) TmpFPR(i int) ir.HostFPR { return ra.tmpFPRs[i] }

// DirtyRegsAt returns the occupied register masks at the def of id,
// used to save live registers across host calls.
func (ra *RegAlloc) DirtyRegsAt(id uint16) (ir.RegMask, ir.RegMask) {
	return ra.dirtyGPRs[id], ra.dirtyFPRs[id]
}

// SpillSlots returns the number of spill slots handed out.
func (ra *RegAlloc) SpillSlots() int { return int(ra.spillCount) }

// RegisterAlloc is the linear-scan allocation pass over an IR function
// after the earlier pipeline stages.
type RegisterAlloc struct{}

// Run allocates every function in the builder.
func (p RegisterAlloc) Run(hb *ir.HIRBuilder, ra *RegAlloc) {
	for _, f := range hb.Functions() {
		p.RunFunction(f, ra)
	}
}

type interval struct {
	start uint16
	end   uint16
	value *ir.HIRValue
	reg   uint8
	float bool
}

// RunFunction performs the scan for one function.
func (p RegisterAlloc) RunFunction(f *ir.HIRFunction, ra *RegAlloc) {
	// Step 1: one live interval per defined value, [def, last use].
	// Values a block terminal consumes stay live to the block's end.
	blockLastID := make(map[*ir.HIRBlock]uint16)
	for _, b := range f.BlocksRPO() {
		if insts := b.Insts(); len(insts) > 0 {
			blockLastID[b] = insts[len(insts)-1].ID()
		}
	}
	terminalEnd := make(map[*ir.Inst]uint16)
	for _, b := range f.BlocksRPO() {
		for _, v := range ir.TerminalValues(b.Block().Terminal()) {
			if v.Def() != nil {
				if end, ok := blockLastID[b]; ok && end > terminalEnd[v.Def()] {
					terminalEnd[v.Def()] = end
				}
			}
		}
	}

	intervals := make([]*interval, 0, len(f.Values()))
	for _, hv := range f.Values() {
		iv := &interval{
			start: hv.OrderID(),
			end:   hv.OrderID(),
			value: hv,
			float: hv.Value.Type().IsFloat(),
		}
		for _, use := range hv.Uses {
			if id := use.Inst.ID(); id > iv.end {
				iv.end = id
			}
		}
		if end, ok := terminalEnd[hv.Value.Def()]; ok && end > iv.end {
			iv.end = end
		}
		intervals = append(intervals, iv)
	}
	p.scan(intervals, ra)
}

// RunBlock allocates a standalone block: ids are renumbered densely
// and intervals derived by scanning argument references.
func (p RegisterAlloc) RunBlock(b *ir.Block, ra *RegAlloc) {
	b.ReID()
	byDef := make(map[*ir.Inst]*interval)
	var intervals []*interval
	for _, inst := range b.Insts() {
		if inst.HasValue() {
			iv := &interval{
				start: inst.ID(),
				end:   inst.ID(),
				float: inst.ReturnType().IsFloat(),
			}
			byDef[inst] = iv
			intervals = append(intervals, iv)
		}
		for _, v := range inst.Values() {
			if iv, ok := byDef[v.Def()]; ok && inst.ID() > iv.end {
				iv.end = inst.ID()
			}
		}
	}
	if insts := b.Insts(); len(insts) > 0 {
		last := insts[len(insts)-1].ID()
		for _, v := range ir.TerminalValues(b.Terminal()) {
			if iv, ok := byDef[v.Def()]; ok && last > iv.end {
				iv.end = last
			}
		}
	}
	p.scan(intervals, ra)
}

// scan is the linear walk shared by function and block allocation.
func (p RegisterAlloc) scan(intervals []*interval, ra *RegAlloc) {
	// Step 2: sort by start id.
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].start == intervals[j].start {
			return intervals[i].end < intervals[j].end
		}
		return intervals[i].start < intervals[j].start
	})

	// Step 3: walk intervals, expiring and spilling.
	freeGPRs := ra.gprs
	freeFPRs := ra.fprs
	var active []*interval

	expire := func(start uint16) {
		remaining := active[:0]
		for _, a := range active {
			if a.end < start {
				if a.float {
					freeFPRs.Mark(a.reg)
				} else {
					freeGPRs.Mark(a.reg)
				}
			} else {
				remaining = append(remaining, a)
			}
		}
		active = remaining
	}

	spill := func(iv *interval) {
		alloc := ir.ValueAllocated{
			Kind:  ir.AllocMem,
			Spill: ir.SpillSlot{Slot: ra.spillCount},
		}
		ra.result[iv.start] = alloc
		if iv.value != nil {
			iv.value.Allocated = alloc
		}
		ra.spillCount++
	}

	assign := func(iv *interval, reg uint8) {
		iv.reg = reg
		alloc := ir.ValueAllocated{Kind: ir.AllocGPR, GPR: ir.HostGPR{ID: reg}}
		if iv.float {
			alloc = ir.ValueAllocated{Kind: ir.AllocFPR, FPR: ir.HostFPR{ID: reg}}
		}
		ra.result[iv.start] = alloc
		if iv.value != nil {
			iv.value.Allocated = alloc
		}
		active = append(active, iv)
	}

	for _, iv := range intervals {
		expire(iv.start)

		free := &freeGPRs
		if iv.float {
			free = &freeFPRs
		}
		if reg := free.HighestMarked(); reg >= 0 {
			free.Clear(uint8(reg))
			assign(iv, uint8(reg))
		} else {
			// Evict the active with the latest end in the same bank;
			// on equal ends prefer evicting the higher register index
			// so the next allocation lands on the lower one.
			var victim *interval
			for _, a := range active {
				if a.float != iv.float {
					continue
				}
				if victim == nil || a.end > victim.end ||
					(a.end == victim.end && a.reg > victim.reg) {
					victim = a
				}
			}
			if victim != nil && victim.end > iv.end {
				reg := victim.reg
				spill(victim)
				removeInterval(&active, victim)
				assign(iv, reg)
			} else {
				spill(iv)
			}
		}

		if int(iv.start) < len(ra.dirtyGPRs) {
			ra.dirtyGPRs[iv.start] = ra.gprs &^ freeGPRs
			ra.dirtyFPRs[iv.start] = ra.fprs &^ freeFPRs
		}
	}
}

func removeInterval(list *[]*interval, iv *interval) {
	for i, a := range *list {
		if a == iv {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
