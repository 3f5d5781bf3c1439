// Package passes implements the fixed optimization pipeline that runs
// between HIR construction and host code generation: CFG analysis,
// local-to-SSA rewriting, uniform and flags elimination, dead code
// removal, constant folding, and linear-scan register allocation.
package passes

import "j5.nz/svm/pkg/ir"

// CFGAnalysis derives edge-dominance marks, back edges, immediate
// dominators, dominance frontiers, and the reverse-post-order list.
type CFGAnalysis struct{}

// Run analyzes every function in the builder.
func (p CFGAnalysis) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

// RunFunction analyzes one finalized function.
func (p CFGAnalysis) RunFunction(f *ir.HIRFunction) {
	blocks := f.Blocks()
	if len(blocks) == 0 {
		panic("passes: cfg analysis on function without blocks")
	}
	findDominateEdges(f)
	findBackEdges(f)
	computeDominance(f)
	computeDominanceFrontiers(f)
}

// findDominateEdges marks the single incoming edge of any block that
// has exactly one.
func findDominateEdges(f *ir.HIRFunction) {
	for _, b := range f.Blocks() {
		if in := b.IncomingEdges(); len(in) == 1 {
			in[0].Flags |= ir.EdgeDominates
		}
	}
}

// findBackEdges runs an iterative DFS; an edge into a block that is
// still on the visiting stack is a back edge.
func findBackEdges(f *ir.HIRFunction) {
	count := f.MaxBlockCount()
	visited := make([]bool, count)
	visiting := make([]bool, count)
	succVisited := make([]int, count)

	entry := f.Blocks()[0]
	worklist := []*ir.HIRBlock{entry}
	visited[entry.OrderID()] = true
	visiting[entry.OrderID()] = true

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		id := current.OrderID()
		if succVisited[id] == len(current.Successors()) {
			visiting[id] = false
			worklist = worklist[:len(worklist)-1]
			continue
		}
		succ := current.Successors()[succVisited[id]]
		succVisited[id]++
		sid := succ.OrderID()
		if visiting[sid] {
			succ.AddBackEdge(current)
		} else if !visited[sid] {
			visited[sid] = true
			visiting[sid] = true
			worklist = append(worklist, succ)
		}
	}
}

// chainLength counts the dominator chain above block, inclusive.
func chainLength(b *ir.HIRBlock) int {
	n := 0
	for b != nil {
		n++
		b = b.Dominator()
	}
	return n
}

// commonDominator finds the nearest common dominator of two blocks by
// equalizing chain depths and walking up in lockstep.
func commonDominator(a, b *ir.HIRBlock) *ir.HIRBlock {
	if a == nil {
		return b
	}
	la, lb := chainLength(a), chainLength(b)
	for la > lb {
		a = a.Dominator()
		la--
	}
	for lb > la {
		b = b.Dominator()
		lb--
	}
	for a != b {
		a = a.Dominator()
		b = b.Dominator()
	}
	return a
}

// updateDominatorOfSuccessor folds block into successor's dominator;
// reports whether the dominator changed.
func updateDominatorOfSuccessor(block, successor *ir.HIRBlock) bool {
	old := successor.Dominator()
	var next *ir.HIRBlock
	if old == nil {
		next = block
	} else {
		next = commonDominator(old, block)
	}
	if old == next {
		return false
	}
	successor.SetDominator(next)
	return true
}

// computeDominance walks successors with a worklist, propagating the
// nearest common dominator, and appends each block to the RPO list
// once all its non-back predecessors are processed.
func computeDominance(f *ir.HIRFunction) {
	count := f.MaxBlockCount()
	visits := make([]int, count)
	succVisited := make([]int, count)

	entry := f.Blocks()[0]
	worklist := []*ir.HIRBlock{entry}
	var rpo []*ir.HIRBlock

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		id := current.OrderID()
		if succVisited[id] == len(current.OutgoingEdges()) {
			worklist = worklist[:len(worklist)-1]
			continue
		}
		succ := current.Successors()[succVisited[id]]
		succVisited[id]++
		updateDominatorOfSuccessor(current, succ)

		// Once all forward edges into the block are seen its immediate
		// dominator is final and its own successors can be visited.
		visits[succ.OrderID()]++
		if visits[succ.OrderID()] == len(succ.Predecessors())-len(succ.BackEdges()) {
			rpo = append(rpo, succ)
			worklist = append(worklist, succ)
		}
	}
	f.SetBlocksRPO(rpo)
}

// computeDominanceFrontiers fills per-block dominance frontiers: for a
// join block, every predecessor chain below the immediate dominator
// has the join in its frontier.
func computeDominanceFrontiers(f *ir.HIRFunction) {
	for _, b := range f.Blocks() {
		if len(b.Predecessors()) < 2 {
			continue
		}
		for _, pred := range b.Predecessors() {
			runner := pred
			for runner != nil && runner != b.Dominator() {
				runner.PushDominance(b)
				runner = runner.Dominator()
			}
		}
	}
}
