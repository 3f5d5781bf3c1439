package ir

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// === JIT cache descriptor ===

// JitState is the lifecycle of a compiled artifact for one block or
// function.
type JitState uint32

const (
	JitUncached JitState = iota
	JitTranslating
	JitCached
)

// JitCache points one block or function at its entry in a module code
// cache. The state word is atomic: the Translating→Cached transition
// happens under the owning entity's write lock and is published with a
// release store; dispatch-side probes read it with an acquire load.
type JitCache struct {
	state   atomic.Uint32
	CacheID uint16
	Offset  uint32
	Size    uint32
}

// State loads the lifecycle state (acquire).
func (j *JitCache) State() JitState { return JitState(j.state.Load()) }

// SetState publishes the lifecycle state (release).
func (j *JitCache) SetState(s JitState) { j.state.Store(uint32(s)) }

// === Block ===

// Block is a maximal straight-line instruction sequence closed by
// exactly one terminal. Blocks are shared and reference counted: a
// block stays alive while any module, function, or translation holds
// it, and the last release destroys its instruction list.
type Block struct {
	id       uint32
	location Location
	end      Location
	insts    []*Inst
	term     Terminal
	mu       sync.RWMutex
	refs     atomic.Int32
	jit      JitCache
}

// NewBlock creates an open block starting at location.
func NewBlock(id uint32, location Location) *Block {
	b := &Block{id: id, location: location}
	b.refs.Store(1)
	return b
}

// ID returns the block's builder-assigned id.
func (b *Block) ID() uint32 { return b.id }

// StartLocation returns the guest location the block starts at.
func (b *Block) StartLocation() Location { return b.location }

// EndLocation returns the guest location past the block, if known.
func (b *Block) EndLocation() Location { return b.end }

// SetEndLocation records the guest location past the block.
func (b *Block) SetEndLocation(loc Location) { b.end = loc }

// JitCache returns the block's code-cache descriptor.
func (b *Block) JitCache() *JitCache { return &b.jit }

// Retain takes a reference.
func (b *Block) Retain() { b.refs.Add(1) }

// Release drops a reference; the last release destroys the
// instruction list.
func (b *Block) Release() {
	if b.refs.Add(-1) == 0 {
		b.DestroyInsts()
	}
}

// RLock / RUnlock / Lock / Unlock expose the block's reader/writer
// lock; JitCache transitions to Cached require the write lock.
func (b *Block) RLock()   { b.mu.RLock() }
func (b *Block) RUnlock() { b.mu.RUnlock() }
func (b *Block) Lock()    { b.mu.Lock() }
func (b *Block) Unlock()  { b.mu.Unlock() }

// Terminal returns the closing terminal, or nil while the block is
// still open.
func (b *Block) Terminal() Terminal { return b.term }

// HasTerminal reports whether the block is closed.
func (b *Block) HasTerminal() bool { return b.term != nil }

// SetTerminal closes the block. A closed block admits no further
// instructions.
func (b *Block) SetTerminal(t Terminal) { b.term = t }

// Insts returns the instruction list. Callers must not insert through
// the returned slice; use the block mutators.
func (b *Block) Insts() []*Inst { return b.insts }

// AppendInst creates an instruction from op and args and appends it.
// Pseudo operations are linked behind the producer of their first
// value argument as well as appended to the list.
func (b *Block) AppendInst(op OpCode, args ...any) *Inst {
	inst := NewInst(op, args...)
	b.Append(inst)
	return inst
}

// Append appends a constructed instruction.
func (b *Block) Append(inst *Inst) {
	if b.term != nil {
		panic("ir: append to closed block")
	}
	if inst.IsPseudoOperation() {
		if def := inst.Arg(0).Value.Def(); def != nil {
			def.AppendPseudo(inst)
		}
	}
	b.insts = append(b.insts, inst)
}

// InsertFront inserts inst before the first instruction.
func (b *Block) InsertFront(inst *Inst) {
	b.insts = append([]*Inst{inst}, b.insts...)
}

// InsertBefore inserts inst before the given instruction.
func (b *Block) InsertBefore(inst, before *Inst) {
	for i, cur := range b.insts {
		if cur == before {
			b.insts = append(b.insts[:i], append([]*Inst{inst}, b.insts[i:]...)...)
			return
		}
	}
	panic("ir: InsertBefore: anchor not in block")
}

// RemoveInst unlinks inst without destroying it.
func (b *Block) RemoveInst(inst *Inst) {
	for i, cur := range b.insts {
		if cur == inst {
			b.insts = append(b.insts[:i], b.insts[i+1:]...)
			return
		}
	}
}

// DestroyInst unlinks inst and releases its arguments.
func (b *Block) DestroyInst(inst *Inst) {
	b.RemoveInst(inst)
	inst.DestroyArgs()
}

// DestroyInsts releases the whole instruction list.
func (b *Block) DestroyInsts() {
	for _, inst := range b.insts {
		inst.DestroyArgs()
	}
	b.insts = nil
}

// ReID renumbers the instruction ids densely in list order.
func (b *Block) ReID() {
	for i, inst := range b.insts {
		inst.SetID(uint16(i))
	}
}

// MaxInstrCount returns the number of instructions.
func (b *Block) MaxInstrCount() int { return len(b.insts) }

// Compare orders blocks by start location; used by the location maps.
func (b *Block) Compare(other *Block) int {
	switch {
	case b.location < other.location:
		return -1
	case b.location > other.location:
		return 1
	default:
		return 0
	}
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Basic Block $%d, Location: %s:\n", b.id, b.location)
	for _, inst := range b.insts {
		fmt.Fprintf(&sb, "  %s\n", inst)
	}
	sb.WriteString(formatTerminal(b.term, "  "))
	return sb.String()
}

func formatTerminal(t Terminal, indent string) string {
	switch v := t.(type) {
	case nil:
		return indent + "<open>\n"
	case LinkBlock:
		return fmt.Sprintf("%sLink Block %s\n", indent, v.Next)
	case LinkBlockFast:
		return fmt.Sprintf("%sLinkFast Block %s\n", indent, v.Next)
	case ReturnToDispatch:
		return indent + "ReturnToDispatch\n"
	case ReturnToHost:
		return indent + "ReturnToHost\n"
	case PopRSBHint:
		return indent + "PopRSBHint\n"
	case If:
		return fmt.Sprintf("%sIf (%%%d):\n%s%sElse:\n%s",
			indent, v.Cond.Def().ID(),
			formatTerminal(v.Then, indent+"  "),
			indent,
			formatTerminal(v.Else, indent+"  "))
	case Switch:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%sSwitch (%%%d):\n", indent, v.Value.Def().ID())
		for _, c := range v.Cases {
			fmt.Fprintf(&sb, "%s  case %s:\n%s", indent, c.Match, formatTerminal(c.Then, indent+"    "))
		}
		return sb.String()
	case CheckHalt:
		return fmt.Sprintf("%sCheckHalt:\n%s", indent, formatTerminal(v.Else, indent+"  "))
	default:
		return indent + "<invalid>\n"
	}
}
