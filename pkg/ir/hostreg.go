package ir

import "math/bits"

// === Host register descriptors ===
// Shared between the register allocator and the backends.

// HostGPR names a host general-purpose register by index.
type HostGPR struct {
	ID uint8
}

// HostFPR names a host float/vector register by index.
type HostFPR struct {
	ID uint8
}

// SpillSlot names a stack spill slot.
type SpillSlot struct {
	Slot uint16
}

// RegMask is a bitmask over one register bank.
type RegMask uint32

// NewRegMask builds a mask with the given raw bits.
func NewRegMask(raw uint32) RegMask { return RegMask(raw) }

// Get reports whether bit is set.
func (m RegMask) Get(bit uint8) bool { return m&(1<<bit) != 0 }

// Mark sets bit in place.
func (m *RegMask) Mark(bit uint8) { *m |= 1 << bit }

// Clear clears bit in place.
func (m *RegMask) Clear(bit uint8) { *m &^= 1 << bit }

// FirstMarked returns the index of the lowest set bit, or 32.
func (m RegMask) FirstMarked() int { return bits.TrailingZeros32(uint32(m)) }

// HighestMarked returns the index of the highest set bit, or -1.
func (m RegMask) HighestMarked() int { return 31 - bits.LeadingZeros32(uint32(m)) }

// MarkedCount returns the number of set bits.
func (m RegMask) MarkedCount() int { return bits.OnesCount32(uint32(m)) }
