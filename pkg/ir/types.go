// Package ir defines the typed intermediate representation the runtime
// translates guest code into: SSA-style values, four-slot instructions
// with a pseudo-operation chain for flags, blocks closed by recursive
// terminals, and the HIR container that adds CFG structure on top.
package ir

import "fmt"

// === Guest locations ===

// Location is a guest program counter. The all-ones value is reserved
// as the invalid sentinel; both numeric order and insertion order are
// meaningful (modules are keyed by half-open location ranges).
type Location uint64

// InvalidLocation is the reserved "no location" sentinel.
const InvalidLocation Location = ^Location(0)

// Valid reports whether the location is not the invalid sentinel.
func (l Location) Valid() bool { return l != InvalidLocation }

func (l Location) String() string { return fmt.Sprintf("0x%x", uint64(l)) }

// === Value types ===

// ValueType is the type tag carried by IR values and immediates.
type ValueType uint8

const (
	TypeVoid ValueType = iota
	TypeBool
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeS8
	TypeS16
	TypeS32
	TypeS64
	TypeV8
	TypeV16
	TypeV32
	TypeV64
	TypeV128
	TypeV256
)

var valueTypeNames = [...]string{
	"VOID", "BOOL", "U8", "U16", "U32", "U64",
	"S8", "S16", "S32", "S64",
	"V8", "V16", "V32", "V64", "V128", "V256",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "Unk"
}

// SizeBytes returns the storage size of the type in bytes. Bool is
// stored as a single byte.
func (t ValueType) SizeBytes() int {
	switch t {
	case TypeBool, TypeU8, TypeS8, TypeV8:
		return 1
	case TypeU16, TypeS16, TypeV16:
		return 2
	case TypeU32, TypeS32, TypeV32:
		return 4
	case TypeU64, TypeS64, TypeV64:
		return 8
	case TypeV128:
		return 16
	case TypeV256:
		return 32
	default:
		return 0
	}
}

// IsFloat reports whether the type lives in the vector/FP bank.
func (t ValueType) IsFloat() bool { return t >= TypeV8 && t <= TypeV256 }

// IsSigned reports whether the type is a signed scalar.
func (t ValueType) IsSigned() bool { return t >= TypeS8 && t <= TypeS64 }

// TypeForSize returns the unsigned scalar type of the given byte size,
// or TypeVoid when no scalar type matches.
func TypeForSize(sizeBytes int) ValueType {
	switch sizeBytes {
	case 1:
		return TypeU8
	case 2:
		return TypeU16
	case 4:
		return TypeU32
	case 8:
		return TypeU64
	default:
		return TypeVoid
	}
}

// SignedTypeForSize is TypeForSize for the signed scalar bank.
func SignedTypeForSize(sizeBytes int) ValueType {
	switch sizeBytes {
	case 1:
		return TypeS8
	case 2:
		return TypeS16
	case 4:
		return TypeS32
	case 8:
		return TypeS64
	default:
		return TypeVoid
	}
}

// VecTypeForSize is TypeForSize for the vector bank.
func VecTypeForSize(sizeBytes int) ValueType {
	switch sizeBytes {
	case 1:
		return TypeV8
	case 2:
		return TypeV16
	case 4:
		return TypeV32
	case 8:
		return TypeV64
	case 16:
		return TypeV128
	case 32:
		return TypeV256
	default:
		return TypeVoid
	}
}

// === Condition codes ===

// Cond is a comparison condition in the AArch64 numbering; frontends
// translate their own predicates into this space.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	CondNV

	CondHS = CondCS
	CondLO = CondCC
)

// === Guest flags ===

// Flags is the guest status-flag bitset attached to arithmetic via the
// SaveFlags/ClearFlags pseudo-operations.
type Flags uint16

const (
	FlagCarry          Flags = 1 << 0
	FlagOverflow       Flags = 1 << 1
	FlagZero           Flags = 1 << 2
	FlagNegate         Flags = 1 << 3
	FlagParity         Flags = 1 << 4
	FlagAuxiliaryCarry Flags = 1 << 5

	FlagsNone    Flags = 0
	FlagsNegZero       = FlagZero | FlagNegate
	FlagsNZCV          = FlagCarry | FlagOverflow | FlagZero | FlagNegate
	FlagsAll           = FlagsNZCV | FlagParity | FlagAuxiliaryCarry
)

// Has reports whether every bit of cmp is set.
func (f Flags) Has(cmp Flags) bool { return f&cmp == cmp }

// Any reports whether any bit of cmp is set.
func (f Flags) Any(cmp Flags) bool { return f&cmp != 0 }
