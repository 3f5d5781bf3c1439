// Package backend owns everything between the IR and the host: the
// per-thread State ABI, translate tables, executable memory, modules
// and their code caches, the address space, trampolines, and the run
// loop that dispatches guest execution.
package backend

import (
	"go.uber.org/zap"

	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// ISA enumerates instruction sets on both sides of the translator.
type ISA uint8

const (
	ISANone ISA = iota
	ISAArm
	ISAArm64
	ISAX86
	ISAX86_64
	ISARiscv32
	ISARiscv64
	ISALoongArch
)

func (i ISA) String() string {
	switch i {
	case ISAArm:
		return "arm"
	case ISAArm64:
		return "arm64"
	case ISAX86:
		return "x86"
	case ISAX86_64:
		return "x86_64"
	case ISARiscv32:
		return "riscv32"
	case ISARiscv64:
		return "riscv64"
	case ISALoongArch:
		return "loongarch"
	default:
		return "none"
	}
}

// InstructionAlignment returns the code alignment the ISA requires.
func (i ISA) InstructionAlignment() int {
	switch i {
	case ISAArm, ISAArm64, ISARiscv32, ISARiscv64, ISALoongArch:
		return 4
	case ISAX86, ISAX86_64:
		return 1
	default:
		return 4
	}
}

// CodeAlignment returns the recommended entry alignment for compiled
// artifacts.
func (i ISA) CodeAlignment() int {
	switch i {
	case ISAArm:
		return 8
	case ISAArm64, ISAX86, ISAX86_64:
		return 16
	default:
		return 16
	}
}

// Optimizations is the global/per-module optimization bitset.
type Optimizations uint32

const (
	OptNone              Optimizations = 0
	OptReturnStackBuffer Optimizations = 1 << iota
	OptFlagElimination
	OptUniformElimination
	OptDeadCodeRemove
	OptStaticCode
	OptBlockLink
	OptConstantFolding
	OptDirectBlockLink
	OptIndirectBlockLink
	OptFunctionBaseCompile
)

// Has reports whether every bit of cmp is set.
func (o Optimizations) Has(cmp Optimizations) bool { return o&cmp == cmp }

// UniformDesc pins one uniform-buffer region to a host register.
type UniformDesc struct {
	Offset  uint32
	Size    uint32
	Reg     uint8
	IsFloat bool
}

// Frontend decodes guest code at a location into HIR. The decoders are
// external collaborators; the run loop only needs this one hook.
type Frontend interface {
	Decode(builder *ir.HIRBuilder, location ir.Location) error
}

// Config is the creation-time configuration of an address space and
// its runtimes.
type Config struct {
	LocStart ir.Location
	LocEnd   ir.Location

	EnableJIT       bool
	EnableAsmInterp bool

	UniformBufferSize uint32
	BackendISA        ISA

	BuffersStaticAlloc []UniformDesc
	GlobalOpts         Optimizations

	// Opaque guest-memory hooks passed through to translated code.
	PageTable  uintptr
	MemoryBase uintptr

	HasLocalOperation bool
	StackAlignment    uint8

	Frontend Frontend
	Logger   *zap.Logger
}

// Normalize fills defaults; it is called once at address-space
// creation.
func (c *Config) Normalize() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.StackAlignment == 0 {
		c.StackAlignment = 16
	}
	if c.LocEnd == 0 {
		c.LocEnd = ir.Location(1) << 49
	}
}

// UniformInfo builds the pass-facing view of the static-uniform plan.
func (c *Config) UniformInfo() *passes.UniformInfo {
	info := &passes.UniformInfo{Size: c.UniformBufferSize}
	for _, desc := range c.BuffersStaticAlloc {
		typ := ir.TypeForSize(int(desc.Size))
		if desc.IsFloat {
			typ = ir.VecTypeForSize(int(desc.Size))
		}
		info.Statics = append(info.Statics, passes.StaticUniform{
			Uniform: ir.Uniform{Offset: desc.Offset, Type: typ},
			Reg:     desc.Reg,
			IsFloat: desc.IsFloat,
		})
	}
	return info
}
