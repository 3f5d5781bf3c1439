// Package x86 is a sample guest frontend: it decodes a small x86-64
// subset into the IR builder, one basic block per branch. It exists to
// drive the runtime end to end; guest-ISA completeness is out of
// scope.
package x86

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"j5.nz/svm/pkg/ir"
)

// Uniform-buffer offsets of the guest register file, in encoding
// order. The flags image lives past the sixteen GPRs.
const (
	RegBytes    = 8
	FlagsOffset = 16 * RegBytes
	StateBytes  = FlagsOffset + 8
)

var gprOffsets = map[x86asm.Reg]uint32{
	x86asm.RAX: 0 * RegBytes,
	x86asm.RCX: 1 * RegBytes,
	x86asm.RDX: 2 * RegBytes,
	x86asm.RBX: 3 * RegBytes,
	x86asm.RSP: 4 * RegBytes,
	x86asm.RBP: 5 * RegBytes,
	x86asm.RSI: 6 * RegBytes,
	x86asm.RDI: 7 * RegBytes,
	x86asm.R8:  8 * RegBytes,
	x86asm.R9:  9 * RegBytes,
	x86asm.R10: 10 * RegBytes,
	x86asm.R11: 11 * RegBytes,
	x86asm.R12: 12 * RegBytes,
	x86asm.R13: 13 * RegBytes,
	x86asm.R14: 14 * RegBytes,
	x86asm.R15: 15 * RegBytes,
}

// ErrUnsupported is returned for instructions outside the subset.
var ErrUnsupported = errors.New("x86: instruction outside the supported subset")

// Decoder decodes guest code from a flat image mapped at a base
// location.
type Decoder struct {
	image []byte
	base  ir.Location
}

// NewDecoder wraps an image mapped at base.
func NewDecoder(image []byte, base ir.Location) *Decoder {
	return &Decoder{image: image, base: base}
}

func (d *Decoder) bytesAt(loc ir.Location) ([]byte, error) {
	if loc < d.base || loc >= d.base+ir.Location(len(d.image)) {
		return nil, errors.Errorf("x86: location %s outside image", loc)
	}
	return d.image[loc-d.base:], nil
}

// Decode builds one function of straight-line blocks starting at loc.
// Decoding stops at the first control transfer; later blocks decode on
// their own cache misses.
func (d *Decoder) Decode(builder *ir.HIRBuilder, loc ir.Location) error {
	f := builder.AppendFunction(loc, ir.InvalidLocation)
	builder.SetLocation(loc)

	pc := loc
	for {
		code, err := d.bytesAt(pc)
		if err != nil {
			return err
		}
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return errors.Wrapf(err, "decode at %s", pc)
		}
		next := pc + ir.Location(inst.Len)

		done, err := d.lower(builder, f, inst, next)
		if err != nil {
			return errors.Wrapf(err, "lower %s at %s", inst.Op, pc)
		}
		if done {
			builder.Return()
			return nil
		}
		pc = next
	}
}

// lower emits IR for one instruction; it reports whether the function
// is finished.
func (d *Decoder) lower(builder *ir.HIRBuilder, f *ir.HIRFunction, inst x86asm.Inst, next ir.Location) (bool, error) {
	switch inst.Op {
	case x86asm.NOP:
		return false, nil

	case x86asm.MOV:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return false, ErrUnsupported
		}
		value, err := d.sourceValue(f, inst.Args[1])
		if err != nil {
			return false, err
		}
		f.StoreUniform(regUniform(dst), value)
		return false, nil

	case x86asm.ADD, x86asm.SUB:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return false, ErrUnsupported
		}
		left := f.LoadUniform(regUniform(dst))
		rhs, err := d.sourceValue(f, inst.Args[1])
		if err != nil {
			return false, err
		}
		var result ir.Value
		if inst.Op == x86asm.ADD {
			result = f.Add(left, ir.NewOperandValue(rhs))
		} else {
			result = f.Sub(left, ir.NewOperandValue(rhs))
		}
		f.SaveFlags(result, ir.FlagsAll)
		f.StoreUniform(regUniform(dst), result)
		return false, nil

	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return false, ErrUnsupported
		}
		target := next + ir.Location(rel)
		f.EndBlock(ir.LinkBlock{Next: target})
		return true, nil

	case x86asm.RET:
		f.SetLocation(ir.NewLambdaImm(ir.NewImmU64(uint64(next))))
		return true, nil

	case x86asm.HLT:
		f.SetLocation(ir.NewLambdaImm(ir.NewImmU64(uint64(next))))
		f.EndBlock(ir.ReturnToHost{})
		return true, nil

	default:
		return false, ErrUnsupported
	}
}

func (d *Decoder) sourceValue(f *ir.HIRFunction, arg x86asm.Arg) (ir.Value, error) {
	switch src := arg.(type) {
	case x86asm.Imm:
		return f.LoadImm(ir.NewImmU64(uint64(int64(src)))), nil
	case x86asm.Reg:
		return f.LoadUniform(regUniform(src)), nil
	default:
		return ir.Value{}, ErrUnsupported
	}
}

func regUniform(r x86asm.Reg) ir.Uniform {
	if off, ok := gprOffsets[r]; ok {
		return ir.Uniform{Offset: off, Type: ir.TypeU64}
	}
	// 32-bit forms alias the low half of their 64-bit register.
	if off, ok := gprOffsets[r-x86asm.EAX+x86asm.RAX]; ok && r >= x86asm.EAX && r <= x86asm.R15L {
		return ir.Uniform{Offset: off, Type: ir.TypeU32}
	}
	panic("x86: unsupported register")
}
