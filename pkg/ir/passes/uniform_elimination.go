package passes

import "j5.nz/svm/pkg/ir"

// StaticUniform pins one uniform-buffer region onto a host register
// for the whole of translated execution.
type StaticUniform struct {
	Uniform ir.Uniform
	Reg     uint8
	IsFloat bool
}

// UniformInfo configures UniformElimination: the uniform buffer size
// and the static-uniform allocation plan.
type UniformInfo struct {
	Size    uint32
	Statics []StaticUniform
}

// StaticAt returns the static region covering offset, or nil.
func (u *UniformInfo) StaticAt(offset uint32) *StaticUniform {
	for i := range u.Statics {
		s := &u.Statics[i]
		size := uint32(s.Uniform.Type.SizeBytes())
		if offset >= s.Uniform.Offset && offset < s.Uniform.Offset+size {
			return s
		}
	}
	return nil
}

// UniformElimination forwards uniform stores to loads: a load whose
// byte range is fully backed by a single prior store rewrites into a
// BitCast or BitExtract of the stored value, and accesses to statically
// allocated regions become direct host-register moves.
type UniformElimination struct{}

// Run rewrites every function in the builder.
func (p UniformElimination) Run(hb *ir.HIRBuilder, info *UniformInfo) {
	for _, f := range hb.Functions() {
		p.RunFunction(f, info)
	}
}

// RunFunction rewrites each block of one function, maintaining the
// function's value-use bookkeeping.
func (p UniformElimination) RunFunction(f *ir.HIRFunction, info *UniformInfo) {
	for _, b := range f.BlocksRPO() {
		runUniformBlock(b.Block(), info, f)
	}
}

// RunBlock rewrites a standalone block.
func (p UniformElimination) RunBlock(b *ir.Block, info *UniformInfo) {
	runUniformBlock(b, info, nil)
}

// uniformByte is the last writer of one uniform-buffer byte.
type uniformByte struct {
	value  ir.Value
	offset uint8 // byte index within the stored value
}

func runUniformBlock(block *ir.Block, info *UniformInfo, f *ir.HIRFunction) {
	bytes := make([]uniformByte, info.Size)
	for _, inst := range block.Insts() {
		switch inst.Op() {
		case ir.OpLoadUniform:
			uni := inst.Arg(0).Uniform
			size := uint32(uni.Type.SizeBytes())
			if uni.Offset+size > info.Size {
				panic("passes: uniform load out of range")
			}
			if s := info.StaticAt(uni.Offset); s != nil {
				regSize := uint32(s.Uniform.Type.SizeBytes())
				if uni.Offset+size > s.Uniform.Offset+regSize {
					panic("passes: uniform load crosses a static region")
				}
				retType := uni.Type
				offsetIn := ir.NewImmU8(uint8(uni.Offset - s.Uniform.Offset))
				inst.Reset(pickOp(s.IsFloat, ir.OpGetHostGPR, ir.OpGetHostFPR))
				inst.SetArgs(ir.NewImmU8(s.Reg), offsetIn)
				inst.SetReturn(retType)
				break
			}

			var backing ir.Value
			var valueOffset uint8
			ok := true
			for i := uint32(0); i < size; i++ {
				ub := bytes[uni.Offset+i]
				if !ub.value.Defined() {
					ok = false
					break
				}
				if i == 0 {
					backing = ub.value
					valueOffset = ub.offset
				} else if ub.value != backing || ub.offset != valueOffset+uint8(i) {
					ok = false
					break
				}
			}
			if !ok || !backing.Defined() {
				break
			}
			retType := uni.Type
			if valueOffset == 0 {
				inst.Reset(ir.OpBitCast)
				inst.SetArgs(backing)
			} else {
				inst.Reset(ir.OpBitExtract)
				inst.SetArgs(backing,
					ir.NewImmU8(valueOffset*8),
					ir.NewImmU8(uint8(size*8)))
			}
			inst.SetReturn(retType)
			if f != nil {
				if hv := f.GetHIRValue(backing); hv != nil {
					hv.Use(inst, 0)
				}
			}

		case ir.OpStoreUniform:
			uni := inst.Arg(0).Uniform
			value := inst.Arg(1).Value
			size := uint32(uni.Type.SizeBytes())
			if uni.Offset+size > info.Size {
				panic("passes: uniform store out of range")
			}
			if s := info.StaticAt(uni.Offset); s != nil {
				regSize := uint32(s.Uniform.Type.SizeBytes())
				if uni.Offset+size > s.Uniform.Offset+regSize {
					panic("passes: uniform store crosses a static region")
				}
				offsetIn := ir.NewImmU8(uint8(uni.Offset - s.Uniform.Offset))
				retType := uni.Type
				inst.Reset(pickOp(s.IsFloat, ir.OpSetHostGPR, ir.OpSetHostFPR))
				inst.SetArgs(value, ir.NewImmU8(s.Reg), offsetIn)
				inst.SetReturn(retType)
				if f != nil {
					if hv := f.GetHIRValue(value); hv != nil {
						hv.Use(inst, 0)
					}
				}
				break
			}
			for i := uint32(0); i < size; i++ {
				bytes[uni.Offset+i] = uniformByte{value: value, offset: uint8(i)}
			}

		case ir.OpUniformBarrier:
			for i := range bytes {
				bytes[i] = uniformByte{}
			}
		}
	}
}

func pickOp(isFloat bool, gpr, fpr ir.OpCode) ir.OpCode {
	if isFloat {
		return fpr
	}
	return gpr
}
