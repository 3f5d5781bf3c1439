package x86

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
)

// mov rax, 0x42 / add rax, 8 / hlt
var movAddHlt = []byte{
	0x48, 0xC7, 0xC0, 0x42, 0x00, 0x00, 0x00, // mov rax, 0x42
	0x48, 0x83, 0xC0, 0x08, // add rax, 8
	0xF4, // hlt
}

func TestDecodeStraightLine(t *testing.T) {
	d := NewDecoder(movAddHlt, 0x1000)
	builder := ir.NewHIRBuilder()
	require.NoError(t, d.Decode(builder, 0x1000))

	fns := builder.Functions()
	require.Len(t, fns, 1)
	f := fns[0]

	var stores, adds int
	for _, b := range f.Blocks() {
		for _, inst := range b.Insts() {
			switch inst.Op() {
			case ir.OpStoreUniform:
				stores++
			case ir.OpAdd:
				adds++
				// Guest arithmetic carries the full flag set.
				require.NotNil(t, inst.GetPseudoOperation(ir.OpSaveFlags))
			}
		}
	}
	assert.Equal(t, 2, stores)
	assert.Equal(t, 1, adds)
}

func TestDecodeJmpClosesBlock(t *testing.T) {
	// jmp +3 (to the hlt), nop sled, hlt
	image := []byte{
		0xEB, 0x03, // jmp +3
		0x90, 0x90, 0x90, // nops
		0xF4, // hlt
	}
	d := NewDecoder(image, 0x2000)
	builder := ir.NewHIRBuilder()
	require.NoError(t, d.Decode(builder, 0x2000))

	f := builder.Functions()[0]
	entry := f.Blocks()[0]
	body := entry.Successors()[0]
	term, ok := body.Block().Terminal().(ir.LinkBlock)
	require.True(t, ok)
	assert.EqualValues(t, 0x2005, term.Next)
}

func TestDecodeOutsideImageFails(t *testing.T) {
	d := NewDecoder(movAddHlt, 0x1000)
	builder := ir.NewHIRBuilder()
	assert.Error(t, d.Decode(builder, 0x4000))
}

// TestRunDecodedProgram drives the whole pipeline: miss → decode →
// IR → interpret → halt, then checks the guest register file.
func TestRunDecodedProgram(t *testing.T) {
	cfg := backend.Config{
		UniformBufferSize: StateBytes,
		BackendISA:        backend.ISAArm64,
		Frontend:          NewDecoder(movAddHlt, 0x1000),
	}
	space, err := backend.NewAddressSpace(cfg)
	require.NoError(t, err)
	defer space.Close()

	rt := backend.NewRuntime(space)
	rt.SetLocation(0x1000)
	hr := rt.Run()

	require.Equal(t, backend.HaltNone, hr)
	rax := binary.LittleEndian.Uint64(rt.UniformBuffer())
	assert.EqualValues(t, 0x4A, rax)
}

func TestRegisterOffsets(t *testing.T) {
	uni := regUniform(x86asm.RAX)
	assert.EqualValues(t, 0, uni.Offset)
	assert.Equal(t, ir.TypeU64, uni.Type)
	assert.EqualValues(t, 56, regUniform(x86asm.RDI).Offset)
	// The register file fits the declared uniform size.
	assert.EqualValues(t, 136, StateBytes)
}
