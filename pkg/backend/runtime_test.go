package backend

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

// seedBlock installs a closed block in the default module.
func seedBlock(t *testing.T, space *AddressSpace, b *ir.Block) {
	t.Helper()
	require.True(t, space.GetDefaultModule().PushBlock(b))
}

// TestRunStraightLineTwoBlocks: a block at 0x1000 stores 0x42 to
// uniform offset 0 and links to 0x2000, which returns to the host.
func TestRunStraightLineTwoBlocks(t *testing.T) {
	space := newTestSpace(t)

	b1 := ir.NewBlock(0, 0x1000)
	v := b1.AppendInst(ir.OpLoadImm, ir.NewImmU64(0x42)).SetReturn(ir.TypeU64)
	b1.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, v.Value())
	b1.SetTerminal(ir.LinkBlock{Next: 0x2000})
	seedBlock(t, space, b1)

	b2 := ir.NewBlock(1, 0x2000)
	b2.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, b2)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	hr := rt.Run()

	assert.Equal(t, HaltNone, hr)
	assert.EqualValues(t, 0x2000, rt.GetLocation())
	assert.EqualValues(t, 0x42, binary.LittleEndian.Uint64(rt.UniformBuffer()))
}

// TestRunIfTerminal: the condition byte in the uniform buffer selects
// which arm the run stops at.
func TestRunIfTerminal(t *testing.T) {
	for _, tc := range []struct {
		cond byte
		want ir.Location
	}{
		{cond: 1, want: 0x2000},
		{cond: 0, want: 0x3000},
	} {
		space := newTestSpace(t)

		head := ir.NewBlock(0, 0x1000)
		cond := head.AppendInst(ir.OpLoadUniform, ir.Uniform{Offset: 0, Type: ir.TypeU8})
		cond.SetReturn(ir.TypeBool)
		head.SetTerminal(ir.NewIf(cond.Value(),
			ir.LinkBlock{Next: 0x2000},
			ir.LinkBlock{Next: 0x3000}))
		seedBlock(t, space, head)

		for _, loc := range []ir.Location{0x2000, 0x3000} {
			b := ir.NewBlock(1, loc)
			b.SetTerminal(ir.ReturnToHost{})
			seedBlock(t, space, b)
		}

		rt := NewRuntime(space)
		rt.UniformBuffer()[0] = tc.cond
		rt.SetLocation(0x1000)
		hr := rt.Run()

		assert.Equal(t, HaltNone, hr)
		assert.Equal(t, tc.want, rt.GetLocation())
	}
}

// fakeFrontend decodes any miss into a trivial block that returns to
// the host, counting invocations.
type fakeFrontend struct {
	decodes int
}

func (f *fakeFrontend) Decode(builder *ir.HIRBuilder, loc ir.Location) error {
	f.decodes++
	fn := builder.AppendFunction(loc, ir.InvalidLocation)
	v := fn.LoadImm(ir.NewImmU64(7))
	fn.StoreUniform(ir.Uniform{Offset: 8, Type: ir.TypeU64}, v)
	fn.SetLocation(ir.NewLambdaImm(ir.NewImmU64(uint64(loc))))
	fn.EndBlock(ir.ReturnToHost{})
	builder.Return()
	return nil
}

// TestRunCacheMissTranslates: the first run decodes the missing
// block; a second run reuses the installed IR without re-decoding.
func TestRunCacheMissTranslates(t *testing.T) {
	cfg := testConfig()
	fe := &fakeFrontend{}
	cfg.Frontend = fe
	space, err := NewAddressSpace(*cfg)
	require.NoError(t, err)
	defer space.Close()

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)

	hr := rt.Run()
	assert.Equal(t, HaltNone, hr)
	assert.Equal(t, 1, fe.decodes)
	assert.EqualValues(t, 7, binary.LittleEndian.Uint64(rt.UniformBuffer()[8:]))

	rt.SetLocation(0x1000)
	hr = rt.Run()
	assert.Equal(t, HaltNone, hr)
	assert.Equal(t, 1, fe.decodes, "second run must hit the installed IR")
}

// TestRunNoCodeReturnsMiss: with no IR and no frontend the run
// reports the miss instead of spinning.
func TestRunNoCodeReturnsMiss(t *testing.T) {
	space := newTestSpace(t)
	rt := NewRuntime(space)
	rt.SetLocation(0x9000)
	hr := rt.Run()
	assert.True(t, hr.Has(HaltCodeMiss))
}

// TestSignalInterruptStopsAtBlockBoundary: a self-looping block
// observes a pending signal between iterations.
func TestSignalInterruptStopsAtBlockBoundary(t *testing.T) {
	space := newTestSpace(t)

	loop := ir.NewBlock(0, 0x1000)
	loop.SetTerminal(ir.LinkBlock{Next: 0x1000})
	seedBlock(t, space, loop)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	rt.SignalInterrupt()
	hr := rt.Run()
	assert.True(t, hr.Has(HaltSignal))
	assert.EqualValues(t, 0x1000, rt.GetLocation())
}

// TestStepHaltsAfterOneBlock: stepping a two-block chain stops after
// the first block.
func TestStepHaltsAfterOneBlock(t *testing.T) {
	space := newTestSpace(t)

	b1 := ir.NewBlock(0, 0x1000)
	b1.SetTerminal(ir.LinkBlock{Next: 0x2000})
	seedBlock(t, space, b1)
	b2 := ir.NewBlock(1, 0x2000)
	b2.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, b2)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	hr := rt.Step()
	assert.True(t, hr.Has(HaltStep))
	assert.EqualValues(t, 0x2000, rt.GetLocation())
}

// TestCheckHaltTerminal: CheckHalt returns a pending halt before
// continuing.
func TestCheckHaltTerminal(t *testing.T) {
	space := newTestSpace(t)

	b := ir.NewBlock(0, 0x1000)
	b.SetTerminal(ir.CheckHalt{Else: ir.LinkBlock{Next: 0x2000}})
	seedBlock(t, space, b)
	b2 := ir.NewBlock(1, 0x2000)
	b2.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, b2)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	rt.State().HaltReasonOr(HaltSignal)
	hr := rt.Run()
	assert.True(t, hr.Has(HaltSignal))
}

// TestRSBPushPop: a call block pushes the predicted return and the
// callee's PopRSBHint pops it; the cursor returns to its start.
func TestRSBPushPop(t *testing.T) {
	space := newTestSpace(t)

	caller := ir.NewBlock(0, 0x1000)
	caller.AppendInst(ir.OpPushRSB, ir.NewImmU64(0x1004))
	caller.SetTerminal(ir.LinkBlock{Next: 0x2000})
	seedBlock(t, space, caller)

	callee := ir.NewBlock(1, 0x2000)
	callee.AppendInst(ir.OpSetLocation, ir.NewLambdaImm(ir.NewImmU64(0x3000)))
	callee.SetTerminal(ir.PopRSBHint{})
	seedBlock(t, space, callee)

	exit := ir.NewBlock(2, 0x3000)
	exit.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, exit)

	rt := NewRuntime(space)
	start := rt.State().RSBPointer()
	rt.SetLocation(0x1000)
	hr := rt.Run()

	require.Equal(t, HaltNone, hr)
	assert.Equal(t, start, rt.State().RSBPointer(),
		"one push and one pop must restore the cursor")
	assert.EqualValues(t, 0x3000, rt.GetLocation())
}

// TestInterpreterFlags: Sub with a SaveFlags pseudo populates the
// software flags image, visible to TestFlags in a later block.
func TestInterpreterFlags(t *testing.T) {
	space := newTestSpace(t)

	b := ir.NewBlock(0, 0x1000)
	left := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(5)).SetReturn(ir.TypeU64)
	sub := b.AppendInst(ir.OpSub, left.Value(),
		ir.NewOperandImm(ir.NewImmU64(5))).SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpSaveFlags, sub.Value(), ir.FlagsNZCV)
	zero := b.AppendInst(ir.OpTestFlags, ir.FlagZero)
	store := b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU8}, zero.Value())
	_ = store
	b.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, b)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	hr := rt.Run()
	require.Equal(t, HaltNone, hr)
	assert.Equal(t, byte(1), rt.UniformBuffer()[0])
}

// TestHostFunctionCall: CallLocation reaches a registered host
// function and stores its return value.
func TestHostFunctionCall(t *testing.T) {
	space := newTestSpace(t)
	called := false
	space.RegisterHostFunction(&HostFunction{
		Name:       "answer",
		Signatures: []ParamType{ParamUint64, ParamUint64},
		Addr:       0x7000,
		Impl: func(args []uint64) uint64 {
			called = true
			require.Equal(t, []uint64{11}, args)
			return args[0] * 2
		},
	})

	b := ir.NewBlock(0, 0x1000)
	arg := b.AppendInst(ir.OpLoadImm, ir.NewImmU64(11)).SetReturn(ir.TypeU64)
	var params ir.Params
	params.Push(ir.ArgFrom(arg.Value()))
	call := b.AppendInst(ir.OpCallLocation, ir.NewImmU64(0x7000), params)
	call.SetReturn(ir.TypeU64)
	b.AppendInst(ir.OpStoreUniform, ir.Uniform{Offset: 0, Type: ir.TypeU64}, call.Value())
	b.SetTerminal(ir.ReturnToHost{})
	seedBlock(t, space, b)

	rt := NewRuntime(space)
	rt.SetLocation(0x1000)
	hr := rt.Run()
	require.Equal(t, HaltNone, hr)
	assert.True(t, called)
	assert.EqualValues(t, 22, binary.LittleEndian.Uint64(rt.UniformBuffer()))
}
