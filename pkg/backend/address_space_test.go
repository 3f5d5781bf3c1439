package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	space, err := NewAddressSpace(*testConfig())
	require.NoError(t, err)
	t.Cleanup(space.Close)
	return space
}

func TestMapModuleRejectsOverlap(t *testing.T) {
	space := newTestSpace(t)

	_, err := space.MapModule(0x1000, 0x2000, false)
	require.NoError(t, err)

	_, err = space.MapModule(0x1800, 0x2800, false)
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = space.MapModule(0x800, 0x1001, false)
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = space.MapModule(0x2000, 0x3000, false)
	assert.NoError(t, err)
}

func TestGetModuleFallsBackToDefault(t *testing.T) {
	space := newTestSpace(t)
	m, err := space.MapModule(0x1000, 0x2000, true)
	require.NoError(t, err)

	assert.Equal(t, m, space.GetModule(0x1000))
	assert.Equal(t, m, space.GetModule(0x1FFF))
	assert.Equal(t, space.GetDefaultModule(), space.GetModule(0x2000))
	assert.Equal(t, space.GetDefaultModule(), space.GetModule(0))
}

func TestUnmapModule(t *testing.T) {
	space := newTestSpace(t)
	_, err := space.MapModule(0x1000, 0x2000, false)
	require.NoError(t, err)

	space.UnmapModule(0x1000, 0x2000)
	assert.Equal(t, space.GetDefaultModule(), space.GetModule(0x1800))
}

func TestGetCodeCacheDelegatesToModule(t *testing.T) {
	space := newTestSpace(t)
	module := space.GetDefaultModule()

	// Table miss with no jit cache resolves to nothing.
	assert.Zero(t, space.GetCodeCache(0x4000))

	// A cached block resolves through the module on a table miss.
	id, buf, err := module.AllocCodeCache(32)
	require.NoError(t, err)
	blk := ir.NewBlock(0, 0x4000)
	blk.SetTerminal(ir.ReturnToHost{})
	jc := blk.JitCache()
	jc.CacheID = id
	jc.Offset = buf.Offset
	jc.SetState(ir.JitCached)
	require.True(t, module.PushBlock(blk))
	assert.Equal(t, buf.ExecAddr(), space.GetCodeCache(0x4000))

	// A table hit wins and stays stable until removal.
	space.PushCodeCache(0x5000, 0x1234)
	assert.EqualValues(t, 0x1234, space.GetCodeCache(0x5000))
	assert.EqualValues(t, 0x1234, space.GetCodeCache(0x5000))
}

func TestModuleBlockRegistry(t *testing.T) {
	space := newTestSpace(t)
	module := space.GetDefaultModule()

	blk := ir.NewBlock(0, 0x1000)
	blk.SetTerminal(ir.ReturnToHost{})
	require.True(t, module.PushBlock(blk))
	// One block per start location.
	dup := ir.NewBlock(1, 0x1000)
	dup.SetTerminal(ir.ReturnToHost{})
	assert.False(t, module.PushBlock(dup))

	assert.Equal(t, blk, module.GetBlock(0x1000))
	module.RemoveBlock(blk)
	assert.Nil(t, module.GetBlock(0x1000))
}

func TestHostFunctionRegistry(t *testing.T) {
	space := newTestSpace(t)
	fn := &HostFunction{
		Module:     "libc",
		Name:       "abort",
		Signatures: []ParamType{ParamVoid},
		Addr:       0x7000,
		Impl:       func(args []uint64) uint64 { return 0 },
	}
	space.RegisterHostFunction(fn)
	assert.Equal(t, fn, space.LookupHostFunction(0x7000))
	assert.Nil(t, space.LookupHostFunction(0x7008))
}

func TestHostFunctionSignatureHash(t *testing.T) {
	a := &HostFunction{Signatures: []ParamType{ParamUint64, ParamUint32}}
	b := &HostFunction{Signatures: []ParamType{ParamUint64, ParamUint32}}
	c := &HostFunction{Signatures: []ParamType{ParamUint64, ParamInt32}}
	assert.Equal(t, a.SignatureHash(), b.SignatureHash())
	assert.NotEqual(t, a.SignatureHash(), c.SignatureHash())
}
