package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/svm/pkg/ir"
)

func testConfig() *Config {
	cfg := &Config{BackendISA: ISAArm64, UniformBufferSize: 64}
	cfg.Normalize()
	return cfg
}

func TestCodeCacheAllocAligned(t *testing.T) {
	cache, err := NewCodeCache(testConfig(), 0x10000, false)
	require.NoError(t, err)
	defer cache.Close()

	buf, err := cache.AllocCode(10)
	require.NoError(t, err)
	assert.Zero(t, buf.ExecAddr()%4)
	assert.Len(t, buf.Exec, 12) // rounded to instruction alignment
	assert.Len(t, buf.RW, 12)

	buf2, err := cache.AllocCode(16)
	require.NoError(t, err)
	assert.NotEqual(t, buf.Offset, buf2.Offset)
}

func TestCodeCacheRWAliasesExec(t *testing.T) {
	cache, err := NewCodeCache(testConfig(), 0x10000, false)
	require.NoError(t, err)
	defer cache.Close()

	buf, err := cache.AllocCode(8)
	require.NoError(t, err)
	buf.RW[0] = 0xAB
	assert.Equal(t, byte(0xAB), buf.Exec[0])
}

func TestCodeCacheContains(t *testing.T) {
	cache, err := NewCodeCache(testConfig(), 0x1000, false)
	require.NoError(t, err)
	defer cache.Close()

	buf, err := cache.AllocCode(8)
	require.NoError(t, err)
	assert.True(t, cache.Contains(buf.ExecAddr()))
	assert.False(t, cache.Contains(0xdead))

	rw := cache.RWSliceFor(buf.ExecAddr(), 8)
	require.NotNil(t, rw)
	rw[1] = 0x7F
	assert.Equal(t, byte(0x7F), buf.Exec[1])
}

func TestCodeCacheFreeAndReuse(t *testing.T) {
	cache, err := NewCodeCache(testConfig(), 0x1000, false)
	require.NoError(t, err)
	defer cache.Close()

	buf, err := cache.AllocCode(64)
	require.NoError(t, err)
	cache.FreeCode(buf.Offset)

	buf2, err := cache.AllocCode(64)
	require.NoError(t, err)
	assert.Equal(t, buf.Offset, buf2.Offset)
}

func TestCodeCacheReadOnlyBumpAndFull(t *testing.T) {
	cache, err := NewCodeCache(testConfig(), 0x100, true)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.AllocCode(0x80)
	require.NoError(t, err)
	_, err = cache.AllocCode(0x80)
	require.NoError(t, err)
	_, err = cache.AllocCode(0x10)
	assert.ErrorIs(t, err, ErrCacheFull)

	// FreeCode is a no-op for read-only arenas.
	cache.FreeCode(0)
	_, err = cache.AllocCode(0x10)
	assert.ErrorIs(t, err, ErrCacheFull)
}

func TestJitCacheDescriptorResolves(t *testing.T) {
	cfg := testConfig()
	space, err := NewAddressSpace(*cfg)
	require.NoError(t, err)
	defer space.Close()

	module := space.GetDefaultModule()
	id, buf, err := module.AllocCodeCache(32)
	require.NoError(t, err)
	require.NotEqual(t, InvalidCacheID, id)

	blk := ir.NewBlock(0, 0x1000)
	blk.SetTerminal(ir.ReturnToHost{})
	jc := blk.JitCache()
	jc.CacheID = id
	jc.Offset = buf.Offset
	jc.SetState(ir.JitCached)
	require.True(t, module.PushBlock(blk))

	got := module.GetJitCache(0x1000)
	assert.Equal(t, buf.ExecAddr(), got)
	// The resolved address sits inside the module's arena.
	assert.NotNil(t, module.FindCodeCache(got))
}
