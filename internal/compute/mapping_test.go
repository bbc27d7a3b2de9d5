package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBuffer(t *testing.T) {
	t.Run("read mapping mirrors the device", func(t *testing.T) {
		f := newFixture(t, Options{})
		h := f.host
		id := h.CreateBuffer(FlagDefault|InitialCopy, 64, pattern(64))

		view := h.MapBuffer(id, MapRead|MapBlock, 16, 32)
		require.Len(t, view, 32)
		assert.Equal(t, pattern(64)[16:48], view)
		assert.Equal(t, 1, h.ActiveMappings())

		// read-only mappings are not uploaded
		view[0] = 0
		require.True(t, h.UnmapBuffer(id, view))
		assert.Zero(t, h.ActiveMappings())
		assert.Equal(t, 1, f.drv.CallCount("cuMemcpyHtoD_v2"))

		out := make([]byte, 64)
		require.True(t, h.ReadBuffer(out, id, 0, 0))
		assert.Equal(t, pattern(64), out)
	})

	t.Run("write mapping uploads on unmap", func(t *testing.T) {
		f := newFixture(t, Options{})
		h := f.host
		id := h.CreateBuffer(FlagDefault, 64, nil)

		view := h.MapBuffer(id, MapWriteInvalidate, 0, 0)
		require.Len(t, view, 64)
		assert.Zero(t, f.drv.CallCount("cuMemcpyDtoH_v2"))
		assert.Zero(t, f.drv.CallCount("cuMemcpyDtoHAsync_v2"))
		copy(view, pattern(64))
		require.True(t, h.UnmapBuffer(id, view))

		out := make([]byte, 64)
		require.True(t, h.ReadBuffer(out, id, 0, 0))
		assert.Equal(t, pattern(64), out)
	})

	t.Run("map without changes is idempotent", func(t *testing.T) {
		f := newFixture(t, Options{})
		h := f.host
		id := h.CreateBuffer(FlagDefault|InitialCopy, 32, pattern(32))

		for i := 0; i < 2; i++ {
			view := h.MapBuffer(id, MapReadWrite|MapBlock, 0, 0)
			require.NotNil(t, view)
			require.True(t, h.UnmapBuffer(id, view))
		}
		out := make([]byte, 32)
		require.True(t, h.ReadBuffer(out, id, 0, 0))
		assert.Equal(t, pattern(32), out)
	})

	t.Run("non-blocking read fills after finish", func(t *testing.T) {
		f := newFixture(t, Options{})
		h := f.host
		id := h.CreateBuffer(FlagDefault|InitialCopy, 16, pattern(16))

		view := h.MapBuffer(id, MapRead, 0, 0)
		require.NotNil(t, view)
		assert.Equal(t, make([]byte, 16), view)
		h.Finish()
		assert.Equal(t, pattern(16), view)
	})

	t.Run("no access bits means read", func(t *testing.T) {
		f := newFixture(t, Options{})
		id := f.host.CreateBuffer(FlagDefault, 16, nil)
		require.NotNil(t, f.host.MapBuffer(id, MapBlock, 0, 0))
		assert.Equal(t, 1, f.drv.CallCount("cuMemcpyDtoH_v2"))
	})

	t.Run("write-invalidate is exclusive", func(t *testing.T) {
		f := newFixture(t, Options{})
		id := f.host.CreateBuffer(FlagDefault, 16, nil)
		assert.Nil(t, f.host.MapBuffer(id, MapRead|MapWriteInvalidate, 0, 0))
		assert.Nil(t, f.host.MapBuffer(id, MapWrite|MapWriteInvalidate, 0, 0))
		assert.Zero(t, f.host.ActiveMappings())
	})

	t.Run("bounds", func(t *testing.T) {
		f := newFixture(t, Options{StrictBounds: true})
		id := f.host.CreateBuffer(FlagDefault, 16, nil)
		assert.Nil(t, f.host.MapBuffer(id, MapRead, 16, 0))
		assert.Nil(t, f.host.MapBuffer(id, MapRead, 8, 16))
		assert.Nil(t, f.host.MapBuffer(999, MapRead, 0, 0))
	})
}

func TestUnmapBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.host
	a := h.CreateBuffer(FlagDefault, 16, nil)
	b := h.CreateBuffer(FlagDefault, 16, nil)
	view := h.MapBuffer(a, MapWrite, 0, 0)
	require.NotNil(t, view)

	assert.False(t, h.UnmapBuffer(a, make([]byte, 16)), "unknown pointer")
	assert.False(t, h.UnmapBuffer(a, nil), "empty view")
	assert.False(t, h.UnmapBuffer(b, view), "wrong buffer")
	assert.Equal(t, 1, h.ActiveMappings())

	require.True(t, h.UnmapBuffer(a, view))
	assert.False(t, h.UnmapBuffer(a, view), "double unmap")
	for _, err := range f.errors("UnmapBuffer") {
		assert.Contains(t, err, "resource")
	}
}

func TestMappingsDroppedWithBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.host
	id := h.CreateBuffer(FlagDefault, 16, nil)
	first := h.MapBuffer(id, MapRead|MapBlock, 0, 8)
	second := h.MapBuffer(id, MapWrite, 8, 8)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, 2, h.ActiveMappings())

	require.True(t, h.DeleteBuffer(id))
	assert.Zero(t, h.ActiveMappings())
	assert.False(t, h.UnmapBuffer(id, second))
	assert.Zero(t, f.drv.CallCount("cuMemcpyHtoD_v2"))
}

func TestMapGLBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.host
	name := f.drv.CreateGLBuffer(32)
	id := h.CreateGLBuffer(ReadWrite, name)
	require.NotZero(t, id)

	assert.Nil(t, h.MapBuffer(id, MapRead|MapBlock, 0, 0))
	errs := f.errors("MapBuffer")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "must be acquired")

	require.True(t, h.AcquireGLBuffer(id))
	view := h.MapBuffer(id, MapWrite, 0, 0)
	require.Len(t, view, 32)
	copy(view, pattern(32))
	require.True(t, h.UnmapBuffer(id, view))
	require.True(t, h.ReleaseGLBuffer(id))
	assert.Equal(t, pattern(32), f.drv.GLBufferData(name))
}

func TestCreateAndMapBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.host

	id, view := h.CreateAndMapBuffer(FlagDefault|InitialCopy, 16, pattern(16), MapRead|MapBlock, 4, 4)
	require.NotZero(t, id)
	assert.Equal(t, pattern(16)[4:8], view)

	id, view = h.CreateAndMapBuffer(FlagDefault, 0, nil, MapRead, 0, 0)
	assert.Zero(t, id)
	assert.Nil(t, view)

	// the buffer survives a failed mapping
	id, view = h.CreateAndMapBuffer(FlagDefault, 16, nil, MapRead|MapWriteInvalidate, 0, 0)
	assert.NotZero(t, id)
	assert.Nil(t, view)
	assert.Len(t, h.LiveBuffers(), 2)
}
