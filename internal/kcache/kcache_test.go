package kcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/translate"
)

func writeSources(t *testing.T) (kernelDir, cacheDir string) {
	t.Helper()
	root := t.TempDir()
	kernelDir = filepath.Join(root, "kernels")
	cacheDir = filepath.Join(root, "cache")
	require.NoError(t, os.MkdirAll(filepath.Join(kernelDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "transform.cl"), []byte("__kernel void t() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "bin.cl"), []byte("__kernel void b() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, ".swap"), []byte("ignored"), 0o644))
	return kernelDir, cacheDir
}

func TestChecksums(t *testing.T) {
	kernelDir, _ := writeSources(t)

	sums, err := Checksums(context.Background(), kernelDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{
		"transform.cl": xxhash.Sum64String("__kernel void t() {}"),
		"bin.cl":       xxhash.Sum64String("__kernel void b() {}"),
	}, sums)

	_, err = Checksums(context.Background(), filepath.Join(kernelDir, "missing"))
	assert.Error(t, err)
}

func TestValidity(t *testing.T) {
	t.Run("matching manifest", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		_, err := WriteManifest(context.Background(), kernelDir, cacheDir)
		require.NoError(t, err)

		c := Open(kernelDir, cacheDir, zap.NewNop())
		assert.True(t, c.Valid())
		assert.Empty(t, c.Reason())
	})

	t.Run("no manifest", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		c := Open(kernelDir, cacheDir, nil)
		assert.False(t, c.Valid())
		assert.Contains(t, c.Reason(), "manifest")
	})

	t.Run("modified source", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		_, err := WriteManifest(context.Background(), kernelDir, cacheDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "bin.cl"), []byte("changed"), 0o644))

		c := Open(kernelDir, cacheDir, zap.NewNop())
		assert.False(t, c.Valid())
		assert.Contains(t, c.Reason(), "bin.cl checksum mismatch")
	})

	t.Run("new source", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		_, err := WriteManifest(context.Background(), kernelDir, cacheDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "raster.cl"), []byte("x"), 0o644))

		c := Open(kernelDir, cacheDir, zap.NewNop())
		assert.False(t, c.Valid())
		assert.Contains(t, c.Reason(), "raster.cl missing from manifest")
	})

	t.Run("malformed manifest", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		require.NoError(t, os.MkdirAll(cacheDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cacheDir, ManifestFile), []byte("bin.cl zz\n"), 0o644))

		c := Open(kernelDir, cacheDir, zap.NewNop())
		assert.False(t, c.Valid())
	})

	t.Run("disable", func(t *testing.T) {
		kernelDir, cacheDir := writeSources(t)
		_, err := WriteManifest(context.Background(), kernelDir, cacheDir)
		require.NoError(t, err)

		c := Open(kernelDir, cacheDir, zap.NewNop())
		require.True(t, c.Valid())
		c.Disable()
		assert.False(t, c.Valid())
		_, err = c.Load("any", "75")
		assert.ErrorIs(t, err, ErrCacheInvalid)
	})
}

func TestStoreAndLoad(t *testing.T) {
	kernelDir, cacheDir := writeSources(t)
	_, err := WriteManifest(context.Background(), kernelDir, cacheDir)
	require.NoError(t, err)
	c := Open(kernelDir, cacheDir, zap.NewNop())
	require.True(t, c.Valid())

	info := &translate.KernelInfo{Name: "transform", Params: []translate.Param{
		{Name: "verts", AddressSpace: translate.Global, Type: translate.Buffer, Access: translate.ReadOnly},
		{Name: "count", AddressSpace: translate.Private, Type: translate.Other},
	}}
	require.NoError(t, c.Store("transform", "75", []byte(".entry transform"), info))

	raw, err := os.ReadFile(filepath.Join(cacheDir, "transform_75.info"))
	require.NoError(t, err)
	assert.Equal(t, "transform 2 verts 1 1 1 count 0 0 0\n", string(raw))

	e, err := c.Load("transform", "75")
	require.NoError(t, err)
	assert.Equal(t, []byte(".entry transform"), e.Binary)
	assert.Equal(t, *info, e.Info)

	_, err = c.Load("transform", "86")
	assert.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "transform_75.info"), []byte("transform 3"), 0o644))
	_, err = c.Load("transform", "75")
	assert.Error(t, err)
}

func TestReadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte("a.cl 00000000000000ff\n\nb.cl 10\n"), 0o644))

	m, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"a.cl": 255, "b.cl": 16}, m)

	require.NoError(t, os.WriteFile(path, []byte("a.cl 1 extra\n"), 0o644))
	_, err = ReadManifest(path)
	assert.Error(t, err)
}
