package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/cudacl/fixtures"
	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
)

func newHost(t *testing.T, devices ...sim.DeviceSpec) *compute.Host {
	t.Helper()
	log := zaptest.NewLogger(t)
	drv := sim.New(sim.Options{Devices: devices}, log)
	host := compute.New(drv, compute.Options{Compiler: sim.NewCompiler()}, log)
	require.True(t, host.Init())
	t.Cleanup(host.Shutdown)
	return host
}

func writeKernel(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRunScale(t *testing.T) {
	t.Run("scales every element", func(t *testing.T) {
		host := newHost(t)
		out, err := runScale(host, writeKernel(t, "scale.cl", fixtures.ScaleKernel), "scale", 6, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 3, 6, 9, 12, 15}, out)
		assert.Empty(t, host.LiveBuffers())
	})

	t.Run("work groups", func(t *testing.T) {
		host := newHost(t)
		out, err := runScale(host, writeKernel(t, "scale.cl", fixtures.ScaleKernel), "scale", 8, 4, 0.5)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5}, out)
	})

	t.Run("wrong signature", func(t *testing.T) {
		host := newHost(t)
		_, err := runScale(host, writeKernel(t, "saxpy.cl", fixtures.SaxpyKernel), "saxpy", 4, 0, 1)
		assert.ErrorContains(t, err, "must take (buffer, scalar)")
	})

	t.Run("missing file", func(t *testing.T) {
		host := newHost(t)
		_, err := runScale(host, filepath.Join(t.TempDir(), "none.cl"), "scale", 4, 0, 1)
		assert.ErrorContains(t, err, "failed to build kernel")
	})
}

func TestPrintDevices(t *testing.T) {
	host := newHost(t,
		sim.DeviceSpec{Name: "slow", Multiprocessors: 2, ClockKHz: 1000000, TotalMem: 64 << 20, Major: 6, Minor: 1},
		sim.DeviceSpec{Name: "fast", Multiprocessors: 8, ClockKHz: 1500000, TotalMem: 128 << 20, Major: 8, Minor: 6},
	)

	var out bytes.Buffer
	printDevices(&out, host.Devices(), host.FastestDevice())
	text := out.String()
	assert.Contains(t, text, "  [0] slow  units=2 clock=1000MHz mem=64MiB capability=6.1 target=sm_61 score=2000\n")
	assert.Contains(t, text, "* [1] fast  units=8 clock=1500MHz mem=128MiB capability=8.6 target=sm_86 score=12000\n")
	assert.Contains(t, text, "2 device(s)")
}

func TestPrintKernelInfo(t *testing.T) {
	host := newHost(t)
	id, err := buildKernel(host, "scale", writeKernel(t, "scale.cl", fixtures.ScaleKernel), "scale", defines([]string{"TILE=4"}))
	require.NoError(t, err)
	assert.Equal(t, id, host.CurrentKernel())

	info, ok := host.KernelInfo(id)
	require.True(t, ok)
	var out bytes.Buffer
	printKernelInfo(&out, info)
	assert.Equal(t, "scale(2 parameters)\n"+
		"  0 data         global   buffer   read_write\n"+
		"  1 factor       private  other    none\n", out.String())
}

func TestDefines(t *testing.T) {
	assert.Equal(t, []string{"-DTILE=4", "-DFAST"}, defines([]string{"TILE=4", "FAST"}))
	assert.Empty(t, defines(nil))
}
