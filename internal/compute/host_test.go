package compute

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
)

const scaleSource = `
// multiplies every element by factor
__kernel void scale(__global float* data, const float factor) {
	const unsigned int i = get_global_id(0);
	data[i] *= factor;
}
`

type fixture struct {
	host *Host
	drv  *sim.Driver
	cc   *sim.Compiler
	logs *observer.ObservedLogs
}

func newFixture(t *testing.T, opts Options, devices ...sim.DeviceSpec) *fixture {
	t.Helper()
	f := newUninitialized(t, opts, sim.Options{Devices: devices})
	require.True(t, f.host.Init())
	t.Cleanup(f.host.Shutdown)
	return f
}

func newUninitialized(t *testing.T, opts Options, simOpts sim.Options) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	drv := sim.New(simOpts, zap.NewNop())
	cc := sim.NewCompiler()
	if opts.Compiler == nil {
		opts.Compiler = cc
	}
	return &fixture{host: New(drv, opts, zap.New(core)), drv: drv, cc: cc, logs: logs}
}

// errors returns the messages of every error-level entry logged for op.
func (f *fixture) errors(op string) []string {
	var out []string
	for _, e := range f.logs.FilterLevelExact(zapcore.ErrorLevel).All() {
		if e.ContextMap()["op"] == op {
			out = append(out, e.ContextMap()["error"].(string))
		}
	}
	return out
}

func (f *fixture) kernel(t *testing.T, identifier, src, entry string) KernelID {
	t.Helper()
	id := f.host.AddKernelSource(identifier, src, entry, nil)
	require.NotZero(t, id)
	require.True(t, f.host.UseKernel(id))
	return id
}

func TestInit(t *testing.T) {
	t.Run("scores devices and activates the fastest", func(t *testing.T) {
		f := newFixture(t, Options{},
			sim.DeviceSpec{Name: "small", Multiprocessors: 4, ClockKHz: 1000000, TotalMem: 1 << 20, Major: 5, Minor: 2},
			sim.DeviceSpec{Name: "big", Multiprocessors: 16, ClockKHz: 2000000, TotalMem: 1 << 30, Major: 8, Minor: 6},
		)
		h := f.host

		require.Len(t, h.Devices(), 2)
		small, big := h.Devices()[0], h.Devices()[1]
		assert.Equal(t, int64(4000), small.Score)
		assert.Equal(t, int64(32000), big.Score)
		assert.Equal(t, "52", small.Target.Tag)
		assert.Equal(t, driver.JITTarget(86), big.Target.JIT)
		assert.Equal(t, 2000, big.ClockMHz)
		assert.Equal(t, "NVIDIA", big.Vendor)
		assert.Equal(t, uint64(1<<30), big.MaxAlloc)
		assert.True(t, big.FP64)
		assert.True(t, big.HasExtension("cl_khr_fp64"))
		assert.Equal(t, [3]int{1024, 1024, 64}, big.MaxWorkItemSizes)

		assert.Same(t, big, h.FastestDevice())
		assert.Same(t, big, h.ActiveDevice())
		assert.Equal(t, big.ctx, f.drv.Current())
		assert.Equal(t, 2, f.drv.LiveContexts())
		assert.True(t, h.Supported())
		assert.True(t, h.Valid())

		// one summary line per device
		assert.Len(t, f.logs.FilterMessage("Found device").All(), 2)
	})

	t.Run("first device wins ties", func(t *testing.T) {
		f := newFixture(t, Options{}, sim.DefaultDevice, sim.DefaultDevice)
		assert.Equal(t, 0, f.host.FastestDevice().Ordinal)
	})

	t.Run("init is only attempted once", func(t *testing.T) {
		f := newFixture(t, Options{})
		assert.True(t, f.host.Init())
		assert.Equal(t, 1, f.drv.CallCount("cuInit"))
	})

	t.Run("skips devices that cannot be opened", func(t *testing.T) {
		f := newUninitialized(t, Options{}, sim.Options{Devices: []sim.DeviceSpec{sim.DefaultDevice, sim.DefaultDevice}})
		f.drv.FailNext("cuDeviceGet", driver.ErrorInvalidDevice)
		require.True(t, f.host.Init())
		defer f.host.Shutdown()

		require.Len(t, f.host.Devices(), 1)
		assert.Equal(t, 1, f.host.Devices()[0].Ordinal)
	})
}

func TestMinDriverVersion(t *testing.T) {
	f := newUninitialized(t, Options{MinDriverVersion: 11020}, sim.Options{DriverVersion: 11020})
	assert.True(t, f.host.Init())
	f.host.Shutdown()

	f = newUninitialized(t, Options{MinDriverVersion: 11020}, sim.Options{DriverVersion: 11010})
	assert.False(t, f.host.Init())
	entries := f.logs.FilterMessage("Failed to initialize compute host").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "driver version 11.1 is below the required 11.2")
}

func TestInitFailures(t *testing.T) {
	tests := []struct {
		name    string
		simOpts sim.Options
		call    string
		result  driver.Result
		minVer  int
	}{
		{name: "driver init", call: "cuInit", result: driver.ErrorNoDevice},
		{name: "driver version", call: "cuDriverGetVersion", result: driver.ErrorUnknown},
		{name: "driver too old", simOpts: sim.Options{DriverVersion: 4020}, minVer: 5000},
		{name: "driver minor version too old", simOpts: sim.Options{DriverVersion: 11010}, minVer: 11020},
		{name: "device count", call: "cuDeviceGetCount", result: driver.ErrorNoDevice},
		{name: "no usable device", call: "cuDeviceGet", result: driver.ErrorInvalidDevice},
		{name: "device attribute", call: "cuDeviceGetAttribute", result: driver.ErrorInvalidValue},
		{name: "context", call: "cuCtxCreate_v2", result: driver.ErrorOutOfMemory},
		{name: "stream", call: "cuStreamCreate", result: driver.ErrorOutOfMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUninitialized(t, Options{MinDriverVersion: tt.minVer}, tt.simOpts)
			if tt.call != "" {
				f.drv.FailNext(tt.call, tt.result)
			}

			assert.False(t, f.host.Init())
			assert.False(t, f.host.Supported())
			assert.False(t, f.host.Valid())
			assert.Nil(t, f.host.ActiveDevice())
			assert.Zero(t, f.drv.LiveContexts())

			// permanently unsupported: later calls are no-ops
			assert.False(t, f.host.Init())
			assert.Zero(t, f.host.CreateBuffer(FlagDefault, 64, nil))
			assert.Zero(t, f.host.AddKernelSource("scale", scaleSource, "scale", nil))
			assert.False(t, f.host.RunKernel(1))
			assert.Zero(t, f.drv.CallCount("cuMemAlloc_v2"))
			assert.Zero(t, f.cc.Compiles)
			f.host.Shutdown()
		})
	}
}

func TestActiveDevice(t *testing.T) {
	f := newFixture(t, Options{}, sim.DefaultDevice, sim.DefaultDevice)
	h := f.host
	first, second := h.Devices()[0], h.Devices()[1]

	require.True(t, h.SetActiveDevice(second))
	assert.Same(t, second, h.ActiveDevice())
	assert.Equal(t, second.ctx, f.drv.Current())

	require.True(t, h.SetActiveOrdinal(0))
	assert.Same(t, first, h.ActiveDevice())
	assert.Equal(t, first.ctx, f.drv.Current())

	assert.False(t, h.SetActiveOrdinal(7))
	assert.False(t, h.SetActiveDevice(nil))
	assert.False(t, h.SetActiveDevice(&Device{}))
	assert.Same(t, first, h.ActiveDevice())

	h.DeactivateContext()
	assert.Zero(t, f.drv.Current())
	assert.True(t, h.ActivateContext())
	assert.Equal(t, first.ctx, f.drv.Current())
}

func TestFinish(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.host
	id := h.CreateBuffer(ReadWrite, 64, nil)
	require.NotZero(t, id)

	require.True(t, h.WriteBuffer(id, make([]byte, 64), 0, 0))
	assert.Equal(t, 1, f.drv.Pending(h.active.stream))

	h.Flush()
	assert.Equal(t, 1, f.drv.Pending(h.active.stream))
	h.Barrier()
	assert.Zero(t, f.drv.Pending(h.active.stream))
}

func TestShutdown(t *testing.T) {
	f := newUninitialized(t, Options{}, sim.Options{Devices: []sim.DeviceSpec{sim.DefaultDevice, sim.DefaultDevice}})
	h := f.host
	require.True(t, h.Init())

	parent := h.CreateBuffer(FlagDefault, 1024, nil)
	require.NotZero(t, h.CreateSubBuffer(parent, FlagDefault, 0, 512))
	require.NotZero(t, h.CreateBuffer(FlagDefault|UseHostMemory, 256, nil))
	id := h.AddKernelSource("scale", scaleSource, "scale", nil)
	require.NotZero(t, id)
	require.True(t, h.UseKernel(id))
	require.True(t, h.SetKernelArgumentBuffer(0, parent))
	require.NotNil(t, h.MapBuffer(parent, MapRead|MapBlock, 0, 0))

	h.Shutdown()

	assert.False(t, h.Supported())
	assert.Empty(t, h.LiveBuffers())
	assert.Zero(t, h.ActiveMappings())
	assert.Zero(t, f.drv.DeviceAllocations())
	assert.Zero(t, f.drv.LiveModules())
	assert.Zero(t, f.drv.LiveContexts())
	assert.Zero(t, h.CreateBuffer(FlagDefault, 16, nil))

	// a second shutdown is a no-op
	h.Shutdown()
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		major, minor int
		want         string
		wantErr      bool
	}{
		{1, 0, "10", false},
		{1, 3, "13", false},
		{2, 1, "21", false},
		{3, 1, "30", false},
		{3, 5, "35", false},
		{3, 9, "37", false},
		{5, 1, "50", false},
		{6, 5, "62", false},
		{7, 3, "72", false},
		{7, 5, "75", false},
		{8, 8, "87", false},
		{8, 9, "89", false},
		{9, 0, "90", false},
		{9, 5, "90", false},
		{12, 0, "90", false},
		{0, 0, "10", true},
		{-1, 2, "10", true},
	}

	for _, tt := range tests {
		target, err := TargetFor(tt.major, tt.minor)
		if tt.wantErr {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, tt.want, target.Tag, "%d.%d", tt.major, tt.minor)
		assert.Equal(t, tt.want, strconv.Itoa(int(target.JIT)))
	}
}

func TestErrorKinds(t *testing.T) {
	err := validationf("WriteBuffer", "offset %d out of bounds", 9)
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindResource))
	assert.Equal(t, "WriteBuffer: validation: offset 9 out of bounds", err.Error())

	wrapped := &Error{Kind: KindDriver, Op: "CreateBuffer", Code: driver.ErrorOutOfMemory, Err: &driver.Error{Result: driver.ErrorOutOfMemory, Call: "cuMemAlloc_v2"}}
	assert.True(t, driver.IsResult(wrapped, driver.ErrorOutOfMemory))
	assert.ErrorIs(t, unsupported("CopyBuffer"), ErrNotImplemented)
}
