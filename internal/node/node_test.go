package node

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxnlabs/cudacl/fixtures"
	"github.com/fxnlabs/cudacl/internal/compiler"
	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/config"
	"github.com/fxnlabs/cudacl/internal/driver/cuda"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
	"github.com/fxnlabs/cudacl/internal/gpu"
	"github.com/fxnlabs/cudacl/internal/kcache"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	kernels := filepath.Join(root, "kernels")
	require.NoError(t, os.MkdirAll(kernels, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kernels, "scale.cl"), []byte(fixtures.ScaleKernel), 0o644))

	cfg := config.Default()
	cfg.Compute.Driver = "sim"
	cfg.Compute.KernelPath = kernels
	cfg.Compute.CachePath = filepath.Join(root, "cache")
	return cfg
}

func TestModule(t *testing.T) {
	cfg := newConfig(t)
	cfg.Compute.Sim.Devices = []config.SimDevice{{Name: "one", Units: 2, ClockKHz: 1000000, MemoryMB: 16, Capability: "6.1"}}

	var (
		host  *compute.Host
		mgr   *gpu.Manager
		cc    compiler.Compiler
		cache *kcache.Cache
	)
	app := fxtest.New(t,
		fx.Supply(cfg, zaptest.NewLogger(t)),
		Module(),
		fx.Populate(&host, &mgr, &cc, &cache),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, "sim", mgr.BackendType())
	assert.False(t, mgr.IsGPUAvailable())
	assert.IsType(t, &sim.Compiler{}, cc)
	require.NotNil(t, cache)
	assert.False(t, cache.Valid(), "no manifest written yet")

	require.True(t, host.Init())
	defer host.Shutdown()
	require.Len(t, host.Devices(), 1)
	assert.Equal(t, "one", host.ActiveDevice().Name)
	assert.Equal(t, "61", host.ActiveDevice().Target.Tag)

	id := host.AddKernelFile("scale", filepath.Join(cfg.Compute.KernelPath, "scale.cl"), "scale", nil)
	require.NotZero(t, id)
	_, err := os.Stat(filepath.Join(cfg.Compute.CachePath, "scale_61.ptx"))
	assert.ErrorIs(t, err, os.ErrNotExist, "writeCache defaults to off")
}

func TestModuleDriverErrors(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Compute.Driver = "opencl"
		var host *compute.Host
		app := fx.New(fx.Supply(cfg, zap.NewNop()), Module(), fx.Populate(&host))
		assert.ErrorContains(t, app.Err(), "unknown driver")
	})

	t.Run("cuda without libcuda", func(t *testing.T) {
		if cuda.Available() {
			t.Skip("CUDA driver present on this system")
		}
		cfg := newConfig(t)
		cfg.Compute.Driver = "cuda"
		var host *compute.Host
		app := fx.New(fx.Supply(cfg, zap.NewNop()), Module(), fx.Populate(&host))
		assert.Error(t, app.Err())
	})

	t.Run("bad sim device", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Compute.Sim.Devices = []config.SimDevice{{Units: 1, ClockKHz: 1, MemoryMB: 1, Capability: "seven"}}
		var host *compute.Host
		app := fx.New(fx.Supply(cfg, zap.NewNop()), Module(), fx.Populate(&host))
		assert.Error(t, app.Err())
	})
}

func TestNewCache(t *testing.T) {
	t.Run("no kernel path", func(t *testing.T) {
		cfg := config.Default()
		cfg.Compute.KernelPath = ""
		assert.Nil(t, NewCache(cfg, zap.NewNop()))
	})

	t.Run("valid manifest", func(t *testing.T) {
		cfg := newConfig(t)
		_, err := kcache.WriteManifest(context.Background(), cfg.Compute.KernelPath, cfg.Compute.CachePath)
		require.NoError(t, err)

		c := NewCache(cfg, zap.NewNop())
		assert.True(t, c.Valid())
	})

	t.Run("clear cache", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Compute.ClearCache = true
		_, err := kcache.WriteManifest(context.Background(), cfg.Compute.KernelPath, cfg.Compute.CachePath)
		require.NoError(t, err)

		c := NewCache(cfg, zap.NewNop())
		assert.False(t, c.Valid())
		assert.Equal(t, "disabled", c.Reason())
	})
}

func TestHostOptions(t *testing.T) {
	cfg := newConfig(t)
	cfg.Compute.Defines = []string{"-DTILE=8"}
	cfg.Compute.StrictBounds = true
	cfg.Compute.WriteCache = true
	cc := sim.NewCompiler()

	opts := HostOptions(cfg, cc, nil)
	assert.Equal(t, cfg.Compute.KernelPath, opts.KernelPath)
	assert.Equal(t, []string{"-DTILE=8"}, opts.Defines)
	assert.Equal(t, config.DefaultMinDriverVersion, opts.MinDriverVersion)
	assert.True(t, opts.StrictBounds)
	assert.True(t, opts.WriteCache)
	assert.Same(t, cc, opts.Compiler)
	assert.Nil(t, opts.Cache)
}

func TestMetricsHandler(t *testing.T) {
	before := testutil.ToFloat64(metrics.EndpointResponses.WithLabelValues(MetricsPath, "200"))

	rec := httptest.NewRecorder()
	NewMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cudacl_kernel_build_duration_ms")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EndpointResponses.WithLabelValues(MetricsPath, "200")))

	rec = httptest.NewRecorder()
	NewMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		cfg := config.Default()
		app := fxtest.New(t, fx.Supply(cfg, zap.New(core)), fx.Invoke(RegisterMetrics))
		app.RequireStart()
		app.RequireStop()
		assert.Zero(t, logs.FilterMessage("Serving metrics").Len())
	})

	t.Run("serves while running", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		cfg := config.Default()
		cfg.Metrics.ListenAddress = "127.0.0.1:0"
		app := fxtest.New(t, fx.Supply(cfg, zap.New(core)), fx.Invoke(RegisterMetrics))
		app.RequireStart()

		entries := logs.FilterMessage("Serving metrics").All()
		require.Len(t, entries, 1)
		addr := entries[0].ContextMap()["address"].(string)

		resp, err := http.Get("http://" + addr + MetricsPath)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "cudacl_kernel_build_duration_ms")

		app.RequireStop()
		_, err = http.Get("http://" + addr + MetricsPath)
		assert.Error(t, err)
	})
}
