package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/driver/cuda"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindAuto, false},
		{"auto", KindAuto, false},
		{"cuda", KindCUDA, false},
		{"sim", KindSim, false},
		{"metal", "", true},
		{"CUDA", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("simulated driver", func(t *testing.T) {
		m, err := NewManager(KindSim, sim.Options{Devices: []sim.DeviceSpec{sim.DefaultDevice, sim.DefaultDevice}}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "sim", m.BackendType())
		assert.False(t, m.IsGPUAvailable())

		drv := m.Driver()
		require.NoError(t, drv.Init(0))
		count, err := drv.DeviceGetCount()
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("auto falls back to the simulator", func(t *testing.T) {
		if cuda.Available() {
			t.Skip("CUDA available on this system")
		}
		core, logs := observer.New(zapcore.InfoLevel)
		m, err := NewManager(KindAuto, sim.Options{}, zap.New(core))
		require.NoError(t, err)
		assert.Equal(t, "sim", m.BackendType())
		assert.Len(t, logs.FilterMessage("CUDA driver not available, using the simulated driver").All(), 1)
	})

	t.Run("cuda without libcuda", func(t *testing.T) {
		if cuda.Available() {
			t.Skip("CUDA available on this system")
		}
		_, err := NewManager(KindCUDA, sim.Options{}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, driver.ErrNotLoaded))
	})

	t.Run("cuda", func(t *testing.T) {
		if !cuda.Available() {
			t.Skip("CUDA not available on this system")
		}
		m, err := NewManager(KindCUDA, sim.Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "cuda", m.BackendType())
		assert.True(t, m.IsGPUAvailable())
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewManager(Kind("opencl"), sim.Options{}, nil)
		assert.Error(t, err)
	})
}
