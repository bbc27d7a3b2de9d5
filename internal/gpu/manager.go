// Package gpu selects the driver a compute host runs on.
package gpu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/driver/cuda"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
)

// Kind names a driver implementation.
type Kind string

const (
	KindAuto Kind = "auto"
	KindCUDA Kind = "cuda"
	KindSim  Kind = "sim"
)

// ParseKind accepts the driver names used in configuration. An empty string is auto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindCUDA, KindSim:
		return k, nil
	default:
		return "", fmt.Errorf("unknown driver %q, want auto, cuda or sim", s)
	}
}

// Manager handles driver selection
type Manager struct {
	drv    driver.Driver
	logger *zap.Logger
}

// NewManager opens the driver named by kind. Auto prefers libcuda and falls back to the
// simulator, configured by simOpts, when the library cannot be loaded.
func NewManager(kind Kind, simOpts sim.Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger.Named("gpu")}
	if err := m.detectAndInitialize(kind, simOpts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) detectAndInitialize(kind Kind, simOpts sim.Options) error {
	switch kind {
	case KindCUDA:
		drv, err := cuda.Open(m.logger)
		if err != nil {
			return fmt.Errorf("failed to open CUDA driver: %w", err)
		}
		m.drv = drv
	case KindSim:
		m.drv = sim.New(simOpts, m.logger)
	case KindAuto, "":
		drv, err := cuda.Open(m.logger)
		if err != nil {
			m.logger.Info("CUDA driver not available, using the simulated driver", zap.Error(err))
			m.drv = sim.New(simOpts, m.logger)
			break
		}
		m.drv = drv
	default:
		return fmt.Errorf("unknown driver %q", kind)
	}
	m.logger.Info("Selected driver", zap.String("driver", m.drv.Name()))
	return nil
}

// Driver returns the selected driver.
func (m *Manager) Driver() driver.Driver {
	return m.drv
}

// BackendType returns the name of the selected driver.
func (m *Manager) BackendType() string {
	if m.drv == nil {
		return "none"
	}
	return m.drv.Name()
}

// IsGPUAvailable reports whether a hardware driver was selected.
func (m *Manager) IsGPUAvailable() bool {
	_, simulated := m.drv.(*sim.Driver)
	return m.drv != nil && !simulated
}
