package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/cudacl/internal/compiler"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
)

const (
	DefaultCompilerPath     = "/usr/local/cuda/bin/nvcc"
	DefaultOptimization     = "-O3"
	DefaultCompileTimeout   = 2 * time.Minute
	DefaultMinDriverVersion = 5000
	ConfigFile              = "config.yaml"
)

// SimDevice describes one device of the simulated driver.
type SimDevice struct {
	Name     string `yaml:"name"`
	Units    int    `yaml:"units"`
	ClockKHz int    `yaml:"clockKHz"`
	MemoryMB uint64 `yaml:"memoryMB"`
	// Capability is the compute capability as "major.minor".
	Capability string `yaml:"capability"`
}

// Version splits Capability into its major and minor numbers.
func (d SimDevice) Version() (int, int, error) {
	major, minor, ok := strings.Cut(d.Capability, ".")
	if !ok {
		return 0, 0, fmt.Errorf("capability %q is not major.minor", d.Capability)
	}
	ma, err := strconv.Atoi(major)
	if err != nil {
		return 0, 0, fmt.Errorf("capability %q: %w", d.Capability, err)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil {
		return 0, 0, fmt.Errorf("capability %q: %w", d.Capability, err)
	}
	return ma, mi, nil
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		// Format is "json" or "console".
		Format string `yaml:"format"`
	} `yaml:"logger"`
	Compute struct {
		Driver     string `yaml:"driver"`
		KernelPath string `yaml:"kernelPath"`
		CachePath  string `yaml:"cachePath"`
		ClearCache bool   `yaml:"clearCache"`
		WriteCache bool   `yaml:"writeCache"`
		Compiler   struct {
			Path         string        `yaml:"path"`
			HostCompiler string        `yaml:"hostCompiler"`
			Optimization string        `yaml:"optimization"`
			Timeout      time.Duration `yaml:"timeout"`
		} `yaml:"compiler"`
		MinDriverVersion int      `yaml:"minDriverVersion"`
		Defines          []string `yaml:"defines"`
		StrictBounds     bool     `yaml:"strictBounds"`
		Sim              struct {
			DriverVersion int         `yaml:"driverVersion"`
			Devices       []SimDevice `yaml:"devices"`
		} `yaml:"sim"`
	} `yaml:"compute"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Logger.Verbosity = "info"
	cfg.Compute.Driver = "auto"
	cfg.Compute.KernelPath = "kernels"
	cfg.Compute.Compiler.Path = DefaultCompilerPath
	cfg.Compute.Compiler.Optimization = DefaultOptimization
	cfg.Compute.Compiler.Timeout = DefaultCompileTimeout
	cfg.Compute.MinDriverVersion = DefaultMinDriverVersion
	return &cfg
}

// GetDefaultConfigHome returns $HOME/.cudacl, or .cudacl when the home directory is unknown.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cudacl"
	}
	return filepath.Join(home, ".cudacl")
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	config.resolve(filepath.Dir(path))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadHome loads config.yaml from home, or returns the defaults resolved against home when
// the file does not exist.
func LoadHome(home string) (*Config, error) {
	path := filepath.Join(home, ConfigFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := Default()
		config.resolve(home)
		return config, nil
	}
	return LoadConfig(path)
}

// resolve makes relative paths relative to base and derives the cache directory.
func (c *Config) resolve(base string) {
	if c.Compute.KernelPath != "" && !filepath.IsAbs(c.Compute.KernelPath) {
		c.Compute.KernelPath = filepath.Join(base, c.Compute.KernelPath)
	}
	if c.Compute.CachePath == "" {
		c.Compute.CachePath = filepath.Join(filepath.Dir(filepath.Clean(c.Compute.KernelPath)), "cache")
	} else if !filepath.IsAbs(c.Compute.CachePath) {
		c.Compute.CachePath = filepath.Join(base, c.Compute.CachePath)
	}
}

// Validate checks values that would otherwise only fail deep inside the compute host.
func (c *Config) Validate() error {
	switch c.Compute.Driver {
	case "", "auto", "cuda", "sim":
	default:
		return fmt.Errorf("compute.driver: unknown driver %q", c.Compute.Driver)
	}
	if c.Compute.MinDriverVersion < 0 {
		return fmt.Errorf("compute.minDriverVersion must not be negative")
	}
	if c.Compute.Compiler.Timeout < 0 {
		return fmt.Errorf("compute.compiler.timeout must not be negative")
	}
	for i, d := range c.Compute.Sim.Devices {
		if d.Units <= 0 || d.ClockKHz <= 0 || d.MemoryMB == 0 {
			return fmt.Errorf("compute.sim.devices[%d]: units, clockKHz and memoryMB must be positive", i)
		}
		if _, _, err := d.Version(); err != nil {
			return fmt.Errorf("compute.sim.devices[%d]: %w", i, err)
		}
	}
	return nil
}

// SimOptions converts the sim section into simulated driver options. An empty device list
// leaves the simulator's default device in place.
func (c *Config) SimOptions() (sim.Options, error) {
	opts := sim.Options{DriverVersion: c.Compute.Sim.DriverVersion}
	for i, d := range c.Compute.Sim.Devices {
		major, minor, err := d.Version()
		if err != nil {
			return sim.Options{}, fmt.Errorf("compute.sim.devices[%d]: %w", i, err)
		}
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("sim device %d", i)
		}
		opts.Devices = append(opts.Devices, sim.DeviceSpec{
			Name:            name,
			Multiprocessors: d.Units,
			ClockKHz:        d.ClockKHz,
			TotalMem:        d.MemoryMB << 20,
			Major:           major,
			Minor:           minor,
		})
	}
	return opts, nil
}

func (c *Config) NVCCOptions() compiler.NVCCOptions {
	return compiler.NVCCOptions{
		Path:         c.Compute.Compiler.Path,
		HostCompiler: c.Compute.Compiler.HostCompiler,
		Optimization: c.Compute.Compiler.Optimization,
		Timeout:      c.Compute.Compiler.Timeout,
	}
}
