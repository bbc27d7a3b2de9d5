// Package compute is an OpenCL-style compute host built on a CUDA-driver-shaped API.
//
// A Host discovers devices, owns one context and one stream per device, builds kernels
// from OpenCL C source (translating, compiling and loading them, or restoring them from
// the on-disk cache), manages buffers and host mappings, and binds arguments and
// dispatches kernels on the active device's stream.
//
// Every exported method is a boundary: failures are logged with the operation name and
// downgraded to a zero value, false, or a no-op. Once initialization has failed, or after
// Shutdown, every call is a no-op.
//
// A Host is not safe for concurrent use. Driver contexts are bound to OS threads, so the
// goroutine driving a Host should call runtime.LockOSThread first.
package compute

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compiler"
	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/kcache"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

const (
	DefaultMinDriverVersion = 5000
	DefaultImageHeaderSize  = 16
	DefaultStructAlignment  = 16
)

// Options configures a Host.
type Options struct {
	// KernelPath is the kernel source directory, passed to the compiler as an include path.
	KernelPath string
	// Defines are added to every compile, e.g. "-DTILE_SIZE=16".
	Defines []string
	// MinDriverVersion is the lowest accepted driver version (1000*major + 10*minor).
	MinDriverVersion int
	// StrictBounds rejects out-of-range offsets and sizes instead of clamping them.
	StrictBounds    bool
	ImageHeaderSize int
	StructAlignment int

	Compiler compiler.Compiler
	// Cache may be nil, in which case every kernel is compiled.
	Cache *kcache.Cache
	// WriteCache stores freshly compiled kernels in Cache.
	WriteCache bool
}

// Host is the compute host.
type Host struct {
	drv  driver.Driver
	opts Options
	log  *zap.Logger

	initialized bool
	supported   bool
	valid       bool

	devices []*Device
	active  *Device
	fastest *Device

	buffers    map[BufferID]*buffer
	live       []BufferID
	nextBuffer BufferID
	allocated  uint64

	mappings map[*byte]*mapping

	kernels    map[KernelID]*kernel
	byName     map[string]KernelID
	nextKernel KernelID
	current    *kernel
}

// New returns a host on top of drv. Call Init before anything else.
func New(drv driver.Driver, opts Options, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MinDriverVersion == 0 {
		opts.MinDriverVersion = DefaultMinDriverVersion
	}
	if opts.ImageHeaderSize == 0 {
		opts.ImageHeaderSize = DefaultImageHeaderSize
	}
	if opts.StructAlignment == 0 {
		opts.StructAlignment = DefaultStructAlignment
	}
	return &Host{
		drv:      drv,
		opts:     opts,
		log:      log.Named("compute"),
		buffers:  make(map[BufferID]*buffer),
		mappings: make(map[*byte]*mapping),
		kernels:  make(map[KernelID]*kernel),
		byName:   make(map[string]KernelID),
	}
}

// Init initializes the driver, discovers devices and creates a context and stream per
// device. It reports whether the host is usable; a failed Init is permanent.
func (h *Host) Init() bool {
	if h.initialized {
		return h.supported
	}
	h.initialized = true

	if err := h.init(); err != nil {
		h.log.Error("Failed to initialize compute host", zap.String("driver", h.drv.Name()), zap.Error(err))
		h.countDriverError(err)
		h.teardownDevices()
		h.devices, h.active, h.fastest = nil, nil, nil
		h.supported, h.valid = false, false
		return false
	}
	h.supported, h.valid = true, true
	return true
}

// Supported reports whether initialization succeeded and Shutdown has not been called.
func (h *Host) Supported() bool { return h.supported }

// Valid reports whether the device setup is intact.
func (h *Host) Valid() bool { return h.valid }

// Driver returns the driver the host runs on.
func (h *Host) Driver() driver.Driver { return h.drv }

// Shutdown releases every buffer, kernel, stream and context. Driver errors during
// teardown are logged at debug level and otherwise ignored.
func (h *Host) Shutdown() {
	if !h.supported {
		return
	}

	var errs error
	for i := len(h.live) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, h.deleteBuffer(h.live[i]))
	}
	for id := range h.kernels {
		errs = multierr.Append(errs, h.deleteKernel(id))
	}
	errs = multierr.Append(errs, h.teardownDevices())
	if errs != nil {
		h.log.Debug("Ignoring errors during shutdown", zap.Errors("errors", multierr.Errors(errs)))
	}

	h.devices, h.active, h.fastest = nil, nil, nil
	h.supported, h.valid = false, false
	h.log.Info("Compute host shut down")
}

func (h *Host) teardownDevices() error {
	var errs error
	for _, d := range h.devices {
		if d.ctx == 0 {
			continue
		}
		errs = multierr.Append(errs, h.drv.CtxSetCurrent(d.ctx))
		if d.stream != 0 {
			errs = multierr.Append(errs, h.drv.StreamDestroy(d.stream))
			d.stream = 0
		}
		errs = multierr.Append(errs, h.drv.CtxDestroy(d.ctx))
		d.ctx = 0
	}
	return errs
}

// ready gates every operation on a usable host with an active device.
func (h *Host) ready(op string) error {
	if !h.supported || h.active == nil {
		return &Error{Kind: KindUnsupported, Op: op, Err: ErrUnsupported}
	}
	return nil
}

// driverError wraps a failed driver call. Out-of-memory errors carry the device's
// current free and total memory.
func (h *Host) driverError(op string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: KindDriver, Op: op, Code: driver.ResultOf(err), Err: err}
	if driver.IsResult(err, driver.ErrorOutOfMemory) {
		if free, total, infoErr := h.drv.MemGetInfo(); infoErr == nil {
			e.Msg = fmt.Sprintf("%d of %d bytes free", free, total)
		}
	}
	return e
}

func (h *Host) countDriverError(err error) {
	var de *driver.Error
	if errors.As(err, &de) {
		metrics.DriverErrors.WithLabelValues(de.Call).Inc()
	}
}

// report logs a failed operation at the public boundary.
func (h *Host) report(op string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	fields = append(fields, zap.String("op", op), zap.Error(err))

	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnsupported && errors.Is(err, ErrUnsupported) {
			h.log.Debug("Compute host unsupported, ignoring call", fields...)
			return
		}
		if e.Kind == KindDriver {
			fields = append(fields, zap.Int32("code", int32(e.Code)))
			h.countDriverError(err)
		}
	}
	h.log.Error("Compute operation failed", fields...)
}
