// Package sim is a software implementation of driver.Driver.
//
// It keeps device memory in Go slices, runs streams as FIFO queues that drain on
// synchronization and executes kernels registered as Go functions. It exists so the
// compute host can be exercised on machines without an NVIDIA GPU; it makes no attempt
// to model timing.
//
// A Driver is not safe for concurrent use.
package sim

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name            string
	Multiprocessors int
	ClockKHz        int
	TotalMem        uint64
	Major, Minor    int
	// Attributes overrides individual attribute values.
	Attributes map[driver.Attribute]int
}

// Options configures a simulated driver.
type Options struct {
	Devices []DeviceSpec
	// DriverVersion is reported by DriverGetVersion, encoded as 1000*major + 10*minor.
	DriverVersion int
}

// DefaultDevice is used when Options.Devices is empty.
var DefaultDevice = DeviceSpec{
	Name:            "cudacl sim device",
	Multiprocessors: 8,
	ClockKHz:        1500000,
	TotalMem:        256 << 20,
	Major:           7,
	Minor:           5,
}

const defaultDriverVersion = 12040

type device struct {
	spec DeviceSpec
	used uint64
}

type devContext struct {
	dev *device
}

// Driver is the simulated driver.
type Driver struct {
	logger *zap.Logger
	opts   Options

	initialized bool
	devices     []*device

	nextHandle uintptr
	contexts   map[driver.Context]*devContext
	current    driver.Context
	streams    map[driver.Stream]*stream

	mem *memory

	modules   map[driver.Module]*module
	functions map[driver.Function]*function
	kernels   map[string]KernelFunc
	launches  []LaunchRecord

	gl *glState

	faults map[string]driver.Result
	calls  map[string]int
}

var _ driver.Driver = (*Driver)(nil)

// New returns a simulated driver with the built-in kernels registered.
func New(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Devices) == 0 {
		opts.Devices = []DeviceSpec{DefaultDevice}
	}
	if opts.DriverVersion == 0 {
		opts.DriverVersion = defaultDriverVersion
	}
	d := &Driver{
		logger:    logger.Named("driver.sim"),
		opts:      opts,
		contexts:  make(map[driver.Context]*devContext),
		streams:   make(map[driver.Stream]*stream),
		mem:       newMemory(),
		modules:   make(map[driver.Module]*module),
		functions: make(map[driver.Function]*function),
		kernels:   make(map[string]KernelFunc),
		gl:        newGLState(),
		faults:    make(map[string]driver.Result),
		calls:     make(map[string]int),
	}
	for _, spec := range opts.Devices {
		d.devices = append(d.devices, &device{spec: spec})
	}
	registerBuiltins(d)
	return d
}

func (d *Driver) Name() string { return "sim" }

// FailNext makes the next invocation of the named driver call (e.g. "cuMemAlloc")
// fail with r.
func (d *Driver) FailNext(call string, r driver.Result) {
	d.faults[call] = r
}

// CallCount reports how many times the named driver call has been made.
func (d *Driver) CallCount(call string) int {
	return d.calls[call]
}

func (d *Driver) handle() uintptr {
	d.nextHandle++
	return d.nextHandle
}

// enter books a call and returns an injected fault, if any.
func (d *Driver) enter(call string) error {
	d.calls[call]++
	if r, ok := d.faults[call]; ok {
		delete(d.faults, call)
		return &driver.Error{Result: r, Call: call}
	}
	return nil
}

// enterInit is enter plus the checks every call after cuInit performs.
func (d *Driver) enterInit(call string) error {
	if err := d.enter(call); err != nil {
		return err
	}
	if !d.initialized {
		return &driver.Error{Result: driver.ErrorNotInitialized, Call: call}
	}
	return nil
}

// enterCtx additionally requires a current context.
func (d *Driver) enterCtx(call string) (*devContext, error) {
	if err := d.enterInit(call); err != nil {
		return nil, err
	}
	c, ok := d.contexts[d.current]
	if !ok {
		return nil, &driver.Error{Result: driver.ErrorInvalidContext, Call: call}
	}
	return c, nil
}

func fail(r driver.Result, call string) error {
	return &driver.Error{Result: r, Call: call}
}

func (d *Driver) Init(flags uint32) error {
	if err := d.enter("cuInit"); err != nil {
		return err
	}
	if flags != 0 {
		return fail(driver.ErrorInvalidValue, "cuInit")
	}
	d.initialized = true
	return nil
}

func (d *Driver) DriverGetVersion() (int, error) {
	if err := d.enter("cuDriverGetVersion"); err != nil {
		return 0, err
	}
	return d.opts.DriverVersion, nil
}

func (d *Driver) DeviceGetCount() (int, error) {
	if err := d.enterInit("cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return len(d.devices), nil
}

func (d *Driver) DeviceGet(ordinal int) (driver.Device, error) {
	if err := d.enterInit("cuDeviceGet"); err != nil {
		return 0, err
	}
	if ordinal < 0 || ordinal >= len(d.devices) {
		return 0, fail(driver.ErrorInvalidDevice, "cuDeviceGet")
	}
	return driver.Device(ordinal), nil
}

func (d *Driver) device(dev driver.Device, call string) (*device, error) {
	if err := d.enterInit(call); err != nil {
		return nil, err
	}
	if int(dev) < 0 || int(dev) >= len(d.devices) {
		return nil, fail(driver.ErrorInvalidDevice, call)
	}
	return d.devices[dev], nil
}

func (d *Driver) DeviceGetName(dev driver.Device) (string, error) {
	sd, err := d.device(dev, "cuDeviceGetName")
	if err != nil {
		return "", err
	}
	if sd.spec.Name == "" {
		return fmt.Sprintf("cudacl sim device %d", dev), nil
	}
	return sd.spec.Name, nil
}

func (d *Driver) DeviceComputeCapability(dev driver.Device) (int, int, error) {
	sd, err := d.device(dev, "cuDeviceComputeCapability")
	if err != nil {
		return 0, 0, err
	}
	return sd.spec.Major, sd.spec.Minor, nil
}

func (d *Driver) DeviceTotalMem(dev driver.Device) (uint64, error) {
	sd, err := d.device(dev, "cuDeviceTotalMem_v2")
	if err != nil {
		return 0, err
	}
	return sd.spec.TotalMem, nil
}

func (d *Driver) DeviceGetAttribute(attr driver.Attribute, dev driver.Device) (int, error) {
	sd, err := d.device(dev, "cuDeviceGetAttribute")
	if err != nil {
		return 0, err
	}
	if v, ok := sd.spec.Attributes[attr]; ok {
		return v, nil
	}
	switch attr {
	case driver.AttrMultiprocessorCount:
		return sd.spec.Multiprocessors, nil
	case driver.AttrClockRate:
		return sd.spec.ClockKHz, nil
	case driver.AttrComputeCapabilityMajor:
		return sd.spec.Major, nil
	case driver.AttrComputeCapabilityMinor:
		return sd.spec.Minor, nil
	}
	if v, ok := defaultAttributes[attr]; ok {
		return v, nil
	}
	return 0, fail(driver.ErrorInvalidValue, "cuDeviceGetAttribute")
}

var defaultAttributes = map[driver.Attribute]int{
	driver.AttrMaxThreadsPerBlock:      1024,
	driver.AttrMaxBlockDimX:            1024,
	driver.AttrMaxBlockDimY:            1024,
	driver.AttrMaxBlockDimZ:            64,
	driver.AttrMaxGridDimX:             2147483647,
	driver.AttrMaxGridDimY:             65535,
	driver.AttrMaxGridDimZ:             65535,
	driver.AttrMaxSharedMemoryPerBlock: 49152,
	driver.AttrTotalConstantMemory:     65536,
	driver.AttrWarpSize:                32,
	driver.AttrMaxPitch:                2147483647,
	driver.AttrMaxRegistersPerBlock:    65536,
	driver.AttrTextureAlignment:        512,
	driver.AttrGPUOverlap:              1,
	driver.AttrKernelExecTimeout:       0,
	driver.AttrIntegrated:              0,
	driver.AttrCanMapHostMemory:        1,
	driver.AttrMaxTexture2DWidth:       131072,
	driver.AttrMaxTexture2DHeight:      65536,
	driver.AttrMaxTexture3DWidth:       16384,
	driver.AttrMaxTexture3DHeight:      16384,
	driver.AttrMaxTexture3DDepth:       16384,
	driver.AttrConcurrentKernels:       1,
	driver.AttrECCEnabled:              0,
	driver.AttrPCIDeviceID:             0,
	driver.AttrTCCDriver:               0,
	driver.AttrMemoryClockRate:         7000000,
	driver.AttrGlobalMemoryBusWidth:    256,
	driver.AttrL2CacheSize:             4194304,
	driver.AttrAsyncEngineCount:        2,
	driver.AttrUnifiedAddressing:       1,
}

func (d *Driver) CtxCreate(flags uint32, dev driver.Device) (driver.Context, error) {
	sd, err := d.device(dev, "cuCtxCreate_v2")
	if err != nil {
		return 0, err
	}
	h := driver.Context(d.handle())
	d.contexts[h] = &devContext{dev: sd}
	d.current = h
	return h, nil
}

func (d *Driver) CtxDestroy(ctx driver.Context) error {
	if err := d.enterInit("cuCtxDestroy_v2"); err != nil {
		return err
	}
	c, ok := d.contexts[ctx]
	if !ok {
		return fail(driver.ErrorInvalidContext, "cuCtxDestroy_v2")
	}
	for h, s := range d.streams {
		if s.ctx == c {
			delete(d.streams, h)
		}
	}
	delete(d.contexts, ctx)
	if d.current == ctx {
		d.current = 0
	}
	return nil
}

func (d *Driver) CtxSetCurrent(ctx driver.Context) error {
	if err := d.enterInit("cuCtxSetCurrent"); err != nil {
		return err
	}
	if ctx != 0 {
		if _, ok := d.contexts[ctx]; !ok {
			return fail(driver.ErrorInvalidContext, "cuCtxSetCurrent")
		}
	}
	d.current = ctx
	return nil
}

// Current returns the context current on the simulated thread.
func (d *Driver) Current() driver.Context {
	return d.current
}

// LiveContexts reports the number of contexts not yet destroyed.
func (d *Driver) LiveContexts() int {
	return len(d.contexts)
}

func (d *Driver) MemGetInfo() (uint64, uint64, error) {
	c, err := d.enterCtx("cuMemGetInfo_v2")
	if err != nil {
		return 0, 0, err
	}
	return c.dev.spec.TotalMem - c.dev.used, c.dev.spec.TotalMem, nil
}
