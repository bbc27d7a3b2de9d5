package compute

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

var baseExtensions = []string{
	"cl_APPLE_gl_sharing",
	"cl_khr_byte_addressable_store",
	"cl_khr_global_int32_base_atomics",
	"cl_khr_global_int32_extended_atomics",
	"cl_khr_local_int32_base_atomics",
	"cl_khr_local_int32_extended_atomics",
	"cl_khr_fp16",
	"cl_nv_device_attribute_query",
	"cl_nv_pragma_unroll",
}

// deviceAttributes are read for every device at discovery.
var deviceAttributes = []driver.Attribute{
	driver.AttrPCIDeviceID,
	driver.AttrMultiprocessorCount,
	driver.AttrTotalConstantMemory,
	driver.AttrMaxSharedMemoryPerBlock,
	driver.AttrMaxRegistersPerBlock,
	driver.AttrL2CacheSize,
	driver.AttrWarpSize,
	driver.AttrMaxThreadsPerBlock,
	driver.AttrMaxPitch,
	driver.AttrMaxBlockDimX,
	driver.AttrMaxBlockDimY,
	driver.AttrMaxBlockDimZ,
	driver.AttrMaxGridDimX,
	driver.AttrMaxGridDimY,
	driver.AttrMaxGridDimZ,
	driver.AttrMaxTexture2DWidth,
	driver.AttrMaxTexture2DHeight,
	driver.AttrMaxTexture3DWidth,
	driver.AttrMaxTexture3DHeight,
	driver.AttrMaxTexture3DDepth,
	driver.AttrClockRate,
	driver.AttrMemoryClockRate,
	driver.AttrGlobalMemoryBusWidth,
	driver.AttrAsyncEngineCount,
	driver.AttrTextureAlignment,
	driver.AttrKernelExecTimeout,
	driver.AttrGPUOverlap,
	driver.AttrCanMapHostMemory,
	driver.AttrIntegrated,
	driver.AttrConcurrentKernels,
	driver.AttrECCEnabled,
	driver.AttrTCCDriver,
	driver.AttrUnifiedAddressing,
}

// Capability is a compute capability version.
type Capability struct {
	Major, Minor int
}

func (c Capability) String() string { return fmt.Sprintf("%d.%d", c.Major, c.Minor) }

// Device is a discovered GPU. Its fields are fixed after discovery.
type Device struct {
	Ordinal          int
	Name             string
	Vendor           string
	Units            int
	ClockMHz         int
	MemSize          uint64
	MaxAlloc         uint64
	MaxWorkGroupSize int
	MaxWorkItemSizes [3]int
	MaxGridSize      [3]int
	MaxImage2D       [2]int
	MaxImage3D       [3]int
	Capability       Capability
	Target           Target
	FP64             bool
	Extensions       []string
	// Score ranks devices by throughput: units × clock.
	Score int64
	// Attributes holds every attribute read at discovery.
	Attributes map[driver.Attribute]int

	handle driver.Device
	ctx    driver.Context
	stream driver.Stream
}

func (h *Host) init() error {
	if err := h.drv.Init(0); err != nil {
		return fmt.Errorf("driver init: %w", err)
	}
	version, err := h.drv.DriverGetVersion()
	if err != nil {
		return fmt.Errorf("driver version: %w", err)
	}
	if version < h.opts.MinDriverVersion {
		return fmt.Errorf("driver version %d.%d is below the required %d.%d",
			version/1000, version%1000/10, h.opts.MinDriverVersion/1000, h.opts.MinDriverVersion%1000/10)
	}
	count, err := h.drv.DeviceGetCount()
	if err != nil {
		return fmt.Errorf("device count: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("no devices found")
	}

	for ordinal := 0; ordinal < count; ordinal++ {
		handle, err := h.drv.DeviceGet(ordinal)
		if err != nil {
			h.log.Error("Failed to get device, skipping", zap.Int("ordinal", ordinal), zap.Error(err))
			continue
		}
		d, err := h.discover(ordinal, handle)
		if err != nil {
			return fmt.Errorf("device %d: %w", ordinal, err)
		}
		h.devices = append(h.devices, d)
		if h.fastest == nil || d.Score > h.fastest.Score {
			h.fastest = d
		}
		h.log.Info("Found device",
			zap.Int("ordinal", d.Ordinal),
			zap.String("name", d.Name),
			zap.Int("units", d.Units),
			zap.Int("clock_mhz", d.ClockMHz),
			zap.Uint64("memory_mb", d.MemSize>>20),
			zap.Stringer("capability", d.Capability),
			zap.String("target", "sm_"+d.Target.Tag),
			zap.Int64("score", d.Score),
		)
	}
	if len(h.devices) == 0 {
		return fmt.Errorf("no usable devices")
	}

	for _, d := range h.devices {
		if d.ctx, err = h.drv.CtxCreate(driver.CtxSchedAuto, d.handle); err != nil {
			return fmt.Errorf("device %d context: %w", d.Ordinal, err)
		}
		if d.stream, err = h.drv.StreamCreate(0); err != nil {
			return fmt.Errorf("device %d stream: %w", d.Ordinal, err)
		}
	}
	if err := h.drv.CtxSetCurrent(h.devices[0].ctx); err != nil {
		return err
	}

	h.active = h.fastest
	if err := h.drv.CtxSetCurrent(h.active.ctx); err != nil {
		return err
	}
	h.log.Info("Selected fastest device", zap.Int("ordinal", h.fastest.Ordinal), zap.String("name", h.fastest.Name))
	return nil
}

func (h *Host) discover(ordinal int, handle driver.Device) (*Device, error) {
	d := &Device{Ordinal: ordinal, Vendor: "NVIDIA", handle: handle, Attributes: make(map[driver.Attribute]int)}

	var err error
	if d.Name, err = h.drv.DeviceGetName(handle); err != nil {
		return nil, err
	}
	if d.Capability.Major, d.Capability.Minor, err = h.drv.DeviceComputeCapability(handle); err != nil {
		return nil, err
	}
	if d.MemSize, err = h.drv.DeviceTotalMem(handle); err != nil {
		return nil, err
	}
	for _, attr := range deviceAttributes {
		v, err := h.drv.DeviceGetAttribute(attr, handle)
		if err != nil {
			return nil, err
		}
		d.Attributes[attr] = v
	}
	if d.Attributes[driver.AttrL2CacheSize] < 0 {
		d.Attributes[driver.AttrL2CacheSize] = 0
	}

	d.Target, err = TargetFor(d.Capability.Major, d.Capability.Minor)
	if err != nil {
		h.log.Error("Unknown compute capability, using the oldest target",
			zap.Int("ordinal", ordinal), zap.String("target", d.Target.Tag), zap.Error(err))
	}

	a := d.Attributes
	d.Units = a[driver.AttrMultiprocessorCount]
	d.ClockMHz = a[driver.AttrClockRate] / 1000
	d.MaxAlloc = d.MemSize
	d.MaxWorkGroupSize = a[driver.AttrMaxThreadsPerBlock]
	d.MaxWorkItemSizes = [3]int{a[driver.AttrMaxBlockDimX], a[driver.AttrMaxBlockDimY], a[driver.AttrMaxBlockDimZ]}
	d.MaxGridSize = [3]int{a[driver.AttrMaxGridDimX], a[driver.AttrMaxGridDimY], a[driver.AttrMaxGridDimZ]}
	d.MaxImage2D = [2]int{a[driver.AttrMaxTexture2DWidth], a[driver.AttrMaxTexture2DHeight]}
	d.MaxImage3D = [3]int{a[driver.AttrMaxTexture3DWidth], a[driver.AttrMaxTexture3DHeight], a[driver.AttrMaxTexture3DDepth]}
	d.FP64 = d.Capability.Major > 1 || (d.Capability.Major == 1 && d.Capability.Minor >= 3)
	d.Extensions = append([]string(nil), baseExtensions...)
	if d.FP64 {
		d.Extensions = append(d.Extensions, "cl_khr_fp64")
	}
	d.Score = int64(d.Units) * int64(d.ClockMHz)
	return d, nil
}

// HasExtension reports whether the device advertises ext.
func (d *Device) HasExtension(ext string) bool {
	for _, e := range d.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Devices returns every usable device in ordinal order.
func (h *Host) Devices() []*Device {
	return append([]*Device(nil), h.devices...)
}

// ActiveDevice returns the device subsequent operations target, or nil.
func (h *Host) ActiveDevice() *Device { return h.active }

// FastestDevice returns the highest-scoring device, or nil.
func (h *Host) FastestDevice() *Device { return h.fastest }

// SetActiveDevice makes dev the target of subsequent operations and activates its context.
func (h *Host) SetActiveDevice(dev *Device) bool {
	if err := h.setActive(dev); err != nil {
		h.report("SetActiveDevice", err)
		return false
	}
	return true
}

// SetActiveOrdinal is SetActiveDevice by device ordinal.
func (h *Host) SetActiveOrdinal(ordinal int) bool {
	for _, d := range h.devices {
		if d.Ordinal == ordinal {
			return h.SetActiveDevice(d)
		}
	}
	h.report("SetActiveDevice", resourcef("SetActiveDevice", "no device with ordinal %d", ordinal))
	return false
}

func (h *Host) setActive(dev *Device) error {
	if err := h.ready("SetActiveDevice"); err != nil {
		return err
	}
	if dev == nil || !h.owns(dev) {
		return resourcef("SetActiveDevice", "unknown device")
	}
	h.active = dev
	return h.activate()
}

func (h *Host) owns(dev *Device) bool {
	for _, d := range h.devices {
		if d == dev {
			return true
		}
	}
	return false
}

func (h *Host) activate() error {
	return h.driverError("ActivateContext", h.drv.CtxSetCurrent(h.active.ctx))
}

// ActivateContext makes the active device's context current on the calling thread.
func (h *Host) ActivateContext() bool {
	err := h.ready("ActivateContext")
	if err == nil {
		err = h.activate()
	}
	h.report("ActivateContext", err)
	return err == nil
}

// DeactivateContext leaves no context current on the calling thread.
func (h *Host) DeactivateContext() {
	if err := h.ready("DeactivateContext"); err != nil {
		h.report("DeactivateContext", err)
		return
	}
	h.report("DeactivateContext", h.driverError("DeactivateContext", h.drv.CtxSetCurrent(0)))
}

func (h *Host) finish() error {
	return h.driverError("Finish", h.drv.StreamSynchronize(h.active.stream))
}

// Finish blocks until everything queued on the active device's stream has completed.
func (h *Host) Finish() {
	err := h.ready("Finish")
	if err == nil {
		err = h.finish()
	}
	h.report("Finish", err)
}

// Barrier is Finish; a stream executes in order.
func (h *Host) Barrier() {
	h.Finish()
}

// Flush is a no-op: work is submitted when it is enqueued.
func (h *Host) Flush() {}
