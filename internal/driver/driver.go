// Package driver defines the lower-level GPU driver surface the compute host is built on.
//
// The interface mirrors the CUDA driver API closely enough that the purego binding in
// driver/cuda is a thin shim, while driver/sim provides a software implementation for
// tests and machines without an NVIDIA GPU.
//
// Implementation notes:
//   - Host memory crosses the interface as []byte; callers must keep slices passed to
//     the Async variants alive until the stream has been synchronized.
//   - Context "current" state is thread-affine. Callers drive a Driver from a goroutine
//     locked to its OS thread.
//   - Implementations are not safe for concurrent use.
package driver

// Device is a driver device ordinal handle.
type Device int32

// Context, Stream, Module, Function and GraphicsResource are opaque driver handles.
type (
	Context          uintptr
	Stream           uintptr
	Module           uintptr
	Function         uintptr
	GraphicsResource uintptr
)

// DevicePtr is a device virtual address.
type DevicePtr uint64

// Dim3 is a launch dimension triple.
type Dim3 struct {
	X, Y, Z uint32
}

// JITTarget is the compute target handed to the module loader (CU_JIT_TARGET).
type JITTarget uint32

// Attribute is a device attribute code (CUdevice_attribute).
type Attribute int32

const (
	AttrMaxThreadsPerBlock      Attribute = 1
	AttrMaxBlockDimX            Attribute = 2
	AttrMaxBlockDimY            Attribute = 3
	AttrMaxBlockDimZ            Attribute = 4
	AttrMaxGridDimX             Attribute = 5
	AttrMaxGridDimY             Attribute = 6
	AttrMaxGridDimZ             Attribute = 7
	AttrMaxSharedMemoryPerBlock Attribute = 8
	AttrTotalConstantMemory     Attribute = 9
	AttrWarpSize                Attribute = 10
	AttrMaxPitch                Attribute = 11
	AttrMaxRegistersPerBlock    Attribute = 12
	AttrClockRate               Attribute = 13
	AttrTextureAlignment        Attribute = 14
	AttrGPUOverlap              Attribute = 15
	AttrMultiprocessorCount     Attribute = 16
	AttrKernelExecTimeout       Attribute = 17
	AttrIntegrated              Attribute = 18
	AttrCanMapHostMemory        Attribute = 19
	AttrMaxTexture2DWidth       Attribute = 22
	AttrMaxTexture2DHeight      Attribute = 23
	AttrMaxTexture3DWidth       Attribute = 24
	AttrMaxTexture3DHeight      Attribute = 25
	AttrMaxTexture3DDepth       Attribute = 26
	AttrConcurrentKernels       Attribute = 31
	AttrECCEnabled              Attribute = 32
	AttrPCIDeviceID             Attribute = 34
	AttrTCCDriver               Attribute = 35
	AttrMemoryClockRate         Attribute = 36
	AttrGlobalMemoryBusWidth    Attribute = 37
	AttrL2CacheSize             Attribute = 38
	AttrAsyncEngineCount        Attribute = 40
	AttrUnifiedAddressing       Attribute = 41
	AttrComputeCapabilityMajor  Attribute = 75
	AttrComputeCapabilityMinor  Attribute = 76
)

// FuncAttribute is a function attribute code (CUfunction_attribute).
type FuncAttribute int32

const FuncAttrMaxThreadsPerBlock FuncAttribute = 0

// Context creation flags.
const CtxSchedAuto uint32 = 0

// Host allocation flags (cuMemHostAlloc).
const (
	HostAllocPortable      uint32 = 0x01
	HostAllocDeviceMap     uint32 = 0x02
	HostAllocWriteCombined uint32 = 0x04
)

// Host registration flags (cuMemHostRegister).
const (
	HostRegisterPortable  uint32 = 0x01
	HostRegisterDeviceMap uint32 = 0x02
)

// Graphics resource registration hints (cuGraphicsGLRegisterBuffer).
const (
	GraphicsRegisterNone         uint32 = 0x00
	GraphicsRegisterReadOnly     uint32 = 0x01
	GraphicsRegisterWriteDiscard uint32 = 0x02
)

// Driver is the lower-level GPU driver the compute host emulates OpenCL on top of.
type Driver interface {
	// Name identifies the implementation ("cuda", "sim") for logs.
	Name() string

	Init(flags uint32) error
	DriverGetVersion() (int, error)

	DeviceGetCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceGetName(dev Device) (string, error)
	DeviceComputeCapability(dev Device) (major, minor int, err error)
	DeviceTotalMem(dev Device) (uint64, error)
	DeviceGetAttribute(attr Attribute, dev Device) (int, error)

	CtxCreate(flags uint32, dev Device) (Context, error)
	CtxDestroy(ctx Context) error
	// CtxSetCurrent binds ctx to the calling thread; 0 unbinds.
	CtxSetCurrent(ctx Context) error

	StreamCreate(flags uint32) (Stream, error)
	StreamDestroy(s Stream) error
	StreamSynchronize(s Stream) error

	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(ptr DevicePtr) error
	MemHostAlloc(size uint64, flags uint32) ([]byte, error)
	MemFreeHost(host []byte) error
	MemHostRegister(host []byte, flags uint32) error
	MemHostUnregister(host []byte) error
	MemHostGetDevicePointer(host []byte) (DevicePtr, error)
	MemGetInfo() (free, total uint64, err error)

	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) error
	MemcpyDtoH(dst []byte, src DevicePtr) error
	MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) error
	MemsetD8(dst DevicePtr, v uint8, n uint64) error
	MemsetD16(dst DevicePtr, v uint16, n uint64) error
	MemsetD32(dst DevicePtr, v uint32, n uint64) error

	ModuleLoadDataEx(image []byte, target JITTarget) (Module, error)
	ModuleUnload(m Module) error
	ModuleGetFunction(m Module, name string) (Function, error)
	FuncGetAttribute(attr FuncAttribute, f Function) (int, error)
	// LaunchKernel enqueues f on s. params holds one value per kernel parameter.
	LaunchKernel(f Function, grid, block Dim3, sharedMem uint32, s Stream, params [][]byte) error

	GraphicsGLRegisterBuffer(glBuffer uint32, flags uint32) (GraphicsResource, error)
	GraphicsUnregisterResource(r GraphicsResource) error
	GraphicsMapResources(r GraphicsResource, s Stream) error
	GraphicsUnmapResources(r GraphicsResource, s Stream) error
	GraphicsResourceGetMappedPointer(r GraphicsResource) (DevicePtr, uint64, error)
}
