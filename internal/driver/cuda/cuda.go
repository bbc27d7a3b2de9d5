//go:build darwin || freebsd || linux

// Package cuda binds the CUDA driver API (libcuda) at runtime with purego, so the
// module builds without cgo or the CUDA toolkit and falls back cleanly when no NVIDIA
// driver is installed.
package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

var libraryNames = []string{"libcuda.so.1", "libcuda.so", "libcuda.dylib"}

// jitTarget is CU_JIT_TARGET.
const jitTarget = 9

type api struct {
	cuInit                             func(flags uint32) driver.Result
	cuDriverGetVersion                 func(version *int32) driver.Result
	cuDeviceGetCount                   func(count *int32) driver.Result
	cuDeviceGet                        func(dev *int32, ordinal int32) driver.Result
	cuDeviceGetName                    func(name *byte, n int32, dev int32) driver.Result
	cuDeviceComputeCapability          func(major, minor *int32, dev int32) driver.Result
	cuDeviceTotalMem                   func(bytes *uint64, dev int32) driver.Result
	cuDeviceGetAttribute               func(v *int32, attr int32, dev int32) driver.Result
	cuCtxCreate                        func(ctx *uintptr, flags uint32, dev int32) driver.Result
	cuCtxDestroy                       func(ctx uintptr) driver.Result
	cuCtxSetCurrent                    func(ctx uintptr) driver.Result
	cuStreamCreate                     func(s *uintptr, flags uint32) driver.Result
	cuStreamDestroy                    func(s uintptr) driver.Result
	cuStreamSynchronize                func(s uintptr) driver.Result
	cuMemAlloc                         func(ptr *uint64, size uint64) driver.Result
	cuMemFree                          func(ptr uint64) driver.Result
	cuMemHostAlloc                     func(p *unsafe.Pointer, size uint64, flags uint32) driver.Result
	cuMemFreeHost                      func(p unsafe.Pointer) driver.Result
	cuMemHostRegister                  func(p unsafe.Pointer, size uint64, flags uint32) driver.Result
	cuMemHostUnregister                func(p unsafe.Pointer) driver.Result
	cuMemHostGetDevicePointer          func(ptr *uint64, p unsafe.Pointer, flags uint32) driver.Result
	cuMemGetInfo                       func(free, total *uint64) driver.Result
	cuMemcpyHtoD                       func(dst uint64, src unsafe.Pointer, n uint64) driver.Result
	cuMemcpyHtoDAsync                  func(dst uint64, src unsafe.Pointer, n uint64, s uintptr) driver.Result
	cuMemcpyDtoH                       func(dst unsafe.Pointer, src uint64, n uint64) driver.Result
	cuMemcpyDtoHAsync                  func(dst unsafe.Pointer, src uint64, n uint64, s uintptr) driver.Result
	cuMemsetD8                         func(dst uint64, v uint8, n uint64) driver.Result
	cuMemsetD16                        func(dst uint64, v uint16, n uint64) driver.Result
	cuMemsetD32                        func(dst uint64, v uint32, n uint64) driver.Result
	cuModuleLoadDataEx                 func(m *uintptr, image unsafe.Pointer, n uint32, opts *int32, vals *uintptr) driver.Result
	cuModuleUnload                     func(m uintptr) driver.Result
	cuModuleGetFunction                func(f *uintptr, m uintptr, name *byte) driver.Result
	cuFuncGetAttribute                 func(v *int32, attr int32, f uintptr) driver.Result
	cuLaunchKernel                     func(f uintptr, gx, gy, gz, bx, by, bz, shared uint32, s uintptr, params *unsafe.Pointer, extra *unsafe.Pointer) driver.Result
	cuGraphicsGLRegisterBuffer         func(r *uintptr, buffer uint32, flags uint32) driver.Result
	cuGraphicsUnregisterResource       func(r uintptr) driver.Result
	cuGraphicsMapResources             func(count uint32, r *uintptr, s uintptr) driver.Result
	cuGraphicsUnmapResources           func(count uint32, r *uintptr, s uintptr) driver.Result
	cuGraphicsResourceGetMappedPointer func(ptr *uint64, size *uint64, r uintptr) driver.Result
}

var (
	loadOnce sync.Once
	loaded   *api
	loadErr  error
)

func load() (*api, error) {
	loadOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range libraryNames {
			lib, err = purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if err == nil {
				break
			}
		}
		if err != nil {
			loadErr = fmt.Errorf("%w: %v", driver.ErrNotLoaded, err)
			return
		}

		a := &api{}
		symbols := []struct {
			fn   any
			name string
		}{
			{&a.cuInit, "cuInit"},
			{&a.cuDriverGetVersion, "cuDriverGetVersion"},
			{&a.cuDeviceGetCount, "cuDeviceGetCount"},
			{&a.cuDeviceGet, "cuDeviceGet"},
			{&a.cuDeviceGetName, "cuDeviceGetName"},
			{&a.cuDeviceComputeCapability, "cuDeviceComputeCapability"},
			{&a.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
			{&a.cuDeviceGetAttribute, "cuDeviceGetAttribute"},
			{&a.cuCtxCreate, "cuCtxCreate_v2"},
			{&a.cuCtxDestroy, "cuCtxDestroy_v2"},
			{&a.cuCtxSetCurrent, "cuCtxSetCurrent"},
			{&a.cuStreamCreate, "cuStreamCreate"},
			{&a.cuStreamDestroy, "cuStreamDestroy_v2"},
			{&a.cuStreamSynchronize, "cuStreamSynchronize"},
			{&a.cuMemAlloc, "cuMemAlloc_v2"},
			{&a.cuMemFree, "cuMemFree_v2"},
			{&a.cuMemHostAlloc, "cuMemHostAlloc"},
			{&a.cuMemFreeHost, "cuMemFreeHost"},
			{&a.cuMemHostRegister, "cuMemHostRegister_v2"},
			{&a.cuMemHostUnregister, "cuMemHostUnregister"},
			{&a.cuMemHostGetDevicePointer, "cuMemHostGetDevicePointer_v2"},
			{&a.cuMemGetInfo, "cuMemGetInfo_v2"},
			{&a.cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
			{&a.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2"},
			{&a.cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
			{&a.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2"},
			{&a.cuMemsetD8, "cuMemsetD8_v2"},
			{&a.cuMemsetD16, "cuMemsetD16_v2"},
			{&a.cuMemsetD32, "cuMemsetD32_v2"},
			{&a.cuModuleLoadDataEx, "cuModuleLoadDataEx"},
			{&a.cuModuleUnload, "cuModuleUnload"},
			{&a.cuModuleGetFunction, "cuModuleGetFunction"},
			{&a.cuFuncGetAttribute, "cuFuncGetAttribute"},
			{&a.cuLaunchKernel, "cuLaunchKernel"},
			{&a.cuGraphicsGLRegisterBuffer, "cuGraphicsGLRegisterBuffer"},
			{&a.cuGraphicsUnregisterResource, "cuGraphicsUnregisterResource"},
			{&a.cuGraphicsMapResources, "cuGraphicsMapResources"},
			{&a.cuGraphicsUnmapResources, "cuGraphicsUnmapResources"},
			{&a.cuGraphicsResourceGetMappedPointer, "cuGraphicsResourceGetMappedPointer_v2"},
		}
		for _, s := range symbols {
			sym, err := purego.Dlsym(lib, s.name)
			if err != nil {
				loadErr = fmt.Errorf("%w: missing symbol %s: %v", driver.ErrNotLoaded, s.name, err)
				return
			}
			purego.RegisterFunc(s.fn, sym)
		}
		loaded = a
	})
	return loaded, loadErr
}

// Available reports whether libcuda can be loaded on this system.
func Available() bool {
	_, err := load()
	return err == nil
}

// Driver is the libcuda-backed driver.Driver.
type Driver struct {
	api    *api
	logger *zap.Logger
}

var _ driver.Driver = (*Driver)(nil)

// Open loads libcuda. It fails with driver.ErrNotLoaded when the library or one of the
// required entry points is missing.
func Open(logger *zap.Logger) (driver.Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a, err := load()
	if err != nil {
		return nil, err
	}
	d := &Driver{api: a, logger: logger.Named("driver.cuda")}
	d.logger.Debug("Loaded CUDA driver library")
	return d, nil
}

func (d *Driver) Name() string { return "cuda" }

func hostPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

func (d *Driver) Init(flags uint32) error {
	return driver.Check(d.api.cuInit(flags), "cuInit")
}

func (d *Driver) DriverGetVersion() (int, error) {
	var v int32
	err := driver.Check(d.api.cuDriverGetVersion(&v), "cuDriverGetVersion")
	return int(v), err
}

func (d *Driver) DeviceGetCount() (int, error) {
	var n int32
	err := driver.Check(d.api.cuDeviceGetCount(&n), "cuDeviceGetCount")
	return int(n), err
}

func (d *Driver) DeviceGet(ordinal int) (driver.Device, error) {
	var dev int32
	err := driver.Check(d.api.cuDeviceGet(&dev, int32(ordinal)), "cuDeviceGet")
	return driver.Device(dev), err
}

func (d *Driver) DeviceGetName(dev driver.Device) (string, error) {
	buf := make([]byte, 256)
	if err := driver.Check(d.api.cuDeviceGetName(&buf[0], int32(len(buf)), int32(dev)), "cuDeviceGetName"); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

func (d *Driver) DeviceComputeCapability(dev driver.Device) (int, int, error) {
	var major, minor int32
	err := driver.Check(d.api.cuDeviceComputeCapability(&major, &minor, int32(dev)), "cuDeviceComputeCapability")
	return int(major), int(minor), err
}

func (d *Driver) DeviceTotalMem(dev driver.Device) (uint64, error) {
	var n uint64
	err := driver.Check(d.api.cuDeviceTotalMem(&n, int32(dev)), "cuDeviceTotalMem_v2")
	return n, err
}

func (d *Driver) DeviceGetAttribute(attr driver.Attribute, dev driver.Device) (int, error) {
	var v int32
	err := driver.Check(d.api.cuDeviceGetAttribute(&v, int32(attr), int32(dev)), "cuDeviceGetAttribute")
	return int(v), err
}

func (d *Driver) CtxCreate(flags uint32, dev driver.Device) (driver.Context, error) {
	var ctx uintptr
	err := driver.Check(d.api.cuCtxCreate(&ctx, flags, int32(dev)), "cuCtxCreate_v2")
	return driver.Context(ctx), err
}

func (d *Driver) CtxDestroy(ctx driver.Context) error {
	return driver.Check(d.api.cuCtxDestroy(uintptr(ctx)), "cuCtxDestroy_v2")
}

func (d *Driver) CtxSetCurrent(ctx driver.Context) error {
	return driver.Check(d.api.cuCtxSetCurrent(uintptr(ctx)), "cuCtxSetCurrent")
}

func (d *Driver) StreamCreate(flags uint32) (driver.Stream, error) {
	var s uintptr
	err := driver.Check(d.api.cuStreamCreate(&s, flags), "cuStreamCreate")
	return driver.Stream(s), err
}

func (d *Driver) StreamDestroy(s driver.Stream) error {
	return driver.Check(d.api.cuStreamDestroy(uintptr(s)), "cuStreamDestroy_v2")
}

func (d *Driver) StreamSynchronize(s driver.Stream) error {
	return driver.Check(d.api.cuStreamSynchronize(uintptr(s)), "cuStreamSynchronize")
}

func (d *Driver) MemAlloc(size uint64) (driver.DevicePtr, error) {
	var p uint64
	err := driver.Check(d.api.cuMemAlloc(&p, size), "cuMemAlloc_v2")
	return driver.DevicePtr(p), err
}

func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	return driver.Check(d.api.cuMemFree(uint64(ptr)), "cuMemFree_v2")
}

func (d *Driver) MemHostAlloc(size uint64, flags uint32) ([]byte, error) {
	var p unsafe.Pointer
	if err := driver.Check(d.api.cuMemHostAlloc(&p, size, flags), "cuMemHostAlloc"); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (d *Driver) MemFreeHost(host []byte) error {
	return driver.Check(d.api.cuMemFreeHost(hostPtr(host)), "cuMemFreeHost")
}

func (d *Driver) MemHostRegister(host []byte, flags uint32) error {
	return driver.Check(d.api.cuMemHostRegister(hostPtr(host), uint64(len(host)), flags), "cuMemHostRegister_v2")
}

func (d *Driver) MemHostUnregister(host []byte) error {
	return driver.Check(d.api.cuMemHostUnregister(hostPtr(host)), "cuMemHostUnregister")
}

func (d *Driver) MemHostGetDevicePointer(host []byte) (driver.DevicePtr, error) {
	var p uint64
	err := driver.Check(d.api.cuMemHostGetDevicePointer(&p, hostPtr(host), 0), "cuMemHostGetDevicePointer_v2")
	return driver.DevicePtr(p), err
}

func (d *Driver) MemGetInfo() (uint64, uint64, error) {
	var free, total uint64
	err := driver.Check(d.api.cuMemGetInfo(&free, &total), "cuMemGetInfo_v2")
	return free, total, err
}

func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	return driver.Check(d.api.cuMemcpyHtoD(uint64(dst), hostPtr(src), uint64(len(src))), "cuMemcpyHtoD_v2")
}

func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src []byte, s driver.Stream) error {
	return driver.Check(d.api.cuMemcpyHtoDAsync(uint64(dst), hostPtr(src), uint64(len(src)), uintptr(s)), "cuMemcpyHtoDAsync_v2")
}

func (d *Driver) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	return driver.Check(d.api.cuMemcpyDtoH(hostPtr(dst), uint64(src), uint64(len(dst))), "cuMemcpyDtoH_v2")
}

func (d *Driver) MemcpyDtoHAsync(dst []byte, src driver.DevicePtr, s driver.Stream) error {
	return driver.Check(d.api.cuMemcpyDtoHAsync(hostPtr(dst), uint64(src), uint64(len(dst)), uintptr(s)), "cuMemcpyDtoHAsync_v2")
}

func (d *Driver) MemsetD8(dst driver.DevicePtr, v uint8, n uint64) error {
	return driver.Check(d.api.cuMemsetD8(uint64(dst), v, n), "cuMemsetD8_v2")
}

func (d *Driver) MemsetD16(dst driver.DevicePtr, v uint16, n uint64) error {
	return driver.Check(d.api.cuMemsetD16(uint64(dst), v, n), "cuMemsetD16_v2")
}

func (d *Driver) MemsetD32(dst driver.DevicePtr, v uint32, n uint64) error {
	return driver.Check(d.api.cuMemsetD32(uint64(dst), v, n), "cuMemsetD32_v2")
}

func (d *Driver) ModuleLoadDataEx(image []byte, target driver.JITTarget) (driver.Module, error) {
	// PTX images are loaded as C strings.
	img := append(append([]byte(nil), image...), 0)
	opts := []int32{jitTarget}
	vals := []uintptr{uintptr(target)}
	var m uintptr
	err := driver.Check(d.api.cuModuleLoadDataEx(&m, unsafe.Pointer(&img[0]), 1, &opts[0], &vals[0]), "cuModuleLoadDataEx")
	runtime.KeepAlive(img)
	return driver.Module(m), err
}

func (d *Driver) ModuleUnload(m driver.Module) error {
	return driver.Check(d.api.cuModuleUnload(uintptr(m)), "cuModuleUnload")
}

func (d *Driver) ModuleGetFunction(m driver.Module, name string) (driver.Function, error) {
	var f uintptr
	cname := cstring(name)
	err := driver.Check(d.api.cuModuleGetFunction(&f, uintptr(m), &cname[0]), "cuModuleGetFunction")
	return driver.Function(f), err
}

func (d *Driver) FuncGetAttribute(attr driver.FuncAttribute, f driver.Function) (int, error) {
	var v int32
	err := driver.Check(d.api.cuFuncGetAttribute(&v, int32(attr), uintptr(f)), "cuFuncGetAttribute")
	return int(v), err
}

// LaunchKernel passes params as the kernelParams array. The driver copies parameter
// values during the call, so the pins are released on return.
func (d *Driver) LaunchKernel(f driver.Function, grid, block driver.Dim3, sharedMem uint32, s driver.Stream, params [][]byte) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	var argv *unsafe.Pointer
	if len(params) > 0 {
		ptrs := make([]unsafe.Pointer, len(params))
		for i, p := range params {
			if len(p) == 0 {
				return driver.Check(driver.ErrorInvalidValue, "cuLaunchKernel")
			}
			pinner.Pin(&p[0])
			ptrs[i] = unsafe.Pointer(&p[0])
		}
		pinner.Pin(&ptrs[0])
		argv = &ptrs[0]
	}
	r := d.api.cuLaunchKernel(uintptr(f), grid.X, grid.Y, grid.Z, block.X, block.Y, block.Z, sharedMem, uintptr(s), argv, nil)
	return driver.Check(r, "cuLaunchKernel")
}

func (d *Driver) GraphicsGLRegisterBuffer(glBuffer uint32, flags uint32) (driver.GraphicsResource, error) {
	var r uintptr
	err := driver.Check(d.api.cuGraphicsGLRegisterBuffer(&r, glBuffer, flags), "cuGraphicsGLRegisterBuffer")
	return driver.GraphicsResource(r), err
}

func (d *Driver) GraphicsUnregisterResource(r driver.GraphicsResource) error {
	return driver.Check(d.api.cuGraphicsUnregisterResource(uintptr(r)), "cuGraphicsUnregisterResource")
}

func (d *Driver) GraphicsMapResources(r driver.GraphicsResource, s driver.Stream) error {
	res := uintptr(r)
	return driver.Check(d.api.cuGraphicsMapResources(1, &res, uintptr(s)), "cuGraphicsMapResources")
}

func (d *Driver) GraphicsUnmapResources(r driver.GraphicsResource, s driver.Stream) error {
	res := uintptr(r)
	return driver.Check(d.api.cuGraphicsUnmapResources(1, &res, uintptr(s)), "cuGraphicsUnmapResources")
}

func (d *Driver) GraphicsResourceGetMappedPointer(r driver.GraphicsResource) (driver.DevicePtr, uint64, error) {
	var p, size uint64
	err := driver.Check(d.api.cuGraphicsResourceGetMappedPointer(&p, &size, uintptr(r)), "cuGraphicsResourceGetMappedPointer_v2")
	return driver.DevicePtr(p), size, err
}
