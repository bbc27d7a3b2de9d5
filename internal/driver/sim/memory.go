package sim

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/cudacl/internal/driver"
)

const (
	// allocAlignment matches the driver's minimum device allocation granularity.
	allocAlignment = 256
	baseAddress    = driver.DevicePtr(0x7f0000000000)
)

type allocKind int

const (
	kindDevice allocKind = iota
	kindHostAlloc
	kindHostRegistered
	kindGraphics
)

type allocation struct {
	base driver.DevicePtr
	data []byte
	kind allocKind
	dev  *device
}

type memory struct {
	next   driver.DevicePtr
	allocs map[driver.DevicePtr]*allocation
	// host maps the first byte of host allocations and registrations to their mapping.
	host map[*byte]*allocation
}

func newMemory() *memory {
	return &memory{
		next:   baseAddress,
		allocs: make(map[driver.DevicePtr]*allocation),
		host:   make(map[*byte]*allocation),
	}
}

func alignUp(n uint64) uint64 {
	return (n + allocAlignment - 1) &^ (allocAlignment - 1)
}

func (m *memory) add(data []byte, kind allocKind, dev *device) *allocation {
	a := &allocation{base: m.next, data: data, kind: kind, dev: dev}
	m.allocs[a.base] = a
	m.next += driver.DevicePtr(max(alignUp(uint64(len(data))), allocAlignment))
	return a
}

// resolve returns the n bytes of simulated memory starting at ptr.
func (m *memory) resolve(ptr driver.DevicePtr, n uint64, call string) ([]byte, error) {
	for _, a := range m.allocs {
		if ptr < a.base || ptr >= a.base+driver.DevicePtr(len(a.data)) {
			continue
		}
		off := uint64(ptr - a.base)
		if n > uint64(len(a.data))-off {
			return nil, fail(driver.ErrorInvalidValue, call)
		}
		return a.data[off : off+n], nil
	}
	return nil, fail(driver.ErrorInvalidValue, call)
}

// Resolve exposes simulated device memory to kernels and tests.
func (d *Driver) Resolve(ptr driver.DevicePtr, n uint64) ([]byte, error) {
	return d.mem.resolve(ptr, n, "resolve")
}

// ResolveTail returns the bytes from ptr to the end of its allocation.
func (d *Driver) ResolveTail(ptr driver.DevicePtr) ([]byte, error) {
	for _, a := range d.mem.allocs {
		if ptr >= a.base && ptr < a.base+driver.DevicePtr(len(a.data)) {
			return a.data[ptr-a.base:], nil
		}
	}
	return nil, fail(driver.ErrorInvalidValue, "resolve")
}

// DeviceAllocations reports the number of live device-memory allocations.
func (d *Driver) DeviceAllocations() int {
	n := 0
	for _, a := range d.mem.allocs {
		if a.kind == kindDevice {
			n++
		}
	}
	return n
}

func (d *Driver) MemAlloc(size uint64) (driver.DevicePtr, error) {
	c, err := d.enterCtx("cuMemAlloc_v2")
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fail(driver.ErrorInvalidValue, "cuMemAlloc_v2")
	}
	if c.dev.used+alignUp(size) > c.dev.spec.TotalMem {
		return 0, fail(driver.ErrorOutOfMemory, "cuMemAlloc_v2")
	}
	c.dev.used += alignUp(size)
	return d.mem.add(make([]byte, size), kindDevice, c.dev).base, nil
}

func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	if _, err := d.enterCtx("cuMemFree_v2"); err != nil {
		return err
	}
	a, ok := d.mem.allocs[ptr]
	if !ok || a.kind != kindDevice {
		return fail(driver.ErrorInvalidValue, "cuMemFree_v2")
	}
	a.dev.used -= alignUp(uint64(len(a.data)))
	delete(d.mem.allocs, ptr)
	return nil
}

func (d *Driver) MemHostAlloc(size uint64, flags uint32) ([]byte, error) {
	if _, err := d.enterCtx("cuMemHostAlloc"); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fail(driver.ErrorInvalidValue, "cuMemHostAlloc")
	}
	buf := make([]byte, size)
	d.mem.host[&buf[0]] = d.mem.add(buf, kindHostAlloc, nil)
	return buf, nil
}

func (d *Driver) MemFreeHost(host []byte) error {
	if _, err := d.enterCtx("cuMemFreeHost"); err != nil {
		return err
	}
	if len(host) == 0 {
		return fail(driver.ErrorInvalidValue, "cuMemFreeHost")
	}
	a, ok := d.mem.host[&host[0]]
	if !ok || a.kind != kindHostAlloc {
		return fail(driver.ErrorInvalidValue, "cuMemFreeHost")
	}
	delete(d.mem.host, &host[0])
	delete(d.mem.allocs, a.base)
	return nil
}

func (d *Driver) MemHostRegister(host []byte, flags uint32) error {
	if _, err := d.enterCtx("cuMemHostRegister_v2"); err != nil {
		return err
	}
	if len(host) == 0 {
		return fail(driver.ErrorInvalidValue, "cuMemHostRegister_v2")
	}
	if _, ok := d.mem.host[&host[0]]; ok {
		return fail(driver.ErrorHostMemoryAlreadyRegistered, "cuMemHostRegister_v2")
	}
	d.mem.host[&host[0]] = d.mem.add(host, kindHostRegistered, nil)
	return nil
}

func (d *Driver) MemHostUnregister(host []byte) error {
	if _, err := d.enterCtx("cuMemHostUnregister"); err != nil {
		return err
	}
	if len(host) == 0 {
		return fail(driver.ErrorInvalidValue, "cuMemHostUnregister")
	}
	a, ok := d.mem.host[&host[0]]
	if !ok || a.kind != kindHostRegistered {
		return fail(driver.ErrorHostMemoryNotRegistered, "cuMemHostUnregister")
	}
	delete(d.mem.host, &host[0])
	delete(d.mem.allocs, a.base)
	return nil
}

func (d *Driver) MemHostGetDevicePointer(host []byte) (driver.DevicePtr, error) {
	if _, err := d.enterCtx("cuMemHostGetDevicePointer_v2"); err != nil {
		return 0, err
	}
	if len(host) == 0 {
		return 0, fail(driver.ErrorInvalidValue, "cuMemHostGetDevicePointer_v2")
	}
	a, ok := d.mem.host[&host[0]]
	if !ok {
		return 0, fail(driver.ErrorInvalidValue, "cuMemHostGetDevicePointer_v2")
	}
	return a.base, nil
}

func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	if _, err := d.enterCtx("cuMemcpyHtoD_v2"); err != nil {
		return err
	}
	if err := d.drainAll(); err != nil {
		return err
	}
	mem, err := d.mem.resolve(dst, uint64(len(src)), "cuMemcpyHtoD_v2")
	if err != nil {
		return err
	}
	copy(mem, src)
	return nil
}

func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src []byte, s driver.Stream) error {
	if _, err := d.enterCtx("cuMemcpyHtoDAsync_v2"); err != nil {
		return err
	}
	if _, err := d.mem.resolve(dst, uint64(len(src)), "cuMemcpyHtoDAsync_v2"); err != nil {
		return err
	}
	return d.enqueue(s, "cuMemcpyHtoDAsync_v2", func() error {
		mem, err := d.mem.resolve(dst, uint64(len(src)), "cuMemcpyHtoDAsync_v2")
		if err != nil {
			return err
		}
		copy(mem, src)
		return nil
	})
}

func (d *Driver) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	if _, err := d.enterCtx("cuMemcpyDtoH_v2"); err != nil {
		return err
	}
	if err := d.drainAll(); err != nil {
		return err
	}
	mem, err := d.mem.resolve(src, uint64(len(dst)), "cuMemcpyDtoH_v2")
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

func (d *Driver) MemcpyDtoHAsync(dst []byte, src driver.DevicePtr, s driver.Stream) error {
	if _, err := d.enterCtx("cuMemcpyDtoHAsync_v2"); err != nil {
		return err
	}
	if _, err := d.mem.resolve(src, uint64(len(dst)), "cuMemcpyDtoHAsync_v2"); err != nil {
		return err
	}
	return d.enqueue(s, "cuMemcpyDtoHAsync_v2", func() error {
		mem, err := d.mem.resolve(src, uint64(len(dst)), "cuMemcpyDtoHAsync_v2")
		if err != nil {
			return err
		}
		copy(dst, mem)
		return nil
	})
}

func (d *Driver) memset(call string, dst driver.DevicePtr, width, n uint64, put func([]byte)) error {
	if _, err := d.enterCtx(call); err != nil {
		return err
	}
	if err := d.drainAll(); err != nil {
		return err
	}
	if n > math.MaxUint64/width {
		return fail(driver.ErrorInvalidValue, call)
	}
	mem, err := d.mem.resolve(dst, n*width, call)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		put(mem[i*width : (i+1)*width])
	}
	return nil
}

func (d *Driver) MemsetD8(dst driver.DevicePtr, v uint8, n uint64) error {
	return d.memset("cuMemsetD8_v2", dst, 1, n, func(b []byte) { b[0] = v })
}

func (d *Driver) MemsetD16(dst driver.DevicePtr, v uint16, n uint64) error {
	return d.memset("cuMemsetD16_v2", dst, 2, n, func(b []byte) {
		binary.LittleEndian.PutUint16(b, v)
	})
}

func (d *Driver) MemsetD32(dst driver.DevicePtr, v uint32, n uint64) error {
	return d.memset("cuMemsetD32_v2", dst, 4, n, func(b []byte) {
		binary.LittleEndian.PutUint32(b, v)
	})
}
