package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"

	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

// KernelFunc executes a simulated kernel launch.
type KernelFunc func(l *Launch) error

// Launch is the execution environment handed to a KernelFunc.
type Launch struct {
	Name      string
	Grid      driver.Dim3
	Block     driver.Dim3
	SharedMem uint32
	Params    [][]byte

	d *Driver
}

// LaunchRecord is a launch as it was submitted.
type LaunchRecord struct {
	Name   string
	Grid   driver.Dim3
	Block  driver.Dim3
	Params [][]byte
	Stream driver.Stream
}

type module struct {
	entries map[string]bool
	target  driver.JITTarget
}

type function struct {
	module driver.Module
	name   string
	dev    *device
}

var entryPattern = regexp.MustCompile(`\.entry\s+([A-Za-z_$][\w$]*)`)

// RegisterKernel binds an entry point name to a Go implementation. Entries without an
// implementation still launch; they only show up in Launches.
func (d *Driver) RegisterKernel(name string, fn KernelFunc) {
	d.kernels[name] = fn
}

// Launches returns every launch submitted so far.
func (d *Driver) Launches() []LaunchRecord {
	return append([]LaunchRecord(nil), d.launches...)
}

// LiveModules reports the number of loaded modules.
func (d *Driver) LiveModules() int {
	return len(d.modules)
}

// ModuleTarget returns the JIT target m was loaded with.
func (d *Driver) ModuleTarget(m driver.Module) (driver.JITTarget, bool) {
	mod, ok := d.modules[m]
	if !ok {
		return 0, false
	}
	return mod.target, true
}

func (d *Driver) ModuleLoadDataEx(image []byte, target driver.JITTarget) (driver.Module, error) {
	if _, err := d.enterCtx("cuModuleLoadDataEx"); err != nil {
		return 0, err
	}
	matches := entryPattern.FindAllSubmatch(image, -1)
	if len(matches) == 0 {
		return 0, fail(driver.ErrorInvalidImage, "cuModuleLoadDataEx")
	}
	m := &module{entries: make(map[string]bool, len(matches)), target: target}
	for _, match := range matches {
		m.entries[string(match[1])] = true
	}
	h := driver.Module(d.handle())
	d.modules[h] = m
	return h, nil
}

func (d *Driver) ModuleUnload(m driver.Module) error {
	if err := d.enterInit("cuModuleUnload"); err != nil {
		return err
	}
	if _, ok := d.modules[m]; !ok {
		return fail(driver.ErrorInvalidHandle, "cuModuleUnload")
	}
	for h, f := range d.functions {
		if f.module == m {
			delete(d.functions, h)
		}
	}
	delete(d.modules, m)
	return nil
}

func (d *Driver) ModuleGetFunction(m driver.Module, name string) (driver.Function, error) {
	c, err := d.enterCtx("cuModuleGetFunction")
	if err != nil {
		return 0, err
	}
	mod, ok := d.modules[m]
	if !ok {
		return 0, fail(driver.ErrorInvalidHandle, "cuModuleGetFunction")
	}
	if !mod.entries[name] {
		return 0, fail(driver.ErrorNotFound, "cuModuleGetFunction")
	}
	h := driver.Function(d.handle())
	d.functions[h] = &function{module: m, name: name, dev: c.dev}
	return h, nil
}

func (d *Driver) FuncGetAttribute(attr driver.FuncAttribute, f driver.Function) (int, error) {
	if err := d.enterInit("cuFuncGetAttribute"); err != nil {
		return 0, err
	}
	fn, ok := d.functions[f]
	if !ok {
		return 0, fail(driver.ErrorInvalidHandle, "cuFuncGetAttribute")
	}
	if attr != driver.FuncAttrMaxThreadsPerBlock {
		return 0, fail(driver.ErrorInvalidValue, "cuFuncGetAttribute")
	}
	if v, ok := fn.dev.spec.Attributes[driver.AttrMaxThreadsPerBlock]; ok {
		return v, nil
	}
	return defaultAttributes[driver.AttrMaxThreadsPerBlock], nil
}

func (d *Driver) LaunchKernel(f driver.Function, grid, block driver.Dim3, sharedMem uint32, s driver.Stream, params [][]byte) error {
	if _, err := d.enterCtx("cuLaunchKernel"); err != nil {
		return err
	}
	fn, ok := d.functions[f]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuLaunchKernel")
	}
	if grid.X == 0 || grid.Y == 0 || grid.Z == 0 || block.X == 0 || block.Y == 0 || block.Z == 0 {
		return fail(driver.ErrorInvalidValue, "cuLaunchKernel")
	}
	if uint64(block.X)*uint64(block.Y)*uint64(block.Z) > uint64(defaultAttributes[driver.AttrMaxThreadsPerBlock]) {
		return fail(driver.ErrorInvalidValue, "cuLaunchKernel")
	}

	snapshot := make([][]byte, len(params))
	for i, p := range params {
		snapshot[i] = append([]byte(nil), p...)
	}
	d.launches = append(d.launches, LaunchRecord{Name: fn.name, Grid: grid, Block: block, Params: snapshot, Stream: s})

	impl := d.kernels[fn.name]
	if impl == nil {
		return d.enqueue(s, "cuLaunchKernel", func() error { return nil })
	}
	l := &Launch{Name: fn.name, Grid: grid, Block: block, SharedMem: sharedMem, Params: snapshot, d: d}
	return d.enqueue(s, "cuLaunchKernel", func() error {
		if err := impl(l); err != nil {
			d.logger.Debug("Simulated kernel failed", zap.String("kernel", l.Name), zap.Error(err))
			return fail(driver.ErrorLaunchFailed, "cuLaunchKernel")
		}
		return nil
	})
}

// Threads is the total number of work items in the launch.
func (l *Launch) Threads() int {
	return int(l.Grid.X*l.Block.X) * int(l.Grid.Y*l.Block.Y) * int(l.Grid.Z*l.Block.Z)
}

func (l *Launch) param(i, size int) ([]byte, error) {
	if i < 0 || i >= len(l.Params) {
		return nil, fmt.Errorf("%s: parameter %d out of range", l.Name, i)
	}
	if len(l.Params[i]) != size {
		return nil, fmt.Errorf("%s: parameter %d has %d bytes, want %d", l.Name, i, len(l.Params[i]), size)
	}
	return l.Params[i], nil
}

// Pointer reads parameter i as a device address.
func (l *Launch) Pointer(i int) (driver.DevicePtr, error) {
	p, err := l.param(i, 8)
	if err != nil {
		return 0, err
	}
	return driver.DevicePtr(binary.LittleEndian.Uint64(p)), nil
}

// Buffer resolves pointer parameter i to the simulated memory behind it, up to the end
// of the allocation.
func (l *Launch) Buffer(i int) ([]byte, error) {
	ptr, err := l.Pointer(i)
	if err != nil {
		return nil, err
	}
	return l.d.ResolveTail(ptr)
}

// Uint32 reads parameter i as a 4-byte unsigned integer.
func (l *Launch) Uint32(i int) (uint32, error) {
	p, err := l.param(i, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// Float32 reads parameter i as a 4-byte float.
func (l *Launch) Float32(i int) (float32, error) {
	v, err := l.Uint32(i)
	return math.Float32frombits(v), err
}
