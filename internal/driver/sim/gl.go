package sim

import (
	"github.com/fxnlabs/cudacl/internal/driver"
)

type glResource struct {
	name   uint32
	flags  uint32
	mapped *allocation
}

type glState struct {
	nextName  uint32
	buffers   map[uint32][]byte
	resources map[driver.GraphicsResource]*glResource
}

func newGLState() *glState {
	return &glState{
		buffers:   make(map[uint32][]byte),
		resources: make(map[driver.GraphicsResource]*glResource),
	}
}

// CreateGLBuffer emulates glGenBuffers+glBufferData and returns the buffer name.
func (d *Driver) CreateGLBuffer(size int) uint32 {
	d.gl.nextName++
	d.gl.buffers[d.gl.nextName] = make([]byte, size)
	return d.gl.nextName
}

// GLBufferData returns the storage behind an emulated GL buffer.
func (d *Driver) GLBufferData(name uint32) []byte {
	return d.gl.buffers[name]
}

// MappedResources reports how many graphics resources are currently mapped.
func (d *Driver) MappedResources() int {
	n := 0
	for _, r := range d.gl.resources {
		if r.mapped != nil {
			n++
		}
	}
	return n
}

func (d *Driver) GraphicsGLRegisterBuffer(glBuffer uint32, flags uint32) (driver.GraphicsResource, error) {
	if _, err := d.enterCtx("cuGraphicsGLRegisterBuffer"); err != nil {
		return 0, err
	}
	if _, ok := d.gl.buffers[glBuffer]; !ok || flags > driver.GraphicsRegisterWriteDiscard {
		return 0, fail(driver.ErrorInvalidValue, "cuGraphicsGLRegisterBuffer")
	}
	h := driver.GraphicsResource(d.handle())
	d.gl.resources[h] = &glResource{name: glBuffer, flags: flags}
	return h, nil
}

func (d *Driver) GraphicsUnregisterResource(r driver.GraphicsResource) error {
	if err := d.enterInit("cuGraphicsUnregisterResource"); err != nil {
		return err
	}
	res, ok := d.gl.resources[r]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuGraphicsUnregisterResource")
	}
	if res.mapped != nil {
		delete(d.mem.allocs, res.mapped.base)
	}
	delete(d.gl.resources, r)
	return nil
}

func (d *Driver) GraphicsMapResources(r driver.GraphicsResource, s driver.Stream) error {
	if _, err := d.enterCtx("cuGraphicsMapResources"); err != nil {
		return err
	}
	res, ok := d.gl.resources[r]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuGraphicsMapResources")
	}
	if res.mapped != nil {
		return fail(driver.ErrorAlreadyMapped, "cuGraphicsMapResources")
	}
	if err := d.drainAll(); err != nil {
		return err
	}
	res.mapped = d.mem.add(d.gl.buffers[res.name], kindGraphics, nil)
	return nil
}

func (d *Driver) GraphicsUnmapResources(r driver.GraphicsResource, s driver.Stream) error {
	if _, err := d.enterCtx("cuGraphicsUnmapResources"); err != nil {
		return err
	}
	res, ok := d.gl.resources[r]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuGraphicsUnmapResources")
	}
	if res.mapped == nil {
		return fail(driver.ErrorNotMapped, "cuGraphicsUnmapResources")
	}
	if err := d.drainAll(); err != nil {
		return err
	}
	delete(d.mem.allocs, res.mapped.base)
	res.mapped = nil
	return nil
}

func (d *Driver) GraphicsResourceGetMappedPointer(r driver.GraphicsResource) (driver.DevicePtr, uint64, error) {
	if _, err := d.enterCtx("cuGraphicsResourceGetMappedPointer_v2"); err != nil {
		return 0, 0, err
	}
	res, ok := d.gl.resources[r]
	if !ok {
		return 0, 0, fail(driver.ErrorInvalidHandle, "cuGraphicsResourceGetMappedPointer_v2")
	}
	if res.mapped == nil {
		return 0, 0, fail(driver.ErrorNotMappedAsPointer, "cuGraphicsResourceGetMappedPointer_v2")
	}
	return res.mapped.base, uint64(len(res.mapped.data)), nil
}
