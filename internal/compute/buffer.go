package compute

import (
	"bytes"
	"encoding/binary"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

// BufferID identifies a buffer. The zero value is never a live buffer.
type BufferID uint64

type buffer struct {
	id    BufferID
	flags BufferFlag
	mode  Mode
	size  uint64
	ptr   driver.DevicePtr
	// host is the caller's data, or the host allocation backing a host-allocated buffer.
	host []byte
	// parent is set for sub-buffers.
	parent BufferID
	gl     *glBinding
	// uses records the kernel slots this buffer is bound to.
	uses map[KernelID][]int
}

type glBinding struct {
	name     uint32
	resource driver.GraphicsResource
	// mapped is set between acquire and release; the buffer's ptr and size are only
	// meaningful while it is.
	mapped bool
	manual bool
}

func (h *Host) lookup(op string, id BufferID) (*buffer, error) {
	b, ok := h.buffers[id]
	if !ok {
		return nil, resourcef(op, "buffer %d is not live", id)
	}
	if b.mode == ModeSubBuffer {
		if _, ok := h.buffers[b.parent]; !ok {
			return nil, resourcef(op, "parent buffer %d of sub-buffer %d is not live", b.parent, id)
		}
	}
	return b, nil
}

func (h *Host) register(b *buffer) BufferID {
	h.nextBuffer++
	b.id = h.nextBuffer
	b.uses = make(map[KernelID][]int)
	h.buffers[b.id] = b
	h.live = append(h.live, b.id)
	metrics.LiveBuffers.Set(float64(len(h.live)))
	return b.id
}

// CreateBuffer allocates a buffer of size bytes. data, when given, must hold at least size
// bytes; depending on flags it is copied at creation, used as pinned host memory, or kept as
// the host mirror for CopyOnUse and ReadBackResult.
func (h *Host) CreateBuffer(flags BufferFlag, size uint64, data []byte) BufferID {
	id, err := h.createBuffer(flags, size, data)
	h.report("CreateBuffer", err, zap.Stringer("flags", flags), zap.Uint64("size", size))
	return id
}

func (h *Host) createBuffer(flags BufferFlag, size uint64, data []byte) (BufferID, error) {
	const op = "CreateBuffer"
	if err := h.ready(op); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, validationf(op, "size must be greater than 0")
	}
	if data != nil && uint64(len(data)) < size {
		return 0, validationf(op, "initial data holds %d bytes, buffer needs %d", len(data), size)
	}
	if data != nil {
		data = data[:size]
	}

	b := &buffer{flags: flags.normalize(data != nil), size: size, mode: ModeDevice, host: data}
	var err error
	switch {
	case b.flags&UseHostMemory != 0 && data != nil:
		b.mode = ModeHostRegistered
		if err = h.drv.MemHostRegister(data, driver.HostRegisterDeviceMap); err != nil {
			return 0, h.driverError(op, err)
		}
		if b.ptr, err = h.drv.MemHostGetDevicePointer(data); err != nil {
			return 0, h.driverError(op, multierr.Append(err, h.drv.MemHostUnregister(data)))
		}
	case b.flags&UseHostMemory != 0:
		b.mode = ModeHostAllocated
		allocFlags := driver.HostAllocDeviceMap
		if b.flags&ReadWrite == Read {
			allocFlags |= driver.HostAllocWriteCombined
		}
		if b.host, err = h.drv.MemHostAlloc(size, allocFlags); err != nil {
			return 0, h.driverError(op, err)
		}
		if b.ptr, err = h.drv.MemHostGetDevicePointer(b.host); err != nil {
			return 0, h.driverError(op, multierr.Append(err, h.drv.MemFreeHost(b.host)))
		}
	default:
		if b.ptr, err = h.drv.MemAlloc(size); err != nil {
			return 0, h.driverError(op, err)
		}
		h.allocated += size
		metrics.DeviceMemoryAllocated.Set(float64(h.allocated))
		if b.flags&InitialCopy != 0 {
			if err = h.drv.MemcpyHtoD(b.ptr, data); err != nil {
				h.allocated -= size
				metrics.DeviceMemoryAllocated.Set(float64(h.allocated))
				return 0, h.driverError(op, multierr.Append(err, h.drv.MemFree(b.ptr)))
			}
			metrics.TransferBytes.WithLabelValues(metrics.HostToDevice).Add(float64(size))
		}
	}
	return h.register(b), nil
}

// CreateSubBuffer creates a view of size bytes at offset into parent. No memory is
// allocated; the view must not be used after its parent is deleted.
func (h *Host) CreateSubBuffer(parent BufferID, flags BufferFlag, offset, size uint64) BufferID {
	id, err := h.createSubBuffer(parent, flags, offset, size)
	h.report("CreateSubBuffer", err, zap.Uint64("parent", uint64(parent)), zap.Uint64("offset", offset), zap.Uint64("size", size))
	return id
}

func (h *Host) createSubBuffer(parentID BufferID, flags BufferFlag, offset, size uint64) (BufferID, error) {
	const op = "CreateSubBuffer"
	if err := h.ready(op); err != nil {
		return 0, err
	}
	parent, err := h.lookup(op, parentID)
	if err != nil {
		return 0, err
	}
	if parent.mode == ModeGLInterop || parent.mode == ModeSubBuffer {
		return 0, resourcef(op, "buffer %d (%s) cannot be a sub-buffer parent", parentID, parent.mode)
	}
	if size == 0 || size > parent.size {
		return 0, validationf(op, "size %d must be > 0 and <= parent size %d", size, parent.size)
	}
	if offset >= parent.size || size > parent.size-offset {
		return 0, validationf(op, "offset %d + size %d exceeds parent size %d", offset, size, parent.size)
	}

	b := &buffer{
		flags:  flags.normalize(false),
		mode:   ModeSubBuffer,
		size:   size,
		ptr:    parent.ptr + driver.DevicePtr(offset),
		parent: parentID,
	}
	if parent.host != nil {
		b.host = parent.host[offset : offset+size]
	}
	return h.register(b), nil
}

// CreateGLBuffer shares the OpenGL buffer object glName with the device. The buffer's
// size is known once it has been acquired.
func (h *Host) CreateGLBuffer(flags BufferFlag, glName uint32) BufferID {
	id, err := h.createGLBuffer(flags, glName)
	h.report("CreateGLBuffer", err, zap.Uint32("gl_buffer", glName))
	return id
}

func (h *Host) createGLBuffer(flags BufferFlag, glName uint32) (BufferID, error) {
	const op = "CreateGLBuffer"
	if err := h.ready(op); err != nil {
		return 0, err
	}
	if glName == 0 {
		return 0, validationf(op, "GL buffer name must not be 0")
	}

	f := flags&(DeleteAfterUse|BlockOnRead|BlockOnWrite|ReadWrite) | OpenGLBuffer
	hint := driver.GraphicsRegisterNone
	switch flags & ReadWrite {
	case Read:
		hint = driver.GraphicsRegisterReadOnly
	case Write:
		hint = driver.GraphicsRegisterWriteDiscard
	case 0:
		f |= ReadWrite
	}

	res, err := h.drv.GraphicsGLRegisterBuffer(glName, hint)
	if err != nil {
		return 0, h.driverError(op, err)
	}
	return h.register(&buffer{flags: f, mode: ModeGLInterop, gl: &glBinding{name: glName, resource: res}}), nil
}

// DeleteBuffer unbinds the buffer from every kernel argument, drops its outstanding
// mappings and releases its memory.
func (h *Host) DeleteBuffer(id BufferID) bool {
	err := h.ready("DeleteBuffer")
	if err == nil {
		err = h.deleteBuffer(id)
	}
	h.report("DeleteBuffer", err, zap.Uint64("buffer", uint64(id)))
	return err == nil
}

func (h *Host) deleteBuffer(id BufferID) error {
	const op = "DeleteBuffer"
	b, ok := h.buffers[id]
	if !ok {
		return resourcef(op, "buffer %d is not live", id)
	}

	for kid, slots := range b.uses {
		k, ok := h.kernels[kid]
		if !ok {
			continue
		}
		for _, slot := range slots {
			if k.bufferArgs[slot] == id {
				k.unset(slot)
			}
		}
	}
	b.uses = nil

	for key, m := range h.mappings {
		if m.buffer == id {
			delete(h.mappings, key)
		}
	}
	metrics.ActiveMappings.Set(float64(len(h.mappings)))

	var err error
	switch b.mode {
	case ModeHostRegistered:
		err = h.drv.MemHostUnregister(b.host)
	case ModeHostAllocated:
		err = h.drv.MemFreeHost(b.host)
	case ModeDevice:
		err = h.drv.MemFree(b.ptr)
		h.allocated -= b.size
		metrics.DeviceMemoryAllocated.Set(float64(h.allocated))
	case ModeGLInterop:
		if b.gl.mapped {
			err = h.releaseGL(b)
		}
		err = multierr.Append(err, h.drv.GraphicsUnregisterResource(b.gl.resource))
	}

	delete(h.buffers, id)
	h.live = slices.DeleteFunc(h.live, func(l BufferID) bool { return l == id })
	metrics.LiveBuffers.Set(float64(len(h.live)))
	return h.driverError(op, err)
}

// span resolves offset and size against the buffer. A size of 0 means the rest of the
// buffer; ranges past the end are narrowed unless StrictBounds is set.
func (h *Host) span(op string, b *buffer, offset, size uint64) (uint64, error) {
	if b.size == 0 || offset >= b.size {
		return 0, validationf(op, "offset %d out of bounds for buffer %d of size %d", offset, b.id, b.size)
	}
	if size == 0 {
		return b.size - offset, nil
	}
	if size > b.size-offset {
		if h.opts.StrictBounds {
			return 0, validationf(op, "offset %d + size %d exceeds buffer %d of size %d", offset, size, b.id, b.size)
		}
		h.log.Warn("Range exceeds buffer, narrowing",
			zap.String("op", op),
			zap.Uint64("buffer", uint64(b.id)),
			zap.Uint64("offset", offset),
			zap.Uint64("size", size),
			zap.Uint64("narrowed_size", b.size-offset),
		)
		size = b.size - offset
	}
	return size, nil
}

// borrow makes b's device memory addressable: GL buffers that are not acquired are
// acquired for the duration of the operation. The returned func undoes that.
func (h *Host) borrow(op string, b *buffer) (func() error, error) {
	if b.mode != ModeGLInterop || b.gl.mapped {
		return func() error { return nil }, nil
	}
	if err := h.acquireGL(b); err != nil {
		return nil, h.driverError(op, err)
	}
	return func() error { return h.driverError(op, h.releaseGL(b)) }, nil
}

// WriteBuffer copies src into the buffer at offset. A size of 0 writes the whole buffer.
// Buffers flagged BlockOnWrite drain the stream and copy synchronously; otherwise the copy is
// queued and src must stay untouched until the stream has been drained.
func (h *Host) WriteBuffer(id BufferID, src []byte, offset, size uint64) bool {
	err := h.writeBuffer(id, src, offset, size)
	h.report("WriteBuffer", err, zap.Uint64("buffer", uint64(id)), zap.Uint64("offset", offset), zap.Uint64("size", size))
	return err == nil
}

func (h *Host) writeBuffer(id BufferID, src []byte, offset, size uint64) (err error) {
	const op = "WriteBuffer"
	if err := h.ready(op); err != nil {
		return err
	}
	b, err := h.lookup(op, id)
	if err != nil {
		return err
	}
	done, err := h.borrow(op, b)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, done()) }()

	n, err := h.span(op, b, offset, size)
	if err != nil {
		return err
	}
	if uint64(len(src)) < n {
		return validationf(op, "source holds %d bytes, %d requested", len(src), n)
	}

	dst := b.ptr + driver.DevicePtr(offset)
	if b.flags&BlockOnWrite != 0 {
		if err := h.finish(); err != nil {
			return err
		}
		err = h.drv.MemcpyHtoD(dst, src[:n])
	} else {
		err = h.drv.MemcpyHtoDAsync(dst, src[:n], h.active.stream)
	}
	if err != nil {
		return h.driverError(op, err)
	}
	metrics.TransferBytes.WithLabelValues(metrics.HostToDevice).Add(float64(n))
	return nil
}

// ReadBuffer copies buffer contents at offset into dst. A size of 0 reads the whole buffer.
// Buffers flagged BlockOnRead drain the stream and copy synchronously; otherwise dst is
// filled once the stream has been drained.
func (h *Host) ReadBuffer(dst []byte, id BufferID, offset, size uint64) bool {
	err := h.readBuffer(dst, id, offset, size)
	h.report("ReadBuffer", err, zap.Uint64("buffer", uint64(id)), zap.Uint64("offset", offset), zap.Uint64("size", size))
	return err == nil
}

func (h *Host) readBuffer(dst []byte, id BufferID, offset, size uint64) (err error) {
	const op = "ReadBuffer"
	if err := h.ready(op); err != nil {
		return err
	}
	b, err := h.lookup(op, id)
	if err != nil {
		return err
	}
	done, err := h.borrow(op, b)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, done()) }()

	n, err := h.span(op, b, offset, size)
	if err != nil {
		return err
	}
	if uint64(len(dst)) < n {
		return validationf(op, "destination holds %d bytes, %d requested", len(dst), n)
	}

	src := b.ptr + driver.DevicePtr(offset)
	if b.flags&BlockOnRead != 0 {
		if err := h.finish(); err != nil {
			return err
		}
		err = h.drv.MemcpyDtoH(dst[:n], src)
	} else {
		err = h.drv.MemcpyDtoHAsync(dst[:n], src, h.active.stream)
	}
	if err != nil {
		return h.driverError(op, err)
	}
	metrics.TransferBytes.WithLabelValues(metrics.DeviceToHost).Add(float64(n))
	return nil
}

// FillBuffer repeats pattern over size bytes at offset. offset and size must be multiples
// of the pattern length; a size of 0 fills the rest of the buffer.
func (h *Host) FillBuffer(id BufferID, pattern []byte, offset, size uint64) bool {
	err := h.fillBuffer(id, pattern, offset, size)
	h.report("FillBuffer", err, zap.Uint64("buffer", uint64(id)), zap.Int("pattern_size", len(pattern)), zap.Uint64("offset", offset), zap.Uint64("size", size))
	return err == nil
}

func (h *Host) fillBuffer(id BufferID, pattern []byte, offset, size uint64) (err error) {
	const op = "FillBuffer"
	if err := h.ready(op); err != nil {
		return err
	}
	p := uint64(len(pattern))
	if p == 0 {
		return validationf(op, "empty pattern")
	}
	if offset%p != 0 {
		return validationf(op, "offset %d is not a multiple of the pattern size %d", offset, p)
	}
	if size%p != 0 {
		return validationf(op, "size %d is not a multiple of the pattern size %d", size, p)
	}
	b, err := h.lookup(op, id)
	if err != nil {
		return err
	}
	done, err := h.borrow(op, b)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, done()) }()

	n, err := h.span(op, b, offset, size)
	if err != nil {
		return err
	}
	count := n / p
	dst := b.ptr + driver.DevicePtr(offset)
	switch p {
	case 1:
		err = h.drv.MemsetD8(dst, pattern[0], count)
	case 2:
		err = h.drv.MemsetD16(dst, binary.LittleEndian.Uint16(pattern), count)
	case 4:
		err = h.drv.MemsetD32(dst, binary.LittleEndian.Uint32(pattern), count)
	default:
		// no driver fill for this width: upload a host copy of the repeated pattern
		staging := bytes.Repeat(pattern, int(count))
		if err = h.drv.MemcpyHtoD(dst, staging); err == nil {
			metrics.TransferBytes.WithLabelValues(metrics.HostToDevice).Add(float64(len(staging)))
		}
	}
	return h.driverError(op, err)
}

// BufferSize returns the size of a live buffer, or 0.
func (h *Host) BufferSize(id BufferID) uint64 {
	if b, ok := h.buffers[id]; ok {
		return b.size
	}
	return 0
}

// BufferFlags returns the normalized flags of a live buffer, or 0.
func (h *Host) BufferFlags(id BufferID) BufferFlag {
	if b, ok := h.buffers[id]; ok {
		return b.flags
	}
	return 0
}

// BufferMode returns the ownership mode of a live buffer.
func (h *Host) BufferMode(id BufferID) (Mode, bool) {
	b, ok := h.buffers[id]
	if !ok {
		return 0, false
	}
	return b.mode, true
}

// LiveBuffers returns the live buffers in creation order.
func (h *Host) LiveBuffers() []BufferID {
	return append([]BufferID(nil), h.live...)
}
