package compute

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

// mapping is a host staging copy of a buffer range, keyed by its first byte.
type mapping struct {
	buffer   BufferID
	ptr      driver.DevicePtr
	offset   uint64
	staging  []byte
	access   MapFlag
	blocking bool
}

// MapBuffer returns a host view of size bytes at offset. With read access the view is
// filled from the device, synchronously if MapBlock is set and otherwise once the active
// stream has been drained. Write access uploads the view on UnmapBuffer.
func (h *Host) MapBuffer(id BufferID, access MapFlag, offset, size uint64) []byte {
	view, err := h.mapBuffer(id, access, offset, size)
	h.report("MapBuffer", err, zap.Uint64("buffer", uint64(id)), zap.Uint32("access", uint32(access)), zap.Uint64("offset", offset), zap.Uint64("size", size))
	return view
}

func (h *Host) mapBuffer(id BufferID, access MapFlag, offset, size uint64) (view []byte, err error) {
	const op = "MapBuffer"
	if err := h.ready(op); err != nil {
		return nil, err
	}
	if access&MapReadWrite != 0 && access&MapWriteInvalidate != 0 {
		return nil, validationf(op, "read or write access and write-invalidate are mutually exclusive")
	}
	if access&(MapReadWrite|MapWriteInvalidate) == 0 {
		access |= MapRead
	}
	b, err := h.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if b.mode == ModeGLInterop && !b.gl.mapped {
		return nil, resourcef(op, "GL buffer %d must be acquired before mapping", id)
	}
	n, err := h.span(op, b, offset, size)
	if err != nil {
		return nil, err
	}

	m := &mapping{
		buffer:   id,
		ptr:      b.ptr + driver.DevicePtr(offset),
		offset:   offset,
		staging:  make([]byte, n),
		access:   access,
		blocking: access&MapBlock != 0,
	}
	if access.reads() {
		if m.blocking {
			err = h.drv.MemcpyDtoH(m.staging, m.ptr)
		} else {
			err = h.drv.MemcpyDtoHAsync(m.staging, m.ptr, h.active.stream)
		}
		if err != nil {
			return nil, h.driverError(op, err)
		}
		metrics.TransferBytes.WithLabelValues(metrics.DeviceToHost).Add(float64(n))
	}

	h.mappings[&m.staging[0]] = m
	metrics.ActiveMappings.Set(float64(len(h.mappings)))
	return m.staging, nil
}

// UnmapBuffer ends a mapping returned by MapBuffer for the same buffer. Mappings with
// write access are uploaded synchronously.
func (h *Host) UnmapBuffer(id BufferID, view []byte) bool {
	err := h.unmapBuffer(id, view)
	h.report("UnmapBuffer", err, zap.Uint64("buffer", uint64(id)))
	return err == nil
}

func (h *Host) unmapBuffer(id BufferID, view []byte) error {
	const op = "UnmapBuffer"
	if err := h.ready(op); err != nil {
		return err
	}
	if len(view) == 0 {
		return resourcef(op, "not a mapped pointer")
	}
	m, ok := h.mappings[&view[0]]
	if !ok {
		return resourcef(op, "not a mapped pointer")
	}
	if m.buffer != id {
		return resourcef(op, "mapping belongs to buffer %d, not %d", m.buffer, id)
	}
	if _, err := h.lookup(op, id); err != nil {
		return err
	}

	delete(h.mappings, &view[0])
	metrics.ActiveMappings.Set(float64(len(h.mappings)))
	if !m.access.writes() {
		return nil
	}
	if err := h.drv.MemcpyHtoD(m.ptr, m.staging); err != nil {
		return h.driverError(op, err)
	}
	metrics.TransferBytes.WithLabelValues(metrics.HostToDevice).Add(float64(len(m.staging)))
	return nil
}

// CreateAndMapBuffer is CreateBuffer followed by MapBuffer. The buffer is kept if mapping
// fails.
func (h *Host) CreateAndMapBuffer(flags BufferFlag, size uint64, data []byte, access MapFlag, mapOffset, mapSize uint64) (BufferID, []byte) {
	id := h.CreateBuffer(flags, size, data)
	if id == 0 {
		return 0, nil
	}
	return id, h.MapBuffer(id, access, mapOffset, mapSize)
}

// ActiveMappings returns the number of mappings not yet unmapped.
func (h *Host) ActiveMappings() int {
	return len(h.mappings)
}
