package compute

import (
	"encoding/binary"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

// SetKernelRange sets the global and local work sizes of the current kernel.
func (h *Host) SetKernelRange(global, local [3]uint32) bool {
	const op = "SetKernelRange"
	err := h.ready(op)
	if err == nil && h.current == nil {
		err = resourcef(op, "no current kernel")
	}
	if err != nil {
		h.report(op, err)
		return false
	}
	h.current.global, h.current.local = global, local
	return true
}

// launchDims converts OpenCL work sizes into a grid and block. The driver rejects zero
// dimensions, so every dimension is at least 1.
func launchDims(global, local [3]uint32) (grid, block driver.Dim3) {
	var g, b [3]uint32
	for i := range global {
		b[i] = max(local[i], 1)
		g[i] = max((global[i]+b[i]-1)/b[i], 1)
	}
	return driver.Dim3{X: g[0], Y: g[1], Z: g[2]}, driver.Dim3{X: b[0], Y: b[1], Z: b[2]}
}

// RunKernel launches a kernel on the active device's stream. It refuses to launch while
// any argument is unset.
func (h *Host) RunKernel(id KernelID) bool {
	err := h.runKernel(id)
	h.report("RunKernel", err, zap.Uint64("kernel", uint64(id)))
	return err == nil
}

func (h *Host) runKernel(id KernelID) (err error) {
	const op = "RunKernel"
	if err := h.ready(op); err != nil {
		return err
	}
	k, ok := h.kernels[id]
	if !ok {
		return resourcef(op, "kernel %d is not live", id)
	}

	var missing error
	for i, set := range k.argSet {
		if !set {
			missing = multierr.Append(missing, validationf(op, "argument %d of %s not set", i, k.identifier))
		}
	}
	if missing != nil {
		metrics.KernelLaunches.WithLabelValues("unbound").Inc()
		return missing
	}

	var shared []*buffer
	defer func() {
		for _, b := range shared {
			err = multierr.Append(err, h.driverError(op, h.releaseGL(b)))
		}
	}()

	seen := make(map[BufferID]bool)
	for slot, bid := range k.bufferArgs {
		if bid == 0 {
			continue
		}
		b, err := h.lookup(op, bid)
		if err != nil {
			return err
		}
		first := !seen[bid]
		seen[bid] = true

		if first && b.flags&CopyOnUse != 0 && b.mode == ModeDevice {
			if err := h.writeBuffer(bid, b.host, 0, 0); err != nil {
				return err
			}
		}
		if b.mode == ModeGLInterop {
			if first && !b.gl.manual {
				if err := h.acquireGL(b); err != nil {
					return h.driverError(op, err)
				}
				shared = append(shared, b)
			}
			if !b.gl.mapped {
				return resourcef(op, "GL buffer %d is not acquired", bid)
			}
			// the mapped address can change between acquisitions
			k.slots[slot] = binary.LittleEndian.AppendUint64(nil, uint64(b.ptr))
		}
	}

	grid, block := launchDims(k.global, k.local)
	if err := h.drv.LaunchKernel(k.function, grid, block, 0, h.active.stream, k.slots); err != nil {
		metrics.KernelLaunches.WithLabelValues("failed").Inc()
		return h.driverError(op, err)
	}
	metrics.KernelLaunches.WithLabelValues("ok").Inc()

	var remove []BufferID
	for _, bid := range uniqueBuffers(k.bufferArgs) {
		b := h.buffers[bid]
		if b.flags&ReadBackResult != 0 && b.mode == ModeDevice {
			if err := h.readBuffer(b.host, bid, 0, 0); err != nil {
				return err
			}
		}
		if b.flags&DeleteAfterUse != 0 {
			remove = append(remove, bid)
		}
	}
	for _, bid := range remove {
		if b := h.buffers[bid]; b.mode == ModeGLInterop {
			// deleting releases it
			shared = slices.DeleteFunc(shared, func(x *buffer) bool { return x == b })
		}
		err = multierr.Append(err, h.deleteBuffer(bid))
	}
	return err
}

func uniqueBuffers(ids []BufferID) []BufferID {
	seen := make(map[BufferID]bool, len(ids))
	var out []BufferID
	for _, id := range ids {
		if id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (h *Host) acquireGL(b *buffer) error {
	if b.gl.mapped {
		return nil
	}
	if err := h.drv.GraphicsMapResources(b.gl.resource, h.active.stream); err != nil {
		return err
	}
	ptr, size, err := h.drv.GraphicsResourceGetMappedPointer(b.gl.resource)
	if err != nil {
		return multierr.Append(err, h.drv.GraphicsUnmapResources(b.gl.resource, h.active.stream))
	}
	b.ptr, b.size, b.gl.mapped = ptr, size, true
	return nil
}

func (h *Host) releaseGL(b *buffer) error {
	if !b.gl.mapped {
		return nil
	}
	b.gl.mapped = false
	return h.drv.GraphicsUnmapResources(b.gl.resource, h.active.stream)
}

// resolveGL acquires a GL buffer being bound as an argument so its device address is known.
func (h *Host) resolveGL(op string, b *buffer) error {
	return h.driverError(op, h.acquireGL(b))
}

func (h *Host) glBuffer(op string, id BufferID) (*buffer, error) {
	if err := h.ready(op); err != nil {
		return nil, err
	}
	b, err := h.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if b.mode != ModeGLInterop {
		return nil, resourcef(op, "buffer %d is not a GL buffer", id)
	}
	return b, nil
}

// AcquireGLBuffer maps a GL buffer for device use.
func (h *Host) AcquireGLBuffer(id BufferID) bool {
	const op = "AcquireGLBuffer"
	b, err := h.glBuffer(op, id)
	if err == nil {
		err = h.driverError(op, h.acquireGL(b))
	}
	h.report(op, err, zap.Uint64("buffer", uint64(id)))
	return err == nil
}

// ReleaseGLBuffer hands a GL buffer back to OpenGL.
func (h *Host) ReleaseGLBuffer(id BufferID) bool {
	const op = "ReleaseGLBuffer"
	b, err := h.glBuffer(op, id)
	if err == nil {
		err = h.driverError(op, h.releaseGL(b))
	}
	h.report(op, err, zap.Uint64("buffer", uint64(id)))
	return err == nil
}

// SetManualGLSharing stops RunKernel from acquiring and releasing the GL buffer; the
// caller does it with AcquireGLBuffer and ReleaseGLBuffer instead.
func (h *Host) SetManualGLSharing(id BufferID, manual bool) bool {
	const op = "SetManualGLSharing"
	b, err := h.glBuffer(op, id)
	if err != nil {
		h.report(op, err, zap.Uint64("buffer", uint64(id)))
		return false
	}
	b.gl.manual = manual
	return true
}
