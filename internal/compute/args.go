package compute

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/translate"
)

const pointerSize = 8

func (h *Host) currentKernel(op string, index int) (*kernel, error) {
	if err := h.ready(op); err != nil {
		return nil, err
	}
	k := h.current
	if k == nil {
		return nil, resourcef(op, "no current kernel")
	}
	if index < 0 || index >= len(k.argSet) {
		return nil, validationf(op, "argument index %d out of range, kernel %s has %d parameters", index, k.identifier, len(k.argSet))
	}
	return k, nil
}

// release clears a slot and its reverse association.
func (h *Host) release(k *kernel, index int) {
	if bid := k.bufferArgs[index]; bid != 0 {
		if b, ok := h.buffers[bid]; ok {
			b.uses[k.id] = removeSlot(b.uses[k.id], index)
			if len(b.uses[k.id]) == 0 {
				delete(b.uses, k.id)
			}
		}
	}
	k.unset(index)
}

// SetKernelArgumentBuffer binds a buffer to parameter index of the current kernel. A zero
// id binds a null pointer.
func (h *Host) SetKernelArgumentBuffer(index int, id BufferID) bool {
	err := h.setArgBuffer(index, id)
	h.report("SetKernelArgument", err, zap.Int("index", index), zap.Uint64("buffer", uint64(id)))
	return err == nil
}

func (h *Host) setArgBuffer(index int, id BufferID) error {
	const op = "SetKernelArgument"
	k, err := h.currentKernel(op, index)
	if err != nil {
		return err
	}
	t := k.info.ParamType(index)
	pointer := t == translate.Buffer || t.IsImage()
	if !pointer && t != translate.Sampler {
		return validationf(op, "parameter %d of %s is not a buffer", index, k.identifier)
	}

	var b *buffer
	if id != 0 && pointer {
		if b, err = h.lookup(op, id); err != nil {
			return err
		}
		if b.mode == ModeGLInterop {
			if err := h.resolveGL(op, b); err != nil {
				return err
			}
		}
	}
	h.release(k, index)

	// samplers and null buffers get a zeroed pointer-sized placeholder
	slot := make([]byte, pointerSize)
	if b != nil {
		binary.LittleEndian.PutUint64(slot, uint64(b.ptr))
	}
	k.slots[index] = slot
	k.argSet[index] = true
	if b != nil {
		k.bufferArgs[index] = b.id
		b.uses[k.id] = append(b.uses[k.id], index)
	}
	return nil
}

// SetKernelArgument binds a copy of raw to parameter index of the current kernel. Buffer
// and sampler parameters receive a null placeholder.
func (h *Host) SetKernelArgument(index int, raw []byte) bool {
	err := h.setArg(index, raw)
	h.report("SetKernelArgument", err, zap.Int("index", index), zap.Int("size", len(raw)))
	return err == nil
}

func (h *Host) setArg(index int, raw []byte) error {
	const op = "SetKernelArgument"
	k, err := h.currentKernel(op, index)
	if err != nil {
		return err
	}
	t := k.info.ParamType(index)
	if t == translate.Buffer || t.IsImage() || t == translate.Sampler {
		return h.setArgBuffer(index, 0)
	}
	if len(raw) == 0 {
		return validationf(op, "empty value for parameter %d of %s", index, k.identifier)
	}

	h.release(k, index)
	k.slots[index] = append([]byte(nil), raw...)
	k.argSet[index] = true
	return nil
}

// SetKernelArgumentUint32 binds a 32-bit unsigned scalar.
func (h *Host) SetKernelArgumentUint32(index int, v uint32) bool {
	return h.SetKernelArgument(index, binary.LittleEndian.AppendUint32(nil, v))
}

// SetKernelArgumentInt32 binds a 32-bit signed scalar.
func (h *Host) SetKernelArgumentInt32(index int, v int32) bool {
	return h.SetKernelArgumentUint32(index, uint32(v))
}

// SetKernelArgumentFloat32 binds a 32-bit float scalar.
func (h *Host) SetKernelArgumentFloat32(index int, v float32) bool {
	return h.SetKernelArgumentUint32(index, math.Float32bits(v))
}

// ArgumentsSet returns the argument-set flags of a live kernel.
func (h *Host) ArgumentsSet(id KernelID) []bool {
	k, ok := h.kernels[id]
	if !ok {
		return nil
	}
	return append([]bool(nil), k.argSet...)
}
