package compute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compiler"
	"github.com/fxnlabs/cudacl/internal/driver"
	"github.com/fxnlabs/cudacl/internal/kcache"
	"github.com/fxnlabs/cudacl/internal/metrics"
	"github.com/fxnlabs/cudacl/internal/translate"
)

// KernelID identifies a built kernel. The zero value is never a live kernel.
type KernelID uint64

// KernelState is the build state of a kernel.
type KernelState int

const (
	Uncompiled KernelState = iota
	Translating
	Compiling
	Loaded
	Failed
)

func (s KernelState) String() string {
	switch s {
	case Uncompiled:
		return "uncompiled"
	case Translating:
		return "translating"
	case Compiling:
		return "compiling"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type kernel struct {
	id         KernelID
	identifier string
	entry      string
	state      KernelState
	info       translate.KernelInfo
	device     *Device
	module     driver.Module
	function   driver.Function

	argSet     []bool
	slots      [][]byte
	bufferArgs []BufferID

	global, local [3]uint32
}

func (k *kernel) allocSlots() {
	n := len(k.info.Params)
	k.argSet = make([]bool, n)
	k.slots = make([][]byte, n)
	k.bufferArgs = make([]BufferID, n)
}

func (k *kernel) unset(slot int) {
	k.argSet[slot] = false
	k.slots[slot] = nil
	k.bufferArgs[slot] = 0
}

// AddKernelFile builds a kernel from an OpenCL C source file.
func (h *Host) AddKernelFile(identifier, path, entry string, options []string) KernelID {
	src, err := os.ReadFile(path)
	if err != nil {
		h.report("AddKernelFile", buildError("AddKernelFile", "failed to read kernel source", err), zap.String("kernel", identifier), zap.String("file", path))
		return 0
	}
	return h.AddKernelSource(identifier, string(src), entry, options)
}

// AddKernelSource builds the kernel entry point of src and registers it as identifier.
// Building an identifier twice returns the existing kernel. options are extra compiler
// flags such as "-DFOO=1".
func (h *Host) AddKernelSource(identifier, src, entry string, options []string) KernelID {
	if err := h.ready("AddKernelSource"); err != nil {
		h.report("AddKernelSource", err)
		return 0
	}
	if id, ok := h.byName[identifier]; ok {
		h.log.Error("Kernel already exists", zap.String("kernel", identifier))
		return id
	}

	id, err := h.buildKernel(identifier, src, entry, options)
	if err != nil {
		fields := []zap.Field{zap.String("kernel", identifier), zap.String("entry", entry)}
		var ce *compiler.Error
		if errors.As(err, &ce) {
			fields = append(fields, zap.String("command", ce.Command), zap.String("compiler_log", ce.Log))
		}
		h.report("AddKernelSource", err, fields...)
		return 0
	}
	return id
}

func (h *Host) buildKernel(identifier, src, entry string, extra []string) (KernelID, error) {
	const op = "AddKernelSource"
	start := time.Now()
	k := &kernel{identifier: identifier, entry: entry, device: h.active, state: Uncompiled}
	target := h.active.Target

	binary, cached := h.cached(identifier, entry, target, k)
	if !cached {
		var err error
		if binary, err = h.compile(identifier, src, entry, extra, target, k); err != nil {
			k.state = Failed
			metrics.KernelBuilds.WithLabelValues("failed").Inc()
			return 0, err
		}
	}

	// slots exist before anything is loaded so a failed load leaves nothing half-bound
	k.allocSlots()

	if err := h.load(k, binary, target); err != nil {
		k.state = Failed
		metrics.KernelBuilds.WithLabelValues("failed").Inc()
		return 0, h.driverError(op, err)
	}
	k.state = Loaded

	h.nextKernel++
	k.id = h.nextKernel
	h.kernels[k.id] = k
	h.byName[identifier] = k.id

	result := "compiled"
	if cached {
		result = "cache_hit"
	}
	metrics.KernelBuilds.WithLabelValues(result).Inc()
	metrics.KernelBuildDuration.Observe(float64(time.Since(start).Milliseconds()))
	h.log.Debug("Built kernel",
		zap.String("kernel", identifier),
		zap.String("entry", entry),
		zap.String("target", "sm_"+target.Tag),
		zap.Bool("cached", cached),
		zap.Int("params", len(k.info.Params)),
		zap.Duration("duration", time.Since(start)),
	)
	return k.id, nil
}

// cached restores a kernel from the cache. It only hits when the cache is valid and the
// stored entry point matches.
func (h *Host) cached(identifier, entry string, target Target, k *kernel) ([]byte, bool) {
	c := h.opts.Cache
	if c == nil || !c.Valid() {
		return nil, false
	}
	e, err := c.Load(identifier, target.Tag)
	if err != nil {
		if !errors.Is(err, kcache.ErrNotCached) {
			h.log.Warn("Unusable cache entry, compiling", zap.String("kernel", identifier), zap.Error(err))
		}
		return nil, false
	}
	if e.Info.Name != entry {
		h.log.Warn("Cached entry point differs, compiling",
			zap.String("kernel", identifier), zap.String("cached", e.Info.Name), zap.String("entry", entry))
		return nil, false
	}
	k.info = e.Info
	return e.Binary, true
}

func (h *Host) compile(identifier, src, entry string, extra []string, target Target, k *kernel) ([]byte, error) {
	const op = "AddKernelSource"
	if h.opts.Compiler == nil {
		return nil, buildError(op, "no compiler configured", nil)
	}

	k.state = Translating
	res, err := translate.Translate(src)
	if err != nil {
		return nil, buildError(op, "translation failed", err)
	}
	info, ok := res.Find(entry)
	if !ok {
		return nil, buildError(op, fmt.Sprintf("entry point %q not found", entry), nil)
	}
	k.info = *info

	k.state = Compiling
	out, err := h.opts.Compiler.Compile(context.Background(), compiler.Request{
		Identifier: identifier,
		Source:     res.Source,
		Target:     target.Tag,
		Options:    h.buildOptions(extra),
	})
	if err != nil {
		return nil, buildError(op, "compilation failed", err)
	}
	if len(out.Log) > 0 {
		h.log.Debug("Compiler output", zap.String("kernel", identifier), zap.String("log", out.Log))
	}

	if h.opts.WriteCache && h.opts.Cache != nil {
		if err := h.opts.Cache.Store(identifier, target.Tag, out.Binary, info); err != nil {
			h.log.Warn("Failed to store kernel in cache", zap.String("kernel", identifier), zap.Error(err))
		}
	}
	return out.Binary, nil
}

func (h *Host) buildOptions(extra []string) []string {
	var opts []string
	if h.opts.KernelPath != "" {
		opts = append(opts, "-I", h.opts.KernelPath)
	}
	opts = append(opts,
		"-D", "CUDACL",
		"-D", "CUDACL_IMAGE_HEADER_SIZE="+strconv.Itoa(h.opts.ImageHeaderSize),
		"-D", "CUDACL_STRUCT_ALIGNMENT="+strconv.Itoa(h.opts.StructAlignment),
	)
	opts = append(opts, compiler.SplitDefines(h.opts.Defines)...)
	return append(opts, compiler.SplitDefines(extra)...)
}

func (h *Host) load(k *kernel, binary []byte, target Target) error {
	mod, err := h.drv.ModuleLoadDataEx(binary, target.JIT)
	if err != nil {
		return err
	}
	fn, err := h.drv.ModuleGetFunction(mod, k.entry)
	if err != nil {
		return multierr.Append(err, h.drv.ModuleUnload(mod))
	}
	k.module, k.function = mod, fn
	return nil
}

// DeleteKernel unloads a kernel and unbinds its buffer arguments. Deleting the current
// kernel drains the active stream first.
func (h *Host) DeleteKernel(id KernelID) bool {
	err := h.ready("DeleteKernel")
	if err == nil {
		err = h.deleteKernel(id)
	}
	h.report("DeleteKernel", err, zap.Uint64("kernel", uint64(id)))
	return err == nil
}

func (h *Host) deleteKernel(id KernelID) error {
	const op = "DeleteKernel"
	k, ok := h.kernels[id]
	if !ok {
		return resourcef(op, "kernel %d is not live", id)
	}

	var errs error
	if h.current == k {
		h.Flush()
		errs = h.finish()
		h.current = nil
	}
	for slot, bid := range k.bufferArgs {
		if b, ok := h.buffers[bid]; ok && bid != 0 {
			b.uses[id] = removeSlot(b.uses[id], slot)
			if len(b.uses[id]) == 0 {
				delete(b.uses, id)
			}
		}
	}
	errs = multierr.Append(errs, h.driverError(op, h.drv.ModuleUnload(k.module)))

	delete(h.kernels, id)
	delete(h.byName, k.identifier)
	return errs
}

func removeSlot(slots []int, slot int) []int {
	out := slots[:0]
	for _, s := range slots {
		if s != slot {
			out = append(out, s)
		}
	}
	return out
}

// Kernel returns the kernel registered as identifier, or 0.
func (h *Host) Kernel(identifier string) KernelID {
	return h.byName[identifier]
}

// KernelInfo returns the parameter metadata of a live kernel.
func (h *Host) KernelInfo(id KernelID) (translate.KernelInfo, bool) {
	k, ok := h.kernels[id]
	if !ok {
		return translate.KernelInfo{}, false
	}
	return k.info, true
}

// KernelState returns the build state of a live kernel.
func (h *Host) KernelState(id KernelID) (KernelState, bool) {
	k, ok := h.kernels[id]
	if !ok {
		return Uncompiled, false
	}
	return k.state, true
}

// UseKernel makes id the kernel that argument and range calls apply to.
func (h *Host) UseKernel(id KernelID) bool {
	if err := h.ready("UseKernel"); err != nil {
		h.report("UseKernel", err)
		return false
	}
	k, ok := h.kernels[id]
	if !ok {
		h.report("UseKernel", resourcef("UseKernel", "kernel %d is not live", id))
		return false
	}
	h.current = k
	return true
}

// CurrentKernel returns the kernel selected by UseKernel, or 0.
func (h *Host) CurrentKernel() KernelID {
	if h.current == nil {
		return 0
	}
	return h.current.id
}

// KernelWorkGroupSize returns the largest work-group size the current kernel can be
// launched with on its device, or 0.
func (h *Host) KernelWorkGroupSize() int {
	const op = "KernelWorkGroupSize"
	if err := h.ready(op); err != nil {
		h.report(op, err)
		return 0
	}
	if h.current == nil {
		h.report(op, resourcef(op, "no current kernel"))
		return 0
	}
	n, err := h.drv.FuncGetAttribute(driver.FuncAttrMaxThreadsPerBlock, h.current.function)
	if err != nil {
		h.report(op, h.driverError(op, err), zap.String("kernel", h.current.identifier))
		return 0
	}
	return n
}
