package sim

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Built-in kernel entry points, available to any module that declares them.
const (
	// KernelSaxpy is saxpy(uint n, float a, const float* x, float* y): y = a*x + y.
	KernelSaxpy = "saxpy"
	// KernelScale is scale(float* data, float factor): data *= factor.
	KernelScale = "scale"
	// KernelFillU32 is fill_u32(uint* data, uint value).
	KernelFillU32 = "fill_u32"
)

func registerBuiltins(d *Driver) {
	d.RegisterKernel(KernelSaxpy, saxpy)
	d.RegisterKernel(KernelScale, scale)
	d.RegisterKernel(KernelFillU32, fillU32)
}

func decodeFloats(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func encodeFloats(b []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
}

func elements(buf []byte, limit int) int {
	return min(len(buf)/4, limit)
}

func saxpy(l *Launch) error {
	n, err := l.Uint32(0)
	if err != nil {
		return err
	}
	a, err := l.Float32(1)
	if err != nil {
		return err
	}
	xb, err := l.Buffer(2)
	if err != nil {
		return err
	}
	yb, err := l.Buffer(3)
	if err != nil {
		return err
	}
	count := min(elements(xb, l.Threads()), elements(yb, int(n)))
	x, y := decodeFloats(xb, count), decodeFloats(yb, count)
	blas32.Axpy(a, blas32.Vector{N: count, Inc: 1, Data: x}, blas32.Vector{N: count, Inc: 1, Data: y})
	encodeFloats(yb, y)
	return nil
}

func scale(l *Launch) error {
	buf, err := l.Buffer(0)
	if err != nil {
		return err
	}
	factor, err := l.Float32(1)
	if err != nil {
		return err
	}
	count := elements(buf, l.Threads())
	v := decodeFloats(buf, count)
	blas32.Scal(factor, blas32.Vector{N: count, Inc: 1, Data: v})
	encodeFloats(buf, v)
	return nil
}

func fillU32(l *Launch) error {
	buf, err := l.Buffer(0)
	if err != nil {
		return err
	}
	value, err := l.Uint32(1)
	if err != nil {
		return err
	}
	for i := 0; i < elements(buf, l.Threads()); i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], value)
	}
	return nil
}
