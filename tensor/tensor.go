// Package tensor holds the dense float32 tensors the pretext tasks pass
// around. Images are laid out NCHW (batch, channel, height, width), row-major.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is matched by every *ShapeError.
var ErrShape = errors.New("shape mismatch")

// ShapeError reports an operation that received a tensor of the wrong shape.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

// Tensor is a row-major float32 array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero tensor with the given shape.
func New(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, volume(shape))}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) (Tensor, error) {
	if volume(shape) != len(data) {
		return Tensor{}, &ShapeError{Op: "tensor.FromData", Want: shape, Got: []int{len(data)}}
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t Tensor) Len() int  { return len(t.Data) }
func (t Tensor) Rank() int { return len(t.Shape) }

// Empty reports whether the tensor was never allocated.
func (t Tensor) Empty() bool { return t.Shape == nil }

// Rows is the size of the batch axis.
func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize is the number of elements in one batch item.
func (t Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return volume(t.Shape[1:])
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// Reshape returns a view with a new shape over the same data.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if volume(shape) != len(t.Data) {
		return Tensor{}, &ShapeError{Op: "tensor.Reshape", Want: shape, Got: t.Shape}
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// SliceRows returns rows [lo, hi) as a view sharing t's data.
func (t Tensor) SliceRows(lo, hi int) (Tensor, error) {
	if t.Rank() == 0 || lo < 0 || hi > t.Rows() || lo > hi {
		return Tensor{}, &ShapeError{Op: fmt.Sprintf("tensor.SliceRows[%d:%d]", lo, hi), Want: []int{hi}, Got: t.Shape}
	}
	row := t.RowSize()
	shape := append([]int{hi - lo}, t.Shape[1:]...)
	return Tensor{Shape: shape, Data: t.Data[lo*row : hi*row]}, nil
}

// ConcatRows concatenates tensors along the batch axis. All inputs must
// agree on every other dimension.
func ConcatRows(ts ...Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, &ShapeError{Op: "tensor.ConcatRows", Want: []int{1}, Got: []int{0}}
	}
	rows := 0
	for _, t := range ts {
		if t.Rank() != ts[0].Rank() || t.Rank() == 0 {
			return Tensor{}, &ShapeError{Op: "tensor.ConcatRows", Want: ts[0].Shape, Got: t.Shape}
		}
		for d := 1; d < t.Rank(); d++ {
			if t.Shape[d] != ts[0].Shape[d] {
				return Tensor{}, &ShapeError{Op: "tensor.ConcatRows", Want: ts[0].Shape, Got: t.Shape}
			}
		}
		rows += t.Rows()
	}
	out := New(append([]int{rows}, ts[0].Shape[1:]...)...)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}

// ConcatChannels concatenates two NCHW tensors along the channel axis.
func ConcatChannels(a, b Tensor) (Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 || a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return Tensor{}, &ShapeError{Op: "tensor.ConcatChannels", Want: a.Shape, Got: b.Shape}
	}
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	plane := a.Shape[2] * a.Shape[3]
	out := New(n, ca+cb, a.Shape[2], a.Shape[3])
	for i := 0; i < n; i++ {
		dst := out.Data[i*(ca+cb)*plane:]
		copy(dst, a.Data[i*ca*plane:(i+1)*ca*plane])
		copy(dst[ca*plane:], b.Data[i*cb*plane:(i+1)*cb*plane])
	}
	return out, nil
}

// Channels copies channels [lo, hi) of an NCHW tensor.
func (t Tensor) Channels(lo, hi int) (Tensor, error) {
	if t.Rank() != 4 || lo < 0 || hi > t.Shape[1] || lo >= hi {
		return Tensor{}, &ShapeError{Op: fmt.Sprintf("tensor.Channels[%d:%d]", lo, hi), Want: []int{-1, hi, -1, -1}, Got: t.Shape}
	}
	n, c := t.Shape[0], t.Shape[1]
	plane := t.Shape[2] * t.Shape[3]
	out := New(n, hi-lo, t.Shape[2], t.Shape[3])
	for i := 0; i < n; i++ {
		copy(out.Data[i*(hi-lo)*plane:(i+1)*(hi-lo)*plane], t.Data[(i*c+lo)*plane:(i*c+hi)*plane])
	}
	return out, nil
}

// Index4 is the flat offset of (n, c, h, w) in an NCHW tensor.
func (t Tensor) Index4(n, c, h, w int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+h)*t.Shape[3] + w
}

func (t Tensor) At4(n, c, h, w int) float32 { return t.Data[t.Index4(n, c, h, w)] }

func (t Tensor) Set4(n, c, h, w int, v float32) { t.Data[t.Index4(n, c, h, w)] = v }

// Map returns a new tensor with f applied to every element.
func (t Tensor) Map(f func(float32) float32) Tensor {
	out := Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Scale returns t * k.
func (t Tensor) Scale(k float32) Tensor {
	return t.Map(func(v float32) float32 { return v * k })
}

// RequireRank checks the rank and, for every non-negative entry of dims,
// the matching dimension.
func (t Tensor) RequireRank(op string, dims ...int) error {
	if t.Rank() != len(dims) {
		return &ShapeError{Op: op, Want: dims, Got: t.Shape}
	}
	for i, d := range dims {
		if d >= 0 && t.Shape[i] != d {
			return &ShapeError{Op: op, Want: dims, Got: t.Shape}
		}
	}
	return nil
}
