// Package tensor provides the dense float32 tensors that model weights are
// held in, and the weighted sums used to combine them.
package tensor

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a row-major dense float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. It panics if the sizes disagree.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Bytes is the in-memory size of the values.
func (t *Tensor) Bytes() int64 {
	return int64(len(t.Data)) * 4
}

// Rows and Cols interpret a 2-D tensor; a 1-D tensor is a single row.
func (t *Tensor) Rows() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) Cols() int {
	return t.Shape[len(t.Shape)-1]
}

// Row returns row i of a 2-D tensor as a slice view.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Transpose2D returns a new tensor with the two axes of t swapped.
func (t *Tensor) Transpose2D() (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("tensor: transpose needs 2 dims, got %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	out := New(c, r)
	for i := range r {
		for j := range c {
			out.Data[j*r+i] = t.Data[i*c+j]
		}
	}
	return out, nil
}

// General views a 2-D tensor as a blas32 matrix.
func (t *Tensor) General() blas32.General {
	return blas32.General{Rows: t.Rows(), Cols: t.Cols(), Stride: t.Cols(), Data: t.Data}
}

// Vector views the tensor as a flat blas32 vector.
func (t *Tensor) Vector() blas32.Vector {
	return Vec(t.Data)
}

// Vec wraps a slice as a contiguous blas32 vector.
func Vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// Term is one weighted operand of a sum.
type Term struct {
	Tensor *Tensor
	Coeff  float64
}

// WeightedSum computes sum(coeff_i * t_i) into a fresh tensor. Every operand
// must have the same shape.
func WeightedSum(terms []Term) (*Tensor, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("tensor: weighted sum of no terms")
	}
	shape := terms[0].Tensor.Shape
	out := New(shape...)
	y := out.Vector()
	for i, term := range terms {
		if !slices.Equal(term.Tensor.Shape, shape) {
			return nil, fmt.Errorf("tensor: term %d has shape %v, want %v", i, term.Tensor.Shape, shape)
		}
		blas32.Axpy(float32(term.Coeff), term.Tensor.Vector(), y)
	}
	return out, nil
}

// Lerp returns lambda*a + (1-lambda)*b. When lambda is exactly 0 or 1 the
// selected operand is copied, so the extremes reproduce it bit for bit.
func Lerp(lambda float64, a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("tensor: lerp shapes %v and %v differ", a.Shape, b.Shape)
	}
	switch lambda {
	case 1:
		return a.Clone(), nil
	case 0:
		return b.Clone(), nil
	}
	return WeightedSum([]Term{{Tensor: a, Coeff: lambda}, {Tensor: b, Coeff: 1 - lambda}})
}
