// Package nn is a small CPU deep-learning core: layers with forward and
// backward passes, a sequential model, a cross entropy loss and the Adam
// optimizer. Dense math is delegated to gonum's BLAS kernels.
package nn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape lists tensor dimensions, outermost first.
type Shape []int

// Size returns the number of elements a tensor of this shape holds.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is a dense float32 array in row-major order. Image batches use
// NCHW layout.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	s := append(Shape(nil), shape...)
	return &Tensor{Shape: s, Data: make([]float32, s.Size())}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	s := append(Shape(nil), shape...)
	if s.Size() != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v", len(data), s)
	}
	return &Tensor{Shape: s, Data: data}, nil
}

// Reshape returns a view of the same data with another shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Batch is the size of the outermost dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Sample returns a view of the i-th entry along the outermost dimension.
func (t *Tensor) Sample(i int) []float32 {
	n := len(t.Data) / t.Shape[0]
	return t.Data[i*n : (i+1)*n]
}

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: NewTensor(shape...), Grad: NewTensor(shape...)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad.Data)
}
