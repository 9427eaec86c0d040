package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Dense is a fully connected layer, y = x·W + b, with W stored as
// [inputs, outputs].
type Dense struct {
	name string
	in   int
	out  int

	Weight *Param
	Bias   *Param

	input *Tensor
}

func NewDense(name string, inputs, outputs int) *Dense {
	return &Dense{
		name:   name,
		in:     inputs,
		out:    outputs,
		Weight: newParam(name+".weight", inputs, outputs),
		Bias:   newParam(name+".bias", outputs),
	}
}

func (l *Dense) Name() string { return l.name }
func (l *Dense) Kind() Kind { return KindDense }
func (l *Dense) Params() []*Param { return []*Param{l.Weight, l.Bias} }
func (l *Dense) Units() int { return l.out }

func (l *Dense) initialize(rng *rand.Rand) {
	glorotUniform(rng, l.Weight.Value.Data, l.in, l.out)
	clear(l.Bias.Value.Data)
}

func (l *Dense) OutputShape(in Shape) (Shape, error) {
	if len(in) != 1 || in[0] != l.in {
		return nil, errors.Errorf("%s expects [%d] input, got %v", l.name, l.in, in)
	}
	return Shape{l.out}, nil
}

func (l *Dense) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.in {
		return nil, errors.Errorf("%s expects [N,%d] input, got %v", l.name, l.in, x.Shape)
	}
	n := x.Batch()
	out := NewTensor(n, l.out)
	for i := 0; i < n; i++ {
		copy(out.Sample(i), l.Bias.Value.Data)
	}
	matmul(false, x.Data, n, l.in, false, l.Weight.Value.Data, l.in, l.out, 1, out.Data)
	if training {
		l.input = x
	}
	return out, nil
}

func (l *Dense) Backward(grad *Tensor) (*Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	x := l.input
	n := x.Batch()
	// dW += xᵀ · dY
	matmul(true, x.Data, n, l.in, false, grad.Data, n, l.out, 1, l.Weight.Grad.Data)
	for i := 0; i < n; i++ {
		for j, v := range grad.Sample(i) {
			l.Bias.Grad.Data[j] += v
		}
	}
	dx := NewTensor(n, l.in)
	// dX = dY · Wᵀ
	matmul(false, grad.Data, n, l.out, true, l.Weight.Value.Data, l.in, l.out, 0, dx.Data)
	l.input = nil
	return dx, nil
}
