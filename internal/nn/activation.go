package nn

import (
	"math"

	"github.com/pkg/errors"
)

// ReLU is max(0, x).
type ReLU struct {
	name   string
	output *Tensor
}

func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (l *ReLU) Name() string { return l.name }
func (l *ReLU) Kind() Kind { return KindReLU }
func (l *ReLU) Params() []*Param { return nil }

func (l *ReLU) OutputShape(in Shape) (Shape, error) { return in, nil }

func (l *ReLU) Forward(x *Tensor, training bool) (*Tensor, error) {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	if training {
		l.output = out
	}
	return out, nil
}

func (l *ReLU) Backward(grad *Tensor) (*Tensor, error) {
	if l.output == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	dx := NewTensor(grad.Shape...)
	for i, v := range l.output.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		}
	}
	l.output = nil
	return dx, nil
}

// Softmax normalizes each row of an [N,K] input into a probability
// distribution.
type Softmax struct {
	name   string
	output *Tensor
}

func NewSoftmax(name string) *Softmax { return &Softmax{name: name} }

func (l *Softmax) Name() string { return l.name }
func (l *Softmax) Kind() Kind { return KindSoftmax }
func (l *Softmax) Params() []*Param { return nil }

func (l *Softmax) OutputShape(in Shape) (Shape, error) {
	if len(in) != 1 {
		return nil, errors.Errorf("%s expects a flat input, got %v", l.name, in)
	}
	return in, nil
}

func (l *Softmax) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, errors.Errorf("%s expects [N,K] input, got %v", l.name, x.Shape)
	}
	out := NewTensor(x.Shape...)
	for i := 0; i < x.Batch(); i++ {
		softmaxRow(x.Sample(i), out.Sample(i))
	}
	if training {
		l.output = out
	}
	return out, nil
}

func softmaxRow(in, out []float32) {
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}

// Backward applies the softmax Jacobian: dx = p ⊙ (g − Σ g·p).
func (l *Softmax) Backward(grad *Tensor) (*Tensor, error) {
	if l.output == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	dx := NewTensor(grad.Shape...)
	for i := 0; i < grad.Batch(); i++ {
		p, g, d := l.output.Sample(i), grad.Sample(i), dx.Sample(i)
		var dot float32
		for j := range p {
			dot += g[j] * p[j]
		}
		for j := range p {
			d[j] = p[j] * (g[j] - dot)
		}
	}
	l.output = nil
	return dx, nil
}
