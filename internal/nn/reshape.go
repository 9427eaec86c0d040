package nn

import (
	"github.com/pkg/errors"
)

// Rescale multiplies the input by a constant, mapping raw 0..255 pixels
// into the unit range inside the model.
type Rescale struct {
	name  string
	scale float32
}

func NewRescale(name string, scale float32) *Rescale {
	return &Rescale{name: name, scale: scale}
}

func (l *Rescale) Name() string { return l.name }
func (l *Rescale) Kind() Kind { return KindRescale }
func (l *Rescale) Params() []*Param { return nil }
func (l *Rescale) Scale() float32 { return l.scale }

func (l *Rescale) OutputShape(in Shape) (Shape, error) { return in, nil }

func (l *Rescale) Forward(x *Tensor, training bool) (*Tensor, error) {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * l.scale
	}
	return out, nil
}

func (l *Rescale) Backward(grad *Tensor) (*Tensor, error) {
	dx := NewTensor(grad.Shape...)
	for i, v := range grad.Data {
		dx.Data[i] = v * l.scale
	}
	return dx, nil
}

// Flatten collapses every non-batch dimension into one.
type Flatten struct {
	name    string
	inShape Shape
}

func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (l *Flatten) Name() string { return l.name }
func (l *Flatten) Kind() Kind { return KindFlatten }
func (l *Flatten) Params() []*Param { return nil }

func (l *Flatten) OutputShape(in Shape) (Shape, error) {
	if len(in) == 0 {
		return nil, errors.Errorf("%s: empty input shape", l.name)
	}
	return Shape{in.Size()}, nil
}

func (l *Flatten) Forward(x *Tensor, training bool) (*Tensor, error) {
	if training {
		l.inShape = x.Shape
	}
	n := x.Batch()
	return x.Reshape(n, len(x.Data)/n)
}

func (l *Flatten) Backward(grad *Tensor) (*Tensor, error) {
	if l.inShape == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	dx, err := grad.Reshape(l.inShape...)
	l.inShape = nil
	return dx, err
}
