package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Model is a sequential stack of layers over a fixed per-sample input
// shape. A Model is not safe for concurrent use: layers cache activations
// between Forward and Backward.
type Model struct {
	input  Shape
	layers []Layer
	shapes []Shape
}

type initializer interface {
	initialize(rng *rand.Rand)
}

// NewModel validates that the layers chain from the input shape.
func NewModel(input Shape, layers ...Layer) (*Model, error) {
	if len(layers) == 0 {
		return nil, errors.New("model has no layers")
	}
	m := &Model{input: append(Shape(nil), input...), layers: layers}
	shape := m.input
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		if seen[l.Name()] {
			return nil, errors.Errorf("duplicate layer name %q", l.Name())
		}
		seen[l.Name()] = true

		next, err := l.OutputShape(shape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", l.Name())
		}
		m.shapes = append(m.shapes, next)
		shape = next
	}
	return m, nil
}

// Initialize draws fresh weights from a generator seeded with seed.
func (m *Model) Initialize(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, l := range m.layers {
		if in, ok := l.(initializer); ok {
			in.initialize(rng)
		}
	}
}

func (m *Model) InputShape() Shape { return m.input }
func (m *Model) Layers() []Layer { return m.layers }

// LayerShapes returns the per-sample output shape of every layer.
func (m *Model) LayerShapes() []Shape { return m.shapes }

func (m *Model) OutputShape() Shape { return m.shapes[len(m.shapes)-1] }

// OutputWidth is the size of the per-sample output vector.
func (m *Model) OutputWidth() int { return m.OutputShape().Size() }

func (m *Model) Params() []*Param {
	var ps []*Param
	for _, l := range m.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (m *Model) ParamCount() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Value.Data)
	}
	return n
}

func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// Forward runs the batch x ([N, input...]) through every layer. With
// training set, layers keep what Backward needs.
func (m *Model) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != len(m.input)+1 || !x.Shape[1:].Equal(m.input) {
		return nil, errors.Errorf("input shape %v does not match model input [N %v]", x.Shape, m.input)
	}
	if x.Batch() == 0 {
		return nil, errors.New("empty batch")
	}
	out := x
	for _, l := range m.layers {
		var err error
		if out, err = l.Forward(out, training); err != nil {
			return nil, errors.Wrapf(err, "forward %s", l.Name())
		}
	}
	return out, nil
}

// Backward propagates grad (the loss gradient w.r.t. the model output)
// and accumulates parameter gradients.
func (m *Model) Backward(grad *Tensor) error {
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		if grad, err = m.layers[i].Backward(grad); err != nil {
			return errors.Wrapf(err, "backward %s", m.layers[i].Name())
		}
	}
	return nil
}

// Predict is an inference-mode forward pass.
func (m *Model) Predict(x *Tensor) (*Tensor, error) {
	return m.Forward(x, false)
}

// Weights returns every parameter tensor by name.
func (m *Model) Weights() map[string]*Tensor {
	w := make(map[string]*Tensor)
	for _, p := range m.Params() {
		w[p.Name] = p.Value
	}
	return w
}

// SetWeights copies values into the model. Every parameter must be
// present with a matching shape.
func (m *Model) SetWeights(weights map[string]*Tensor) error {
	params := m.Params()
	for _, p := range params {
		t, ok := weights[p.Name]
		if !ok {
			return errors.Errorf("missing weights for %s", p.Name)
		}
		if !t.Shape.Equal(p.Value.Shape) {
			return errors.Errorf("weights for %s have shape %v, want %v", p.Name, t.Shape, p.Value.Shape)
		}
	}
	for _, p := range params {
		copy(p.Value.Data, weights[p.Name].Data)
	}
	return nil
}
