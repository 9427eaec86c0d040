package nn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Builder assembles a sequential model, inferring each layer's input
// size from the previous layer's output. The first error sticks and is
// reported by Compile.
type Builder struct {
	input  Shape
	shape  Shape
	layers []Layer
	counts map[string]int
	err    error
}

// NewBuilder starts a model whose per-sample input has the given shape,
// e.g. (3, 256, 256).
func NewBuilder(input ...int) *Builder {
	s := append(Shape(nil), input...)
	return &Builder{input: s, shape: s, counts: make(map[string]int)}
}

func (b *Builder) name(prefix string) string {
	b.counts[prefix]++
	return fmt.Sprintf("%s_%d", prefix, b.counts[prefix])
}

// Add appends a layer and advances the tracked shape.
func (b *Builder) Add(l Layer) *Builder {
	if b.err != nil {
		return b
	}
	next, err := l.OutputShape(b.shape)
	if err != nil {
		b.err = errors.Wrapf(err, "layer %d (%s)", len(b.layers)+1, l.Name())
		return b
	}
	b.layers = append(b.layers, l)
	b.shape = next
	return b
}

func (b *Builder) Rescale(scale float32) *Builder {
	return b.Add(NewRescale(b.name("rescaling"), scale))
}

func (b *Builder) Conv2D(filters, kernel, stride, padding int) *Builder {
	if b.err == nil && len(b.shape) != 3 {
		b.err = errors.Errorf("conv2d needs a [C,H,W] input, have %v", b.shape)
		return b
	}
	if b.err != nil {
		return b
	}
	return b.Add(NewConv2D(b.name("conv2d"), b.shape[0], filters, kernel, stride, padding))
}

func (b *Builder) ReLU() *Builder {
	return b.Add(NewReLU(b.name("relu")))
}

func (b *Builder) MaxPool2D(size, stride int) *Builder {
	return b.Add(NewMaxPool2D(b.name("max_pooling2d"), size, stride))
}

func (b *Builder) Flatten() *Builder {
	return b.Add(NewFlatten(b.name("flatten")))
}

func (b *Builder) Dense(units int) *Builder {
	if b.err == nil && len(b.shape) != 1 {
		b.err = errors.Errorf("dense needs a flat input, have %v", b.shape)
		return b
	}
	if b.err != nil {
		return b
	}
	return b.Add(NewDense(b.name("dense"), b.shape[0], units))
}

func (b *Builder) Softmax() *Builder {
	return b.Add(NewSoftmax(b.name("softmax")))
}

// Compile returns the model with zero weights; call Initialize or
// SetWeights before use.
func (b *Builder) Compile() (*Model, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewModel(b.input, b.layers...)
}
