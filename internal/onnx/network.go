package onnx

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/plant-health/internal/nn"
)

const (
	// InputName and OutputName are the graph's tensor names.
	InputName  = "input"
	OutputName = "output"

	batchParam = "N"
	producer   = "plant-health"
)

// FromNetwork converts a sequential network into an ONNX model with one
// node per layer (Dense becomes Gemm). Weights are stored as initializers
// named after the network's parameters.
func FromNetwork(net *nn.Model) (*Model, error) {
	g := &Graph{Name: "plant_health_cnn"}

	in := net.InputShape()
	inDims := []Dim{{Param: batchParam}}
	for _, d := range in {
		inDims = append(inDims, Dim{Value: int64(d)})
	}
	g.Inputs = append(g.Inputs, &ValueInfo{Name: InputName, ElemType: TensorFloat, Dims: inDims})

	current := InputName
	layers := net.Layers()
	for i, l := range layers {
		out := l.Name() + "_output"
		if i == len(layers)-1 {
			out = OutputName
		}
		node := &Node{Name: l.Name(), Inputs: []string{current}, Outputs: []string{out}}

		switch l := l.(type) {
		case *nn.Rescale:
			scale := l.Name() + ".scale"
			node.OpType = "Mul"
			node.Inputs = append(node.Inputs, scale)
			g.Initializers = append(g.Initializers, &Tensor{Name: scale, DataType: TensorFloat, Floats: []float32{l.Scale()}})
		case *nn.Conv2D:
			k, s, p := int64(l.KernelSize()), int64(l.Stride()), int64(l.Padding())
			node.OpType = "Conv"
			node.Inputs = append(node.Inputs, l.Weight.Name, l.Bias.Name)
			node.Attributes = []*Attribute{
				intsAttr("kernel_shape", k, k),
				intsAttr("strides", s, s),
				intsAttr("pads", p, p, p, p),
			}
			g.Initializers = append(g.Initializers, paramTensor(l.Weight), paramTensor(l.Bias))
		case *nn.ReLU:
			node.OpType = "Relu"
		case *nn.MaxPool2D:
			k, s := int64(l.PoolSize()), int64(l.Stride())
			node.OpType = "MaxPool"
			node.Attributes = []*Attribute{
				intsAttr("kernel_shape", k, k),
				intsAttr("strides", s, s),
			}
		case *nn.Flatten:
			node.OpType = "Flatten"
			node.Attributes = []*Attribute{intAttr("axis", 1)}
		case *nn.Dense:
			node.OpType = "Gemm"
			node.Inputs = append(node.Inputs, l.Weight.Name, l.Bias.Name)
			g.Initializers = append(g.Initializers, paramTensor(l.Weight), paramTensor(l.Bias))
		case *nn.Softmax:
			node.OpType = "Softmax"
			node.Attributes = []*Attribute{intAttr("axis", 1)}
		default:
			return nil, errors.Errorf("layer %s: %s cannot be exported", l.Name(), l.Kind())
		}

		g.Nodes = append(g.Nodes, node)
		current = out
	}

	outDims := []Dim{{Param: batchParam}}
	for _, d := range net.OutputShape() {
		outDims = append(outDims, Dim{Value: int64(d)})
	}
	g.Outputs = append(g.Outputs, &ValueInfo{Name: OutputName, ElemType: TensorFloat, Dims: outDims})

	return newModel(g), nil
}

// FromWeights builds a weights-only model: a graph with initializers and
// no nodes.
func FromWeights(net *nn.Model) *Model {
	g := &Graph{Name: "plant_health_weights"}
	for _, p := range net.Params() {
		g.Initializers = append(g.Initializers, paramTensor(p))
	}
	return newModel(g)
}

func newModel(g *Graph) *Model {
	return &Model{
		IRVersion:       IRVersion,
		ProducerName:    producer,
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		OpsetVersion:    OpsetVersion,
		Graph:           g,
	}
}

func paramTensor(p *nn.Param) *Tensor {
	dims := make([]int64, len(p.Value.Shape))
	for i, d := range p.Value.Shape {
		dims[i] = int64(d)
	}
	data := make([]float32, len(p.Value.Data))
	copy(data, p.Value.Data)
	return &Tensor{Name: p.Name, Dims: dims, DataType: TensorFloat, Floats: data}
}

func (t *Tensor) shape() nn.Shape {
	s := make(nn.Shape, len(t.Dims))
	for i, d := range t.Dims {
		s[i] = int(d)
	}
	return s
}

// toTensor returns the initializer as a network tensor.
func (t *Tensor) toTensor() (*nn.Tensor, error) {
	s := t.shape()
	if len(s) == 0 {
		s = nn.Shape{1}
	}
	return nn.FromData(t.Floats, s...)
}

// Weights returns every initializer keyed by name.
func (m *Model) Weights() (map[string]*nn.Tensor, error) {
	if m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	w := make(map[string]*nn.Tensor, len(m.Graph.Initializers))
	for _, t := range m.Graph.Initializers {
		tt, err := t.toTensor()
		if err != nil {
			return nil, errors.Wrapf(err, "initializer %s", t.Name)
		}
		w[t.Name] = tt
	}
	return w, nil
}

// InputShape returns the per-sample input shape (batch dimension dropped).
func (m *Model) InputShape() (nn.Shape, error) {
	if m.Graph == nil || len(m.Graph.Inputs) == 0 {
		return nil, errors.New("model has no graph input")
	}
	dims := m.Graph.Inputs[0].Dims
	if len(dims) < 2 {
		return nil, errors.Errorf("graph input %q has rank %d", m.Graph.Inputs[0].Name, len(dims))
	}
	s := make(nn.Shape, 0, len(dims)-1)
	for _, d := range dims[1:] {
		if d.Param != "" || d.Value <= 0 {
			return nil, errors.Errorf("graph input %q has a symbolic dimension", m.Graph.Inputs[0].Name)
		}
		s = append(s, int(d.Value))
	}
	return s, nil
}

// OutputWidth is the size of the last graph output's per-sample vector.
func (m *Model) OutputWidth() (int, error) {
	if m.Graph == nil || len(m.Graph.Outputs) == 0 {
		return 0, errors.New("model has no graph output")
	}
	dims := m.Graph.Outputs[len(m.Graph.Outputs)-1].Dims
	if len(dims) < 2 {
		return 0, errors.New("graph output has no class dimension")
	}
	width := 1
	for _, d := range dims[1:] {
		if d.Param != "" || d.Value <= 0 {
			return 0, errors.New("graph output has a symbolic dimension")
		}
		width *= int(d.Value)
	}
	return width, nil
}

// ToNetwork rebuilds a sequential network from the graph. Nodes must form
// a single chain from the graph input.
func (m *Model) ToNetwork() (*nn.Model, error) {
	in, err := m.InputShape()
	if err != nil {
		return nil, err
	}
	g := m.Graph
	current := g.Inputs[0].Name
	shape := in

	var layers []nn.Layer
	weights := make(map[string]*nn.Tensor)
	for _, node := range g.Nodes {
		if len(node.Inputs) == 0 || node.Inputs[0] != current || len(node.Outputs) != 1 {
			return nil, errors.Errorf("node %s is not part of a sequential chain", node.Name)
		}
		l, err := m.layerFor(node, weights)
		if err != nil {
			return nil, errors.Wrapf(err, "node %s (%s)", node.Name, node.OpType)
		}
		if shape, err = l.OutputShape(shape); err != nil {
			return nil, err
		}
		layers = append(layers, l)
		current = node.Outputs[0]
	}

	net, err := nn.NewModel(in, layers...)
	if err != nil {
		return nil, err
	}
	if err := net.SetWeights(weights); err != nil {
		return nil, err
	}
	return net, nil
}

func (m *Model) layerFor(node *Node, weights map[string]*nn.Tensor) (nn.Layer, error) {
	operand := func(i int) (*Tensor, error) {
		if len(node.Inputs) <= i {
			return nil, errors.Errorf("missing input %d", i)
		}
		t := m.Graph.Initializer(node.Inputs[i])
		if t == nil {
			return nil, errors.Errorf("initializer %q not found", node.Inputs[i])
		}
		return t, nil
	}
	bind := func(p *nn.Param, t *Tensor) error {
		tt, err := t.toTensor()
		if err != nil {
			return err
		}
		if !tt.Shape.Equal(p.Value.Shape) {
			return errors.Errorf("initializer %s has shape %v, want %v", t.Name, tt.Shape, p.Value.Shape)
		}
		weights[p.Name] = tt
		return nil
	}

	switch node.OpType {
	case "Mul":
		t, err := operand(1)
		if err != nil {
			return nil, err
		}
		if len(t.Floats) != 1 {
			return nil, errors.New("only scalar Mul is supported")
		}
		return nn.NewRescale(node.Name, t.Floats[0]), nil

	case "Conv":
		w, err := operand(1)
		if err != nil {
			return nil, err
		}
		if len(w.Dims) != 4 || w.Dims[2] != w.Dims[3] {
			return nil, errors.Errorf("unsupported conv weight dims %v", w.Dims)
		}
		stride, err := squareAttr(node, "strides", 1)
		if err != nil {
			return nil, err
		}
		pad, err := squareAttr(node, "pads", 0)
		if err != nil {
			return nil, err
		}
		l := nn.NewConv2D(node.Name, int(w.Dims[1]), int(w.Dims[0]), int(w.Dims[2]), stride, pad)
		if err := bind(l.Weight, w); err != nil {
			return nil, err
		}
		if len(node.Inputs) > 2 {
			b, err := operand(2)
			if err != nil {
				return nil, err
			}
			if err := bind(l.Bias, b); err != nil {
				return nil, err
			}
		} else {
			weights[l.Bias.Name] = nn.NewTensor(l.Bias.Value.Shape...)
		}
		return l, nil

	case "Relu":
		return nn.NewReLU(node.Name), nil

	case "MaxPool":
		size, err := squareAttr(node, "kernel_shape", 0)
		if err != nil || size == 0 {
			return nil, errors.New("MaxPool needs a square kernel_shape")
		}
		stride, err := squareAttr(node, "strides", 1)
		if err != nil {
			return nil, err
		}
		return nn.NewMaxPool2D(node.Name, size, stride), nil

	case "Flatten":
		if a := node.Attr("axis"); a != nil && a.I != 1 {
			return nil, errors.Errorf("Flatten axis %d is not supported", a.I)
		}
		return nn.NewFlatten(node.Name), nil

	case "Gemm":
		for _, name := range []string{"transA", "transB"} {
			if a := node.Attr(name); a != nil && a.I != 0 {
				return nil, errors.Errorf("Gemm %s is not supported", name)
			}
		}
		w, err := operand(1)
		if err != nil {
			return nil, err
		}
		if len(w.Dims) != 2 {
			return nil, errors.Errorf("unsupported Gemm weight dims %v", w.Dims)
		}
		l := nn.NewDense(node.Name, int(w.Dims[0]), int(w.Dims[1]))
		if err := bind(l.Weight, w); err != nil {
			return nil, err
		}
		if len(node.Inputs) > 2 {
			b, err := operand(2)
			if err != nil {
				return nil, err
			}
			if err := bind(l.Bias, b); err != nil {
				return nil, err
			}
		} else {
			weights[l.Bias.Name] = nn.NewTensor(l.Bias.Value.Shape...)
		}
		return l, nil

	case "Softmax":
		if a := node.Attr("axis"); a != nil && a.I != 1 && a.I != -1 {
			return nil, errors.Errorf("Softmax axis %d is not supported", a.I)
		}
		return nn.NewSoftmax(node.Name), nil
	}
	return nil, errors.Errorf("unsupported operator %s", node.OpType)
}

// squareAttr reads an ints attribute whose entries must all be equal.
func squareAttr(node *Node, name string, def int) (int, error) {
	a := node.Attr(name)
	if a == nil || len(a.Ints) == 0 {
		return def, nil
	}
	for _, v := range a.Ints[1:] {
		if v != a.Ints[0] {
			return 0, errors.Errorf("%s %v: only uniform values are supported", name, a.Ints)
		}
	}
	return int(a.Ints[0]), nil
}

// WriteFile marshals the model to path.
func WriteFile(path string, m *Model) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// ReadFile loads and decodes a model.
func ReadFile(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	m, err := Unmarshal(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return m, nil
}

func (m *Model) String() string {
	if m.Graph == nil {
		return "onnx model (no graph)"
	}
	return fmt.Sprintf("onnx model %q: %d nodes, %d initializers, opset %d",
		m.Graph.Name, len(m.Graph.Nodes), len(m.Graph.Initializers), m.OpsetVersion)
}
