// Package onnx reads and writes the subset of the ONNX model format used
// for plant-health model artifacts: a sequential graph of Mul, Conv, Relu,
// MaxPool, Flatten, Gemm and Softmax nodes with float initializers, plus
// string metadata.
//
// Models are encoded with the protobuf runtime against the onnx.proto
// message schema in schema.go (IR version 7, default opset 13).
package onnx

const (
	IRVersion    = 7
	OpsetVersion = 13

	// TensorFloat is TensorProto.DataType FLOAT.
	TensorFloat = 1
)

// AttributeProto.AttributeType values.
const (
	AttrFloat = 1
	AttrInt   = 2
	AttrInts  = 7
)

// Model is a decoded ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	OpsetVersion    int64
	Graph           *Graph
	Metadata        []MetadataEntry
}

// MetadataEntry is one metadata_props key/value pair.
type MetadataEntry struct {
	Key   string
	Value string
}

// Meta looks up a metadata value.
func (m *Model) Meta(key string) (string, bool) {
	for _, e := range m.Metadata {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// SetMeta adds or replaces a metadata value.
func (m *Model) SetMeta(key, value string) {
	for i := range m.Metadata {
		if m.Metadata[i].Key == key {
			m.Metadata[i].Value = value
			return
		}
	}
	m.Metadata = append(m.Metadata, MetadataEntry{Key: key, Value: value})
}

type Graph struct {
	Name         string
	DocString    string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
}

// Initializer finds an initializer by name.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
}

// Attr finds an attribute by name.
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

type Attribute struct {
	Name string
	Type int64
	F    float32
	I    int64
	Ints []int64
}

func intAttr(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInt, I: v}
}

func intsAttr(name string, v ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInts, Ints: v}
}

// Tensor is a float TensorProto.
type Tensor struct {
	Name     string
	Dims     []int64
	DataType int64
	Floats   []float32
}

// ValueInfo describes a graph input or output tensor. A Dim with a
// non-empty Param is symbolic.
type ValueInfo struct {
	Name     string
	ElemType int64
	Dims     []Dim
}

type Dim struct {
	Value int64
	Param string
}
