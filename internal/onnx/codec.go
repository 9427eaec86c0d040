package onnx

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// pb wraps a dynamic message with name-based field access. Field names
// are fixed by schemaFile, so a miss is a programming error.
type pb struct {
	m protoreflect.Message
}

func (x pb) field(name string) protoreflect.FieldDescriptor {
	fd := x.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic("onnx: " + string(x.m.Descriptor().Name()) + " has no field " + name)
	}
	return fd
}

func (x pb) set(name string, v protoreflect.Value) { x.m.Set(x.field(name), v) }

func (x pb) setString(name, v string) {
	if v != "" {
		x.set(name, protoreflect.ValueOfString(v))
	}
}

func (x pb) setInt(name string, v int64) {
	if v == 0 {
		return
	}
	if x.field(name).Kind() == protoreflect.Int32Kind {
		x.set(name, protoreflect.ValueOfInt32(int32(v)))
		return
	}
	x.set(name, protoreflect.ValueOfInt64(v))
}

func (x pb) child(name string) pb {
	return pb{x.m.Mutable(x.field(name)).Message()}
}

func (x pb) add(name string) pb {
	return pb{x.mutableList(name).AppendMutable().Message()}
}

func (x pb) list(name string) protoreflect.List { return x.m.Get(x.field(name)).List() }

// mutableList returns the repeated field name for appending.
func (x pb) mutableList(name string) protoreflect.List { return x.m.Mutable(x.field(name)).List() }

func (x pb) has(name string) bool { return x.m.Has(x.field(name)) }

func (x pb) str(name string) string { return x.m.Get(x.field(name)).String() }

func (x pb) int(name string) int64 { return x.m.Get(x.field(name)).Int() }

func (x pb) get(name string) pb { return pb{x.m.Get(x.field(name)).Message()} }

// each calls fn for every message in the repeated field name.
func (x pb) each(name string, fn func(pb) error) error {
	l := x.list(name)
	for i := 0; i < l.Len(); i++ {
		if err := fn(pb{l.Get(i).Message()}); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes the model as a ModelProto.
func Marshal(m *Model) ([]byte, error) {
	msg := dynamicpb.NewMessage(modelDesc)
	x := pb{msg}
	x.setInt("ir_version", m.IRVersion)
	x.setString("producer_name", m.ProducerName)
	x.setString("producer_version", m.ProducerVersion)
	x.setString("domain", m.Domain)
	x.setInt("model_version", m.ModelVersion)
	x.setString("doc_string", m.DocString)
	if m.Graph != nil {
		encodeGraph(x.child("graph"), m.Graph)
	}

	opset := x.add("opset_import")
	opset.set("version", protoreflect.ValueOfInt64(m.OpsetVersion))

	for _, e := range m.Metadata {
		entry := x.add("metadata_props")
		entry.set("key", protoreflect.ValueOfString(e.Key))
		entry.set("value", protoreflect.ValueOfString(e.Value))
	}

	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	return b, errors.Wrap(err, "encode model")
}

func encodeGraph(x pb, g *Graph) {
	for _, n := range g.Nodes {
		encodeNode(x.add("node"), n)
	}
	x.setString("name", g.Name)
	for _, t := range g.Initializers {
		encodeTensor(x.add("initializer"), t)
	}
	x.setString("doc_string", g.DocString)
	for _, v := range g.Inputs {
		encodeValueInfo(x.add("input"), v)
	}
	for _, v := range g.Outputs {
		encodeValueInfo(x.add("output"), v)
	}
}

func encodeNode(x pb, n *Node) {
	// Empty names stay in place: node inputs are positional.
	inputs, outputs := x.mutableList("input"), x.mutableList("output")
	for _, in := range n.Inputs {
		inputs.Append(protoreflect.ValueOfString(in))
	}
	for _, out := range n.Outputs {
		outputs.Append(protoreflect.ValueOfString(out))
	}
	x.setString("name", n.Name)
	x.setString("op_type", n.OpType)
	for _, a := range n.Attributes {
		attr := x.add("attribute")
		attr.setString("name", a.Name)
		switch a.Type {
		case AttrFloat:
			attr.set("f", protoreflect.ValueOfFloat32(a.F))
		case AttrInt:
			attr.set("i", protoreflect.ValueOfInt64(a.I))
		case AttrInts:
			ints := attr.mutableList("ints")
			for _, v := range a.Ints {
				ints.Append(protoreflect.ValueOfInt64(v))
			}
		}
		attr.setInt("type", a.Type)
	}
}

func encodeTensor(x pb, t *Tensor) {
	dims := x.mutableList("dims")
	for _, d := range t.Dims {
		dims.Append(protoreflect.ValueOfInt64(d))
	}
	dt := t.DataType
	if dt == 0 {
		dt = TensorFloat
	}
	x.setInt("data_type", dt)
	x.setString("name", t.Name)

	raw := make([]byte, 4*len(t.Floats))
	for i, f := range t.Floats {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}
	x.set("raw_data", protoreflect.ValueOfBytes(raw))
}

func encodeValueInfo(x pb, v *ValueInfo) {
	x.setString("name", v.Name)
	tt := x.child("type").child("tensor_type")
	elem := v.ElemType
	if elem == 0 {
		elem = TensorFloat
	}
	tt.setInt("elem_type", elem)

	shape := tt.child("shape")
	for _, d := range v.Dims {
		dim := shape.add("dim")
		if d.Param != "" {
			dim.set("dim_param", protoreflect.ValueOfString(d.Param))
		} else {
			dim.set("dim_value", protoreflect.ValueOfInt64(d.Value))
		}
	}
}

// Unmarshal decodes a ModelProto. Unknown fields are skipped.
func Unmarshal(b []byte) (*Model, error) {
	msg := dynamicpb.NewMessage(modelDesc)
	if err := (proto.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, msg); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	x := pb{msg}

	m := &Model{
		IRVersion:       x.int("ir_version"),
		ProducerName:    x.str("producer_name"),
		ProducerVersion: x.str("producer_version"),
		Domain:          x.str("domain"),
		ModelVersion:    x.int("model_version"),
		DocString:       x.str("doc_string"),
	}
	x.each("opset_import", func(o pb) error {
		if d := o.str("domain"); d == "" || d == "ai.onnx" {
			m.OpsetVersion = o.int("version")
		}
		return nil
	})
	x.each("metadata_props", func(e pb) error {
		m.Metadata = append(m.Metadata, MetadataEntry{Key: e.str("key"), Value: e.str("value")})
		return nil
	})

	if x.has("graph") {
		g, err := decodeGraph(x.get("graph"))
		if err != nil {
			return nil, err
		}
		m.Graph = g
	}
	return m, nil
}

func decodeGraph(x pb) (*Graph, error) {
	g := &Graph{Name: x.str("name"), DocString: x.str("doc_string")}
	x.each("node", func(n pb) error {
		g.Nodes = append(g.Nodes, decodeNode(n))
		return nil
	})
	err := x.each("initializer", func(t pb) error {
		tensor, err := decodeTensor(t)
		g.Initializers = append(g.Initializers, tensor)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode graph")
	}
	x.each("input", func(v pb) error {
		g.Inputs = append(g.Inputs, decodeValueInfo(v))
		return nil
	})
	x.each("output", func(v pb) error {
		g.Outputs = append(g.Outputs, decodeValueInfo(v))
		return nil
	})
	return g, nil
}

func stringList(l protoreflect.List) []string {
	if l.Len() == 0 {
		return nil
	}
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

func intList(l protoreflect.List) []int64 {
	if l.Len() == 0 {
		return nil
	}
	out := make([]int64, l.Len())
	for i := range out {
		out[i] = l.Get(i).Int()
	}
	return out
}

func decodeNode(x pb) *Node {
	n := &Node{
		Name:    x.str("name"),
		OpType:  x.str("op_type"),
		Inputs:  stringList(x.list("input")),
		Outputs: stringList(x.list("output")),
	}
	x.each("attribute", func(a pb) error {
		n.Attributes = append(n.Attributes, &Attribute{
			Name: a.str("name"),
			Type: a.int("type"),
			F:    float32(a.m.Get(a.field("f")).Float()),
			I:    a.int("i"),
			Ints: intList(a.list("ints")),
		})
		return nil
	})
	return n
}

func decodeTensor(x pb) (*Tensor, error) {
	t := &Tensor{
		Name:     x.str("name"),
		Dims:     intList(x.list("dims")),
		DataType: x.int("data_type"),
	}
	if t.DataType != TensorFloat {
		return nil, errors.Errorf("tensor %q: unsupported data type %d", t.Name, t.DataType)
	}

	if x.has("raw_data") {
		raw := x.m.Get(x.field("raw_data")).Bytes()
		if len(raw)%4 != 0 {
			return nil, errors.Errorf("tensor %q: raw_data length %d", t.Name, len(raw))
		}
		t.Floats = make([]float32, len(raw)/4)
		for i := range t.Floats {
			t.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return t, nil
	}

	data := x.list("float_data")
	t.Floats = make([]float32, data.Len())
	for i := range t.Floats {
		t.Floats[i] = float32(data.Get(i).Float())
	}
	return t, nil
}

func decodeValueInfo(x pb) *ValueInfo {
	tt := x.get("type").get("tensor_type")
	v := &ValueInfo{Name: x.str("name"), ElemType: tt.int("elem_type")}
	tt.get("shape").each("dim", func(d pb) error {
		v.Dims = append(v.Dims, Dim{Value: d.int("dim_value"), Param: d.str("dim_param")})
		return nil
	})
	return v
}
