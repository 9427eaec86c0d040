package onnx

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/Brownie44l1/plant-health/internal/nn"
)

func testNetwork(t *testing.T) *nn.Model {
	t.Helper()
	net, err := nn.NewBuilder(3, 12, 12).
		Rescale(1.0/255).
		Conv2D(4, 3, 1, 0).
		ReLU().
		MaxPool2D(2, 2).
		Flatten().
		Dense(6).
		ReLU().
		Dense(3).
		Softmax().
		Compile()
	require.NoError(t, err)
	net.Initialize(42)
	return net
}

func testInput(n int) *nn.Tensor {
	x := nn.NewTensor(n, 3, 12, 12)
	for i := range x.Data {
		x.Data[i] = float32((i * 37) % 256)
	}
	return x
}

func TestNetworkRoundTrip(t *testing.T) {
	net := testNetwork(t)
	m, err := FromNetwork(net)
	require.NoError(t, err)
	m.SetMeta("labels", `["a","b","c"]`)

	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, WriteFile(path, m))

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, IRVersion, loaded.IRVersion)
	assert.EqualValues(t, OpsetVersion, loaded.OpsetVersion)
	assert.Equal(t, "plant-health", loaded.ProducerName)

	labels, ok := loaded.Meta("labels")
	assert.True(t, ok)
	assert.Equal(t, `["a","b","c"]`, labels)

	in, err := loaded.InputShape()
	require.NoError(t, err)
	assert.Equal(t, nn.Shape{3, 12, 12}, in)

	width, err := loaded.OutputWidth()
	require.NoError(t, err)
	assert.Equal(t, 3, width)

	var ops []string
	for _, n := range loaded.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{"Mul", "Conv", "Relu", "MaxPool", "Flatten", "Gemm", "Relu", "Gemm", "Softmax"}, ops)
	assert.Equal(t, OutputName, loaded.Graph.Nodes[len(loaded.Graph.Nodes)-1].Outputs[0])

	rebuilt, err := loaded.ToNetwork()
	require.NoError(t, err)

	x := testInput(2)
	want, err := net.Predict(x)
	require.NoError(t, err)
	got, err := rebuilt.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestWeightsOnlyModel(t *testing.T) {
	net := testNetwork(t)
	m := FromWeights(net)
	m.SetMeta("epoch", "3")
	m.SetMeta("epoch", "4")

	b, err := Marshal(m)
	require.NoError(t, err)
	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Empty(t, decoded.Graph.Nodes)
	assert.Len(t, decoded.Metadata, 1)
	epoch, _ := decoded.Meta("epoch")
	assert.Equal(t, "4", epoch)

	weights, err := decoded.Weights()
	require.NoError(t, err)

	other := testNetwork(t)
	other.Initialize(1)
	require.NoError(t, other.SetWeights(weights))

	x := testInput(1)
	want, err := net.Predict(x)
	require.NoError(t, err)
	got, err := other.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)

	_, err = decoded.ToNetwork()
	assert.Error(t, err)
}

func TestPackedFloatData(t *testing.T) {
	var packed []byte
	for _, f := range []float32{1.5, -2, 3.25} {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}

	// dims (1, packed), data_type (2), float_data (4, packed), name (8)
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, protowire.AppendVarint(nil, 3))
	tensor = protowire.AppendTag(tensor, 2, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, TensorFloat)
	tensor = protowire.AppendTag(tensor, 4, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, packed)
	tensor = protowire.AppendTag(tensor, 8, protowire.BytesType)
	tensor = protowire.AppendString(tensor, "w")

	msg := dynamicpb.NewMessage(tensorDesc)
	require.NoError(t, proto.Unmarshal(tensor, msg))
	decoded, err := decodeTensor(pb{msg})
	require.NoError(t, err)
	assert.Equal(t, "w", decoded.Name)
	assert.Equal(t, []int64{3}, decoded.Dims)
	assert.Equal(t, []float32{1.5, -2, 3.25}, decoded.Floats)
}

// Top-level ModelProto field numbers must match onnx.proto for other
// runtimes to read the file.
func TestModelWireLayout(t *testing.T) {
	m, err := FromNetwork(testNetwork(t))
	require.NoError(t, err)
	m.SetMeta("labels", `["a"]`)
	b, err := Marshal(m)
	require.NoError(t, err)

	seen := map[protowire.Number]protowire.Type{}
	var irVersion uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.Positive(t, n)
		b = b[n:]
		if num == 1 {
			v, _ := protowire.ConsumeVarint(b)
			irVersion = v
		}
		seen[num] = typ
		n = protowire.ConsumeFieldValue(num, typ, b)
		require.Positive(t, n)
		b = b[n:]
	}
	assert.EqualValues(t, IRVersion, irVersion)
	assert.Equal(t, protowire.BytesType, seen[2])  // producer_name
	assert.Equal(t, protowire.BytesType, seen[7])  // graph
	assert.Equal(t, protowire.BytesType, seen[8])  // opset_import
	assert.Equal(t, protowire.BytesType, seen[14]) // metadata_props
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	m := FromWeights(testNetwork(t))
	b, err := Marshal(m)
	require.NoError(t, err)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 98, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Len(t, decoded.Graph.Initializers, len(m.Graph.Initializers))
}

func TestTruncatedInput(t *testing.T) {
	b, err := Marshal(FromWeights(testNetwork(t)))
	require.NoError(t, err)
	_, err = Unmarshal(b[:len(b)/2])
	assert.Error(t, err)
}

func TestUnsupportedOperator(t *testing.T) {
	m, err := FromNetwork(testNetwork(t))
	require.NoError(t, err)
	m.Graph.Nodes[2].OpType = "Tanh"

	_, err = m.ToNetwork()
	assert.ErrorContains(t, err, "unsupported operator Tanh")
}
