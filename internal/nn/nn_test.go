package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseForward(t *testing.T) {
	d := NewDense("dense", 2, 3)
	copy(d.Weight.Value.Data, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	copy(d.Bias.Value.Data, []float32{0.5, 0, -1})

	x, err := FromData([]float32{1, 1, 2, 0}, 2, 2)
	require.NoError(t, err)

	y, err := d.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3}, y.Shape)
	assert.Equal(t, []float32{5.5, 7, 8, 2.5, 4, 5}, y.Data)
}

func TestConv2DForward(t *testing.T) {
	c := NewConv2D("conv", 1, 1, 2, 1, 0)
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = 1
	}
	c.Bias.Value.Data[0] = 1

	x, err := FromData([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)
	require.NoError(t, err)

	y, err := c.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{13, 17, 25, 29}, y.Data)
}

func TestConv2DPadding(t *testing.T) {
	c := NewConv2D("conv", 1, 1, 3, 1, 1)
	c.Weight.Value.Data[4] = 1 // identity kernel

	x, err := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)

	y, err := c.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, x.Data, y.Data)
}

func TestMaxPool2D(t *testing.T) {
	p := NewMaxPool2D("pool", 2, 2)
	x, err := FromData([]float32{
		1, 5, 2, 0, 9,
		3, 4, 8, 1, 9,
		0, 0, 1, 1, 9,
		7, 0, 1, 6, 9,
		9, 9, 9, 9, 9,
	}, 1, 1, 5, 5)
	require.NoError(t, err)

	y, err := p.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{5, 8, 7, 6}, y.Data)

	g, err := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)
	dx, err := p.Backward(g)
	require.NoError(t, err)

	want := make([]float32, 25)
	want[1], want[7], want[15], want[18] = 1, 2, 3, 4
	assert.Equal(t, want, dx.Data)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	s := NewSoftmax("softmax")
	x, err := FromData([]float32{1, 2, 3, 1000, 1000, -1000}, 2, 3)
	require.NoError(t, err)

	y, err := s.Forward(x, false)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		var sum float64
		for _, v := range y.Sample(i) {
			assert.False(t, math.IsNaN(float64(v)))
			sum += float64(v)
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	assert.Equal(t, 2, Argmax(y.Sample(0)))
	assert.InDelta(t, 0.5, y.Sample(1)[0], 1e-6)
}

func TestSparseCrossEntropy(t *testing.T) {
	probs, err := FromData([]float32{0.7, 0.2, 0.1, 0.1, 0.1, 0.8}, 2, 3)
	require.NoError(t, err)

	res, err := SparseCrossEntropy(probs, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, (-math.Log(0.7)-math.Log(0.1))/2, res.Loss, 1e-6)
	assert.Equal(t, 1, res.Correct)

	_, err = SparseCrossEntropy(probs, []int{0, 3})
	assert.Error(t, err)
	_, err = SparseCrossEntropy(probs, []int{0})
	assert.Error(t, err)
}

func smallModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewBuilder(2, 4, 4).
		Conv2D(3, 2, 1, 0).
		Flatten().
		Dense(3).
		Softmax().
		Compile()
	require.NoError(t, err)
	m.Initialize(7)
	return m
}

func batchLoss(t *testing.T, m *Model, x *Tensor, labels []int) float64 {
	t.Helper()
	probs, err := m.Forward(x, false)
	require.NoError(t, err)
	res, err := SparseCrossEntropy(probs, labels)
	require.NoError(t, err)
	return res.Loss
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	m := smallModel(t)
	x := NewTensor(2, 2, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i)))
	}
	labels := []int{2, 0}

	probs, err := m.Forward(x, true)
	require.NoError(t, err)
	res, err := SparseCrossEntropy(probs, labels)
	require.NoError(t, err)
	require.NoError(t, m.Backward(res.Grad))

	const eps = 1e-2
	for _, p := range m.Params() {
		for _, j := range []int{0, len(p.Value.Data) / 2, len(p.Value.Data) - 1} {
			orig := p.Value.Data[j]
			p.Value.Data[j] = orig + eps
			up := batchLoss(t, m, x, labels)
			p.Value.Data[j] = orig - eps
			down := batchLoss(t, m, x, labels)
			p.Value.Data[j] = orig

			numeric := (up - down) / (2 * eps)
			analytic := float64(p.Grad.Data[j])
			assert.InDelta(t, numeric, analytic, 2e-3+2e-2*math.Abs(numeric), "%s[%d]", p.Name, j)
		}
	}
}

func TestAdamReducesLoss(t *testing.T) {
	m := smallModel(t)
	x := NewTensor(3, 2, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(math.Cos(float64(i) * 0.7))
	}
	labels := []int{0, 1, 2}

	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.05
	opt := NewAdam(m.Params(), cfg)

	before := batchLoss(t, m, x, labels)
	for i := 0; i < 60; i++ {
		probs, err := m.Forward(x, true)
		require.NoError(t, err)
		res, err := SparseCrossEntropy(probs, labels)
		require.NoError(t, err)
		require.NoError(t, m.Backward(res.Grad))
		opt.Step()
	}
	after := batchLoss(t, m, x, labels)

	assert.Less(t, after, before/2)
	assert.Equal(t, 60, opt.Steps())
	for _, p := range m.Params() {
		assert.Zero(t, p.Grad.Data[0])
	}
}

func TestBuilderRejectsSmallInput(t *testing.T) {
	_, err := NewBuilder(3, 4, 4).
		Conv2D(8, 3, 1, 0).
		MaxPool2D(2, 2).
		Conv2D(8, 3, 1, 0).
		Compile()
	assert.Error(t, err)
}

func TestBuilderNamesAndShapes(t *testing.T) {
	m, err := NewBuilder(3, 10, 10).
		Rescale(1.0/255).
		Conv2D(4, 3, 1, 0).
		ReLU().
		MaxPool2D(2, 2).
		Flatten().
		Dense(5).
		Softmax().
		Compile()
	require.NoError(t, err)

	var names []string
	for _, l := range m.Layers() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"rescaling_1", "conv2d_1", "relu_1", "max_pooling2d_1", "flatten_1", "dense_1", "softmax_1"}, names)
	assert.Equal(t, Shape{4, 8, 8}, m.LayerShapes()[1])
	assert.Equal(t, Shape{4, 4, 4}, m.LayerShapes()[3])
	assert.Equal(t, 5, m.OutputWidth())
	assert.Equal(t, 4*3*3*3+4+64*5+5, m.ParamCount())
}

func TestSetWeights(t *testing.T) {
	m := smallModel(t)
	other := smallModel(t)
	other.Initialize(99)

	require.NoError(t, m.SetWeights(other.Weights()))
	assert.Equal(t, other.Weights()["dense_1.weight"].Data, m.Weights()["dense_1.weight"].Data)

	bad := other.Weights()
	bad["dense_1.bias"] = NewTensor(4)
	assert.Error(t, m.SetWeights(bad))

	delete(bad, "dense_1.bias")
	assert.Error(t, m.SetWeights(bad))
}

func TestForwardIsDeterministic(t *testing.T) {
	m := smallModel(t)
	x := NewTensor(4, 2, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}
	a, err := m.Predict(x)
	require.NoError(t, err)
	b, err := m.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)

	_, err = m.Predict(NewTensor(1, 3, 4, 4))
	assert.Error(t, err)
}
