package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Conv2D is a 2D convolution over NCHW input. Weights are laid out as
// [out_channels, in_channels, k, k].
type Conv2D struct {
	name    string
	inC     int
	outC    int
	kernel  int
	stride  int
	padding int

	Weight *Param
	Bias   *Param

	input *Tensor
	geom  convGeometry
}

// NewConv2D creates a convolution layer with zero weights.
func NewConv2D(name string, inChannels, outChannels, kernel, stride, padding int) *Conv2D {
	return &Conv2D{
		name:    name,
		inC:     inChannels,
		outC:    outChannels,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
		Weight:  newParam(name+".weight", outChannels, inChannels, kernel, kernel),
		Bias:    newParam(name+".bias", outChannels),
	}
}

func (l *Conv2D) Name() string { return l.name }
func (l *Conv2D) Kind() Kind { return KindConv2D }
func (l *Conv2D) Params() []*Param { return []*Param{l.Weight, l.Bias} }
func (l *Conv2D) Filters() int { return l.outC }
func (l *Conv2D) KernelSize() int { return l.kernel }
func (l *Conv2D) Stride() int { return l.stride }
func (l *Conv2D) Padding() int { return l.padding }

func (l *Conv2D) initialize(rng *rand.Rand) {
	k2 := l.kernel * l.kernel
	glorotUniform(rng, l.Weight.Value.Data, l.inC*k2, l.outC*k2)
	clear(l.Bias.Value.Data)
}

func (l *Conv2D) geometry(in Shape) (convGeometry, error) {
	if len(in) != 3 {
		return convGeometry{}, errors.Errorf("%s expects [C,H,W] input, got %v", l.name, in)
	}
	if in[0] != l.inC {
		return convGeometry{}, errors.Errorf("%s expects %d input channels, got %d", l.name, l.inC, in[0])
	}
	g := convGeometry{
		channels: in[0], height: in[1], width: in[2],
		kernel: l.kernel, stride: l.stride, padding: l.padding,
	}
	g.outHeight = (g.height+2*g.padding-g.kernel)/g.stride + 1
	g.outWidth = (g.width+2*g.padding-g.kernel)/g.stride + 1
	if g.outHeight <= 0 || g.outWidth <= 0 {
		return convGeometry{}, errors.Errorf("%s: input %v too small for kernel %d", l.name, in, l.kernel)
	}
	return g, nil
}

func (l *Conv2D) OutputShape(in Shape) (Shape, error) {
	g, err := l.geometry(in)
	if err != nil {
		return nil, err
	}
	return Shape{l.outC, g.outHeight, g.outWidth}, nil
}

func (l *Conv2D) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errors.Errorf("%s expects NCHW input, got %v", l.name, x.Shape)
	}
	g, err := l.geometry(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	n := x.Batch()
	out := NewTensor(n, l.outC, g.outHeight, g.outWidth)
	rows, cols := g.colRows(), g.colCols()
	w := l.Weight.Value.Data
	b := l.Bias.Value.Data

	_, err = parallelChunks(n, func(_, lo, hi int) error {
		col := make([]float32, rows*cols)
		for i := lo; i < hi; i++ {
			im2col(g, x.Sample(i), col)
			y := out.Sample(i)
			matmul(false, w, l.outC, rows, false, col, rows, cols, 0, y)
			for f := 0; f < l.outC; f++ {
				bias := b[f]
				plane := y[f*cols : (f+1)*cols]
				for j := range plane {
					plane[j] += bias
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if training {
		l.input = x
		l.geom = g
	}
	return out, nil
}

func (l *Conv2D) Backward(grad *Tensor) (*Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	x, g := l.input, l.geom
	n := x.Batch()
	rows, cols := g.colRows(), g.colCols()
	w := l.Weight.Value.Data
	dx := NewTensor(x.Shape...)

	chunks := chunkCount(n)
	dws := make([][]float32, chunks)
	dbs := make([][]float32, chunks)

	_, err := parallelChunks(n, func(chunk, lo, hi int) error {
		col := make([]float32, rows*cols)
		dcol := make([]float32, rows*cols)
		dw := make([]float32, len(w))
		db := make([]float32, l.outC)
		for i := lo; i < hi; i++ {
			dy := grad.Sample(i)
			im2col(g, x.Sample(i), col)
			// dW += dY · colᵀ
			matmul(false, dy, l.outC, cols, true, col, rows, cols, 1, dw)
			// dcol = Wᵀ · dY
			matmul(true, w, l.outC, rows, false, dy, l.outC, cols, 0, dcol)
			col2im(g, dcol, dx.Sample(i))
			for f := 0; f < l.outC; f++ {
				var s float32
				for _, v := range dy[f*cols : (f+1)*cols] {
					s += v
				}
				db[f] += s
			}
		}
		dws[chunk] = dw
		dbs[chunk] = db
		return nil
	})
	if err != nil {
		return nil, err
	}

	for c := 0; c < chunks; c++ {
		for i, v := range dws[c] {
			l.Weight.Grad.Data[i] += v
		}
		for i, v := range dbs[c] {
			l.Bias.Grad.Data[i] += v
		}
	}
	l.input = nil
	return dx, nil
}
