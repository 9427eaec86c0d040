package nn

import (
	"github.com/pkg/errors"
)

// MaxPool2D takes the maximum over non-overlapping windows; with
// stride == size the trailing rows and columns that do not fill a window
// are dropped.
type MaxPool2D struct {
	name   string
	size   int
	stride int

	inShape Shape
	argmax  []int32
}

func NewMaxPool2D(name string, size, stride int) *MaxPool2D {
	return &MaxPool2D{name: name, size: size, stride: stride}
}

func (l *MaxPool2D) Name() string { return l.name }
func (l *MaxPool2D) Kind() Kind { return KindMaxPool2D }
func (l *MaxPool2D) Params() []*Param { return nil }
func (l *MaxPool2D) PoolSize() int { return l.size }
func (l *MaxPool2D) Stride() int { return l.stride }

func (l *MaxPool2D) OutputShape(in Shape) (Shape, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s expects [C,H,W] input, got %v", l.name, in)
	}
	oh := (in[1]-l.size)/l.stride + 1
	ow := (in[2]-l.size)/l.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %v too small for pool size %d", l.name, in, l.size)
	}
	return Shape{in[0], oh, ow}, nil
}

func (l *MaxPool2D) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errors.Errorf("%s expects NCHW input, got %v", l.name, x.Shape)
	}
	os, err := l.OutputShape(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := os[1], os[2]
	out := NewTensor(n, c, oh, ow)
	argmax := make([]int32, len(out.Data))

	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		base := p * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := -1
				var bestVal float32
				for ky := 0; ky < l.size; ky++ {
					row := (oy*l.stride + ky) * w
					for kx := 0; kx < l.size; kx++ {
						idx := row + ox*l.stride + kx
						if best < 0 || src[idx] > bestVal {
							best, bestVal = idx, src[idx]
						}
					}
				}
				out.Data[base+oy*ow+ox] = bestVal
				argmax[base+oy*ow+ox] = int32(best)
			}
		}
	}

	if training {
		l.inShape = x.Shape
		l.argmax = argmax
	}
	return out, nil
}

func (l *MaxPool2D) Backward(grad *Tensor) (*Tensor, error) {
	if l.argmax == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", l.name)
	}
	dx := NewTensor(l.inShape...)
	h, w := l.inShape[2], l.inShape[3]
	planes := l.inShape[0] * l.inShape[1]
	per := len(grad.Data) / planes
	for p := 0; p < planes; p++ {
		dst := dx.Data[p*h*w : (p+1)*h*w]
		for i := p * per; i < (p+1)*per; i++ {
			dst[l.argmax[i]] += grad.Data[i]
		}
	}
	l.argmax = nil
	return dx, nil
}
