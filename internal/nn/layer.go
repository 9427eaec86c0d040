package nn

// Kind identifies a layer type.
type Kind int

const (
	KindRescale Kind = iota
	KindConv2D
	KindReLU
	KindMaxPool2D
	KindFlatten
	KindDense
	KindSoftmax
)

func (k Kind) String() string {
	switch k {
	case KindRescale:
		return "Rescaling"
	case KindConv2D:
		return "Conv2D"
	case KindReLU:
		return "ReLU"
	case KindMaxPool2D:
		return "MaxPool2D"
	case KindFlatten:
		return "Flatten"
	case KindDense:
		return "Dense"
	case KindSoftmax:
		return "Softmax"
	default:
		return "Unknown"
	}
}

// Layer is one stage of a sequential model. Shapes passed to OutputShape
// exclude the batch dimension.
//
// Forward caches whatever Backward needs, so a layer serves one
// forward/backward pair at a time.
type Layer interface {
	Name() string
	Kind() Kind
	OutputShape(in Shape) (Shape, error)
	Forward(x *Tensor, training bool) (*Tensor, error)
	Backward(grad *Tensor) (*Tensor, error)
	Params() []*Param
}
