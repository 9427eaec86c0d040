package model

import (
	"github.com/pkg/errors"

	"github.com/Brownie44l1/plant-health/internal/imageproc"
	"github.com/Brownie44l1/plant-health/internal/nn"
)

// Build assembles the classifier network for square RGB inputs of
// imageSize pixels and the given number of classes. Weights are left
// zero; call Initialize or SetWeights before use.
func Build(imageSize, classes int) (*nn.Model, error) {
	if classes < 1 {
		return nil, errors.Errorf("need at least one class, got %d", classes)
	}

	b := nn.NewBuilder(imageproc.Channels, imageSize, imageSize).Rescale(1.0 / 255)
	for _, filters := range []int{32, 64, 128} {
		b.Conv2D(filters, 3, 1, 0).ReLU().MaxPool2D(2, 2)
	}
	net, err := b.Flatten().
		Dense(128).
		ReLU().
		Dense(classes).
		Softmax().
		Compile()
	if err != nil {
		return nil, errors.Wrapf(err, "build network for %dpx input", imageSize)
	}
	return net, nil
}
