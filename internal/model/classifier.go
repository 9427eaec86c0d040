package model

import (
	"fmt"
	"image"
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/plant-health/internal/imageproc"
	"github.com/Brownie44l1/plant-health/internal/nn"
)

// Inference backends.
const (
	BackendNative      = "native"
	BackendONNXRuntime = "onnxruntime"
)

var ErrClassMismatch = errors.New("class count mismatch")

// ClassMismatchError reports a model whose output width differs from the
// number of known classes. It matches ErrClassMismatch.
type ClassMismatchError struct {
	Outputs int
	Classes int
}

func (e *ClassMismatchError) Error() string {
	return fmt.Sprintf("model outputs %d, but found %d classes", e.Outputs, e.Classes)
}

func (e *ClassMismatchError) Is(target error) bool { return target == ErrClassMismatch }

type backend interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

type nativeBackend struct {
	net *nn.Model
}

func (b *nativeBackend) Run(input []float32) ([]float32, error) {
	x, err := nn.FromData(input, append([]int{1}, b.net.InputShape()...)...)
	if err != nil {
		return nil, err
	}
	out, err := b.net.Predict(x)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (b *nativeBackend) Close() error { return nil }

type Options struct {
	ModelPath string
	// Backend is BackendNative (the default) or BackendONNXRuntime.
	Backend string
	// Labels name the output positions, in order.
	Labels []string
	Log    *logrus.Entry
}

// Classifier labels single images with a loaded model. It is safe for
// concurrent use; forward passes are serialized.
type Classifier struct {
	mu      sync.Mutex
	backend backend
	labels  []string
	meta    *Metadata
	log     *logrus.Entry
}

// NewClassifier loads the artifact at opts.ModelPath and checks that its
// output width matches the label list.
func NewClassifier(opts Options) (*Classifier, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("model", opts.ModelPath)
	if opts.Backend == "" {
		opts.Backend = BackendNative
	}

	if _, err := os.Stat(opts.ModelPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrModelNotFound, opts.ModelPath)
		}
		return nil, errors.Wrap(err, "stat model")
	}

	var (
		b    backend
		meta *Metadata
		err  error
	)
	switch opts.Backend {
	case BackendNative:
		var net *nn.Model
		if net, meta, err = LoadArtifact(opts.ModelPath); err != nil {
			return nil, err
		}
		b = &nativeBackend{net: net}
	case BackendONNXRuntime:
		if meta, err = ReadMetadata(opts.ModelPath); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown backend %q", opts.Backend)
	}

	outputs := int(meta.OutputShape[len(meta.OutputShape)-1])
	if outputs != len(opts.Labels) {
		return nil, &ClassMismatchError{Outputs: outputs, Classes: len(opts.Labels)}
	}
	if len(meta.Labels) > 0 && !slices.Equal(meta.Labels, opts.Labels) {
		log.WithField("embedded", meta.Labels).Warn("class list differs from the one the model was trained on")
	}

	if b == nil {
		if b, err = newORTBackend(opts.ModelPath, meta); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"backend":    opts.Backend,
		"classes":    len(opts.Labels),
		"image_size": meta.ImageSize,
	}).Debug("model loaded")

	return &Classifier{
		backend: b,
		labels:  append([]string(nil), opts.Labels...),
		meta:    meta,
		log:     log,
	}, nil
}

func (c *Classifier) Labels() []string { return c.labels }

func (c *Classifier) Metadata() *Metadata { return c.meta }

// ImageSize is the side length images are resized to.
func (c *Classifier) ImageSize() int { return c.meta.ImageSize }

// InputSize is the number of values in one preprocessed image.
func (c *Classifier) InputSize() int {
	return imageproc.Channels * c.meta.ImageSize * c.meta.ImageSize
}

// Predict classifies one preprocessed CHW image with 0..255 values.
func (c *Classifier) Predict(input []float32) (*Prediction, error) {
	if len(input) != c.InputSize() {
		return nil, errors.Errorf("expected %d values, got %d", c.InputSize(), len(input))
	}

	c.mu.Lock()
	probs, err := c.backend.Run(input)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(probs) != len(c.labels) {
		return nil, errors.Errorf("model returned %d scores for %d classes", len(probs), len(c.labels))
	}

	best := nn.Argmax(probs)
	p := &Prediction{
		Label:         c.labels[best],
		Confidence:    float64(probs[best]) * 100,
		Probabilities: make(map[string]float32, len(probs)),
	}
	for i, v := range probs {
		p.Probabilities[c.labels[i]] = v
	}
	c.log.WithFields(logrus.Fields{"label": p.Label, "confidence": p.Confidence}).Debug("prediction")
	return p, nil
}

// PredictImage resizes img to the model input and classifies it.
func (c *Classifier) PredictImage(img image.Image) (*Prediction, error) {
	input := make([]float32, c.InputSize())
	if err := imageproc.ToTensor(img, c.ImageSize(), input); err != nil {
		return nil, err
	}
	return c.Predict(input)
}

// PredictFile decodes the image at path and classifies it.
func (c *Classifier) PredictFile(path string) (*Prediction, error) {
	input, err := imageproc.Load(path, c.ImageSize())
	if err != nil {
		return nil, err
	}
	return c.Predict(input)
}

func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Close()
}
