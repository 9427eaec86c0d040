package model

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/plant-health/internal/onnx"
)

// ortLibraryEnv names the onnxruntime shared library to load.
const ortLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY"

var (
	ortMu   sync.Mutex
	ortRefs int
)

func acquireEnvironment() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ortRefs == 0 {
		if lib := os.Getenv(ortLibraryEnv); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initialize onnxruntime environment")
		}
	}
	ortRefs++
	return nil
}

func releaseEnvironment() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	ortRefs--
	if ortRefs > 0 {
		return nil
	}
	return errors.Wrap(ort.DestroyEnvironment(), "destroy onnxruntime environment")
}

// ortBackend runs the artifact through onnxruntime with pre-allocated
// batch-of-one tensors.
type ortBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newORTBackend(modelPath string, meta *Metadata) (_ *ortBackend, err error) {
	if err := acquireEnvironment(); err != nil {
		return nil, err
	}

	b := &ortBackend{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	b.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	b.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}

	b.session, err = ort.NewAdvancedSession(modelPath,
		[]string{onnx.InputName}, []string{onnx.OutputName},
		[]ort.ArbitraryTensor{b.inputTensor}, []ort.ArbitraryTensor{b.outputTensor},
		nil)
	if err != nil {
		return nil, errors.Wrap(err, "create onnxruntime session")
	}
	return b, nil
}

func (b *ortBackend) Run(input []float32) ([]float32, error) {
	dst := b.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("expected %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	return append([]float32(nil), b.outputTensor.GetData()...), nil
}

func (b *ortBackend) Close() error {
	var err error
	if b.session != nil {
		err = multierr.Append(err, b.session.Destroy())
	}
	if b.outputTensor != nil {
		err = multierr.Append(err, b.outputTensor.Destroy())
	}
	if b.inputTensor != nil {
		err = multierr.Append(err, b.inputTensor.Destroy())
	}
	return multierr.Append(err, releaseEnvironment())
}
