package training

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/plant-health/internal/config"
	"github.com/Brownie44l1/plant-health/internal/model"
)

const testImageSize = 22

// makeDataset writes n noisy images per class, red for "blight" and
// blue for "healthy".
func makeDataset(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for class, base := range map[string]color.NRGBA{
		"blight":  {R: 200, G: 40, B: 30, A: 255},
		"healthy": {R: 30, G: 60, B: 210, A: 255},
	} {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
			for y := 0; y < 24; y++ {
				for x := 0; x < 24; x++ {
					c := base
					c.G += uint8((x*7 + y*3 + i*11) % 40)
					img.SetNRGBA(x, y, c)
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s_%02d.png", class, i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return root
}

func testOptions(t *testing.T, datasetDir string) Options {
	logger, _ := logtest.NewNullLogger()
	out := t.TempDir()
	return Options{
		TrainingConfig: config.TrainingConfig{
			ImageSize:       testImageSize,
			BatchSize:       4,
			Epochs:          2,
			ValidationSplit: 0.25,
			Seed:            123,
			LearningRate:    0.001,
			ModelBase:       "mixedplants_cnn_v1_20250525",
			Workers:         2,
		},
		DatasetDir:    datasetDir,
		CheckpointDir: filepath.Join(out, "checkpoints"),
		OutputDir:     out,
		Quiet:         true,
		Log:           logrus.NewEntry(logger),
	}
}

func TestShortTrainingRun(t *testing.T) {
	opts := testOptions(t, makeDataset(t, 6))
	tr, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"blight", "healthy"}, tr.Classes())

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(opts.CheckpointDir, "mixedplants_cnn_v1_20250525.onnx"), res.ModelPath)
	assert.FileExists(t, res.ModelPath)
	require.NotEmpty(t, res.Checkpoints)
	for _, c := range res.Checkpoints {
		assert.FileExists(t, c)
	}
	assert.Regexp(t, `mixedplants_cnn_v1_20250525_epoch01_valacc\d\.\d\d\.weights\.onnx$`, res.Checkpoints[0])
	require.Len(t, res.History.Epochs, 2)

	h, err := ReadHistory(res.HistoryJSON)
	require.NoError(t, err)
	assert.Equal(t, res.History, h)

	f, err := os.Open(res.HistoryPlot)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Greater(t, cfg.Width, cfg.Height)

	net, meta, err := model.LoadArtifact(res.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"blight", "healthy"}, meta.Labels)
	assert.Equal(t, testImageSize, meta.ImageSize)
	assert.Equal(t, tr.Network().Weights(), net.Weights())

	// The last checkpoint holds the best epoch's weights.
	best, ok := res.History.Best()
	require.True(t, ok)
	info, err := model.LoadWeights(res.Checkpoints[len(res.Checkpoints)-1], net)
	require.NoError(t, err)
	assert.Equal(t, best.Epoch, info.Epoch)
}

func TestInitialWeights(t *testing.T) {
	dir := makeDataset(t, 4)
	first, err := New(testOptions(t, dir))
	require.NoError(t, err)
	res, err := first.Run(context.Background())
	require.NoError(t, err)

	opts := testOptions(t, dir)
	opts.Seed = 99
	opts.InitialWeights = res.ModelPath
	second, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, first.Network().Weights(), second.Network().Weights())
}

func TestRunHonorsCancellation(t *testing.T) {
	tr, err := New(testOptions(t, makeDataset(t, 4)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRejectsTinyDataset(t *testing.T) {
	_, err := New(testOptions(t, makeDataset(t, 1)))
	assert.True(t, errors.Is(err, ErrEmptyValidation))

	_, err = New(testOptions(t, t.TempDir()))
	assert.Error(t, err)
}

func TestHistoryBest(t *testing.T) {
	h := &History{}
	_, ok := h.Best()
	assert.False(t, ok)

	h.Add(EpochStats{Epoch: 1, ValAccuracy: 0.5})
	h.Add(EpochStats{Epoch: 2, ValAccuracy: 0.8})
	h.Add(EpochStats{Epoch: 3, ValAccuracy: 0.8})
	best, ok := h.Best()
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)
}

func TestWriteSummary(t *testing.T) {
	net, err := model.Build(testImageSize, 3)
	require.NoError(t, err)

	var buf bytes.Buffer
	WriteSummary(&buf, net)
	out := buf.String()
	for _, name := range []string{"rescaling_1", "conv2d_3", "max_pooling2d_3", "flatten_1", "dense_2", "softmax_1"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, strconv.Itoa(net.ParamCount()))
	assert.Contains(t, out, "32 filters 3x3/1 pad 0")
	assert.Contains(t, out, "128 units")
}

func TestWriteResult(t *testing.T) {
	h := &History{}
	h.Add(EpochStats{Epoch: 1, ValAccuracy: 0.75, ValLoss: 0.6})

	var buf bytes.Buffer
	WriteResult(&buf, &Result{ModelPath: "m.onnx", Checkpoints: []string{"c.weights.onnx"}, History: h})
	assert.Contains(t, buf.String(), "0.7500 at epoch 1")
	assert.Contains(t, buf.String(), "c.weights.onnx")
}
