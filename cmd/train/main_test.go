package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/project"
)

func newProject(t *testing.T, perClass int) project.Layout {
	t.Helper()
	t.Setenv("PLANT_HEALTH_CONFIG", "")

	layout := project.Layout{Root: t.TempDir()}
	for class, c := range map[string]color.NRGBA{
		"Tomato_Bacterial_spot": {R: 190, G: 60, B: 40, A: 255},
		"Tomato_healthy":        {R: 40, G: 170, B: 60, A: 255},
	} {
		dir := filepath.Join(layout.Dataset(), class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			img := image.NewNRGBA(image.Rect(0, 0, 26, 26))
			for p := 0; p < len(img.Pix); p += 4 {
				img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R+uint8(i), c.G, c.B, 255
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return layout
}

func TestTrainWritesArtifacts(t *testing.T) {
	layout := newProject(t, 5)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"--root", layout.Root,
		"--epochs", "1",
		"--batch-size", "4",
		"--image-size", "22",
		"--model-base", "mixedplants_cnn_v1_20250525",
		"--quiet",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Classes (2): [Tomato_Bacterial_spot Tomato_healthy]")
	assert.Contains(t, out, "conv2d_1")
	assert.Contains(t, out, "Training complete")

	path := filepath.Join(layout.Checkpoints(), "mixedplants_cnn_v1_20250525.onnx")
	_, meta, err := model.LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, 22, meta.ImageSize)
	assert.Equal(t, []string{"Tomato_Bacterial_spot", "Tomato_healthy"}, meta.Labels)

	resolved, err := model.ResolveModel(layout.Checkpoints())
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	assert.FileExists(t, filepath.Join(layout.Outputs(), "mixedplants_cnn_v1_20250525_history.json"))
	assert.FileExists(t, filepath.Join(layout.Outputs(), "mixedplants_cnn_v1_20250525_history.png"))
}

func TestTrainFailures(t *testing.T) {
	layout := project.Layout{Root: t.TempDir()}
	require.NoError(t, os.MkdirAll(layout.Analyzer(), 0o755))
	t.Setenv("PLANT_HEALTH_CONFIG", "")

	var stdout, stderr bytes.Buffer
	code := run([]string{"--root", layout.Root, "--image-size", "22"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error: ")

	stderr.Reset()
	code = run([]string{"--root", layout.Root, "--validation-split", "1.5"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "validation_split")

	stderr.Reset()
	code = run([]string{"--root", layout.Root, "extra"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unexpected arguments")
}
