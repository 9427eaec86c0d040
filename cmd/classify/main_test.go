package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/plant-health/internal/dataset"
	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/project"
)

const testImageSize = 22

var testClasses = []string{"Pepper__bell___healthy", "Potato___Late_blight", "Tomato_Leaf_Mold"}

// newProject lays out <root>/analyzer with one dataset directory per
// class and, when outputs > 0, a model with that many outputs.
func newProject(t *testing.T, classes []string, outputs int) project.Layout {
	t.Helper()
	t.Setenv("PLANT_HEALTH_CONFIG", "")
	t.Setenv("PLANT_HEALTH_BACKEND", "")

	layout := project.Layout{Root: t.TempDir()}
	require.NoError(t, os.MkdirAll(layout.Checkpoints(), 0o755))
	for _, c := range classes {
		require.NoError(t, os.MkdirAll(filepath.Join(layout.Dataset(), c), 0o755))
	}
	if outputs > 0 {
		net, err := model.Build(testImageSize, outputs)
		require.NoError(t, err)
		net.Initialize(11)
		path := filepath.Join(layout.Checkpoints(), "mixedplants_cnn_v1_20250525.onnx")
		require.NoError(t, model.SaveArtifact(path, net, model.Metadata{ImageSize: testImageSize}))
	}
	return layout
}

func writeLeaf(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 + x), G: uint8(120 + y), B: 30, A: 255})
		}
	}
	path := filepath.Join(dir, "leaf.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	layout := newProject(t, testClasses, len(testClasses))

	for _, args := range [][]string{
		{"--root", layout.Root},
		{"--root", layout.Root, "a.png", "b.png"},
	} {
		code, stdout, stderr := runCLI(args...)
		assert.Equal(t, 1, code)
		assert.Empty(t, stdout)
		assert.Equal(t, "Usage: classify <image_path>\n", stderr)
	}
}

func TestUsageLeavesLoggingQuiet(t *testing.T) {
	logrus.SetLevel(logrus.InfoLevel)
	t.Cleanup(func() { logrus.SetLevel(logrus.InfoLevel) })

	code, stdout, _ := runCLI("--verbose")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}

func TestClassifyImage(t *testing.T) {
	layout := newProject(t, testClasses, len(testClasses))
	leaf := writeLeaf(t, t.TempDir())

	code, stdout, stderr := runCLI("--root", layout.Root, leaf)
	require.Equal(t, 0, code, stderr)
	assert.Empty(t, stderr)

	line := regexp.MustCompile(`^(\w+):(\d{1,3}\.\d{2})%\n$`)
	m := line.FindStringSubmatch(stdout)
	require.NotNil(t, m, stdout)
	assert.Contains(t, testClasses, m[1])

	_, again, _ := runCLI("--root", layout.Root, leaf)
	assert.Equal(t, stdout, again)
}

func TestExplicitModel(t *testing.T) {
	layout := newProject(t, testClasses, len(testClasses))
	moved := filepath.Join(t.TempDir(), "custom.onnx")
	require.NoError(t, os.Rename(filepath.Join(layout.Checkpoints(), "mixedplants_cnn_v1_20250525.onnx"), moved))
	leaf := writeLeaf(t, t.TempDir())

	code, _, stderr := runCLI("--root", layout.Root, leaf)
	assert.Equal(t, 1, code)
	assert.Equal(t, "Error: model not found at "+layout.Checkpoints()+"\n", stderr)

	code, stdout, stderr := runCLI("--root", layout.Root, "--model", moved, leaf)
	assert.Equal(t, 0, code, stderr)
	assert.NotEmpty(t, stdout)

	code, _, stderr = runCLI("--root", layout.Root, "--model", moved+".missing", leaf)
	assert.Equal(t, 1, code)
	assert.Equal(t, "Error: model not found at "+moved+".missing\n", stderr)
}

func TestClassCountMismatch(t *testing.T) {
	layout := newProject(t, testClasses[:2], 3)
	leaf := writeLeaf(t, t.TempDir())

	code, stdout, stderr := runCLI("--root", layout.Root, leaf)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Equal(t, "Error: model outputs 3, but found 2 classes\n", stderr)
}

func TestMissingInputFile(t *testing.T) {
	layout := newProject(t, testClasses, len(testClasses))
	missing := filepath.Join(t.TempDir(), "nope.jpg")

	code, stdout, stderr := runCLI("--root", layout.Root, missing)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Equal(t, "Error: file not found: "+missing+"\n", stderr)
}

func TestUndecodableImage(t *testing.T) {
	layout := newProject(t, testClasses, len(testClasses))
	bad := filepath.Join(t.TempDir(), "leaf.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not a jpeg"), 0o644))

	code, stdout, stderr := runCLI("--root", layout.Root, bad)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.True(t, strings.HasPrefix(stderr, "Error: cannot classify "+bad), stderr)
}

func TestDefaultClassesWhenDatasetMissing(t *testing.T) {
	layout := newProject(t, nil, len(dataset.DefaultClasses))
	leaf := writeLeaf(t, t.TempDir())

	code, stdout, stderr := runCLI("--root", layout.Root, leaf)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "default classes")

	label := strings.SplitN(strings.TrimSpace(stdout), ":", 2)[0]
	assert.Contains(t, dataset.DefaultClasses, label)

	code, _, stderr = runCLI("--root", layout.Root, "--backend", "bogus", leaf)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown backend")
}
