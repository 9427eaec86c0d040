package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "bin", "linux", "amd64")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, MarkerDir), 0o755))

	got, ok := FindRoot(nested)
	require.True(t, ok)
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotResolved)
}

func TestFindRootIgnoresMarkerFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, MarkerDir), nil, 0o644))

	got, ok := FindRoot(root)
	if ok {
		// Some ancestor of the temp dir may legitimately hold the marker.
		assert.NotEqual(t, root, got)
	}
}

func TestLocateOverride(t *testing.T) {
	root := t.TempDir()
	l, err := Locate(root)
	require.NoError(t, err)
	assert.Equal(t, root, l.Root)
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/srv/app"}
	assert.Equal(t, filepath.FromSlash("/srv/app/analyzer/dataset"), l.Dataset())
	assert.Equal(t, filepath.FromSlash("/srv/app/analyzer/outputs/plant_health"), l.Outputs())
	assert.Equal(t, filepath.FromSlash("/srv/app/analyzer/outputs/plant_health/checkpoints"), l.Checkpoints())
	assert.Equal(t, filepath.FromSlash("/srv/app/analyzer/uploads"), l.Uploads())
	assert.Equal(t, filepath.FromSlash("/srv/app/analyzer/config.yaml"), l.ConfigFile())
}
