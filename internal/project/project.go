// Package project resolves the on-disk layout shared by the trainer, the
// classifier and the server.
package project

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MarkerDir identifies the project root: the first ancestor holding it.
const MarkerDir = "analyzer"

// Layout derives every well-known path from the project root.
type Layout struct {
	Root string
}

func (l Layout) Analyzer() string    { return filepath.Join(l.Root, MarkerDir) }
func (l Layout) Dataset() string     { return filepath.Join(l.Analyzer(), "dataset") }
func (l Layout) Outputs() string     { return filepath.Join(l.Analyzer(), "outputs", "plant_health") }
func (l Layout) Checkpoints() string { return filepath.Join(l.Outputs(), "checkpoints") }
func (l Layout) Uploads() string     { return filepath.Join(l.Analyzer(), "uploads") }
func (l Layout) ConfigFile() string  { return filepath.Join(l.Analyzer(), "config.yaml") }

// FindRoot walks from start up to the filesystem root and returns the
// first directory that contains MarkerDir.
func FindRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, MarkerDir)); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Locate picks the project root. A non-empty override wins. Otherwise the
// search starts at the directory of the running executable, then the
// working directory; when neither has a marked ancestor the working
// directory itself is used.
func Locate(override string) (Layout, error) {
	if override != "" {
		root, err := filepath.Abs(override)
		if err != nil {
			return Layout{}, errors.Wrap(err, "resolve root")
		}
		return Layout{Root: root}, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return Layout{}, errors.Wrap(err, "get working directory")
	}

	var starts []string
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		starts = append(starts, filepath.Dir(exe))
	}
	starts = append(starts, cwd)

	for _, s := range starts {
		if root, ok := FindRoot(s); ok {
			return Layout{Root: root}, nil
		}
	}
	return Layout{Root: cwd}, nil
}
