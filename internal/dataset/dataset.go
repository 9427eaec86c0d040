// Package dataset reads directory-per-class image trees. Every
// subdirectory of the root is a class; its files are the samples.
// Class indices follow the sorted order of the directory names.
package dataset

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoClasses = errors.New("no class directories")
	ErrNoImages  = errors.New("no images found")
)

// DefaultExtensions are the image suffixes picked up by Open.
var DefaultExtensions = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png"}

// DefaultClasses is used by LoadClasses when the dataset is not present
// on the machine running inference.
var DefaultClasses = []string{
	"Pepper__bell___Bacterial_spot",
	"Pepper__bell___healthy",
	"Potato___Early_blight",
	"Potato___Late_blight",
	"Potato___healthy",
	"Tomato_Bacterial_spot",
	"Tomato_Early_blight",
	"Tomato_Late_blight",
	"Tomato_Leaf_Mold",
	"Tomato_Septoria_leaf_spot",
	"Tomato_Spider_mites_Two_spotted_spider_mite",
	"Tomato__Target_Spot",
	"Tomato__Tomato_YellowLeaf__Curl_Virus",
	"Tomato__Tomato_mosaic_virus",
	"Tomato_healthy",
}

type Sample struct {
	Path  string
	Label int
}

type Dataset struct {
	Root    string
	Classes []string
	Samples []Sample
}

// ListClasses returns the sorted names of the subdirectories of dir.
func ListClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", dir)
	}

	var classes []string
	for _, e := range entries {
		if isDir(dir, e) {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Wrap(ErrNoClasses, dir)
	}
	sort.Strings(classes)
	return classes, nil
}

// isDir reports whether e is a directory, following symlinks.
func isDir(dir string, e os.DirEntry) bool {
	if e.Type()&os.ModeSymlink == 0 {
		return e.IsDir()
	}
	fi, err := os.Stat(filepath.Join(dir, e.Name()))
	return err == nil && fi.IsDir()
}

// LoadClasses is the inference-side lookup. When dir is missing or holds
// no class directories it logs a warning and returns DefaultClasses; the
// second result reports whether that happened.
func LoadClasses(dir string, log *logrus.Entry) ([]string, bool) {
	classes, err := ListClasses(dir)
	if err == nil {
		return classes, false
	}
	log.WithField("path", dir).Warnf("dataset is missing or empty, using %d default classes", len(DefaultClasses))
	return append([]string(nil), DefaultClasses...), true
}

// Open enumerates the samples under dir. Files are matched by extension,
// case-insensitively, and listed in name order within each class.
func Open(dir string, extensions []string) (*Dataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	classes, err := ListClasses(dir)
	if err != nil {
		return nil, err
	}

	d := &Dataset{Root: dir, Classes: classes}
	for label, class := range classes {
		entries, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, errors.Wrapf(err, "read class %s", class)
		}
		// os.ReadDir sorts by file name.
		for _, e := range entries {
			if isDir(filepath.Join(dir, class), e) || !allowed[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			d.Samples = append(d.Samples, Sample{
				Path:  filepath.Join(dir, class, e.Name()),
				Label: label,
			})
		}
	}

	if len(d.Samples) == 0 {
		return nil, errors.Wrap(ErrNoImages, dir)
	}
	return d, nil
}

func (d *Dataset) Len() int { return len(d.Samples) }

// Distribution counts samples per class name.
func (d *Dataset) Distribution() map[string]int {
	dist := make(map[string]int, len(d.Classes))
	for _, s := range d.Samples {
		dist[d.Classes[s.Label]]++
	}
	return dist
}

// Split shuffles the samples with a generator seeded by seed and keeps the
// last floor(ratio*n) as the validation partition. The same seed always
// produces the same partitions.
func (d *Dataset) Split(ratio float64, seed uint64) (train, val []Sample, err error) {
	if ratio < 0 || ratio >= 1 {
		return nil, nil, errors.Errorf("validation split %.3f outside [0, 1)", ratio)
	}

	shuffled := append([]Sample(nil), d.Samples...)
	rng := newRand(seed)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := len(shuffled)
	nVal := int(ratio * float64(n))
	return shuffled[:n-nVal : n-nVal], shuffled[n-nVal:], nil
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}
