package dataset

import (
	"context"
	"io"
	"math/rand/v2"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/plant-health/internal/imageproc"
	"github.com/Brownie44l1/plant-health/internal/nn"
)

type LoaderConfig struct {
	BatchSize int
	ImageSize int
	// Shuffle reorders samples at every Reset.
	Shuffle bool
	Seed    uint64
	// Workers bounds parallel decoding; zero means GOMAXPROCS.
	Workers int
}

// Loader yields decoded batches of samples as [N,3,H,W] tensors.
type Loader struct {
	samples []Sample
	cfg     LoaderConfig
	order   []int
	rng     *rand.Rand
	pos     int
}

func NewLoader(samples []Sample, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", cfg.ImageSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	l := &Loader{
		samples: samples,
		cfg:     cfg,
		order:   make([]int, len(samples)),
		rng:     newRand(cfg.Seed),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l, nil
}

// Len is the number of samples per epoch.
func (l *Loader) Len() int { return len(l.samples) }

// Batches is the number of batches per epoch, the last one possibly short.
func (l *Loader) Batches() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Reset rewinds to the start of an epoch, reshuffling when configured.
func (l *Loader) Reset() {
	l.pos = 0
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next decodes the next batch. It returns io.EOF once the epoch is done.
func (l *Loader) Next(ctx context.Context) (*nn.Tensor, []int, error) {
	if l.pos >= len(l.order) {
		return nil, nil, io.EOF
	}
	end := min(l.pos+l.cfg.BatchSize, len(l.order))
	idx := l.order[l.pos:end]
	l.pos = end

	size := l.cfg.ImageSize
	x := nn.NewTensor(len(idx), imageproc.Channels, size, size)
	labels := make([]int, len(idx))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, j := range idx {
		s := l.samples[j]
		labels[i] = s.Label
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := imageproc.Open(s.Path)
			if err != nil {
				return err
			}
			return errors.Wrap(imageproc.ToTensor(img, size, x.Sample(i)), s.Path)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return x, labels, nil
}
