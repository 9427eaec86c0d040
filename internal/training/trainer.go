// Package training fits the classifier network on a directory-per-class
// dataset and persists checkpoints, the final model and its history.
package training

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/plant-health/internal/config"
	"github.com/Brownie44l1/plant-health/internal/dataset"
	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/nn"
)

var ErrEmptyValidation = errors.New("validation partition is empty")

type Options struct {
	config.TrainingConfig

	DatasetDir    string
	CheckpointDir string
	OutputDir     string
	// Quiet disables the per-epoch progress bar.
	Quiet bool
	Log   *logrus.Entry
}

// Result lists everything a run wrote.
type Result struct {
	ModelPath   string
	Checkpoints []string
	HistoryJSON string
	HistoryPlot string
	History     *History
}

type Trainer struct {
	opts    Options
	log     *logrus.Entry
	classes []string
	train   []dataset.Sample
	val     []dataset.Sample
	net     *nn.Model
	opt     *nn.Adam
}

// New reads the dataset, splits it and builds a freshly initialized
// network, optionally seeded from opts.InitialWeights.
func New(opts Options) (*Trainer, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ds, err := dataset.Open(opts.DatasetDir, dataset.DefaultExtensions)
	if err != nil {
		return nil, err
	}
	train, val, err := ds.Split(opts.ValidationSplit, opts.Seed)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, errors.Wrapf(ErrEmptyValidation, "%d samples with split %.2f", ds.Len(), opts.ValidationSplit)
	}
	log.WithFields(logrus.Fields{
		"path":       opts.DatasetDir,
		"classes":    len(ds.Classes),
		"train":      len(train),
		"validation": len(val),
	}).Info("dataset loaded")

	net, err := model.Build(opts.ImageSize, len(ds.Classes))
	if err != nil {
		return nil, err
	}
	net.Initialize(opts.Seed)
	if opts.InitialWeights != "" {
		info, err := model.LoadWeights(opts.InitialWeights, net)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": opts.InitialWeights, "epoch": info.Epoch}).Info("initial weights loaded")
	}

	adam := nn.DefaultAdamConfig()
	if opts.LearningRate > 0 {
		adam.LearningRate = opts.LearningRate
	}

	return &Trainer{
		opts:    opts,
		log:     log,
		classes: ds.Classes,
		train:   train,
		val:     val,
		net:     net,
		opt:     nn.NewAdam(net.Params(), adam),
	}, nil
}

func (t *Trainer) Classes() []string { return t.classes }

func (t *Trainer) Network() *nn.Model { return t.net }

func (t *Trainer) loader(samples []dataset.Sample, shuffle bool) (*dataset.Loader, error) {
	return dataset.NewLoader(samples, dataset.LoaderConfig{
		BatchSize: t.opts.BatchSize,
		ImageSize: t.opts.ImageSize,
		Shuffle:   shuffle,
		Seed:      t.opts.Seed,
		Workers:   t.opts.Workers,
	})
}

// Run trains for the configured number of epochs. Weights are
// checkpointed whenever validation accuracy improves; the full model is
// written once at the end regardless.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	for _, dir := range []string{t.opts.CheckpointDir, t.opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create output directory")
		}
	}

	trainLoader, err := t.loader(t.train, true)
	if err != nil {
		return nil, err
	}
	valLoader, err := t.loader(t.val, false)
	if err != nil {
		return nil, err
	}

	res := &Result{History: &History{}}
	best := math.Inf(-1)
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		var bar *epochBar
		if !t.opts.Quiet {
			bar = newEpochBar(epoch, t.opts.Epochs, trainLoader.Batches())
		}
		loss, acc, err := t.trainEpoch(ctx, trainLoader, bar)
		bar.stop()
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}

		valLoss, valAcc, err := t.evaluate(ctx, valLoader)
		if err != nil {
			return nil, errors.Wrapf(err, "validate epoch %d", epoch)
		}

		stats := EpochStats{Epoch: epoch, Loss: loss, Accuracy: acc, ValLoss: valLoss, ValAccuracy: valAcc}
		res.History.Add(stats)
		log := t.log.WithFields(logrus.Fields{
			"epoch":        epoch,
			"loss":         loss,
			"accuracy":     acc,
			"val_loss":     valLoss,
			"val_accuracy": valAcc,
		})

		if valAcc > best {
			best = valAcc
			info := model.CheckpointInfo{Epoch: epoch, ValAccuracy: valAcc, ValLoss: valLoss}
			path := filepath.Join(t.opts.CheckpointDir, model.CheckpointName(t.opts.ModelBase, info))
			if err := model.SaveCheckpoint(path, t.net, info); err != nil {
				return nil, err
			}
			res.Checkpoints = append(res.Checkpoints, path)
			log = log.WithField("checkpoint", path)
		}
		log.Info("epoch finished")
	}

	res.ModelPath = filepath.Join(t.opts.CheckpointDir, t.opts.ModelBase+model.Extension)
	err = model.SaveArtifact(res.ModelPath, t.net, model.Metadata{
		Labels:    t.classes,
		ImageSize: t.opts.ImageSize,
		ModelBase: t.opts.ModelBase,
		Epochs:    t.opts.Epochs,
	})
	if err != nil {
		return nil, err
	}
	t.log.WithField("path", res.ModelPath).Info("model saved")

	res.HistoryJSON = filepath.Join(t.opts.OutputDir, t.opts.ModelBase+"_history.json")
	if err := res.History.WriteJSON(res.HistoryJSON); err != nil {
		return nil, err
	}
	res.HistoryPlot = filepath.Join(t.opts.OutputDir, t.opts.ModelBase+"_history.png")
	if err := res.History.WritePlot(res.HistoryPlot); err != nil {
		return nil, err
	}
	return res, nil
}

// trainEpoch runs one pass over the training partition and returns the
// sample-weighted mean loss and the accuracy.
func (t *Trainer) trainEpoch(ctx context.Context, loader *dataset.Loader, bar *epochBar) (float64, float64, error) {
	loader.Reset()
	var losses, weights []float64
	correct := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		x, labels, err := loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}

		probs, err := t.net.Forward(x, true)
		if err != nil {
			return 0, 0, err
		}
		res, err := nn.SparseCrossEntropy(probs, labels)
		if err != nil {
			return 0, 0, err
		}
		if err := t.net.Backward(res.Grad); err != nil {
			return 0, 0, err
		}
		t.opt.Step()

		losses = append(losses, res.Loss)
		weights = append(weights, float64(len(labels)))
		correct += res.Correct
		bar.step(stat.Mean(losses, weights), float64(correct)/floats.Sum(weights))
	}
	if len(losses) == 0 {
		return 0, 0, errors.New("training partition is empty")
	}
	return stat.Mean(losses, weights), float64(correct) / floats.Sum(weights), nil
}

// evaluate measures loss and accuracy without updating weights.
func (t *Trainer) evaluate(ctx context.Context, loader *dataset.Loader) (float64, float64, error) {
	loader.Reset()
	var losses, weights []float64
	correct := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		x, labels, err := loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		probs, err := t.net.Predict(x)
		if err != nil {
			return 0, 0, err
		}
		res, err := nn.SparseCrossEntropy(probs, labels)
		if err != nil {
			return 0, 0, err
		}
		losses = append(losses, res.Loss)
		weights = append(weights, float64(len(labels)))
		correct += res.Correct
	}
	return stat.Mean(losses, weights), float64(correct) / floats.Sum(weights), nil
}
