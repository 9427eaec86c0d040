package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/plant-health/internal/config"
	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/project"
	"github.com/Brownie44l1/plant-health/internal/training"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := &cli.App{
		Name:            "train",
		Usage:           "fit the plant health classifier on the analyzer dataset",
		HideHelpCommand: true,
		Writer:          stdout,
		ErrWriter:       stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Usage:   "project root holding the analyzer directory",
				EnvVars: []string{"PLANT_HEALTH_ROOT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				EnvVars: []string{"PLANT_HEALTH_CONFIG"},
			},
			&cli.IntFlag{Name: "epochs", Usage: "number of training epochs"},
			&cli.IntFlag{Name: "batch-size", Usage: "samples per optimizer step"},
			&cli.IntFlag{Name: "image-size", Usage: "square input size in pixels"},
			&cli.Float64Flag{Name: "validation-split", Usage: "fraction of samples held out for validation"},
			&cli.Uint64Flag{Name: "seed", Usage: "seed for the split, shuffling and initialization"},
			&cli.Float64Flag{Name: "learning-rate", Usage: "Adam learning rate"},
			&cli.StringFlag{Name: "model-base", Usage: "artifact base name (default: " + config.ModelPrefix + "_<date>)"},
			&cli.StringFlag{Name: "initial-weights", Usage: "model or checkpoint to start from"},
			&cli.IntFlag{Name: "workers", Usage: "parallel image decoders (0: one per CPU)"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide the progress bars"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log debug information"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return err
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			return train(c, stdout, stderr)
		},
	}

	if err := app.Run(append([]string{"train"}, args...)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// trainingConfig overlays the flags that were set on cfg.
func trainingConfig(c *cli.Context, cfg *config.Config) error {
	t := &cfg.Training
	if c.IsSet("epochs") {
		t.Epochs = c.Int("epochs")
	}
	if c.IsSet("batch-size") {
		t.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("image-size") {
		t.ImageSize = c.Int("image-size")
	}
	if c.IsSet("validation-split") {
		t.ValidationSplit = c.Float64("validation-split")
	}
	if c.IsSet("seed") {
		t.Seed = c.Uint64("seed")
	}
	if c.IsSet("learning-rate") {
		t.LearningRate = c.Float64("learning-rate")
	}
	if c.IsSet("model-base") {
		t.ModelBase = c.String("model-base")
	}
	if c.IsSet("initial-weights") {
		t.InitialWeights = c.String("initial-weights")
	}
	if c.IsSet("workers") {
		t.Workers = c.Int("workers")
	}
	return cfg.Validate()
}

func train(c *cli.Context, stdout, stderr io.Writer) error {
	if c.NArg() != 0 {
		return errors.Errorf("unexpected arguments: %v", c.Args().Slice())
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.InfoLevel)
	if c.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	layout, err := project.Locate(c.String("root"))
	if err != nil {
		return err
	}
	cfgPath := c.String("config")
	required := cfgPath != ""
	if !required {
		cfgPath = layout.ConfigFile()
	}
	cfg, err := config.Load(cfgPath, required)
	if err != nil {
		return err
	}
	if err := trainingConfig(c, cfg); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"root":       layout.Root,
		"image_size": cfg.Training.ImageSize,
		"batch_size": cfg.Training.BatchSize,
		"epochs":     cfg.Training.Epochs,
		"seed":       cfg.Training.Seed,
	}).Debug("configuration")

	tr, err := training.New(training.Options{
		TrainingConfig: cfg.Training,
		DatasetDir:     layout.Dataset(),
		CheckpointDir:  layout.Checkpoints(),
		OutputDir:      layout.Outputs(),
		Quiet:          c.Bool("quiet"),
		Log:            log,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Classes (%d): %v\n", len(tr.Classes()), tr.Classes())
	training.WriteSummary(stdout, tr.Network())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	training.WriteResult(stdout, res)

	if _, meta, err := model.LoadArtifact(res.ModelPath); err != nil {
		log.WithError(err).Warn("saved model does not load back")
	} else {
		log.WithField("labels", len(meta.Labels)).Debug("saved model verified")
	}
	return nil
}
