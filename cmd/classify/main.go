package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/plant-health/internal/config"
	"github.com/Brownie44l1/plant-health/internal/dataset"
	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/project"
)

// errReported marks failures whose diagnostic was already written.
var errReported = errors.New("reported")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Library logging is quiet from the start; --verbose only raises ours.
	logrus.SetLevel(logrus.WarnLevel)
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.WarnLevel)

	app := &cli.App{
		Name:            "classify",
		Usage:           "label a plant leaf photograph",
		ArgsUsage:       "<image_path>",
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
			&cli.StringFlag{
				Name:  "model",
				Usage: "model artifact (default: newest in the checkpoints directory)",
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "inference backend: native or onnxruntime",
				EnvVars: []string{"PLANT_HEALTH_BACKEND"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug information to stderr",
			},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return err
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			}
			return classify(c, logrus.NewEntry(logger), stdout)
		},
	}

	if err := app.Run(append([]string{"classify"}, args...)); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func fail(w io.Writer, format string, args ...any) error {
	fmt.Fprintf(w, format+"\n", args...)
	return errReported
}

func classify(c *cli.Context, log *logrus.Entry, stdout io.Writer) error {
	stderr := c.App.ErrWriter
	if c.NArg() != 1 {
		return fail(stderr, "Usage: classify <image_path>")
	}
	imagePath := c.Args().First()

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

	modelPath := c.String("model")
	if modelPath == "" {
		modelPath = cfg.Inference.Model
	}
	if modelPath == "" {
		if modelPath, err = model.ResolveModel(layout.Checkpoints()); err != nil {
			return fail(stderr, "Error: model not found at %s", layout.Checkpoints())
		}
	}
	backend := cfg.Inference.Backend
	if c.IsSet("backend") {
		backend = c.String("backend")
	}

	log.WithFields(logrus.Fields{
		"root":    layout.Root,
		"dataset": layout.Dataset(),
		"model":   modelPath,
		"backend": backend,
	}).Debug("resolved paths")

	if _, err := os.Stat(modelPath); err != nil {
		return fail(stderr, "Error: model not found at %s", modelPath)
	}

	classes, _ := dataset.LoadClasses(layout.Dataset(), log)
	classifier, err := model.NewClassifier(model.Options{
		ModelPath: modelPath,
		Backend:   backend,
		Labels:    classes,
		Log:       log,
	})
	switch {
	case errors.Is(err, model.ErrClassMismatch):
		return fail(stderr, "Error: %v", err)
	case errors.Is(err, model.ErrModelNotFound):
		return fail(stderr, "Error: model not found at %s", modelPath)
	case err != nil:
		return fail(stderr, "Error: failed to load model: %v", err)
	}
	defer classifier.Close()

	if fi, err := os.Stat(imagePath); err != nil || fi.IsDir() {
		return fail(stderr, "Error: file not found: %s", imagePath)
	}

	pred, err := classifier.PredictFile(imagePath)
	if err != nil {
		return fail(stderr, "Error: cannot classify %s: %v", imagePath, err)
	}
	fmt.Fprintln(stdout, pred.String())
	return nil
}
