package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/plant-health/internal/config"
	"github.com/Brownie44l1/plant-health/internal/dataset"
	"github.com/Brownie44l1/plant-health/internal/handlers"
	"github.com/Brownie44l1/plant-health/internal/model"
	"github.com/Brownie44l1/plant-health/internal/project"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr, func(c *cli.Context, log *logrus.Entry) error {
		srv, closer, err := newServer(c, log)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, srv, log)
	})

	if err := app.Run(append([]string{"server"}, args...)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer, action func(*cli.Context, *logrus.Entry) error) *cli.App {
	return &cli.App{
		Name:            "server",
		Usage:           "serve leaf classification over HTTP",
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
			&cli.StringFlag{Name: "addr", Usage: "listen address (default from config, or :$PORT)"},
			&cli.StringFlag{Name: "model", Usage: "model artifact (default: newest in the checkpoints directory)"},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "inference backend: native or onnxruntime",
				EnvVars: []string{"PLANT_HEALTH_BACKEND"},
			},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log debug information"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return err
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			logger := logrus.New()
			logger.SetOutput(stderr)
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			}
			return action(c, logrus.NewEntry(logger))
		},
	}
}

// newServer resolves the model and classes the same way the classify
// command does and returns an unstarted server with every route mounted.
func newServer(c *cli.Context, log *logrus.Entry) (*http.Server, io.Closer, error) {
	layout, err := project.Locate(c.String("root"))
	if err != nil {
		return nil, nil, err
	}
	cfgPath := c.String("config")
	required := cfgPath != ""
	if !required {
		cfgPath = layout.ConfigFile()
	}
	cfg, err := config.Load(cfgPath, required)
	if err != nil {
		return nil, nil, err
	}

	modelPath := c.String("model")
	if modelPath == "" {
		modelPath = cfg.Inference.Model
	}
	if modelPath == "" {
		if modelPath, err = model.ResolveModel(layout.Checkpoints()); err != nil {
			return nil, nil, errors.Wrapf(err, "no model in %s", layout.Checkpoints())
		}
	}
	backend := cfg.Inference.Backend
	if c.IsSet("backend") {
		backend = c.String("backend")
	}

	classes, _ := dataset.LoadClasses(layout.Dataset(), log)
	classifier, err := model.NewClassifier(model.Options{
		ModelPath: modelPath,
		Backend:   backend,
		Labels:    classes,
		Log:       log,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "load model")
	}

	addr := cfg.Server.Addr
	switch {
	case c.IsSet("addr"):
		addr = c.String("addr")
	case os.Getenv("PORT") != "":
		addr = ":" + os.Getenv("PORT")
	}

	mux := http.NewServeMux()
	handlers.NewHandler(classifier, handlers.Options{
		UploadDir:      layout.Uploads(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Log:            log,
	}).Register(mux)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	log.WithFields(logrus.Fields{
		"model":   modelPath,
		"backend": backend,
		"classes": len(classifier.Labels()),
		"uploads": layout.Uploads(),
	}).Info("model loaded")

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, classifier, nil
}

func serve(ctx context.Context, srv *http.Server, log *logrus.Entry) error {
	log.WithField("addr", srv.Addr).Info("server starting")
	log.Info("  GET  /health         health check")
	log.Info("  POST /predict        raw array prediction")
	log.Info("  POST /predict/image  predict from image upload (field \"image\")")
	log.Info("  GET  /uploads/...    stored uploads")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
