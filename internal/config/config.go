// Package config holds the tunables of training, inference and the HTTP
// server. Values start from defaults, are overlaid by an optional YAML
// file and finally by command-line flags.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelPrefix is the date-less part of the default model base name.
const ModelPrefix = "mixedplants_cnn_v1"

type TrainingConfig struct {
	ImageSize       int     `yaml:"image_size"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	ValidationSplit float64 `yaml:"validation_split"`
	Seed            uint64  `yaml:"seed"`
	LearningRate    float64 `yaml:"learning_rate"`
	ModelBase       string  `yaml:"model_base"`
	InitialWeights  string  `yaml:"initial_weights"`
	// Workers bounds parallel image decoding; zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

type InferenceConfig struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	Training  TrainingConfig  `yaml:"training"`
	Inference InferenceConfig `yaml:"inference"`
	Server    ServerConfig    `yaml:"server"`
}

// ModelBase returns the default artifact base name for the given day.
func ModelBase(day time.Time) string {
	return ModelPrefix + "_" + day.Format("20060102")
}

func Default() *Config {
	return &Config{
		Training: TrainingConfig{
			ImageSize:       256,
			BatchSize:       32,
			Epochs:          15,
			ValidationSplit: 0.2,
			Seed:            123,
			LearningRate:    0.001,
			ModelBase:       ModelBase(time.Now()),
		},
		Inference: InferenceConfig{
			Backend: "native",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 5 << 20,
		},
	}
}

// Load overlays the YAML file at path on the defaults. A missing file is
// an error only when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && !required:
		return cfg, nil
	case err != nil:
		return nil, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	t := c.Training
	switch {
	case t.ImageSize <= 0:
		return errors.Errorf("image_size must be positive, got %d", t.ImageSize)
	case t.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", t.BatchSize)
	case t.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", t.Epochs)
	case t.ValidationSplit <= 0 || t.ValidationSplit >= 1:
		return errors.Errorf("validation_split must be in (0, 1), got %g", t.ValidationSplit)
	case t.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", t.LearningRate)
	case t.ModelBase == "":
		return errors.New("model_base is empty")
	case t.Workers < 0:
		return errors.Errorf("workers must not be negative, got %d", t.Workers)
	case c.Server.MaxUploadBytes <= 0:
		return errors.Errorf("max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	return nil
}
