package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/plant-health/internal/nn"
	"github.com/Brownie44l1/plant-health/internal/onnx"
)

const (
	// Extension of full-model artifacts.
	Extension = ".onnx"
	// WeightsExtension marks weights-only checkpoints, which share the
	// checkpoint directory with full models.
	WeightsExtension = ".weights.onnx"

	metaLabels      = "labels"
	metaImageSize   = "image_size"
	metaModelBase   = "model_base"
	metaEpochs      = "epochs"
	metaEpoch       = "epoch"
	metaValAccuracy = "val_accuracy"
	metaValLoss     = "val_loss"
)

var ErrModelNotFound = errors.New("model not found")

// CheckpointInfo describes a weights-only checkpoint.
type CheckpointInfo struct {
	Epoch       int
	ValAccuracy float64
	ValLoss     float64
}

// CheckpointName is "<base>_epoch<NN>_valacc<X.XX>.weights.onnx".
func CheckpointName(base string, info CheckpointInfo) string {
	return fmt.Sprintf("%s_epoch%02d_valacc%.2f%s", base, info.Epoch, info.ValAccuracy, WeightsExtension)
}

// SaveArtifact writes the full model, topology and weights, with meta
// recorded in the ONNX metadata_props.
func SaveArtifact(path string, net *nn.Model, meta Metadata) error {
	m, err := onnx.FromNetwork(net)
	if err != nil {
		return err
	}
	labels, err := json.Marshal(meta.Labels)
	if err != nil {
		return errors.Wrap(err, "encode labels")
	}
	m.DocString = "plant leaf disease classifier"
	m.SetMeta(metaLabels, string(labels))
	m.SetMeta(metaImageSize, strconv.Itoa(meta.ImageSize))
	if meta.ModelBase != "" {
		m.SetMeta(metaModelBase, meta.ModelBase)
	}
	if meta.Epochs > 0 {
		m.SetMeta(metaEpochs, strconv.Itoa(meta.Epochs))
	}
	return onnx.WriteFile(path, m)
}

// ReadMetadata reads a full model's input/output geometry and embedded
// training metadata without rebuilding the network.
func ReadMetadata(path string) (*Metadata, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, err := metadataOf(m)
	return meta, errors.Wrap(err, path)
}

// LoadArtifact reads a full model and rebuilds the network from it.
func LoadArtifact(path string) (*nn.Model, *Metadata, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	meta, err := metadataOf(m)
	if err != nil {
		return nil, nil, errors.Wrap(err, path)
	}
	net, err := m.ToNetwork()
	if err != nil {
		return nil, nil, errors.Wrap(err, path)
	}
	return net, meta, nil
}

func metadataOf(m *onnx.Model) (*Metadata, error) {
	in, err := m.InputShape()
	if err != nil {
		return nil, err
	}
	if len(in) != 3 || in[0] != 3 || in[1] != in[2] {
		return nil, errors.Errorf("expected a square RGB input, have %v", in)
	}
	width, err := m.OutputWidth()
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		InputShape:  []int64{1, int64(in[0]), int64(in[1]), int64(in[2])},
		OutputShape: []int64{1, int64(width)},
		ImageSize:   in[1],
	}
	if v, ok := m.Meta(metaLabels); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &meta.Labels); err != nil {
			return nil, errors.Wrap(err, "decode embedded labels")
		}
	}
	if v, ok := m.Meta(metaImageSize); ok {
		if size, err := strconv.Atoi(v); err == nil && size != meta.ImageSize {
			return nil, errors.Errorf("metadata image size %d disagrees with input %v", size, in)
		}
	}
	meta.ModelBase, _ = m.Meta(metaModelBase)
	if v, ok := m.Meta(metaEpochs); ok {
		meta.Epochs, _ = strconv.Atoi(v)
	}
	return meta, nil
}

// SaveCheckpoint writes only the weights of net.
func SaveCheckpoint(path string, net *nn.Model, info CheckpointInfo) error {
	m := onnx.FromWeights(net)
	m.SetMeta(metaEpoch, strconv.Itoa(info.Epoch))
	m.SetMeta(metaValAccuracy, strconv.FormatFloat(info.ValAccuracy, 'f', 6, 64))
	m.SetMeta(metaValLoss, strconv.FormatFloat(info.ValLoss, 'f', 6, 64))
	return onnx.WriteFile(path, m)
}

// LoadWeights copies the parameters stored at path into net. Both full
// artifacts and weights-only checkpoints are accepted.
func LoadWeights(path string, net *nn.Model) (*CheckpointInfo, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	weights, err := m.Weights()
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if err := net.SetWeights(weights); err != nil {
		return nil, errors.Wrapf(err, "load weights from %s", path)
	}

	info := &CheckpointInfo{}
	if v, ok := m.Meta(metaEpoch); ok {
		info.Epoch, _ = strconv.Atoi(v)
	}
	if v, ok := m.Meta(metaValAccuracy); ok {
		info.ValAccuracy, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m.Meta(metaValLoss); ok {
		info.ValLoss, _ = strconv.ParseFloat(v, 64)
	}
	return info, nil
}

// ResolveModel returns the newest full-model artifact in dir. Artifact
// names carry a YYYYMMDD stamp, so the lexically greatest name wins.
func ResolveModel(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrap(ErrModelNotFound, dir)
		}
		return "", errors.Wrapf(err, "list %s", dir)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Extension) || strings.HasSuffix(name, WeightsExtension) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", errors.Wrap(ErrModelNotFound, dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
