package model

import (
	"fmt"
	"strings"
)

// Metadata is what a model artifact records about how it was trained.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Labels      []string `json:"labels,omitempty"`
	ImageSize   int      `json:"image_size"`
	ModelBase   string   `json:"model_base,omitempty"`
	Epochs      int      `json:"epochs,omitempty"`
}

// Prediction is the arg-max of one forward pass.
type Prediction struct {
	Label string
	// Confidence is the winning probability as a percentage.
	Confidence    float64
	Probabilities map[string]float32
}

// String renders the prediction as "<label>:<confidence>%".
func (p *Prediction) String() string {
	return fmt.Sprintf("%s:%.2f%%", p.Label, p.Confidence)
}

// Analysis is the human-readable form shown by the web front end.
func (p *Prediction) Analysis() string {
	return fmt.Sprintf("%s:%.2f%%", strings.ReplaceAll(p.Label, "_", " "), p.Confidence)
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Label       string             `json:"label"`
	Confidence  float64            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

func (p *Prediction) Response() *PredictionResponse {
	return &PredictionResponse{
		Label:       p.Label,
		Confidence:  p.Confidence,
		Predictions: p.Probabilities,
	}
}
