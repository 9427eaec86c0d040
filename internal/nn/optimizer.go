package nn

import (
	"math"
)

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig matches the usual Keras defaults.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

// Adam keeps first and second moment estimates per parameter.
type Adam struct {
	cfg    AdamConfig
	params []*Param
	m, v   [][]float32
	step   int
}

func NewAdam(params []*Param, cfg AdamConfig) *Adam {
	a := &Adam{cfg: cfg, params: params}
	for _, p := range params {
		a.m = append(a.m, make([]float32, len(p.Value.Data)))
		a.v = append(a.v, make([]float32, len(p.Value.Data)))
	}
	return a
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// Step applies one update from the accumulated gradients and clears them.
func (a *Adam) Step() {
	a.step++
	t := float64(a.step)
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	lr := a.cfg.LearningRate * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))
	b1f, b2f := float32(b1), float32(b2)
	lrf, eps := float32(lr), float32(a.cfg.Epsilon)

	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		w, g := p.Value.Data, p.Grad.Data
		for j, gj := range g {
			m[j] = b1f*m[j] + (1-b1f)*gj
			v[j] = b2f*v[j] + (1-b2f)*gj*gj
			w[j] -= lrf * m[j] / (float32(math.Sqrt(float64(v[j]))) + eps)
		}
		p.ZeroGrad()
	}
}
