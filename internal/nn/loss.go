package nn

import (
	"math"

	"github.com/pkg/errors"
)

// probabilityEpsilon bounds probabilities away from 0 and 1 before the log.
const probabilityEpsilon = 1e-7

// LossResult is the outcome of one loss evaluation over a batch.
type LossResult struct {
	Loss    float64 // mean over the batch
	Correct int     // samples whose arg-max equals the label
	Grad    *Tensor // d(mean loss)/d(probabilities)
}

// SparseCrossEntropy scores softmax probabilities [N,K] against integer
// labels.
func SparseCrossEntropy(probs *Tensor, labels []int) (*LossResult, error) {
	if len(probs.Shape) != 2 {
		return nil, errors.Errorf("expected [N,K] probabilities, got %v", probs.Shape)
	}
	n, k := probs.Shape[0], probs.Shape[1]
	if len(labels) != n {
		return nil, errors.Errorf("%d labels for a batch of %d", len(labels), n)
	}

	res := &LossResult{Grad: NewTensor(n, k)}
	var total float64
	for i, y := range labels {
		if y < 0 || y >= k {
			return nil, errors.Errorf("label %d out of range [0,%d)", y, k)
		}
		row := probs.Sample(i)
		p := math.Min(math.Max(float64(row[y]), probabilityEpsilon), 1-probabilityEpsilon)
		total -= math.Log(p)
		res.Grad.Sample(i)[y] = float32(-1 / (float64(n) * p))
		if Argmax(row) == y {
			res.Correct++
		}
	}
	res.Loss = total / float64(n)
	return res, nil
}

// Argmax returns the index of the largest value; ties resolve to the
// lowest index.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
