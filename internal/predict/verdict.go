package predict

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/born-ml/neuroscan/internal/model"
)

// Result is the verdict for one image.
type Result struct {
	Present       bool               `json:"-"`
	Alzheimer     string             `json:"alzheimer"` // YES or NO
	Stage         string             `json:"stage"`
	Confidence    float64            `json:"confidence"` // percent, two decimals
	Probabilities []float32          `json:"probabilities"`
	Labels        []string           `json:"labels"`
	ByLabel       map[string]float32 `json:"predictions"`
	Source        string             `json:"source,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	out := *r
	out.Probabilities = slices.Clone(r.Probabilities)
	out.Labels = slices.Clone(r.Labels)
	out.ByLabel = maps.Clone(r.ByLabel)
	return &out
}

// Verdict selects the most probable stage. Alzheimer's is absent exactly
// when that stage is negative. Ties resolve to the lowest index.
func Verdict(probs []float32, labels []string, negative string) (*Result, error) {
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("predict: %d probabilities for %d labels", len(probs), len(labels))
	}
	if len(probs) == 0 {
		return nil, fmt.Errorf("predict: empty probability vector")
	}
	idx := model.Argmax(probs)
	stage := labels[idx]

	r := &Result{
		Present:       stage != negative,
		Alzheimer:     "YES",
		Stage:         stage,
		Confidence:    math.Round(float64(probs[idx])*100*100) / 100,
		Probabilities: append([]float32(nil), probs...),
		Labels:        append([]string(nil), labels...),
		ByLabel:       make(map[string]float32, len(labels)),
	}
	if !r.Present {
		r.Alzheimer = "NO"
	}
	for i, l := range labels {
		r.ByLabel[l] = probs[i]
	}
	return r, nil
}
