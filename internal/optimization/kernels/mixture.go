package kernels

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Mixture is a weighted sum of kernels. Weights are normalized on creation.
type Mixture struct {
	weights    []float64
	logWeights []float64
	components []Kernel
}

// NewMixture builds a mixture from parallel slices of weights and kernels.
func NewMixture(weights []float64, components []Kernel) (*Mixture, error) {
	if len(weights) != len(components) {
		return nil, fmt.Errorf("expected %d weights, got %d", len(components), len(weights))
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("mixture needs at least one component")
	}
	total := 0.0
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weights must be finite and non-negative, got %v", weights)
		}
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("weights must not all be zero")
	}

	m := &Mixture{
		weights:    make([]float64, len(weights)),
		logWeights: make([]float64, len(weights)),
		components: append([]Kernel(nil), components...),
	}
	for i, w := range weights {
		m.weights[i] = w / total
		m.logWeights[i] = math.Log(m.weights[i])
	}
	return m, nil
}

// Len is the number of components.
func (m *Mixture) Len() int {
	return len(m.components)
}

// Weights returns the normalized weights.
func (m *Mixture) Weights() []float64 {
	return append([]float64(nil), m.weights...)
}

// LogProb is the log mixture density at x.
func (m *Mixture) LogProb(x float64) float64 {
	terms := make([]float64, len(m.components))
	for i, c := range m.components {
		terms[i] = m.logWeights[i] + c.LogProb(x)
	}
	return logSumExp(terms)
}

// LogMass is the log probability the mixture assigns to [lo, hi].
func (m *Mixture) LogMass(lo, hi float64) float64 {
	terms := make([]float64, len(m.components))
	for i, c := range m.components {
		terms[i] = m.logWeights[i] + math.Log(math.Max(0, c.CDF(hi)-c.CDF(lo)))
	}
	return logSumExp(terms)
}

// Sample picks a component by weight, then draws from it.
func (m *Mixture) Sample(rng *rand.Rand) float64 {
	return m.components[m.pick(rng.Float64())].Sample(rng)
}

func (m *Mixture) pick(u float64) int {
	acc := 0.0
	for i, w := range m.weights {
		acc += w
		if u < acc {
			return i
		}
	}
	return len(m.weights) - 1
}

// logSumExp tolerates terms that are all -Inf.
func logSumExp(terms []float64) float64 {
	top := math.Inf(-1)
	for _, t := range terms {
		top = math.Max(top, t)
	}
	if math.IsInf(top, -1) {
		return top
	}
	return floats.LogSumExp(terms)
}
