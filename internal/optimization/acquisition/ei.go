package acquisition

import (
	"math"

	"github.com/copyleftdev/parzen/internal/optimization/parzen"
	"github.com/copyleftdev/parzen/internal/optimization/space"
)

// ExpectedImprovement scores configurations by the log ratio of the good and
// bad Parzen densities. Under TPE's model this ratio is monotone in the
// expected improvement over the gamma-quantile loss, so maximizing it
// maximizes EI.
type ExpectedImprovement struct {
	model *parzen.Model
}

// NewExpectedImprovement creates the acquisition function for a fitted model.
func NewExpectedImprovement(model *parzen.Model) *ExpectedImprovement {
	return &ExpectedImprovement{model: model}
}

// Compute returns the sum over the variables defined in cfg of
// log l(x) - log g(x). A value impossible under the good density scores -Inf.
func (ei *ExpectedImprovement) Compute(cfg space.Configuration) float64 {
	score := 0.0
	for _, v := range ei.model.Variables() {
		val, ok := v.Lookup(cfg)
		if !ok {
			continue
		}
		l := ei.model.Good(v.Path).LogDensity(val)
		g := ei.model.Bad(v.Path).LogDensity(val)
		if math.IsInf(l, -1) || math.IsNaN(l) {
			return math.Inf(-1)
		}
		if math.IsInf(g, -1) {
			// The bad density has the prior in it, so this only happens for
			// values outside the support.
			return math.Inf(-1)
		}
		score += l - g
	}
	if math.IsNaN(score) {
		return math.Inf(-1)
	}
	return score
}

// Select returns the index and score of the best candidate. Ties keep the
// earliest candidate. It returns -1 for an empty slice.
func (ei *ExpectedImprovement) Select(candidates []space.Configuration) (int, float64) {
	best, bestScore := -1, math.Inf(-1)
	for i, c := range candidates {
		s := ei.Compute(c)
		if best < 0 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}
