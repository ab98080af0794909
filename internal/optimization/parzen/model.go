package parzen

import (
	"math"
	"math/rand"
	"sort"

	"github.com/copyleftdev/parzen/internal/optimization/kernels"
	"github.com/copyleftdev/parzen/internal/optimization/space"
)

// Density is a fitted one-dimensional distribution over a variable's values.
type Density interface {
	Sample(rng *rand.Rand) any
	// LogDensity is the log density, or log mass for discrete and quantized
	// variables. Values outside the support yield -Inf.
	LogDensity(v any) float64
}

// Model holds the good and bad densities of every flattened variable. It is
// rebuilt from scratch for each suggestion.
type Model struct {
	vars  []space.Variable
	good  map[string]Density
	bad   map[string]Density
	nGood int
	nBad  int
}

// Variables returns the flattened variables the model covers.
func (m *Model) Variables() []space.Variable {
	return m.vars
}

// Good returns the density fitted to the best observations of path.
func (m *Model) Good(path string) Density {
	return m.good[path]
}

// Bad returns the density fitted to the remaining observations of path.
func (m *Model) Bad(path string) Density {
	return m.bad[path]
}

// Sizes returns the number of trials in the good and bad sets.
func (m *Model) Sizes() (good, bad int) {
	return m.nGood, m.nBad
}

type numericDensity struct {
	dist space.Numeric
	mix  *kernels.Mixture
}

// newNumeric builds the adaptive Parzen mixture: one truncated Gaussian per
// observation in internal coordinates plus one wide kernel for the prior.
// Each observation's width is the larger gap to its sorted neighbours,
// clipped to [prior/min(100, 1+n), prior].
func newNumeric(d space.Numeric, xs, ws []float64, priorWeight, factor float64) (*numericDensity, error) {
	lo, hi := d.Internal()
	priorMu, priorSigma := (lo+hi)/2, hi-lo

	type point struct {
		mu, w float64
		prior bool
	}
	pts := make([]point, 0, len(xs)+1)
	for i, x := range xs {
		pts = append(pts, point{mu: math.Max(lo, math.Min(hi, d.ToInternal(x))), w: ws[i]})
	}
	if priorWeight > 0 || len(pts) == 0 {
		pts = append(pts, point{mu: priorMu, w: math.Max(priorWeight, 1e-12), prior: true})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].mu < pts[j].mu })

	n := len(pts)
	minSigma := priorSigma / math.Min(100, 1+float64(n))
	weights := make([]float64, n)
	comps := make([]kernels.Kernel, n)
	for i, p := range pts {
		sigma := priorSigma
		if !p.prior && n > 1 {
			gap := 0.0
			if i > 0 {
				gap = p.mu - pts[i-1].mu
			}
			if i < n-1 {
				gap = math.Max(gap, pts[i+1].mu-p.mu)
			}
			sigma = math.Max(minSigma, math.Min(priorSigma, factor*gap))
		}
		weights[i] = p.w
		comps[i] = kernels.NewTruncatedNormal(p.mu, sigma, lo, hi)
	}

	mix, err := kernels.NewMixture(weights, comps)
	if err != nil {
		return nil, err
	}
	return &numericDensity{dist: d, mix: mix}, nil
}

func (n *numericDensity) Sample(rng *rand.Rand) any {
	return n.dist.FromInternal(n.mix.Sample(rng))
}

func (n *numericDensity) LogDensity(v any) float64 {
	x, ok := toFloat(v)
	if !ok {
		return math.Inf(-1)
	}
	if n.dist.Quantum() > 0 {
		lo, hi := n.dist.Bin(x)
		if math.IsNaN(lo) || math.IsNaN(hi) || hi <= lo {
			return math.Inf(-1)
		}
		return n.mix.LogMass(lo, hi)
	}
	u := n.dist.ToInternal(x)
	if math.IsNaN(u) {
		return math.Inf(-1)
	}
	return n.mix.LogProb(u) + n.dist.LogJacobian(x)
}

type categoricalDensity struct {
	dist  space.Categorical
	probs []float64
	logp  []float64
}

// newCategorical weights each observed choice and adds pseudo to every
// choice so unseen ones stay reachable.
func newCategorical(d space.Categorical, obs []any, ws []float64, pseudo float64) *categoricalDensity {
	counts := make([]float64, len(d.Choices))
	for i := range counts {
		counts[i] = pseudo
	}
	for i, o := range obs {
		if idx := d.Index(o); idx >= 0 {
			counts[idx] += ws[i]
		}
	}

	total := 0.0
	for _, c := range counts {
		total += c
	}
	c := &categoricalDensity{
		dist:  d,
		probs: make([]float64, len(counts)),
		logp:  make([]float64, len(counts)),
	}
	for i, cnt := range counts {
		if total > 0 {
			c.probs[i] = cnt / total
		} else {
			c.probs[i] = 1 / float64(len(counts))
		}
		c.logp[i] = math.Log(c.probs[i])
	}
	return c
}

// Probabilities returns the smoothed probability of each choice.
func (c *categoricalDensity) Probabilities() []float64 {
	return append([]float64(nil), c.probs...)
}

func (c *categoricalDensity) Sample(rng *rand.Rand) any {
	u := rng.Float64()
	acc := 0.0
	for i, p := range c.probs {
		acc += p
		if u < acc {
			return c.dist.Choices[i]
		}
	}
	return c.dist.Choices[len(c.probs)-1]
}

func (c *categoricalDensity) LogDensity(v any) float64 {
	idx := c.dist.Index(v)
	if idx < 0 {
		return math.Inf(-1)
	}
	return c.logp[idx]
}
