// Package kernels provides the one-dimensional densities Parzen estimators
// are built from: Gaussian kernels truncated to a finite interval and
// weighted mixtures of them.
package kernels

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// Kernel is a normalized density on a bounded interval.
type Kernel interface {
	// LogProb is the log density at x, -Inf outside the support.
	LogProb(x float64) float64

	// CDF is the probability mass on (-Inf, x].
	CDF(x float64) float64

	// Sample draws one value from the kernel.
	Sample(rng *rand.Rand) float64
}

// TruncatedNormal is a Gaussian restricted to [Low, High] and renormalized.
type TruncatedNormal struct {
	Mu, Sigma float64
	Low, High float64

	normal distuv.Normal
	// cdf at Low, and the mass inside the bounds
	lowCDF, mass float64
}

// NewTruncatedNormal creates a kernel centred at mu with scale sigma.
func NewTruncatedNormal(mu, sigma, low, high float64) *TruncatedNormal {
	if sigma <= 0 || math.IsNaN(sigma) {
		panic(fmt.Sprintf("sigma must be positive, got %v", sigma))
	}
	if !(low < high) {
		panic(fmt.Sprintf("bounds must satisfy low < high, got [%v, %v]", low, high))
	}
	n := distuv.Normal{Mu: mu, Sigma: sigma}
	k := &TruncatedNormal{
		Mu:     mu,
		Sigma:  sigma,
		Low:    low,
		High:   high,
		normal: n,
		lowCDF: n.CDF(low),
	}
	k.mass = n.CDF(high) - k.lowCDF
	return k
}

// Mass is the probability the untruncated Gaussian assigns to [Low, High].
func (k *TruncatedNormal) Mass() float64 {
	return k.mass
}

// LogProb returns the log density at x.
func (k *TruncatedNormal) LogProb(x float64) float64 {
	if x < k.Low || x > k.High || k.mass <= 0 {
		return math.Inf(-1)
	}
	return k.normal.LogProb(x) - math.Log(k.mass)
}

// CDF returns the truncated cumulative distribution at x.
func (k *TruncatedNormal) CDF(x float64) float64 {
	switch {
	case x <= k.Low:
		return 0
	case x >= k.High:
		return 1
	case k.mass <= 0:
		return (x - k.Low) / (k.High - k.Low)
	}
	return (k.normal.CDF(x) - k.lowCDF) / k.mass
}

// Sample draws by inverting the CDF with a single uniform from rng.
func (k *TruncatedNormal) Sample(rng *rand.Rand) float64 {
	u := rng.Float64()
	if k.mass <= 0 {
		return k.Low + u*(k.High-k.Low)
	}
	x := k.normal.Quantile(k.lowCDF + u*k.mass)
	if math.IsNaN(x) {
		return k.Mu
	}
	return math.Max(k.Low, math.Min(k.High, x))
}
