// Package parzen fits the pair of per-variable densities that tree-structured
// Parzen estimation scores candidates with: l(x) over the best observations
// and g(x) over the rest.
package parzen

import (
	"iter"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

const component = "parzen"

// Config controls how observations are turned into densities.
type Config struct {
	// Gamma is the fraction of OK trials, ranked by loss, that form the good
	// set. At least one trial is always good.
	Gamma float64

	// PriorWeight is the weight of the declared distribution relative to a
	// single observation. For categorical variables it is the per-choice
	// pseudo-count.
	PriorWeight float64

	// BandwidthFactor multiplies the neighbour distance each kernel's width
	// is derived from.
	BandwidthFactor float64

	// LinearForgetting is the number of most recent observations kept at full
	// weight; older ones ramp down linearly. Zero disables forgetting.
	LinearForgetting int

	Logger *zap.Logger
}

// DefaultConfig returns the settings used by the TPE sampler.
func DefaultConfig() Config {
	return Config{
		Gamma:            0.15,
		PriorWeight:      1.0,
		BandwidthFactor:  1.0,
		LinearForgetting: 25,
	}
}

// Estimator fits Models from trial histories.
type Estimator struct {
	cfg    Config
	logger *zap.Logger
}

// New returns an estimator. Zero fields of cfg take their defaults.
func New(cfg Config) (*Estimator, error) {
	def := DefaultConfig()
	if cfg.Gamma == 0 {
		cfg.Gamma = def.Gamma
	}
	if cfg.PriorWeight == 0 {
		cfg.PriorWeight = def.PriorWeight
	}
	if cfg.BandwidthFactor == 0 {
		cfg.BandwidthFactor = def.BandwidthFactor
	}
	switch {
	case !(cfg.Gamma > 0 && cfg.Gamma < 1):
		return nil, errors.Configurationf(component, "gamma must be in (0, 1), got %v", cfg.Gamma)
	case cfg.PriorWeight < 0 || math.IsInf(cfg.PriorWeight, 0):
		return nil, errors.Configurationf(component, "prior weight must be finite and non-negative, got %v", cfg.PriorWeight)
	case cfg.BandwidthFactor < 0:
		return nil, errors.Configurationf(component, "bandwidth factor must be non-negative, got %v", cfg.BandwidthFactor)
	case cfg.LinearForgetting < 0:
		return nil, errors.Configurationf(component, "linear forgetting must be non-negative, got %d", cfg.LinearForgetting)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{cfg: cfg, logger: logger.Named(component)}, nil
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Split ranks trials by ascending loss and returns the best
// max(1, ceil(gamma*n)) as good and the remainder as bad. When nothing is
// left for the bad set the full set is used, so both densities exist.
func Split(ok []trials.Trial, gamma float64) (good, bad []trials.Trial) {
	if len(ok) == 0 {
		return nil, nil
	}
	ranked := append([]trials.Trial(nil), ok...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Loss != ranked[j].Loss {
			return ranked[i].Loss < ranked[j].Loss
		}
		return ranked[i].ID < ranked[j].ID
	})

	nGood := int(math.Ceil(gamma*float64(len(ranked)) - 1e-9))
	nGood = max(1, min(nGood, len(ranked)))

	good = ranked[:nGood]
	bad = ranked[nGood:]
	if len(bad) == 0 {
		bad = ranked
	}
	return byID(good), byID(bad)
}

// threshold is the worst loss admitted to the good set.
func threshold(good []trials.Trial) float64 {
	cut := math.Inf(-1)
	for _, t := range good {
		cut = math.Max(cut, t.Loss)
	}
	return cut
}

func byID(ts []trials.Trial) []trials.Trial {
	out := append([]trials.Trial(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fit builds a Model from the OK trials in history. It needs at least one
// trial; callers enforce the higher threshold at which fitting is useful.
func (e *Estimator) Fit(sp *space.Space, history iter.Seq[trials.Trial]) (*Model, error) {
	var ok []trials.Trial
	for t := range history {
		if t.Status == trials.StatusOK {
			ok = append(ok, t)
		}
	}
	if len(ok) == 0 {
		return nil, errors.Wrap(errors.ErrNoSuccessfulTrials, "nothing to fit").
			WithComponent(component).WithOperation("fit")
	}

	good, bad := Split(ok, e.cfg.Gamma)
	vars := sp.Flatten()
	m := &Model{
		vars:  vars,
		good:  make(map[string]Density, len(vars)),
		bad:   make(map[string]Density, len(vars)),
		nGood: len(good),
		nBad:  len(bad),
	}
	for _, v := range vars {
		g, err := e.density(v, good)
		if err != nil {
			return nil, err
		}
		b, err := e.density(v, bad)
		if err != nil {
			return nil, err
		}
		m.good[v.Path] = g
		m.bad[v.Path] = b
	}

	e.logger.Debug("fitted densities",
		zap.Int("ok", len(ok)),
		zap.Int("good", len(good)),
		zap.Int("bad", len(bad)),
		zap.Float64("threshold", threshold(good)),
	)
	return m, nil
}

func (e *Estimator) density(v space.Variable, set []trials.Trial) (Density, error) {
	obs := make([]any, 0, len(set))
	for _, t := range set {
		if val, ok := v.Lookup(t.Config); ok {
			obs = append(obs, val)
		}
	}
	weights := forgettingWeights(len(obs), e.cfg.LinearForgetting)

	switch d := v.Dist.(type) {
	case space.Categorical:
		return newCategorical(d, obs, weights, e.cfg.PriorWeight), nil
	case space.Numeric:
		xs := make([]float64, 0, len(obs))
		ws := make([]float64, 0, len(obs))
		for i, o := range obs {
			x, ok := toFloat(o)
			if !ok {
				continue
			}
			xs = append(xs, x)
			ws = append(ws, weights[i])
		}
		dens, err := newNumeric(d, xs, ws, e.cfg.PriorWeight, e.cfg.BandwidthFactor)
		if err != nil {
			return nil, errors.Wrapf(err, "variable %q", v.Path).
				WithComponent(component).WithOperation("fit")
		}
		return dens, nil
	}
	return nil, errors.Configurationf(component, "variable %q has unsupported distribution %s", v.Path, v.Dist)
}

// forgettingWeights gives the most recent lf observations weight one and
// ramps older ones linearly from 1/n. Observations are ordered oldest first.
func forgettingWeights(n, lf int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	if lf <= 0 || n <= lf {
		return w
	}
	ramp := n - lf
	for i := 0; i < ramp; i++ {
		if ramp == 1 {
			w[i] = 1.0 / float64(n)
			continue
		}
		w[i] = 1.0/float64(n) + (1-1.0/float64(n))*float64(i)/float64(ramp-1)
	}
	return w
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}
