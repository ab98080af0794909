// Package tpe implements the tree-structured Parzen estimator candidate
// sampler: it draws candidates from the density of good observations and
// keeps the one with the highest good-to-bad likelihood ratio.
package tpe

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/acquisition"
	"github.com/copyleftdev/parzen/internal/optimization/parzen"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

const (
	component = "tpe"

	// MinObservations is the number of OK trials below which the sampler
	// never fits a model.
	MinObservations = 2

	DefaultCandidates = 24
)

// Config configures a Sampler.
type Config struct {
	// NInitial is the number of terminated trials drawn from the prior before
	// the model is consulted.
	NInitial int

	// NCandidates is the number of draws from the good density scored per
	// suggestion. Zero means DefaultCandidates.
	NCandidates int

	Parzen parzen.Config
	Logger *zap.Logger
}

// Sampler suggests configurations for a space. It is not safe for concurrent
// use; the driver calls it from a single goroutine.
type Sampler struct {
	space     *space.Space
	rng       *rand.Rand
	estimator *parzen.Estimator
	nInitial  int
	nCand     int
	logger    *zap.Logger
}

// New creates a sampler drawing all randomness from rng.
func New(sp *space.Space, rng *rand.Rand, cfg Config) (*Sampler, error) {
	if sp == nil {
		return nil, errors.Configurationf(component, "search space is required")
	}
	if rng == nil {
		return nil, errors.Configurationf(component, "random source is required")
	}
	if cfg.NInitial < 0 {
		return nil, errors.Configurationf(component, "n_initial must be non-negative, got %d", cfg.NInitial)
	}
	if cfg.NCandidates == 0 {
		cfg.NCandidates = DefaultCandidates
	}
	if cfg.NCandidates < 1 {
		return nil, errors.Configurationf(component, "n_candidates must be positive, got %d", cfg.NCandidates)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parzen.Logger == nil {
		cfg.Parzen.Logger = logger
	}
	est, err := parzen.New(cfg.Parzen)
	if err != nil {
		return nil, err
	}

	return &Sampler{
		space:     sp,
		rng:       rng,
		estimator: est,
		nInitial:  cfg.NInitial,
		nCand:     cfg.NCandidates,
		logger:    logger.Named(component),
	}, nil
}

// Suggest returns the next configuration to evaluate given the history so far.
func (s *Sampler) Suggest(ctx context.Context, h trials.History) (space.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.Terminated() < s.nInitial {
		return s.space.Sample(s.rng), nil
	}

	ok := 0
	for range h.CompletedOK() {
		ok++
	}
	if ok < MinObservations {
		s.logger.Debug("too few observations, sampling from the prior", zap.Int("ok", ok))
		return s.space.Sample(s.rng), nil
	}

	model, err := s.estimator.Fit(s.space, h.CompletedOK())
	if err != nil {
		return nil, errors.Wrap(err, "fitting densities").
			WithComponent(component).WithOperation("suggest")
	}

	candidates := make([]space.Configuration, s.nCand)
	for i := range candidates {
		candidates[i] = s.space.SampleWith(func(v space.Variable) any {
			return model.Good(v.Path).Sample(s.rng)
		})
	}

	idx, score := acquisition.NewExpectedImprovement(model).Select(candidates)
	s.logger.Debug("selected candidate",
		zap.Int("candidate", idx),
		zap.Float64("score", score),
		zap.Int("trial", h.Len()),
	)
	return candidates[idx], nil
}
