package optimization

import (
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/search"
	"github.com/copyleftdev/parzen/internal/optimization/tpe"
)

const component = "driver"

// Config contains configuration for the driver
type Config struct {
	Algorithm Algorithm

	// Maximum number of trials that may reach a terminal state
	MaxEvals int

	// Number of trials drawn from the prior before TPE fits a model
	NInitialRandom int

	// Fraction of OK trials forming the good set
	Gamma float64

	// Candidates scored per TPE suggestion
	NCandidates int

	// Random seed for reproducibility; zero seeds from the clock
	Seed int64

	// Points per continuous parameter for grid search
	GridResolution int

	// Per-trial deadline; zero means none
	TrialTimeout time.Duration

	Logger *zap.Logger

	// OnTrial, if set, is called after each trial completes
	OnTrial func(Progress)
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		Algorithm:      AlgorithmTPE,
		MaxEvals:       100,
		NInitialRandom: 20,
		Gamma:          0.15,
		NCandidates:    tpe.DefaultCandidates,
		GridResolution: search.DefaultResolution,
	}
}

// withDefaults fills the zero values that have a default. NInitialRandom and
// Seed are meaningful at zero and are left alone.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = def.Algorithm
	}
	if c.MaxEvals == 0 {
		c.MaxEvals = def.MaxEvals
	}
	if c.Gamma == 0 {
		c.Gamma = def.Gamma
	}
	if c.NCandidates == 0 {
		c.NCandidates = def.NCandidates
	}
	if c.GridResolution == 0 {
		c.GridResolution = def.GridResolution
	}
	return c
}

// Validate reports the first out-of-range setting as an ErrConfiguration.
// Zero values are validated after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.Algorithm != AlgorithmTPE && c.Algorithm != AlgorithmRandom && c.Algorithm != AlgorithmGrid:
		return errors.Configurationf(component, "unknown algorithm %q", c.Algorithm)
	case c.MaxEvals < 1:
		return errors.Configurationf(component, "max_evals must be at least 1, got %d", c.MaxEvals)
	case c.NInitialRandom < 0 || c.NInitialRandom > c.MaxEvals:
		return errors.Configurationf(component, "n_initial_random must be in [0, %d], got %d", c.MaxEvals, c.NInitialRandom)
	case !(c.Gamma > 0 && c.Gamma < 1):
		return errors.Configurationf(component, "gamma must be in (0, 1), got %v", c.Gamma)
	case c.NCandidates < 1:
		return errors.Configurationf(component, "n_candidates must be at least 1, got %d", c.NCandidates)
	case c.GridResolution < 1:
		return errors.Configurationf(component, "grid_resolution must be at least 1, got %d", c.GridResolution)
	case c.TrialTimeout < 0:
		return errors.Configurationf(component, "trial_timeout must not be negative, got %s", c.TrialTimeout)
	}
	return nil
}
