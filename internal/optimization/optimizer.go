package optimization

import (
	"context"
	"time"

	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process to completion
	Optimize(ctx context.Context, sp *space.Space, objective Objective) (*Result, error)

	// Best returns the best OK trial found so far
	Best() (trials.Trial, bool)

	// History returns every trial issued so far
	History() []trials.Trial

	// Stop gracefully stops the optimization process
	Stop()
}

// Strategy proposes the next configuration to evaluate.
type Strategy interface {
	Suggest(ctx context.Context, h trials.History) (space.Configuration, error)
}

// Objective evaluates a configuration and returns its loss; lower is better.
// A returned error, a panic or a NaN loss marks the trial FAILED.
type Objective func(ctx context.Context, cfg space.Configuration) (float64, error)

// Algorithm selects the strategy a Driver runs.
type Algorithm string

const (
	AlgorithmTPE    Algorithm = "tpe"
	AlgorithmRandom Algorithm = "random"
	AlgorithmGrid   Algorithm = "grid"
)

// Progress is reported after every terminal trial.
type Progress struct {
	Trial trials.Trial
	// Best is the best OK trial so far; HasBest is false until one exists.
	// Its loss never increases from one report to the next.
	Best     trials.Trial
	HasBest  bool
	Done     int
	MaxEvals int
}

// Result contains the result of an optimization run
type Result struct {
	Best      trials.Trial
	History   []trials.Trial
	OK        int
	Failed    int
	Algorithm Algorithm
	// Seed is the seed actually used, which differs from the configured one
	// when that was zero.
	Seed     int64
	Duration time.Duration
	// Exhausted is set when a grid ran out of points before the budget.
	Exhausted bool
}
