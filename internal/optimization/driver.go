package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/parzen"
	"github.com/copyleftdev/parzen/internal/optimization/search"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/tpe"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

// State is the lifecycle stage of a Driver.
type State int

const (
	StateInit State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Driver runs the sequential evaluate, record, suggest loop for a fixed
// budget. A Driver runs once; its trial store is owned exclusively by it.
type Driver struct {
	cfg    Config
	logger *zap.Logger
	store  *trials.Store

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	stopped bool
}

var _ Optimizer = (*Driver)(nil)

// NewDriver validates cfg and returns a driver in the INIT state.
func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.Named(component),
		store:  trials.NewStore(),
	}, nil
}

// Config returns the effective configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Best returns the best OK trial recorded so far.
func (d *Driver) Best() (trials.Trial, bool) {
	return d.store.Best()
}

// History returns every trial issued so far, including those of a run that
// ended with an error.
func (d *Driver) History() []trials.Trial {
	return d.store.All()
}

// Stop ends a running optimization before the next trial. The in-flight
// trial, if any, sees its context cancelled. Optimize then returns the
// result gathered so far. Stop has no effect unless the driver is running.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Driver) seed() int64 {
	if d.cfg.Seed != 0 {
		return d.cfg.Seed
	}
	return time.Now().UnixNano()
}

func (d *Driver) newStrategy(sp *space.Space, rng *rand.Rand) (Strategy, error) {
	switch d.cfg.Algorithm {
	case AlgorithmRandom:
		return search.NewRandom(sp, rng)
	case AlgorithmGrid:
		return search.NewGrid(sp, d.cfg.GridResolution)
	default:
		pc := parzen.DefaultConfig()
		pc.Gamma = d.cfg.Gamma
		return tpe.New(sp, rng, tpe.Config{
			NInitial:    d.cfg.NInitialRandom,
			NCandidates: d.cfg.NCandidates,
			Parzen:      pc,
			Logger:      d.logger,
		})
	}
}

// Optimize evaluates objective on up to MaxEvals configurations of sp and
// returns the best OK trial. Failed trials consume budget and are never
// retried. If every trial failed it returns ErrNoSuccessfulTrials; if ctx is
// cancelled it returns ctx's error. In both cases History still holds the
// trials run.
func (d *Driver) Optimize(ctx context.Context, sp *space.Space, objective Objective) (*Result, error) {
	if sp == nil || objective == nil {
		return nil, errors.Configurationf(component, "a search space and an objective are required")
	}

	d.mu.Lock()
	if d.state != StateInit {
		state := d.state
		d.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrInvalidStateTransition, "driver is %s", state).
			WithComponent(component).WithOperation("optimize")
	}
	d.state = StateRunning
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.cancel()
		d.state = StateDone
		d.mu.Unlock()
	}()

	seed := d.seed()
	strategy, err := d.newStrategy(sp, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	d.logger.Info("starting optimization",
		zap.String("algorithm", string(d.cfg.Algorithm)),
		zap.Int("max_evals", d.cfg.MaxEvals),
		zap.Int("n_initial_random", d.cfg.NInitialRandom),
		zap.Int64("seed", seed),
	)

	exhausted := false
	for d.store.Terminated() < d.cfg.MaxEvals {
		if ctx.Err() != nil || d.isStopped() {
			break
		}

		cfg, err := strategy.Suggest(ctx, d.store)
		if errors.Is(err, errors.ErrExhausted) {
			d.logger.Info("search space exhausted", zap.Int("trials", d.store.Len()))
			exhausted = true
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, errors.Wrap(err, "suggesting configuration").
				WithComponent(component).WithOperation("optimize")
		}

		t, err := d.runTrial(ctx, objective, cfg)
		if err != nil {
			return nil, err
		}
		d.report(t)
	}

	if err := ctx.Err(); err != nil && !d.isStopped() {
		d.logger.Info("optimization cancelled", zap.Int("trials", d.store.Len()))
		return nil, errors.Wrap(err, "optimization cancelled").
			WithComponent(component).WithOperation("optimize")
	}

	res := &Result{
		History:   d.store.All(),
		OK:        d.store.CountOK(),
		Algorithm: d.cfg.Algorithm,
		Seed:      seed,
		Duration:  time.Since(start),
		Exhausted: exhausted,
	}
	res.Failed = d.store.Terminated() - res.OK

	best, ok := d.store.Best()
	if !ok {
		d.logger.Warn("no successful trials", zap.Int("failed", res.Failed))
		return nil, errors.Wrapf(errors.ErrNoSuccessfulTrials, "all %d trials failed", res.Failed).
			WithComponent(component).WithOperation("optimize")
	}
	res.Best = best

	d.logger.Info("optimization finished",
		zap.Int("ok", res.OK),
		zap.Int("failed", res.Failed),
		zap.Float64("best_loss", best.Loss),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// runTrial records one evaluation. Only store misuse is returned as an error;
// objective failures end up in the trial.
func (d *Driver) runTrial(ctx context.Context, objective Objective, cfg space.Configuration) (trials.Trial, error) {
	id := d.store.Begin(cfg)

	loss, evalErr := d.evaluate(ctx, objective, cfg)
	var err error
	if evalErr != nil {
		err = d.store.Fail(id, evalErr)
	} else {
		err = d.store.Complete(id, loss)
	}
	if err != nil {
		return trials.Trial{}, err
	}

	t, err := d.store.Get(id)
	if err != nil {
		return trials.Trial{}, err
	}
	if t.Status == trials.StatusFailed {
		d.logger.Debug("trial failed", zap.Int("trial", id), zap.String("error", t.Err))
	} else {
		d.logger.Debug("trial completed", zap.Int("trial", id), zap.Float64("loss", t.Loss))
	}
	return t, nil
}

func (d *Driver) evaluate(ctx context.Context, objective Objective, cfg space.Configuration) (loss float64, err error) {
	if d.cfg.TrialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TrialTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			loss, err = 0, errors.FromPanic(r)
		}
	}()

	loss, err = objective(ctx, cfg.Clone())
	switch {
	case err != nil:
		return 0, errors.Objective(err)
	case ctx.Err() != nil:
		return 0, errors.Objective(fmt.Errorf("evaluation abandoned: %w", ctx.Err()))
	case math.IsNaN(loss):
		return 0, errors.Wrap(errors.ErrObjective, "loss is NaN")
	}
	return loss, nil
}

func (d *Driver) report(t trials.Trial) {
	if d.cfg.OnTrial == nil {
		return
	}
	best, ok := d.store.Best()
	d.cfg.OnTrial(Progress{
		Trial:    t,
		Best:     best,
		HasBest:  ok,
		Done:     d.store.Terminated(),
		MaxEvals: d.cfg.MaxEvals,
	})
}
