package parzen

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

// record appends one OK trial per configuration with the given losses.
func record(t *testing.T, s *trials.Store, cfgs []space.Configuration, losses []float64) {
	t.Helper()
	require.Len(t, losses, len(cfgs))
	for i, c := range cfgs {
		id := s.Begin(c)
		require.NoError(t, s.Complete(id, losses[i]))
	}
}

func newEstimator(t *testing.T, cfg Config) *Estimator {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestFitLogsGoodSetThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := DefaultConfig()
	cfg.Gamma = 0.5
	cfg.Logger = zap.New(core)
	e := newEstimator(t, cfg)

	sp := space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: 0, High: 1}})
	s := trials.NewStore()
	// The good set is trials 1 and 2; the later one has the smaller loss.
	record(t, s,
		[]space.Configuration{{"x": 0.1}, {"x": 0.2}, {"x": 0.3}, {"x": 0.4}},
		[]float64{9, 2, 1, 8},
	)
	_, err := e.Fit(sp, s.CompletedOK())
	require.NoError(t, err)

	entries := logs.FilterMessage("fitted densities").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, 2.0, fields["threshold"])
	assert.Equal(t, int64(2), fields["good"])
}

func TestSplit(t *testing.T) {
	mk := func(losses ...float64) []trials.Trial {
		out := make([]trials.Trial, len(losses))
		for i, l := range losses {
			out[i] = trials.Trial{ID: i, Status: trials.StatusOK, Loss: l}
		}
		return out
	}
	ids := func(ts []trials.Trial) []int {
		out := make([]int, len(ts))
		for i, t := range ts {
			out[i] = t.ID
		}
		return out
	}

	tests := []struct {
		name     string
		losses   []float64
		gamma    float64
		wantGood []int
		wantBad  []int
	}{
		{"single trial fills both sets", []float64{3}, 0.15, []int{0}, []int{0}},
		{"minimum one good", []float64{3, 1, 2}, 0.15, []int{1}, []int{0, 2}},
		{"ceil of gamma n", []float64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, 0.15, []int{8, 9}, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{"ties go to the earlier trial", []float64{1, 1, 1, 5}, 0.25, []int{0}, []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good, bad := Split(mk(tt.losses...), tt.gamma)
			assert.Equal(t, tt.wantGood, ids(good))
			assert.Equal(t, tt.wantBad, ids(bad))
		})
	}

	good, bad := Split(nil, 0.15)
	assert.Empty(t, good)
	assert.Empty(t, bad)
}

func TestForgettingWeights(t *testing.T) {
	assert.Equal(t, []float64{1, 1, 1}, forgettingWeights(3, 25))
	assert.Equal(t, []float64{1, 1, 1}, forgettingWeights(3, 0))

	w := forgettingWeights(30, 25)
	require.Len(t, w, 30)
	assert.InDelta(t, 1.0/30, w[0], 1e-12)
	assert.InDelta(t, 1.0, w[4], 1e-12)
	for i := 1; i < 5; i++ {
		assert.Greater(t, w[i], w[i-1])
	}
	for _, x := range w[5:] {
		assert.Equal(t, 1.0, x)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Gamma: 1.5},
		{Gamma: -0.1},
		{PriorWeight: -1},
		{LinearForgetting: -3},
	} {
		_, err := New(cfg)
		assert.True(t, errors.Is(err, errors.ErrConfiguration), "%+v: %v", cfg, err)
	}

	e := newEstimator(t, Config{})
	assert.Equal(t, 0.15, e.Config().Gamma)
	assert.Equal(t, 1.0, e.Config().PriorWeight)
}

func TestFitRequiresOKTrials(t *testing.T) {
	sp := space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: 0, High: 1}})
	s := trials.NewStore()
	id := s.Begin(space.Configuration{"x": 0.5})
	require.NoError(t, s.Fail(id, nil))

	_, err := newEstimator(t, Config{}).Fit(sp, s.CompletedOK())
	assert.True(t, errors.Is(err, errors.ErrNoSuccessfulTrials))
}

func TestContinuousDensitiesSeparateGoodFromBad(t *testing.T) {
	sp := space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: -3, High: 3}})
	s := trials.NewStore()

	rng := rand.New(rand.NewSource(5))
	var cfgs []space.Configuration
	var losses []float64
	for i := 0; i < 40; i++ {
		x := -3 + 6*rng.Float64()
		cfgs = append(cfgs, space.Configuration{"x": x})
		losses = append(losses, (x-1)*(x-1))
	}
	record(t, s, cfgs, losses)

	m, err := newEstimator(t, Config{}).Fit(sp, s.CompletedOK())
	require.NoError(t, err)

	good, bad := m.Sizes()
	assert.Equal(t, 6, good)
	assert.Equal(t, 34, bad)

	l, g := m.Good("x"), m.Bad("x")
	assert.Greater(t, l.LogDensity(1.0)-g.LogDensity(1.0), 0.0)
	assert.Less(t, l.LogDensity(-2.5)-g.LogDensity(-2.5), 0.0)

	// Both densities are normalized over the declared range.
	for _, d := range []Density{l, g} {
		const n = 6000
		h := 6.0 / n
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += math.Exp(d.LogDensity(-3 + (float64(i)+0.5)*h))
		}
		assert.InDelta(t, 1.0, sum*h, 1e-3)
	}

	for i := 0; i < 500; i++ {
		x := l.Sample(rng).(float64)
		assert.GreaterOrEqual(t, x, -3.0)
		assert.LessOrEqual(t, x, 3.0)
	}
}

func TestLogUniformDensityIncludesJacobian(t *testing.T) {
	sp := space.MustNew(space.Param{Name: "lr", Dist: space.LogUniform{Low: 1e-3, High: 1}})
	s := trials.NewStore()
	record(t, s,
		[]space.Configuration{{"lr": 0.01}, {"lr": 0.02}, {"lr": 0.5}, {"lr": 0.9}},
		[]float64{0.1, 0.2, 0.8, 0.9},
	)

	m, err := newEstimator(t, Config{}).Fit(sp, s.CompletedOK())
	require.NoError(t, err)

	// Integrate in log space: p(x) dx = p(e^u) e^u du.
	lo, hi := math.Log(1e-3), math.Log(1)
	const n = 6000
	h := (hi - lo) / n
	sum := 0.0
	for i := 0; i < n; i++ {
		x := math.Exp(lo + (float64(i)+0.5)*h)
		sum += math.Exp(m.Good("lr").LogDensity(x)) * x
	}
	assert.InDelta(t, 1.0, sum*h, 1e-3)
	assert.True(t, math.IsInf(m.Good("lr").LogDensity(-1.0), -1))
}

func TestQuantizedMassSumsToOne(t *testing.T) {
	q := space.Quantized{Base: space.Uniform{Low: 1, High: 30}, Step: 1}
	sp := space.MustNew(space.Param{Name: "k", Dist: q})
	s := trials.NewStore()
	record(t, s,
		[]space.Configuration{{"k": 3.0}, {"k": 4.0}, {"k": 20.0}, {"k": 28.0}, {"k": 5.0}},
		[]float64{0.1, 0.2, 0.9, 0.95, 0.3},
	)

	m, err := newEstimator(t, Config{}).Fit(sp, s.CompletedOK())
	require.NoError(t, err)

	for _, d := range []Density{m.Good("k"), m.Bad("k")} {
		total := 0.0
		for k := 1.0; k <= 30; k++ {
			total += math.Exp(d.LogDensity(k))
		}
		assert.InDelta(t, 1.0, total, 1e-9)
	}
	assert.Greater(t, m.Good("k").LogDensity(3.0), m.Bad("k").LogDensity(3.0))

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		v := m.Good("k").Sample(rng).(float64)
		assert.Equal(t, math.Round(v), v)
		assert.GreaterOrEqual(t, v, 1.0)
		assert.LessOrEqual(t, v, 30.0)
	}
}

func TestCategoricalSmoothing(t *testing.T) {
	sp := space.MustNew(space.Param{Name: "c", Dist: space.Categorical{Choices: []any{"a", "b", "c"}}})
	s := trials.NewStore()
	record(t, s,
		[]space.Configuration{{"c": "a"}, {"c": "a"}, {"c": "b"}, {"c": "b"}},
		[]float64{0, 0.1, 1, 1},
	)

	m, err := newEstimator(t, Config{Gamma: 0.5}).Fit(sp, s.CompletedOK())
	require.NoError(t, err)

	good := m.Good("c").(*categoricalDensity)
	// a observed twice, plus a pseudo-count of one for each of three choices.
	assert.InDeltaSlice(t, []float64{3.0 / 5, 1.0 / 5, 1.0 / 5}, good.Probabilities(), 1e-12)
	assert.False(t, math.IsInf(good.LogDensity("c"), -1), "unseen choices stay reachable")
	assert.True(t, math.IsInf(good.LogDensity("z"), -1))

	bad := m.Bad("c").(*categoricalDensity)
	assert.InDeltaSlice(t, []float64{1.0 / 5, 3.0 / 5, 1.0 / 5}, bad.Probabilities(), 1e-12)
}

func TestInactiveVariablesFallBackToPrior(t *testing.T) {
	svm := space.MustNew(space.Param{Name: "C", Dist: space.LogUniform{Low: 1e-3, High: 1e3}})
	knn := space.MustNew(space.Param{Name: "n", Dist: space.Quantized{Base: space.Uniform{Low: 1, High: 10}, Step: 1}})
	sp := space.MustNew(space.Param{Name: "model", Dist: space.Conditional{Branches: []space.Branch{
		{Key: "svm", Space: svm},
		{Key: "knn", Space: knn},
	}}})

	s := trials.NewStore()
	record(t, s,
		[]space.Configuration{{"model": "knn", "n": 2.0}, {"model": "knn", "n": 3.0}, {"model": "knn", "n": 7.0}},
		[]float64{0, 0.5, 1},
	)

	m, err := newEstimator(t, Config{}).Fit(sp, s.CompletedOK())
	require.NoError(t, err)
	require.Len(t, m.Variables(), 3)

	// No trial ever took the svm branch: its density is the prior alone,
	// a truncated Gaussian centred on the middle of log space.
	c := m.Good("model.svm.C")
	require.NotNil(t, c)
	assert.False(t, math.IsInf(c.LogDensity(1.0), -1))
	assert.Greater(t, c.LogDensity(1.0)+math.Log(1.0), c.LogDensity(900.0)+math.Log(900.0))

	assert.Greater(t, m.Good("model").LogDensity("knn"), m.Good("model").LogDensity("svm"))
}
