// Package objectives is the registry of named objective functions that
// studies refer to. Each entry carries the search space it is usually tuned
// over.
package objectives

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/copyleftdev/parzen/internal/optimization"
	"github.com/copyleftdev/parzen/internal/optimization/space"
)

// Definition is a registered objective.
type Definition struct {
	Name        string
	Description string
	// Space builds the default search space. Studies may supply their own.
	Space     func() *space.Space
	Objective optimization.Objective
	// Minimum is the known optimal loss, NaN when unknown.
	Minimum float64
}

var (
	mu       sync.RWMutex
	registry = map[string]Definition{}
)

// Register adds d to the registry. It panics if the name is empty or taken.
func Register(d Definition) {
	mu.Lock()
	defer mu.Unlock()
	if d.Name == "" || d.Objective == nil || d.Space == nil {
		panic("objectives: Register needs a name, a space and an objective")
	}
	if _, dup := registry[d.Name]; dup {
		panic(fmt.Sprintf("objectives: Register called twice for %q", d.Name))
	}
	registry[d.Name] = d
}

// Lookup returns the objective registered under name.
func Lookup(name string) (Definition, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// All returns every registered objective sorted by name.
func All() []Definition {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Definition, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func init() {
	Register(Definition{
		Name:        "quadratic",
		Description: "(x-1)^2 over uniform(-3, 3)",
		Space: func() *space.Space {
			return space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: -3, High: 3}})
		},
		Objective: Quadratic,
		Minimum:   0,
	})
	Register(Definition{
		Name:        "branin",
		Description: "Branin-Hoo function, three global minima of 0.397887",
		Space: func() *space.Space {
			return space.MustNew(
				space.Param{Name: "x1", Dist: space.Uniform{Low: -5, High: 10}},
				space.Param{Name: "x2", Dist: space.Uniform{Low: 0, High: 15}},
			)
		},
		Objective: Branin,
		Minimum:   0.397887,
	})
	Register(Definition{
		Name:        "classifier",
		Description: "synthetic validation error of an svm or knn classifier",
		Space:       ClassifierSpace,
		Objective:   Classifier,
		Minimum:     0.02,
	})
	Register(Definition{
		Name:        "failing",
		Description: "fails on every evaluation",
		Space: func() *space.Space {
			return space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: 0, High: 1}})
		},
		Objective: Failing,
		Minimum:   math.NaN(),
	})
}

// Quadratic is (x-1)^2.
func Quadratic(ctx context.Context, cfg space.Configuration) (float64, error) {
	x, ok := cfg.Float("x")
	if !ok {
		return 0, fmt.Errorf("parameter x is missing or not numeric")
	}
	return (x - 1) * (x - 1), nil
}

// Branin is the Branin-Hoo benchmark in x1 and x2.
func Branin(ctx context.Context, cfg space.Configuration) (float64, error) {
	x1, ok1 := cfg.Float("x1")
	x2, ok2 := cfg.Float("x2")
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("parameters x1 and x2 are required")
	}
	const (
		a = 1.0
		r = 6.0
		s = 10.0
	)
	b := 5.1 / (4 * math.Pi * math.Pi)
	c := 5 / math.Pi
	t := 1 / (8 * math.Pi)
	return a*math.Pow(x2-b*x1*x1+c*x1-r, 2) + s*(1-t)*math.Cos(x1) + s, nil
}

// ClassifierSpace chooses between an svm and a knn classifier, each with its
// own hyperparameters, and whether to standardize features.
func ClassifierSpace() *space.Space {
	svm := space.MustNew(
		space.Param{Name: "C", Dist: space.LogUniform{Low: 1e-3, High: 1e3}},
		space.Param{Name: "gamma", Dist: space.LogUniform{Low: 1e-4, High: 1}},
		space.Param{Name: "kernel", Dist: space.Categorical{Choices: []any{"linear", "rbf", "poly"}}},
	)
	knn := space.MustNew(
		space.Param{Name: "n_neighbors", Dist: space.Quantized{Base: space.Uniform{Low: 1, High: 30}, Step: 1}},
	)
	return space.MustNew(
		space.Param{Name: "classifier", Dist: space.Conditional{Branches: []space.Branch{
			{Key: "svm", Space: svm},
			{Key: "knn", Space: knn},
		}}},
		space.Param{Name: "scale", Dist: space.Categorical{Choices: []any{true, false}}},
	)
}

// Classifier is a deterministic stand-in for cross-validated error: the svm
// is best with an rbf kernel near C=10, gamma=0.01; the knn near 7
// neighbours. Unscaled features cost a fixed penalty.
func Classifier(ctx context.Context, cfg space.Configuration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	loss := 0.0
	if scale, _ := cfg["scale"].(bool); !scale {
		loss += 0.05
	}

	kind, _ := cfg.Choice("classifier")
	switch kind {
	case "svm":
		c, ok1 := cfg.Float("C")
		g, ok2 := cfg.Float("gamma")
		kernel, ok3 := cfg.Choice("kernel")
		if !ok1 || !ok2 || !ok3 {
			return 0, fmt.Errorf("svm needs C, gamma and kernel")
		}
		loss += 0.02 + 0.03*math.Pow(math.Log10(c)-1, 2) + 0.04*math.Pow(math.Log10(g)+2, 2)
		switch kernel {
		case "linear":
			loss += 0.08
		case "poly":
			loss += 0.12
		}
	case "knn":
		n, ok := cfg.Int("n_neighbors")
		if !ok {
			return 0, fmt.Errorf("knn needs n_neighbors")
		}
		loss += 0.06 + 0.004*math.Abs(float64(n-7))
	default:
		return 0, fmt.Errorf("unknown classifier %q", kind)
	}
	return math.Min(loss, 1), nil
}

// Failing always returns an error.
func Failing(ctx context.Context, cfg space.Configuration) (float64, error) {
	return 0, fmt.Errorf("objective always fails")
}
