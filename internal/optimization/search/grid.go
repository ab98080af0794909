package search

import (
	"context"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

// DefaultResolution is the number of points a continuous range is cut into.
const DefaultResolution = 4

// Grid enumerates the Cartesian product of discretized parameter values in
// lexicographic order, the last parameter varying fastest. A Conditional
// contributes the union over its branches of each branch's own grid.
type Grid struct {
	points []space.Configuration
	next   int
}

// NewGrid discretizes sp with the given number of points per continuous
// parameter.
func NewGrid(sp *space.Space, resolution int) (*Grid, error) {
	if sp == nil {
		return nil, errors.Configurationf(component, "grid search needs a space")
	}
	if resolution == 0 {
		resolution = DefaultResolution
	}
	if resolution < 1 {
		return nil, errors.Configurationf(component, "grid resolution must be positive, got %d", resolution)
	}
	return &Grid{points: enumerate(sp.Params(), resolution)}, nil
}

// Size is the number of grid points.
func (g *Grid) Size() int {
	return len(g.points)
}

// Suggest returns the next unvisited grid point, or ErrExhausted once every
// point has been handed out.
func (g *Grid) Suggest(ctx context.Context, _ trials.History) (space.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.next >= len(g.points) {
		return nil, errors.Wrapf(errors.ErrExhausted, "all %d grid points visited", len(g.points)).
			WithComponent(component).WithOperation("suggest")
	}
	p := g.points[g.next].Clone()
	g.next++
	return p, nil
}

func enumerate(params []space.Param, resolution int) []space.Configuration {
	out := []space.Configuration{{}}
	for _, p := range params {
		partials := paramValues(p, resolution)
		next := make([]space.Configuration, 0, len(out)*len(partials))
		for _, prefix := range out {
			for _, part := range partials {
				c := prefix.Clone()
				for k, v := range part {
					c[k] = v
				}
				next = append(next, c)
			}
		}
		out = next
	}
	return out
}

// paramValues lists the partial configurations one parameter contributes.
func paramValues(p space.Param, resolution int) []space.Configuration {
	if cond, ok := p.Dist.(space.Conditional); ok {
		var out []space.Configuration
		for _, b := range cond.Branches {
			for _, sub := range enumerate(b.Space.Params(), resolution) {
				sub[p.Name] = b.Key
				out = append(out, sub)
			}
		}
		return out
	}

	values := Values(p.Dist, resolution)
	out := make([]space.Configuration, len(values))
	for i, v := range values {
		out[i] = space.Configuration{p.Name: v}
	}
	return out
}

// Values discretizes a leaf distribution. Continuous ranges are cut into
// resolution evenly spaced points (in log space for LogUniform), quantized
// ranges are snapped to their grid and deduplicated, and categoricals yield
// every choice.
func Values(d space.Distribution, resolution int) []any {
	switch d := d.(type) {
	case space.Categorical:
		return append([]any(nil), d.Choices...)
	case space.Quantized:
		var out []any
		seen := map[float64]bool{}
		lo, hi := d.Internal()
		for _, u := range linspace(lo, hi, resolution) {
			v := d.FromInternal(u)
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
		return out
	case space.Numeric:
		lo, hi := d.Internal()
		us := linspace(lo, hi, resolution)
		out := make([]any, len(us))
		for i, u := range us {
			out[i] = d.FromInternal(u)
		}
		return out
	}
	return nil
}

func linspace(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{(lo + hi) / 2}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	out[n-1] = hi
	return out
}
