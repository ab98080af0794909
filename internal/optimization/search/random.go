// Package search provides the baseline strategies TPE is compared against:
// uniform random sampling and exhaustive grid enumeration.
package search

import (
	"context"
	"math/rand"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

const component = "search"

// Random draws every configuration from the space's own distributions.
type Random struct {
	space *space.Space
	rng   *rand.Rand
}

// NewRandom creates a random strategy drawing from rng.
func NewRandom(sp *space.Space, rng *rand.Rand) (*Random, error) {
	if sp == nil || rng == nil {
		return nil, errors.Configurationf(component, "random search needs a space and a random source")
	}
	return &Random{space: sp, rng: rng}, nil
}

// Suggest ignores the history.
func (r *Random) Suggest(ctx context.Context, _ trials.History) (space.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.space.Sample(r.rng), nil
}
