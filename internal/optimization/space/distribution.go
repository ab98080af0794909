package space

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/parzen/internal/errors"
)

// Kind identifies the variant of a Distribution.
type Kind int

const (
	KindUniform Kind = iota
	KindLogUniform
	KindQuantized
	KindCategorical
	KindConditional
)

func (k Kind) String() string {
	switch k {
	case KindUniform:
		return "uniform"
	case KindLogUniform:
		return "loguniform"
	case KindQuantized:
		return "quantized"
	case KindCategorical:
		return "categorical"
	case KindConditional:
		return "conditional"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Distribution describes the domain of one parameter. It is one of Uniform,
// LogUniform, Quantized, Categorical or Conditional.
type Distribution interface {
	Kind() Kind
	String() string
	validate() error
}

// Leaf is a distribution that yields a single concrete value.
type Leaf interface {
	Distribution
	// Sample draws a value with no history bias.
	Sample(rng *rand.Rand) any
	// LogDensity is the log density (log mass for discrete leaves) of v.
	// Values outside the support yield -Inf.
	LogDensity(v any) float64
}

// Numeric is a continuous leaf, possibly quantized. Estimators model it in
// an internal coordinate on which the prior is uniform over Internal().
type Numeric interface {
	Leaf
	Internal() (low, high float64)
	ToInternal(x float64) float64
	// FromInternal maps back to the value domain, snapping quantized values
	// onto the grid inside the declared bounds.
	FromInternal(u float64) float64
	// LogJacobian is log|du/dx| at x.
	LogJacobian(x float64) float64
	// Quantum is the step of a quantized leaf, zero otherwise.
	Quantum() float64
	// Bin returns the internal-coordinate interval that rounds to x.
	Bin(x float64) (lo, hi float64)
}

// Uniform is the continuous uniform distribution on [Low, High].
type Uniform struct {
	Low, High float64
}

func (u Uniform) Kind() Kind     { return KindUniform }
func (u Uniform) String() string { return fmt.Sprintf("uniform(%g, %g)", u.Low, u.High) }

func (u Uniform) validate() error {
	if !finite(u.Low) || !finite(u.High) || u.Low >= u.High {
		return fmt.Errorf("uniform bounds must satisfy low < high, got [%g, %g]", u.Low, u.High)
	}
	return nil
}

func (u Uniform) Sample(rng *rand.Rand) any {
	return u.Low + rng.Float64()*(u.High-u.Low)
}

func (u Uniform) LogDensity(v any) float64 {
	x, ok := toFloat(v)
	if !ok {
		return math.Inf(-1)
	}
	return distuv.Uniform{Min: u.Low, Max: u.High}.LogProb(x)
}

func (u Uniform) Internal() (float64, float64)   { return u.Low, u.High }
func (u Uniform) ToInternal(x float64) float64   { return x }
func (u Uniform) FromInternal(v float64) float64 { return clamp(v, u.Low, u.High) }
func (u Uniform) LogJacobian(float64) float64    { return 0 }
func (u Uniform) Quantum() float64               { return 0 }
func (u Uniform) Bin(x float64) (float64, float64) {
	return x, x
}

// LogUniform is the distribution whose logarithm is uniform on
// [log Low, log High].
type LogUniform struct {
	Low, High float64
}

func (l LogUniform) Kind() Kind     { return KindLogUniform }
func (l LogUniform) String() string { return fmt.Sprintf("loguniform(%g, %g)", l.Low, l.High) }

func (l LogUniform) validate() error {
	if !finite(l.Low) || !finite(l.High) || l.Low <= 0 || l.Low >= l.High {
		return fmt.Errorf("loguniform bounds must satisfy 0 < low < high, got [%g, %g]", l.Low, l.High)
	}
	return nil
}

func (l LogUniform) Sample(rng *rand.Rand) any {
	lo, hi := l.Internal()
	return clamp(math.Exp(lo+rng.Float64()*(hi-lo)), l.Low, l.High)
}

func (l LogUniform) LogDensity(v any) float64 {
	x, ok := toFloat(v)
	if !ok || x <= 0 {
		return math.Inf(-1)
	}
	lo, hi := l.Internal()
	return distuv.Uniform{Min: lo, Max: hi}.LogProb(math.Log(x)) - math.Log(x)
}

func (l LogUniform) Internal() (float64, float64) { return math.Log(l.Low), math.Log(l.High) }
func (l LogUniform) ToInternal(x float64) float64 { return math.Log(x) }
func (l LogUniform) FromInternal(u float64) float64 {
	return clamp(math.Exp(u), l.Low, l.High)
}
func (l LogUniform) LogJacobian(x float64) float64 { return -math.Log(x) }
func (l LogUniform) Quantum() float64              { return 0 }
func (l LogUniform) Bin(x float64) (float64, float64) {
	u := math.Log(x)
	return u, u
}

// Quantized rounds draws of a Uniform or LogUniform base to multiples of Step.
type Quantized struct {
	Base Distribution
	Step float64
}

func (q Quantized) Kind() Kind     { return KindQuantized }
func (q Quantized) String() string { return fmt.Sprintf("quantized(%s, %g)", q.Base, q.Step) }

func (q Quantized) base() Numeric {
	switch b := q.Base.(type) {
	case Uniform:
		return b
	case LogUniform:
		return b
	}
	return nil
}

func (q Quantized) bounds() (float64, float64) {
	switch b := q.Base.(type) {
	case Uniform:
		return b.Low, b.High
	case LogUniform:
		return b.Low, b.High
	}
	return 0, 0
}

func (q Quantized) validate() error {
	if q.base() == nil {
		return fmt.Errorf("quantized base must be uniform or loguniform, got %v", q.Base)
	}
	if err := q.Base.validate(); err != nil {
		return err
	}
	low, high := q.bounds()
	if !finite(q.Step) || q.Step <= 0 || q.Step > high-low {
		return fmt.Errorf("quantized step must be in (0, %g], got %g", high-low, q.Step)
	}
	return nil
}

// snap rounds x to the step grid, staying inside the declared bounds.
func (q Quantized) snap(x float64) float64 {
	low, high := q.bounds()
	v := math.Round(x/q.Step) * q.Step
	if v < low {
		v += q.Step
	}
	if v > high {
		v -= q.Step
	}
	return v
}

func (q Quantized) Sample(rng *rand.Rand) any {
	return q.snap(q.base().Sample(rng).(float64))
}

// LogDensity returns the log probability mass of the rounding bin of v.
func (q Quantized) LogDensity(v any) float64 {
	x, ok := toFloat(v)
	if !ok || !q.onGrid(x) {
		return math.Inf(-1)
	}
	lo, hi := q.Bin(x)
	ilo, ihi := q.Internal()
	if hi <= lo {
		return math.Inf(-1)
	}
	return math.Log((hi - lo) / (ihi - ilo))
}

func (q Quantized) onGrid(x float64) bool {
	low, high := q.bounds()
	if x < low-1e-9*q.Step || x > high+1e-9*q.Step {
		return false
	}
	r := x / q.Step
	return math.Abs(r-math.Round(r)) < 1e-6
}

func (q Quantized) Internal() (float64, float64)   { return q.base().Internal() }
func (q Quantized) ToInternal(x float64) float64   { return q.base().ToInternal(x) }
func (q Quantized) FromInternal(u float64) float64 { return q.snap(q.base().FromInternal(u)) }
func (q Quantized) LogJacobian(float64) float64    { return 0 }
func (q Quantized) Quantum() float64               { return q.Step }

// Bin accounts for snapping: the outermost grid points also absorb the
// values between them and the declared bounds.
func (q Quantized) Bin(x float64) (float64, float64) {
	low, high := q.bounds()
	eps := 1e-9 * q.Step
	lo, hi := x-q.Step/2, x+q.Step/2
	if x-q.Step < low-eps {
		lo = low
	}
	if x+q.Step > high+eps {
		hi = high
	}
	return q.ToInternal(math.Max(lo, low)), q.ToInternal(math.Min(hi, high))
}

// Categorical draws one of an ordered set of choices with equal probability.
// Choices must be comparable values.
type Categorical struct {
	Choices []any
}

func (c Categorical) Kind() Kind     { return KindCategorical }
func (c Categorical) String() string { return fmt.Sprintf("categorical(%v)", c.Choices) }

func (c Categorical) validate() error {
	if len(c.Choices) == 0 {
		return fmt.Errorf("categorical needs at least one choice")
	}
	for i, a := range c.Choices {
		if !isComparable(a) {
			return fmt.Errorf("categorical choice %d (%T) is not comparable", i, a)
		}
		for _, b := range c.Choices[:i] {
			if a == b {
				return fmt.Errorf("categorical choice %v appears more than once", a)
			}
		}
	}
	return nil
}

func (c Categorical) Sample(rng *rand.Rand) any {
	return c.Choices[rng.Intn(len(c.Choices))]
}

func (c Categorical) LogDensity(v any) float64 {
	if c.Index(v) < 0 {
		return math.Inf(-1)
	}
	return -math.Log(float64(len(c.Choices)))
}

// Index returns the position of v among the choices, or -1.
func (c Categorical) Index(v any) int {
	if !isComparable(v) {
		return -1
	}
	for i, choice := range c.Choices {
		if choice == v {
			return i
		}
	}
	return -1
}

// Branch is one arm of a Conditional, selected by Key.
type Branch struct {
	Key   string
	Space *Space
}

// Conditional selects exactly one branch; the parameter it is bound to holds
// the chosen branch key and only that branch's parameters are defined.
type Conditional struct {
	Branches []Branch
}

func (c Conditional) Kind() Kind { return KindConditional }

func (c Conditional) String() string {
	keys := make([]string, len(c.Branches))
	for i, b := range c.Branches {
		keys[i] = b.Key
	}
	return fmt.Sprintf("conditional(%v)", keys)
}

func (c Conditional) validate() error {
	if len(c.Branches) == 0 {
		return fmt.Errorf("conditional needs at least one branch")
	}
	for i, b := range c.Branches {
		if b.Key == "" {
			return fmt.Errorf("conditional branch %d has an empty key", i)
		}
		if b.Space == nil {
			return fmt.Errorf("conditional branch %q has no space", b.Key)
		}
		for _, prev := range c.Branches[:i] {
			if prev.Key == b.Key {
				return fmt.Errorf("conditional branch %q appears more than once", b.Key)
			}
		}
	}
	return nil
}

// Discriminator is the categorical leaf over the branch keys.
func (c Conditional) Discriminator() Categorical {
	choices := make([]any, len(c.Branches))
	for i, b := range c.Branches {
		choices[i] = b.Key
	}
	return Categorical{Choices: choices}
}

// LogDensity evaluates v under d. Conditional distributions have no density
// of their own; use their Discriminator.
func LogDensity(d Distribution, v any) (float64, error) {
	leaf, ok := d.(Leaf)
	if !ok {
		return 0, errors.Configurationf("space", "%s has no density; evaluate its discriminator", d)
	}
	return leaf.LogDensity(v), nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func isComparable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
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
