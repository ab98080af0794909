// Package space describes the domain searched by the optimizer: named
// parameters, each bound to a Distribution, with Conditional parameters that
// select between nested sub-spaces.
package space

import (
	"math"
	"math/rand"
	"sort"

	"github.com/copyleftdev/parzen/internal/errors"
)

const component = "space"

// Param binds a parameter name to its distribution. For a Conditional the
// name is the discriminator: it receives the selected branch key.
type Param struct {
	Name string
	Dist Distribution
}

// Condition requires the discriminator Name to hold Key.
type Condition struct {
	Name string
	Key  string
}

// Variable is a leaf of the flattened space.
type Variable struct {
	// Path addresses the variable uniquely, e.g. "classifier.svm.C".
	Path string
	// Name is the configuration key the variable is stored under.
	Name string
	Dist Leaf
	// Conditions lists the discriminator choices that must hold for the
	// variable to be defined, outermost first.
	Conditions []Condition
}

// Active reports whether the variable is defined under cfg.
func (v Variable) Active(cfg Configuration) bool {
	for _, c := range v.Conditions {
		if key, ok := cfg[c.Name].(string); !ok || key != c.Key {
			return false
		}
	}
	return true
}

// Lookup returns the variable's value in cfg if it is defined there.
func (v Variable) Lookup(cfg Configuration) (any, bool) {
	if !v.Active(cfg) {
		return nil, false
	}
	val, ok := cfg[v.Name]
	return val, ok
}

// node is a parameter resolved with its absolute path; conditional nodes
// carry their branches' nodes.
type node struct {
	v        Variable
	branches []branchNodes
}

type branchNodes struct {
	key   string
	nodes []node
}

// Space is an immutable search space.
type Space struct {
	params []Param
	nodes  []node
	vars   []Variable
}

// New validates params and builds a Space. Malformed input (empty or
// duplicate names, empty categorical, low >= high, names colliding across
// simultaneously active scopes) yields an ErrConfiguration.
func New(params ...Param) (*Space, error) {
	for _, p := range params {
		if p.Name == "" {
			return nil, errors.Configurationf(component, "parameter name must not be empty")
		}
		if p.Dist == nil {
			return nil, errors.Configurationf(component, "parameter %q has no distribution", p.Name)
		}
		if err := p.Dist.validate(); err != nil {
			return nil, errors.Configurationf(component, "parameter %q: %v", p.Name, err)
		}
	}
	if err := checkScope(params, map[string]bool{}); err != nil {
		return nil, err
	}

	s := &Space{params: append([]Param(nil), params...)}
	s.nodes = buildNodes(s.params, "", nil)
	s.vars = flatten(s.nodes, nil)
	return s, nil
}

// MustNew is New for statically known spaces; it panics on error.
func MustNew(params ...Param) *Space {
	s, err := New(params...)
	if err != nil {
		panic(err)
	}
	return s
}

// checkScope rejects names that could be defined twice in one configuration.
func checkScope(params []Param, outer map[string]bool) error {
	level := make(map[string]bool, len(outer)+len(params))
	for k := range outer {
		level[k] = true
	}
	for _, p := range params {
		if level[p.Name] {
			return errors.Configurationf(component, "parameter name %q is not unique", p.Name)
		}
		level[p.Name] = true
	}

	// Sibling conditionals are active together, so their subtrees must not
	// share names either.
	claimed := map[string]string{}
	for _, p := range params {
		cond, ok := p.Dist.(Conditional)
		if !ok {
			continue
		}
		for _, b := range cond.Branches {
			if err := checkScope(b.Space.params, level); err != nil {
				return err
			}
		}
		for name := range subtreeNames(cond) {
			if owner, taken := claimed[name]; taken {
				return errors.Configurationf(component,
					"parameter name %q is used under both %q and %q", name, owner, p.Name)
			}
			claimed[name] = p.Name
		}
	}
	return nil
}

func subtreeNames(c Conditional) map[string]bool {
	names := map[string]bool{}
	for _, b := range c.Branches {
		for _, p := range b.Space.params {
			names[p.Name] = true
			if nested, ok := p.Dist.(Conditional); ok {
				for n := range subtreeNames(nested) {
					names[n] = true
				}
			}
		}
	}
	return names
}

func buildNodes(params []Param, prefix string, conds []Condition) []node {
	nodes := make([]node, 0, len(params))
	for _, p := range params {
		path := p.Name
		if prefix != "" {
			path = prefix + "." + p.Name
		}
		n := node{v: Variable{Path: path, Name: p.Name, Conditions: conds}}

		switch d := p.Dist.(type) {
		case Conditional:
			n.v.Dist = d.Discriminator()
			for _, b := range d.Branches {
				inner := append(append([]Condition(nil), conds...), Condition{Name: p.Name, Key: b.Key})
				n.branches = append(n.branches, branchNodes{
					key:   b.Key,
					nodes: buildNodes(b.Space.params, path+"."+b.Key, inner),
				})
			}
		case Leaf:
			n.v.Dist = d
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func flatten(nodes []node, out []Variable) []Variable {
	for _, n := range nodes {
		out = append(out, n.v)
		for _, b := range n.branches {
			out = flatten(b.nodes, out)
		}
	}
	return out
}

// Params returns the top-level parameters in declaration order.
func (s *Space) Params() []Param {
	return append([]Param(nil), s.params...)
}

// Flatten returns every leaf variable, discriminators included, in a stable
// depth-first order.
func (s *Space) Flatten() []Variable {
	return append([]Variable(nil), s.vars...)
}

// Len is the number of flattened variables.
func (s *Space) Len() int {
	return len(s.vars)
}

// Sample draws a configuration with no history bias.
func (s *Space) Sample(rng *rand.Rand) Configuration {
	return s.SampleWith(func(v Variable) any {
		return v.Dist.Sample(rng)
	})
}

// SampleWith builds a configuration by asking draw for each variable on the
// selected path, in flattened order. Values drawn for a discriminator must be
// one of its branch keys.
func (s *Space) SampleWith(draw func(Variable) any) Configuration {
	cfg := make(Configuration, len(s.vars))
	sampleNodes(s.nodes, draw, cfg)
	return cfg
}

func sampleNodes(nodes []node, draw func(Variable) any, cfg Configuration) {
	for _, n := range nodes {
		val := draw(n.v)
		cfg[n.v.Name] = val
		if len(n.branches) == 0 {
			continue
		}
		key, _ := val.(string)
		for _, b := range n.branches {
			if b.key == key {
				sampleNodes(b.nodes, draw, cfg)
				break
			}
		}
	}
}

// Validate checks that cfg holds exactly the variables on the path its
// discriminators select, each inside its support.
func (s *Space) Validate(cfg Configuration) error {
	seen := 0
	for _, v := range s.vars {
		if !v.Active(cfg) {
			continue
		}
		val, ok := cfg[v.Name]
		if !ok {
			return errors.Configurationf(component, "configuration is missing %q", v.Path)
		}
		if math.IsInf(v.Dist.LogDensity(val), -1) {
			return errors.Configurationf(component, "value %v for %q is outside %s", val, v.Path, v.Dist)
		}
		seen++
	}
	if seen != len(cfg) {
		return errors.Configurationf(component, "configuration has keys outside the selected path: %v", cfg.Keys())
	}
	return nil
}

// LogPrior is the log density of cfg under the space's own distributions.
func (s *Space) LogPrior(cfg Configuration) float64 {
	total := 0.0
	for _, v := range s.vars {
		if val, ok := v.Lookup(cfg); ok {
			total += v.Dist.LogDensity(val)
		}
	}
	return total
}

// Configuration maps parameter names to concrete values. Only the variables
// on the path selected by its discriminators are present.
type Configuration map[string]any

// Keys returns the configuration keys sorted.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (c Configuration) Clone() Configuration {
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Float returns a numeric value as float64.
func (c Configuration) Float(name string) (float64, bool) {
	return toFloat(c[name])
}

// Int returns a numeric value rounded to the nearest integer, which is how
// quantized parameters are usually consumed.
func (c Configuration) Int(name string) (int, bool) {
	f, ok := toFloat(c[name])
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Choice returns a string value such as a branch key.
func (c Configuration) Choice(name string) (string, bool) {
	s, ok := c[name].(string)
	return s, ok
}
