// Package study reads study definitions: which objective to minimize, over
// which search space, with which optimizer settings. Definitions come from
// YAML or JSON files, or from API request bodies.
package study

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/parzen/internal/config"
	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/objectives"
	"github.com/copyleftdev/parzen/internal/optimization"
	"github.com/copyleftdev/parzen/internal/optimization/space"
)

const component = "study"

// Parameter types accepted in a ParamSpec.
const (
	TypeUniform     = "uniform"
	TypeLogUniform  = "loguniform"
	TypeQUniform    = "quniform"
	TypeQLogUniform = "qloguniform"
	TypeChoice      = "choice"
	TypeConditional = "conditional"
)

// Definition describes one study. Zero-valued optimizer settings fall back to
// the base configuration passed to DriverConfig.
type Definition struct {
	Name      string `yaml:"name" json:"name"`
	Objective string `yaml:"objective" json:"objective"`

	Algorithm      string  `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	MaxEvals       int     `yaml:"max_evals,omitempty" json:"max_evals,omitempty"`
	NInitialRandom *int    `yaml:"n_initial_random,omitempty" json:"n_initial_random,omitempty"`
	Gamma          float64 `yaml:"gamma,omitempty" json:"gamma,omitempty"`
	NCandidates    int     `yaml:"n_candidates,omitempty" json:"n_candidates,omitempty"`
	Seed           int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	GridResolution int     `yaml:"grid_resolution,omitempty" json:"grid_resolution,omitempty"`
	// TrialTimeout is a Go duration string such as "500ms".
	TrialTimeout string `yaml:"trial_timeout,omitempty" json:"trial_timeout,omitempty"`

	// Space overrides the objective's default search space.
	Space []ParamSpec `yaml:"space,omitempty" json:"space,omitempty"`
}

// ParamSpec declares one parameter.
type ParamSpec struct {
	Name     string       `yaml:"name" json:"name"`
	Type     string       `yaml:"type" json:"type"`
	Low      float64      `yaml:"low,omitempty" json:"low,omitempty"`
	High     float64      `yaml:"high,omitempty" json:"high,omitempty"`
	Step     float64      `yaml:"step,omitempty" json:"step,omitempty"`
	Choices  []any        `yaml:"choices,omitempty" json:"choices,omitempty"`
	Branches []BranchSpec `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// BranchSpec is one arm of a conditional parameter.
type BranchSpec struct {
	Key    string      `yaml:"key" json:"key"`
	Params []ParamSpec `yaml:"params" json:"params"`
}

// Load reads a definition from path. Files ending in .json are decoded as
// JSON, anything else as YAML.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading study %s", path).
			WithComponent(component).WithOperation("load")
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Parse decodes a definition and validates it.
func Parse(data []byte, isJSON bool) (*Definition, error) {
	def := &Definition{}
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, errors.Configurationf(component, "decoding JSON study: %v", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, errors.Configurationf(component, "decoding YAML study: %v", err)
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the objective, the space and the optimizer settings.
func (d *Definition) Validate() error {
	if _, ok := objectives.Lookup(d.Objective); !ok {
		return errors.Configurationf(component, "unknown objective %q", d.Objective)
	}
	if _, err := d.SearchSpace(); err != nil {
		return err
	}
	_, err := d.DriverConfig(optimization.DefaultConfig())
	return err
}

// SearchSpace builds the study's space, or the objective's default space if
// the definition has none.
func (d *Definition) SearchSpace() (*space.Space, error) {
	if len(d.Space) == 0 {
		obj, ok := objectives.Lookup(d.Objective)
		if !ok {
			return nil, errors.Configurationf(component, "unknown objective %q", d.Objective)
		}
		return obj.Space(), nil
	}
	params, err := buildParams(d.Space)
	if err != nil {
		return nil, err
	}
	sp, err := space.New(params...)
	if err != nil {
		return nil, errors.Wrap(err, "building search space").WithComponent(component)
	}
	return sp, nil
}

// DriverConfig overlays the definition's settings on base and validates the
// result. Logger and OnTrial are carried over from base.
func (d *Definition) DriverConfig(base optimization.Config) (optimization.Config, error) {
	cfg := base
	if d.Algorithm != "" {
		cfg.Algorithm = optimization.Algorithm(strings.ToLower(d.Algorithm))
	}
	if d.MaxEvals != 0 {
		cfg.MaxEvals = d.MaxEvals
		if cfg.NInitialRandom > cfg.MaxEvals {
			cfg.NInitialRandom = cfg.MaxEvals
		}
	}
	if d.NInitialRandom != nil {
		cfg.NInitialRandom = *d.NInitialRandom
	}
	if d.Gamma != 0 {
		cfg.Gamma = d.Gamma
	}
	if d.NCandidates != 0 {
		cfg.NCandidates = d.NCandidates
	}
	if d.Seed != 0 {
		cfg.Seed = d.Seed
	}
	if d.GridResolution != 0 {
		cfg.GridResolution = d.GridResolution
	}
	if d.TrialTimeout != "" {
		timeout, err := time.ParseDuration(d.TrialTimeout)
		if err != nil {
			return cfg, errors.Configurationf(component, "trial_timeout: %v", err)
		}
		cfg.TrialTimeout = timeout
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// BaseConfig maps the service's optimizer defaults onto a driver config.
func BaseConfig(c *config.Config) optimization.Config {
	cfg := optimization.DefaultConfig()
	if c == nil {
		return cfg
	}
	o := c.Optimizer
	cfg.MaxEvals = o.MaxEvals
	cfg.NInitialRandom = o.NInitialRandom
	cfg.Gamma = o.Gamma
	cfg.NCandidates = o.NCandidates
	cfg.Seed = o.Seed
	cfg.GridResolution = o.GridResolution
	cfg.TrialTimeout = o.TrialTimeout
	return cfg
}

func buildParams(specs []ParamSpec) ([]space.Param, error) {
	params := make([]space.Param, 0, len(specs))
	for _, ps := range specs {
		dist, err := ps.distribution()
		if err != nil {
			return nil, err
		}
		params = append(params, space.Param{Name: ps.Name, Dist: dist})
	}
	return params, nil
}

func (ps ParamSpec) distribution() (space.Distribution, error) {
	switch strings.ToLower(ps.Type) {
	case TypeUniform:
		return space.Uniform{Low: ps.Low, High: ps.High}, nil
	case TypeLogUniform:
		return space.LogUniform{Low: ps.Low, High: ps.High}, nil
	case TypeQUniform:
		return space.Quantized{Base: space.Uniform{Low: ps.Low, High: ps.High}, Step: ps.Step}, nil
	case TypeQLogUniform:
		return space.Quantized{Base: space.LogUniform{Low: ps.Low, High: ps.High}, Step: ps.Step}, nil
	case TypeChoice:
		return space.Categorical{Choices: ps.Choices}, nil
	case TypeConditional:
		branches := make([]space.Branch, 0, len(ps.Branches))
		for _, b := range ps.Branches {
			params, err := buildParams(b.Params)
			if err != nil {
				return nil, err
			}
			sub, err := space.New(params...)
			if err != nil {
				return nil, errors.Wrapf(err, "branch %s.%s", ps.Name, b.Key).WithComponent(component)
			}
			branches = append(branches, space.Branch{Key: b.Key, Space: sub})
		}
		return space.Conditional{Branches: branches}, nil
	}
	return nil, errors.Configurationf(component, "parameter %q has unknown type %q", ps.Name, ps.Type)
}

// String summarizes the definition for logs.
func (d *Definition) String() string {
	name := d.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("%s(objective=%s, algorithm=%s)", name, d.Objective, d.Algorithm)
}
