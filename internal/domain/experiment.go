package domain

import (
	"fmt"
	"time"
)

// Scale is the inclusive numeric range a judge may assign to a criterion.
type Scale struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max" validate:"gtfield=Min"`
}

// Contains reports whether v lies inside the scale bounds.
func (s Scale) Contains(v float64) bool { return v >= s.Min && v <= s.Max }

// Criterion is one weighted, named dimension of a rubric.
type Criterion struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight" validate:"gt=0"`
	Scale       Scale   `json:"scale" yaml:"scale"`
}

// Rubric is the weighted scoring scheme judges apply to outputs.
type Rubric struct {
	Criteria []Criterion `json:"criteria" yaml:"criteria" validate:"required,min=1,dive"`
}

// Validate checks criterion shape and rejects duplicate names.
func (r Rubric) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRubric, err)
	}
	seen := make(map[string]struct{}, len(r.Criteria))
	for _, c := range r.Criteria {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate criterion %q", ErrInvalidRubric, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Weights returns criterion weights keyed by name.
func (r Rubric) Weights() map[string]float64 {
	w := make(map[string]float64, len(r.Criteria))
	for _, c := range r.Criteria {
		w[c.Name] = c.Weight
	}
	return w
}

// Criterion looks up a criterion by name.
func (r Rubric) Criterion(name string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return Criterion{}, false
}

// StopRules end the automatic refinement loop. Zero values disable a rule.
type StopRules struct {
	// MaxIterations stops once this many iterations exist for the experiment.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" validate:"min=0"`

	// MaxBudget is the cumulative spend ceiling for the experiment.
	MaxBudget Cents `json:"max_budget" yaml:"max_budget" validate:"min=0"`

	// ConvergenceWindow is how many iterations back the score delta is measured.
	ConvergenceWindow int `json:"convergence_window" yaml:"convergence_window" validate:"min=0"`

	// MinDelta is the smallest composite improvement across the window that
	// still counts as progress.
	MinDelta float64 `json:"min_delta" yaml:"min_delta" validate:"min=0"`
}

// SafetyConfig turns safety detectors off. The zero value runs every
// detector, so an experiment stored without a safety block is fully scanned.
type SafetyConfig struct {
	DisablePII            bool     `json:"disable_pii,omitempty" yaml:"disable_pii"`
	DisableToxicity       bool     `json:"disable_toxicity,omitempty" yaml:"disable_toxicity"`
	DisableJailbreak      bool     `json:"disable_jailbreak,omitempty" yaml:"disable_jailbreak"`
	ExtraJailbreakPhrases []string `json:"extra_jailbreak_phrases,omitempty" yaml:"extra_jailbreak_phrases"`
}

// JudgeMode selects how a judge evaluates outputs.
type JudgeMode string

const (
	// JudgePointwise scores a single output against every rubric criterion.
	JudgePointwise JudgeMode = "pointwise"

	// JudgePairwise compares two outputs for the same case and names a winner.
	JudgePairwise JudgeMode = "pairwise"
)

// ModelConfig is one model under evaluation.
type ModelConfig struct {
	ID              string         `json:"id" yaml:"id" validate:"required"`
	Provider        string         `json:"provider" yaml:"provider" validate:"required"`
	Model           string         `json:"model" yaml:"model" validate:"required"`
	CredentialLabel string         `json:"credential_label,omitempty" yaml:"credential_label"`
	Params          map[string]any `json:"params,omitempty" yaml:"params"`
	Seed            *int64         `json:"seed,omitempty" yaml:"seed"`
	Active          bool           `json:"active" yaml:"active"`
}

// JudgeConfig is one automated judge.
type JudgeConfig struct {
	ID              string    `json:"id" yaml:"id" validate:"required"`
	Provider        string    `json:"provider" yaml:"provider" validate:"required"`
	Model           string    `json:"model" yaml:"model" validate:"required"`
	CredentialLabel string    `json:"credential_label,omitempty" yaml:"credential_label"`
	Mode            JudgeMode `json:"mode" yaml:"mode" validate:"required,oneof=pointwise pairwise"`
}

// RefinerConfig is the model that drafts prompt edits.
type RefinerConfig struct {
	Provider        string  `json:"provider" yaml:"provider" validate:"required"`
	Model           string  `json:"model" yaml:"model" validate:"required"`
	CredentialLabel string  `json:"credential_label,omitempty" yaml:"credential_label"`
	MaxChangeRatio  float64 `json:"max_change_ratio,omitempty" yaml:"max_change_ratio" validate:"min=0,max=1"`
}

// DefaultRunTimeout bounds a single model run when the experiment sets none.
const DefaultRunTimeout = 30 * time.Minute

// Experiment is a human-authored evaluation setup. Its configuration may only
// change between iterations.
type Experiment struct {
	ID         string        `json:"id" validate:"required"`
	ProjectID  string        `json:"project_id" validate:"required"`
	Name       string        `json:"name" validate:"required"`
	Goal       string        `json:"goal"`
	Rubric     Rubric        `json:"rubric"`
	StopRules  StopRules     `json:"stop_rules"`
	Safety     SafetyConfig  `json:"safety"`
	Models     []ModelConfig `json:"models" validate:"dive"`
	Judges     []JudgeConfig `json:"judges" validate:"dive"`
	Refiner    RefinerConfig `json:"refiner"`
	DatasetID  string        `json:"dataset_id" validate:"required"`
	RunTimeout time.Duration `json:"run_timeout"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Validate checks structural validity including the rubric.
func (e *Experiment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidExperiment, err)
	}
	if err := e.Rubric.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidExperiment, err)
	}
	return nil
}

// ActiveModels returns the model configurations that take part in iterations.
func (e *Experiment) ActiveModels() []ModelConfig {
	var out []ModelConfig
	for _, m := range e.Models {
		if m.Active {
			m.Params = cloneParams(m.Params)
			out = append(out, m)
		}
	}
	return out
}

// Model looks up a model configuration by id.
func (e *Experiment) Model(id string) (ModelConfig, bool) {
	for _, m := range e.Models {
		if m.ID == id {
			m.Params = cloneParams(m.Params)
			return m, true
		}
	}
	return ModelConfig{}, false
}

// JudgesByMode returns judges operating in the given mode.
func (e *Experiment) JudgesByMode(mode JudgeMode) []JudgeConfig {
	var out []JudgeConfig
	for _, j := range e.Judges {
		if j.Mode == mode {
			out = append(out, j)
		}
	}
	return out
}

// EffectiveRunTimeout returns the configured run ceiling or the default.
func (e *Experiment) EffectiveRunTimeout() time.Duration {
	if e.RunTimeout > 0 {
		return e.RunTimeout
	}
	return DefaultRunTimeout
}
