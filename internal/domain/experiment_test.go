package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validExperiment() Experiment {
	return Experiment{
		ID:        "exp-1",
		ProjectID: "proj-1",
		Name:      "support bot",
		Goal:      "answer billing questions accurately",
		Rubric: Rubric{Criteria: []Criterion{
			{Name: "Helpfulness", Weight: 0.6, Scale: Scale{Min: 1, Max: 5}},
			{Name: "Accuracy", Weight: 0.4, Scale: Scale{Min: 1, Max: 5}},
		}},
		Models: []ModelConfig{
			{ID: "m1", Provider: "openai", Model: "gpt-4o-mini", Active: true, Params: map[string]any{"temperature": 0.2}},
			{ID: "m2", Provider: "anthropic", Model: "claude-3-5-haiku", Active: false},
		},
		Judges: []JudgeConfig{
			{ID: "j1", Provider: "openai", Model: "gpt-4o", Mode: JudgePointwise},
			{ID: "j2", Provider: "openai", Model: "gpt-4o", Mode: JudgePairwise},
		},
		Refiner:   RefinerConfig{Provider: "openai", Model: "gpt-4o"},
		DatasetID: "ds-1",
	}
}

func TestExperiment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Experiment)
		wantErr error
	}{
		{name: "valid", mutate: func(*Experiment) {}},
		{
			name:    "missing dataset",
			mutate:  func(e *Experiment) { e.DatasetID = "" },
			wantErr: ErrInvalidExperiment,
		},
		{
			name:    "empty rubric",
			mutate:  func(e *Experiment) { e.Rubric.Criteria = nil },
			wantErr: ErrInvalidExperiment,
		},
		{
			name: "inverted scale",
			mutate: func(e *Experiment) {
				e.Rubric.Criteria[0].Scale = Scale{Min: 5, Max: 1}
			},
			wantErr: ErrInvalidExperiment,
		},
		{
			name: "duplicate criterion",
			mutate: func(e *Experiment) {
				e.Rubric.Criteria[1].Name = "Helpfulness"
			},
			wantErr: ErrInvalidRubric,
		},
		{
			name:    "unknown judge mode",
			mutate:  func(e *Experiment) { e.Judges[0].Mode = "listwise" },
			wantErr: ErrInvalidExperiment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestExperiment_ActiveModelsCopiesParams(t *testing.T) {
	e := validExperiment()
	active := e.ActiveModels()
	require.Len(t, active, 1)
	assert.Equal(t, "m1", active[0].ID)

	active[0].Params["temperature"] = 1.0
	assert.Equal(t, 0.2, e.Models[0].Params["temperature"])
}

func TestExperiment_JudgesByModeAndTimeout(t *testing.T) {
	e := validExperiment()
	assert.Len(t, e.JudgesByMode(JudgePointwise), 1)
	assert.Len(t, e.JudgesByMode(JudgePairwise), 1)

	assert.Equal(t, DefaultRunTimeout, e.EffectiveRunTimeout())
	e.RunTimeout = time.Minute
	assert.Equal(t, time.Minute, e.EffectiveRunTimeout())
}

func TestRubric_Weights(t *testing.T) {
	w := validExperiment().Rubric.Weights()
	assert.Equal(t, map[string]float64{"Helpfulness": 0.6, "Accuracy": 0.4}, w)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "$1.50", Cents(150).String())
	assert.Equal(t, MilliCents(150000), Cents(150).MilliCents())
	assert.Equal(t, Cents(2), MilliCents(1001).Cents())
	assert.Equal(t, Cents(1), MilliCents(1000).Cents())
	assert.Equal(t, Cents(0), MilliCents(0).Cents())
}

func TestBudgetExceededError(t *testing.T) {
	err := NewBudgetExceededError(BudgetExperiment, "exp-1", 10_000, 9_000, 2_000)
	assert.Equal(t, MilliCents(1_000), err.OverBy())
	assert.Contains(t, err.Error(), "experiment exp-1")
	assert.Equal(t, "unknown", BudgetScope(42).String())
}

func TestPromptVersion_Derive(t *testing.T) {
	pv := PromptVersion{
		ID:           "pv-1",
		ExperimentID: "exp-1",
		Version:      3,
		Text:         "old",
		SystemText:   "sys",
		FewShot:      []FewShotExample{{Input: "a", Output: "b"}},
	}
	next := pv.Derive("new")
	assert.Empty(t, next.ID)
	assert.Zero(t, next.Version)
	assert.Equal(t, "new", next.Text)
	assert.Equal(t, "sys", next.SystemText)
	assert.Equal(t, pv.FewShot, next.FewShot)

	next.FewShot[0].Input = "changed"
	assert.Equal(t, "a", pv.FewShot[0].Input)
}
