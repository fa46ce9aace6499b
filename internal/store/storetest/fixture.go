// Package storetest provides SQLite-backed fixtures for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/store/sqlite"
)

// Open returns a fresh store in the test's temp dir, closed on cleanup.
func Open(t testing.TB) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "promptlab.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Fixture is a seeded experiment with one prompt version, dataset and
// iteration.
type Fixture struct {
	Experiment *domain.Experiment
	Prompt     *domain.PromptVersion
	Cases      []domain.DatasetCase
	Iteration  *domain.Iteration
}

// Experiment returns a valid two-model experiment with pointwise and pairwise
// judges over the dataset "ds-1".
func Experiment() *domain.Experiment {
	return &domain.Experiment{
		ID:        "exp-1",
		ProjectID: "proj-1",
		Name:      "support bot",
		Goal:      "answer billing questions accurately",
		Rubric: domain.Rubric{Criteria: []domain.Criterion{
			{Name: "Helpfulness", Weight: 0.6, Scale: domain.Scale{Min: 1, Max: 5}},
			{Name: "Accuracy", Weight: 0.4, Scale: domain.Scale{Min: 1, Max: 5}},
		}},
		Models: []domain.ModelConfig{
			{ID: "m1", Provider: "openai", Model: "gpt-4o-mini", Active: true, Params: map[string]any{"temperature": 0.2}},
			{ID: "m2", Provider: "anthropic", Model: "claude-3-5-haiku", Active: true},
		},
		Judges: []domain.JudgeConfig{
			{ID: "j1", Provider: "openai", Model: "gpt-4o", Mode: domain.JudgePointwise},
			{ID: "j2", Provider: "openai", Model: "gpt-4o", Mode: domain.JudgePairwise},
		},
		Refiner:   domain.RefinerConfig{Provider: "openai", Model: "gpt-4o"},
		DatasetID: "ds-1",
	}
}

// Seed stores exp (or the default experiment when nil), a prompt version,
// the dataset with cases, and a new iteration.
func Seed(t testing.TB, s *sqlite.Store, exp *domain.Experiment, cases ...domain.DatasetCase) Fixture {
	t.Helper()
	ctx := context.Background()
	if exp == nil {
		exp = Experiment()
	}
	if len(cases) == 0 {
		cases = []domain.DatasetCase{
			{Input: map[string]any{"question": "How do I get a refund?"}, Tags: []string{"billing"}, Difficulty: 2},
			{Input: map[string]any{"question": "Where is my invoice?"}, Tags: []string{"billing", "documents"}, Difficulty: 1},
		}
	}

	require.NoError(t, s.CreateExperiment(ctx, exp))
	require.NoError(t, s.PutCredential(ctx, domain.Credential{ProjectID: exp.ProjectID, Provider: "openai", Secret: "sk-test", Active: true}))
	require.NoError(t, s.PutCredential(ctx, domain.Credential{ProjectID: exp.ProjectID, Provider: "anthropic", Secret: "sk-ant-test", Active: true}))

	prompt := &domain.PromptVersion{
		ExperimentID: exp.ID,
		Text:         "Answer the customer question: {{question}}",
		SystemText:   "You are a concise support agent.",
	}
	require.NoError(t, s.CreatePromptVersion(ctx, prompt))

	require.NoError(t, s.CreateDataset(ctx, domain.Dataset{ID: exp.DatasetID, ProjectID: exp.ProjectID, Name: "support"}))
	_, err := s.InsertCases(ctx, exp.DatasetID, cases)
	require.NoError(t, err)
	stored, err := s.ListCases(ctx, exp.DatasetID)
	require.NoError(t, err)

	it := &domain.Iteration{ExperimentID: exp.ID, PromptVersionID: prompt.ID, Status: domain.StatusExecuting}
	require.NoError(t, s.CreateIteration(ctx, it))

	return Fixture{Experiment: exp, Prompt: prompt, Cases: stored, Iteration: it}
}
