package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/internal/store/sqlite"
	"github.com/ahrav/go-promptlab/internal/store/storetest"
)

func TestExperiment_RoundTripAndConfigLock(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	got, err := s.GetExperiment(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, fx.Experiment.Rubric, got.Rubric)
	assert.Equal(t, fx.Experiment.Judges, got.Judges)
	assert.Len(t, got.ActiveModels(), 2)

	got.Goal = "be friendlier"
	err = s.UpdateExperimentConfig(ctx, got)
	require.ErrorIs(t, err, domain.ErrConfigLocked)

	require.NoError(t, s.UpdateIterationStatus(ctx, fx.Iteration.ID, domain.StatusDone, domain.StageAggregate, ""))
	require.NoError(t, s.UpdateExperimentConfig(ctx, got))

	reloaded, err := s.GetExperiment(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, "be friendlier", reloaded.Goal)

	_, err = s.GetExperiment(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPromptVersions_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)
	assert.Equal(t, 1, fx.Prompt.Version)

	next := fx.Prompt.Derive("Answer briefly: {{question}}")
	require.NoError(t, s.CreatePromptVersion(ctx, &next))
	assert.Equal(t, 2, next.Version)

	latest, err := s.LatestPromptVersion(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, latest.ID)
	assert.Equal(t, fx.Prompt.SystemText, latest.SystemText)
}

func TestInsertCases_DeduplicatesByInput(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)
	require.Len(t, fx.Cases, 2)

	n, err := s.InsertCases(ctx, fx.Experiment.DatasetID, []domain.DatasetCase{
		{Input: map[string]any{"question": "How do I get a refund?"}},
		{Input: map[string]any{"question": "Can I change my plan?"}, Tags: []string{"plans", "plans"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cases, err := s.ListCases(ctx, fx.Experiment.DatasetID)
	require.NoError(t, err)
	require.Len(t, cases, 3)
	assert.Equal(t, []string{"plans"}, cases[2].Tags)
	assert.Equal(t, fx.Cases[0].ID, cases[0].ID)
}

func TestIterationMetrics_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	require.NoError(t, s.SetIterationMetrics(ctx, fx.Iteration.ID, domain.Metrics{Composite: 3.9, Seed: 7}))
	err := s.SetIterationMetrics(ctx, fx.Iteration.ID, domain.Metrics{Composite: 1})
	require.ErrorIs(t, err, store.ErrMetricsAlreadySet)

	it, err := s.GetIteration(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	require.NotNil(t, it.Metrics)
	assert.InDelta(t, 3.9, it.Metrics.Composite, 1e-9)

	hist, err := s.ScoreHistory(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{3.9}, hist)

	err = s.SetIterationMetrics(ctx, "missing", domain.Metrics{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIteration_SequenceAndStatus(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	second := &domain.Iteration{ExperimentID: fx.Experiment.ID, PromptVersionID: fx.Prompt.ID}
	require.NoError(t, s.CreateIteration(ctx, second))
	assert.Equal(t, 2, second.Sequence)

	n, err := s.CountIterations(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpdateIterationStatus(ctx, second.ID, domain.StatusJudging, domain.StageExecute, ""))
	require.NoError(t, s.UpdateIterationStatus(ctx, second.ID, domain.StatusFailed, "", "judge exploded"))

	it, err := s.GetIteration(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, domain.StageExecute, it.LastStage)
	assert.Equal(t, "judge exploded", it.Error)
}

func TestModelRun_TerminalTransitionOnce(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	run := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateModelRun(ctx, run))
	require.NoError(t, s.UpdateRunProgress(ctx, run.ID, 2, 2))
	require.NoError(t, s.UpdateRunProgress(ctx, run.ID, 1, 2))

	totals := domain.RunTotals{PromptTokens: 100, CompletionTokens: 40, CostMilliCents: 2500, CasesTotal: 2, CasesDone: 2}
	cost := domain.CostEntry{
		ProjectID: "proj-1", ExperimentID: fx.Experiment.ID, IterationID: fx.Iteration.ID,
		Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 40, CostMilliCents: 2500,
	}
	require.NoError(t, s.CompleteModelRun(ctx, run.ID, totals, cost))

	err := s.CompleteModelRun(ctx, run.ID, totals, cost)
	require.ErrorIs(t, err, store.ErrRunFinalized)
	err = s.FailModelRun(ctx, run.ID, "timeout")
	require.ErrorIs(t, err, store.ErrRunFinalized)
	err = s.FailModelRun(ctx, "missing", "timeout")
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetModelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.Status)
	assert.Equal(t, 2, got.CasesDone)
	assert.Equal(t, domain.MilliCents(2500), got.CostMilliCents)
	assert.NotNil(t, got.FinishedAt)

	spend, err := s.SpendByExperiment(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(2500), spend, "ledger entry written once")

	require.NoError(t, s.AppendCost(ctx, domain.CostEntry{ProjectID: "proj-1", ExperimentID: "other", CostMilliCents: 500}))
	projectSpend, err := s.SpendByProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(3000), projectSpend)
}

func TestFailModelRun_SettlesOutputSpend(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	run := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateModelRun(ctx, run))
	require.NoError(t, s.InsertOutput(ctx, &domain.Output{
		ModelRunID: run.ID, CaseID: fx.Cases[0].ID, Text: "a", PromptTokens: 30, CompletionTokens: 10, CostMilliCents: 700,
	}))
	require.NoError(t, s.InsertOutput(ctx, &domain.Output{
		ModelRunID: run.ID, CaseID: fx.Cases[1].ID, Text: "b", PromptTokens: 20, CompletionTokens: 5, CostMilliCents: 300,
	}))

	require.NoError(t, s.FailModelRun(ctx, run.ID, "budget exceeded"))
	require.ErrorIs(t, s.FailModelRun(ctx, run.ID, "again"), store.ErrRunFinalized)

	got, err := s.GetModelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "budget exceeded", got.Error)
	assert.Equal(t, domain.MilliCents(1000), got.CostMilliCents)
	assert.Equal(t, int64(50), got.PromptTokens)
	assert.Equal(t, int64(15), got.CompletionTokens)
	assert.Equal(t, 2, got.CasesDone)

	spend, err := s.SpendByExperiment(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(1000), spend, "settled once")
	projectSpend, err := s.SpendByProject(ctx, fx.Experiment.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(1000), projectSpend)

	empty := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m2", Provider: "anthropic", Model: "claude-3-5-haiku"}
	require.NoError(t, s.CreateModelRun(ctx, empty))
	require.NoError(t, s.FailModelRun(ctx, empty.ID, "provider down"))
	spend, err = s.SpendByExperiment(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(1000), spend, "runs without outputs add no ledger entry")
}

func TestListStaleRuns(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	old := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "a",
		StartedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m2", Provider: "openai", Model: "b"}
	require.NoError(t, s.CreateModelRun(ctx, old))
	require.NoError(t, s.CreateModelRun(ctx, fresh))

	stale, err := s.ListStaleRuns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	runs, err := s.ListModelRuns(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestOutputsJudgmentsAndSafety(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	run := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateModelRun(ctx, run))

	out := &domain.Output{ModelRunID: run.ID, CaseID: fx.Cases[0].ID, Text: "Refunds take 5 days.", Cached: true}
	require.NoError(t, s.InsertOutput(ctx, out))
	dup := &domain.Output{ModelRunID: run.ID, CaseID: fx.Cases[0].ID, Text: "different"}
	require.NoError(t, s.InsertOutput(ctx, dup))

	outputs, err := s.ListOutputs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "Refunds take 5 days.", outputs[0].Text)
	assert.True(t, outputs[0].Cached)

	require.NoError(t, s.InsertJudgment(ctx, &domain.Judgment{
		OutputID: out.ID, JudgeConfigID: "j1", Mode: domain.JudgePointwise,
		Scores: map[string]float64{"Helpfulness": 4, "Accuracy": 5}, Rationale: "clear",
	}))
	js, err := s.ListJudgments(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.Equal(t, 4.0, js[0].Scores["Helpfulness"])
	assert.Empty(t, js[0].RunIDs)

	report := domain.SafetyReport{PIIDetected: true, Issues: []domain.SafetyIssue{{Kind: "pii", Detector: "email", Match: "a@b.io"}}}
	require.NoError(t, s.PutSafetyResult(ctx, domain.SafetyResult{OutputID: out.ID, SafetyReport: report}))
	results, err := s.ListSafetyResults(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, report, results[0].SafetyReport)
}

func TestSuggestions_OnePendingPerExperiment(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)

	sg := &domain.Suggestion{
		ExperimentID: fx.Experiment.ID, IterationID: fx.Iteration.ID, PromptVersionID: fx.Prompt.ID,
		Diff: "@@ -1 +1 @@\n-a\n+b\n", TargetCriteria: []string{"Accuracy"},
	}
	require.NoError(t, s.CreateSuggestion(ctx, sg))

	err := s.CreateSuggestion(ctx, &domain.Suggestion{
		ExperimentID: fx.Experiment.ID, IterationID: fx.Iteration.ID, PromptVersionID: fx.Prompt.ID, Diff: "x",
	})
	require.ErrorIs(t, err, sqlite.ErrConflict)

	pending, err := s.PendingSuggestion(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, sg.ID, pending.ID)
	assert.Equal(t, []string{"Accuracy"}, pending.TargetCriteria)

	require.NoError(t, s.SetSuggestionStatus(ctx, sg.ID, domain.SuggestionRejected, time.Now()))
	err = s.SetSuggestionStatus(ctx, sg.ID, domain.SuggestionApproved, time.Now())
	require.ErrorIs(t, err, store.ErrSuggestionReviewed)

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionRejected, got.Status)
	require.NotNil(t, got.ReviewedAt)

	_, err = s.PendingSuggestion(ctx, fx.Experiment.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestApproveSuggestion_Atomic(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)
	sg := &domain.Suggestion{
		ExperimentID: fx.Experiment.ID, IterationID: fx.Iteration.ID, PromptVersionID: fx.Prompt.ID,
		Diff: "@@ -1 +1 @@\n-a\n+b\n",
	}
	require.NoError(t, s.CreateSuggestion(ctx, sg))

	invalid := fx.Prompt.Derive("")
	err := s.ApproveSuggestion(ctx, sg.ID, time.Now(), &invalid, &domain.Iteration{ExperimentID: fx.Experiment.ID})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionPending, got.Status, "the claim rolls back with the failed insert")
	assert.Nil(t, got.ReviewedAt)

	next := fx.Prompt.Derive("Answer briefly: {{question}}")
	it := &domain.Iteration{ExperimentID: fx.Experiment.ID}
	require.NoError(t, s.ApproveSuggestion(ctx, sg.ID, time.Now(), &next, it))
	assert.Equal(t, fx.Prompt.Version+1, next.Version)
	assert.Equal(t, next.ID, it.PromptVersionID)
	assert.Equal(t, fx.Iteration.Sequence+1, it.Sequence)

	err = s.ApproveSuggestion(ctx, sg.ID, time.Now(), &next, &domain.Iteration{ExperimentID: fx.Experiment.ID})
	require.ErrorIs(t, err, store.ErrSuggestionReviewed)
	latest, err := s.LatestPromptVersion(ctx, fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, latest.ID)
}

func TestLookupCredential_ExactMatchOnly(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	require.NoError(t, s.PutCredential(ctx, domain.Credential{ID: "c1", ProjectID: "p", Provider: "openai", Label: "prod", Secret: "one", Active: true}))
	require.NoError(t, s.PutCredential(ctx, domain.Credential{ID: "c2", ProjectID: "p", Provider: "anthropic", Label: "prod", Secret: "two", Active: true}))
	require.NoError(t, s.PutCredential(ctx, domain.Credential{ID: "c3", ProjectID: "p", Provider: "google", Label: "prod", Secret: "three", Active: true, Deleted: true}))
	require.NoError(t, s.PutCredential(ctx, domain.Credential{ID: "c4", ProjectID: "p", Provider: "ollama", Label: "prod", Secret: "four"}))

	c, err := s.LookupCredential(ctx, "p", "openai", "prod")
	require.NoError(t, err)
	assert.Equal(t, "one", c.Secret)

	for _, provider := range []string{"google", "ollama", "mistral"} {
		_, err := s.LookupCredential(ctx, "p", provider, "prod")
		require.ErrorIs(t, err, store.ErrNotFound, provider)
	}
	_, err = s.LookupCredential(ctx, "other", "openai", "prod")
	require.ErrorIs(t, err, store.ErrNotFound)
}
