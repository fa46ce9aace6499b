package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
)

func kinds(cmds []Command) []CommandKind {
	out := make([]CommandKind, len(cmds))
	for i, c := range cmds {
		out[i] = c.Kind
	}
	return out
}

func handle(t *testing.T, m *Machine, r StageResult) []Command {
	t.Helper()
	cmds, err := m.Handle(r)
	require.NoError(t, err)
	return cmds
}

func aggregate(spend domain.MilliCents, count int, history ...float64) StageResult {
	return StageResult{Stage: domain.StageAggregate, Aggregate: &domain.AggregateOutput{
		SpendMilliCents: spend, IterationCount: count, ScoreHistory: history,
	}}
}

func TestMachine_HappyPathToRefine(t *testing.T) {
	m := New(Plan{RunIDs: []string{"r1", "r2"}})

	start := m.Start()
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdExecute, CmdExecute}, kinds(start))
	assert.Equal(t, domain.StatusExecuting, start[0].Status)
	assert.Equal(t, "r1", start[1].RunID)
	assert.Nil(t, m.Start(), "start is idempotent")

	assert.Empty(t, handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r2", RunStatus: domain.RunFailed}))
	cmds := handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdSafetyScan, CmdJudge}, kinds(cmds))
	assert.Equal(t, domain.StatusSafetyScanning, cmds[0].Status)
	assert.Equal(t, domain.StageExecute, cmds[0].LastStage)

	cmds = handle(t, m, StageResult{Stage: domain.StageSafety})
	require.Len(t, cmds, 1)
	assert.Equal(t, domain.StatusJudging, cmds[0].Status)

	cmds = handle(t, m, StageResult{Stage: domain.StageJudge})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdAggregate}, kinds(cmds))
	assert.Equal(t, domain.StatusAggregating, cmds[0].Status)

	cmds = handle(t, m, aggregate(100, 1, 3.2))
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdRefine}, kinds(cmds))
	assert.Equal(t, domain.StatusRefining, cmds[0].Status)

	cmds = handle(t, m, StageResult{Stage: domain.StageRefine})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdFinish}, kinds(cmds))
	assert.Equal(t, domain.StatusDone, cmds[0].Status)
	assert.Equal(t, domain.StageRefine, cmds[0].LastStage)
	assert.Equal(t, StopSuggested, m.Reason())
	assert.True(t, m.Done())
}

func TestMachine_JudgeBeforeSafety(t *testing.T) {
	m := New(Plan{RunIDs: []string{"r1"}})
	m.Start()
	handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})

	assert.Empty(t, handle(t, m, StageResult{Stage: domain.StageJudge}))
	assert.Equal(t, domain.StatusSafetyScanning, m.Status())
	cmds := handle(t, m, StageResult{Stage: domain.StageSafety})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdAggregate}, kinds(cmds))
	assert.Equal(t, domain.StageSafety, m.LastStage())
}

func TestMachine_GenerateDatasetFirst(t *testing.T) {
	m := New(Plan{RunIDs: []string{"r1"}, GenerateCases: 10})
	cmds := m.Start()
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdGenerateDataset}, kinds(cmds))
	assert.Equal(t, domain.StatusGeneratingData, cmds[0].Status)

	_, err := m.Handle(StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})
	assert.ErrorIs(t, err, ErrUnexpectedResult)

	cmds = handle(t, m, StageResult{Stage: domain.StageGenerateDataset})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdExecute}, kinds(cmds))
	assert.Equal(t, domain.StageGenerateDataset, cmds[0].LastStage)
}

func TestMachine_StageFailureHalts(t *testing.T) {
	m := New(Plan{RunIDs: []string{"r1"}})
	m.Start()
	handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})

	cmds := handle(t, m, StageResult{Stage: domain.StageSafety, Err: "boom"})
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdFinish}, kinds(cmds))
	assert.Equal(t, domain.StatusFailed, cmds[0].Status)
	assert.Empty(t, cmds[0].LastStage, "last successful stage is kept by the store")
	assert.Equal(t, "safety_scan: boom", cmds[0].Error)
	assert.Equal(t, domain.StageExecute, m.LastStage())
	assert.Equal(t, StopFailed, m.Reason())

	assert.Empty(t, handle(t, m, StageResult{Stage: domain.StageJudge}), "no transitions after failure")
}

func TestMachine_RunOutcomes(t *testing.T) {
	t.Run("timeout fails the run only", func(t *testing.T) {
		m := New(Plan{RunIDs: []string{"r1", "r2"}})
		m.Start()
		cmds := handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", TimedOut: true, Err: "run timed out after 1m0s"})
		require.Equal(t, []CommandKind{CmdFailRun}, kinds(cmds))
		assert.Equal(t, "r1", cmds[0].RunID)
		assert.Equal(t, "run timed out after 1m0s", cmds[0].Error)

		cmds = handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r2", RunStatus: domain.RunCompleted})
		assert.Equal(t, []CommandKind{CmdSetStatus, CmdSafetyScan, CmdJudge}, kinds(cmds))
	})

	t.Run("all runs failed", func(t *testing.T) {
		m := New(Plan{RunIDs: []string{"r1", "r2"}})
		m.Start()
		handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunFailed})
		cmds := handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r2", TimedOut: true})
		assert.Equal(t, []CommandKind{CmdFailRun, CmdSetStatus, CmdFinish}, kinds(cmds))
		assert.Equal(t, "run timed out", cmds[0].Error)
		assert.Equal(t, domain.StatusFailed, cmds[1].Status)
		assert.Equal(t, "all model runs failed", cmds[1].Error)
	})

	t.Run("activity error fails the iteration", func(t *testing.T) {
		m := New(Plan{RunIDs: []string{"r1", "r2"}})
		m.Start()
		cmds := handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", Err: "lease lost"})
		assert.Equal(t, []CommandKind{CmdSetStatus, CmdFinish}, kinds(cmds))
		assert.Equal(t, "execute (run r1): lease lost", cmds[0].Error)
	})

	t.Run("duplicate and unknown runs", func(t *testing.T) {
		m := New(Plan{RunIDs: []string{"r1", "r2"}})
		m.Start()
		handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})
		_, err := m.Handle(StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})
		assert.ErrorIs(t, err, ErrUnexpectedResult)
		_, err = m.Handle(StageResult{Stage: domain.StageExecute, RunID: "r9", RunStatus: domain.RunCompleted})
		assert.ErrorIs(t, err, ErrUnexpectedResult)
	})
}

func TestMachine_NoRuns(t *testing.T) {
	m := New(Plan{})
	cmds := m.Start()
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdFinish}, kinds(cmds))
	assert.Equal(t, domain.StatusFailed, m.Status())
}

func TestMachine_StopsOnAggregate(t *testing.T) {
	m := New(Plan{RunIDs: []string{"r1"}, StopRules: domain.StopRules{MaxIterations: 3}})
	m.Start()
	handle(t, m, StageResult{Stage: domain.StageExecute, RunID: "r1", RunStatus: domain.RunCompleted})
	handle(t, m, StageResult{Stage: domain.StageSafety})
	handle(t, m, StageResult{Stage: domain.StageJudge})

	cmds := handle(t, m, aggregate(0, 3, 3.0, 3.5, 3.9))
	assert.Equal(t, []CommandKind{CmdSetStatus, CmdFinish}, kinds(cmds))
	assert.Equal(t, domain.StatusDone, cmds[0].Status)
	assert.Equal(t, domain.StageAggregate, cmds[0].LastStage)
	assert.Equal(t, StopMaxIterations, cmds[1].Reason)
}

func TestShouldStop(t *testing.T) {
	rules := domain.StopRules{MaxIterations: 5, MaxBudget: 10, ConvergenceWindow: 2, MinDelta: 0.05}
	tests := []struct {
		name string
		agg  domain.AggregateOutput
		want StopReason
	}{
		{"under every limit", domain.AggregateOutput{SpendMilliCents: 9_999, IterationCount: 3, ScoreHistory: []float64{3, 3.5, 3.9}}, StopNone},
		{"budget reached exactly", domain.AggregateOutput{SpendMilliCents: 10_000, IterationCount: 1}, StopBudget},
		{"budget wins over count", domain.AggregateOutput{SpendMilliCents: 20_000, IterationCount: 9}, StopBudget},
		{"max iterations", domain.AggregateOutput{IterationCount: 5}, StopMaxIterations},
		{"converged", domain.AggregateOutput{IterationCount: 3, ScoreHistory: []float64{3.9, 4.5, 3.92}}, StopConverged},
		{"window not yet filled", domain.AggregateOutput{IterationCount: 2, ScoreHistory: []float64{3.9, 3.9}}, StopNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldStop(rules, tt.agg))
		})
	}
	assert.Equal(t, StopNone, ShouldStop(domain.StopRules{}, domain.AggregateOutput{SpendMilliCents: 1e9, IterationCount: 100}))
}

func TestConverged(t *testing.T) {
	assert.False(t, Converged([]float64{1, 1}, 0, 0.1), "zero window disables")
	assert.False(t, Converged([]float64{1}, 1, 0.1))
	assert.True(t, Converged([]float64{1, 1.05}, 1, 0.1))
	assert.False(t, Converged([]float64{1, 1.2}, 1, 0.1))
	assert.True(t, Converged([]float64{2, 1.95}, 1, 0.1), "regressions within delta also converge")
	assert.Equal(t, "judge", CmdJudge.String())
	assert.Equal(t, "command(99)", CommandKind(99).String())
}
