package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/aggregation"
	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/execution"
	"github.com/ahrav/go-promptlab/internal/judging"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/safety"
	"github.com/ahrav/go-promptlab/internal/store/storetest"
	"github.com/ahrav/go-promptlab/pkg/activity"
	"github.com/ahrav/go-promptlab/pkg/events"
)

const judgeModel = "gpt-4o"

// scriptedGateway answers judge models with a fixed pointwise verdict and
// every other model with a canned answer.
type scriptedGateway struct {
	mu    sync.Mutex
	calls map[string]int
}

func (g *scriptedGateway) Chat(_ context.Context, target llm.Target, msgs []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	g.mu.Lock()
	g.calls[target.Model]++
	g.mu.Unlock()

	text := "Refunds are issued within five business days."
	if target.Model == judgeModel {
		text = `{"scores":{"Helpfulness":4,"Accuracy":5},"rationale":"clear and correct"}`
	}
	return &llm.ChatResult{
		Text:           text,
		Usage:          llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		Latency:        5 * time.Millisecond,
		CostMilliCents: 25,
	}, nil
}

func (g *scriptedGateway) EstimateCall(llm.Target, int64, int64) domain.MilliCents { return 25 }

func TestStages_SingleModelIterationEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	exp := storetest.Experiment()
	exp.Models = exp.Models[:1]
	exp.Judges = []domain.JudgeConfig{
		{ID: "j1", Provider: "openai", Model: judgeModel, Mode: domain.JudgePointwise},
		{ID: "j3", Provider: "openai", Model: judgeModel, Mode: domain.JudgePointwise},
	}
	fx := storetest.Seed(t, s, exp,
		domain.DatasetCase{Input: map[string]any{"question": "How do I get a refund?"}},
		domain.DatasetCase{Input: map[string]any{"question": "Where is my invoice?"}},
		domain.DatasetCase{Input: map[string]any{"question": "Can I change my plan?"}},
	)
	n := len(fx.Cases)
	require.Equal(t, 3, n)

	const token = "tok"
	leases := lease.NewMemoryManager()
	require.NoError(t, leases.Acquire(ctx, lease.IterationKey(fx.Iteration.ID), token, time.Minute))

	gw := &scriptedGateway{calls: make(map[string]int)}
	m := metrics.New()
	inst := pipeline.Instruments{Metrics: m}
	enforcer := budget.NewEnforcer(s, budget.Config{}, m)
	rec := events.NewRecorder()
	base := func(source string) activity.BaseActivities { return activity.NewBaseActivities(source, rec) }

	exec := execution.NewActivities(base("execution"), s, gw, leases, enforcer, inst, execution.Config{Concurrency: 2})
	scan := safety.NewActivities(base("safety"), s, leases, inst)
	judge := judging.NewActivities(base("judging"), s, gw, leases, enforcer, inst, judging.Config{Concurrency: 2})
	agg := aggregation.NewActivities(base("aggregation"), s, leases, inst, 200)

	run := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateModelRun(ctx, run))

	execOut, err := exec.ExecuteRun(ctx, domain.ExecuteRunInput{IterationID: fx.Iteration.ID, ModelRunID: run.ID, LeaseToken: token})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, execOut.Status)

	stage := domain.StageInput{IterationID: fx.Iteration.ID, LeaseToken: token}
	_, err = scan.SafetyScan(ctx, stage)
	require.NoError(t, err)
	judgeOut, err := judge.Judge(ctx, stage)
	require.NoError(t, err)
	assert.Equal(t, n*len(exp.Judges), judgeOut.Judgments)
	assert.Zero(t, judgeOut.Failed)
	_, err = agg.Aggregate(ctx, stage)
	require.NoError(t, err)

	runs, err := s.ListModelRuns(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)

	outputs, err := s.ListOutputs(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, outputs, n)

	judgments, err := s.ListJudgments(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	assert.Len(t, judgments, n*len(exp.Judges))

	it, err := s.GetIteration(ctx, fx.Iteration.ID)
	require.NoError(t, err)
	require.NotNil(t, it.Metrics)
	assert.Positive(t, it.Metrics.Composite)
	require.Len(t, it.Metrics.Runs, 1)
	assert.Equal(t, n, it.Metrics.Runs[0].Outputs)

	assert.Equal(t, n, gw.calls["gpt-4o-mini"])
	assert.Equal(t, n*len(exp.Judges), gw.calls[judgeModel])
}
