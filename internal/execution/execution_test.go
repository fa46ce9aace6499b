package execution

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/store/sqlite"
	"github.com/ahrav/go-promptlab/internal/store/storetest"
	"github.com/ahrav/go-promptlab/pkg/activity"
	"github.com/ahrav/go-promptlab/pkg/events"
)

// fakeGateway answers every call with a fixed cost and records the prompts.
type fakeGateway struct {
	mu      sync.Mutex
	prompts []string
	cost    domain.MilliCents
	failOn  string
}

func (f *fakeGateway) Chat(_ context.Context, _ llm.Target, msgs []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	last := msgs[len(msgs)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, last)
	f.mu.Unlock()
	if f.failOn != "" && strings.Contains(last, f.failOn) {
		return nil, &llmerrors.ProviderError{Provider: "openai", StatusCode: 500, Type: llmerrors.ErrorTypeProvider, Message: "upstream down"}
	}
	return &llm.ChatResult{
		Text:           "answer to " + last,
		Usage:          llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Latency:        20 * time.Millisecond,
		CostMilliCents: f.cost,
	}, nil
}

func (f *fakeGateway) EstimateCall(llm.Target, int64, int64) domain.MilliCents { return f.cost }

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type harness struct {
	store   *sqlite.Store
	fx      storetest.Fixture
	gw      *fakeGateway
	leases  *lease.MemoryManager
	events  *events.Recorder
	acts    *Activities
	runID   string
	enforce *budget.Enforcer
}

const token = "run-token"

func newHarness(t *testing.T, exp *domain.Experiment) *harness {
	t.Helper()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, exp)

	run := &domain.ModelRun{IterationID: fx.Iteration.ID, ModelConfigID: "m1", Provider: "openai", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateModelRun(context.Background(), run))

	leases := lease.NewMemoryManager()
	require.NoError(t, leases.Acquire(context.Background(), lease.IterationKey(fx.Iteration.ID), token, time.Minute))

	rec := events.NewRecorder()
	gw := &fakeGateway{cost: 100}
	enf := budget.NewEnforcer(s, budget.Config{}, metrics.New())
	acts := NewActivities(activity.NewBaseActivities("execution", rec), s, gw, leases, enf, pipeline.Instruments{Metrics: metrics.New()}, Config{Concurrency: 2})
	return &harness{store: s, fx: fx, gw: gw, leases: leases, events: rec, acts: acts, runID: run.ID, enforce: enf}
}

func (h *harness) input() domain.ExecuteRunInput {
	return domain.ExecuteRunInput{IterationID: h.fx.Iteration.ID, ModelRunID: h.runID, LeaseToken: token}
}

func TestExecuteRun_CompletesAndRecordsSpend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	out, err := h.acts.ExecuteRun(ctx, h.input())
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, out.Status)
	assert.Equal(t, 2, out.Outputs)
	assert.Equal(t, domain.MilliCents(200), out.CostMilliCents)

	run, err := h.store.GetModelRun(ctx, h.runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, run.CasesDone)
	assert.Equal(t, int64(20), run.PromptTokens)

	outputs, err := h.store.ListOutputs(ctx, h.runID)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)

	spent, err := h.store.SpendByExperiment(ctx, h.fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(200), spent)

	assert.Contains(t, h.gw.prompts, "Answer the customer question: How do I get a refund?")
	types := h.events.Types()
	assert.Contains(t, types, domain.EventRunProgress)
	assert.Equal(t, domain.EventRunCompleted, types[len(types)-1])
}

func TestExecuteRun_TerminalRunIsNotReexecuted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.acts.ExecuteRun(ctx, h.input())
	require.NoError(t, err)
	out, err := h.acts.ExecuteRun(ctx, h.input())
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, out.Status)
	assert.Equal(t, 2, h.gw.calls())

	spent, err := h.store.SpendByExperiment(ctx, h.fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(200), spent, "spend is recorded once")
}

func TestExecuteRun_ProviderErrorFailsOnlyTheRun(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.failOn = "invoice"

	out, err := h.acts.ExecuteRun(context.Background(), h.input())
	require.NoError(t, err, "a failed run is a result, not an activity error")
	assert.Equal(t, domain.RunFailed, out.Status)
	assert.Contains(t, out.Error, "upstream down")

	run, err := h.store.GetModelRun(context.Background(), h.runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, h.events.Types(), domain.EventRunFailed)
}

func TestExecuteRun_BudgetVetoFailsRun(t *testing.T) {
	exp := storetest.Experiment()
	exp.StopRules.MaxBudget = 1 // one cent
	h := newHarness(t, exp)
	h.gw.cost = 1000
	h.acts.cfg.Concurrency = 1

	out, err := h.acts.ExecuteRun(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, out.Status)
	assert.Equal(t, 1, h.gw.calls(), "the second call is vetoed before it starts")
	assert.Contains(t, out.Error, "budget")
}

func TestExecuteRun_FailedRunSettlesSpend(t *testing.T) {
	exp := storetest.Experiment()
	exp.StopRules.MaxBudget = 1
	h := newHarness(t, exp)
	h.gw.cost = 1000
	h.acts.cfg.Concurrency = 1
	ctx := context.Background()

	out, err := h.acts.ExecuteRun(ctx, h.input())
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, out.Status)
	assert.Equal(t, domain.MilliCents(1000), out.CostMilliCents)

	spent, err := h.store.SpendByExperiment(ctx, h.fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(1000), spent, "a failed run's paid calls reach the ledger")

	run, err := h.store.GetModelRun(ctx, h.runID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(1000), run.CostMilliCents)
	assert.Equal(t, int64(10), run.PromptTokens)

	// A sibling run on the same experiment sees the settled spend.
	sibling := &domain.ModelRun{IterationID: h.fx.Iteration.ID, ModelConfigID: "m2", Provider: "anthropic", Model: "claude-3-5-haiku"}
	require.NoError(t, h.store.CreateModelRun(ctx, sibling))
	in := h.input()
	in.ModelRunID = sibling.ID
	out, err = h.acts.ExecuteRun(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, out.Status)
	assert.Equal(t, 1, h.gw.calls(), "no call starts past the crossed ceiling")
}

func TestExecuteRun_ProviderFailureSettlesCompletedCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.failOn = "invoice"
	h.acts.cfg.Concurrency = 1
	ctx := context.Background()

	out, err := h.acts.ExecuteRun(ctx, h.input())
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, out.Status)

	spent, err := h.store.SpendByExperiment(ctx, h.fx.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, out.CostMilliCents, spent)
	st, err := h.enforce.ExperimentStatus(ctx, budget.Scope{ExperimentID: h.fx.Experiment.ID})
	require.NoError(t, err)
	assert.Zero(t, st.InFlight, "in-flight spend is released once settled")
}

func TestExecuteRun_LostLeaseIsNonRetryable(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.leases.Release(context.Background(), lease.IterationKey(h.fx.Iteration.ID), token))

	_, err := h.acts.ExecuteRun(context.Background(), h.input())
	require.Error(t, err)
	assert.Equal(t, activity.ErrTypeLease, activity.ErrorType(err))
	assert.Zero(t, h.gw.calls())

	run, err := h.store.GetModelRun(context.Background(), h.runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status, "a stale orchestrator must not finalize the run")
}

func TestExecuteRun_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.acts.ExecuteRun(context.Background(), domain.ExecuteRunInput{IterationID: h.fx.Iteration.ID})
	require.Error(t, err)
	assert.Equal(t, activity.ErrTypeValidation, activity.ErrorType(err))
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		input    map[string]any
		want     string
	}{
		{"simple", "Q: {{question}}", map[string]any{"question": "why?"}, "Q: why?"},
		{"spaces", "Q: {{ question }}", map[string]any{"question": "why?"}, "Q: why?"},
		{"number", "n={{n}}", map[string]any{"n": float64(3)}, "n=3"},
		{"missing stays literal", "Q: {{other}}", map[string]any{"question": "why?"}, "Q: {{other}}"},
		{"object", "{{o}}", map[string]any{"o": map[string]any{"a": 1}}, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.template, tt.input))
		})
	}
}

func TestMessages(t *testing.T) {
	p := &domain.PromptVersion{
		Text:       "Q: {{q}}",
		SystemText: "Be brief.",
		FewShot:    []domain.FewShotExample{{Input: "Q: 1+1", Output: "2"}},
	}
	msgs := Messages(p, map[string]any{"q": "2+2"})
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Q: 2+2", msgs[3].Content)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"question", "order.id"}, Placeholders("{{question}} about {{ order.id }} and {{question}}"))
	assert.Empty(t, Placeholders("no variables"))
}
