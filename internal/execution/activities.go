// Package execution runs one model configuration over an iteration's dataset.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

const (
	// DefaultConcurrency bounds in-flight gateway calls per run.
	DefaultConcurrency = 4

	finalizeTimeout = 10 * time.Second
)

// Store is the persistence the execute stage needs.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	GetModelRun(ctx context.Context, id string) (*domain.ModelRun, error)
	UpdateRunProgress(ctx context.Context, id string, casesDone, casesTotal int) error
	InsertOutput(ctx context.Context, o *domain.Output) error
	CompleteModelRun(ctx context.Context, id string, totals domain.RunTotals, cost domain.CostEntry) error
	FailModelRun(ctx context.Context, id, reason string) error
}

// Config tunes the stage.
type Config struct {
	Concurrency int `yaml:"concurrency" validate:"min=0"`
}

// Activities hosts the ExecuteRun activity.
type Activities struct {
	activity.BaseActivities
	store   Store
	gateway llm.Client
	leases  lease.Manager
	budget  *budget.Enforcer
	inst    pipeline.Instruments
	cfg     Config
}

// NewActivities wires the execute stage.
func NewActivities(
	base activity.BaseActivities,
	s Store,
	gateway llm.Client,
	leases lease.Manager,
	enforcer *budget.Enforcer,
	inst pipeline.Instruments,
	cfg Config,
) *Activities {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Activities{
		BaseActivities: base,
		store:          s,
		gateway:        gateway,
		leases:         leases,
		budget:         enforcer,
		inst:           inst,
		cfg:            cfg,
	}
}

// runPlan is everything loaded before the first gateway call.
type runPlan struct {
	run    *domain.ModelRun
	exp    *domain.Experiment
	prompt *domain.PromptVersion
	model  domain.ModelConfig
	cases  []domain.DatasetCase
}

// ExecuteRun calls the gateway once per dataset case and finalizes the run.
// A provider error or budget veto fails this run only; the activity itself
// succeeds so sibling runs and the workflow proceed. A run that is already
// terminal is reported as is.
func (a *Activities) ExecuteRun(ctx context.Context, in domain.ExecuteRunInput) (out *domain.ExecuteRunOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageExecute, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageExecute, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageExecute, err)
	}

	plan, err := a.load(ctx, in)
	if err != nil {
		return nil, pipeline.Fail(domain.StageExecute, err)
	}
	if plan.run.Status.IsTerminal() {
		return &domain.ExecuteRunOutput{
			ModelRunID:     plan.run.ID,
			Status:         plan.run.Status,
			Error:          plan.run.Error,
			Outputs:        plan.run.CasesDone,
			CostMilliCents: plan.run.CostMilliCents,
		}, nil
	}

	activity.SafeLog(ctx, "Starting model run",
		"model_run_id", plan.run.ID,
		"provider", plan.model.Provider,
		"model", plan.model.Model,
		"cases", len(plan.cases))

	// The account holds the run's spend in flight until the ledger entry
	// written at finalization replaces it.
	var account *budget.Account
	if a.budget != nil {
		account = a.budget.Open(budget.Scope{
			ProjectID:       plan.exp.ProjectID,
			ExperimentID:    plan.exp.ID,
			ExperimentLimit: plan.exp.StopRules.MaxBudget,
		})
		defer account.Close()
	}

	totals, runErr := a.execute(ctx, in, plan, account)

	// Finalize even when ctx has expired so the run never stays RUNNING
	// because of our own deadline.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if errors.Is(runErr, lease.ErrNotHeld) {
		return nil, pipeline.Fail(domain.StageExecute, runErr)
	}
	if runErr != nil {
		return a.fail(fctx, in, plan, totals, runErr)
	}

	cost := domain.CostEntry{
		ProjectID:        plan.exp.ProjectID,
		ExperimentID:     plan.exp.ID,
		IterationID:      in.IterationID,
		Provider:         plan.model.Provider,
		Model:            plan.model.Model,
		PromptTokens:     totals.PromptTokens,
		CompletionTokens: totals.CompletionTokens,
		CostMilliCents:   totals.CostMilliCents,
	}
	if err := a.store.CompleteModelRun(fctx, plan.run.ID, totals, cost); err != nil {
		if errors.Is(err, store.ErrRunFinalized) {
			return a.current(fctx, plan.run.ID)
		}
		return nil, pipeline.Fail(domain.StageExecute, fmt.Errorf("complete run: %w", err))
	}

	a.inst.Metrics.RunFinished(domain.RunCompleted)
	out = &domain.ExecuteRunOutput{
		ModelRunID:     plan.run.ID,
		Status:         domain.RunCompleted,
		Outputs:        totals.CasesDone,
		CostMilliCents: totals.CostMilliCents,
	}
	a.Emit(fctx, in.IterationID, domain.EventRunCompleted, domain.RunFinishedEvent{
		ModelRunID:     out.ModelRunID,
		Status:         out.Status,
		Outputs:        out.Outputs,
		CostMilliCents: out.CostMilliCents,
	})
	activity.SafeLog(fctx, "Model run completed",
		"model_run_id", plan.run.ID,
		"outputs", totals.CasesDone,
		"cost_millicents", totals.CostMilliCents)
	return out, nil
}

func (a *Activities) load(ctx context.Context, in domain.ExecuteRunInput) (*runPlan, error) {
	run, err := a.store.GetModelRun(ctx, in.ModelRunID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.IterationID != in.IterationID {
		return nil, fmt.Errorf("%w: run %s does not belong to iteration %s", domain.ErrInvalidInput, run.ID, in.IterationID)
	}
	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, fmt.Errorf("load iteration: %w", err)
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	prompt, err := a.store.GetPromptVersion(ctx, it.PromptVersionID)
	if err != nil {
		return nil, fmt.Errorf("load prompt: %w", err)
	}
	model, ok := exp.Model(run.ModelConfigID)
	if !ok {
		return nil, fmt.Errorf("%w: model config %s not in experiment", domain.ErrInvalidExperiment, run.ModelConfigID)
	}
	cases, err := a.store.ListCases(ctx, exp.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	return &runPlan{run: run, exp: exp, prompt: prompt, model: model, cases: cases}, nil
}

// execute fans the cases out over a bounded worker pool. The first error
// stops new cases from starting; cases already in flight finish.
func (a *Activities) execute(ctx context.Context, in domain.ExecuteRunInput, plan *runPlan, account *budget.Account) (domain.RunTotals, error) {
	totals := domain.RunTotals{CasesTotal: len(plan.cases)}
	if len(plan.cases) == 0 {
		return totals, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	target := llm.Target{
		ProjectID:       plan.exp.ProjectID,
		Provider:        plan.model.Provider,
		Model:           plan.model.Model,
		CredentialLabel: plan.model.CredentialLabel,
	}
	opts := llm.ChatOptions{Params: plan.model.Params, Seed: plan.model.Seed}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
		sem      = make(chan struct{}, a.cfg.Concurrency)
	)

	for _, c := range plan.cases {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(c domain.DatasetCase) {
			defer wg.Done()
			defer func() { <-sem }()

			o, err := a.runCase(ctx, in, plan, target, opts, account, c)
			mu.Lock()
			defer mu.Unlock()
			if o != nil {
				totals.PromptTokens += o.PromptTokens
				totals.CompletionTokens += o.CompletionTokens
				totals.CostMilliCents += o.CostMilliCents
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			totals.CasesDone++
			a.progress(ctx, in.IterationID, plan.run.ID, totals.CasesDone, totals.CasesTotal)
		}(c)
	}
	wg.Wait()

	if firstErr != nil {
		return totals, firstErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return totals, err
	}
	return totals, nil
}

func (a *Activities) runCase(
	ctx context.Context,
	in domain.ExecuteRunInput,
	plan *runPlan,
	target llm.Target,
	opts llm.ChatOptions,
	account *budget.Account,
	c domain.DatasetCase,
) (*domain.Output, error) {
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, err
	}
	msgs := Messages(plan.prompt, c.Input)
	if account != nil {
		if err := account.Check(ctx, llm.Projected(a.gateway, target, msgs, opts.Params)); err != nil {
			return nil, err
		}
	}

	res, err := a.gateway.Chat(ctx, target, msgs, opts)
	if err != nil {
		return nil, err
	}
	if account != nil {
		account.Charge(res.CostMilliCents)
	}

	o := &domain.Output{
		ModelRunID:       plan.run.ID,
		CaseID:           c.ID,
		Text:             res.Text,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		LatencyMs:        res.Latency.Milliseconds(),
		Cached:           res.Cached,
		CostMilliCents:   res.CostMilliCents,
	}
	if err := a.store.InsertOutput(ctx, o); err != nil {
		// The call was paid for; the caller still counts its cost.
		return o, fmt.Errorf("store output: %w", err)
	}
	return o, nil
}

// progress reports a monotonically increasing done count. Callers hold the
// totals lock, so reports are serialized.
func (a *Activities) progress(ctx context.Context, iterationID, runID string, done, total int) {
	a.RecordHeartbeat(ctx, done)
	if err := a.store.UpdateRunProgress(ctx, runID, done, total); err != nil {
		activity.SafeLogError(ctx, "Failed to record run progress", "model_run_id", runID, "error", err)
	}
	a.Emit(ctx, iterationID, domain.EventRunProgress, domain.RunProgressEvent{ModelRunID: runID, Done: done, Total: total})
}

func (a *Activities) fail(ctx context.Context, in domain.ExecuteRunInput, plan *runPlan, totals domain.RunTotals, cause error) (*domain.ExecuteRunOutput, error) {
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "run timed out: " + reason
	}
	if err := a.store.FailModelRun(ctx, plan.run.ID, reason); err != nil {
		if errors.Is(err, store.ErrRunFinalized) {
			return a.current(ctx, plan.run.ID)
		}
		return nil, pipeline.Fail(domain.StageExecute, fmt.Errorf("fail run: %w", err))
	}

	a.inst.Metrics.RunFinished(domain.RunFailed)
	activity.SafeLogError(ctx, "Model run failed",
		"model_run_id", plan.run.ID,
		"error_type", pipeline.Classify(cause),
		"error", cause)
	out := &domain.ExecuteRunOutput{
		ModelRunID:     plan.run.ID,
		Status:         domain.RunFailed,
		Error:          reason,
		Outputs:        totals.CasesDone,
		CostMilliCents: totals.CostMilliCents,
	}
	a.Emit(ctx, in.IterationID, domain.EventRunFailed, domain.RunFinishedEvent{
		ModelRunID:     out.ModelRunID,
		Status:         out.Status,
		Error:          out.Error,
		Outputs:        out.Outputs,
		CostMilliCents: out.CostMilliCents,
	})
	return out, nil
}

func (a *Activities) current(ctx context.Context, runID string) (*domain.ExecuteRunOutput, error) {
	run, err := a.store.GetModelRun(ctx, runID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageExecute, err)
	}
	return &domain.ExecuteRunOutput{
		ModelRunID:     run.ID,
		Status:         run.Status,
		Error:          run.Error,
		Outputs:        run.CasesDone,
		CostMilliCents: run.CostMilliCents,
	}, nil
}
