// Package judging scores model outputs with automated judges.
//
// Pointwise judges score every output of a completed run against the
// rubric. Pairwise judges compare the outputs two completed runs produced
// for the same case. Each judge call is one pairing; a pairing that fails
// is counted and skipped without failing the stage.
package judging

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
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// DefaultConcurrency bounds in-flight judge calls per stage.
const DefaultConcurrency = 4

// Store is the persistence the judge stage needs.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	ListJudgments(ctx context.Context, iterationID string) ([]domain.Judgment, error)
	InsertJudgment(ctx context.Context, j *domain.Judgment) error
	AppendCost(ctx context.Context, e domain.CostEntry) error
}

// Config tunes the stage.
type Config struct {
	Concurrency int `yaml:"concurrency" validate:"min=0"`
}

// Activities hosts the Judge activity.
type Activities struct {
	activity.BaseActivities
	store   Store
	gateway llm.Client
	leases  lease.Manager
	budget  *budget.Enforcer
	inst    pipeline.Instruments
	cfg     Config
}

// NewActivities wires the judge stage.
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

// pairing is one judge call.
type pairing struct {
	judge domain.JudgeConfig
	c     domain.DatasetCase
	a     domain.Output
	runA  string
	// Pairwise only.
	b    *domain.Output
	runB string
}

func (p pairing) key() string {
	if p.b == nil {
		return p.judge.ID + "|" + p.a.ID
	}
	return p.judge.ID + "|" + p.a.ID + "|" + p.b.ID
}

func judgmentKey(j domain.Judgment) string {
	if j.Mode == domain.JudgePairwise {
		return j.JudgeConfigID + "|" + j.OutputID + "|" + j.ComparedOutputID
	}
	return j.JudgeConfigID + "|" + j.OutputID
}

// Judge runs every configured judge over the iteration's completed runs.
// Pairings already judged are skipped, so a repeated invocation only fills
// gaps. A budget veto stops new pairings; the stage still succeeds with the
// judgments it has.
func (a *Activities) Judge(ctx context.Context, in domain.StageInput) (out *domain.JudgeOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageJudge, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageJudge, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageJudge, err)
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageJudge, fmt.Errorf("load iteration: %w", err))
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageJudge, fmt.Errorf("load experiment: %w", err))
	}
	pairings, err := a.plan(ctx, it, exp)
	if err != nil {
		return nil, pipeline.Fail(domain.StageJudge, err)
	}

	activity.SafeLog(ctx, "Starting judge pass", "iteration_id", it.ID, "pairings", len(pairings))
	out, err = a.run(ctx, in.LeaseToken, it, exp, pairings)
	if err != nil {
		return nil, pipeline.Fail(domain.StageJudge, err)
	}
	activity.SafeLog(ctx, "Judge pass finished",
		"iteration_id", it.ID,
		"judgments", out.Judgments,
		"failed", out.Failed)
	return out, nil
}

// plan lists the pairings not yet judged, in a stable order.
func (a *Activities) plan(ctx context.Context, it *domain.Iteration, exp *domain.Experiment) ([]pairing, error) {
	runs, err := a.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	cases, err := a.store.ListCases(ctx, exp.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	existing, err := a.store.ListJudgments(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list judgments: %w", err)
	}

	caseByID := make(map[string]domain.DatasetCase, len(cases))
	for _, c := range cases {
		caseByID[c.ID] = c
	}
	done := make(map[string]bool, len(existing))
	for _, j := range existing {
		done[judgmentKey(j)] = true
	}

	type runOutputs struct {
		runID  string
		byCase map[string]domain.Output
		order  []domain.Output
	}
	var completed []runOutputs
	for _, r := range runs {
		if r.Status != domain.RunCompleted {
			continue
		}
		outs, err := a.store.ListOutputs(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list outputs for run %s: %w", r.ID, err)
		}
		ro := runOutputs{runID: r.ID, byCase: make(map[string]domain.Output, len(outs)), order: outs}
		for _, o := range outs {
			ro.byCase[o.CaseID] = o
		}
		completed = append(completed, ro)
	}

	var out []pairing
	add := func(p pairing) {
		if !done[p.key()] {
			out = append(out, p)
		}
	}
	for _, judge := range exp.JudgesByMode(domain.JudgePointwise) {
		for _, ro := range completed {
			for _, o := range ro.order {
				c, ok := caseByID[o.CaseID]
				if !ok {
					continue
				}
				add(pairing{judge: judge, c: c, a: o, runA: ro.runID})
			}
		}
	}
	for _, judge := range exp.JudgesByMode(domain.JudgePairwise) {
		for i := 0; i < len(completed); i++ {
			for k := i + 1; k < len(completed); k++ {
				left, right := completed[i], completed[k]
				for _, o := range left.order {
					other, ok := right.byCase[o.CaseID]
					if !ok {
						continue
					}
					c, ok := caseByID[o.CaseID]
					if !ok {
						continue
					}
					add(pairing{judge: judge, c: c, a: o, runA: left.runID, b: &other, runB: right.runID})
				}
			}
		}
	}
	return out, nil
}

func (a *Activities) run(ctx context.Context, token string, it *domain.Iteration, exp *domain.Experiment, pairings []pairing) (*domain.JudgeOutput, error) {
	out := &domain.JudgeOutput{}
	if len(pairings) == 0 {
		return out, nil
	}

	var account *budget.Account
	if a.budget != nil {
		account = a.budget.Open(budget.Scope{
			ProjectID:       exp.ProjectID,
			ExperimentID:    exp.ID,
			ExperimentLimit: exp.StopRules.MaxBudget,
		})
		defer account.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		fatal    error
		vetoed   bool
		wg       sync.WaitGroup
		sem      = make(chan struct{}, a.cfg.Concurrency)
		finished int
	)

	for _, p := range pairings {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(p pairing) {
			defer wg.Done()
			defer func() { <-sem }()

			err := a.judgeOne(ctx, token, it, exp, account, p)

			mu.Lock()
			defer mu.Unlock()
			finished++
			var be domain.BudgetExceededError
			switch {
			case err == nil:
				out.Judgments++
			case errors.Is(err, lease.ErrNotHeld):
				if fatal == nil {
					fatal = err
				}
				cancel()
			case errors.As(err, &be):
				if !vetoed {
					vetoed = true
					activity.SafeLog(ctx, "Judge budget exhausted; remaining pairings skipped", "iteration_id", it.ID)
				}
				out.Failed++
				cancel()
			case errors.Is(err, context.Canceled):
				out.Failed++
			default:
				out.Failed++
				activity.SafeLogError(ctx, "Judge pairing failed",
					"judge_id", p.judge.ID,
					"output_id", p.a.ID,
					"malformed", errors.Is(err, ErrMalformedJudgment),
					"error", err)
			}
			a.RecordHeartbeat(ctx, finished)
		}(p)
	}
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}
	if vetoed {
		out.Failed = len(pairings) - out.Judgments
	}
	return out, nil
}

func (a *Activities) judgeOne(ctx context.Context, token string, it *domain.Iteration, exp *domain.Experiment, account *budget.Account, p pairing) error {
	if err := pipeline.Guard(ctx, a.leases, it.ID, token); err != nil {
		return err
	}
	var msgs []llm.Message
	if p.b == nil {
		msgs = PointwiseMessages(exp, p.c, p.a.Text)
	} else {
		msgs = PairwiseMessages(exp, p.c, p.a.Text, p.b.Text)
	}
	target := llm.Target{
		ProjectID:       exp.ProjectID,
		Provider:        p.judge.Provider,
		Model:           p.judge.Model,
		CredentialLabel: p.judge.CredentialLabel,
	}
	params := map[string]any{"temperature": 0}
	if account != nil {
		if err := account.Check(ctx, llm.Projected(a.gateway, target, msgs, params)); err != nil {
			return err
		}
	}

	res, err := a.gateway.Chat(ctx, target, msgs, llm.ChatOptions{Params: params})
	if err != nil {
		return err
	}
	// Judge spend settles to the ledger per call, so the account is only
	// checked, never charged. Spend is real whether or not the response
	// parses.
	if err := a.store.AppendCost(ctx, domain.CostEntry{
		ProjectID:        exp.ProjectID,
		ExperimentID:     exp.ID,
		IterationID:      it.ID,
		Provider:         p.judge.Provider,
		Model:            p.judge.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CostMilliCents:   res.CostMilliCents,
	}); err != nil {
		return fmt.Errorf("append judge cost: %w", err)
	}

	j := &domain.Judgment{
		OutputID:      p.a.ID,
		JudgeConfigID: p.judge.ID,
		Mode:          p.judge.Mode,
		CreatedAt:     time.Now().UTC(),
	}
	if p.b == nil {
		scores, rationale, err := ParsePointwise(res.Text, exp.Rubric)
		if err != nil {
			return err
		}
		j.Scores, j.Rationale = scores, rationale
	} else {
		verdict, rationale, err := ParsePairwise(res.Text)
		if err != nil {
			return err
		}
		j.ComparedOutputID = p.b.ID
		j.RunIDs = []string{p.runA, p.runB}
		j.Rationale = rationale
		switch verdict {
		case VerdictA:
			j.WinnerRunID = p.runA
		case VerdictB:
			j.WinnerRunID = p.runB
		}
	}
	if err := a.store.InsertJudgment(ctx, j); err != nil {
		return fmt.Errorf("store judgment: %w", err)
	}
	return nil
}
