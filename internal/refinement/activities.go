// Package refinement drafts prompt edits from an iteration's weaknesses.
//
// The refiner model proposes a unified diff against the current prompt
// text. A proposal is stored as a pending suggestion only after it applies
// cleanly within the experiment's change ratio; it is never applied here.
// An experiment has at most one pending suggestion at a time.
package refinement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ahrav/go-promptlab/internal/aggregation"
	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/diff"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// ErrNotAggregated is returned when Refine runs before Aggregate.
var ErrNotAggregated = errors.New("iteration has no metrics")

// maxAttempts bounds refiner calls per stage; the second attempt is told
// why the first diff was rejected.
const maxAttempts = 2

// Store is the persistence the refine stage needs.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	ListJudgments(ctx context.Context, iterationID string) ([]domain.Judgment, error)
	PendingSuggestion(ctx context.Context, experimentID string) (*domain.Suggestion, error)
	CreateSuggestion(ctx context.Context, s *domain.Suggestion) error
	AppendCost(ctx context.Context, e domain.CostEntry) error
}

// Activities hosts the Refine activity.
type Activities struct {
	activity.BaseActivities
	store   Store
	gateway llm.Client
	leases  lease.Manager
	budget  *budget.Enforcer
	inst    pipeline.Instruments
}

// NewActivities wires the refine stage.
func NewActivities(
	base activity.BaseActivities,
	s Store,
	gateway llm.Client,
	leases lease.Manager,
	enforcer *budget.Enforcer,
	inst pipeline.Instruments,
) *Activities {
	return &Activities{BaseActivities: base, store: s, gateway: gateway, leases: leases, budget: enforcer, inst: inst}
}

// Proposal is the refiner's parsed answer.
type Proposal struct {
	Diff           string   `json:"diff"`
	Rationale      string   `json:"rationale"`
	TargetCriteria []string `json:"target_criteria"`
}

// Refine stores a pending suggestion for the iteration's prompt version, or
// returns the experiment's existing pending suggestion.
func (a *Activities) Refine(ctx context.Context, in domain.StageInput) (out *domain.RefineOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageRefine, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageRefine, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageRefine, err)
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("load iteration: %w", err))
	}
	if it.Metrics == nil {
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("iteration %s: %w", it.ID, ErrNotAggregated))
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("load experiment: %w", err))
	}

	if pending, err := a.store.PendingSuggestion(ctx, exp.ID); err == nil {
		activity.SafeLog(ctx, "Pending suggestion exists; not drafting another",
			"experiment_id", exp.ID, "suggestion_id", pending.ID)
		return &domain.RefineOutput{SuggestionID: pending.ID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("pending suggestion: %w", err))
	}

	prompt, err := a.store.GetPromptVersion(ctx, it.PromptVersionID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("load prompt: %w", err))
	}
	samples, err := a.samples(ctx, it, exp)
	if err != nil {
		return nil, pipeline.Fail(domain.StageRefine, err)
	}
	diag := Diagnose(it.Metrics, samples)

	proposal, err := a.propose(ctx, in.LeaseToken, it, exp, prompt, diag)
	if err != nil {
		return nil, pipeline.Fail(domain.StageRefine, err)
	}
	targets := proposal.TargetCriteria
	if len(targets) == 0 {
		targets = diag.WeakCriteria
	}

	sg := &domain.Suggestion{
		ExperimentID:    exp.ID,
		IterationID:     it.ID,
		PromptVersionID: prompt.ID,
		Diff:            proposal.Diff,
		Note:            proposal.Rationale,
		TargetCriteria:  targets,
		Status:          domain.SuggestionPending,
	}
	if err := a.store.CreateSuggestion(ctx, sg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			pending, perr := a.store.PendingSuggestion(ctx, exp.ID)
			if perr != nil {
				return nil, pipeline.Fail(domain.StageRefine, perr)
			}
			return &domain.RefineOutput{SuggestionID: pending.ID}, nil
		}
		return nil, pipeline.Fail(domain.StageRefine, fmt.Errorf("store suggestion: %w", err))
	}

	a.Emit(ctx, it.ID, domain.EventSuggestionCreated, domain.SuggestionEvent{
		SuggestionID:   sg.ID,
		TargetCriteria: sg.TargetCriteria,
	})
	activity.SafeLog(ctx, "Suggestion created",
		"iteration_id", it.ID,
		"suggestion_id", sg.ID,
		"target_criteria", sg.TargetCriteria)
	return &domain.RefineOutput{SuggestionID: sg.ID, Created: true}, nil
}

// samples scores every output of completed runs by its pointwise composite.
func (a *Activities) samples(ctx context.Context, it *domain.Iteration, exp *domain.Experiment) ([]Sample, error) {
	judgments, err := a.store.ListJudgments(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list judgments: %w", err)
	}
	byOutput := make(map[string][]aggregation.Scores)
	for _, j := range judgments {
		if j.Mode == domain.JudgePointwise {
			byOutput[j.OutputID] = append(byOutput[j.OutputID], j.Scores)
		}
	}
	if len(byOutput) == 0 {
		return nil, nil
	}

	cases, err := a.store.ListCases(ctx, exp.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	caseByID := make(map[string]domain.DatasetCase, len(cases))
	for _, c := range cases {
		caseByID[c.ID] = c
	}
	runs, err := a.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var out []Sample
	for _, r := range runs {
		if r.Status != domain.RunCompleted {
			continue
		}
		outputs, err := a.store.ListOutputs(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list outputs for run %s: %w", r.ID, err)
		}
		for _, o := range outputs {
			js, ok := byOutput[o.ID]
			if !ok {
				continue
			}
			out = append(out, Sample{
				CaseID: o.CaseID,
				Input:  caseByID[o.CaseID].Input,
				Output: o.Text,
				Score:  aggregation.CompositeScore(js, exp.Rubric),
			})
		}
	}
	return out, nil
}

// propose asks the refiner for a diff until one validates or attempts run
// out. The last validation error is returned.
func (a *Activities) propose(
	ctx context.Context,
	token string,
	it *domain.Iteration,
	exp *domain.Experiment,
	prompt *domain.PromptVersion,
	diag Diagnostics,
) (*Proposal, error) {
	ratio := exp.Refiner.MaxChangeRatio
	if ratio <= 0 {
		ratio = diff.DefaultMaxChangeRatio
	}
	target := llm.Target{
		ProjectID:       exp.ProjectID,
		Provider:        exp.Refiner.Provider,
		Model:           exp.Refiner.Model,
		CredentialLabel: exp.Refiner.CredentialLabel,
	}
	msgs := RefinerMessages(exp, prompt, diag, ratio)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := pipeline.Guard(ctx, a.leases, it.ID, token); err != nil {
			return nil, err
		}
		if a.budget != nil {
			if err := a.budget.Check(ctx, budget.Scope{
				ProjectID:       exp.ProjectID,
				ExperimentID:    exp.ID,
				ExperimentLimit: exp.StopRules.MaxBudget,
			}, llm.Projected(a.gateway, target, msgs, nil)); err != nil {
				return nil, err
			}
		}

		res, err := a.gateway.Chat(ctx, target, msgs, llm.ChatOptions{})
		if err != nil {
			return nil, err
		}
		if err := a.store.AppendCost(ctx, domain.CostEntry{
			ProjectID:        exp.ProjectID,
			ExperimentID:     exp.ID,
			IterationID:      it.ID,
			Provider:         target.Provider,
			Model:            target.Model,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			CostMilliCents:   res.CostMilliCents,
		}); err != nil {
			return nil, fmt.Errorf("append refiner cost: %w", err)
		}

		p, err := ParseProposal(res.Text)
		if err == nil {
			_, err = diff.Apply(prompt.Text, p.Diff, ratio)
		}
		if err == nil {
			return p, nil
		}
		lastErr = err
		activity.SafeLogError(ctx, "Refiner proposal rejected", "attempt", attempt, "error", err)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: res.Text},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"That diff was rejected: %v. Reply again with a unified diff that applies to the prompt exactly as given.", err)},
		)
		a.RecordHeartbeat(ctx, attempt)
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, lastErr)
}

var fencedDiff = regexp.MustCompile("(?s)```(?:diff|patch)?\\s*\\n(.*?)```")

// ParseProposal reads the refiner's JSON answer. A reply that is not JSON
// but carries a fenced diff block is accepted with the surrounding prose as
// the rationale.
func ParseProposal(raw string) (*Proposal, error) {
	var p Proposal
	text := strings.TrimSpace(raw)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(text[i:j+1]), &p); err == nil && strings.TrimSpace(p.Diff) != "" {
			p.Rationale = strings.TrimSpace(p.Rationale)
			return &p, nil
		}
	}
	if m := fencedDiff.FindStringSubmatch(text); m != nil {
		return &Proposal{
			Diff:      m[1],
			Rationale: strings.TrimSpace(strings.Replace(text, m[0], "", 1)),
		}, nil
	}
	return nil, fmt.Errorf("refiner reply: %w", diff.ErrEmptyDiff)
}

const refinerSystem = `You improve prompts. You are given the current prompt, its evaluation rubric and a diagnosis of where it falls short.
Propose a small edit as a unified diff against the prompt text exactly as given (use "--- prompt" / "+++ prompt" headers and @@ hunks).
Reply with a single JSON object and nothing else:
{"diff": "<unified diff>", "rationale": "<why this helps>", "target_criteria": ["<criterion>", ...]}`

// RefinerMessages builds the refiner request.
func RefinerMessages(exp *domain.Experiment, prompt *domain.PromptVersion, diag Diagnostics, ratio float64) []llm.Message {
	var b strings.Builder
	if exp.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", exp.Goal)
	}
	b.WriteString("Rubric:\n")
	for _, c := range exp.Rubric.Criteria {
		fmt.Fprintf(&b, "- %s (weight %g)", c.Name, c.Weight)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nCurrent prompt:\n%s\n\nDiagnosis:\n%s\n", prompt.Text, diag.Render())
	fmt.Fprintf(&b, "\nChange at most %.0f%% of the prompt.\n", ratio*100)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: refinerSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
