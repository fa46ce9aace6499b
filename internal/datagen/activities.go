// Package datagen grows an experiment's dataset with synthetic cases.
//
// A model proposes cases as a JSON array. When the reply is unusable, or
// the provider fails, cases are derived deterministically from the existing
// ones instead. Generation is serialized per project.
package datagen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/execution"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

const (
	projectLeaseTTL = 5 * time.Minute
	maxSeedExamples = 5
)

// Store is the persistence the generate stage needs.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	InsertCases(ctx context.Context, datasetID string, cases []domain.DatasetCase) (int, error)
	AppendCost(ctx context.Context, e domain.CostEntry) error
}

// Activities hosts the GenerateDataset activity.
type Activities struct {
	activity.BaseActivities
	store   Store
	gateway llm.Client
	leases  lease.Manager
	budget  *budget.Enforcer
	inst    pipeline.Instruments
}

// NewActivities wires the generate stage.
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

// GenerateDataset adds up to in.Count cases to the experiment's dataset.
// Cases whose input already exists are ignored and counted as discarded.
func (a *Activities) GenerateDataset(ctx context.Context, in domain.GenerateDatasetInput) (out *domain.GenerateDatasetOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageGenerateDataset, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, err)
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("load iteration: %w", err))
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("load experiment: %w", err))
	}
	prompt, err := a.store.GetPromptVersion(ctx, it.PromptVersionID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("load prompt: %w", err))
	}

	if a.leases != nil {
		key := lease.DatagenKey(exp.ProjectID)
		if err := a.leases.Acquire(ctx, key, in.LeaseToken, projectLeaseTTL); err != nil {
			return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("project %s: %w", exp.ProjectID, err))
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := a.leases.Release(rctx, key, in.LeaseToken); err != nil {
				activity.SafeLogError(ctx, "Failed to release dataset lease", "key", key, "error", err)
			}
		}()
	}

	seeds, err := a.store.ListCases(ctx, exp.DatasetID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("list cases: %w", err))
	}

	out = &domain.GenerateDatasetOutput{}
	cases, discarded, err := a.propose(ctx, in, it, exp, prompt, seeds)
	if err != nil {
		if errors.Is(err, lease.ErrNotHeld) {
			return nil, pipeline.Fail(domain.StageGenerateDataset, err)
		}
		activity.SafeLog(ctx, "Falling back to derived cases",
			"iteration_id", it.ID,
			"reason", err.Error())
		cases = Fallback(seeds, execution.Placeholders(prompt.Text), in.Count)
		discarded = 0
		out.Fallback = true
	}
	if len(cases) > in.Count {
		discarded += len(cases) - in.Count
		cases = cases[:in.Count]
	}

	inserted, err := a.store.InsertCases(ctx, exp.DatasetID, cases)
	if err != nil {
		return nil, pipeline.Fail(domain.StageGenerateDataset, fmt.Errorf("insert cases: %w", err))
	}
	out.Inserted = inserted
	out.Discarded = discarded + len(cases) - inserted

	activity.SafeLog(ctx, "Dataset generation completed",
		"iteration_id", it.ID,
		"dataset_id", exp.DatasetID,
		"inserted", out.Inserted,
		"discarded", out.Discarded,
		"fallback", out.Fallback)
	return out, nil
}

// propose asks the refiner model for cases. Any error means the caller
// should fall back; lease loss is the only error it must not absorb.
func (a *Activities) propose(
	ctx context.Context,
	in domain.GenerateDatasetInput,
	it *domain.Iteration,
	exp *domain.Experiment,
	prompt *domain.PromptVersion,
	seeds []domain.DatasetCase,
) ([]domain.DatasetCase, int, error) {
	if a.gateway == nil || exp.Refiner.Model == "" {
		return nil, 0, errors.New("no generator model configured")
	}
	if err := pipeline.Guard(ctx, a.leases, it.ID, in.LeaseToken); err != nil {
		return nil, 0, err
	}
	target := llm.Target{
		ProjectID:       exp.ProjectID,
		Provider:        exp.Refiner.Provider,
		Model:           exp.Refiner.Model,
		CredentialLabel: exp.Refiner.CredentialLabel,
	}
	msgs := Messages(exp, prompt, seeds, in.Count)
	if a.budget != nil {
		if err := a.budget.Check(ctx, budget.Scope{
			ProjectID:       exp.ProjectID,
			ExperimentID:    exp.ID,
			ExperimentLimit: exp.StopRules.MaxBudget,
		}, llm.Projected(a.gateway, target, msgs, nil)); err != nil {
			return nil, 0, err
		}
	}

	res, err := a.gateway.Chat(ctx, target, msgs, llm.ChatOptions{})
	if err != nil {
		return nil, 0, err
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
		return nil, 0, fmt.Errorf("append generator cost: %w", err)
	}

	parsed, err := domain.ParseCases([]byte(jsonArray(res.Text)))
	if err != nil {
		return nil, 0, err
	}
	return parsed.Cases, parsed.Discarded, nil
}

// jsonArray trims prose and code fences around the outermost [...] span.
func jsonArray(text string) string {
	i, j := strings.Index(text, "["), strings.LastIndex(text, "]")
	if i < 0 || j <= i {
		return text
	}
	return text[i : j+1]
}

const generatorSystem = `You write evaluation cases for a prompt. Reply with a JSON array only.
Each element is {"input": {<placeholder>: <value>, ...}, "tags": ["<topic>", ...], "difficulty": <1-5>}.
Cover varied topics and difficulties. Do not repeat the examples.`

// Messages builds the generator request.
func Messages(exp *domain.Experiment, prompt *domain.PromptVersion, seeds []domain.DatasetCase, count int) []llm.Message {
	var b strings.Builder
	if exp.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", exp.Goal)
	}
	fmt.Fprintf(&b, "Prompt template:\n%s\n", prompt.Text)
	if names := execution.Placeholders(prompt.Text); len(names) > 0 {
		fmt.Fprintf(&b, "Placeholders: %s\n", strings.Join(names, ", "))
	}
	if len(seeds) > 0 {
		b.WriteString("\nExisting cases:\n")
		for _, s := range seeds[:min(len(seeds), maxSeedExamples)] {
			body, err := json.Marshal(map[string]any{"input": s.Input, "tags": s.Tags, "difficulty": s.Difficulty})
			if err != nil {
				continue
			}
			b.Write(body)
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\nWrite %d new cases.", count)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: generatorSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
