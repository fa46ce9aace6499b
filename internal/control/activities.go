// Package control holds the bookkeeping activities the iteration workflow
// runs between stages: lease handling, run creation, status transitions and
// run failure on timeout.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// Store is the persistence the control activities need.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	UpdateIterationStatus(ctx context.Context, id string, status domain.IterationStatus, lastStage domain.Stage, errText string) error
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	CreateModelRun(ctx context.Context, r *domain.ModelRun) error
	FailModelRun(ctx context.Context, id, reason string) error
}

// Activities hosts the control activities.
type Activities struct {
	activity.BaseActivities
	store   Store
	leases  lease.Manager
	metrics *metrics.Collector
}

// NewActivities wires the control activities.
func NewActivities(base activity.BaseActivities, s Store, leases lease.Manager, m *metrics.Collector) *Activities {
	return &Activities{BaseActivities: base, store: s, leases: leases, metrics: m}
}

// AcquireLease takes the iteration lease for the workflow run.
func (a *Activities) AcquireLease(ctx context.Context, in domain.LeaseInput) error {
	if err := in.Validate(); err != nil {
		return activity.NonRetryable(activity.ErrTypeValidation, err, "invalid lease input")
	}
	if err := a.leases.Acquire(ctx, lease.IterationKey(in.IterationID), in.Token, in.TTL); err != nil {
		return activity.NonRetryable(pipeline.Classify(err), err, fmt.Sprintf("acquire lease: %v", err))
	}
	activity.SafeLog(ctx, "Iteration lease acquired", "iteration_id", in.IterationID)
	return nil
}

// RenewLease extends the iteration lease. Losing it is non-retryable.
func (a *Activities) RenewLease(ctx context.Context, in domain.LeaseInput) error {
	if err := in.Validate(); err != nil {
		return activity.NonRetryable(activity.ErrTypeValidation, err, "invalid lease input")
	}
	if err := a.leases.Renew(ctx, lease.IterationKey(in.IterationID), in.Token, in.TTL); err != nil {
		return activity.NonRetryable(pipeline.Classify(err), err, fmt.Sprintf("renew lease: %v", err))
	}
	return nil
}

// ReleaseLease drops the iteration lease if the token still holds it.
func (a *Activities) ReleaseLease(ctx context.Context, in domain.LeaseInput) error {
	if err := in.Validate(); err != nil {
		return activity.NonRetryable(activity.ErrTypeValidation, err, "invalid lease input")
	}
	if err := a.leases.Release(ctx, lease.IterationKey(in.IterationID), in.Token); err != nil {
		activity.SafeLogError(ctx, "Failed to release iteration lease", "iteration_id", in.IterationID, "error", err)
		return err
	}
	return nil
}

// PrepareIteration creates one model run per active model and returns what
// the workflow needs to schedule them. Runs created by an earlier attempt
// are returned instead of being created again.
func (a *Activities) PrepareIteration(ctx context.Context, in domain.PrepareIterationInput) (*domain.PrepareIterationOutput, error) {
	if err := in.Validate(); err != nil {
		return nil, activity.NonRetryable(activity.ErrTypeValidation, err, "invalid prepare input")
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, activity.NonRetryable(pipeline.Classify(err), err, err.Error())
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, activity.NonRetryable(pipeline.Classify(err), err, fmt.Sprintf("load iteration: %v", err))
	}
	if it.Status.IsTerminal() {
		err := fmt.Errorf("%w: iteration %s is %s", domain.ErrInvalidInput, it.ID, it.Status)
		return nil, activity.NonRetryable(activity.ErrTypeValidation, err, err.Error())
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, activity.NonRetryable(pipeline.Classify(err), err, fmt.Sprintf("load experiment: %v", err))
	}
	if err := exp.Validate(); err != nil {
		return nil, activity.NonRetryable(activity.ErrTypeValidation, err, err.Error())
	}
	models := exp.ActiveModels()
	if len(models) == 0 {
		err := fmt.Errorf("%w: experiment %s has no active models", domain.ErrInvalidExperiment, exp.ID)
		return nil, activity.NonRetryable(activity.ErrTypeValidation, err, err.Error())
	}

	existing, err := a.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list model runs: %w", err)
	}
	byModel := make(map[string]string, len(existing))
	for _, r := range existing {
		byModel[r.ModelConfigID] = r.ID
	}

	out := &domain.PrepareIterationOutput{
		ExperimentID: exp.ID,
		ProjectID:    exp.ProjectID,
		RunTimeout:   exp.EffectiveRunTimeout(),
		StopRules:    exp.StopRules,
	}
	for _, m := range models {
		if id, ok := byModel[m.ID]; ok {
			out.RunIDs = append(out.RunIDs, id)
			continue
		}
		run := &domain.ModelRun{
			IterationID:   it.ID,
			ModelConfigID: m.ID,
			Provider:      m.Provider,
			Model:         m.Model,
		}
		if err := a.store.CreateModelRun(ctx, run); err != nil {
			return nil, fmt.Errorf("create model run for %s: %w", m.ID, err)
		}
		out.RunIDs = append(out.RunIDs, run.ID)
	}

	activity.SafeLog(ctx, "Iteration prepared",
		"iteration_id", it.ID,
		"experiment_id", exp.ID,
		"runs", len(out.RunIDs),
		"run_timeout", out.RunTimeout)
	return out, nil
}

// SetStatus records a status transition and publishes it. Terminal
// iterations are left untouched.
func (a *Activities) SetStatus(ctx context.Context, in domain.SetStatusInput) error {
	if err := in.Validate(); err != nil {
		return activity.NonRetryable(activity.ErrTypeValidation, err, "invalid status input")
	}
	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return activity.NonRetryable(pipeline.Classify(err), err, fmt.Sprintf("load iteration: %v", err))
	}
	if it.Status.IsTerminal() {
		activity.SafeLog(ctx, "Iteration already terminal; ignoring status",
			"iteration_id", it.ID, "current", it.Status, "requested", in.Status)
		return nil
	}
	if err := a.store.UpdateIterationStatus(ctx, in.IterationID, in.Status, in.LastStage, in.Error); err != nil {
		return fmt.Errorf("update iteration status: %w", err)
	}

	ev := domain.StatusEvent{
		IterationID: in.IterationID,
		Status:      in.Status,
		LastStage:   in.LastStage,
		Error:       in.Error,
	}
	a.Emit(ctx, in.IterationID, domain.EventStatus, ev)
	switch in.Status {
	case domain.StatusDone:
		a.metrics.IterationFinished(in.Status)
		a.Emit(ctx, in.IterationID, domain.EventIterationDone, ev)
	case domain.StatusFailed:
		a.metrics.IterationFinished(in.Status)
		a.Emit(ctx, in.IterationID, domain.EventIterationFailed, ev)
	}

	activity.SafeLog(ctx, "Iteration status updated",
		"iteration_id", in.IterationID,
		"status", in.Status,
		"last_stage", in.LastStage)
	return nil
}

// FailRun marks a model run FAILED, typically after its execution timed
// out. A run that already finished is left as is.
func (a *Activities) FailRun(ctx context.Context, in domain.FailRunInput) error {
	if err := in.Validate(); err != nil {
		return activity.NonRetryable(activity.ErrTypeValidation, err, "invalid fail-run input")
	}
	err := a.store.FailModelRun(ctx, in.ModelRunID, in.Reason)
	switch {
	case errors.Is(err, store.ErrRunFinalized):
		return nil
	case err != nil:
		return fmt.Errorf("fail model run: %w", err)
	}

	a.metrics.RunFinished(domain.RunFailed)
	a.Emit(ctx, in.IterationID, domain.EventRunFailed, domain.RunFinishedEvent{
		ModelRunID: in.ModelRunID,
		Status:     domain.RunFailed,
		Error:      in.Reason,
	})
	activity.SafeLog(ctx, "Model run failed", "model_run_id", in.ModelRunID, "reason", in.Reason)
	return nil
}
