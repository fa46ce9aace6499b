package safety

import (
	"context"
	"fmt"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// Store is the persistence the safety stage needs.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error)
	PutSafetyResult(ctx context.Context, r domain.SafetyResult) error
}

// Activities hosts the SafetyScan activity.
type Activities struct {
	activity.BaseActivities
	store  Store
	leases lease.Manager
	inst   pipeline.Instruments
}

// NewActivities wires the safety stage.
func NewActivities(base activity.BaseActivities, s Store, leases lease.Manager, inst pipeline.Instruments) *Activities {
	return &Activities{BaseActivities: base, store: s, leases: leases, inst: inst}
}

// SafetyScan inspects every output of the iteration's completed runs and
// stores one report per output. Reports are replaced on rescan, so the
// activity is safe to repeat.
func (a *Activities) SafetyScan(ctx context.Context, in domain.StageInput) (out *domain.SafetyScanOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageSafety, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageSafety, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageSafety, err)
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageSafety, fmt.Errorf("load iteration: %w", err))
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageSafety, fmt.Errorf("load experiment: %w", err))
	}
	runs, err := a.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageSafety, fmt.Errorf("list runs: %w", err))
	}

	inspector := NewInspector(exp.Safety)
	out = &domain.SafetyScanOutput{}
	for _, r := range runs {
		if r.Status != domain.RunCompleted {
			continue
		}
		outputs, err := a.store.ListOutputs(ctx, r.ID)
		if err != nil {
			return nil, pipeline.Fail(domain.StageSafety, fmt.Errorf("list outputs for run %s: %w", r.ID, err))
		}
		for _, o := range outputs {
			report := inspector.Inspect(o.Text)
			if err := a.store.PutSafetyResult(ctx, domain.SafetyResult{OutputID: o.ID, SafetyReport: report}); err != nil {
				return nil, pipeline.Fail(domain.StageSafety, fmt.Errorf("store safety result: %w", err))
			}
			out.Scanned++
			if report.Flagged() {
				out.Flagged++
				activity.SafeLog(ctx, "Output flagged",
					"output_id", o.ID,
					"model_run_id", r.ID,
					"pii", report.PIIDetected,
					"toxic", report.ToxicDetected,
					"jailbreak", report.JailbreakAttempt)
			}
		}
		a.RecordHeartbeat(ctx, out.Scanned)
	}

	activity.SafeLog(ctx, "Safety scan finished",
		"iteration_id", it.ID,
		"scanned", out.Scanned,
		"flagged", out.Flagged)
	return out, nil
}
