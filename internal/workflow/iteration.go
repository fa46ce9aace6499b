package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/orchestrator"
)

const (
	// DefaultLeaseTTL is the iteration lease lifetime; it is renewed at a
	// third of that.
	DefaultLeaseTTL = 2 * time.Minute
	// DefaultStageTimeout bounds every stage other than Execute.
	DefaultStageTimeout = 30 * time.Minute

	controlTimeout = 30 * time.Second
)

// IterationInput starts one iteration.
type IterationInput struct {
	IterationID string `json:"iteration_id"`
	// GenerateCases, when positive, grows the dataset before execution.
	GenerateCases int           `json:"generate_cases,omitempty"`
	LeaseTTL      time.Duration `json:"lease_ttl,omitempty"`
	StageTimeout  time.Duration `json:"stage_timeout,omitempty"`
}

// Validate checks the input.
func (in IterationInput) Validate() error {
	if in.IterationID == "" {
		return fmt.Errorf("%w: iteration id is required", domain.ErrInvalidInput)
	}
	if in.GenerateCases < 0 || in.GenerateCases > 500 {
		return fmt.Errorf("%w: generate_cases must be within 0..500", domain.ErrInvalidInput)
	}
	return nil
}

// IterationResult is the workflow's final report.
type IterationResult struct {
	IterationID string                  `json:"iteration_id"`
	Status      domain.IterationStatus  `json:"status"`
	LastStage   domain.Stage            `json:"last_stage,omitempty"`
	Reason      orchestrator.StopReason `json:"reason,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// IterationWorkflow runs one iteration from lease acquisition to a terminal
// status.
func IterationWorkflow(ctx workflow.Context, in IterationInput) (*IterationResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "iteration.v", workflow.DefaultVersion, currentVersion)

	if err := in.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid iteration input", "validation", err)
	}
	if in.LeaseTTL <= 0 {
		in.LeaseTTL = DefaultLeaseTTL
	}
	if in.StageTimeout <= 0 {
		in.StageTimeout = DefaultStageTimeout
	}

	r := &runner{
		in:     in,
		token:  workflow.GetInfo(ctx).WorkflowExecution.RunID,
		logger: workflow.GetLogger(ctx),
	}
	return r.run(ctx)
}

type runner struct {
	in      IterationInput
	token   string
	logger  log.Logger
	machine *orchestrator.Machine
	plan    *domain.PrepareIterationOutput

	selector workflow.Selector
	results  []orchestrator.StageResult
	pending  int
	leaseErr error
}

func (r *runner) run(ctx workflow.Context) (*IterationResult, error) {
	leaseIn := domain.LeaseInput{IterationID: r.in.IterationID, Token: r.token, TTL: r.in.LeaseTTL}
	if err := workflow.ExecuteActivity(controlCtx(ctx), ActivityAcquireLease, leaseIn).Get(ctx, nil); err != nil {
		return nil, err
	}
	defer func() {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		if err := workflow.ExecuteActivity(controlCtx(dctx), ActivityReleaseLease, leaseIn).Get(dctx, nil); err != nil {
			r.logger.Info("Lease release failed", "iteration_id", r.in.IterationID, "error", err)
		}
	}()

	var plan domain.PrepareIterationOutput
	prepIn := domain.PrepareIterationInput{IterationID: r.in.IterationID, LeaseToken: r.token}
	if err := workflow.ExecuteActivity(controlCtx(ctx), ActivityPrepareIteration, prepIn).Get(ctx, &plan); err != nil {
		msg := fmt.Sprintf("prepare: %s", errorText(err))
		if serr := r.setStatus(ctx, orchestrator.Command{Status: domain.StatusFailed, Error: msg}); serr != nil {
			return nil, serr
		}
		return &IterationResult{IterationID: r.in.IterationID, Status: domain.StatusFailed, Reason: orchestrator.StopFailed, Error: msg}, nil
	}
	r.plan = &plan
	r.machine = orchestrator.New(orchestrator.Plan{
		RunIDs:        plan.RunIDs,
		StopRules:     plan.StopRules,
		GenerateCases: r.in.GenerateCases,
	})

	stageCtx, cancelStages := workflow.WithCancel(ctx)
	defer cancelStages()
	r.selector = workflow.NewSelector(ctx)
	r.armRenewal(ctx, leaseIn)

	var finalErr string
	if err := r.dispatch(ctx, stageCtx, r.machine.Start(), &finalErr); err != nil {
		return nil, err
	}
	for !r.machine.Done() {
		r.selector.Select(ctx)
		if r.leaseErr != nil {
			return nil, r.leaseErr
		}
		for len(r.results) > 0 {
			res := r.results[0]
			r.results = r.results[1:]
			cmds, err := r.machine.Handle(res)
			if err != nil {
				return nil, temporal.NewNonRetryableApplicationError("orchestrator rejected result", "internal", err)
			}
			if err := r.dispatch(ctx, stageCtx, cmds, &finalErr); err != nil {
				return nil, err
			}
		}
	}

	return &IterationResult{
		IterationID: r.in.IterationID,
		Status:      r.machine.Status(),
		LastStage:   r.machine.LastStage(),
		Reason:      r.machine.Reason(),
		Error:       finalErr,
	}, nil
}

// armRenewal renews the lease every third of its TTL for as long as the
// workflow runs. Losing the lease ends the workflow without further writes.
func (r *runner) armRenewal(ctx workflow.Context, leaseIn domain.LeaseInput) {
	timer := workflow.NewTimer(ctx, r.in.LeaseTTL/3)
	r.selector.AddFuture(timer, func(f workflow.Future) {
		if err := f.Get(ctx, nil); err != nil {
			return
		}
		renewal := workflow.ExecuteActivity(controlCtx(ctx), ActivityRenewLease, leaseIn)
		r.selector.AddFuture(renewal, func(f workflow.Future) {
			if err := f.Get(ctx, nil); err != nil {
				r.leaseErr = err
				return
			}
			r.armRenewal(ctx, leaseIn)
		})
	})
}

func (r *runner) dispatch(ctx, stageCtx workflow.Context, cmds []orchestrator.Command, finalErr *string) error {
	for _, c := range cmds {
		switch c.Kind {
		case orchestrator.CmdSetStatus:
			if err := r.setStatus(ctx, c); err != nil {
				return err
			}
		case orchestrator.CmdFailRun:
			in := domain.FailRunInput{IterationID: r.in.IterationID, ModelRunID: c.RunID, Reason: c.Error}
			if err := workflow.ExecuteActivity(controlCtx(ctx), ActivityFailRun, in).Get(ctx, nil); err != nil {
				return err
			}
		case orchestrator.CmdExecute:
			r.execute(stageCtx, c.RunID)
		case orchestrator.CmdGenerateDataset:
			in := domain.GenerateDatasetInput{IterationID: r.in.IterationID, LeaseToken: r.token, Count: r.in.GenerateCases}
			r.stage(stageCtx, domain.StageGenerateDataset, QueueDatagen, ActivityGenerateDataset, in, new(domain.GenerateDatasetOutput))
		case orchestrator.CmdSafetyScan:
			r.stage(stageCtx, domain.StageSafety, QueueSafety, ActivitySafetyScan, r.stageInput(), new(domain.SafetyScanOutput))
		case orchestrator.CmdJudge:
			r.stage(stageCtx, domain.StageJudge, QueueJudge, ActivityJudge, r.stageInput(), new(domain.JudgeOutput))
		case orchestrator.CmdAggregate:
			r.stage(stageCtx, domain.StageAggregate, QueueAggregate, ActivityAggregate, r.stageInput(), new(domain.AggregateOutput))
		case orchestrator.CmdRefine:
			r.stage(stageCtx, domain.StageRefine, QueueRefine, ActivityRefine, r.stageInput(), new(domain.RefineOutput))
		case orchestrator.CmdFinish:
			*finalErr = c.Error
			r.logger.Info("Iteration finished",
				"iteration_id", r.in.IterationID,
				"reason", string(c.Reason),
				"pending_activities", r.pending)
		}
	}
	return nil
}

func (r *runner) setStatus(ctx workflow.Context, c orchestrator.Command) error {
	in := domain.SetStatusInput{IterationID: r.in.IterationID, Status: c.Status, LastStage: c.LastStage, Error: c.Error}
	return workflow.ExecuteActivity(controlCtx(ctx), ActivitySetStatus, in).Get(ctx, nil)
}

func (r *runner) stageInput() domain.StageInput {
	return domain.StageInput{IterationID: r.in.IterationID, LeaseToken: r.token}
}

// execute schedules one model run. Its StartToClose timeout is the run's
// wall-clock ceiling.
func (r *runner) execute(ctx workflow.Context, runID string) {
	actx := workflow.WithActivityOptions(ctx, stageOptions(QueueExecute, r.plan.RunTimeout))
	in := domain.ExecuteRunInput{IterationID: r.in.IterationID, ModelRunID: runID, LeaseToken: r.token}
	f := workflow.ExecuteActivity(actx, ActivityExecuteRun, in)
	r.pending++
	r.selector.AddFuture(f, func(f workflow.Future) {
		r.pending--
		var out domain.ExecuteRunOutput
		res := orchestrator.StageResult{Stage: domain.StageExecute, RunID: runID}
		switch err := f.Get(ctx, &out); {
		case temporal.IsTimeoutError(err):
			res.TimedOut = true
			res.Err = fmt.Sprintf("run timed out after %s", r.plan.RunTimeout)
		case err != nil:
			res.Err = errorText(err)
		default:
			res.RunStatus = out.Status
		}
		r.results = append(r.results, res)
	})
}

// stage schedules an iteration-scoped stage; out receives its result.
func (r *runner) stage(ctx workflow.Context, stage domain.Stage, queue, activity string, in, out any) {
	actx := workflow.WithActivityOptions(ctx, stageOptions(queue, r.in.StageTimeout))
	f := workflow.ExecuteActivity(actx, activity, in)
	r.pending++
	r.selector.AddFuture(f, func(f workflow.Future) {
		r.pending--
		res := orchestrator.StageResult{Stage: stage}
		if err := f.Get(ctx, out); err != nil {
			res.Err = errorText(err)
		} else if agg, ok := out.(*domain.AggregateOutput); ok {
			res.Aggregate = agg
		}
		r.results = append(r.results, res)
	})
}

func stageOptions(queue string, timeout time.Duration) workflow.ActivityOptions {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return workflow.ActivityOptions{
		TaskQueue:           queue,
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// controlCtx runs bookkeeping activities. They are idempotent and may retry.
func controlCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           QueueControl,
		StartToCloseTimeout: controlTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
}

// errorText unwraps the activity envelope to the stage's own message.
func errorText(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}

// RegisterOptions names IterationWorkflow for worker registration.
func RegisterOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: WorkflowIteration}
}
