package worker

import (
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-promptlab/internal/aggregation"
	"github.com/ahrav/go-promptlab/internal/config"
	"github.com/ahrav/go-promptlab/internal/control"
	"github.com/ahrav/go-promptlab/internal/datagen"
	"github.com/ahrav/go-promptlab/internal/execution"
	"github.com/ahrav/go-promptlab/internal/judging"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/refinement"
	"github.com/ahrav/go-promptlab/internal/safety"
	"github.com/ahrav/go-promptlab/internal/workflow"
	baseactivity "github.com/ahrav/go-promptlab/pkg/activity"
)

// Stages holds one activity host per pipeline stage.
type Stages struct {
	Control     *control.Activities
	Datagen     *datagen.Activities
	Execution   *execution.Activities
	Safety      *safety.Activities
	Judging     *judging.Activities
	Aggregation *aggregation.Activities
	Refinement  *refinement.Activities
}

// NewStages wires every stage to the runtime's shared components.
func NewStages(rt *Runtime) *Stages {
	inst := pipeline.Instruments{Metrics: rt.Metrics, Tracer: rt.Tracing.Tracer()}
	base := func(source string) baseactivity.BaseActivities {
		return baseactivity.NewBaseActivities(source, rt.Broker)
	}
	lanes := rt.Config.Lanes
	return &Stages{
		Control:     control.NewActivities(base("control"), rt.Store, rt.Leases, rt.Metrics),
		Datagen:     datagen.NewActivities(base("datagen"), rt.Store, rt.Gateway, rt.Leases, rt.Budget, inst),
		Execution:   execution.NewActivities(base("execute"), rt.Store, rt.Gateway, rt.Leases, rt.Budget, inst, execution.Config{Concurrency: lanes.RunConcurrency}),
		Safety:      safety.NewActivities(base("safety"), rt.Store, rt.Leases, inst),
		Judging:     judging.NewActivities(base("judge"), rt.Store, rt.Gateway, rt.Leases, rt.Budget, inst, judging.Config{Concurrency: lanes.JudgeConcurrency}),
		Aggregation: aggregation.NewActivities(base("aggregate"), rt.Store, rt.Leases, inst, lanes.BootstrapSamples),
		Refinement:  refinement.NewActivities(base("refine"), rt.Store, rt.Gateway, rt.Leases, rt.Budget, inst),
	}
}


// Registrar is the registration surface shared by sdk workers and the
// workflow test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options sdkworkflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterLane registers what queue serves. Activities are registered by
// name one at a time; the hosts embed helpers that are not activities.
func RegisterLane(r Registrar, queue string, s *Stages) error {
	reg := func(name string, fn any) {
		r.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	switch queue {
	case workflow.QueueControl:
		r.RegisterWorkflowWithOptions(workflow.IterationWorkflow, workflow.RegisterOptions())
		reg(workflow.ActivityAcquireLease, s.Control.AcquireLease)
		reg(workflow.ActivityRenewLease, s.Control.RenewLease)
		reg(workflow.ActivityReleaseLease, s.Control.ReleaseLease)
		reg(workflow.ActivityPrepareIteration, s.Control.PrepareIteration)
		reg(workflow.ActivitySetStatus, s.Control.SetStatus)
		reg(workflow.ActivityFailRun, s.Control.FailRun)
	case workflow.QueueExecute:
		reg(workflow.ActivityExecuteRun, s.Execution.ExecuteRun)
	case workflow.QueueSafety:
		reg(workflow.ActivitySafetyScan, s.Safety.SafetyScan)
	case workflow.QueueJudge:
		reg(workflow.ActivityJudge, s.Judging.Judge)
	case workflow.QueueAggregate:
		reg(workflow.ActivityAggregate, s.Aggregation.Aggregate)
	case workflow.QueueRefine:
		reg(workflow.ActivityRefine, s.Refinement.Refine)
	case workflow.QueueDatagen:
		reg(workflow.ActivityGenerateDataset, s.Datagen.GenerateDataset)
	default:
		return fmt.Errorf("unknown task queue %q", queue)
	}
	return nil
}

// LaneOptions sizes a lane's worker.
func LaneOptions(queue string, lanes config.LanesConfig) sdkworker.Options {
	n := lanes.Stage
	switch queue {
	case workflow.QueueExecute:
		n = lanes.Execute
	case workflow.QueueDatagen:
		n = lanes.Datagen
	}
	return sdkworker.Options{MaxConcurrentActivityExecutionSize: n}
}

// NewLaneWorkers creates and registers one worker per queue. Start them
// with sdkworker.Worker.Start and stop them on shutdown.
func NewLaneWorkers(c client.Client, queues []string, s *Stages, lanes config.LanesConfig) ([]sdkworker.Worker, error) {
	workers := make([]sdkworker.Worker, 0, len(queues))
	for _, q := range queues {
		w := sdkworker.New(c, q, LaneOptions(q, lanes))
		if err := RegisterLane(w, q, s); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
