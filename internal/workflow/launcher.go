package workflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
)

// LaunchDefaults are the inputs Launch gives every iteration it starts.
type LaunchDefaults struct {
	GenerateCases int
	LeaseTTL      time.Duration
	StageTimeout  time.Duration
}

// Launcher starts IterationWorkflow executions.
type Launcher struct {
	client   client.Client
	defaults LaunchDefaults
}

// NewLauncher creates a launcher.
func NewLauncher(c client.Client, defaults LaunchDefaults) *Launcher {
	return &Launcher{client: c, defaults: defaults}
}

// WorkflowID is the workflow id of an iteration. One id per iteration keeps
// a second start from racing the first.
func WorkflowID(iterationID string) string { return "iteration-" + iterationID }

// Start launches the workflow for in and returns its run id.
func (l *Launcher) Start(ctx context.Context, in IterationInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	run, err := l.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.IterationID),
		TaskQueue: QueueControl,
	}, WorkflowIteration, in)
	if err != nil {
		return "", fmt.Errorf("start iteration %s: %w", in.IterationID, err)
	}
	return run.GetRunID(), nil
}

// Launch starts an iteration with the launcher's defaults.
func (l *Launcher) Launch(ctx context.Context, iterationID string) error {
	_, err := l.Start(ctx, IterationInput{
		IterationID:   iterationID,
		GenerateCases: l.defaults.GenerateCases,
		LeaseTTL:      l.defaults.LeaseTTL,
		StageTimeout:  l.defaults.StageTimeout,
	})
	return err
}
