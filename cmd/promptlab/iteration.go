package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-promptlab/internal/config"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/review"
	"github.com/ahrav/go-promptlab/internal/store/sqlite"
	"github.com/ahrav/go-promptlab/internal/workflow"
)

var startFlags struct {
	promptVersion string
	generateCases int
	stageTimeout  time.Duration
}

var startIterationCmd = &cobra.Command{
	Use:   "start-iteration EXPERIMENT_ID",
	Short: "Create an iteration and start its workflow",
	Long: `Create an iteration on a prompt version (the latest by default) and start
its workflow. With --generate-cases the iteration first asks the refiner
model for new dataset cases.`,
	Args: cobra.ExactArgs(1),
	RunE: runStartIteration,
}

var reviewCmd = &cobra.Command{
	Use:   "review SUGGESTION_ID approve|reject",
	Short: "Approve or reject a pending suggestion",
	Long: `Approve or reject a pending suggestion. Approval applies the suggested diff
to create a new prompt version and starts the next iteration on it.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(domain.DecisionApprove), string(domain.DecisionReject)},
	RunE:      runReview,
}

func init() {
	rootCmd.AddCommand(startIterationCmd, reviewCmd)
	startIterationCmd.Flags().StringVar(&startFlags.promptVersion, "prompt-version", "", "prompt version id (default: latest)")
	startIterationCmd.Flags().IntVar(&startFlags.generateCases, "generate-cases", 0, "cases to generate before executing")
	startIterationCmd.Flags().DurationVar(&startFlags.stageTimeout, "stage-timeout", 0, "timeout for non-execute stages")
}

func runStartIteration(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	exp, err := s.GetExperiment(ctx, args[0])
	if err != nil {
		return err
	}
	promptID := startFlags.promptVersion
	if promptID == "" {
		latest, err := s.LatestPromptVersion(ctx, exp.ID)
		if err != nil {
			return fmt.Errorf("experiment %s has no prompt version: %w", exp.ID, err)
		}
		promptID = latest.ID
	}

	c, err := dialTemporal(cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	it := &domain.Iteration{ExperimentID: exp.ID, PromptVersionID: promptID, Status: domain.StatusExecuting}
	if err := s.CreateIteration(ctx, it); err != nil {
		return err
	}
	runID, err := workflow.NewLauncher(c, launchDefaults(cfg)).Start(ctx, workflow.IterationInput{
		IterationID:   it.ID,
		GenerateCases: startFlags.generateCases,
		LeaseTTL:      cfg.Lease.TTL,
		StageTimeout:  cmp.Or(startFlags.stageTimeout, cfg.Lanes.StageTimeout),
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"iteration_id": it.ID,
		"sequence":     it.Sequence,
		"workflow_id":  workflow.WorkflowID(it.ID),
		"run_id":       runID,
	})
}

func runReview(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	var launcher review.Launcher
	if domain.ReviewDecision(args[1]) == domain.DecisionApprove {
		c, err := dialTemporal(cfg.Temporal, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		launcher = workflow.NewLauncher(c, launchDefaults(cfg))
	}

	out, err := review.New(s, launcher, logger).Review(ctx, args[0], domain.ReviewDecision(args[1]))
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func launchDefaults(cfg *config.Config) workflow.LaunchDefaults {
	return workflow.LaunchDefaults{
		GenerateCases: cfg.Lanes.GenerateCases,
		LeaseTTL:      cfg.Lease.TTL,
		StageTimeout:  cfg.Lanes.StageTimeout,
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
