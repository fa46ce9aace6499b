package domain

import (
	"fmt"
	"time"
)

// Inputs and outputs of the Temporal activities that implement pipeline
// stages. Every stage input carries the lease token of the orchestrator that
// scheduled it; stages refuse to act when the token no longer holds the lease.

// LeaseInput acquires, renews, or releases the iteration lease.
type LeaseInput struct {
	IterationID string        `json:"iteration_id" validate:"required"`
	Token       string        `json:"token" validate:"required"`
	TTL         time.Duration `json:"ttl"`
}

// Validate checks required fields.
func (i LeaseInput) Validate() error { return wrapInput(validate.Struct(i)) }

// PrepareIterationInput loads an iteration and creates its model runs.
type PrepareIterationInput struct {
	IterationID string `json:"iteration_id" validate:"required"`
	LeaseToken  string `json:"lease_token" validate:"required"`
}

// Validate checks required fields.
func (i PrepareIterationInput) Validate() error { return wrapInput(validate.Struct(i)) }

// PrepareIterationOutput describes the work an iteration schedules.
type PrepareIterationOutput struct {
	ExperimentID string        `json:"experiment_id"`
	ProjectID    string        `json:"project_id"`
	RunIDs       []string      `json:"run_ids"`
	RunTimeout   time.Duration `json:"run_timeout"`
	StopRules    StopRules     `json:"stop_rules"`
}

// SetStatusInput records an iteration status transition.
type SetStatusInput struct {
	IterationID string          `json:"iteration_id" validate:"required"`
	Status      IterationStatus `json:"status" validate:"required"`
	LastStage   Stage           `json:"last_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Validate checks required fields.
func (i SetStatusInput) Validate() error { return wrapInput(validate.Struct(i)) }

// FailRunInput marks a model run FAILED if it is still RUNNING.
type FailRunInput struct {
	IterationID string `json:"iteration_id" validate:"required"`
	ModelRunID  string `json:"model_run_id" validate:"required"`
	Reason      string `json:"reason" validate:"required"`
}

// Validate checks required fields.
func (i FailRunInput) Validate() error { return wrapInput(validate.Struct(i)) }

// StageInput is the common payload for iteration-scoped stages.
type StageInput struct {
	IterationID string `json:"iteration_id" validate:"required"`
	LeaseToken  string `json:"lease_token" validate:"required"`
}

// Validate checks required fields.
func (i StageInput) Validate() error { return wrapInput(validate.Struct(i)) }

// ExecuteRunInput executes one model run.
type ExecuteRunInput struct {
	IterationID string `json:"iteration_id" validate:"required"`
	ModelRunID  string `json:"model_run_id" validate:"required"`
	LeaseToken  string `json:"lease_token" validate:"required"`
}

// Validate checks required fields.
func (i ExecuteRunInput) Validate() error { return wrapInput(validate.Struct(i)) }

// ExecuteRunOutput reports the terminal state of a model run.
type ExecuteRunOutput struct {
	ModelRunID     string     `json:"model_run_id"`
	Status         RunStatus  `json:"status"`
	Error          string     `json:"error,omitempty"`
	Outputs        int        `json:"outputs"`
	CostMilliCents MilliCents `json:"cost_millicents"`
}

// SafetyScanOutput summarizes a safety pass.
type SafetyScanOutput struct {
	Scanned int `json:"scanned"`
	Flagged int `json:"flagged"`
}

// JudgeOutput summarizes a judging pass.
type JudgeOutput struct {
	Judgments int `json:"judgments"`
	Failed    int `json:"failed"`
}

// AggregateOutput carries the metrics headline plus the inputs stop rules need.
type AggregateOutput struct {
	Composite       float64    `json:"composite"`
	SpendMilliCents MilliCents `json:"spend_millicents"`
	IterationCount  int        `json:"iteration_count"`
	// ScoreHistory holds composite scores of the experiment's aggregated
	// iterations in sequence order, ending with this one.
	ScoreHistory []float64 `json:"score_history"`
}

// RefineOutput identifies the suggestion produced or reused by Refine.
type RefineOutput struct {
	SuggestionID string `json:"suggestion_id"`
	Created      bool   `json:"created"`
}

// GenerateDatasetInput asks for synthetic cases to be added to the experiment dataset.
type GenerateDatasetInput struct {
	IterationID string `json:"iteration_id" validate:"required"`
	LeaseToken  string `json:"lease_token" validate:"required"`
	Count       int    `json:"count" validate:"min=1,max=500"`
}

// Validate checks required fields.
func (i GenerateDatasetInput) Validate() error { return wrapInput(validate.Struct(i)) }

// GenerateDatasetOutput reports how many cases were added.
type GenerateDatasetOutput struct {
	Inserted  int  `json:"inserted"`
	Discarded int  `json:"discarded"`
	Fallback  bool `json:"fallback"`
}

func wrapInput(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
