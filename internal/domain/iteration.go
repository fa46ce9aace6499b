package domain

import "time"

// IterationStatus is the lifecycle position of an iteration.
type IterationStatus string

const (
	StatusGeneratingData IterationStatus = "GENERATING_DATA"
	StatusExecuting      IterationStatus = "EXECUTING"
	StatusSafetyScanning IterationStatus = "SAFETY_SCANNING"
	StatusJudging        IterationStatus = "JUDGING"
	StatusAggregating    IterationStatus = "AGGREGATING"
	StatusRefining       IterationStatus = "REFINING"
	StatusDone           IterationStatus = "DONE"
	StatusFailed         IterationStatus = "FAILED"
)

// IsTerminal reports whether no further automatic transition can occur.
func (s IterationStatus) IsTerminal() bool { return s == StatusDone || s == StatusFailed }

// Stage names one pipeline stage.
type Stage string

const (
	StageGenerateDataset Stage = "generate_dataset"
	StageExecute         Stage = "execute"
	StageSafety          Stage = "safety_scan"
	StageJudge           Stage = "judge"
	StageAggregate       Stage = "aggregate"
	StageRefine          Stage = "refine"
)

// Iteration is one evaluation round over one prompt version.
type Iteration struct {
	ID              string          `json:"id"`
	ExperimentID    string          `json:"experiment_id"`
	PromptVersionID string          `json:"prompt_version_id"`
	Sequence        int             `json:"sequence"`
	Status          IterationStatus `json:"status"`
	// LastStage is the most recent stage that completed successfully.
	LastStage Stage     `json:"last_stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Metrics   *Metrics  `json:"metrics,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the lifecycle of a model run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool { return s == RunCompleted || s == RunFailed }

// ModelRun is one model configuration executed over an iteration's dataset.
type ModelRun struct {
	ID               string     `json:"id"`
	IterationID      string     `json:"iteration_id"`
	ModelConfigID    string     `json:"model_config_id"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	Status           RunStatus  `json:"status"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CostMilliCents   MilliCents `json:"cost_millicents"`
	CasesTotal       int        `json:"cases_total"`
	CasesDone        int        `json:"cases_done"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// RunTotals are the accumulated figures written when a run completes.
type RunTotals struct {
	PromptTokens     int64
	CompletionTokens int64
	CostMilliCents   MilliCents
	CasesTotal       int
	CasesDone        int
}

// Output is a single model response for one dataset case.
type Output struct {
	ID               string     `json:"id"`
	ModelRunID       string     `json:"model_run_id"`
	CaseID           string     `json:"case_id"`
	Text             string     `json:"text"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	LatencyMs        int64      `json:"latency_ms"`
	Cached           bool       `json:"cached"`
	CostMilliCents   MilliCents `json:"cost_millicents"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CostEntry is one append-only row in the spend ledger.
type CostEntry struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	ExperimentID     string     `json:"experiment_id"`
	IterationID      string     `json:"iteration_id"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CostMilliCents   MilliCents `json:"cost_millicents"`
	CreatedAt        time.Time  `json:"created_at"`
}
