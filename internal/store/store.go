// Package store defines the persistence contracts for experiments, iterations,
// model runs and their artifacts. The sqlite subpackage provides the
// reference implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-promptlab/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrMetricsAlreadySet is returned when an iteration's metrics were
	// already written. Metrics are write-once.
	ErrMetricsAlreadySet = errors.New("iteration metrics already set")

	// ErrRunFinalized is returned when a model run has already left RUNNING.
	ErrRunFinalized = errors.New("model run already finalized")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint, such as a second pending suggestion for one experiment.
	ErrConflict = errors.New("conflicting row")

	// ErrSuggestionReviewed is returned when a suggestion is no longer pending.
	ErrSuggestionReviewed = errors.New("suggestion already reviewed")
)

// CredentialStore resolves provider secrets.
type CredentialStore interface {
	// LookupCredential returns the single active, non-deleted credential for
	// (project, provider, label) or ErrNotFound. It never falls back to a
	// credential of another provider.
	LookupCredential(ctx context.Context, projectID, provider, label string) (domain.Credential, error)
	PutCredential(ctx context.Context, c domain.Credential) error
}

// ExperimentStore persists experiments.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e *domain.Experiment) error
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	// UpdateExperimentConfig replaces the mutable configuration. It returns
	// domain.ErrConfigLocked while any iteration of the experiment is not
	// terminal.
	UpdateExperimentConfig(ctx context.Context, e *domain.Experiment) error
}

// PromptStore persists immutable prompt versions.
type PromptStore interface {
	// CreatePromptVersion assigns the next version number for the experiment.
	CreatePromptVersion(ctx context.Context, p *domain.PromptVersion) error
	GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
	LatestPromptVersion(ctx context.Context, experimentID string) (*domain.PromptVersion, error)
}

// DatasetStore persists datasets and their cases.
type DatasetStore interface {
	CreateDataset(ctx context.Context, d domain.Dataset) error
	// InsertCases stores cases, silently skipping any whose input hash already
	// exists in the dataset. It returns the number actually inserted.
	InsertCases(ctx context.Context, datasetID string, cases []domain.DatasetCase) (int, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	GetCase(ctx context.Context, id string) (domain.DatasetCase, error)
}

// IterationStore persists iterations and their lifecycle.
type IterationStore interface {
	// CreateIteration assigns the next sequence number for the experiment.
	CreateIteration(ctx context.Context, it *domain.Iteration) error
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	UpdateIterationStatus(ctx context.Context, id string, status domain.IterationStatus, lastStage domain.Stage, errText string) error
	// SetIterationMetrics writes metrics once; later calls return
	// ErrMetricsAlreadySet.
	SetIterationMetrics(ctx context.Context, id string, m domain.Metrics) error
	CountIterations(ctx context.Context, experimentID string) (int, error)
	// ScoreHistory returns the composite scores of the experiment's
	// aggregated iterations ordered by sequence.
	ScoreHistory(ctx context.Context, experimentID string) ([]float64, error)
}

// RunStore persists model runs.
type RunStore interface {
	CreateModelRun(ctx context.Context, r *domain.ModelRun) error
	GetModelRun(ctx context.Context, id string) (*domain.ModelRun, error)
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	UpdateRunProgress(ctx context.Context, id string, casesDone, casesTotal int) error
	// CompleteModelRun writes the final totals and the ledger entry in one
	// transaction. It returns ErrRunFinalized if the run is not RUNNING.
	CompleteModelRun(ctx context.Context, id string, totals domain.RunTotals, cost domain.CostEntry) error
	// FailModelRun settles the spend of the run's stored outputs to the
	// ledger in the same transaction. It returns ErrRunFinalized if the run
	// is not RUNNING.
	FailModelRun(ctx context.Context, id, reason string) error
	// ListStaleRuns returns RUNNING runs started before the cutoff.
	ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]domain.ModelRun, error)
}

// OutputStore persists model outputs.
type OutputStore interface {
	// InsertOutput is idempotent on (model run, case).
	InsertOutput(ctx context.Context, o *domain.Output) error
	ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error)
}

// JudgmentStore persists judgments and safety results.
type JudgmentStore interface {
	InsertJudgment(ctx context.Context, j *domain.Judgment) error
	ListJudgments(ctx context.Context, iterationID string) ([]domain.Judgment, error)
	PutSafetyResult(ctx context.Context, r domain.SafetyResult) error
	ListSafetyResults(ctx context.Context, iterationID string) ([]domain.SafetyResult, error)
}

// SuggestionStore persists refinement suggestions.
type SuggestionStore interface {
	// CreateSuggestion returns ErrConflict if the experiment already has a
	// pending suggestion.
	CreateSuggestion(ctx context.Context, s *domain.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error)
	// PendingSuggestion returns the experiment's pending suggestion or
	// ErrNotFound.
	PendingSuggestion(ctx context.Context, experimentID string) (*domain.Suggestion, error)
	// SetSuggestionStatus moves a pending suggestion to a reviewed status. It
	// returns ErrSuggestionReviewed if the suggestion is not pending.
	SetSuggestionStatus(ctx context.Context, id string, status domain.SuggestionStatus, at time.Time) error
	// ApproveSuggestion approves a pending suggestion and creates the derived
	// prompt version and its iteration in one transaction.
	ApproveSuggestion(ctx context.Context, id string, at time.Time, version *domain.PromptVersion, it *domain.Iteration) error
}

// CostLedger is the append-only spend record.
type CostLedger interface {
	AppendCost(ctx context.Context, e domain.CostEntry) error
	SpendByExperiment(ctx context.Context, experimentID string) (domain.MilliCents, error)
	SpendByProject(ctx context.Context, projectID string) (domain.MilliCents, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	CredentialStore
	ExperimentStore
	PromptStore
	DatasetStore
	IterationStore
	RunStore
	OutputStore
	JudgmentStore
	SuggestionStore
	CostLedger
	Close() error
}
