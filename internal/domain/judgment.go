package domain

import "time"

// Judgment is one judge's evaluation of an output. Pointwise judgments carry
// per-criterion scores; pairwise judgments name the winning run.
type Judgment struct {
	ID            string             `json:"id"`
	OutputID      string             `json:"output_id"`
	JudgeConfigID string             `json:"judge_config_id"`
	Mode          JudgeMode          `json:"mode"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Rationale     string             `json:"rationale,omitempty"`

	// Pairwise only.
	ComparedOutputID string   `json:"compared_output_id,omitempty"`
	RunIDs           []string `json:"run_ids,omitempty"`
	WinnerRunID      string   `json:"winner_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SafetyIssue is a single detector hit.
type SafetyIssue struct {
	Kind     string `json:"kind"`
	Detector string `json:"detector"`
	Match    string `json:"match"`
	Offset   int    `json:"offset"`
}

// SafetyReport is the inspector's verdict on one piece of text.
type SafetyReport struct {
	PIIDetected      bool          `json:"pii_detected"`
	ToxicDetected    bool          `json:"toxic_detected"`
	JailbreakAttempt bool          `json:"jailbreak_attempt"`
	Issues           []SafetyIssue `json:"issues"`
}

// Flagged reports whether any detector fired.
func (r SafetyReport) Flagged() bool { return r.PIIDetected || r.ToxicDetected || r.JailbreakAttempt }

// SafetyResult is a persisted report for one output.
type SafetyResult struct {
	OutputID string `json:"output_id"`
	SafetyReport
	CreatedAt time.Time `json:"created_at"`
}

// SuggestionStatus is the human review state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// ReviewDecision is the human verdict on a suggestion.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// Suggestion is a proposed unified-diff edit to a prompt version.
type Suggestion struct {
	ID              string           `json:"id"`
	ExperimentID    string           `json:"experiment_id"`
	IterationID     string           `json:"iteration_id"`
	PromptVersionID string           `json:"prompt_version_id"`
	Diff            string           `json:"diff"`
	Note            string           `json:"note"`
	TargetCriteria  []string         `json:"target_criteria"`
	Status          SuggestionStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
}
