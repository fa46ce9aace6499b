package domain

// Progress event names pushed to iteration observers.
const (
	EventStatus            = "status"
	EventRunProgress       = "modelRun:progress"
	EventRunCompleted      = "modelRun:completed"
	EventRunFailed         = "modelRun:failed"
	EventSuggestionCreated = "suggestion:created"
	EventIterationDone     = "iteration:done"
	EventIterationFailed   = "iteration:failed"
)

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	IterationID string          `json:"iterationId"`
	Status      IterationStatus `json:"status"`
	LastStage   Stage           `json:"lastStage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// RunProgressEvent is the payload of EventRunProgress.
type RunProgressEvent struct {
	ModelRunID string `json:"modelRunId"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
}

// RunFinishedEvent is the payload of EventRunCompleted and EventRunFailed.
type RunFinishedEvent struct {
	ModelRunID     string     `json:"modelRunId"`
	Status         RunStatus  `json:"status"`
	Error          string     `json:"error,omitempty"`
	Outputs        int        `json:"outputs"`
	CostMilliCents MilliCents `json:"costMilliCents"`
}

// SuggestionEvent is the payload of EventSuggestionCreated.
type SuggestionEvent struct {
	SuggestionID   string   `json:"suggestionId"`
	TargetCriteria []string `json:"targetCriteria"`
}
