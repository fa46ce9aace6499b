package domain

import (
	"encoding/json"
	"time"
)

// FewShotExample is a worked input/output pair shown to the model before the case.
type FewShotExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// PromptVersion is an immutable prompt snapshot. Version numbers increase
// monotonically per experiment and are assigned by the store.
type PromptVersion struct {
	ID           string           `json:"id"`
	ExperimentID string           `json:"experiment_id" validate:"required"`
	Version      int              `json:"version"`
	Text         string           `json:"text" validate:"required"`
	SystemText   string           `json:"system_text,omitempty"`
	FewShot      []FewShotExample `json:"few_shot,omitempty"`
	ToolSchema   json.RawMessage  `json:"tool_schema,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Validate checks required fields.
func (p *PromptVersion) Validate() error { return validate.Struct(p) }

// Derive returns a new unsaved version with replaced text and every other
// attribute carried over.
func (p *PromptVersion) Derive(text string) PromptVersion {
	next := PromptVersion{
		ExperimentID: p.ExperimentID,
		Text:         text,
		SystemText:   p.SystemText,
		ToolSchema:   append(json.RawMessage(nil), p.ToolSchema...),
	}
	if len(p.FewShot) > 0 {
		next.FewShot = append([]FewShotExample(nil), p.FewShot...)
	}
	return next
}
