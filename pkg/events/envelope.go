// Package events defines the envelope progress events travel in and the sink
// interface producers write to.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps one progress event. Type doubles as the SSE event name.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type names the event, e.g. "modelRun:progress".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "execute".
	Source string `json:"source"`

	// IterationID scopes the event; observers subscribe per iteration.
	IterationID string `json:"iteration_id"`

	Timestamp time.Time `json:"timestamp"`

	// WorkflowID and RunID identify the Temporal execution that caused the
	// event, when there is one.
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`

	// Payload is the JSON-encoded event body sent to observers verbatim.
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope, encoding payload as JSON.
func New(eventType, source, iterationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      source,
		IterationID: iterationID,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// EventSink receives events from producers.
type EventSink interface {
	// Append publishes an event with best-effort delivery. Callers never fail
	// their primary operation because of a sink error.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.
func (NoOpEventSink) Append(context.Context, Envelope) error { return nil }

// Recorder keeps every appended event in memory. Tests use it to assert
// what a component emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

// NewRecorder creates a recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Append implements EventSink.
func (r *Recorder) Append(_ context.Context, e Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns everything appended so far, in order.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the type of each recorded event, in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
