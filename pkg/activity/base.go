// Package activity provides the infrastructure shared by every stage
// activity: workflow context extraction, safe logging, heartbeats, progress
// event emission and Temporal error wrapping.
package activity

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-promptlab/pkg/events"
)

// WorkflowContext is the Temporal execution an activity runs under.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities is embedded by stage activity structs.
type BaseActivities struct {
	eventSink events.EventSink
	source    string
}

// NewBaseActivities creates a base emitting to sink under the given source
// name. A nil sink disables emission.
func NewBaseActivities(source string, sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink, source: source}
}

// GetWorkflowContext extracts execution details from ctx. Outside an activity
// context it returns placeholder ids so activities can be called directly in
// tests.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext
	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx = WorkflowContext{WorkflowID: "local", RunID: "local", ActivityID: "local", Attempt: 1}
			}
		}()
		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()
	return wfCtx
}

// Emit builds and publishes a progress event for an iteration. Failures are
// logged, never returned.
func (b *BaseActivities) Emit(ctx context.Context, iterationID, eventType string, payload any) {
	if b.eventSink == nil {
		return
	}
	env, err := events.New(eventType, b.source, iterationID, payload)
	if err != nil {
		SafeLogError(ctx, "Failed to build event", "event_type", eventType, "error", err)
		return
	}
	wf := b.GetWorkflowContext(ctx)
	env.WorkflowID, env.RunID = wf.WorkflowID, wf.RunID
	b.EmitEventSafe(ctx, env, eventType)
}

// EmitEventSafe appends envelope with one short retry. Events feed observers
// and never fail the activity.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope, description string) {
	if b.eventSink == nil {
		return
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				SafeLogError(ctx, fmt.Sprintf("Event emission cancelled: %s", description),
					"event_type", envelope.Type)
				return
			}
		}
		if err := b.eventSink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}
		return
	}

	SafeLogError(ctx, fmt.Sprintf("Failed to emit %s after %d attempts", description, maxAttempts),
		"event_type", envelope.Type,
		"error", lastErr)
}

// RecordHeartbeat records a heartbeat; it is a no-op outside activities.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs at info through the activity logger. Outside an activity
// context the call is dropped.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError logs at error through the activity logger.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records activity progress; it is a no-op outside activities.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
