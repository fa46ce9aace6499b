package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-promptlab/pkg/events"
)

type flakySink struct {
	failures int
	got      []events.Envelope
}

func (f *flakySink) Append(_ context.Context, e events.Envelope) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("unavailable")
	}
	f.got = append(f.got, e)
	return nil
}

func TestGetWorkflowContext_OutsideActivity(t *testing.T) {
	b := NewBaseActivities("test", nil)
	wf := b.GetWorkflowContext(context.Background())
	assert.Equal(t, "local", wf.WorkflowID)
	assert.Equal(t, int32(1), wf.Attempt)
}

func TestEmit_RetriesOnce(t *testing.T) {
	sink := &flakySink{failures: 1}
	b := NewBaseActivities("execute", sink)

	b.Emit(context.Background(), "it-1", "modelRun:progress", map[string]int{"done": 1})
	require.Len(t, sink.got, 1)
	assert.Equal(t, "execute", sink.got[0].Source)
	assert.Equal(t, "it-1", sink.got[0].IterationID)
	assert.Equal(t, "local", sink.got[0].WorkflowID)
}

func TestEmit_GivesUpQuietly(t *testing.T) {
	sink := &flakySink{failures: 5}
	b := NewBaseActivities("execute", sink)
	assert.NotPanics(t, func() { b.Emit(context.Background(), "it-1", "status", nil) })
	assert.Empty(t, sink.got)

	var none BaseActivities
	assert.NotPanics(t, func() { none.Emit(context.Background(), "it-1", "status", nil) })
}

func TestNonRetryable(t *testing.T) {
	cause := errors.New("lease lost")
	err := NonRetryable(ErrTypeLease, cause, "stage refused")

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, ErrTypeLease, ErrorType(err))
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, ErrorType(cause))
}

func TestSafeHelpersOutsideActivity(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeLog(context.Background(), "hello")
		SafeLogError(context.Background(), "oops")
		RecordHeartbeat(context.Background(), 1)
	})
}
