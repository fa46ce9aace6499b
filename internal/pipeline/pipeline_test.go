package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ahrav/go-promptlab/internal/domain"
	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

func TestGuard(t *testing.T) {
	m := lease.NewMemoryManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, lease.IterationKey("it-1"), "run-a", time.Minute))

	assert.NoError(t, Guard(ctx, m, "it-1", "run-a"))
	assert.ErrorIs(t, Guard(ctx, m, "it-1", "run-b"), lease.ErrNotHeld)
	assert.ErrorIs(t, Guard(ctx, m, "it-2", "run-a"), lease.ErrNotHeld)
	assert.NoError(t, Guard(ctx, nil, "it-2", "run-a"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", lease.ErrNotHeld), activity.ErrTypeLease},
		{domain.NewBudgetExceededError(domain.BudgetExperiment, "e", 1, 1, 0), activity.ErrTypeBudget},
		{fmt.Errorf("%w: bad", domain.ErrInvalidInput), activity.ErrTypeValidation},
		{fmt.Errorf("run: %w", store.ErrNotFound), activity.ErrTypeNotFound},
		{&llmerrors.ProviderError{Provider: "openai", StatusCode: 500}, activity.ErrTypeProvider},
		{errors.New("disk full"), activity.ErrTypeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestFail(t *testing.T) {
	assert.NoError(t, Fail(domain.StageJudge, nil))
	err := Fail(domain.StageJudge, lease.ErrNotHeld)
	assert.Equal(t, activity.ErrTypeLease, activity.ErrorType(err))
	assert.ErrorIs(t, err, lease.ErrNotHeld)
}

func TestInstruments_Start(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	inst := Instruments{Metrics: metrics.New(), Tracer: tp.Tracer("test")}

	_, end := inst.Start(context.Background(), domain.StageJudge, "it-1")
	end(nil)
	_, end = inst.Start(context.Background(), domain.StageAggregate, "it-1")
	end(fmt.Errorf("load: %w", store.ErrNotFound))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "stage.judge", spans[0].Name)
	assert.Equal(t, "stage.aggregate", spans[1].Name)
	assert.Equal(t, activity.ErrTypeNotFound, spans[1].Status.Description)

	// The zero value must be usable.
	_, end = Instruments{}.Start(context.Background(), domain.StageRefine, "it-1")
	end(errors.New("boom"))
}
