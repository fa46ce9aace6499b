// Package pipeline holds the checks every stage activity performs before and
// after its work: lease verification, failure classification and timing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/go-promptlab/internal/domain"
	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// Guard returns lease.ErrNotHeld (wrapped) unless token holds the
// iteration's lease.
func Guard(ctx context.Context, leases lease.Manager, iterationID, token string) error {
	if leases == nil {
		return nil
	}
	if err := leases.Check(ctx, lease.IterationKey(iterationID), token); err != nil {
		return fmt.Errorf("iteration %s: %w", iterationID, err)
	}
	return nil
}

// Classify maps an error onto an activity error type.
func Classify(err error) string {
	var budgetErr domain.BudgetExceededError
	switch {
	case errors.Is(err, lease.ErrNotHeld), errors.Is(err, lease.ErrHeld):
		return activity.ErrTypeLease
	case errors.As(err, &budgetErr):
		return activity.ErrTypeBudget
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidExperiment):
		return activity.ErrTypeValidation
	case errors.Is(err, store.ErrNotFound):
		return activity.ErrTypeNotFound
	}
	if _, ok := llmerrors.AsProviderError(err); ok {
		return activity.ErrTypeProvider
	}
	return activity.ErrTypeInternal
}

// Fail wraps err as a non-retryable activity error tagged by Classify.
func Fail(stage domain.Stage, err error) error {
	if err == nil {
		return nil
	}
	return activity.NonRetryable(Classify(err), err, fmt.Sprintf("%s failed: %v", stage, err))
}

// Observe records a stage's duration. Use with defer:
//
//	defer pipeline.Observe(m, domain.StageJudge, time.Now(), &err)
func Observe(m *metrics.Collector, stage domain.Stage, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	m.ObserveStage(stage, err, time.Since(start))
}

// Instruments bundles the metrics collector and tracer stage activities
// report to. The zero value records nothing.
type Instruments struct {
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Start opens a span for one stage invocation. The returned func ends the
// span and records the stage duration; pass it the activity's named error:
//
//	ctx, end := a.inst.Start(ctx, domain.StageJudge, in.IterationID)
//	defer func() { end(err) }()
func (i Instruments) Start(ctx context.Context, stage domain.Stage, iterationID string) (context.Context, func(error)) {
	tracer := i.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "stage."+string(stage),
		trace.WithAttributes(
			attribute.String("promptlab.stage", string(stage)),
			attribute.String("promptlab.iteration_id", iterationID),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Classify(err))
		}
		span.End()
		Observe(i.Metrics, stage, start, &err)
	}
}
