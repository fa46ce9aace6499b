// Package reaper fails model runs whose worker died and schedules the
// periodic maintenance jobs a worker process runs.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/events"
)

// Reason is recorded on runs the reaper fails.
const Reason = "timeout: run exceeded its wall-clock ceiling"

// Store is the persistence the reaper needs.
type Store interface {
	ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]domain.ModelRun, error)
	FailModelRun(ctx context.Context, id, reason string) error
}

// Reaper fails RUNNING runs older than a ceiling.
type Reaper struct {
	store   Store
	ceiling time.Duration
	sink    events.EventSink
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a reaper. Runs started more than ceiling ago are failed.
func New(s Store, ceiling time.Duration, sink events.EventSink, m *metrics.Collector, logger *slog.Logger) *Reaper {
	if sink == nil {
		sink = events.NoOpEventSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:   s,
		ceiling: ceiling,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "reaper"),
		now:     time.Now,
	}
}

// Sweep fails every stale run and returns how many it failed. Runs that
// finish concurrently are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ceiling)
	runs, err := r.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	reaped := 0
	var errs []error
	for _, run := range runs {
		if err := r.store.FailModelRun(ctx, run.ID, Reason); err != nil {
			if errors.Is(err, store.ErrRunFinalized) {
				continue
			}
			errs = append(errs, fmt.Errorf("fail run %s: %w", run.ID, err))
			continue
		}
		reaped++
		r.metrics.RunFinished(domain.RunFailed)
		r.logger.WarnContext(ctx, "reaped stale model run",
			"model_run_id", run.ID,
			"iteration_id", run.IterationID,
			"started_at", run.StartedAt)

		env, err := events.New(domain.EventRunFailed, "reaper", run.IterationID, domain.RunFinishedEvent{
			ModelRunID: run.ID,
			Status:     domain.RunFailed,
			Error:      Reason,
		})
		if err == nil {
			err = r.sink.Append(ctx, env)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "failed to emit reap event", "model_run_id", run.ID, "error", err)
		}
	}
	return reaped, errors.Join(errs...)
}
