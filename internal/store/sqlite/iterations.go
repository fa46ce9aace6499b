package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/store"
)

// CreateIteration inserts it with the next sequence number for its experiment.
func (s *Store) CreateIteration(ctx context.Context, it *domain.Iteration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertIteration(ctx, tx, it)
	})
}

func insertIteration(ctx context.Context, tx *sql.Tx, it *domain.Iteration) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = domain.StatusExecuting
	}
	ts := now()
	it.CreatedAt, it.UpdatedAt = ts, ts

	var latest int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM iterations WHERE experiment_id = ?`,
		it.ExperimentID).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest sequence: %w", err)
	}
	it.Sequence = latest + 1

	_, err := tx.ExecContext(ctx, `
		INSERT INTO iterations (id, experiment_id, prompt_version_id, sequence, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ExperimentID, it.PromptVersionID, it.Sequence, it.Status, toUnix(ts), toUnix(ts))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("iteration %q: %w", it.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert iteration: %w", err)
	}
	return nil
}

// GetIteration loads an iteration including its metrics snapshot.
func (s *Store) GetIteration(ctx context.Context, id string) (*domain.Iteration, error) {
	var (
		it                   domain.Iteration
		metrics              sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, prompt_version_id, sequence, status, last_stage, error, metrics, created_at, updated_at
		FROM iterations WHERE id = ?`, id,
	).Scan(&it.ID, &it.ExperimentID, &it.PromptVersionID, &it.Sequence, &it.Status, &it.LastStage, &it.Error,
		&metrics, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err, "iteration", id)
	}
	if metrics.Valid {
		it.Metrics = &domain.Metrics{}
		if err := unmarshalJSON(metrics.String, it.Metrics); err != nil {
			return nil, err
		}
	}
	it.CreatedAt = fromUnix(createdAt)
	it.UpdatedAt = fromUnix(updatedAt)
	return &it, nil
}

// UpdateIterationStatus records a lifecycle transition. An empty lastStage
// keeps the previously recorded stage.
func (s *Store) UpdateIterationStatus(ctx context.Context, id string, status domain.IterationStatus, lastStage domain.Stage, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE iterations SET
			status = ?,
			last_stage = CASE WHEN ? = '' THEN last_stage ELSE ? END,
			error = ?,
			updated_at = ?
		WHERE id = ?`,
		status, lastStage, lastStage, errText, toUnix(now()), id)
	if err != nil {
		return fmt.Errorf("failed to update iteration status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("iteration %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetIterationMetrics writes the metrics snapshot exactly once.
func (s *Store) SetIterationMetrics(ctx context.Context, id string, m domain.Metrics) error {
	body, err := marshalJSON(m)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE iterations SET metrics = ?, composite = ?, updated_at = ?
			WHERE id = ? AND metrics IS NULL`,
			body, m.Composite, toUnix(now()), id)
		if err != nil {
			return fmt.Errorf("failed to set metrics: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check iteration: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("iteration %q: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("iteration %q: %w", id, store.ErrMetricsAlreadySet)
	})
}

// CountIterations returns how many iterations the experiment has started.
func (s *Store) CountIterations(ctx context.Context, experimentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM iterations WHERE experiment_id = ?`, experimentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count iterations: %w", err)
	}
	return n, nil
}

// ScoreHistory returns aggregated composite scores ordered by sequence.
func (s *Store) ScoreHistory(ctx context.Context, experimentID string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT composite FROM iterations
		WHERE experiment_id = ? AND composite IS NOT NULL
		ORDER BY sequence`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load score history: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateModelRun inserts a RUNNING model run.
func (s *Store) CreateModelRun(ctx context.Context, r *domain.ModelRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now()
	}
	r.Status = domain.RunRunning

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_runs (id, iteration_id, model_config_id, provider, model, status, cases_total, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.IterationID, r.ModelConfigID, r.Provider, r.Model, r.Status, r.CasesTotal, toUnix(r.StartedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("model run %q: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert model run: %w", err)
	}
	return nil
}

const runColumns = `id, iteration_id, model_config_id, provider, model, status, prompt_tokens, completion_tokens,
	cost_millicents, cases_total, cases_done, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (domain.ModelRun, error) {
	var (
		r         domain.ModelRun
		cost      int64
		startedAt int64
		finished  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.IterationID, &r.ModelConfigID, &r.Provider, &r.Model, &r.Status,
		&r.PromptTokens, &r.CompletionTokens, &cost, &r.CasesTotal, &r.CasesDone, &r.Error, &startedAt, &finished)
	if err != nil {
		return r, err
	}
	r.CostMilliCents = domain.MilliCents(cost)
	r.StartedAt = fromUnix(startedAt)
	r.FinishedAt = fromNullUnix(finished)
	return r, nil
}

// GetModelRun loads a model run by id.
func (s *Store) GetModelRun(ctx context.Context, id string) (*domain.ModelRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM model_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "model run", id)
	}
	return &r, nil
}

// ListModelRuns returns the iteration's runs in creation order.
func (s *Store) ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM model_runs WHERE iteration_id = ? ORDER BY rowid`, iterationID)
}

// ListStaleRuns returns RUNNING runs started before the cutoff.
func (s *Store) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]domain.ModelRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM model_runs WHERE status = 'RUNNING' AND started_at < ? ORDER BY started_at`,
		toUnix(startedBefore))
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.ModelRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list model runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ModelRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRunProgress advances the run's case counter. The counter never moves
// backwards.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, casesDone, casesTotal int) error {
	if _, err := s.progressStmt.ExecContext(ctx, casesDone, casesTotal, id); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// CompleteModelRun finalizes a RUNNING run and appends its ledger entry
// atomically.
func (s *Store) CompleteModelRun(ctx context.Context, id string, totals domain.RunTotals, cost domain.CostEntry) error {
	if cost.ID == "" {
		cost.ID = uuid.NewString()
	}
	ts := now()
	if cost.CreatedAt.IsZero() {
		cost.CreatedAt = ts
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE model_runs SET
				status = ?, prompt_tokens = ?, completion_tokens = ?, cost_millicents = ?,
				cases_total = ?, cases_done = ?, finished_at = ?
			WHERE id = ? AND status = 'RUNNING'`,
			domain.RunCompleted, totals.PromptTokens, totals.CompletionTokens, int64(totals.CostMilliCents),
			totals.CasesTotal, totals.CasesDone, toUnix(ts), id)
		if err != nil {
			return fmt.Errorf("failed to complete model run: %w", err)
		}
		if err := runTransitioned(ctx, tx, res, id); err != nil {
			return err
		}

		_, err = tx.StmtContext(ctx, s.appendCostStmt).ExecContext(ctx,
			cost.ID, cost.ProjectID, cost.ExperimentID, cost.IterationID, cost.Provider, cost.Model,
			cost.PromptTokens, cost.CompletionTokens, int64(cost.CostMilliCents), toUnix(cost.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append run cost: %w", err)
		}
		return nil
	})
}

// FailModelRun marks a RUNNING run FAILED with reason and settles the spend
// of the outputs it produced: the run row takes the output totals and one
// ledger entry is appended when any tokens or cost were incurred.
func (s *Store) FailModelRun(ctx context.Context, id, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			totals       domain.RunTotals
			cost         int64
			projectID    string
			experimentID string
			iterationID  string
			provider     string
			model        string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(o.prompt_tokens), 0), COALESCE(SUM(o.completion_tokens), 0),
				COALESCE(SUM(o.cost_millicents), 0), COUNT(o.id)
			FROM outputs o WHERE o.model_run_id = ?`, id,
		).Scan(&totals.PromptTokens, &totals.CompletionTokens, &cost, &totals.CasesDone)
		if err != nil {
			return fmt.Errorf("failed to total run outputs: %w", err)
		}
		totals.CostMilliCents = domain.MilliCents(cost)

		res, err := tx.ExecContext(ctx, `
			UPDATE model_runs SET
				status = ?, error = ?, finished_at = ?,
				prompt_tokens = ?, completion_tokens = ?, cost_millicents = ?,
				cases_done = MAX(cases_done, ?)
			WHERE id = ? AND status = 'RUNNING'`,
			domain.RunFailed, reason, toUnix(now()),
			totals.PromptTokens, totals.CompletionTokens, cost, totals.CasesDone, id)
		if err != nil {
			return fmt.Errorf("failed to fail model run: %w", err)
		}
		if err := runTransitioned(ctx, tx, res, id); err != nil {
			return err
		}
		if cost == 0 && totals.PromptTokens == 0 && totals.CompletionTokens == 0 {
			return nil
		}

		err = tx.QueryRowContext(ctx, `
			SELECT e.project_id, e.id, r.iteration_id, r.provider, r.model
			FROM model_runs r
			JOIN iterations i ON i.id = r.iteration_id
			JOIN experiments e ON e.id = i.experiment_id
			WHERE r.id = ?`, id,
		).Scan(&projectID, &experimentID, &iterationID, &provider, &model)
		if err != nil {
			return fmt.Errorf("failed to resolve run scope: %w", err)
		}
		_, err = tx.StmtContext(ctx, s.appendCostStmt).ExecContext(ctx,
			uuid.NewString(), projectID, experimentID, iterationID, provider, model,
			totals.PromptTokens, totals.CompletionTokens, cost, toUnix(now()))
		if err != nil {
			return fmt.Errorf("failed to append run cost: %w", err)
		}
		return nil
	})
}

// runTransitioned distinguishes a missing run from one already finalized when
// a guarded update touched no rows.
func runTransitioned(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM model_runs WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check model run: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("model run %q: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("model run %q: %w", id, store.ErrRunFinalized)
}
