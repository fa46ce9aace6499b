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

// InsertOutput appends an output. A second output for the same (run, case)
// is ignored.
func (s *Store) InsertOutput(ctx context.Context, o *domain.Output) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	_, err := s.insertOutputStmt.ExecContext(ctx,
		o.ID, o.ModelRunID, o.CaseID, o.Text, o.PromptTokens, o.CompletionTokens,
		o.LatencyMs, boolInt(o.Cached), int64(o.CostMilliCents), toUnix(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert output: %w", err)
	}
	return nil
}

// ListOutputs returns a run's outputs in insertion order.
func (s *Store) ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_run_id, case_id, text, prompt_tokens, completion_tokens, latency_ms, cached, cost_millicents, created_at
		FROM outputs WHERE model_run_id = ? ORDER BY rowid`, modelRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	var out []domain.Output
	for rows.Next() {
		var (
			o         domain.Output
			cached    int
			cost      int64
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.ModelRunID, &o.CaseID, &o.Text, &o.PromptTokens, &o.CompletionTokens,
			&o.LatencyMs, &cached, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		o.Cached = cached == 1
		o.CostMilliCents = domain.MilliCents(cost)
		o.CreatedAt = fromUnix(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertJudgment appends a judgment.
func (s *Store) InsertJudgment(ctx context.Context, j *domain.Judgment) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now()
	}
	var scores, runIDs sql.NullString
	if j.Scores != nil {
		b, err := marshalJSON(j.Scores)
		if err != nil {
			return err
		}
		scores = sql.NullString{String: b, Valid: true}
	}
	if len(j.RunIDs) > 0 {
		b, err := marshalJSON(j.RunIDs)
		if err != nil {
			return err
		}
		runIDs = sql.NullString{String: b, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO judgments (id, output_id, judge_config_id, mode, scores, rationale, compared_output_id, run_ids, winner_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OutputID, j.JudgeConfigID, j.Mode, scores, j.Rationale, j.ComparedOutputID, runIDs, j.WinnerRunID,
		toUnix(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert judgment: %w", err)
	}
	return nil
}

// ListJudgments returns every judgment on outputs of the iteration.
func (s *Store) ListJudgments(ctx context.Context, iterationID string) ([]domain.Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.output_id, j.judge_config_id, j.mode, j.scores, j.rationale, j.compared_output_id,
			j.run_ids, j.winner_run_id, j.created_at
		FROM judgments j
		JOIN outputs o ON o.id = j.output_id
		JOIN model_runs r ON r.id = o.model_run_id
		WHERE r.iteration_id = ?
		ORDER BY j.rowid`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list judgments: %w", err)
	}
	defer rows.Close()

	var out []domain.Judgment
	for rows.Next() {
		var (
			j              domain.Judgment
			scores, runIDs sql.NullString
			createdAt      int64
		)
		if err := rows.Scan(&j.ID, &j.OutputID, &j.JudgeConfigID, &j.Mode, &scores, &j.Rationale,
			&j.ComparedOutputID, &runIDs, &j.WinnerRunID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan judgment: %w", err)
		}
		if scores.Valid {
			if err := unmarshalJSON(scores.String, &j.Scores); err != nil {
				return nil, err
			}
		}
		if runIDs.Valid {
			if err := unmarshalJSON(runIDs.String, &j.RunIDs); err != nil {
				return nil, err
			}
		}
		j.CreatedAt = fromUnix(createdAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// PutSafetyResult stores the report for an output, replacing any earlier one.
func (s *Store) PutSafetyResult(ctx context.Context, r domain.SafetyResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	report, err := marshalJSON(r.SafetyReport)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO safety_results (output_id, report, created_at) VALUES (?, ?, ?)
		ON CONFLICT (output_id) DO UPDATE SET report = excluded.report, created_at = excluded.created_at`,
		r.OutputID, report, toUnix(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save safety result: %w", err)
	}
	return nil
}

// ListSafetyResults returns the safety reports for outputs of the iteration.
func (s *Store) ListSafetyResults(ctx context.Context, iterationID string) ([]domain.SafetyResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.output_id, sr.report, sr.created_at
		FROM safety_results sr
		JOIN outputs o ON o.id = sr.output_id
		JOIN model_runs r ON r.id = o.model_run_id
		WHERE r.iteration_id = ?
		ORDER BY sr.rowid`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list safety results: %w", err)
	}
	defer rows.Close()

	var out []domain.SafetyResult
	for rows.Next() {
		var (
			r         domain.SafetyResult
			report    string
			createdAt int64
		)
		if err := rows.Scan(&r.OutputID, &report, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan safety result: %w", err)
		}
		if err := unmarshalJSON(report, &r.SafetyReport); err != nil {
			return nil, err
		}
		r.CreatedAt = fromUnix(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateSuggestion stores a pending suggestion. Only one suggestion per
// experiment may be pending; a second returns ErrConflict.
func (s *Store) CreateSuggestion(ctx context.Context, sg *domain.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = now()
	}
	if sg.Status == "" {
		sg.Status = domain.SuggestionPending
	}
	criteria, err := marshalJSON(sg.TargetCriteria)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, experiment_id, iteration_id, prompt_version_id, diff, note, target_criteria, status, created_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.ExperimentID, sg.IterationID, sg.PromptVersionID, sg.Diff, sg.Note, criteria, sg.Status,
		toUnix(sg.CreatedAt), nullUnix(sg.ReviewedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("suggestion for experiment %q: %w", sg.ExperimentID, ErrConflict)
		}
		return fmt.Errorf("failed to insert suggestion: %w", err)
	}
	return nil
}

const suggestionColumns = `id, experiment_id, iteration_id, prompt_version_id, diff, note, target_criteria, status, created_at, reviewed_at`

func scanSuggestion(row interface{ Scan(...any) error }) (*domain.Suggestion, error) {
	var (
		sg        domain.Suggestion
		criteria  string
		createdAt int64
		reviewed  sql.NullInt64
	)
	if err := row.Scan(&sg.ID, &sg.ExperimentID, &sg.IterationID, &sg.PromptVersionID, &sg.Diff, &sg.Note,
		&criteria, &sg.Status, &createdAt, &reviewed); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(criteria, &sg.TargetCriteria); err != nil {
		return nil, err
	}
	sg.CreatedAt = fromUnix(createdAt)
	sg.ReviewedAt = fromNullUnix(reviewed)
	return &sg, nil
}

// GetSuggestion loads a suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error) {
	sg, err := scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "suggestion", id)
	}
	return sg, nil
}

// PendingSuggestion returns the experiment's pending suggestion.
func (s *Store) PendingSuggestion(ctx context.Context, experimentID string) (*domain.Suggestion, error) {
	sg, err := scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE experiment_id = ? AND status = 'pending'`, experimentID))
	if err != nil {
		return nil, notFound(err, "pending suggestion of experiment", experimentID)
	}
	return sg, nil
}

// SetSuggestionStatus records a review decision on a pending suggestion.
func (s *Store) SetSuggestionStatus(ctx context.Context, id string, status domain.SuggestionStatus, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return claimSuggestion(ctx, tx, id, status, at)
	})
}

// ApproveSuggestion marks a pending suggestion approved and inserts the
// prompt version it produced and the iteration that evaluates that version.
// Either all three writes land or none does.
func (s *Store) ApproveSuggestion(ctx context.Context, id string, at time.Time, version *domain.PromptVersion, it *domain.Iteration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := claimSuggestion(ctx, tx, id, domain.SuggestionApproved, at); err != nil {
			return err
		}
		if err := insertPromptVersion(ctx, tx, version); err != nil {
			return err
		}
		it.PromptVersionID = version.ID
		return insertIteration(ctx, tx, it)
	})
}

func claimSuggestion(ctx context.Context, tx *sql.Tx, id string, status domain.SuggestionStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE suggestions SET status = ?, reviewed_at = ? WHERE id = ? AND status = 'pending'`,
		status, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM suggestions WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check suggestion: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("suggestion %q: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("suggestion %q: %w", id, store.ErrSuggestionReviewed)
}
