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

// experimentConfig is the mutable part of an experiment, stored as one JSON
// column.
type experimentConfig struct {
	Goal       string               `json:"goal"`
	Rubric     domain.Rubric        `json:"rubric"`
	StopRules  domain.StopRules     `json:"stop_rules"`
	Safety     domain.SafetyConfig  `json:"safety"`
	Models     []domain.ModelConfig `json:"models"`
	Judges     []domain.JudgeConfig `json:"judges"`
	Refiner    domain.RefinerConfig `json:"refiner"`
	DatasetID  string               `json:"dataset_id"`
	RunTimeout int64                `json:"run_timeout_ns"`
}

func configOf(e *domain.Experiment) experimentConfig {
	return experimentConfig{
		Goal:       e.Goal,
		Rubric:     e.Rubric,
		StopRules:  e.StopRules,
		Safety:     e.Safety,
		Models:     e.Models,
		Judges:     e.Judges,
		Refiner:    e.Refiner,
		DatasetID:  e.DatasetID,
		RunTimeout: int64(e.RunTimeout),
	}
}

// CreateExperiment validates and inserts an experiment, assigning an id when
// none is set.
func (s *Store) CreateExperiment(ctx context.Context, e *domain.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	cfg, err := marshalJSON(configOf(e))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, project_id, name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Name, cfg, toUnix(e.CreatedAt), toUnix(e.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("experiment %q: %w", e.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

// GetExperiment loads an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	var (
		e         domain.Experiment
		cfgJSON   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, config, created_at FROM experiments WHERE id = ?`, id,
	).Scan(&e.ID, &e.ProjectID, &e.Name, &cfgJSON, &createdAt)
	if err != nil {
		return nil, notFound(err, "experiment", id)
	}

	var cfg experimentConfig
	if err := unmarshalJSON(cfgJSON, &cfg); err != nil {
		return nil, err
	}
	e.Goal = cfg.Goal
	e.Rubric = cfg.Rubric
	e.StopRules = cfg.StopRules
	e.Safety = cfg.Safety
	e.Models = cfg.Models
	e.Judges = cfg.Judges
	e.Refiner = cfg.Refiner
	e.DatasetID = cfg.DatasetID
	e.RunTimeout = time.Duration(cfg.RunTimeout)
	e.CreatedAt = fromUnix(createdAt)
	return &e, nil
}

// UpdateExperimentConfig replaces the experiment's configuration unless an
// iteration is still in flight.
func (s *Store) UpdateExperimentConfig(ctx context.Context, e *domain.Experiment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	cfg, err := marshalJSON(configOf(e))
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM iterations
			WHERE experiment_id = ? AND status NOT IN (?, ?)`,
			e.ID, domain.StatusDone, domain.StatusFailed,
		).Scan(&active); err != nil {
			return fmt.Errorf("failed to count active iterations: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("experiment %q: %w", e.ID, domain.ErrConfigLocked)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE experiments SET name = ?, config = ?, updated_at = ? WHERE id = ?`,
			e.Name, cfg, toUnix(now()), e.ID)
		if err != nil {
			return fmt.Errorf("failed to update experiment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("experiment %q: %w", e.ID, store.ErrNotFound)
		}
		return nil
	})
}

// CreatePromptVersion inserts p with the next version number for its
// experiment.
func (s *Store) CreatePromptVersion(ctx context.Context, p *domain.PromptVersion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertPromptVersion(ctx, tx, p)
	})
}

func insertPromptVersion(ctx context.Context, tx *sql.Tx, p *domain.PromptVersion) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	fewShot, err := marshalJSON(p.FewShot)
	if err != nil {
		return err
	}
	var tool sql.NullString
	if len(p.ToolSchema) > 0 {
		tool = sql.NullString{String: string(p.ToolSchema), Valid: true}
	}

	var latest int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE experiment_id = ?`,
		p.ExperimentID).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	p.Version = latest + 1
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prompt_versions (id, experiment_id, version, text, system_text, few_shot, tool_schema, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ExperimentID, p.Version, p.Text, p.SystemText, fewShot, tool, toUnix(p.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("prompt version %d of %q: %w", p.Version, p.ExperimentID, ErrConflict)
		}
		return fmt.Errorf("failed to insert prompt version: %w", err)
	}
	return nil
}

const promptColumns = `id, experiment_id, version, text, system_text, few_shot, tool_schema, created_at`

func scanPrompt(row interface{ Scan(...any) error }) (*domain.PromptVersion, error) {
	var (
		p         domain.PromptVersion
		fewShot   string
		tool      sql.NullString
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.ExperimentID, &p.Version, &p.Text, &p.SystemText, &fewShot, &tool, &createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fewShot, &p.FewShot); err != nil {
		return nil, err
	}
	if tool.Valid {
		p.ToolSchema = []byte(tool.String)
	}
	p.CreatedAt = fromUnix(createdAt)
	return &p, nil
}

// GetPromptVersion loads a prompt version by id.
func (s *Store) GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "prompt version", id)
	}
	return p, nil
}

// LatestPromptVersion returns the highest version of the experiment's prompt.
func (s *Store) LatestPromptVersion(ctx context.Context, experimentID string) (*domain.PromptVersion, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE experiment_id = ? ORDER BY version DESC LIMIT 1`,
		experimentID))
	if err != nil {
		return nil, notFound(err, "latest prompt version of experiment", experimentID)
	}
	return p, nil
}
