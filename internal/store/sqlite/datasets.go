package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// CreateDataset inserts a dataset row.
func (s *Store) CreateDataset(ctx context.Context, d domain.Dataset) error {
	if d.ID == "" {
		return fmt.Errorf("%w: dataset id is required", domain.ErrInvalidInput)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, project_id, name, created_at) VALUES (?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Name, toUnix(d.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("dataset %q: %w", d.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	return nil
}

// InsertCases stores cases in order. Cases whose input hash already exists in
// the dataset are skipped.
func (s *Store) InsertCases(ctx context.Context, datasetID string, cases []domain.DatasetCase) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO dataset_cases (id, dataset_id, input, tags, difficulty, input_hash)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare case insert: %w", err)
		}
		defer stmt.Close()

		for i := range cases {
			c := &cases[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.DatasetID = datasetID
			if c.InputHash == "" {
				if c.InputHash, err = domain.CanonicalInputHash(c.Input); err != nil {
					return err
				}
			}
			input, err := marshalJSON(c.Input)
			if err != nil {
				return err
			}
			tags, err := marshalJSON(domain.NormalizeTags(c.Tags))
			if err != nil {
				return err
			}

			res, err := stmt.ExecContext(ctx, c.ID, datasetID, input, tags, c.Difficulty, c.InputHash)
			if err != nil {
				return fmt.Errorf("failed to insert case: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const caseColumns = `id, dataset_id, input, tags, difficulty, input_hash`

func scanCase(row interface{ Scan(...any) error }) (domain.DatasetCase, error) {
	var (
		c     domain.DatasetCase
		input string
		tags  string
	)
	if err := row.Scan(&c.ID, &c.DatasetID, &input, &tags, &c.Difficulty, &c.InputHash); err != nil {
		return c, err
	}
	if err := unmarshalJSON(input, &c.Input); err != nil {
		return c, err
	}
	if err := unmarshalJSON(tags, &c.Tags); err != nil {
		return c, err
	}
	return c, nil
}

// ListCases returns the dataset's cases in insertion order.
func (s *Store) ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM dataset_cases WHERE dataset_id = ? ORDER BY rowid`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	var out []domain.DatasetCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cases: %w", err)
	}
	return out, nil
}

// GetCase loads a single case by id.
func (s *Store) GetCase(ctx context.Context, id string) (domain.DatasetCase, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM dataset_cases WHERE id = ?`, id))
	if err != nil {
		return domain.DatasetCase{}, notFound(err, "case", id)
	}
	return c, nil
}
