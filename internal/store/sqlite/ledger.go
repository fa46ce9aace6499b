package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/store"
)

// PutCredential inserts or replaces a credential.
func (s *Store) PutCredential(ctx context.Context, c domain.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, project_id, provider, label, secret, active, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			secret = excluded.secret,
			active = excluded.active,
			deleted = excluded.deleted`,
		c.ID, c.ProjectID, c.Provider, c.Label, c.Secret, boolInt(c.Active), boolInt(c.Deleted), toUnix(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LookupCredential returns the newest active, non-deleted credential matching
// exactly (project, provider, label).
func (s *Store) LookupCredential(ctx context.Context, projectID, provider, label string) (domain.Credential, error) {
	var (
		c         domain.Credential
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, provider, label, secret, created_at FROM credentials
		WHERE project_id = ? AND provider = ? AND label = ? AND active = 1 AND deleted = 0
		ORDER BY created_at DESC LIMIT 1`,
		projectID, provider, label,
	).Scan(&c.ID, &c.ProjectID, &c.Provider, &c.Label, &c.Secret, &createdAt)
	if err != nil {
		return domain.Credential{}, notFound(err, "credential", provider+"/"+label)
	}
	c.Active = true
	c.CreatedAt = fromUnix(createdAt)
	return c, nil
}

// AppendCost writes a ledger entry. Entries are never updated.
func (s *Store) AppendCost(ctx context.Context, e domain.CostEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := s.appendCostStmt.ExecContext(ctx,
		e.ID, e.ProjectID, e.ExperimentID, e.IterationID, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, int64(e.CostMilliCents), toUnix(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append cost: %w", err)
	}
	return nil
}

// SpendByExperiment sums the experiment's ledger.
func (s *Store) SpendByExperiment(ctx context.Context, experimentID string) (domain.MilliCents, error) {
	return s.sumSpend(ctx, `SELECT COALESCE(SUM(cost_millicents), 0) FROM cost_entries WHERE experiment_id = ?`, experimentID)
}

// SpendByProject sums the project's ledger.
func (s *Store) SpendByProject(ctx context.Context, projectID string) (domain.MilliCents, error) {
	return s.sumSpend(ctx, `SELECT COALESCE(SUM(cost_millicents), 0) FROM cost_entries WHERE project_id = ?`, projectID)
}

func (s *Store) sumSpend(ctx context.Context, query, id string) (domain.MilliCents, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return domain.MilliCents(total), nil
}

var _ store.CostLedger = (*Store)(nil)
