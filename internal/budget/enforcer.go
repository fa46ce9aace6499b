// Package budget vetoes spend-incurring calls once an experiment or project
// reaches its ceiling.
//
// Recorded spend comes from the cost ledger. Spend incurred by runs that have
// not yet written their ledger entry is tracked in memory as in-flight, so a
// run cannot overshoot by the cost of its own unsettled calls. In-flight
// spend is local to one worker process; concurrent runs on other workers
// become visible once they settle to the ledger.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/store"
)

// Config holds project ceilings. Zero means unlimited.
type Config struct {
	DefaultProjectLimit domain.Cents            `yaml:"default_project_limit" validate:"min=0"`
	ProjectLimits       map[string]domain.Cents `yaml:"project_limits" validate:"dive,min=0"`
}

// Scope identifies the ceilings one account is checked against.
type Scope struct {
	ProjectID    string
	ExperimentID string
	// ExperimentLimit is the experiment's stop-rule budget. Zero means unlimited.
	ExperimentLimit domain.Cents
}

// Status reports the headroom of one ceiling, shaped after a tracker check.
type Status struct {
	Allowed   bool
	Scope     domain.BudgetScope
	Limit     domain.MilliCents
	Spent     domain.MilliCents
	InFlight  domain.MilliCents
	Projected domain.MilliCents
}

// Enforcer checks ledger spend plus in-flight spend against ceilings.
type Enforcer struct {
	ledger  store.CostLedger
	cfg     Config
	metrics *metrics.Collector
	logger  *slog.Logger

	mu               sync.Mutex
	inFlightExp      map[string]domain.MilliCents
	inFlightProjects map[string]domain.MilliCents
}

// NewEnforcer creates an enforcer over ledger.
func NewEnforcer(ledger store.CostLedger, cfg Config, m *metrics.Collector) *Enforcer {
	return &Enforcer{
		ledger:           ledger,
		cfg:              cfg,
		metrics:          m,
		logger:           slog.Default().With("component", "budget"),
		inFlightExp:      make(map[string]domain.MilliCents),
		inFlightProjects: make(map[string]domain.MilliCents),
	}
}

// Open starts an account for one spend-incurring unit of work, typically a
// model run or a judge pass. Close must be called once its spend has been
// written to the ledger or abandoned.
func (e *Enforcer) Open(scope Scope) *Account {
	return &Account{enforcer: e, scope: scope}
}

// ProjectLimit returns the ceiling configured for a project.
func (e *Enforcer) ProjectLimit(projectID string) domain.Cents {
	if l, ok := e.cfg.ProjectLimits[projectID]; ok {
		return l
	}
	return e.cfg.DefaultProjectLimit
}

// Check evaluates both ceilings for scope without opening an account.
// projected is the estimated cost of the call about to be made.
func (e *Enforcer) Check(ctx context.Context, scope Scope, projected domain.MilliCents) error {
	_, err := e.check(ctx, scope, projected)
	return err
}

// ExperimentStatus reports the experiment ceiling's headroom.
func (e *Enforcer) ExperimentStatus(ctx context.Context, scope Scope) (Status, error) {
	spent, err := e.ledger.SpendByExperiment(ctx, scope.ExperimentID)
	if err != nil {
		return Status{}, fmt.Errorf("experiment spend: %w", err)
	}
	e.mu.Lock()
	inFlight := e.inFlightExp[scope.ExperimentID]
	e.mu.Unlock()
	return evaluate(domain.BudgetExperiment, scope.ExperimentLimit.MilliCents(), spent, inFlight, 0), nil
}

func (e *Enforcer) check(ctx context.Context, scope Scope, projected domain.MilliCents) (Status, error) {
	st, err := e.ExperimentStatus(ctx, scope)
	if err != nil {
		return Status{}, err
	}
	st = evaluate(st.Scope, st.Limit, st.Spent, st.InFlight, projected)
	if !st.Allowed {
		return st, e.veto(scope.ExperimentID, st)
	}

	projectLimit := e.ProjectLimit(scope.ProjectID)
	if projectLimit <= 0 || scope.ProjectID == "" {
		return st, nil
	}
	spent, err := e.ledger.SpendByProject(ctx, scope.ProjectID)
	if err != nil {
		return Status{}, fmt.Errorf("project spend: %w", err)
	}
	e.mu.Lock()
	inFlight := e.inFlightProjects[scope.ProjectID]
	e.mu.Unlock()
	pst := evaluate(domain.BudgetProject, projectLimit.MilliCents(), spent, inFlight, projected)
	if !pst.Allowed {
		return pst, e.veto(scope.ProjectID, pst)
	}
	return st, nil
}

// evaluate allows spend while recorded plus in-flight spend is below the
// ceiling and the projected call fits under it. A zero limit never vetoes.
func evaluate(scope domain.BudgetScope, limit, spent, inFlight, projected domain.MilliCents) Status {
	committed := spent + inFlight
	return Status{
		Allowed:   limit <= 0 || (committed < limit && committed+projected <= limit),
		Scope:     scope,
		Limit:     limit,
		Spent:     spent,
		InFlight:  inFlight,
		Projected: projected,
	}
}

func (e *Enforcer) veto(id string, st Status) error {
	e.metrics.BudgetVeto(st.Scope)
	e.logger.Info("spend vetoed",
		"scope", st.Scope.String(),
		"scope_id", id,
		"limit_millicents", st.Limit,
		"spent_millicents", st.Spent,
		"in_flight_millicents", st.InFlight,
		"projected_millicents", st.Projected,
	)
	return domain.NewBudgetExceededError(st.Scope, id, st.Limit, st.Spent, st.InFlight)
}

func (e *Enforcer) charge(scope Scope, amount domain.MilliCents) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlightExp[scope.ExperimentID] += amount
	if scope.ProjectID != "" {
		e.inFlightProjects[scope.ProjectID] += amount
	}
}

func (e *Enforcer) release(scope Scope, amount domain.MilliCents) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v := e.inFlightExp[scope.ExperimentID] - amount; v > 0 {
		e.inFlightExp[scope.ExperimentID] = v
	} else {
		delete(e.inFlightExp, scope.ExperimentID)
	}
	if scope.ProjectID == "" {
		return
	}
	if v := e.inFlightProjects[scope.ProjectID] - amount; v > 0 {
		e.inFlightProjects[scope.ProjectID] = v
	} else {
		delete(e.inFlightProjects, scope.ProjectID)
	}
}

// Account accumulates the unsettled spend of one unit of work. It is safe
// for concurrent use by the unit's workers.
type Account struct {
	enforcer *Enforcer
	scope    Scope

	mu     sync.Mutex
	spent  domain.MilliCents
	closed bool
}

// Check returns a domain.BudgetExceededError if the next call, estimated at
// projected, must not start.
func (a *Account) Check(ctx context.Context, projected domain.MilliCents) error {
	_, err := a.enforcer.check(ctx, a.scope, projected)
	return err
}

// Charge records spend incurred by a completed call.
func (a *Account) Charge(amount domain.MilliCents) {
	if amount <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.spent += amount
	a.enforcer.charge(a.scope, amount)
}

// Spent returns the account's accumulated spend.
func (a *Account) Spent() domain.MilliCents {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent
}

// Close releases the account's in-flight spend. It is idempotent.
func (a *Account) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.enforcer.release(a.scope, a.spent)
}
