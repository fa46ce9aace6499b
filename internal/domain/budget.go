package domain

import "fmt"

const unknownBudgetScope = "unknown"

// BudgetScope identifies which spend ceiling a budget check ran against.
type BudgetScope uint8

const (
	// BudgetExperiment is the per-experiment ceiling from the stop rules.
	BudgetExperiment BudgetScope = iota

	// BudgetProject is an optional ceiling shared by every experiment in a project.
	BudgetProject
)

// String returns the string representation of a BudgetScope.
func (b BudgetScope) String() string {
	switch b {
	case BudgetExperiment:
		return "experiment"
	case BudgetProject:
		return "project"
	default:
		return unknownBudgetScope
	}
}

// BudgetExceededError indicates that a spend-incurring call was vetoed because
// recorded plus in-flight spend already reached the ceiling.
type BudgetExceededError struct {
	// Scope indicates which ceiling was hit.
	Scope BudgetScope

	// ScopeID is the experiment or project identifier.
	ScopeID string

	// Limit is the configured ceiling.
	Limit MilliCents

	// Spent is the spend already written to the ledger.
	Spent MilliCents

	// InFlight is spend incurred by runs that have not settled to the ledger yet.
	InFlight MilliCents
}

// Error returns a formatted error message describing the budget violation.
func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s %s: limit=%s, spent=%s, in_flight=%s",
		e.Scope, e.ScopeID, e.Limit, e.Spent, e.InFlight)
}

// OverBy returns how far total spend is past the ceiling.
func (e BudgetExceededError) OverBy() MilliCents { return e.Spent + e.InFlight - e.Limit }

// NewBudgetExceededError creates a new budget exceeded error with detailed context.
func NewBudgetExceededError(scope BudgetScope, id string, limit, spent, inFlight MilliCents) BudgetExceededError {
	return BudgetExceededError{
		Scope:    scope,
		ScopeID:  id,
		Limit:    limit,
		Spent:    spent,
		InFlight: inFlight,
	}
}
