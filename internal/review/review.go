// Package review applies the human decision on a pending suggestion.
//
// Approval patches the suggestion's prompt version into a new version,
// creates the next iteration on it and launches that iteration. Rejection
// only records the verdict. A suggestion is reviewed at most once.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-promptlab/internal/diff"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/store"
)

// ErrInvalidDecision is returned for decisions other than approve or reject.
var ErrInvalidDecision = errors.New("decision must be approve or reject")

// Store is the persistence review needs.
type Store interface {
	GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error)
	SetSuggestionStatus(ctx context.Context, id string, status domain.SuggestionStatus, at time.Time) error
	ApproveSuggestion(ctx context.Context, id string, at time.Time, version *domain.PromptVersion, it *domain.Iteration) error
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	GetPromptVersion(ctx context.Context, id string) (*domain.PromptVersion, error)
}

// Launcher starts the workflow for a newly created iteration.
type Launcher interface {
	Launch(ctx context.Context, iterationID string) error
}

// Outcome reports what a review did.
type Outcome struct {
	SuggestionID    string                  `json:"suggestion_id"`
	Status          domain.SuggestionStatus `json:"status"`
	PromptVersionID string                  `json:"prompt_version_id,omitempty"`
	PromptVersion   int                     `json:"prompt_version,omitempty"`
	IterationID     string                  `json:"iteration_id,omitempty"`
	// LaunchError is set when the iteration was created but its workflow
	// could not be started; it can be started again by id.
	LaunchError string `json:"launch_error,omitempty"`
}

// Service reviews suggestions.
type Service struct {
	store    Store
	launcher Launcher
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a review service. A nil launcher leaves new iterations for
// the caller to start.
func New(s Store, launcher Launcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, launcher: launcher, now: time.Now, logger: logger.With("component", "review")}
}

// Review applies decision to the suggestion.
func (s *Service) Review(ctx context.Context, suggestionID string, decision domain.ReviewDecision) (*Outcome, error) {
	sg, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("load suggestion: %w", err)
	}
	if sg.Status != domain.SuggestionPending {
		return nil, fmt.Errorf("suggestion %s is %s: %w", sg.ID, sg.Status, store.ErrSuggestionReviewed)
	}

	switch decision {
	case domain.DecisionReject:
		if err := s.store.SetSuggestionStatus(ctx, sg.ID, domain.SuggestionRejected, s.now()); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "suggestion rejected", "suggestion_id", sg.ID, "experiment_id", sg.ExperimentID)
		return &Outcome{SuggestionID: sg.ID, Status: domain.SuggestionRejected}, nil
	case domain.DecisionApprove:
		return s.approve(ctx, sg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
}

func (s *Service) approve(ctx context.Context, sg *domain.Suggestion) (*Outcome, error) {
	base, err := s.store.GetPromptVersion(ctx, sg.PromptVersionID)
	if err != nil {
		return nil, fmt.Errorf("load prompt version: %w", err)
	}
	exp, err := s.store.GetExperiment(ctx, sg.ExperimentID)
	if err != nil {
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	patched, err := diff.Apply(base.Text, sg.Diff, exp.Refiner.MaxChangeRatio)
	if err != nil {
		return nil, fmt.Errorf("apply suggestion %s: %w", sg.ID, err)
	}

	// The claim, the new version and its iteration commit together; a
	// failure leaves the suggestion pending and reviewable.
	next := base.Derive(patched)
	it := &domain.Iteration{ExperimentID: exp.ID, Status: domain.StatusExecuting}
	if err := s.store.ApproveSuggestion(ctx, sg.ID, s.now(), &next, it); err != nil {
		return nil, fmt.Errorf("approve suggestion %s: %w", sg.ID, err)
	}

	out := &Outcome{
		SuggestionID:    sg.ID,
		Status:          domain.SuggestionApproved,
		PromptVersionID: next.ID,
		PromptVersion:   next.Version,
		IterationID:     it.ID,
	}
	if s.launcher != nil {
		if err := s.launcher.Launch(ctx, it.ID); err != nil {
			out.LaunchError = err.Error()
			s.logger.ErrorContext(ctx, "failed to launch iteration", "iteration_id", it.ID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "suggestion approved",
		"suggestion_id", sg.ID,
		"experiment_id", exp.ID,
		"prompt_version", next.Version,
		"iteration_id", it.ID)
	return out, nil
}
