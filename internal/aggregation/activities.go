package aggregation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/pipeline"
	"github.com/ahrav/go-promptlab/internal/store"
	"github.com/ahrav/go-promptlab/pkg/activity"
)

// Store is the persistence the aggregate stage reads and writes.
type Store interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	ListModelRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error)
	ListOutputs(ctx context.Context, modelRunID string) ([]domain.Output, error)
	ListCases(ctx context.Context, datasetID string) ([]domain.DatasetCase, error)
	ListJudgments(ctx context.Context, iterationID string) ([]domain.Judgment, error)
	ListSafetyResults(ctx context.Context, iterationID string) ([]domain.SafetyResult, error)
	SetIterationMetrics(ctx context.Context, id string, m domain.Metrics) error
	SpendByExperiment(ctx context.Context, experimentID string) (domain.MilliCents, error)
	CountIterations(ctx context.Context, experimentID string) (int, error)
	ScoreHistory(ctx context.Context, experimentID string) ([]float64, error)
}

// Activities hosts the Aggregate activity.
type Activities struct {
	activity.BaseActivities
	store   Store
	leases  lease.Manager
	inst    pipeline.Instruments
	samples int
}

// NewActivities wires the aggregate stage. samples <= 0 selects
// DefaultBootstrapSamples.
func NewActivities(base activity.BaseActivities, s Store, leases lease.Manager, inst pipeline.Instruments, samples int) *Activities {
	if samples <= 0 {
		samples = DefaultBootstrapSamples
	}
	return &Activities{BaseActivities: base, store: s, leases: leases, inst: inst, samples: samples}
}

// Aggregate computes the iteration's metrics snapshot, writes it once, and
// returns the figures the stop rules are evaluated on. Re-running after the
// snapshot exists returns the stored snapshot's figures.
func (a *Activities) Aggregate(ctx context.Context, in domain.StageInput) (out *domain.AggregateOutput, err error) {
	ctx, end := a.inst.Start(ctx, domain.StageAggregate, in.IterationID)
	defer func() { end(err) }()

	if err := in.Validate(); err != nil {
		return nil, pipeline.Fail(domain.StageAggregate, err)
	}
	if err := pipeline.Guard(ctx, a.leases, in.IterationID, in.LeaseToken); err != nil {
		return nil, pipeline.Fail(domain.StageAggregate, err)
	}

	it, err := a.store.GetIteration(ctx, in.IterationID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageAggregate, fmt.Errorf("load iteration: %w", err))
	}
	exp, err := a.store.GetExperiment(ctx, it.ExperimentID)
	if err != nil {
		return nil, pipeline.Fail(domain.StageAggregate, fmt.Errorf("load experiment: %w", err))
	}

	m := it.Metrics
	if m == nil {
		computed, err := a.compute(ctx, it, exp)
		if err != nil {
			return nil, pipeline.Fail(domain.StageAggregate, err)
		}
		switch err := a.store.SetIterationMetrics(ctx, it.ID, *computed); {
		case errors.Is(err, store.ErrMetricsAlreadySet):
			stored, err := a.store.GetIteration(ctx, it.ID)
			if err != nil {
				return nil, pipeline.Fail(domain.StageAggregate, err)
			}
			m = stored.Metrics
		case err != nil:
			return nil, pipeline.Fail(domain.StageAggregate, fmt.Errorf("store metrics: %w", err))
		default:
			m = computed
		}
	}

	out, err = a.stopInputs(ctx, exp.ID, m)
	if err != nil {
		return nil, pipeline.Fail(domain.StageAggregate, err)
	}
	activity.SafeLog(ctx, "Iteration aggregated",
		"iteration_id", it.ID,
		"composite", out.Composite,
		"spend_millicents", out.SpendMilliCents,
		"iteration_count", out.IterationCount)
	return out, nil
}

func (a *Activities) stopInputs(ctx context.Context, experimentID string, m *domain.Metrics) (*domain.AggregateOutput, error) {
	spend, err := a.store.SpendByExperiment(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("experiment spend: %w", err)
	}
	count, err := a.store.CountIterations(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("count iterations: %w", err)
	}
	history, err := a.store.ScoreHistory(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("score history: %w", err)
	}
	var composite float64
	if m != nil {
		composite = m.Composite
	}
	return &domain.AggregateOutput{
		Composite:       composite,
		SpendMilliCents: spend,
		IterationCount:  count,
		ScoreHistory:    history,
	}, nil
}

// OutputRef locates one output within the iteration.
type OutputRef struct {
	RunID  string
	CaseID string
}

func (a *Activities) compute(ctx context.Context, it *domain.Iteration, exp *domain.Experiment) (*domain.Metrics, error) {
	runs, err := a.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	cases, err := a.store.ListCases(ctx, exp.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	judgments, err := a.store.ListJudgments(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list judgments: %w", err)
	}
	safety, err := a.store.ListSafetyResults(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("list safety results: %w", err)
	}

	caseByID := make(map[string]domain.DatasetCase, len(cases))
	for _, c := range cases {
		caseByID[c.ID] = c
	}

	refs := make(map[string]OutputRef)
	outputsPerRun := make(map[string]int, len(runs))
	for _, r := range runs {
		outs, err := a.store.ListOutputs(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list outputs for run %s: %w", r.ID, err)
		}
		outputsPerRun[r.ID] = len(outs)
		for _, o := range outs {
			refs[o.ID] = OutputRef{RunID: r.ID, CaseID: o.CaseID}
		}
	}

	seed := Seed(it.ID)
	return Build(BuildInput{
		Rubric:        exp.Rubric,
		Runs:          runs,
		OutputsPerRun: outputsPerRun,
		Outputs:       refs,
		Cases:         caseByID,
		Judgments:     judgments,
		Safety:        safety,
		Seed:          seed,
		Samples:       a.samples,
		Now:           time.Now().UTC(),
	}), nil
}

// Seed derives the bootstrap seed from the iteration id so a recomputation
// reproduces the stored interval.
func Seed(iterationID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(iterationID))
	return h.Sum64()
}

// BuildInput is everything Build needs, already loaded.
type BuildInput struct {
	Rubric        domain.Rubric
	Runs          []domain.ModelRun
	OutputsPerRun map[string]int
	// Outputs maps output id to its run and case.
	Outputs   map[string]OutputRef
	Cases     map[string]domain.DatasetCase
	Judgments []domain.Judgment
	Safety    []domain.SafetyResult
	Seed      uint64
	Samples   int
	Now       time.Time
}

// Build assembles the metrics snapshot. Only COMPLETED runs contribute to
// the overall composite, interval, facets and coverage; every run gets a
// RunMetrics row so failures stay visible.
func Build(in BuildInput) *domain.Metrics {
	perRun := make(map[string][]Scores)
	perOutput := make(map[string][]Scores)
	var pairwise []PairwiseRecord
	for _, j := range in.Judgments {
		ref, ok := in.Outputs[j.OutputID]
		if !ok {
			continue
		}
		switch j.Mode {
		case domain.JudgePointwise:
			perRun[ref.RunID] = append(perRun[ref.RunID], j.Scores)
			perOutput[j.OutputID] = append(perOutput[j.OutputID], j.Scores)
		case domain.JudgePairwise:
			if len(j.RunIDs) == 2 {
				pairwise = append(pairwise, PairwiseRecord{
					RunIDs:      [2]string{j.RunIDs[0], j.RunIDs[1]},
					WinnerRunID: j.WinnerRunID,
				})
			}
		}
	}

	safetyPerRun := make(map[string]*domain.SafetyCounts)
	var safetyTotal domain.SafetyCounts
	for _, r := range in.Safety {
		ref, ok := in.Outputs[r.OutputID]
		if !ok {
			continue
		}
		c, ok := safetyPerRun[ref.RunID]
		if !ok {
			c = &domain.SafetyCounts{}
			safetyPerRun[ref.RunID] = c
		}
		tally(c, r.SafetyReport)
		tally(&safetyTotal, r.SafetyReport)
	}

	completed := make(map[string]bool, len(in.Runs))
	m := &domain.Metrics{
		Runs:       make([]domain.RunMetrics, 0, len(in.Runs)),
		Safety:     safetyTotal,
		Seed:       in.Seed,
		ComputedAt: in.Now,
	}
	var pooled []RunJudgments
	for _, r := range in.Runs {
		rj := RunJudgments{RunID: r.ID, Judgments: perRun[r.ID]}
		rm := domain.RunMetrics{
			RunID:          r.ID,
			ModelConfigID:  r.ModelConfigID,
			Status:         r.Status,
			Composite:      RunCompositeScore(rj, in.Rubric),
			CI:             BootstrapCI([]RunJudgments{rj}, in.Rubric, in.Seed, in.Samples),
			Criteria:       CriterionMeans(rj.Judgments, in.Rubric),
			Outputs:        in.OutputsPerRun[r.ID],
			Judgments:      len(rj.Judgments),
			CostMilliCents: r.CostMilliCents,
			Tokens:         r.PromptTokens + r.CompletionTokens,
		}
		if c, ok := safetyPerRun[r.ID]; ok {
			rm.Safety = *c
		}
		m.Runs = append(m.Runs, rm)
		m.CostMilliCents += r.CostMilliCents
		if r.Status == domain.RunCompleted {
			completed[r.ID] = true
			pooled = append(pooled, rj)
		}
	}

	var all []Scores
	for _, rj := range pooled {
		all = append(all, rj.Judgments...)
	}
	m.Composite = CompositeScore(all, in.Rubric)
	m.CI = BootstrapCI(pooled, in.Rubric, in.Seed, in.Samples)
	m.Criteria = CriterionMeans(all, in.Rubric)

	var scored []ScoredOutput
	for outputID, js := range perOutput {
		ref := in.Outputs[outputID]
		if !completed[ref.RunID] {
			continue
		}
		c := in.Cases[ref.CaseID]
		scored = append(scored, ScoredOutput{
			OutputID:   outputID,
			RunID:      ref.RunID,
			Tags:       c.Tags,
			Difficulty: c.Difficulty,
			Score:      CompositeScore(js, in.Rubric),
		})
	}
	slices.SortFunc(scored, func(a, b ScoredOutput) int { return strings.Compare(a.OutputID, b.OutputID) })
	m.Facets = FacetScores(scored)
	m.Coverage = CoverageMatrix(scored)
	if len(pairwise) > 0 {
		m.Ranking = PairwiseRanking(pairwise)
	}
	return m
}

func tally(c *domain.SafetyCounts, r domain.SafetyReport) {
	c.Scanned++
	if r.PIIDetected {
		c.PII++
	}
	if r.ToxicDetected {
		c.Toxic++
	}
	if r.JailbreakAttempt {
		c.Jailbreak++
	}
}
