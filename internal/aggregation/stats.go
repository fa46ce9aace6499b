package aggregation

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// DefaultBootstrapSamples is used when callers pass a non-positive sample count.
const DefaultBootstrapSamples = 1000

// Scores is one judgment's raw per-criterion scores.
type Scores map[string]float64

// RunJudgments groups the pointwise judgments of one model run.
type RunJudgments struct {
	RunID     string
	Judgments []Scores
}

// ScoredOutput is an output reduced to what facet and coverage analysis need.
type ScoredOutput struct {
	OutputID   string
	RunID      string
	Tags       []string
	Difficulty float64
	Score      float64
}

// PairwiseRecord is one head-to-head comparison between two runs. An empty
// WinnerRunID records a tie.
type PairwiseRecord struct {
	RunIDs      [2]string
	WinnerRunID string
}

// JudgmentComposite returns Σ(weight×score)/Σweight over the rubric criteria
// present in scores. Scores for criteria not in the rubric are ignored. The
// second return is false when no rubric criterion was scored.
func JudgmentComposite(scores Scores, rubric domain.Rubric) (float64, bool) {
	var weighted, totalWeight float64
	for _, c := range rubric.Criteria {
		s, ok := scores[c.Name]
		if !ok {
			continue
		}
		weighted += c.Weight * s
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return 0, false
	}
	return weighted / totalWeight, true
}

// CompositeScore averages the per-judgment composites. Judgments without any
// rubric criterion are skipped; an empty set scores zero.
func CompositeScore(judgments []Scores, rubric domain.Rubric) float64 {
	var sum float64
	var n int
	for _, j := range judgments {
		if c, ok := JudgmentComposite(j, rubric); ok {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RunCompositeScore is CompositeScore over one run's judgments.
func RunCompositeScore(run RunJudgments, rubric domain.Rubric) float64 {
	return CompositeScore(run.Judgments, rubric)
}

// CriterionMeans averages each rubric criterion across judgments that scored it.
func CriterionMeans(judgments []Scores, rubric domain.Rubric) map[string]float64 {
	out := make(map[string]float64, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		var sum float64
		var n int
		for _, j := range judgments {
			if s, ok := j[c.Name]; ok {
				sum += s
				n++
			}
		}
		if n > 0 {
			out[c.Name] = sum / float64(n)
		}
	}
	return out
}

// BootstrapCI resamples the pooled judgments of runs with replacement
// samples times, recomputes the composite score for each draw, and returns
// the 2.5th and 97.5th percentiles. The PRNG is seeded from seed only, so
// identical inputs always reproduce the identical interval.
func BootstrapCI(runs []RunJudgments, rubric domain.Rubric, seed uint64, samples int) domain.Interval {
	var pool []float64
	for _, r := range runs {
		for _, j := range r.Judgments {
			if c, ok := JudgmentComposite(j, rubric); ok {
				pool = append(pool, c)
			}
		}
	}
	if len(pool) == 0 {
		return domain.Interval{}
	}
	if samples <= 0 {
		samples = DefaultBootstrapSamples
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	means := make([]float64, samples)
	for s := range samples {
		var sum float64
		for range pool {
			sum += pool[rng.IntN(len(pool))]
		}
		means[s] = sum / float64(len(pool))
	}
	sort.Float64s(means)

	return domain.Interval{
		Lower: percentile(means, 0.025),
		Upper: percentile(means, 0.975),
	}
}

// percentile linearly interpolates between closest ranks of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// FacetScores averages output scores per tag across every output carrying it.
func FacetScores(outputs []ScoredOutput) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, o := range outputs {
		for _, tag := range o.Tags {
			sums[tag] += o.Score
			counts[tag]++
		}
	}
	out := make(map[string]float64, len(sums))
	for tag, sum := range sums {
		out[tag] = sum / float64(counts[tag])
	}
	return out
}

// CoverageMatrix buckets outputs by tag and rounded difficulty.
func CoverageMatrix(outputs []ScoredOutput) map[string]map[string]domain.CoverageCell {
	type acc struct {
		n   int
		sum float64
	}
	tmp := make(map[string]map[string]*acc)
	for _, o := range outputs {
		bucket := domain.DifficultyBucket(o.Difficulty)
		for _, tag := range o.Tags {
			row, ok := tmp[tag]
			if !ok {
				row = make(map[string]*acc)
				tmp[tag] = row
			}
			cell, ok := row[bucket]
			if !ok {
				cell = &acc{}
				row[bucket] = cell
			}
			cell.n++
			cell.sum += o.Score
		}
	}

	out := make(map[string]map[string]domain.CoverageCell, len(tmp))
	for tag, row := range tmp {
		outRow := make(map[string]domain.CoverageCell, len(row))
		for bucket, cell := range row {
			outRow[bucket] = domain.CoverageCell{Count: cell.n, AvgScore: cell.sum / float64(cell.n)}
		}
		out[tag] = outRow
	}
	return out
}

// PairwiseRanking tallies wins and losses per run. Ties count for neither
// side; a run with no decided comparisons has a zero win rate. Records that
// compare a run with itself are ignored.
func PairwiseRanking(records []PairwiseRecord) map[string]domain.RankEntry {
	out := make(map[string]domain.RankEntry)
	for _, r := range records {
		if r.RunIDs[0] == r.RunIDs[1] {
			continue
		}
		for _, id := range r.RunIDs {
			if _, ok := out[id]; !ok {
				out[id] = domain.RankEntry{}
			}
		}
		if r.WinnerRunID == "" || !slices.Contains(r.RunIDs[:], r.WinnerRunID) {
			continue
		}
		for _, id := range r.RunIDs {
			e := out[id]
			if id == r.WinnerRunID {
				e.Wins++
			} else {
				e.Losses++
			}
			out[id] = e
		}
	}
	for id, e := range out {
		if total := e.Wins + e.Losses; total > 0 {
			e.WinRate = float64(e.Wins) / float64(total)
			out[id] = e
		}
	}
	return out
}

// WeakestCriteria returns criterion names ordered from lowest to highest mean,
// breaking ties by name.
func WeakestCriteria(means map[string]float64) []string {
	names := make([]string, 0, len(means))
	for name := range means {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if means[names[i]] != means[names[j]] {
			return means[names[i]] < means[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
