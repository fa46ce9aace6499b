package refinement

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ahrav/go-promptlab/internal/aggregation"
	"github.com/ahrav/go-promptlab/internal/domain"
)

const (
	maxWeakCriteria = 3
	maxWeakFacets   = 3
	maxSamples      = 3
	maxSampleChars  = 600
)

// Sample is one low-scoring output shown to the refiner.
type Sample struct {
	CaseID string
	Input  map[string]any
	Output string
	Score  float64
}

// Diagnostics summarizes where the current prompt falls short.
type Diagnostics struct {
	Composite      float64
	WeakCriteria   []string
	CriterionMeans map[string]float64
	WeakFacets     []string
	FacetScores    map[string]float64
	Safety         domain.SafetyCounts
	Samples        []Sample
}

// Diagnose builds the refiner's summary from an iteration's metrics and its
// scored outputs. samples is ordered arbitrarily; the lowest scores win.
func Diagnose(m *domain.Metrics, samples []Sample) Diagnostics {
	d := Diagnostics{
		Composite:      m.Composite,
		CriterionMeans: m.Criteria,
		FacetScores:    m.Facets,
		Safety:         m.Safety,
	}
	d.WeakCriteria = head(aggregation.WeakestCriteria(m.Criteria), maxWeakCriteria)
	d.WeakFacets = head(aggregation.WeakestCriteria(m.Facets), maxWeakFacets)

	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score < sorted[j].Score
		}
		return sorted[i].CaseID < sorted[j].CaseID
	})
	d.Samples = head(sorted, maxSamples)
	return d
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Render formats the diagnostics for the refiner prompt.
func (d Diagnostics) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Composite score: %.3f\n", d.Composite)
	if len(d.WeakCriteria) > 0 {
		b.WriteString("Weakest criteria:\n")
		for _, c := range d.WeakCriteria {
			fmt.Fprintf(&b, "- %s: %.3f\n", c, d.CriterionMeans[c])
		}
	}
	if len(d.WeakFacets) > 0 {
		b.WriteString("Weakest tags:\n")
		for _, f := range d.WeakFacets {
			fmt.Fprintf(&b, "- %s: %.3f\n", f, d.FacetScores[f])
		}
	}
	if d.Safety.PII+d.Safety.Toxic+d.Safety.Jailbreak > 0 {
		fmt.Fprintf(&b, "Safety flags: pii=%d toxic=%d jailbreak=%d of %d outputs\n",
			d.Safety.PII, d.Safety.Toxic, d.Safety.Jailbreak, d.Safety.Scanned)
	}
	for i, s := range d.Samples {
		input, err := json.Marshal(s.Input)
		if err != nil {
			input = []byte(fmt.Sprint(s.Input))
		}
		fmt.Fprintf(&b, "\nLow-scoring sample %d (score %.2f)\nInput: %s\nOutput: %s\n",
			i+1, s.Score, input, truncate(s.Output, maxSampleChars))
	}
	return b.String()
}
