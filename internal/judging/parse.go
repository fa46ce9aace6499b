package judging

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// ErrMalformedJudgment is returned when a judge's response cannot be used:
// not JSON after one repair attempt, a rubric criterion missing, or a score
// outside the criterion's scale.
var ErrMalformedJudgment = errors.New("malformed judgment")

// Pairwise verdicts.
const (
	VerdictA   = "A"
	VerdictB   = "B"
	VerdictTie = "tie"
)

type pointwiseResponse struct {
	Scores    map[string]float64 `json:"scores"`
	Rationale string             `json:"rationale"`
}

type pairwiseResponse struct {
	Winner    string `json:"winner"`
	Rationale string `json:"rationale"`
}

// ParsePointwise extracts per-criterion scores. Every rubric criterion must
// be scored within its scale; criteria outside the rubric are dropped.
func ParsePointwise(raw string, rubric domain.Rubric) (map[string]float64, string, error) {
	var resp pointwiseResponse
	if err := decode(raw, &resp); err != nil {
		return nil, "", err
	}
	scores := make(map[string]float64, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		v, ok := resp.Scores[c.Name]
		if !ok {
			return nil, "", fmt.Errorf("%w: criterion %q not scored", ErrMalformedJudgment, c.Name)
		}
		if !c.Scale.Contains(v) {
			return nil, "", fmt.Errorf("%w: %q score %v outside [%v, %v]",
				ErrMalformedJudgment, c.Name, v, c.Scale.Min, c.Scale.Max)
		}
		scores[c.Name] = v
	}
	return scores, strings.TrimSpace(resp.Rationale), nil
}

// ParsePairwise returns VerdictA, VerdictB or VerdictTie.
func ParsePairwise(raw string) (string, string, error) {
	var resp pairwiseResponse
	if err := decode(raw, &resp); err != nil {
		return "", "", err
	}
	switch w := strings.TrimSpace(resp.Winner); {
	case strings.EqualFold(w, VerdictA):
		return VerdictA, strings.TrimSpace(resp.Rationale), nil
	case strings.EqualFold(w, VerdictB):
		return VerdictB, strings.TrimSpace(resp.Rationale), nil
	case strings.EqualFold(w, VerdictTie):
		return VerdictTie, strings.TrimSpace(resp.Rationale), nil
	default:
		return "", "", fmt.Errorf("%w: winner %q", ErrMalformedJudgment, resp.Winner)
	}
}

// decode parses strictly, then once more after repair.
func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired := repair(raw)
	if repaired == raw {
		return fmt.Errorf("%w: not JSON", ErrMalformedJudgment)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJudgment, err)
	}
	return nil
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey   = regexp.MustCompile(`([{,])\s*([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// repair fixes the usual model formatting slips: prose around the object,
// markdown fences, trailing commas and bare keys.
func repair(s string) string {
	out := strings.TrimSpace(s)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	if i, j := strings.Index(out, "{"), strings.LastIndex(out, "}"); i >= 0 && j > i {
		out = out[i : j+1]
	}
	out = trailingComma.ReplaceAllString(out, "$1")
	out = unquotedKey.ReplaceAllString(out, `$1"$2":`)
	return strings.TrimSpace(out)
}
