package judging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/llm"
)

const pointwiseSystem = `You are an impartial evaluator. Score the response against each rubric criterion.
Reply with a single JSON object and nothing else:
{"scores": {"<criterion>": <number>, ...}, "rationale": "<one or two sentences>"}`

const pairwiseSystem = `You are an impartial evaluator. Compare two responses to the same input against the rubric.
Reply with a single JSON object and nothing else:
{"winner": "A" | "B" | "tie", "rationale": "<one or two sentences>"}`

func describeRubric(b *strings.Builder, goal string, rubric domain.Rubric) {
	if goal != "" {
		fmt.Fprintf(b, "Goal: %s\n\n", goal)
	}
	b.WriteString("Rubric:\n")
	for _, c := range rubric.Criteria {
		fmt.Fprintf(b, "- %s (weight %g, score %g to %g)", c.Name, c.Weight, c.Scale.Min, c.Scale.Max)
		if c.Description != "" {
			fmt.Fprintf(b, ": %s", c.Description)
		}
		b.WriteByte('\n')
	}
}

func describeInput(b *strings.Builder, input map[string]any) {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = []byte(fmt.Sprint(input))
	}
	fmt.Fprintf(b, "\nInput:\n%s\n", raw)
}

// PointwiseMessages asks a judge to score one output.
func PointwiseMessages(exp *domain.Experiment, c domain.DatasetCase, output string) []llm.Message {
	var b strings.Builder
	describeRubric(&b, exp.Goal, exp.Rubric)
	describeInput(&b, c.Input)
	fmt.Fprintf(&b, "\nResponse:\n%s\n", output)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: pointwiseSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// PairwiseMessages asks a judge to pick the better of two outputs.
func PairwiseMessages(exp *domain.Experiment, c domain.DatasetCase, a, bText string) []llm.Message {
	var b strings.Builder
	describeRubric(&b, exp.Goal, exp.Rubric)
	describeInput(&b, c.Input)
	fmt.Fprintf(&b, "\nResponse A:\n%s\n\nResponse B:\n%s\n", a, bText)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: pairwiseSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
