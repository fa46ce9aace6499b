package execution

import (
	"regexp"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/llm"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from input. Placeholders with no
// matching input key are left as written.
func Render(template string, input map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := input[name]
		if !ok {
			return m
		}
		return domain.InputString(v)
	})
}

// Messages builds the chat sequence for one case: system text, few-shot
// pairs, then the rendered prompt.
func Messages(p *domain.PromptVersion, input map[string]any) []llm.Message {
	msgs := make([]llm.Message, 0, 2+2*len(p.FewShot))
	if p.SystemText != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: Render(p.SystemText, input)})
	}
	for _, ex := range p.FewShot {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.Input},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Output},
		)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: Render(p.Text, input)})
}

// Placeholders returns the distinct placeholder names in template, in order
// of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}
