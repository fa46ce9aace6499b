// Package pricing estimates the cost of model calls in milli-cents.
//
// Rates are milli-cents per 1000 tokens, split by prompt and completion
// tokens. Models missing from the table are priced at a conservative
// fallback rate so an unknown model can never look free to the budget
// enforcer. Local providers are always free.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// TokensPerUnit is the token count a Rate is quoted against.
const TokensPerUnit = 1000

// Rate is the price of one model in milli-cents per 1000 tokens.
type Rate struct {
	Model      string `yaml:"model"`
	Prompt     int64  `yaml:"prompt"`
	Completion int64  `yaml:"completion"`
}

// Cost prices a token count, rounding each side up to the next milli-cent.
func (r Rate) Cost(promptTokens, completionTokens int64) domain.MilliCents {
	return domain.MilliCents(ceilDiv(promptTokens*r.Prompt, TokensPerUnit) +
		ceilDiv(completionTokens*r.Completion, TokensPerUnit))
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// FallbackRate prices models absent from the table. It matches the most
// expensive built-in entry.
var FallbackRate = Rate{Model: "*", Prompt: 1500, Completion: 7500}

var defaultRates = []Rate{
	{Model: "gpt-4o", Prompt: 250, Completion: 1000},
	{Model: "gpt-4o-mini", Prompt: 15, Completion: 60},
	{Model: "gpt-4.1", Prompt: 200, Completion: 800},
	{Model: "gpt-4.1-mini", Prompt: 40, Completion: 160},
	{Model: "o3-mini", Prompt: 110, Completion: 440},
	{Model: "claude-3-5-sonnet", Prompt: 300, Completion: 1500},
	{Model: "claude-3-7-sonnet", Prompt: 300, Completion: 1500},
	{Model: "claude-3-5-haiku", Prompt: 80, Completion: 400},
	{Model: "claude-3-opus", Prompt: 1500, Completion: 7500},
	{Model: "gemini-1.5-flash", Prompt: 8, Completion: 30},
	{Model: "gemini-1.5-pro", Prompt: 125, Completion: 500},
	{Model: "gemini-2.0-flash", Prompt: 10, Completion: 40},
}

// Overrides is the on-disk shape of a pricing file.
type Overrides struct {
	Fallback *Rate `yaml:"fallback"`
	Models   []Rate `yaml:"models"`
	// FreeProviders are priced at zero regardless of model.
	FreeProviders []string `yaml:"free_providers"`
}

// Table is a concurrency-safe model price list.
type Table struct {
	mu            sync.RWMutex
	rates         map[string]Rate
	fallback      Rate
	freeProviders map[string]struct{}
}

// NewTable returns a table holding the built-in rates. freeProviders are
// priced at zero.
func NewTable(freeProviders ...string) *Table {
	t := &Table{}
	t.reset(Overrides{FreeProviders: freeProviders})
	return t
}

func (t *Table) reset(o Overrides) {
	rates := make(map[string]Rate, len(defaultRates)+len(o.Models))
	for _, r := range defaultRates {
		rates[r.Model] = r
	}
	for _, r := range o.Models {
		rates[r.Model] = r
	}
	fallback := FallbackRate
	if o.Fallback != nil {
		fallback = *o.Fallback
	}
	free := make(map[string]struct{}, len(o.FreeProviders))
	for _, p := range o.FreeProviders {
		free[p] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates = rates
	t.fallback = fallback
	if len(free) > 0 || t.freeProviders == nil {
		t.freeProviders = free
	}
}

// Apply replaces every override with o. Built-in rates remain unless o
// redefines them.
func (t *Table) Apply(o Overrides) error {
	for _, r := range o.Models {
		if r.Model == "" || r.Prompt < 0 || r.Completion < 0 {
			return fmt.Errorf("invalid rate %+v", r)
		}
	}
	if o.Fallback != nil && (o.Fallback.Prompt < 0 || o.Fallback.Completion < 0) {
		return fmt.Errorf("invalid fallback rate %+v", *o.Fallback)
	}
	t.reset(o)
	return nil
}

// Lookup returns the rate for model. Exact names win; otherwise the longest
// table entry that prefixes model matches, so dated snapshots such as
// "gpt-4o-mini-2024-07-18" use their family's price. The boolean is false
// when the fallback rate was used.
func (t *Table) Lookup(model string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.rates[model]; ok {
		return r, true
	}
	var best Rate
	found := false
	for name, r := range t.rates {
		if strings.HasPrefix(model, name) && len(name) > len(best.Model) {
			best, found = r, true
		}
	}
	if found {
		return best, true
	}
	return t.fallback, false
}

// Estimate prices a call to provider/model. An empty provider skips the
// free-provider check.
func (t *Table) Estimate(provider, model string, promptTokens, completionTokens int64) domain.MilliCents {
	if provider != "" && t.IsFree(provider) {
		return 0
	}
	r, _ := t.Lookup(model)
	return r.Cost(promptTokens, completionTokens)
}

// IsFree reports whether calls to provider cost nothing.
func (t *Table) IsFree(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.freeProviders[provider]
	return ok
}

// Models lists the priced model names in sorted order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rates))
	for m := range t.rates {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// LoadFile reads and applies a YAML overrides file.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse pricing file %s: %w", path, err)
	}
	return t.Apply(o)
}
