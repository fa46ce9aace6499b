package datagen

import (
	"fmt"
	"sort"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// FallbackTag marks cases produced without a model.
const FallbackTag = "synthetic"

// phrasings rewrite one string field of a seed input. Index 0 is the seed
// itself and is never emitted.
var phrasings = []string{
	"%s",
	"Quick question: %s",
	"%s Please explain step by step.",
	"Could you help me with this? %s",
	"%s This is urgent.",
	"I'm confused. %s",
	"%s Keep it short.",
	"Following up on my earlier message: %s",
}

// Fallback derives count cases from seeds by rephrasing their string
// fields. The output depends only on its arguments. With no seeds, inputs
// are built from the prompt's placeholder names.
func Fallback(seeds []domain.DatasetCase, placeholders []string, count int) []domain.DatasetCase {
	if count <= 0 {
		return nil
	}
	if len(seeds) == 0 {
		return fromPlaceholders(placeholders, count)
	}

	out := make([]domain.DatasetCase, 0, count)
	for i := 0; i < count; i++ {
		seed := seeds[i%len(seeds)]
		variant := 1 + (i/len(seeds))%(len(phrasings)-1)
		round := i / (len(seeds) * (len(phrasings) - 1))
		c, ok := rephrase(seed, variant, round)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func rephrase(seed domain.DatasetCase, variant, round int) (domain.DatasetCase, bool) {
	input := make(map[string]any, len(seed.Input))
	keys := make([]string, 0, len(seed.Input))
	for k, v := range seed.Input {
		input[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := false
	for _, k := range keys {
		s, ok := seed.Input[k].(string)
		if !ok {
			continue
		}
		v := fmt.Sprintf(phrasings[variant], s)
		if round > 0 {
			v = fmt.Sprintf("%s (#%d)", v, round+1)
		}
		input[k] = v
		changed = true
	}
	if !changed {
		return domain.DatasetCase{}, false
	}

	hash, err := domain.CanonicalInputHash(input)
	if err != nil {
		return domain.DatasetCase{}, false
	}
	return domain.DatasetCase{
		Input:      input,
		Tags:       domain.NormalizeTags(append(append([]string(nil), seed.Tags...), FallbackTag)),
		Difficulty: seed.Difficulty,
		InputHash:  hash,
	}, true
}

func fromPlaceholders(names []string, count int) []domain.DatasetCase {
	if len(names) == 0 {
		names = []string{"input"}
	}
	out := make([]domain.DatasetCase, 0, count)
	for i := 1; i <= count; i++ {
		input := make(map[string]any, len(names))
		for _, n := range names {
			input[n] = fmt.Sprintf("example %s %d", n, i)
		}
		hash, err := domain.CanonicalInputHash(input)
		if err != nil {
			continue
		}
		out = append(out, domain.DatasetCase{Input: input, Tags: []string{FallbackTag}, InputHash: hash})
	}
	return out
}
