package pricing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
)

func TestRate_Cost(t *testing.T) {
	r := Rate{Model: "m", Prompt: 250, Completion: 1000}

	assert.Equal(t, domain.MilliCents(0), r.Cost(0, 0))
	assert.Equal(t, domain.MilliCents(250+1000), r.Cost(1000, 1000))
	// 3 tokens at 250/1K is 0.75 milli-cents and rounds up to 1.
	assert.Equal(t, domain.MilliCents(1), r.Cost(3, 0))
	assert.Equal(t, domain.MilliCents(2), r.Cost(3, 1))
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable("ollama")

	tests := []struct {
		name      string
		model     string
		wantModel string
		wantFound bool
	}{
		{name: "exact", model: "gpt-4o", wantModel: "gpt-4o", wantFound: true},
		{name: "dated snapshot uses longest prefix", model: "gpt-4o-mini-2024-07-18", wantModel: "gpt-4o-mini", wantFound: true},
		{name: "unknown falls back", model: "mystery-model", wantModel: "*", wantFound: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, found := tbl.Lookup(tt.model)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantModel, r.Model)
		})
	}
}

func TestTable_Estimate(t *testing.T) {
	tbl := NewTable("ollama")

	assert.Zero(t, tbl.Estimate("ollama", "llama3.2", 10_000, 10_000))
	assert.Equal(t, FallbackRate.Cost(1000, 1000), tbl.Estimate("", "llama3.2", 1000, 1000))

	mini := tbl.Estimate("openai", "gpt-4o-mini", 1000, 1000)
	unknown := tbl.Estimate("openai", "gpt-next", 1000, 1000)
	assert.Greater(t, unknown, mini, "fallback must be conservative")
}

func TestTable_Apply(t *testing.T) {
	tbl := NewTable("ollama")

	require.NoError(t, tbl.Apply(Overrides{
		Fallback: &Rate{Model: "*", Prompt: 1, Completion: 1},
		Models:   []Rate{{Model: "gpt-4o", Prompt: 1, Completion: 2}, {Model: "custom", Prompt: 5, Completion: 5}},
	}))

	r, ok := tbl.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, int64(2), r.Completion)
	_, ok = tbl.Lookup("custom")
	assert.True(t, ok)
	assert.Zero(t, tbl.Estimate("ollama", "x", 100, 100), "free providers survive overrides without their own list")

	assert.Error(t, tbl.Apply(Overrides{Models: []Rate{{Model: "", Prompt: 1}}}))
	assert.Error(t, tbl.Apply(Overrides{Models: []Rate{{Model: "neg", Prompt: -1}}}))
}

func TestTable_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fallback: {model: "*", prompt: 9, completion: 9}
models:
  - {model: house-model, prompt: 3, completion: 4}
`), 0o600))

	tbl := NewTable()
	require.NoError(t, tbl.LoadFile(path))
	r, ok := tbl.Lookup("house-model")
	require.True(t, ok)
	assert.Equal(t, int64(4), r.Completion)

	r, ok = tbl.Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, int64(9), r.Prompt)

	require.NoError(t, os.WriteFile(path, []byte("models: [oops"), 0o600))
	assert.Error(t, tbl.LoadFile(path))
	_, ok = tbl.Lookup("house-model")
	assert.True(t, ok, "failed load keeps previous table")
}

func TestTable_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0o600))

	tbl := NewTable()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tbl.Watch(ctx, path, 10*time.Millisecond, nil) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - {model: hot-model, prompt: 1, completion: 1}\n"), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := tbl.Lookup("hot-model")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
