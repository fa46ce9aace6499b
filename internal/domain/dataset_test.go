package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCases(t *testing.T) {
	t.Run("duplicates and missing input are discarded", func(t *testing.T) {
		batch := `[
			{"input": {"question": "Where is my invoice?", "customer": "acme"}, "tags": ["billing", "billing", " "], "difficulty": 2},
			{"input": {"customer": "acme", "question": "Where is my invoice?"}, "tags": ["billing"]},
			{"tags": ["shipping"], "difficulty": 1},
			{"input": {"question": "Cancel my order"}, "tags": ["orders"], "difficulty": 3}
		]`

		res, err := ParseCases([]byte(batch))
		require.NoError(t, err)
		require.Len(t, res.Cases, 2)
		assert.Equal(t, 2, res.Discarded)

		assert.Equal(t, []string{"billing"}, res.Cases[0].Tags)
		assert.Equal(t, 2.0, res.Cases[0].Difficulty)
		assert.Equal(t, "Cancel my order", res.Cases[1].Input["question"])
		assert.NotEqual(t, res.Cases[0].InputHash, res.Cases[1].InputHash)
	})

	t.Run("zero valid cases is fatal", func(t *testing.T) {
		res, err := ParseCases([]byte(`[{"tags": ["a"]}, {"input": {}}, {"input": null}]`))
		require.ErrorIs(t, err, ErrNoValidCases)
		assert.Equal(t, 3, res.Discarded)
		assert.Empty(t, res.Cases)
	})

	t.Run("non array payload is malformed", func(t *testing.T) {
		_, err := ParseCases([]byte(`{"input": {"q": "x"}}`))
		require.ErrorIs(t, err, ErrMalformedCases)
	})

	t.Run("non object input is discarded", func(t *testing.T) {
		res, err := ParseCases([]byte(`[{"input": "plain"}, {"input": {"q": "ok"}}]`))
		require.NoError(t, err)
		assert.Len(t, res.Cases, 1)
		assert.Equal(t, 1, res.Discarded)
	})
}

func TestCanonicalInputHash_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalInputHash(map[string]any{"a": 1.0, "b": "x"})
	require.NoError(t, err)
	b, err := CanonicalInputHash(map[string]any{"b": "x", "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDifficultyBucket(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{2, "2"},
		{2.4, "2"},
		{2.5, "3"},
		{0, "0"},
		{-1.2, "-1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DifficultyBucket(tt.in))
	}
}

func TestInputString(t *testing.T) {
	assert.Equal(t, "text", InputString("text"))
	assert.Equal(t, "3", InputString(3.0))
	assert.Equal(t, "2.5", InputString(2.5))
	assert.Equal(t, "true", InputString(true))
	assert.Equal(t, "", InputString(nil))
	assert.Equal(t, `["a","b"]`, InputString([]any{"a", "b"}))
}
