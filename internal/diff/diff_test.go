package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeting = "Hello\nWorld"

const greetingDiff = `--- a/prompt
+++ b/prompt
@@ -1,2 +1,2 @@
-Hello
+Hello Edison
 World
`

// reverse swaps additions and removals so a patch can be undone.
func reverse(d string) string {
	lines := strings.Split(d, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
		case strings.HasPrefix(line, "-"):
			lines[i] = "+" + line[1:]
		case strings.HasPrefix(line, "+"):
			lines[i] = "-" + line[1:]
		}
	}
	return strings.Join(lines, "\n")
}

func TestApply_RoundTrip(t *testing.T) {
	patched, err := Apply(greeting, greetingDiff, DefaultMaxChangeRatio)
	require.NoError(t, err)
	assert.Equal(t, "Hello Edison\nWorld", patched)

	restored, err := Apply(patched, reverse(greetingDiff), DefaultMaxChangeRatio)
	require.NoError(t, err)
	assert.Equal(t, greeting, restored)
}

func TestApply_PreservesTrailingNewline(t *testing.T) {
	patched, err := Apply(greeting+"\n", greetingDiff+"\\ No newline at end of file\n", 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello Edison\nWorld\n", patched)
}

func TestApply_Errors(t *testing.T) {
	tests := []struct {
		name     string
		original string
		diff     string
		ratio    float64
		wantErr  error
	}{
		{name: "empty payload", original: greeting, diff: "", wantErr: ErrEmptyDiff},
		{name: "whitespace payload", original: greeting, diff: "  \n\t\n", wantErr: ErrEmptyDiff},
		{name: "headers only", original: greeting, diff: "--- a/p\n+++ b/p\n", wantErr: ErrEmptyDiff},
		{name: "prose instead of diff", original: greeting, diff: "Make it friendlier", wantErr: ErrMalformedDiff},
		{name: "bad hunk header", original: greeting, diff: "@@ -x +1 @@\n-Hello\n", wantErr: ErrMalformedDiff},
		{name: "empty hunk", original: greeting, diff: "@@ -1,1 +1,1 @@\n", wantErr: ErrMalformedDiff},
		{name: "zero-length hunk header", original: greeting, diff: "@@ -1,0 +1,0 @@\n", wantErr: ErrMalformedDiff},
		{name: "body longer than header", original: greeting, diff: "@@ -1,1 +1,1 @@\n-Hello\n+Hi\n World\n", wantErr: ErrMalformedDiff},
		{name: "body shorter than header", original: greeting, diff: "@@ -1,2 +1,2 @@\n-Hello\n+Hi\n", wantErr: ErrMalformedDiff},
		{name: "too many additions", original: greeting, diff: "@@ -1,1 +1,1 @@\n-Hello\n+Hi\n+there\n", wantErr: ErrMalformedDiff},
		{
			name:     "context mismatch",
			original: greeting,
			diff:     "@@ -1,2 +1,2 @@\n-Goodbye\n+Hi\n World\n",
			wantErr:  ErrDoesNotApply,
		},
		{
			name:     "too much change",
			original: greeting,
			diff:     "@@ -1,2 +1,2 @@\n-Hello\n-World\n+Completely different instructions\n+for a different task entirely\n",
			ratio:    0.5,
			wantErr:  ErrTooMuchChange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.original, tt.diff, tt.ratio)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApply_StaleLineNumbers(t *testing.T) {
	original := "intro\nYou are a support agent.\nBe concise.\nSign off politely."
	d := "@@ -10,2 +10,2 @@\n You are a support agent.\n-Be concise.\n+Be concise and cite the policy.\n"

	patched, err := Apply(original, d, 0.9)
	require.NoError(t, err)
	assert.Equal(t, "intro\nYou are a support agent.\nBe concise and cite the policy.\nSign off politely.", patched)
}

func TestApply_AmbiguousContextDoesNotApply(t *testing.T) {
	original := "repeat\nx\nrepeat\nx"
	d := "@@ -9,1 +9,1 @@\n-repeat\n+changed\n"

	_, err := Apply(original, d, 0.9)
	require.ErrorIs(t, err, ErrDoesNotApply)
}

func TestApply_MultipleHunksAndInsertion(t *testing.T) {
	original := "a\nb\nc\nd\ne"
	d := "@@ -1,1 +1,2 @@\n a\n+a2\n@@ -4,2 +5,2 @@\n-d\n+D\n e\n"

	patched, err := Apply(original, d, 0.9)
	require.NoError(t, err)
	assert.Equal(t, "a\na2\nb\nc\nD\ne", patched)
}

func TestApply_HunkCountsDelimitBodies(t *testing.T) {
	tests := []struct {
		name     string
		original string
		diff     string
		want     string
	}{
		{
			name:     "second file header after a hunk",
			original: greeting,
			diff:     "--- a/p\n+++ b/p\n@@ -1 +1 @@\n-Hello\n+Hi\n--- a/other\n+++ b/other\n@@ -2 +2 @@\n-World\n+Earth\n",
			want:     "Hi\nEarth",
		},
		{
			name:     "removed line that looks like a header",
			original: "-- signature\nBody",
			diff:     "@@ -1,2 +1,1 @@\n--- signature\n Body\n",
			want:     "Body",
		},
		{
			name:     "trailing blank context without its space",
			original: "Intro\n\nBody",
			diff:     "@@ -1,2 +1,2 @@\n-Intro\n+Introduction\n\n",
			want:     "Introduction\n\nBody",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patched, err := Apply(tt.original, tt.diff, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, patched)
		})
	}
}

func TestChangeRatio(t *testing.T) {
	assert.Zero(t, ChangeRatio("same", "same"))
	assert.Zero(t, ChangeRatio("", ""))
	assert.InDelta(t, 1.0, ChangeRatio("", "abc"), 1e-9)
	// "Hello" -> "Hello Edison" inserts 7 runes into a 12 rune result.
	assert.InDelta(t, 7.0/12.0, ChangeRatio("Hello", "Hello Edison"), 1e-9)
	// Multi-byte runes count once.
	assert.InDelta(t, 0.5, ChangeRatio("日本", "日b"), 1e-9)
}
