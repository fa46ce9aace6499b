// Package diff applies unified diffs to prompt text under a bounded-change
// policy. Automated refinements are accepted only when they apply cleanly and
// rewrite at most a configured fraction of the original.
package diff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultMaxChangeRatio bounds the edit distance of an accepted patch
// relative to the longer of the original and patched texts.
const DefaultMaxChangeRatio = 0.5

var (
	// ErrEmptyDiff is returned for a blank payload or one with no hunks.
	ErrEmptyDiff = errors.New("diff is empty")

	// ErrMalformedDiff is returned when the payload is not a unified diff.
	ErrMalformedDiff = errors.New("diff is malformed")

	// ErrDoesNotApply is returned when hunk context does not match the original text.
	ErrDoesNotApply = errors.New("diff does not apply")

	// ErrTooMuchChange is returned when a patch applies but rewrites too much text.
	ErrTooMuchChange = errors.New("diff changes too much of the original")
)

type lineKind byte

const (
	lineContext lineKind = ' '
	lineAdd     lineKind = '+'
	lineRemove  lineKind = '-'
)

type hunkLine struct {
	kind lineKind
	text string
}

type hunk struct {
	oldStart int
	oldLines int
	newLines int
	lines    []hunkLine
}

// remaining reports how many old and new lines the header still expects.
func (h hunk) remaining() (oldLeft, newLeft int) {
	oldLeft, newLeft = h.oldLines, h.newLines
	for _, l := range h.lines {
		if l.kind != lineAdd {
			oldLeft--
		}
		if l.kind != lineRemove {
			newLeft--
		}
	}
	return oldLeft, newLeft
}

func (h hunk) oldText() []string {
	var out []string
	for _, l := range h.lines {
		if l.kind != lineAdd {
			out = append(out, l.text)
		}
	}
	return out
}

func (h hunk) newText() []string {
	var out []string
	for _, l := range h.lines {
		if l.kind != lineRemove {
			out = append(out, l.text)
		}
	}
	return out
}

// Apply patches original with diffText and enforces maxChangeRatio. A ratio
// of zero or less selects DefaultMaxChangeRatio.
func Apply(original, diffText string, maxChangeRatio float64) (string, error) {
	if maxChangeRatio <= 0 {
		maxChangeRatio = DefaultMaxChangeRatio
	}

	hunks, err := parse(diffText)
	if err != nil {
		return "", err
	}

	patched, err := applyHunks(original, hunks)
	if err != nil {
		return "", err
	}

	if ratio := ChangeRatio(original, patched); ratio > maxChangeRatio {
		return "", fmt.Errorf("%w: ratio %.3f exceeds %.3f", ErrTooMuchChange, ratio, maxChangeRatio)
	}
	return patched, nil
}

// ChangeRatio is the rune-level Levenshtein distance between a and b divided
// by the rune length of the longer text. Identical texts yield zero.
func ChangeRatio(a, b string) float64 {
	if a == b {
		return 0
	}
	dmp := diffmatchpatch.New()
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))

	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return float64(dist) / float64(longest)
}

// parse extracts hunks from a unified diff. File headers are optional;
// anything outside a hunk other than headers is rejected. Each hunk body is
// read up to the line counts of its header, so a "--- " line inside a hunk is
// a removal and one after it starts the next file.
func parse(diffText string) ([]hunk, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, ErrEmptyDiff
	}

	lines := strings.Split(strings.ReplaceAll(diffText, "\r\n", "\n"), "\n")
	// blank counts trailing empty lines beyond the final terminator.
	blank := -1
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		blank++
	}

	var (
		hunks []hunk
		cur   *hunk
	)
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"; trailing newlines follow the original.
			continue

		case cur == nil:
			switch {
			case strings.HasPrefix(line, "@@"):
				h, err := parseHunkHeader(line)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedDiff, i+1, err)
				}
				hunks = append(hunks, h)
				cur = &hunks[len(hunks)-1]
			case isHeader(line) || strings.TrimSpace(line) == "":
				continue
			case len(hunks) == 0:
				return nil, fmt.Errorf("%w: unexpected content before first hunk at line %d", ErrMalformedDiff, i+1)
			default:
				return nil, fmt.Errorf("%w: hunk %d is longer than its header at line %d", ErrMalformedDiff, len(hunks), i+1)
			}

		default:
			hl, err := parseHunkLine(line)
			if err != nil {
				return nil, fmt.Errorf("%w: %w at line %d", ErrMalformedDiff, err, i+1)
			}
			cur.lines = append(cur.lines, hl)
			oldLeft, newLeft := cur.remaining()
			if oldLeft < 0 || newLeft < 0 {
				return nil, fmt.Errorf("%w: hunk %d is longer than its header at line %d", ErrMalformedDiff, len(hunks), i+1)
			}
			if oldLeft == 0 && newLeft == 0 {
				cur = nil
			}
		}
	}

	if cur != nil {
		// Blank context lines stripped of their space were trimmed above.
		oldLeft, newLeft := cur.remaining()
		if oldLeft != newLeft || oldLeft > blank {
			return nil, fmt.Errorf("%w: hunk %d is shorter than its header", ErrMalformedDiff, len(hunks))
		}
		for range oldLeft {
			cur.lines = append(cur.lines, hunkLine{kind: lineContext})
		}
	}
	if len(hunks) == 0 {
		return nil, ErrEmptyDiff
	}
	for i, h := range hunks {
		if len(h.lines) == 0 {
			return nil, fmt.Errorf("%w: hunk %d has no lines", ErrMalformedDiff, i+1)
		}
	}
	return hunks, nil
}

func parseHunkLine(line string) (hunkLine, error) {
	if line == "" {
		// Some generators strip the leading space of blank context lines.
		return hunkLine{kind: lineContext}, nil
	}
	switch kind := lineKind(line[0]); kind {
	case lineContext, lineAdd, lineRemove:
		return hunkLine{kind: kind, text: line[1:]}, nil
	default:
		return hunkLine{}, fmt.Errorf("invalid line prefix %q", line[:1])
	}
}

func isHeader(line string) bool {
	return strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") ||
		strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index ")
}

// parseHunkHeader parses "@@ -a,b +c,d @@ optional section".
func parseHunkHeader(line string) (hunk, error) {
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return hunk{}, errors.New("unterminated hunk header")
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return hunk{}, fmt.Errorf("invalid hunk header %q", line)
	}

	start, oldCount, err := parseRange(fields[0][1:])
	if err != nil {
		return hunk{}, err
	}
	_, newCount, err := parseRange(fields[1][1:])
	if err != nil {
		return hunk{}, err
	}
	if oldCount == 0 && newCount == 0 {
		return hunk{}, fmt.Errorf("hunk header %q declares no lines", line)
	}
	return hunk{oldStart: start, oldLines: oldCount, newLines: newCount}, nil
}

func parseRange(s string) (start, count int, err error) {
	startStr, countStr, hasCount := strings.Cut(s, ",")
	if start, err = strconv.Atoi(startStr); err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", s)
	}
	count = 1
	if hasCount {
		if count, err = strconv.Atoi(countStr); err != nil || count < 0 {
			return 0, 0, fmt.Errorf("invalid range count %q", s)
		}
	}
	return start, count, nil
}

// applyHunks applies hunks in order. Each hunk is first tried at its declared
// position and then searched forward from the previous hunk, so diffs with
// stale line numbers still apply when their context is unambiguous.
func applyHunks(original string, hunks []hunk) (string, error) {
	trailingNewline := strings.HasSuffix(original, "\n")
	body := strings.TrimSuffix(original, "\n")

	var src []string
	if body != "" || trailingNewline {
		src = strings.Split(body, "\n")
	}

	var out []string
	cursor := 0
	for i, h := range hunks {
		old := h.oldText()
		pos := locate(src, old, h.oldStart-1, cursor)
		if pos < 0 {
			return "", fmt.Errorf("%w: hunk %d context not found", ErrDoesNotApply, i+1)
		}
		out = append(out, src[cursor:pos]...)
		out = append(out, h.newText()...)
		cursor = pos + len(old)
	}
	out = append(out, src[cursor:]...)

	result := strings.Join(out, "\n")
	if trailingNewline && len(out) > 0 {
		result += "\n"
	}
	return result, nil
}

// locate finds old within src at or after minPos, preferring hint.
func locate(src, old []string, hint, minPos int) int {
	if len(old) == 0 {
		// Pure insertion: the header's start line is the only anchor.
		pos := max(hint+1, minPos)
		if hint < 0 {
			pos = minPos
		}
		if pos > len(src) {
			return -1
		}
		return pos
	}
	if hint >= minPos && matches(src, old, hint) {
		return hint
	}
	found := -1
	for p := minPos; p+len(old) <= len(src); p++ {
		if matches(src, old, p) {
			if found >= 0 {
				// Ambiguous context is treated as not applying.
				return -1
			}
			found = p
		}
	}
	return found
}

func matches(src, old []string, pos int) bool {
	if pos < 0 || pos+len(old) > len(src) {
		return false
	}
	for i, l := range old {
		if src[pos+i] != l {
			return false
		}
	}
	return true
}
