package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Dataset is a named collection of cases owned by a project.
type Dataset struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DatasetCase is one labeled input the prompt is evaluated against.
type DatasetCase struct {
	ID         string         `json:"id"`
	DatasetID  string         `json:"dataset_id"`
	Input      map[string]any `json:"input"`
	Tags       []string       `json:"tags"`
	Difficulty float64        `json:"difficulty"`
	// InputHash is the SHA-256 of the canonical input payload; the store
	// enforces uniqueness on (dataset, hash).
	InputHash string `json:"input_hash"`
}

// DifficultyBucket returns the coverage bucket label for the case.
func (c DatasetCase) DifficultyBucket() string { return DifficultyBucket(c.Difficulty) }

// DifficultyBucket rounds a difficulty to the nearest integer label.
func DifficultyBucket(d float64) string {
	return strconv.FormatFloat(math.Round(d), 'f', -1, 64)
}

// ParseResult is the accepted subset of a dataset batch.
type ParseResult struct {
	Cases     []DatasetCase
	Discarded int
}

type rawCase struct {
	Input      json.RawMessage `json:"input"`
	Tags       []string        `json:"tags"`
	Difficulty *float64        `json:"difficulty"`
}

// ParseCases decodes a JSON array of cases. Records without an input object
// and records whose canonical input duplicates an earlier record are
// discarded and counted. A batch with zero accepted cases is an error.
func ParseCases(data []byte) (ParseResult, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return ParseResult{}, fmt.Errorf("%w: %w", ErrMalformedCases, err)
	}

	var res ParseResult
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		c, ok := parseCase(raw)
		if !ok {
			res.Discarded++
			continue
		}
		if _, dup := seen[c.InputHash]; dup {
			res.Discarded++
			continue
		}
		seen[c.InputHash] = struct{}{}
		res.Cases = append(res.Cases, c)
	}

	if len(res.Cases) == 0 {
		return res, fmt.Errorf("%w: %d records discarded", ErrNoValidCases, res.Discarded)
	}
	return res, nil
}

func parseCase(raw json.RawMessage) (DatasetCase, bool) {
	var rc rawCase
	if err := json.Unmarshal(raw, &rc); err != nil {
		return DatasetCase{}, false
	}
	if len(bytes.TrimSpace(rc.Input)) == 0 || bytes.Equal(bytes.TrimSpace(rc.Input), []byte("null")) {
		return DatasetCase{}, false
	}

	var input map[string]any
	if err := json.Unmarshal(rc.Input, &input); err != nil || len(input) == 0 {
		return DatasetCase{}, false
	}

	hash, err := CanonicalInputHash(input)
	if err != nil {
		return DatasetCase{}, false
	}

	c := DatasetCase{
		Input:     input,
		Tags:      NormalizeTags(rc.Tags),
		InputHash: hash,
	}
	if rc.Difficulty != nil {
		if math.IsNaN(*rc.Difficulty) || math.IsInf(*rc.Difficulty, 0) {
			return DatasetCase{}, false
		}
		c.Difficulty = *rc.Difficulty
	}
	return c, true
}

// CanonicalInputHash hashes the input with sorted keys so equal payloads
// collide regardless of field order in the source document.
func CanonicalInputHash(input map[string]any) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeTags trims, drops empties and deduplicates while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// InputString renders one input value for prompt substitution.
func InputString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
