package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized chat completion request. Adapter is resolved by
// the gateway before the request enters the middleware chain.
type Request struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Params   map[string]any `json:"params,omitempty"`
	Seed     *int64         `json:"seed,omitempty"`

	Timeout time.Duration   `json:"-"`
	Adapter ProviderAdapter `json:"-"`
}

// System returns the concatenated system messages.
func (r *Request) System() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// Conversation returns the non-system messages in order.
func (r *Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Usage is token accounting normalized across provider response shapes.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}

// Response is a normalized chat completion.
type Response struct {
	Text    string      `json:"text"`
	Model   string      `json:"model"`
	Usage   Usage       `json:"usage"`
	Cached  bool        `json:"-"`
	Headers http.Header `json:"-"`
	RawBody []byte      `json:"-"`
}

// cacheKeyPayload is everything that can change a completion. Text is
// hashed exactly as sent.
type cacheKeyPayload struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Params   map[string]any `json:"params"`
	Seed     *int64         `json:"seed"`
}

// CacheKey returns the SHA-256 hex digest of the canonical JSON encoding of
// (provider, model, messages, params, seed). Map keys are sorted by the
// encoder, so params order never affects the key.
func CacheKey(req *Request) (string, error) {
	b, err := json.Marshal(cacheKeyPayload{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
		Params:   req.Params,
		Seed:     req.Seed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
