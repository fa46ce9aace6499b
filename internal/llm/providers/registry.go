// Package providers contains one adapter per model backend. Adapters turn a
// normalized transport.Request into the provider's HTTP call and decode the
// provider's response shape back into a transport.Response.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// Supported provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// Settings are the per-credential inputs to an adapter.
type Settings struct {
	Endpoint string
	APIKey   string
	Headers  map[string]string
}

// Constructor builds an adapter for one credential.
type Constructor func(Settings) transport.ProviderAdapter

// ModelValidator is implemented by adapters that can reject a model name
// before any request is sent.
type ModelValidator interface {
	ValidateModel(model string) error
}

// Registration describes one provider.
type Registration struct {
	New Constructor
	// Local providers run on the operator's hardware and need no credential.
	Local bool
}

// Registry maps provider identifiers to their registrations.
type Registry map[string]Registration

// DefaultRegistry returns the built-in providers.
func DefaultRegistry() Registry {
	return Registry{
		ProviderOpenAI:    {New: func(s Settings) transport.ProviderAdapter { return NewOpenAIAdapter(s) }},
		ProviderAnthropic: {New: func(s Settings) transport.ProviderAdapter { return NewAnthropicAdapter(s) }},
		ProviderGoogle:    {New: func(s Settings) transport.ProviderAdapter { return NewGoogleAdapter(s) }},
		ProviderOllama:    {New: func(s Settings) transport.ProviderAdapter { return NewOllamaAdapter(s) }, Local: true},
	}
}

// Lookup returns the registration for provider or ErrUnknownProvider.
func (r Registry) Lookup(provider string) (Registration, error) {
	reg, ok := r[provider]
	if !ok || reg.New == nil {
		return Registration{}, fmt.Errorf("%w: %q", llmerrors.ErrUnknownProvider, provider)
	}
	return reg, nil
}

// Names lists registered providers in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// readBody reads a response body, bounding error bodies.
func readBody(resp *http.Response) ([]byte, error) {
	var rd io.Reader = resp.Body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rd = io.LimitReader(resp.Body, maxErrorBody)
	}
	body, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// decodeOK unmarshals a 2xx body, mapping decode failures to
// ErrInvalidResponse.
func decodeOK(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w from %s: %w", llmerrors.ErrInvalidResponse, provider, err)
	}
	return nil
}

func isOK(status int) bool { return status >= 200 && status <= 299 }

// copyParams shallow-copies params so adapters can add keys freely.
func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	return out
}

func setHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
