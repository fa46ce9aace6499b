package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// anthropicDefaultMaxTokens is sent when params omit max_tokens, which the
// messages API requires.
const anthropicDefaultMaxTokens = 1024

// AnthropicAdapter speaks the messages API.
type AnthropicAdapter struct {
	settings Settings
}

// NewAnthropicAdapter creates an Anthropic adapter, defaulting to the public API.
func NewAnthropicAdapter(s Settings) *AnthropicAdapter {
	if s.Endpoint == "" {
		s.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicAdapter{settings: s}
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

// ValidateModel rejects names outside the Claude family.
func (a *AnthropicAdapter) ValidateModel(model string) error {
	if !strings.HasPrefix(model, "claude") {
		return fmt.Errorf("%w: %q is not an anthropic model", llmerrors.ErrUnknownModel, model)
	}
	return nil
}

// Build constructs a messages request. System messages move to the top-level
// system field; the API has no seed parameter, so a seed is not sent.
func (a *AnthropicAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	conv := req.Conversation()
	messages := make([]map[string]any, 0, len(conv))
	for _, m := range conv {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	body := copyParams(req.Params)
	body["model"] = req.Model
	body["messages"] = messages
	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = anthropicDefaultMaxTokens
	}
	if system := req.System(); system != "" {
		body["system"] = system
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.Endpoint+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(httpReq, a.settings.Headers)
	httpReq.Header.Set("x-api-key", a.settings.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

// Parse decodes a messages response, joining every text block.
func (a *AnthropicAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := readBody(httpResp)
	if err != nil {
		return nil, llmerrors.FromTransport(ProviderAnthropic, err)
	}
	if !isOK(httpResp.StatusCode) {
		return nil, parseAnthropicError(httpResp.StatusCode, body)
	}

	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := decodeOK(ProviderAnthropic, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &transport.Response{
		Text:  text.String(),
		Model: resp.Model,
		Usage: transport.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

func parseAnthropicError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	var message, code string
	if err := json.Unmarshal(body, &errResp); err == nil {
		message, code = errResp.Error.Message, errResp.Error.Type
	}
	return llmerrors.FromStatus(ProviderAnthropic, statusCode, code, message, body)
}
