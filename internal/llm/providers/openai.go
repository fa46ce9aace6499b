package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// OpenAIAdapter speaks the chat/completions API. Compatible self-hosted
// servers work by overriding the endpoint.
type OpenAIAdapter struct {
	settings Settings
}

// NewOpenAIAdapter creates an OpenAI adapter, defaulting to the public API.
func NewOpenAIAdapter(s Settings) *OpenAIAdapter {
	if s.Endpoint == "" {
		s.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{settings: s}
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string { return ProviderOpenAI }

// Build constructs the chat/completions request. Params are passed through
// as top-level body fields.
func (a *OpenAIAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	body := copyParams(req.Params)
	body["model"] = req.Model
	body["messages"] = messages
	if req.Seed != nil {
		body["seed"] = *req.Seed
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.Endpoint+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(httpReq, a.settings.Headers)
	httpReq.Header.Set("Authorization", "Bearer "+a.settings.APIKey)
	return httpReq, nil
}

// Parse decodes a chat/completions response.
func (a *OpenAIAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := readBody(httpResp)
	if err != nil {
		return nil, llmerrors.FromTransport(ProviderOpenAI, err)
	}
	if !isOK(httpResp.StatusCode) {
		return nil, parseOpenAIError(httpResp.StatusCode, body)
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := decodeOK(ProviderOpenAI, body, &resp); err != nil {
		return nil, err
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &transport.Response{
		Text:  text,
		Model: resp.Model,
		Usage: transport.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

func parseOpenAIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	var message, code string
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error.Message
		code = errResp.Error.Type
		if s, ok := errResp.Error.Code.(string); ok && s != "" {
			code = s
		}
	}
	return llmerrors.FromStatus(ProviderOpenAI, statusCode, code, message, body)
}
