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

// ollamaOptionNames maps common param names onto Ollama option names.
var ollamaOptionNames = map[string]string{
	"max_tokens": "num_predict",
}

// OllamaAdapter talks to a local Ollama instance via /api/chat.
type OllamaAdapter struct {
	settings Settings
}

// NewOllamaAdapter creates an Ollama adapter, defaulting to localhost.
func NewOllamaAdapter(s Settings) *OllamaAdapter {
	if s.Endpoint == "" {
		s.Endpoint = "http://localhost:11434"
	}
	return &OllamaAdapter{settings: s}
}

// Name returns the provider name.
func (a *OllamaAdapter) Name() string { return ProviderOllama }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

// Build constructs a non-streaming chat request. Params become options.
func (a *OllamaAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	chat := ollamaChatRequest{Model: req.Model, Stream: false}
	for _, m := range req.Messages {
		chat.Messages = append(chat.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	if len(req.Params) > 0 || req.Seed != nil {
		chat.Options = make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			if mapped, ok := ollamaOptionNames[k]; ok {
				k = mapped
			}
			chat.Options[k] = v
		}
		if req.Seed != nil {
			chat.Options["seed"] = *req.Seed
		}
	}

	body, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(httpReq, a.settings.Headers)
	return httpReq, nil
}

// Parse decodes a chat response.
func (a *OllamaAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := readBody(httpResp)
	if err != nil {
		return nil, llmerrors.FromTransport(ProviderOllama, err)
	}
	if !isOK(httpResp.StatusCode) {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		return nil, llmerrors.FromStatus(ProviderOllama, httpResp.StatusCode, "", errResp.Error, body)
	}

	var resp ollamaChatResponse
	if err := decodeOK(ProviderOllama, body, &resp); err != nil {
		return nil, err
	}
	return &transport.Response{
		Text:  resp.Message.Content,
		Model: resp.Model,
		Usage: transport.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}
