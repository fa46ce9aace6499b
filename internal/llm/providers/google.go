package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// googleParamNames maps common param names onto generationConfig fields.
var googleParamNames = map[string]string{
	"max_tokens":        "maxOutputTokens",
	"top_p":             "topP",
	"top_k":             "topK",
	"stop":              "stopSequences",
	"presence_penalty":  "presencePenalty",
	"frequency_penalty": "frequencyPenalty",
}

// GoogleAdapter speaks the Gemini generateContent API.
type GoogleAdapter struct {
	settings Settings
}

// NewGoogleAdapter creates a Gemini adapter, defaulting to the public API.
func NewGoogleAdapter(s Settings) *GoogleAdapter {
	if s.Endpoint == "" {
		s.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleAdapter{settings: s}
}

// Name returns the provider name.
func (a *GoogleAdapter) Name() string { return ProviderGoogle }

// ValidateModel rejects names outside the Gemini family.
func (a *GoogleAdapter) ValidateModel(model string) error {
	if !strings.HasPrefix(model, "gemini") {
		return fmt.Errorf("%w: %q is not a gemini model", llmerrors.ErrUnknownModel, model)
	}
	return nil
}

// Build constructs a generateContent request. Assistant turns use the
// "model" role.
func (a *GoogleAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	conv := req.Conversation()
	contents := make([]map[string]any, 0, len(conv))
	for _, m := range conv {
		role := "user"
		if m.Role == transport.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}

	genCfg := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		if mapped, ok := googleParamNames[k]; ok {
			k = mapped
		}
		genCfg[k] = v
	}
	if req.Seed != nil {
		genCfg["seed"] = *req.Seed
	}

	body := map[string]any{"contents": contents}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}
	if system := req.System(); system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		a.settings.Endpoint, url.PathEscape(req.Model), url.QueryEscape(a.settings.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(httpReq, a.settings.Headers)
	return httpReq, nil
}

// Parse decodes a generateContent response from the first candidate.
func (a *GoogleAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := readBody(httpResp)
	if err != nil {
		return nil, llmerrors.FromTransport(ProviderGoogle, err)
	}
	if !isOK(httpResp.StatusCode) {
		return nil, parseGoogleError(httpResp.StatusCode, body)
	}

	var resp struct {
		ModelVersion string `json:"modelVersion"`
		Candidates   []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := decodeOK(ProviderGoogle, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 {
		for _, p := range resp.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
	}
	return &transport.Response{
		Text:  text.String(),
		Model: resp.ModelVersion,
		Usage: transport.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

func parseGoogleError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	var message, code string
	if err := json.Unmarshal(body, &errResp); err == nil {
		message, code = errResp.Error.Message, errResp.Error.Status
	}
	return llmerrors.FromStatus(ProviderGoogle, statusCode, code, message, body)
}
