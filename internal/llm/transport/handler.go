// Package transport holds the request/response model of the model gateway
// and the composable handler pipeline every call flows through.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
)

// ProviderAdapter abstracts provider-specific HTTP communication patterns.
type ProviderAdapter interface {
	Build(ctx context.Context, req *Request) (*http.Request, error)
	// Parse decodes a response. Non-2xx responses yield *ProviderError.
	Parse(httpResp *http.Response) (*Response, error)
	Name() string
}

// Handler processes chat requests through a composable middleware pipeline.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler. The first
// middleware is outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NewHTTPHandler creates the core handler that performs the backend call.
func NewHTTPHandler(client *http.Client) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpHandler{client: client}
}

type httpHandler struct {
	client *http.Client
}

// Handle makes exactly one HTTP request through the request's adapter.
func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Adapter == nil {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, req.Provider)
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := req.Adapter.Build(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, llmerrors.FromTransport(req.Provider, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp, err := req.Adapter.Parse(httpResp)
	if err != nil {
		if _, ok := llmerrors.AsProviderError(err); !ok {
			err = &llmerrors.ProviderError{
				Provider:   req.Provider,
				StatusCode: httpResp.StatusCode,
				Message:    err.Error(),
				Type:       llmerrors.ErrorTypeUnknown,
				Cause:      err,
			}
		}
		return nil, err
	}
	resp.Usage.LatencyMs = latency.Milliseconds()
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}
