package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
	"github.com/ahrav/go-promptlab/internal/metrics"
)

// observe is the outermost middleware: one span, one metrics sample and one
// log line per logical call. Prompt text is never logged.
func (g *Gateway) observe() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			ctx, span := g.tracer.Start(ctx, "gateway.chat",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("llm.provider", req.Provider),
					attribute.String("llm.model", req.Model),
					attribute.Int("llm.messages", len(req.Messages)),
				))
			defer span.End()

			start := time.Now()
			resp, err := next.Handle(ctx, req)
			elapsed := time.Since(start)

			if err != nil {
				errType := llmerrors.ErrorTypeUnknown
				status := 0
				if pe, ok := llmerrors.AsProviderError(err); ok {
					errType = pe.Type
					status = pe.StatusCode
				}
				g.metrics.ObserveGatewayCall(req.Provider, req.Model, metrics.OutcomeError, elapsed, 0, 0, 0)
				g.metrics.ProviderError(req.Provider, string(errType))
				span.SetAttributes(attribute.Int("http.status_code", status))
				span.RecordError(err)
				span.SetStatus(codes.Error, string(errType))
				g.logger.WarnContext(ctx, "gateway call failed",
					"provider", req.Provider,
					"model", req.Model,
					"error_type", errType,
					"status_code", status,
					"duration_ms", elapsed.Milliseconds(),
					"error", err,
				)
				return nil, err
			}

			outcome := metrics.OutcomeOK
			if resp.Cached {
				outcome = metrics.OutcomeCached
			}
			cost := g.cost(req.Provider, req.Model, resp)
			g.metrics.ObserveGatewayCall(req.Provider, req.Model, outcome, elapsed,
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)
			span.SetAttributes(
				attribute.Bool("llm.cached", resp.Cached),
				attribute.Int64("llm.prompt_tokens", resp.Usage.PromptTokens),
				attribute.Int64("llm.completion_tokens", resp.Usage.CompletionTokens),
				attribute.Int64("llm.cost_millicents", int64(cost)),
			)
			g.logger.DebugContext(ctx, "gateway call completed",
				"provider", req.Provider,
				"model", req.Model,
				"cached", resp.Cached,
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens,
				"cost_millicents", cost,
				"duration_ms", elapsed.Milliseconds(),
				"response_length", len(resp.Text),
			)
			return resp, nil
		})
	}
}
