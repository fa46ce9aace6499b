// Package llm is the model gateway: one entry point for chat completions
// across providers, with response caching, rate limiting, cost estimation
// and a uniform error shape. The gateway never retries; a failed call is
// reported to the caller as a *errors.ProviderError.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/llm/cache"
	"github.com/ahrav/go-promptlab/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/pricing"
	"github.com/ahrav/go-promptlab/internal/llm/providers"
	"github.com/ahrav/go-promptlab/internal/llm/ratelimit"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/store"
)

// Message and role aliases so callers need not import transport.
type (
	Message = transport.Message
	Usage   = transport.Usage
)

const (
	RoleSystem    = transport.RoleSystem
	RoleUser      = transport.RoleUser
	RoleAssistant = transport.RoleAssistant
)

// Target addresses one model under a project's credential.
type Target struct {
	ProjectID       string
	Provider        string
	Model           string
	CredentialLabel string
}

// ChatOptions are passed to the provider verbatim and are part of the cache key.
type ChatOptions struct {
	Params map[string]any
	Seed   *int64
	// Timeout overrides the provider's configured timeout for this call.
	Timeout time.Duration
}

// ChatResult is a normalized completion. CostMilliCents is zero for cache
// hits and local providers.
type ChatResult struct {
	Text           string
	Model          string
	Usage          Usage
	Latency        time.Duration
	Cached         bool
	CostMilliCents domain.MilliCents
}

// Client is the gateway surface the pipeline stages depend on.
type Client interface {
	Chat(ctx context.Context, target Target, messages []Message, opts ChatOptions) (*ChatResult, error)
	EstimateCall(target Target, promptTokens, completionTokens int64) domain.MilliCents
}

// Options wires a Gateway. Only Config is required; nil components are
// replaced by defaults or disabled.
type Options struct {
	Config      configuration.Config
	Registry    providers.Registry
	Credentials store.CredentialStore
	Pricing     *pricing.Table
	Cache       *cache.Cache
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Gateway implements Client. One Gateway is built at startup and shared by
// reference with every stage.
type Gateway struct {
	cfg         configuration.Config
	registry    providers.Registry
	adapters    *AdapterCache
	credentials store.CredentialStore
	pricing     *pricing.Table
	handler     transport.Handler
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *slog.Logger
}

var _ Client = (*Gateway)(nil)

// New builds a gateway. The middleware order is observe, cache, rate limit,
// backend: cache hits are observed but never wait on a rate limiter.
func New(opts Options) (*Gateway, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:         opts.Config,
		registry:    opts.Registry,
		adapters:    NewAdapterCache(),
		credentials: opts.Credentials,
		pricing:     opts.Pricing,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
	}
	if g.registry == nil {
		g.registry = providers.DefaultRegistry()
	}
	if g.pricing == nil {
		g.pricing = pricing.NewTable(opts.Config.LocalProviders...)
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("llm")
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Config.HTTPTimeout}
	}

	mws := []transport.Middleware{g.observe()}
	if opts.Cache != nil {
		mws = append(mws, opts.Cache.Middleware())
	}
	if opts.Limiter != nil {
		mws = append(mws, opts.Limiter.Middleware())
	}
	g.handler = transport.Chain(transport.NewHTTPHandler(httpClient), mws...)
	return g, nil
}

// Chat performs one completion. The message sequence and options are sent
// exactly as given.
func (g *Gateway) Chat(ctx context.Context, target Target, messages []Message, opts ChatOptions) (*ChatResult, error) {
	if len(messages) == 0 {
		return nil, errors.New("chat requires at least one message")
	}
	adapter, err := g.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{
		Provider: target.Provider,
		Model:    target.Model,
		Messages: messages,
		Params:   opts.Params,
		Seed:     opts.Seed,
		Timeout:  g.timeout(target.Provider, opts.Timeout),
		Adapter:  adapter,
	}
	resp, err := g.handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}

	return &ChatResult{
		Text:           resp.Text,
		Model:          resp.Model,
		Usage:          resp.Usage,
		Latency:        time.Duration(resp.Usage.LatencyMs) * time.Millisecond,
		Cached:         resp.Cached,
		CostMilliCents: g.cost(req.Provider, req.Model, resp),
	}, nil
}

// EstimateCall prices a call to target from the rate table, using the
// fallback rate for unlisted models. Local providers are free.
func (g *Gateway) EstimateCall(target Target, promptTokens, completionTokens int64) domain.MilliCents {
	return g.pricing.Estimate(target.Provider, target.Model, promptTokens, completionTokens)
}

// Pricing exposes the table so overrides can be hot-reloaded.
func (g *Gateway) Pricing() *pricing.Table { return g.pricing }

// Adapters exposes the adapter cache.
func (g *Gateway) Adapters() *AdapterCache { return g.adapters }

func (g *Gateway) resolve(ctx context.Context, target Target) (transport.ProviderAdapter, error) {
	reg, err := g.registry.Lookup(target.Provider)
	if err != nil {
		return nil, err
	}
	pc := g.cfg.Providers[target.Provider]
	settings := providers.Settings{Endpoint: pc.Endpoint, Headers: pc.Headers}
	key := AdapterKey{Provider: target.Provider, Model: target.Model}

	if !g.isLocal(target.Provider, reg) {
		cred, err := g.credential(ctx, target)
		if err != nil {
			return nil, err
		}
		settings.APIKey = cred.Secret
		key.CredentialID = cred.ID
	}

	return g.adapters.GetOrBuild(key, func() (transport.ProviderAdapter, error) {
		a := reg.New(settings)
		if v, ok := a.(providers.ModelValidator); ok {
			if err := v.ValidateModel(target.Model); err != nil {
				return nil, err
			}
		}
		return a, nil
	})
}

func (g *Gateway) isLocal(provider string, reg providers.Registration) bool {
	return reg.Local || slices.Contains(g.cfg.LocalProviders, provider)
}

// credential resolves exactly one active credential for the target's
// provider. It never substitutes a credential of another provider.
func (g *Gateway) credential(ctx context.Context, target Target) (domain.Credential, error) {
	if g.credentials == nil {
		return domain.Credential{}, fmt.Errorf("%w: %s", llmerrors.ErrCredentialRequired, target.Provider)
	}
	cred, err := g.credentials.LookupCredential(ctx, target.ProjectID, target.Provider, target.CredentialLabel)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Credential{}, fmt.Errorf("%w: no active %s credential labelled %q",
			llmerrors.ErrCredentialRequired, target.Provider, target.CredentialLabel)
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("credential lookup: %w", err)
	}
	if !cred.Usable() || cred.Provider != target.Provider {
		return domain.Credential{}, fmt.Errorf("%w: credential %s is not usable for %s",
			llmerrors.ErrCredentialRequired, cred.ID, target.Provider)
	}
	return cred, nil
}

func (g *Gateway) timeout(provider string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return g.cfg.Providers[provider].Timeout
}

func (g *Gateway) cost(provider, model string, resp *transport.Response) domain.MilliCents {
	if resp.Cached {
		return 0
	}
	return g.pricing.Estimate(provider, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
}

// DefaultCompletionEstimate is the completion size assumed when a call's
// params set no max_tokens.
const DefaultCompletionEstimate = 512

// ApproxTokens estimates the token count of text at four runes per token.
func ApproxTokens(text string) int64 {
	return int64(utf8.RuneCountInString(text)+3) / 4
}

// ApproxMessageTokens sums ApproxTokens over a message sequence.
func ApproxMessageTokens(messages []Message) int64 {
	var n int64
	for _, m := range messages {
		n += ApproxTokens(m.Content)
	}
	return n
}

// Projected prices a call before it is made: the approximate prompt size
// plus the params' max_tokens, or DefaultCompletionEstimate when unset.
func Projected(c Client, target Target, messages []Message, params map[string]any) domain.MilliCents {
	completion := int64(DefaultCompletionEstimate)
	switch v := params["max_tokens"].(type) {
	case int:
		completion = int64(v)
	case int64:
		completion = v
	case float64:
		completion = int64(v)
	}
	if completion <= 0 {
		completion = DefaultCompletionEstimate
	}
	return c.EstimateCall(target, ApproxMessageTokens(messages), completion)
}
