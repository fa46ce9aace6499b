// Package metrics exposes Prometheus instruments for the gateway, the
// pipeline stages and the budget enforcer. A nil *Collector is valid and
// records nothing, so components can take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/go-promptlab/internal/domain"
)

const namespace = "promptlab"

// Gateway call outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeCached = "cached"
	OutcomeError  = "error"
)

// Collector owns every instrument and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	gatewayRequests *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	gatewayTokens   *prometheus.CounterVec
	gatewayCost     *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
	runsFinished  *prometheus.CounterVec
	iterations    *prometheus.CounterVec
	budgetVetoes  *prometheus.CounterVec
	leaseConflict prometheus.Counter
}

// New creates a Collector registered on a fresh registry. The Go runtime
// and process collectors are included.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Model gateway calls by outcome.",
		}, []string{"provider", "model", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "request_duration_seconds",
			Help:    "Model gateway call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		gatewayTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "tokens_total",
			Help: "Tokens consumed by kind.",
		}, []string{"provider", "model", "kind"}),
		gatewayCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "cost_millicents_total",
			Help: "Estimated spend in milli-cents.",
		}, []string{"provider", "model"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "provider_errors_total",
			Help: "Provider failures by error type.",
		}, []string{"provider", "type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Stage activity duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage", "outcome"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "model_runs_total",
			Help: "Model runs reaching a terminal status.",
		}, []string{"status"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "iterations_total",
			Help: "Iterations reaching a terminal status.",
		}, []string{"status"}),
		budgetVetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "budget", Name: "vetoes_total",
			Help: "Spend-incurring calls refused by the budget enforcer.",
		}, []string{"scope"}),
		leaseConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lease", Name: "conflicts_total",
			Help: "Lease acquisitions or checks that found another holder.",
		}),
	}
	reg.MustRegister(
		c.gatewayRequests, c.gatewayLatency, c.gatewayTokens, c.gatewayCost, c.providerErrors,
		c.stageDuration, c.runsFinished, c.iterations, c.budgetVetoes, c.leaseConflict,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveGatewayCall records one completed gateway call.
func (c *Collector) ObserveGatewayCall(provider, model, outcome string, latency time.Duration, promptTokens, completionTokens int64, cost domain.MilliCents) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(provider, model, outcome).Inc()
	if outcome == OutcomeError {
		return
	}
	if outcome != OutcomeCached {
		c.gatewayLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
	c.gatewayTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.gatewayTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.gatewayCost.WithLabelValues(provider, model).Add(float64(cost))
}

// ProviderError counts a classified provider failure.
func (c *Collector) ProviderError(provider, errType string) {
	if c == nil {
		return
	}
	c.providerErrors.WithLabelValues(provider, errType).Inc()
}

// ObserveStage records a stage activity's duration and outcome.
func (c *Collector) ObserveStage(stage domain.Stage, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	c.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

// RunFinished counts a model run reaching a terminal status.
func (c *Collector) RunFinished(status domain.RunStatus) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

// IterationFinished counts an iteration reaching a terminal status.
func (c *Collector) IterationFinished(status domain.IterationStatus) {
	if c == nil {
		return
	}
	c.iterations.WithLabelValues(string(status)).Inc()
}

// BudgetVeto counts a refused spend.
func (c *Collector) BudgetVeto(scope domain.BudgetScope) {
	if c == nil {
		return
	}
	c.budgetVetoes.WithLabelValues(scope.String()).Inc()
}

// LeaseConflict counts a lease held by someone else.
func (c *Collector) LeaseConflict() {
	if c == nil {
		return
	}
	c.leaseConflict.Inc()
}
