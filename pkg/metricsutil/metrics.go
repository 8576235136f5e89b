// Package metricsutil exposes the Prometheus collectors the runtime's
// buses and lifecycle components report through.
package metricsutil

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns every Prometheus collector the runtime registers.
type Recorder struct {
	llmTokensTotal   *prometheus.CounterVec
	llmCostCents     *prometheus.CounterVec
	llmCarbonGrams   *prometheus.CounterVec
	llmEnergyKWh     *prometheus.CounterVec
	llmLatencyMillis *prometheus.HistogramVec

	breakerState      *prometheus.GaugeVec
	resourceSnapshot  *prometheus.GaugeVec
	resourceSignals   *prometheus.CounterVec
}

// New registers a fresh set of collectors against registerer. Pass
// prometheus.DefaultRegisterer for process-wide use, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across cases.
func New(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens consumed, by service/model/handler/direction.",
		}, []string{"service", "model", "handler", "direction"}),
		llmCostCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_cents_total",
			Help: "Estimated LLM cost in cents, by service/model/handler.",
		}, []string{"service", "model", "handler"}),
		llmCarbonGrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_environmental_carbon_grams_total",
			Help: "Estimated grams of CO2 attributed to LLM calls.",
		}, []string{"service", "model", "handler"}),
		llmEnergyKWh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_environmental_energy_kwh_total",
			Help: "Estimated kWh consumed by LLM calls.",
		}, []string{"service", "model", "handler"}),
		llmLatencyMillis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_latency_milliseconds",
			Help:    "LLM call latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"service", "model", "handler"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"provider", "service_type"}),
		resourceSnapshot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_monitor_value",
			Help: "Current value of a monitored resource.",
		}, []string{"resource"}),
		resourceSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_monitor_signals_total",
			Help: "Count of resource protection signals emitted, by resource/signal.",
		}, []string{"resource", "signal"}),
	}

	for _, c := range []prometheus.Collector{
		r.llmTokensTotal, r.llmCostCents, r.llmCarbonGrams, r.llmEnergyKWh,
		r.llmLatencyMillis, r.breakerState, r.resourceSnapshot, r.resourceSignals,
	} {
		registerer.MustRegister(c)
	}
	return r
}

// LLMLabels identifies the dimensions LLM telemetry is tagged with.
type LLMLabels struct {
	Service string
	Model   string
	Handler string
}

// LLMUsage is the per-call usage payload recorded by RecordLLMUsage.
type LLMUsage struct {
	TokensTotal   int
	TokensInput   int
	TokensOutput  int
	CostCents     float64
	CarbonGrams   float64
	EnergyKWh     float64
	LatencyMillis float64
}

// RecordLLMUsage emits every telemetry point a successful
// call_llm_structured must produce: tokens (total/input/output), cost,
// environmental estimates, and latency.
func (r *Recorder) RecordLLMUsage(labels LLMLabels, usage LLMUsage) {
	r.llmTokensTotal.WithLabelValues(labels.Service, labels.Model, labels.Handler, "total").Add(float64(usage.TokensTotal))
	r.llmTokensTotal.WithLabelValues(labels.Service, labels.Model, labels.Handler, "input").Add(float64(usage.TokensInput))
	r.llmTokensTotal.WithLabelValues(labels.Service, labels.Model, labels.Handler, "output").Add(float64(usage.TokensOutput))
	r.llmCostCents.WithLabelValues(labels.Service, labels.Model, labels.Handler).Add(usage.CostCents)
	r.llmCarbonGrams.WithLabelValues(labels.Service, labels.Model, labels.Handler).Add(usage.CarbonGrams)
	r.llmEnergyKWh.WithLabelValues(labels.Service, labels.Model, labels.Handler).Add(usage.EnergyKWh)
	r.llmLatencyMillis.WithLabelValues(labels.Service, labels.Model, labels.Handler).Observe(usage.LatencyMillis)
}

// SetBreakerState records a breaker's numeric state for a provider.
func (r *Recorder) SetBreakerState(provider, serviceType string, state int) {
	r.breakerState.WithLabelValues(provider, serviceType).Set(float64(state))
}

// SetResourceValue records a resource monitor sample.
func (r *Recorder) SetResourceValue(resource string, value float64) {
	r.resourceSnapshot.WithLabelValues(resource).Set(value)
}

// IncResourceSignal records one emission of a protective signal.
func (r *Recorder) IncResourceSignal(resource, signal string) {
	r.resourceSignals.WithLabelValues(resource, signal).Inc()
}
