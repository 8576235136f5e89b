package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
	"github.com/ciris-run/agent-runtime/pkg/metricsutil"
)

// defaultProviderTimeout bounds a single provider call when the
// provider itself doesn't advertise one via TimeoutAware.
const defaultProviderTimeout = 30 * time.Second

// TimeoutAware lets an LLMProvider advertise its own call timeout;
// providers that don't implement it get defaultProviderTimeout.
type TimeoutAware interface {
	Timeout() time.Duration
}

func providerTimeout(instance interface{}) time.Duration {
	if t, ok := instance.(TimeoutAware); ok {
		if d := t.Timeout(); d > 0 {
			return d
		}
	}
	return defaultProviderTimeout
}

// DistributionStrategy selects among same-priority LLM providers.
type DistributionStrategy int

const (
	StrategyRoundRobinLLM DistributionStrategy = iota
	StrategyLatencyBased
	StrategyRandom
	StrategyLeastLoaded
)

// LLMProvider is the capability contract an LLM service instance must
// satisfy to be callable through the bus.
type LLMProvider interface {
	CallStructured(ctx context.Context, req StructuredRequest) (StructuredResponse, error)
}

// StructuredRequest is the input to a structured LLM call.
type StructuredRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Model       string
}

// Message is a single chat message.
type Message struct {
	Role    string
	Content string
}

// StructuredResponse is the output of a successful structured LLM
// call, including usage accounting for telemetry.
type StructuredResponse struct {
	Raw          interface{}
	Model        string
	TokensInput  int
	TokensOutput int
}

// ResourceUsage summarizes the cost/energy accounting for one call,
// returned alongside the response.
type ResourceUsage struct {
	TokensTotal   int
	TokensInput   int
	TokensOutput  int
	CostCents     float64
	CarbonGrams   float64
	EnergyKWh     float64
	LatencyMillis float64
}

// ServiceMetrics accumulates per-provider call statistics used by the
// LATENCY_BASED and LEAST_LOADED strategies.
type ServiceMetrics struct {
	mu                sync.Mutex
	TotalRequests     int
	FailedRequests    int
	TotalLatencyMs    float64
	LastRequestTime   time.Time
	LastFailureTime   time.Time
	ConsecutiveFails  int
}

// AverageLatencyMs is zero (warm-up bias) until at least one request
// has completed.
func (m *ServiceMetrics) AverageLatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalLatencyMs / float64(m.TotalRequests)
}

// FailureRate is zero until at least one request has completed.
func (m *ServiceMetrics) FailureRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests)
}

func (m *ServiceMetrics) recordSuccess(latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.TotalLatencyMs += latencyMs
	m.LastRequestTime = time.Now()
	m.ConsecutiveFails = 0
}

func (m *ServiceMetrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.FailedRequests++
	m.LastFailureTime = time.Now()
	m.ConsecutiveFails++
}

// modelCost is one entry of the prefix-matched cost/energy table.
type modelCost struct {
	prefix          string
	costPerMTokIn   float64
	costPerMTokOut  float64
	wattHoursPerTok float64
}

// costTable is checked in order; the final entry is the default bucket
// for unrecognized models.
var costTable = []modelCost{
	{"gpt-4o-mini", 0.015, 0.060, 0.0003},
	{"gpt-4o", 0.250, 1.000, 0.0010},
	{"gpt-4-turbo", 1.000, 3.000, 0.0015},
	{"gpt-3.5-turbo", 0.050, 0.150, 0.0002},
	{"llama", 0.0, 0.0, 0.0008},
	{"claude", 0.300, 1.500, 0.0012},
	{"", 0.100, 0.300, 0.0010}, // default
}

func lookupModelCost(model string) modelCost {
	for _, c := range costTable {
		if c.prefix == "" {
			return c
		}
		if strings.HasPrefix(model, c.prefix) {
			return c
		}
	}
	return costTable[len(costTable)-1]
}

const carbonGramsPerKWh = 500.0

func computeUsage(model string, tokensIn, tokensOut int, latencyMs float64) ResourceUsage {
	c := lookupModelCost(model)
	totalTokens := tokensIn + tokensOut
	costCents := (float64(tokensIn)/1_000_000)*c.costPerMTokIn*100 +
		(float64(tokensOut)/1_000_000)*c.costPerMTokOut*100
	energyKWh := (float64(totalTokens) * c.wattHoursPerTok) / 1000.0
	return ResourceUsage{
		TokensTotal:   totalTokens,
		TokensInput:   tokensIn,
		TokensOutput:  tokensOut,
		CostCents:     costCents,
		CarbonGrams:   energyKWh * carbonGramsPerKWh,
		EnergyKWh:     energyKWh,
		LatencyMillis: latencyMs,
	}
}

// LLM is the multi-provider structured-call routing bus.
type LLM struct {
	*Base

	mu       sync.Mutex
	strategy DistributionStrategy
	cursors  map[int]int // priority -> round robin cursor
	metrics  map[string]*ServiceMetrics
	metricsSink *metricsutil.Recorder
}

// NewLLM constructs an LLM bus over reg using the given distribution
// strategy as the intra-priority-group tie-breaker.
func NewLLM(reg *registry.Registry, strategy DistributionStrategy, sink *metricsutil.Recorder) *LLM {
	return &LLM{
		Base:        NewBase(reg, registry.ServiceTypeLLM),
		strategy:    strategy,
		cursors:     make(map[int]int),
		metrics:     make(map[string]*ServiceMetrics),
		metricsSink: sink,
	}
}

func (l *LLM) metricsFor(name string) *ServiceMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.metrics[name]
	if !ok {
		m = &ServiceMetrics{}
		l.metrics[name] = m
	}
	return m
}

// CallLLMStructured routes req through the priority-grouped, breaker-
// protected set of LLM providers, trying each priority group in order
// and, within a group, the configured DistributionStrategy. It returns
// AllProvidersFailed if every group is exhausted.
func (l *LLM) CallLLMStructured(ctx context.Context, req StructuredRequest, handlerName string) (StructuredResponse, ResourceUsage, error) {
	providers := l.Registry().GetServicesByType(registry.ServiceTypeLLM)
	if len(providers) == 0 {
		return StructuredResponse{}, ResourceUsage{}, apierrors.ServiceUnavailable("LLM")
	}

	groups := groupByPriority(providers)

	var lastErr error
	for _, priority := range groups.order {
		candidates := groups.byPriority[priority]
		ordered := l.selectOrder(priority, candidates)

		for _, p := range ordered {
			if !p.Breaker.IsAvailable() {
				continue
			}
			provider, ok := p.Instance.(LLMProvider)
			if !ok {
				continue
			}

			callCtx, cancel := context.WithTimeout(ctx, providerTimeout(p.Instance))
			start := time.Now()
			resp, err := provider.CallStructured(callCtx, req)
			latencyMs := float64(time.Since(start).Milliseconds())
			cancel()

			if err != nil {
				p.Breaker.RecordFailure()
				l.metricsFor(p.Name).recordFailure()
				if errors.Is(err, context.DeadlineExceeded) {
					return StructuredResponse{}, ResourceUsage{}, apierrors.Timeout(p.Name)
				}
				lastErr = err
				continue
			}

			p.Breaker.RecordSuccess()
			m := l.metricsFor(p.Name)
			m.recordSuccess(latencyMs)

			usage := computeUsage(resp.Model, resp.TokensInput, resp.TokensOutput, latencyMs)
			l.emitTelemetry(p.Name, resp.Model, handlerName, usage)
			return resp, usage, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no available LLM provider in any priority group")
	}
	return StructuredResponse{}, ResourceUsage{}, apierrors.AllProvidersFailed(lastErr)
}

func (l *LLM) emitTelemetry(providerName, model, handler string, usage ResourceUsage) {
	if l.metricsSink == nil {
		return
	}
	labels := metricsutil.LLMLabels{Service: providerName, Model: model, Handler: handler}
	l.metricsSink.RecordLLMUsage(labels, metricsutil.LLMUsage{
		TokensTotal:   usage.TokensTotal,
		TokensInput:   usage.TokensInput,
		TokensOutput:  usage.TokensOutput,
		CostCents:     usage.CostCents,
		CarbonGrams:   usage.CarbonGrams,
		EnergyKWh:     usage.EnergyKWh,
		LatencyMillis: usage.LatencyMillis,
	})
}

type priorityGroups struct {
	order      []registry.Priority
	byPriority map[registry.Priority][]*registry.Provider
}

func groupByPriority(providers []*registry.Provider) priorityGroups {
	byPriority := make(map[registry.Priority][]*registry.Provider)
	var order []registry.Priority
	for _, p := range providers {
		if _, ok := byPriority[p.Priority]; !ok {
			order = append(order, p.Priority)
		}
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return priorityGroups{order: order, byPriority: byPriority}
}

func (l *LLM) selectOrder(priority registry.Priority, candidates []*registry.Provider) []*registry.Provider {
	switch l.strategy {
	case StrategyRoundRobinLLM:
		return l.roundRobinOrder(int(priority), candidates)
	case StrategyLatencyBased:
		return l.latencyOrder(candidates)
	case StrategyRandom:
		return l.randomOrder(candidates)
	case StrategyLeastLoaded:
		return l.leastLoadedOrder(candidates)
	default:
		return candidates
	}
}

func (l *LLM) roundRobinOrder(priority int, candidates []*registry.Provider) []*registry.Provider {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(candidates) == 0 {
		return candidates
	}
	cursor := l.cursors[priority] % len(candidates)
	l.cursors[priority] = cursor + 1
	out := make([]*registry.Provider, 0, len(candidates))
	out = append(out, candidates[cursor:]...)
	out = append(out, candidates[:cursor]...)
	return out
}

// latencyOrder puts a never-called provider first (warm-up bias), then
// sorts the rest ascending by average latency.
func (l *LLM) latencyOrder(candidates []*registry.Provider) []*registry.Provider {
	out := make([]*registry.Provider, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := l.metricsFor(out[i].Name), l.metricsFor(out[j].Name)
		li, lj := mi.AverageLatencyMs(), mj.AverageLatencyMs()
		zi := mi.TotalRequests == 0
		zj := mj.TotalRequests == 0
		if zi != zj {
			return zi
		}
		return li < lj
	})
	return out
}

func (l *LLM) randomOrder(candidates []*registry.Provider) []*registry.Provider {
	out := make([]*registry.Provider, len(candidates))
	copy(out, candidates)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (l *LLM) leastLoadedOrder(candidates []*registry.Provider) []*registry.Provider {
	out := make([]*registry.Provider, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := l.metricsFor(out[i].Name), l.metricsFor(out[j].Name)
		return mi.TotalRequests < mj.TotalRequests
	})
	return out
}

// GetServiceStats exposes per-provider metrics for introspection.
func (l *LLM) GetServiceStats() map[string]ServiceMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ServiceMetrics, len(l.metrics))
	for name, m := range l.metrics {
		m.mu.Lock()
		out[name] = ServiceMetrics{
			TotalRequests:    m.TotalRequests,
			FailedRequests:   m.FailedRequests,
			TotalLatencyMs:   m.TotalLatencyMs,
			LastRequestTime:  m.LastRequestTime,
			LastFailureTime:  m.LastFailureTime,
			ConsecutiveFails: m.ConsecutiveFails,
		}
		m.mu.Unlock()
	}
	return out
}

// ClearCircuitBreakers resets every LLM provider's breaker. Test-only:
// callers must not rely on this in production flows.
func (l *LLM) ClearCircuitBreakers() {
	logrus.Warn("clear_circuit_breakers invoked: resetting all LLM provider breakers and metrics")
	l.Registry().ResetCircuitBreakers()
	l.mu.Lock()
	l.metrics = make(map[string]*ServiceMetrics)
	l.mu.Unlock()
}
