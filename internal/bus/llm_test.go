package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

type fakeLLM struct {
	id      string
	fail    bool
	latency time.Duration
	model   string
	timeout time.Duration // 0 = use defaultProviderTimeout
}

func (f *fakeLLM) CallStructured(ctx context.Context, req StructuredRequest) (StructuredResponse, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return StructuredResponse{}, ctx.Err()
		}
	}
	if f.fail {
		return StructuredResponse{}, errors.New("provider exploded")
	}
	return StructuredResponse{Raw: map[string]string{"from": f.id}, Model: f.model, TokensInput: 10, TokensOutput: 20}, nil
}

func (f *fakeLLM) Timeout() time.Duration { return f.timeout }

func newTestLLMBus(strategy DistributionStrategy) (*LLM, *registry.Registry) {
	reg := registry.New()
	return NewLLM(reg, strategy, nil), reg
}

func TestCallLLMStructured_FallsBackAcrossPriorityGroups(t *testing.T) {
	l, reg := newTestLLMBus(StrategyRoundRobinLLM)
	primary := &fakeLLM{id: "primary", fail: true}
	secondary := &fakeLLM{id: "secondary", model: "gpt-4o-mini"}

	if _, err := reg.Register(primary, registry.ServiceTypeLLM, registry.RegisterOptions{PriorityGroup: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(secondary, registry.ServiceTypeLLM, registry.RegisterOptions{PriorityGroup: 1}); err != nil {
		t.Fatal(err)
	}

	resp, usage, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "test_handler")
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if resp.Raw.(map[string]string)["from"] != "secondary" {
		t.Fatalf("expected secondary provider to serve the call, got %v", resp.Raw)
	}
	if usage.TokensTotal != 30 {
		t.Fatalf("expected 30 total tokens, got %d", usage.TokensTotal)
	}
}

func TestCallLLMStructured_AllProvidersFailedWhenEveryGroupExhausted(t *testing.T) {
	l, reg := newTestLLMBus(StrategyRoundRobinLLM)
	if _, err := reg.Register(&fakeLLM{id: "a", fail: true}, registry.ServiceTypeLLM, registry.RegisterOptions{}); err != nil {
		t.Fatal(err)
	}

	_, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "test_handler")
	if !apierrors.Is(err, apierrors.ErrCodeAllProvidersFailed) {
		t.Fatalf("expected AllProvidersFailed, got %v", err)
	}
}

func TestCallLLMStructured_NoProvidersReturnsServiceUnavailable(t *testing.T) {
	l, _ := newTestLLMBus(StrategyRoundRobinLLM)
	_, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "test_handler")
	if !apierrors.Is(err, apierrors.ErrCodeServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestLatencyOrder_PrefersNeverCalledThenFastest(t *testing.T) {
	l, reg := newTestLLMBus(StrategyLatencyBased)
	fast := &fakeLLM{id: "fast", model: "gpt-4o-mini"}
	slow := &fakeLLM{id: "slow", latency: 20 * time.Millisecond, model: "gpt-4o-mini"}
	cold := &fakeLLM{id: "cold", model: "gpt-4o-mini"}

	for _, inst := range []*fakeLLM{fast, slow} {
		if _, err := reg.Register(inst, registry.ServiceTypeLLM, registry.RegisterOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	// warm up fast and slow so their averages are nonzero, cold stays unseen
	if _, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "warm"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "warm"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Register(cold, registry.ServiceTypeLLM, registry.RegisterOptions{}); err != nil {
		t.Fatal(err)
	}

	resp, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "warm2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Raw.(map[string]string)["from"] != "cold" {
		t.Fatalf("expected never-called provider to be tried first, got %v", resp.Raw)
	}
}

func TestCallLLMStructured_ProviderTimeout_FastFailsWithoutFallback(t *testing.T) {
	l, reg := newTestLLMBus(StrategyRoundRobinLLM)
	slow := &fakeLLM{id: "slow", latency: 50 * time.Millisecond, timeout: 5 * time.Millisecond}
	neverTried := &fakeLLM{id: "never-tried", model: "gpt-4o-mini"}

	if _, err := reg.Register(slow, registry.ServiceTypeLLM, registry.RegisterOptions{PriorityGroup: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(neverTried, registry.ServiceTypeLLM, registry.RegisterOptions{PriorityGroup: 1}); err != nil {
		t.Fatal(err)
	}

	_, _, err := l.CallLLMStructured(context.Background(), StructuredRequest{}, "test_handler")
	if !apierrors.Is(err, apierrors.ErrCodeTimeout) {
		t.Fatalf("expected a Timeout error, got %v", err)
	}
}

func TestComputeUsage_PrefixMatchAndDefaultBucket(t *testing.T) {
	u := computeUsage("gpt-4o-mini-2024", 1_000_000, 1_000_000, 100)
	if u.CostCents != 1.5+6.0 {
		t.Fatalf("unexpected cost for gpt-4o-mini prefix match: %+v", u)
	}
	u2 := computeUsage("some-unknown-model", 1_000_000, 0, 50)
	if u2.CostCents != 10.0 {
		t.Fatalf("expected default bucket pricing, got %+v", u2)
	}
}

func TestServiceMetrics_ZeroUntilFirstRequest(t *testing.T) {
	m := &ServiceMetrics{}
	if m.AverageLatencyMs() != 0 || m.FailureRate() != 0 {
		t.Fatal("expected zero metrics before any request")
	}
	m.recordFailure()
	if m.FailureRate() != 1 {
		t.Fatalf("expected failure rate 1 after a single failure, got %f", m.FailureRate())
	}
}
