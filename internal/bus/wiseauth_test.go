package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

type fakeWiseAuthority struct {
	name        string
	acceptDefer bool
	failDefer   bool
	guidance    *string
	calls       int
}

func (f *fakeWiseAuthority) SendDeferral(ctx context.Context, gctx GuidanceContext, handlerName string) (DeferralResult, error) {
	f.calls++
	if f.failDefer {
		return DeferralResult{}, fmt.Errorf("%s: boom", f.name)
	}
	return DeferralResult{Accepted: f.acceptDefer}, nil
}

func (f *fakeWiseAuthority) FetchGuidance(ctx context.Context, gctx GuidanceContext, handlerName string) (GuidanceResponse, error) {
	f.calls++
	return GuidanceResponse{Guidance: f.guidance}, nil
}

func registerWA(t *testing.T, reg *registry.Registry, wa *fakeWiseAuthority, priority registry.Priority) {
	t.Helper()
	if _, err := reg.Register(wa, registry.ServiceTypeWiseAuthority, registry.RegisterOptions{
		Priority:     priority,
		Capabilities: []string{capabilitySendDeferral},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestWiseAuthority_SendDeferral_SucceedsWithOneFailingProvider(t *testing.T) {
	reg := registry.New()
	ok := &fakeWiseAuthority{name: "ok", acceptDefer: true}
	bad := &fakeWiseAuthority{name: "bad", failDefer: true}
	registerWA(t, reg, ok, registry.PriorityNormal)
	registerWA(t, reg, bad, registry.PriorityNormal)

	w := NewWiseAuthority(reg)
	accepted, err := w.SendDeferral(context.Background(), GuidanceContext{Reason: "test"}, "handler")
	if err != nil {
		t.Fatalf("SendDeferral: %v", err)
	}
	if !accepted {
		t.Fatalf("expected SendDeferral to succeed when at least one provider accepts")
	}
	if ok.calls != 1 || bad.calls != 1 {
		t.Fatalf("expected both providers invoked exactly once, got ok=%d bad=%d", ok.calls, bad.calls)
	}
}

func TestWiseAuthority_SendDeferral_FailsWhenNoneAccept(t *testing.T) {
	reg := registry.New()
	a := &fakeWiseAuthority{name: "a", acceptDefer: false}
	b := &fakeWiseAuthority{name: "b", failDefer: true}
	registerWA(t, reg, a, registry.PriorityNormal)
	registerWA(t, reg, b, registry.PriorityNormal)

	w := NewWiseAuthority(reg)
	accepted, err := w.SendDeferral(context.Background(), GuidanceContext{}, "handler")
	if err != nil {
		t.Fatalf("SendDeferral: %v", err)
	}
	if accepted {
		t.Fatalf("expected SendDeferral to fail when no provider accepts")
	}
}

func TestWiseAuthority_SendDeferral_NoProviders(t *testing.T) {
	w := NewWiseAuthority(registry.New())
	_, err := w.SendDeferral(context.Background(), GuidanceContext{}, "handler")
	if !apierrors.Is(err, apierrors.ErrCodeServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestWiseAuthority_FetchGuidance_SingleTarget(t *testing.T) {
	reg := registry.New()
	guidance := "proceed with caution"
	a := &fakeWiseAuthority{name: "a", guidance: &guidance}
	registerWA(t, reg, a, registry.PriorityHigh)

	w := NewWiseAuthority(reg)
	got, err := w.FetchGuidance(context.Background(), GuidanceContext{}, "handler")
	if err != nil {
		t.Fatalf("FetchGuidance: %v", err)
	}
	if got == nil || *got != guidance {
		t.Fatalf("unexpected guidance: %v", got)
	}
}

func TestResolveDeferUntil(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("defaults to now+1h when absent", func(t *testing.T) {
		got, err := ResolveDeferUntil("", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Equal(now.Add(time.Hour)) {
			t.Fatalf("expected now+1h, got %v", got)
		}
	})

	t.Run("parses ISO-8601 with Z suffix", func(t *testing.T) {
		got, err := ResolveDeferUntil("2026-01-02T03:04:05Z", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		_, err := ResolveDeferUntil("not-a-timestamp", now)
		if !apierrors.Is(err, apierrors.ErrCodeValidation) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestWiseAuthority_RequestReview_DelegatesToSendDeferral(t *testing.T) {
	reg := registry.New()
	ok := &fakeWiseAuthority{name: "ok", acceptDefer: true}
	registerWA(t, reg, ok, registry.PriorityNormal)

	w := NewWiseAuthority(reg)
	accepted, err := w.RequestReview(context.Background(), "policy_check", map[string]interface{}{"k": "v"}, "handler")
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	if !accepted {
		t.Fatalf("expected RequestReview to succeed")
	}
}
