package bus

import (
	"context"
	"time"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

// GuidanceContext is the input shared by send_deferral and
// fetch_guidance. SendDeferral resolves a zero DeferUntil from
// DeferUntilRaw with ResolveDeferUntil before any provider sees it;
// FetchGuidance passes the context to its provider unchanged.
type GuidanceContext struct {
	TaskID      string
	ThoughtID   string
	Reason      string
	DeferUntil  time.Time
	DeferUntilRaw string // as received, before parsing; empty if not supplied
	Metadata    map[string]interface{}
}

// DeferralResult is the outcome of a single send_deferral broadcast.
type DeferralResult struct {
	Accepted bool
}

// GuidanceResponse is fetch_guidance's result; Guidance is nil if no
// provider had anything to say.
type GuidanceResponse struct {
	Guidance *string
}

// WiseAuthorityProvider is the capability contract a WA surface
// (core service, chat adapter, admin API) implements to participate
// in broadcasts and guidance lookups.
type WiseAuthorityProvider interface {
	SendDeferral(ctx context.Context, gctx GuidanceContext, handlerName string) (DeferralResult, error)
	FetchGuidance(ctx context.Context, gctx GuidanceContext, handlerName string) (GuidanceResponse, error)
}

const capabilitySendDeferral = "send_deferral"

// WiseAuthority is the bus over ServiceTypeWiseAuthority providers. It
// broadcasts deferrals to every capable provider and treats
// fetch_guidance as single-target.
type WiseAuthority struct {
	*Base
}

// NewWiseAuthority constructs a Wise Authority Bus over reg.
func NewWiseAuthority(reg *registry.Registry) *WiseAuthority {
	return &WiseAuthority{Base: NewBase(reg, registry.ServiceTypeWiseAuthority)}
}

// ResolveDeferUntil applies the context transformation rule: a string
// defer_until is parsed as ISO-8601 (Z suffix accepted); an absent
// value defaults to now+1h; a malformed value is a validation error
// raised at the boundary, before any provider is invoked.
func ResolveDeferUntil(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apierrors.ValidationError("defer_until", "not a valid ISO-8601 timestamp")
	}
	return t, nil
}

// SendDeferral broadcasts gctx to every registered WISE_AUTHORITY
// provider that advertises the send_deferral capability. It succeeds
// if at least one accepts; a failing or rejecting provider is skipped
// without failing the call, since the origin of record is whichever
// provider accepted.
func (w *WiseAuthority) SendDeferral(ctx context.Context, gctx GuidanceContext, handlerName string) (bool, error) {
	providers := w.Registry().GetServicesByType(registry.ServiceTypeWiseAuthority)
	if len(providers) == 0 {
		return false, apierrors.ServiceUnavailable("WISE_AUTHORITY")
	}
	if gctx.DeferUntil.IsZero() {
		deferUntil, err := ResolveDeferUntil(gctx.DeferUntilRaw, time.Now())
		if err != nil {
			return false, err
		}
		gctx.DeferUntil = deferUntil
	}

	accepted := false
	for _, p := range providers {
		if _, ok := p.Capabilities[capabilitySendDeferral]; !ok {
			continue
		}
		provider, ok := p.Instance.(WiseAuthorityProvider)
		if !ok {
			continue
		}

		result, err := provider.SendDeferral(ctx, gctx, handlerName)
		if err != nil {
			p.Breaker.RecordFailure()
			continue
		}
		p.Breaker.RecordSuccess()
		if result.Accepted {
			accepted = true
		}
	}
	return accepted, nil
}

// RequestReview is syntactic sugar over SendDeferral: reviewType and
// data are folded into the deferral's Reason/Metadata before
// broadcasting.
func (w *WiseAuthority) RequestReview(ctx context.Context, reviewType string, data map[string]interface{}, handlerName string) (bool, error) {
	gctx := GuidanceContext{
		Reason:   reviewType,
		Metadata: data,
	}
	deferUntil, err := ResolveDeferUntil("", time.Now())
	if err != nil {
		return false, err
	}
	gctx.DeferUntil = deferUntil
	return w.SendDeferral(ctx, gctx, handlerName)
}

// FetchGuidance is single-target: the first suitable provider (by
// registry selection order) wins.
func (w *WiseAuthority) FetchGuidance(ctx context.Context, gctx GuidanceContext, handlerName string) (*string, error) {
	svc := w.Base.GetService(ctx, nil)
	if svc == nil {
		return nil, apierrors.ServiceUnavailable("WISE_AUTHORITY")
	}
	provider, ok := svc.(WiseAuthorityProvider)
	if !ok {
		return nil, apierrors.ServiceUnavailable("WISE_AUTHORITY")
	}
	resp, err := provider.FetchGuidance(ctx, gctx, handlerName)
	if err != nil {
		return nil, err
	}
	return resp.Guidance, nil
}
