package wiseauth

import (
	"context"

	"github.com/ciris-run/agent-runtime/internal/bus"
)

// BusAdapter adapts Service's task-oriented signatures to the Wise
// Authority Bus's GuidanceContext-shaped provider contract, so Service
// can be registered directly into the registry under
// ServiceTypeWiseAuthority.
type BusAdapter struct {
	svc *Service
}

// NewBusAdapter wraps svc for registration on the Wise Authority Bus.
func NewBusAdapter(svc *Service) *BusAdapter {
	return &BusAdapter{svc: svc}
}

func (a *BusAdapter) SendDeferral(ctx context.Context, gctx bus.GuidanceContext, handlerName string) (bus.DeferralResult, error) {
	if _, err := a.svc.SendDeferral(ctx, gctx.TaskID, gctx.ThoughtID, gctx.Reason, gctx.DeferUntil, gctx.Metadata); err != nil {
		return bus.DeferralResult{}, err
	}
	return bus.DeferralResult{Accepted: true}, nil
}

func (a *BusAdapter) FetchGuidance(ctx context.Context, gctx bus.GuidanceContext, handlerName string) (bus.GuidanceResponse, error) {
	guidance, err := a.svc.FetchGuidance(ctx, gctx.TaskID)
	if err != nil {
		return bus.GuidanceResponse{}, err
	}
	return bus.GuidanceResponse{Guidance: guidance}, nil
}
