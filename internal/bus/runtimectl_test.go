package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

type fakeRuntimeControl struct {
	mu       sync.Mutex
	paused   bool
	shutdown bool
	order    []string
}

func (f *fakeRuntimeControl) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, op)
}

func (f *fakeRuntimeControl) GetProcessorQueueStatus(ctx context.Context) (ProcessorQueueStatus, error) {
	f.record("queue_status")
	return ProcessorQueueStatus{QueueSize: 0, ProcessorState: "running"}, nil
}

func (f *fakeRuntimeControl) ShutdownRuntime(ctx context.Context, reason string) (ProcessorControlResponse, error) {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	f.record("shutdown")
	return ProcessorControlResponse{Success: true, Message: reason}, nil
}

func (f *fakeRuntimeControl) GetConfig(ctx context.Context, path string, includeSensitive bool) (ConfigSnapshot, error) {
	f.record("get_config")
	return ConfigSnapshot{Values: map[string]interface{}{"path": path}}, nil
}

func (f *fakeRuntimeControl) LoadAdapter(ctx context.Context, adapterType string, config map[string]interface{}) (AdapterInfo, error) {
	f.record("load_adapter")
	return AdapterInfo{ID: "a1", Type: adapterType}, nil
}

func (f *fakeRuntimeControl) UnloadAdapter(ctx context.Context, adapterID string) (ProcessorControlResponse, error) {
	f.record("unload_adapter")
	return ProcessorControlResponse{Success: true}, nil
}

func (f *fakeRuntimeControl) ListAdapters(ctx context.Context) ([]AdapterInfo, error) {
	f.record("list_adapters")
	return []AdapterInfo{{ID: "a1"}}, nil
}

func (f *fakeRuntimeControl) GetAdapterInfo(ctx context.Context, adapterID string) (AdapterInfo, error) {
	f.record("adapter_info")
	return AdapterInfo{ID: adapterID}, nil
}

func (f *fakeRuntimeControl) PauseProcessing(ctx context.Context) (ProcessorControlResponse, error) {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	f.record("pause")
	return ProcessorControlResponse{Success: true}, nil
}

func (f *fakeRuntimeControl) ResumeProcessing(ctx context.Context) (ProcessorControlResponse, error) {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	f.record("resume")
	return ProcessorControlResponse{Success: true}, nil
}

func (f *fakeRuntimeControl) SingleStep(ctx context.Context) (ProcessorControlResponse, error) {
	f.record("single_step")
	return ProcessorControlResponse{Success: true}, nil
}

func (f *fakeRuntimeControl) GetRuntimeStatus(ctx context.Context) (map[string]interface{}, error) {
	f.record("runtime_status")
	return map[string]interface{}{"ok": true}, nil
}

func newTestRuntimeControlBus(t *testing.T) (*RuntimeControl, *fakeRuntimeControl) {
	t.Helper()
	reg := registry.New()
	fake := &fakeRuntimeControl{}
	if _, err := reg.Register(fake, registry.ServiceTypeRuntimeControl, registry.RegisterOptions{
		Priority: registry.PriorityHigh,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewRuntimeControl(reg), fake
}

func TestRuntimeControl_AbsentService_ReturnsTypedResponse(t *testing.T) {
	b := NewRuntimeControl(registry.New())

	resp, err := b.ShutdownRuntime(context.Background(), "test")
	if err != nil {
		t.Fatalf("ShutdownRuntime returned error instead of typed response: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected Success=false when no provider is registered")
	}
	if resp.Error == "" {
		t.Fatalf("expected a diagnostic error string")
	}

	if _, err := b.GetProcessorQueueStatus(context.Background()); err == nil {
		t.Fatalf("expected ServiceUnavailable error from GetProcessorQueueStatus")
	} else if !apierrors.Is(err, apierrors.ErrCodeServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable error code, got %v", err)
	}
}

func TestRuntimeControl_LoadAdapter_RefusedDuringShutdown(t *testing.T) {
	b, _ := newTestRuntimeControlBus(t)
	ctx := context.Background()

	if _, err := b.ShutdownRuntime(ctx, "going down"); err != nil {
		t.Fatalf("ShutdownRuntime: %v", err)
	}

	_, err := b.LoadAdapter(ctx, "discord", nil)
	if !apierrors.Is(err, apierrors.ErrCodeShuttingDown) {
		t.Fatalf("expected ShuttingDown error, got %v", err)
	}
}

func TestRuntimeControl_PauseResumeSingleStep_RefusedDuringShutdown(t *testing.T) {
	b, _ := newTestRuntimeControlBus(t)
	ctx := context.Background()

	if _, err := b.ShutdownRuntime(ctx, "going down"); err != nil {
		t.Fatalf("ShutdownRuntime: %v", err)
	}

	if resp, _ := b.PauseProcessing(ctx); resp.Success {
		t.Fatalf("expected PauseProcessing to be refused during shutdown")
	}
	if resp, _ := b.ResumeProcessing(ctx); resp.Success {
		t.Fatalf("expected ResumeProcessing to be refused during shutdown")
	}
	if resp, _ := b.SingleStep(ctx); resp.Success {
		t.Fatalf("expected SingleStep to be refused during shutdown")
	}
}

func TestRuntimeControl_GetRuntimeStatus_SafeDuringShutdown(t *testing.T) {
	b, _ := newTestRuntimeControlBus(t)
	ctx := context.Background()

	if _, err := b.ShutdownRuntime(ctx, "going down"); err != nil {
		t.Fatalf("ShutdownRuntime: %v", err)
	}

	status, err := b.GetRuntimeStatus(ctx)
	if err != nil {
		t.Fatalf("GetRuntimeStatus: %v", err)
	}
	if !status.ShuttingDown {
		t.Fatalf("expected ShuttingDown=true after ShutdownRuntime")
	}
	if status.ActiveOperations != 0 {
		t.Fatalf("expected 0 active operations after shutdown, got %d", status.ActiveOperations)
	}
}

func TestRuntimeControl_ShutdownRuntime_CancelsInFlightOperations(t *testing.T) {
	b, fake := newTestRuntimeControlBus(t)

	opCtx, done := b.track(context.Background())
	defer done()

	if _, err := b.ShutdownRuntime(context.Background(), "halt"); err != nil {
		t.Fatalf("ShutdownRuntime: %v", err)
	}

	select {
	case <-opCtx.Done():
	default:
		t.Fatalf("expected tracked operation context to be cancelled by ShutdownRuntime")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.shutdown {
		t.Fatalf("expected underlying ShutdownRuntime to be invoked")
	}
}

func TestRuntimeControl_QueueStatusAndConfig_WorkNormally(t *testing.T) {
	b, _ := newTestRuntimeControlBus(t)
	ctx := context.Background()

	status, err := b.GetProcessorQueueStatus(ctx)
	if err != nil {
		t.Fatalf("GetProcessorQueueStatus: %v", err)
	}
	if status.ProcessorState != "running" {
		t.Fatalf("unexpected processor state: %q", status.ProcessorState)
	}

	snap, err := b.GetConfig(ctx, "foo.bar", false)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if snap.Values["path"] != "foo.bar" {
		t.Fatalf("unexpected config snapshot: %+v", snap)
	}
}
