package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

// ProcessorQueueStatus reports the underlying processor's queue depth
// and run state.
type ProcessorQueueStatus struct {
	QueueSize      int
	ProcessorState string
	Paused         bool
}

// ProcessorControlResponse is the uniform result shape for every
// mutating Runtime Control Bus operation.
type ProcessorControlResponse struct {
	Success bool
	Message string
	Error   string
}

// ConfigSnapshot is a point-in-time view of runtime configuration.
type ConfigSnapshot struct {
	Values          map[string]interface{}
	IncludeSensitive bool
}

// AdapterInfo describes one loaded or loadable adapter.
type AdapterInfo struct {
	ID       string
	Type     string
	Running  bool
	Metadata map[string]string
}

// RuntimeStatus is the bus-augmented view returned by GetRuntimeStatus.
type RuntimeStatus struct {
	Underlying       map[string]interface{}
	ActiveOperations int
	ShuttingDown     bool
}

// RuntimeControlProvider is the capability contract the underlying
// runtime control service must satisfy. The mutating methods
// (ShutdownRuntime, LoadAdapter, UnloadAdapter, PauseProcessing,
// ResumeProcessing, SingleStep) are invoked with the Runtime Control
// Bus's single operation mutex held, so the provider need not
// serialize them itself; the read-only methods are called without it.
type RuntimeControlProvider interface {
	GetProcessorQueueStatus(ctx context.Context) (ProcessorQueueStatus, error)
	ShutdownRuntime(ctx context.Context, reason string) (ProcessorControlResponse, error)
	GetConfig(ctx context.Context, path string, includeSensitive bool) (ConfigSnapshot, error)
	LoadAdapter(ctx context.Context, adapterType string, config map[string]interface{}) (AdapterInfo, error)
	UnloadAdapter(ctx context.Context, adapterID string) (ProcessorControlResponse, error)
	ListAdapters(ctx context.Context) ([]AdapterInfo, error)
	GetAdapterInfo(ctx context.Context, adapterID string) (AdapterInfo, error)
	PauseProcessing(ctx context.Context) (ProcessorControlResponse, error)
	ResumeProcessing(ctx context.Context) (ProcessorControlResponse, error)
	SingleStep(ctx context.Context) (ProcessorControlResponse, error)
	GetRuntimeStatus(ctx context.Context) (map[string]interface{}, error)
}

// RuntimeControl is the single-consumer bus serializing config- and
// processor-state-mutating operations behind one mutex. Its invariant,
// per the ordering guarantees that govern it, is that within the
// mutex the effects observed by the underlying service occur in the
// order the bus received the calls.
type RuntimeControl struct {
	*Base

	opMu sync.Mutex // serializes every mutating call

	mu           sync.Mutex
	shuttingDown bool
	inFlight     map[string]context.CancelFunc
}

// NewRuntimeControl constructs a Runtime Control Bus over reg.
func NewRuntimeControl(reg *registry.Registry) *RuntimeControl {
	return &RuntimeControl{
		Base:     NewBase(reg, registry.ServiceTypeRuntimeControl),
		inFlight: make(map[string]context.CancelFunc),
	}
}

func (b *RuntimeControl) provider() (RuntimeControlProvider, bool) {
	svc := b.Base.GetService(context.Background(), nil)
	p, ok := svc.(RuntimeControlProvider)
	return p, ok
}

// track registers ctx's cancel func under a fresh operation ID so
// shutdown_runtime can cancel it, and returns a done func that must be
// deferred to remove the entry once the call completes.
func (b *RuntimeControl) track(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	b.mu.Lock()
	b.inFlight[id] = cancel
	b.mu.Unlock()

	done := func() {
		b.mu.Lock()
		delete(b.inFlight, id)
		b.mu.Unlock()
		cancel()
	}
	return opCtx, done
}

func (b *RuntimeControl) isShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}

// GetProcessorQueueStatus is safe to call at any time, including
// during shutdown.
func (b *RuntimeControl) GetProcessorQueueStatus(ctx context.Context) (ProcessorQueueStatus, error) {
	p, ok := b.provider()
	if !ok {
		return ProcessorQueueStatus{}, apierrors.ServiceUnavailable("RUNTIME_CONTROL")
	}
	opCtx, done := b.track(ctx)
	defer done()
	status, err := p.GetProcessorQueueStatus(opCtx)
	if err != nil {
		return ProcessorQueueStatus{}, err
	}
	return status, nil
}

// ShutdownRuntime marks the bus as shutting down, cancels every
// tracked in-flight operation, then delegates to the underlying
// service. Once shutting down, further calls to ShutdownRuntime are
// idempotent no-ops that report success.
func (b *RuntimeControl) ShutdownRuntime(ctx context.Context, reason string) (ProcessorControlResponse, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return ProcessorControlResponse{Success: true, Message: "shutdown already in progress"}, nil
	}
	b.shuttingDown = true
	cancels := make([]context.CancelFunc, 0, len(b.inFlight))
	for _, cancel := range b.inFlight {
		cancels = append(cancels, cancel)
	}
	b.inFlight = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	p, ok := b.provider()
	if !ok {
		return ProcessorControlResponse{Success: false, Error: apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()}, nil
	}
	resp, err := p.ShutdownRuntime(ctx, reason)
	if err != nil {
		return ProcessorControlResponse{Success: false, Error: err.Error()}, nil
	}
	return resp, nil
}

// GetConfig is safe to call at any time.
func (b *RuntimeControl) GetConfig(ctx context.Context, path string, includeSensitive bool) (ConfigSnapshot, error) {
	p, ok := b.provider()
	if !ok {
		return ConfigSnapshot{}, apierrors.ServiceUnavailable("RUNTIME_CONTROL")
	}
	opCtx, done := b.track(ctx)
	defer done()
	snap, err := p.GetConfig(opCtx, path, includeSensitive)
	if err != nil {
		return ConfigSnapshot{}, err
	}
	return snap, nil
}

// LoadAdapter is refused once shutdown has started.
func (b *RuntimeControl) LoadAdapter(ctx context.Context, adapterType string, config map[string]interface{}) (AdapterInfo, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.isShuttingDown() {
		return AdapterInfo{}, apierrors.ShuttingDown()
	}
	p, ok := b.provider()
	if !ok {
		return AdapterInfo{}, apierrors.ServiceUnavailable("RUNTIME_CONTROL")
	}
	opCtx, done := b.track(ctx)
	defer done()
	return p.LoadAdapter(opCtx, adapterType, config)
}

// UnloadAdapter serializes on the operation mutex but, unlike
// LoadAdapter, is still permitted during shutdown so an in-progress
// teardown can unwind adapters.
func (b *RuntimeControl) UnloadAdapter(ctx context.Context, adapterID string) (ProcessorControlResponse, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	p, ok := b.provider()
	if !ok {
		return ProcessorControlResponse{Success: false, Error: apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()}, nil
	}
	opCtx, done := b.track(ctx)
	defer done()
	resp, err := p.UnloadAdapter(opCtx, adapterID)
	if err != nil {
		return ProcessorControlResponse{Success: false, Error: err.Error()}, nil
	}
	return resp, nil
}

// ListAdapters is safe to call at any time.
func (b *RuntimeControl) ListAdapters(ctx context.Context) ([]AdapterInfo, error) {
	p, ok := b.provider()
	if !ok {
		return nil, apierrors.ServiceUnavailable("RUNTIME_CONTROL")
	}
	opCtx, done := b.track(ctx)
	defer done()
	return p.ListAdapters(opCtx)
}

// GetAdapterInfo is safe to call at any time.
func (b *RuntimeControl) GetAdapterInfo(ctx context.Context, adapterID string) (AdapterInfo, error) {
	p, ok := b.provider()
	if !ok {
		return AdapterInfo{}, apierrors.ServiceUnavailable("RUNTIME_CONTROL")
	}
	opCtx, done := b.track(ctx)
	defer done()
	return p.GetAdapterInfo(opCtx, adapterID)
}

// PauseProcessing is serialized by the operation mutex and refused
// during shutdown.
func (b *RuntimeControl) PauseProcessing(ctx context.Context) (ProcessorControlResponse, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.isShuttingDown() {
		return ProcessorControlResponse{Success: false, Error: apierrors.ShuttingDown().Error()}, nil
	}
	p, ok := b.provider()
	if !ok {
		return ProcessorControlResponse{Success: false, Error: apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()}, nil
	}
	opCtx, done := b.track(ctx)
	defer done()
	resp, err := p.PauseProcessing(opCtx)
	if err != nil {
		return ProcessorControlResponse{Success: false, Error: err.Error()}, nil
	}
	return resp, nil
}

// ResumeProcessing is serialized by the operation mutex and refused
// during shutdown.
func (b *RuntimeControl) ResumeProcessing(ctx context.Context) (ProcessorControlResponse, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.isShuttingDown() {
		return ProcessorControlResponse{Success: false, Error: apierrors.ShuttingDown().Error()}, nil
	}
	p, ok := b.provider()
	if !ok {
		return ProcessorControlResponse{Success: false, Error: apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()}, nil
	}
	opCtx, done := b.track(ctx)
	defer done()
	resp, err := p.ResumeProcessing(opCtx)
	if err != nil {
		return ProcessorControlResponse{Success: false, Error: err.Error()}, nil
	}
	return resp, nil
}

// SingleStep is serialized by the operation mutex and refused during
// shutdown.
func (b *RuntimeControl) SingleStep(ctx context.Context) (ProcessorControlResponse, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.isShuttingDown() {
		return ProcessorControlResponse{Success: false, Error: apierrors.ShuttingDown().Error()}, nil
	}
	p, ok := b.provider()
	if !ok {
		return ProcessorControlResponse{Success: false, Error: apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()}, nil
	}
	opCtx, done := b.track(ctx)
	defer done()
	resp, err := p.SingleStep(opCtx)
	if err != nil {
		return ProcessorControlResponse{Success: false, Error: err.Error()}, nil
	}
	return resp, nil
}

// GetRuntimeStatus is safe to call at any time and augments the
// underlying service's response with bus-level state.
func (b *RuntimeControl) GetRuntimeStatus(ctx context.Context) (RuntimeStatus, error) {
	b.mu.Lock()
	active := len(b.inFlight)
	shuttingDown := b.shuttingDown
	b.mu.Unlock()

	p, ok := b.provider()
	if !ok {
		return RuntimeStatus{
			Underlying:       map[string]interface{}{"error": apierrors.ServiceUnavailable("RUNTIME_CONTROL").Error()},
			ActiveOperations: active,
			ShuttingDown:     shuttingDown,
		}, nil
	}
	underlying, err := p.GetRuntimeStatus(ctx)
	if err != nil {
		underlying = map[string]interface{}{"error": err.Error()}
	}
	return RuntimeStatus{
		Underlying:       underlying,
		ActiveOperations: active,
		ShuttingDown:     shuttingDown,
	}, nil
}
