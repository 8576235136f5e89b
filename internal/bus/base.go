// Package bus implements the family of typed message buses layered on
// top of the service registry: the generic Base Bus scaffold plus the
// LLM, Runtime Control, and Wise Authority buses.
package bus

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ciris-run/agent-runtime/infrastructure/utils"
	"github.com/ciris-run/agent-runtime/internal/registry"
)

// BusMessage is the base envelope carried by every bus.
type BusMessage struct {
	ID          string
	HandlerName string
	Timestamp   int64
	Metadata    map[string]string
}

// Base is a generic queue + worker scaffold parameterised by the
// ServiceType it targets. Concrete buses embed Base and add
// synchronous call-through operations or override message processing.
type Base struct {
	serviceType registry.ServiceType
	reg         *registry.Registry

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBase constructs a Base bus bound to reg for the given service
// type. The bus borrows reg and individual provider instances only for
// the duration of a call; it holds no back-pointer to the registry
// beyond this reference.
func NewBase(reg *registry.Registry, serviceType registry.ServiceType) *Base {
	return &Base{
		serviceType: serviceType,
		reg:         reg,
		stopCh:      make(chan struct{}),
	}
}

// ServiceType returns the bus's target service type.
func (b *Base) ServiceType() registry.ServiceType { return b.serviceType }

// Registry returns the bound registry.
func (b *Base) Registry() *registry.Registry { return b.reg }

// AddWorker launches fn as a goroutine that exits when the bus stops.
// fn must select on ctx.Done() to observe cancellation. A panic inside
// fn is recovered and logged rather than taking down the process, since
// worker failures shouldn't cascade across unrelated buses.
func (b *Base) AddWorker(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("service_type", string(b.serviceType)).WithField("panic", r).Error("bus worker panicked")
			}
		}()
		ctx, cancel := context.WithCancel(context.Background())
		utils.SafeGo(func() {
			<-b.stopCh
			cancel()
		}, nil)
		fn(ctx)
	}()
}

// Start marks the bus as started. Safe to call once; a second call is
// a no-op.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop closes the stop channel exactly once and waits for workers to
// exit.
func (b *Base) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	return nil
}

// IsHealthy reports whether the bus has been started and not stopped.
func (b *Base) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// GetService is a convenience wrapper over the bound registry's
// GetService for this bus's service type.
func (b *Base) GetService(ctx context.Context, requiredCapabilities []string) interface{} {
	return b.reg.GetService(ctx, b.serviceType, requiredCapabilities)
}

// GetCapabilities returns the union of capability strings advertised by
// every currently registered provider of this bus's service type.
func (b *Base) GetCapabilities() []string {
	seen := make(map[string]struct{})
	for _, p := range b.reg.GetServicesByType(b.serviceType) {
		for c := range p.Capabilities {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// Stats is a minimal point-in-time view of a bus's backing providers.
type Stats struct {
	ProviderCount int
	Healthy       bool
}

// GetStats reports the number of currently available providers.
func (b *Base) GetStats() Stats {
	providers := b.reg.GetServicesByType(b.serviceType)
	return Stats{ProviderCount: len(providers), Healthy: b.IsHealthy()}
}
