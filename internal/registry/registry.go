package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
)

// ServiceType is a closed enumeration naming each kind of pluggable
// service. Its ordinal is stable and is used as the registry's primary
// key.
type ServiceType int

const (
	ServiceTypeLLM ServiceType = iota
	ServiceTypeMemory
	ServiceTypeAudit
	ServiceTypeCommunication
	ServiceTypeWiseAuthority
	ServiceTypeTime
	ServiceTypeShutdown
	ServiceTypeInitialization
	ServiceTypeRuntimeControl
	ServiceTypeVisibility
	ServiceTypeTool
)

func (t ServiceType) String() string {
	switch t {
	case ServiceTypeLLM:
		return "LLM"
	case ServiceTypeMemory:
		return "MEMORY"
	case ServiceTypeAudit:
		return "AUDIT"
	case ServiceTypeCommunication:
		return "COMMUNICATION"
	case ServiceTypeWiseAuthority:
		return "WISE_AUTHORITY"
	case ServiceTypeTime:
		return "TIME"
	case ServiceTypeShutdown:
		return "SHUTDOWN"
	case ServiceTypeInitialization:
		return "INITIALIZATION"
	case ServiceTypeRuntimeControl:
		return "RUNTIME_CONTROL"
	case ServiceTypeVisibility:
		return "VISIBILITY"
	case ServiceTypeTool:
		return "TOOL"
	default:
		return "UNKNOWN"
	}
}

// Priority orders providers within and across groups. Lower values are
// attempted first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal    Priority = 2
	PriorityLow       Priority = 3
	PriorityFallback  Priority = 9
)

// SelectionStrategy governs how a single priority group is walked.
type SelectionStrategy int

const (
	StrategyFallback SelectionStrategy = iota
	StrategyRoundRobin
)

// HealthChecker is an optional capability a registered instance may
// implement; a failing health check counts as a breaker failure.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Provider is a registered instance of a ServiceType.
type Provider struct {
	Name              string
	ServiceType       ServiceType
	Priority          Priority
	PriorityGroup     int
	Strategy          SelectionStrategy
	Capabilities      map[string]struct{}
	Instance          interface{}
	Breaker           *CircuitBreaker
	Metadata          map[string]string
	registeredAt      time.Time
}

// isMock classifies a provider as simulating rather than performing
// its service: either its Go type name contains "Mock", or its
// metadata explicitly says so. This heuristic is brittle by design —
// see the open question recorded in DESIGN.md — and is kept exactly as
// specified rather than hardened.
func isMock(instance interface{}, metadata map[string]string) bool {
	if metadata != nil && metadata["provider"] == "mock" {
		return true
	}
	typeName := fmt.Sprintf("%T", instance)
	return strings.Contains(typeName, "Mock")
}

type providerList struct {
	providers []*Provider
	cursors   map[int]int // priority_group -> round-robin cursor
}

// Registry owns the mapping ServiceType -> ordered provider list and
// one circuit breaker per provider.
type Registry struct {
	mu       sync.RWMutex
	byType   map[ServiceType]*providerList
	byName   map[string]*Provider
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byType: make(map[ServiceType]*providerList),
		byName: make(map[string]*Provider),
	}
}

// ProviderName reproduces the original system's "<ClassName>_<instance
// handle>" naming using the Go type name and the instance's pointer
// identity, which is stable for the process lifetime of that instance.
func ProviderName(instance interface{}) string {
	return fmt.Sprintf("%T_%p", instance, instance)
}

// RegisterOptions configures a single registration call.
type RegisterOptions struct {
	Priority      Priority
	PriorityGroup int
	Strategy      SelectionStrategy
	Capabilities  []string
	BreakerConfig *BreakerConfig
	Metadata      map[string]string
}

// Register adds instance as a provider of serviceType, sorts the type's
// provider list, and instantiates a circuit breaker for the provider.
// Returns the stable provider name.
//
// Registering a second ServiceTypeLLM provider whose mock classification
// disagrees with an already-registered one fails with SecurityViolation:
// this is the interlock against silently mixing simulated and real
// language models.
func (r *Registry) Register(instance interface{}, serviceType ServiceType, opts RegisterOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if serviceType == ServiceTypeLLM {
		mock := isMock(instance, opts.Metadata)
		if list := r.byType[ServiceTypeLLM]; list != nil {
			for _, p := range list.providers {
				if isMock(p.Instance, p.Metadata) != mock {
					return "", apierrors.SecurityViolation(
						"cannot mix mock and real LLM providers in the same registry")
				}
			}
		}
	}

	name := ProviderName(instance)
	if _, exists := r.byName[name]; exists {
		return "", apierrors.ValidationError("name", fmt.Sprintf("provider %q already registered", name))
	}

	breakerCfg := DefaultBreakerConfig()
	if opts.BreakerConfig != nil {
		breakerCfg = *opts.BreakerConfig
	}

	caps := make(map[string]struct{}, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = struct{}{}
	}

	p := &Provider{
		Name:          name,
		ServiceType:   serviceType,
		Priority:      opts.Priority,
		PriorityGroup: opts.PriorityGroup,
		Strategy:      opts.Strategy,
		Capabilities:  caps,
		Instance:      instance,
		Breaker:       NewCircuitBreaker(breakerCfg),
		Metadata:      opts.Metadata,
		registeredAt:  time.Now(),
	}

	list := r.byType[serviceType]
	if list == nil {
		list = &providerList{cursors: make(map[int]int)}
		r.byType[serviceType] = list
	}
	list.providers = append(list.providers, p)
	sortProviders(list.providers)
	r.byName[name] = p

	return name, nil
}

func sortProviders(providers []*Provider) {
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].PriorityGroup != providers[j].PriorityGroup {
			return providers[i].PriorityGroup < providers[j].PriorityGroup
		}
		return providers[i].Priority < providers[j].Priority
	})
}

// Unregister removes a provider and its breaker atomically.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)

	list := r.byType[p.ServiceType]
	if list == nil {
		return true
	}
	for i, candidate := range list.providers {
		if candidate.Name == name {
			list.providers = append(list.providers[:i], list.providers[i+1:]...)
			break
		}
	}
	return true
}

// ClearAll removes every provider and breaker.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[ServiceType]*providerList)
	r.byName = make(map[string]*Provider)
}

func hasAllCapabilities(p *Provider, required []string) bool {
	for _, c := range required {
		if _, ok := p.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// GetService selects one instance of serviceType honoring priority
// groups, per-group strategy, capability filtering, breaker
// availability, and an optional health check. It returns nil if no
// candidate qualifies.
func (r *Registry) GetService(ctx context.Context, serviceType ServiceType, requiredCapabilities []string) interface{} {
	r.mu.Lock()
	list := r.byType[serviceType]
	if list == nil || len(list.providers) == 0 {
		r.mu.Unlock()
		return nil
	}
	groups := groupByPriorityGroup(list.providers)
	r.mu.Unlock()

	for _, groupKey := range groups.order {
		candidates := groups.byGroup[groupKey]
		strategy := StrategyFallback
		if len(candidates) > 0 {
			strategy = candidates[0].Strategy
		}

		order := candidates
		if strategy == StrategyRoundRobin {
			order = r.rotate(serviceType, groupKey, candidates)
		}

		for _, p := range order {
			if !hasAllCapabilities(p, requiredCapabilities) {
				continue
			}
			if !p.Breaker.IsAvailable() {
				continue
			}
			if hc, ok := p.Instance.(HealthChecker); ok {
				if !hc.IsHealthy(ctx) {
					p.Breaker.RecordFailure()
					continue
				}
			}
			p.Breaker.RecordSuccess()
			return p.Instance
		}
	}
	return nil
}

type groupedProviders struct {
	order   []int
	byGroup map[int][]*Provider
}

func groupByPriorityGroup(providers []*Provider) groupedProviders {
	byGroup := make(map[int][]*Provider)
	var order []int
	for _, p := range providers {
		if _, ok := byGroup[p.PriorityGroup]; !ok {
			order = append(order, p.PriorityGroup)
		}
		byGroup[p.PriorityGroup] = append(byGroup[p.PriorityGroup], p)
	}
	sort.Ints(order)
	for k := range byGroup {
		sortProviders(byGroup[k])
	}
	return groupedProviders{order: order, byGroup: byGroup}
}

// rotate advances the group's round-robin cursor and returns the
// candidates reordered starting from the cursor, so each provider is
// tried at most once per call.
func (r *Registry) rotate(serviceType ServiceType, group int, candidates []*Provider) []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byType[serviceType]
	if list == nil || len(candidates) == 0 {
		return candidates
	}
	cursor := list.cursors[group] % len(candidates)
	list.cursors[group] = cursor + 1

	rotated := make([]*Provider, 0, len(candidates))
	rotated = append(rotated, candidates[cursor:]...)
	rotated = append(rotated, candidates[:cursor]...)
	return rotated
}

// GetServicesByType returns every currently available instance of
// serviceType, deduplicated by identity. Used by fan-out callers such
// as the Wise Authority Bus broadcast.
func (r *Registry) GetServicesByType(serviceType ServiceType) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byType[serviceType]
	if list == nil {
		return nil
	}
	seen := make(map[interface{}]struct{})
	out := make([]*Provider, 0, len(list.providers))
	for _, p := range list.providers {
		if !p.Breaker.IsAvailable() {
			continue
		}
		if _, dup := seen[p.Instance]; dup {
			continue
		}
		seen[p.Instance] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ProviderInfo is the introspection payload returned by GetProviderInfo.
type ProviderInfo struct {
	Name          string
	ServiceType   ServiceType
	Priority      Priority
	PriorityGroup int
	Breaker       BreakerStats
	Metadata      map[string]string
}

// GetProviderInfo returns provider+breaker introspection, optionally
// filtered by service type.
func (r *Registry) GetProviderInfo(serviceType *ServiceType) []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProviderInfo
	emit := func(p *Provider) {
		out = append(out, ProviderInfo{
			Name:          p.Name,
			ServiceType:   p.ServiceType,
			Priority:      p.Priority,
			PriorityGroup: p.PriorityGroup,
			Breaker:       p.Breaker.GetStats(),
			Metadata:      p.Metadata,
		})
	}
	if serviceType != nil {
		if list := r.byType[*serviceType]; list != nil {
			for _, p := range list.providers {
				emit(p)
			}
		}
		return out
	}
	for _, list := range r.byType {
		for _, p := range list.providers {
			emit(p)
		}
	}
	return out
}

// ResetCircuitBreakers resets every breaker in the registry to CLOSED.
func (r *Registry) ResetCircuitBreakers() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byName {
		p.Breaker.Reset()
	}
}

// WaitReady polls at 100ms intervals until every type in
// requiredTypes has at least one registered provider, or timeout
// elapses.
func (r *Registry) WaitReady(ctx context.Context, timeout time.Duration, requiredTypes []ServiceType) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.hasAll(requiredTypes) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *Registry) hasAll(types []ServiceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		list := r.byType[t]
		if list == nil || len(list.providers) == 0 {
			return false
		}
	}
	return true
}
