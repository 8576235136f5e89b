// Package runtimectl implements the Runtime Control Service: the
// adapter/config/processor backing behind the Runtime Control Bus, and
// the WA-signed emergency shutdown verification path.
package runtimectl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ciris-run/agent-runtime/internal/bus"
	"github.com/ciris-run/agent-runtime/internal/lifecycle"
)

// ProcessorState is the processor's coarse run state.
type ProcessorState string

const (
	ProcessorRunning ProcessorState = "running"
	ProcessorPaused  ProcessorState = "paused"
)

// Adapter is a loaded or loadable transport adapter.
type Adapter struct {
	ID       string
	Type     string
	Running  bool
	Metadata map[string]string
}

// Service implements bus.RuntimeControlProvider on top of an in-memory
// adapter registry, a config snapshot, and the Shutdown Service.
type Service struct {
	mu        sync.Mutex
	adapters  map[string]*Adapter
	config    map[string]interface{}
	sensitive map[string]bool
	state     ProcessorState
	queueSize int

	shutdown *lifecycle.Shutdown
}

// NewService constructs a Runtime Control Service backed by shutdown
// for its ShutdownRuntime delegation.
func NewService(shutdown *lifecycle.Shutdown, config map[string]interface{}, sensitiveKeys []string) *Service {
	sensitive := make(map[string]bool, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		sensitive[k] = true
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	return &Service{
		adapters:  make(map[string]*Adapter),
		config:    config,
		sensitive: sensitive,
		state:     ProcessorRunning,
		shutdown:  shutdown,
	}
}

func (s *Service) GetProcessorQueueStatus(ctx context.Context) (bus.ProcessorQueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bus.ProcessorQueueStatus{
		QueueSize:      s.queueSize,
		ProcessorState: string(s.state),
		Paused:         s.state == ProcessorPaused,
	}, nil
}

func (s *Service) ShutdownRuntime(ctx context.Context, reason string) (bus.ProcessorControlResponse, error) {
	if s.shutdown == nil {
		return bus.ProcessorControlResponse{Success: false, Error: "no shutdown service wired"}, nil
	}
	s.shutdown.RequestShutdown(reason)
	return bus.ProcessorControlResponse{Success: true, Message: "shutdown requested"}, nil
}

func (s *Service) GetConfig(ctx context.Context, path string, includeSensitive bool) (bus.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]interface{})
	for k, v := range s.config {
		if path != "" && k != path {
			continue
		}
		if s.sensitive[k] && !includeSensitive {
			values[k] = "***redacted***"
			continue
		}
		values[k] = v
	}
	return bus.ConfigSnapshot{Values: values, IncludeSensitive: includeSensitive}, nil
}

func (s *Service) LoadAdapter(ctx context.Context, adapterType string, config map[string]interface{}) (bus.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("%s-%d", adapterType, time.Now().UnixNano())
	meta := make(map[string]string, len(config))
	for k, v := range config {
		meta[k] = fmt.Sprintf("%v", v)
	}
	a := &Adapter{ID: id, Type: adapterType, Running: true, Metadata: meta}
	s.adapters[id] = a
	return toInfo(a), nil
}

func (s *Service) UnloadAdapter(ctx context.Context, adapterID string) (bus.ProcessorControlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.adapters[adapterID]; !ok {
		return bus.ProcessorControlResponse{Success: false, Error: "adapter not found: " + adapterID}, nil
	}
	delete(s.adapters, adapterID)
	return bus.ProcessorControlResponse{Success: true, Message: "adapter unloaded"}, nil
}

func (s *Service) ListAdapters(ctx context.Context) ([]bus.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bus.AdapterInfo, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, toInfo(a))
	}
	return out, nil
}

func (s *Service) GetAdapterInfo(ctx context.Context, adapterID string) (bus.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.adapters[adapterID]
	if !ok {
		return bus.AdapterInfo{}, fmt.Errorf("adapter not found: %s", adapterID)
	}
	return toInfo(a), nil
}

func (s *Service) PauseProcessing(ctx context.Context) (bus.ProcessorControlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ProcessorPaused
	return bus.ProcessorControlResponse{Success: true, Message: "processing paused"}, nil
}

func (s *Service) ResumeProcessing(ctx context.Context) (bus.ProcessorControlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ProcessorRunning
	return bus.ProcessorControlResponse{Success: true, Message: "processing resumed"}, nil
}

func (s *Service) SingleStep(ctx context.Context) (bus.ProcessorControlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueSize > 0 {
		s.queueSize--
	}
	return bus.ProcessorControlResponse{Success: true, Message: "single step executed"}, nil
}

func (s *Service) GetRuntimeStatus(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"processor_state": string(s.state),
		"adapter_count":   len(s.adapters),
		"queue_size":      s.queueSize,
	}, nil
}

func toInfo(a *Adapter) bus.AdapterInfo {
	return bus.AdapterInfo{ID: a.ID, Type: a.Type, Running: a.Running, Metadata: a.Metadata}
}
