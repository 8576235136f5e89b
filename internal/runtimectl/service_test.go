package runtimectl

import (
	"context"
	"testing"

	"github.com/ciris-run/agent-runtime/internal/lifecycle"
)

func TestService_LoadListUnloadAdapter(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()

	info, err := s.LoadAdapter(ctx, "discord", map[string]interface{}{"token": "x"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if info.Type != "discord" || !info.Running {
		t.Fatalf("unexpected adapter info: %+v", info)
	}

	list, err := s.ListAdapters(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one adapter, got %v (err=%v)", list, err)
	}

	resp, err := s.UnloadAdapter(ctx, info.ID)
	if err != nil || !resp.Success {
		t.Fatalf("expected successful unload, got %+v (err=%v)", resp, err)
	}

	list, _ = s.ListAdapters(ctx)
	if len(list) != 0 {
		t.Fatalf("expected no adapters after unload, got %d", len(list))
	}
}

func TestService_UnloadUnknownAdapter_ReturnsTypedFailure(t *testing.T) {
	s := NewService(nil, nil, nil)
	resp, err := s.UnloadAdapter(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected a typed failure response, got %+v", resp)
	}
}

func TestService_GetConfig_RedactsSensitiveKeysByDefault(t *testing.T) {
	s := NewService(nil, map[string]interface{}{"api_key": "secret", "name": "agent"}, []string{"api_key"})
	ctx := context.Background()

	snap, err := s.GetConfig(ctx, "", false)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if snap.Values["api_key"] != "***redacted***" {
		t.Fatalf("expected api_key redacted, got %v", snap.Values["api_key"])
	}
	if snap.Values["name"] != "agent" {
		t.Fatalf("expected name unredacted, got %v", snap.Values["name"])
	}

	snap, err = s.GetConfig(ctx, "", true)
	if err != nil {
		t.Fatalf("get config sensitive: %v", err)
	}
	if snap.Values["api_key"] != "secret" {
		t.Fatalf("expected api_key unredacted when requested, got %v", snap.Values["api_key"])
	}
}

func TestService_PauseResumeSingleStep(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()

	if _, err := s.PauseProcessing(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	status, _ := s.GetProcessorQueueStatus(ctx)
	if !status.Paused {
		t.Fatalf("expected paused state")
	}

	if _, err := s.ResumeProcessing(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	status, _ = s.GetProcessorQueueStatus(ctx)
	if status.Paused {
		t.Fatalf("expected resumed state")
	}
}

func TestService_ShutdownRuntime_DelegatesToShutdownService(t *testing.T) {
	sd := lifecycle.NewShutdown()
	s := NewService(sd, nil, nil)

	resp, err := s.ShutdownRuntime(context.Background(), "operator request")
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if !sd.IsShutdownRequested() {
		t.Fatalf("expected the shutdown service to have latched the request")
	}
}

func TestService_ShutdownRuntime_NoShutdownServiceWired(t *testing.T) {
	s := NewService(nil, nil, nil)
	resp, err := s.ShutdownRuntime(context.Background(), "reason")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected a typed failure response, got %+v", resp)
	}
}
