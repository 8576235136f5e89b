// Package lifecycle implements process-lifetime coordination: the
// Shutdown Service (graceful and emergency termination) and the
// Initialization Service (ordered, verified boot sequencing).
package lifecycle

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncHandler runs inline during shutdown and must not block.
type SyncHandler func()

// AsyncHandler runs with a shared timeout budget during shutdown.
type AsyncHandler func(ctx context.Context)

// Shutdown coordinates graceful and emergency termination. The first
// call to RequestShutdown latches the request; later RequestShutdown
// calls are absorbed as duplicates. EmergencyShutdown always runs, even
// after a graceful request has been latched.
type Shutdown struct {
	mu               sync.Mutex
	requested        bool
	reason           string
	emergency        bool
	syncHandlers     []SyncHandler
	asyncHandlers    []AsyncHandler

	doneCh   chan struct{}
	doneOnce sync.Once

	log *logrus.Entry

	// killFunc and exitFunc are overridable in tests so the watchdog
	// and graceful-exit paths can be exercised without actually
	// terminating the test process.
	killFunc func()
	exitFunc func(code int)
}

// NewShutdown constructs an unrequested Shutdown coordinator.
func NewShutdown() *Shutdown {
	return &Shutdown{
		doneCh: make(chan struct{}),
		log:    logrus.WithField("component", "shutdown"),
		killFunc: func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
		},
		exitFunc: os.Exit,
	}
}

// RegisterSyncHandler adds a handler invoked inline when shutdown is
// requested.
func (s *Shutdown) RegisterSyncHandler(h SyncHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncHandlers = append(s.syncHandlers, h)
}

// RegisterAsyncHandler adds a handler invoked with the shared async
// handler timeout budget.
func (s *Shutdown) RegisterAsyncHandler(h AsyncHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncHandlers = append(s.asyncHandlers, h)
}

// IsShutdownRequested reports whether shutdown has been latched.
func (s *Shutdown) IsShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Reason returns the latched shutdown reason, or "" if none.
func (s *Shutdown) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// RequestShutdown latches shutdown_requested, stores reason, closes
// the done channel exactly once, and synchronously runs every
// registered sync handler. Duplicate calls after the first are
// no-ops.
func (s *Shutdown) RequestShutdown(reason string) {
	s.mu.Lock()
	if s.requested {
		s.mu.Unlock()
		s.log.WithField("reason", reason).Debug("shutdown already requested, ignoring duplicate")
		return
	}
	s.requested = true
	s.reason = reason
	handlers := append([]SyncHandler{}, s.syncHandlers...)
	s.mu.Unlock()

	s.log.WithField("reason", reason).Error("system shutdown requested")
	s.doneOnce.Do(func() { close(s.doneCh) })
	s.runSyncHandlers(handlers)
}

func (s *Shutdown) runSyncHandlers(handlers []SyncHandler) {
	for _, h := range handlers {
		s.runOneSyncHandler(h)
	}
}

func (s *Shutdown) runOneSyncHandler(h SyncHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("shutdown handler panicked")
		}
	}()
	h()
}

// ExecuteAsyncHandlers runs every registered async handler under ctx.
// Called by the owning coordinator after RequestShutdown, or directly
// by EmergencyShutdown with a tighter deadline.
func (s *Shutdown) ExecuteAsyncHandlers(ctx context.Context) {
	s.mu.Lock()
	handlers := append([]AsyncHandler{}, s.asyncHandlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		s.runOneAsyncHandler(ctx, h)
	}
}

func (s *Shutdown) runOneAsyncHandler(ctx context.Context, h AsyncHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("async shutdown handler panicked")
		}
	}()
	h(ctx)
}

// WaitForShutdown blocks until shutdown has been requested.
func (s *Shutdown) WaitForShutdown(ctx context.Context) {
	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
}

// EmergencyShutdown sets emergency flags, runs sync handlers inline,
// runs async handlers with half the timeout budget, starts a watchdog
// that hard-kills the process via SIGKILL after the full timeout
// elapses, then attempts a graceful os.Exit(1). The hard-kill path is
// intentional: the emergency route exists for WA-authorised kill
// switches and must not be blockable by a misbehaving handler.
func (s *Shutdown) EmergencyShutdown(reason string, timeout time.Duration) {
	s.mu.Lock()
	s.requested = true
	s.reason = "EMERGENCY: " + reason
	s.emergency = true
	syncHandlers := append([]SyncHandler{}, s.syncHandlers...)
	s.mu.Unlock()

	s.log.WithField("reason", reason).Error("emergency shutdown")
	s.doneOnce.Do(func() { close(s.doneCh) })

	s.runSyncHandlers(syncHandlers)

	asyncCtx, cancel := context.WithTimeout(context.Background(), timeout/2)
	s.ExecuteAsyncHandlers(asyncCtx)
	cancel()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		<-timer.C
		s.log.Error("emergency shutdown timeout reached, forcing termination")
		s.killFunc()
	}()

	s.log.Info("attempting graceful exit")
	s.exitFunc(1)
}

// IsEmergency reports whether the latched shutdown request came from
// EmergencyShutdown.
func (s *Shutdown) IsEmergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency
}
