// Package resource implements the Resource Monitor: a 1 Hz sampler
// that tracks process memory/CPU, disk usage at the configured
// database path, and token/thought throughput against a configured
// budget, emitting cooldown-gated signals when a resource crosses its
// warning or critical threshold.
package resource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// Action is the response a budgeted resource's breach triggers.
type Action string

const (
	ActionWarn     Action = "WARN"
	ActionThrottle Action = "THROTTLE"
	ActionDefer    Action = "DEFER"
	ActionReject   Action = "REJECT"
	ActionShutdown Action = "SHUTDOWN"
)

// Limit configures one named resource's thresholds. Warning <=
// Critical <= Limit is an invariant of a well-formed Budget.
type Limit struct {
	Warning        int64
	Critical       int64
	Limit          int64
	Action         Action
	CooldownSeconds int
}

// Budget names every resource the monitor tracks.
type Budget struct {
	MemoryMB      Limit
	CPUPercent    Limit
	TokensHour    Limit
	TokensDay     Limit
	ThoughtsActive Limit
	DiskMB        Limit
}

// named returns the budget's limits keyed by the resource name used in
// Snapshot's warning/critical string entries.
func (b Budget) named() map[string]Limit {
	return map[string]Limit{
		"memory_mb":       b.MemoryMB,
		"cpu_percent":     b.CPUPercent,
		"tokens_hour":     b.TokensHour,
		"tokens_day":      b.TokensDay,
		"thoughts_active": b.ThoughtsActive,
		"disk_mb":         b.DiskMB,
	}
}

// Snapshot is the monitor's current view. Readers get a consistent
// copy but not a transaction: it may be one sampling cycle stale.
type Snapshot struct {
	MemoryMB        int64
	MemoryPercent   int64
	CPUPercent      int64
	CPUAverage1m    int64
	DiskFreeMB      int64
	DiskUsedMB      int64
	TokensUsedHour  int64
	TokensUsedDay   int64
	ThoughtsActive  int64
	Warnings        []string
	Critical        []string
	Healthy         bool
}

// SignalBus is a fan-out registry mapping signal name to handlers.
// Handlers must not panic upward; a panicking handler is recovered and
// logged to stderr by the bus itself.
type SignalBus struct {
	mu       sync.Mutex
	handlers map[string][]func(signal, resource string)
}

// NewSignalBus constructs an empty bus with the four known signal
// names pre-registered.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		handlers: map[string][]func(signal, resource string){
			"throttle": nil,
			"defer":    nil,
			"reject":   nil,
			"shutdown": nil,
		},
	}
}

// Register adds handler for signal.
func (s *SignalBus) Register(signal string, handler func(signal, resource string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[signal] = append(s.handlers[signal], handler)
}

// Emit invokes every handler registered for signal with resource,
// recovering any panic so a misbehaving handler cannot propagate.
func (s *SignalBus) Emit(signal, resourceName string) {
	s.mu.Lock()
	handlers := append([]func(signal, resource string){}, s.handlers[signal]...)
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "resource monitor: signal handler for %q panicked: %v\n", signal, r)
				}
			}()
			h(signal, resourceName)
		}()
	}
}

const (
	cpuHistoryCap   = 60
	tokenHistoryCap = 86400
)

type tokenSample struct {
	at     time.Time
	tokens int64
}

// Monitor is the 1 Hz resource sampler.
type Monitor struct {
	budget Budget
	dbPath string
	db     *sql.DB
	signals *SignalBus
	proc   *process.Process

	mu           sync.Mutex
	snapshot     Snapshot
	cpuHistory   []float64
	tokenHistory []tokenSample
	lastAction   map[string]time.Time

	stopCh chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup
}

// NewMonitor constructs a Monitor over budget. db may be nil, in which
// case thoughts_active always samples as zero. signals may be nil, in
// which case one is allocated with no handlers registered.
func NewMonitor(budget Budget, dbPath string, db *sql.DB, signals *SignalBus) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resource monitor: sample own process: %w", err)
	}
	if signals == nil {
		signals = NewSignalBus()
	}
	return &Monitor{
		budget:     budget,
		dbPath:     dbPath,
		db:         db,
		signals:    signals,
		proc:       proc,
		lastAction: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the 1 Hz sampling loop; it stops when ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.updateSnapshot()
				m.checkLimits()
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Snapshot returns a copy of the monitor's current view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot
	snap.Warnings = append([]string{}, m.snapshot.Warnings...)
	snap.Critical = append([]string{}, m.snapshot.Critical...)
	return snap
}

// RecordTokens appends a (now, tokens) sample to the token history.
func (m *Monitor) RecordTokens(tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenHistory = append(m.tokenHistory, tokenSample{at: time.Now(), tokens: tokens})
	if len(m.tokenHistory) > tokenHistoryCap {
		m.tokenHistory = m.tokenHistory[len(m.tokenHistory)-tokenHistoryCap:]
	}
}

// CheckAvailable reports whether amount additional units of resource
// can be consumed without crossing its warning threshold.
func (m *Monitor) CheckAvailable(resourceName string, amount int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch resourceName {
	case "memory_mb":
		return m.snapshot.MemoryMB+amount < m.budget.MemoryMB.Warning
	case "tokens_hour":
		return m.snapshot.TokensUsedHour+amount < m.budget.TokensHour.Warning
	case "thoughts_active":
		return m.snapshot.ThoughtsActive+amount < m.budget.ThoughtsActive.Warning
	default:
		return true
	}
}

func (m *Monitor) updateSnapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memMB int64
	if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
		memMB = int64(info.RSS / 1024 / 1024)
	}
	m.snapshot.MemoryMB = memMB
	if m.budget.MemoryMB.Limit > 0 {
		m.snapshot.MemoryPercent = memMB * 100 / m.budget.MemoryMB.Limit
	}

	cpuPercent, _ := m.proc.CPUPercent()
	m.cpuHistory = append(m.cpuHistory, cpuPercent)
	if len(m.cpuHistory) > cpuHistoryCap {
		m.cpuHistory = m.cpuHistory[len(m.cpuHistory)-cpuHistoryCap:]
	}
	m.snapshot.CPUPercent = int64(cpuPercent)
	m.snapshot.CPUAverage1m = int64(average(m.cpuHistory))

	if usage, err := disk.Usage(m.dbPath); err == nil && usage != nil {
		m.snapshot.DiskFreeMB = int64(usage.Free / 1024 / 1024)
		m.snapshot.DiskUsedMB = int64(usage.Used / 1024 / 1024)
	}

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	var hourTotal, dayTotal int64
	for _, s := range m.tokenHistory {
		if s.at.After(dayAgo) {
			dayTotal += s.tokens
			if s.at.After(hourAgo) {
				hourTotal += s.tokens
			}
		}
	}
	m.snapshot.TokensUsedHour = hourTotal
	m.snapshot.TokensUsedDay = dayTotal
	m.snapshot.ThoughtsActive = m.countActiveThoughts()
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// countActiveThoughts runs the single SQL query the spec calls for;
// any DB error is treated as zero active thoughts rather than raised,
// since a momentarily-locked SQLite file must not stall sampling.
func (m *Monitor) countActiveThoughts() int64 {
	if m.db == nil {
		return 0
	}
	var count int64
	row := m.db.QueryRow("SELECT COUNT(*) FROM thoughts WHERE status IN ('pending', 'processing')")
	if err := row.Scan(&count); err != nil {
		return 0
	}
	return count
}

func (m *Monitor) checkLimits() {
	m.mu.Lock()
	m.snapshot.Warnings = nil
	m.snapshot.Critical = nil
	values := map[string]int64{
		"memory_mb":       m.snapshot.MemoryMB,
		"cpu_percent":     m.snapshot.CPUAverage1m,
		"tokens_hour":     m.snapshot.TokensUsedHour,
		"tokens_day":      m.snapshot.TokensUsedDay,
		"thoughts_active": m.snapshot.ThoughtsActive,
		"disk_mb":         m.snapshot.DiskUsedMB,
	}
	limits := m.budget.named()
	m.mu.Unlock()

	for _, name := range []string{"memory_mb", "cpu_percent", "tokens_hour", "tokens_day", "thoughts_active", "disk_mb"} {
		m.checkResource(name, values[name], limits[name])
	}

	m.mu.Lock()
	m.snapshot.Healthy = len(m.snapshot.Critical) == 0
	m.mu.Unlock()
}

func (m *Monitor) checkResource(name string, value int64, limit Limit) {
	switch {
	case value >= limit.Critical:
		m.mu.Lock()
		m.snapshot.Critical = append(m.snapshot.Critical, fmt.Sprintf("%s: %d/%d", name, value, limit.Limit))
		m.mu.Unlock()
		m.takeAction(name, limit, "critical")
	case value >= limit.Warning:
		m.mu.Lock()
		m.snapshot.Warnings = append(m.snapshot.Warnings, fmt.Sprintf("%s: %d/%d", name, value, limit.Limit))
		m.mu.Unlock()
		m.takeAction(name, limit, "warning")
	}
}

// takeAction consults the per-(resource,level) cooldown before
// emitting a signal, so a resource pinned above threshold does not
// flood the signal bus every cycle.
func (m *Monitor) takeAction(resourceName string, limit Limit, level string) {
	key := resourceName + "_" + level
	now := time.Now()

	m.mu.Lock()
	last, seen := m.lastAction[key]
	if seen && now.Sub(last) < time.Duration(limit.CooldownSeconds)*time.Second {
		m.mu.Unlock()
		return
	}
	m.lastAction[key] = now
	m.mu.Unlock()

	switch limit.Action {
	case ActionThrottle:
		m.signals.Emit("throttle", resourceName)
	case ActionDefer:
		m.signals.Emit("defer", resourceName)
	case ActionReject:
		m.signals.Emit("reject", resourceName)
	case ActionShutdown:
		m.signals.Emit("shutdown", resourceName)
	case ActionWarn:
		// WARN is a snapshot-only annotation; no signal is emitted.
	}
}
