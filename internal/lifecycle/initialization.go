package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase is a fixed-order initialization stage. The zero value is the
// first phase executed.
type Phase int

const (
	PhaseInfrastructure Phase = iota
	PhaseDatabase
	PhaseServices
	PhaseSecurity
	PhaseVerification
)

func (p Phase) String() string {
	switch p {
	case PhaseInfrastructure:
		return "infrastructure"
	case PhaseDatabase:
		return "database"
	case PhaseServices:
		return "services"
	case PhaseSecurity:
		return "security"
	case PhaseVerification:
		return "verification"
	default:
		return "unknown"
	}
}

var allPhases = []Phase{
	PhaseInfrastructure,
	PhaseDatabase,
	PhaseServices,
	PhaseSecurity,
	PhaseVerification,
}

// StepHandler runs a step's work; it should respect ctx's deadline.
type StepHandler func(ctx context.Context) error

// StepVerifier confirms a step actually took effect; it runs with a
// fixed 10-second budget after the handler succeeds.
type StepVerifier func(ctx context.Context) (bool, error)

// Step is one unit of work belonging to exactly one phase.
type Step struct {
	Phase    Phase
	Name     string
	Handler  StepHandler
	Verifier StepVerifier
	Critical bool
	Timeout  time.Duration
}

const verifierTimeout = 10 * time.Second

// Status is the detailed, point-in-time view of initialization
// progress.
type Status struct {
	Complete       bool
	StartTime      time.Time
	DurationSecs   float64
	CompletedSteps []string
	PhaseStatus    map[string]string
	Error          string
	TotalSteps     int
}

// Initialization runs registered Steps in fixed phase order, steps
// within a phase in registration order, aborting on a critical
// failure and continuing the phase past a non-critical one.
type Initialization struct {
	mu             sync.Mutex
	steps          []Step
	completedSteps []string
	phaseStatus    map[Phase]string
	startTime      time.Time
	complete       bool
	err            error

	log *logrus.Entry
}

// NewInitialization constructs an empty Initialization coordinator.
func NewInitialization() *Initialization {
	return &Initialization{
		phaseStatus: make(map[Phase]string),
		log:         logrus.WithField("component", "initialization"),
	}
}

// RegisterStep adds step to the sequence. Steps must be registered
// before Initialize is called.
func (i *Initialization) RegisterStep(step Step) {
	if step.Timeout <= 0 {
		step.Timeout = 30 * time.Second
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.steps = append(i.steps, step)
}

// Initialize executes every phase in fixed order; within a phase,
// steps run sequentially in registration order. It returns false iff
// a critical step failed, in which case Status().Error is non-empty.
func (i *Initialization) Initialize(ctx context.Context) bool {
	i.mu.Lock()
	i.startTime = time.Now()
	steps := append([]Step{}, i.steps...)
	i.mu.Unlock()

	i.log.Info("initialization sequence starting")

	byPhase := make(map[Phase][]Step)
	for _, s := range steps {
		byPhase[s.Phase] = append(byPhase[s.Phase], s)
	}

	for _, phase := range allPhases {
		phaseSteps, ok := byPhase[phase]
		if !ok {
			continue
		}
		i.executePhase(ctx, phase, phaseSteps)

		i.mu.Lock()
		failed := i.err != nil
		i.mu.Unlock()
		if failed {
			i.log.WithError(i.err).Error("initialization failed")
			return false
		}
	}

	i.mu.Lock()
	i.complete = true
	duration := time.Since(i.startTime)
	i.mu.Unlock()

	i.log.WithField("duration_s", duration.Seconds()).Info("initialization complete")
	return true
}

func (i *Initialization) executePhase(ctx context.Context, phase Phase, steps []Step) {
	i.log.WithField("phase", phase.String()).Info("entering phase")
	i.setPhaseStatus(phase, "running")

	for _, step := range steps {
		i.executeStep(ctx, step)

		i.mu.Lock()
		failed := i.err != nil
		i.mu.Unlock()
		if failed && step.Critical {
			i.setPhaseStatus(phase, "failed")
			return
		}
	}

	i.setPhaseStatus(phase, "completed")
	i.log.WithField("phase", phase.String()).Info("phase completed")
}

func (i *Initialization) setPhaseStatus(phase Phase, status string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.phaseStatus[phase] = status
}

func (i *Initialization) executeStep(ctx context.Context, step Step) {
	stepName := fmt.Sprintf("%s/%s", step.Phase.String(), step.Name)
	i.log.WithField("step", stepName).Info("running step")

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	if err := step.Handler(stepCtx); err != nil {
		i.failStep(stepName, step.Critical, fmt.Errorf("%s failed: %w", step.Name, err))
		return
	}

	if stepCtx.Err() != nil {
		i.failStep(stepName, step.Critical, fmt.Errorf("%s timed out after %s", step.Name, step.Timeout))
		return
	}

	if step.Verifier != nil {
		verifyCtx, verifyCancel := context.WithTimeout(ctx, verifierTimeout)
		ok, err := step.Verifier(verifyCtx)
		verifyCancel()
		if err != nil {
			i.failStep(stepName, step.Critical, fmt.Errorf("verification for %s errored: %w", step.Name, err))
			return
		}
		if !ok {
			i.failStep(stepName, step.Critical, fmt.Errorf("verification failed for %s", step.Name))
			return
		}
	}

	i.mu.Lock()
	i.completedSteps = append(i.completedSteps, stepName)
	i.mu.Unlock()
	i.log.WithField("step", stepName).Info("step initialized")
}

func (i *Initialization) failStep(stepName string, critical bool, err error) {
	i.log.WithField("step", stepName).WithError(err).Error("step failed")
	if !critical {
		return
	}
	i.mu.Lock()
	if i.err == nil {
		i.err = err
	}
	i.mu.Unlock()
}

// IsInitialized reports whether initialization completed successfully.
func (i *Initialization) IsInitialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.complete
}

// Status returns the detailed, point-in-time initialization status.
func (i *Initialization) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	var duration float64
	if !i.startTime.IsZero() {
		duration = time.Since(i.startTime).Seconds()
	}
	errStr := ""
	if i.err != nil {
		errStr = i.err.Error()
	}
	phaseStatus := make(map[string]string, len(i.phaseStatus))
	for phase, status := range i.phaseStatus {
		phaseStatus[phase.String()] = status
	}

	return Status{
		Complete:       i.complete,
		StartTime:      i.startTime,
		DurationSecs:   duration,
		CompletedSteps: append([]string{}, i.completedSteps...),
		PhaseStatus:    phaseStatus,
		Error:          errStr,
		TotalSteps:     len(i.steps),
	}
}
