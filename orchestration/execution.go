package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/scanweave/scanweave/core"
)

// ExecutionState is the lifecycle state of one scan execution.
type ExecutionState string

const (
	StatePending      ExecutionState = "pending"
	StateInitializing ExecutionState = "initializing"
	StateRunning      ExecutionState = "running"
	StateCompleted    ExecutionState = "completed"
	StateFailed       ExecutionState = "failed"
	StateCancelled    ExecutionState = "cancelled"
)

// Terminal reports whether s is a final state.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Execution phases in run order. Each phase maps to a fixed progress
// milestone; progress never moves backwards.
const (
	stepConnectionValidation = "connection_validation"
	stepRulePreparation      = "rule_preparation"
	stepDiscovery            = "discovery"
	stepAnalysis             = "analysis"
	stepRuleApplication      = "rule_application"
	stepResultsProcessing    = "results_processing"
	stepComplete             = "complete"
)

const (
	progressConnectionValidation = 0.1
	progressRulePreparation      = 0.2
	progressDiscovery            = 0.4
	progressAnalysis             = 0.6
	progressRuleApplication      = 0.8
	progressResultsProcessing    = 0.9
	progressComplete             = 1.0
)

// RuleOutcome is the recorded result of one rule dispatch within a stage.
type RuleOutcome struct {
	RuleID  string        `json:"rule_id"`
	Handle  string        `json:"handle,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Succeeded reports whether the rule produced a result.
func (r RuleOutcome) Succeeded() bool { return r.Error == "" }

// StageResult aggregates the rule outcomes of one stage attempt. Rules are
// listed in the plan's declared order regardless of completion order.
type StageResult struct {
	StageID   string        `json:"stage_id"`
	Mode      StageMode     `json:"mode"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Rules     []RuleOutcome `json:"rules"`
	Failed    int           `json:"failed"`
}

// Succeeded reports whether every rule in the attempt succeeded.
func (r StageResult) Succeeded() bool { return r.Failed == 0 }

// Snapshot is a point-in-time copy of an execution, safe to retain after
// the execution has moved on.
type Snapshot struct {
	ID           string                   `json:"id"`
	RequestID    string                   `json:"request_id"`
	DataSourceID string                   `json:"data_source_id"`
	Strategy     core.PlanStrategy        `json:"strategy"`
	Priority     core.Priority            `json:"priority"`
	State        ExecutionState           `json:"state"`
	Queued       bool                     `json:"queued"`
	Progress     float64                  `json:"progress"`
	CurrentStep  string                   `json:"current_step,omitempty"`
	StageResults []StageResult            `json:"stage_results,omitempty"`
	Requirement  core.ResourceRequirement `json:"requirement"`

	// PoolShare is the largest fraction of any allocatable pool dimension
	// this execution currently holds. Zero when no allocation is held.
	PoolShare float64 `json:"pool_share,omitempty"`

	WorkerID    string    `json:"worker_id,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// execution is the orchestrator's live record of one admitted or queued
// scan. All mutable fields are guarded by mu; the identity fields and the
// plan are written once before the execution becomes visible.
type execution struct {
	id       string
	request  *core.ScanRequest
	strategy core.PlanStrategy

	mu           sync.Mutex
	state        ExecutionState
	queued       bool
	progress     float64
	currentStep  string
	plan         *Plan
	requirement  core.ResourceRequirement
	stageResults []StageResult
	workerID     string
	attempts     int
	submittedAt  time.Time
	startedAt    time.Time
	completedAt  time.Time
	err          error

	// cancelCause is the first cancellation reason recorded; later
	// requests keep the original cause.
	cancelCause error
	cancelledAt time.Time
	ctxCancel   context.CancelFunc
}

func newExecution(id string, req *core.ScanRequest, strategy core.PlanStrategy, submittedAt time.Time) *execution {
	return &execution{
		id:          id,
		request:     req,
		strategy:    strategy,
		state:       StatePending,
		submittedAt: submittedAt,
	}
}

func (e *execution) setPlan(plan *Plan, requirement core.ResourceRequirement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plan = plan
	e.requirement = requirement
}

func (e *execution) executionPlan() (*Plan, core.ResourceRequirement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan, e.requirement
}

func (e *execution) markQueued(queued bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = queued
}

func (e *execution) setState(s ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		// Terminal states are final. A dispatcher that loses the
		// admission race to a concurrent cancel must not resurrect
		// the execution.
		return
	}
	e.state = s
}

func (e *execution) currentState() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *execution) isQueued() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// advance records a progress milestone. Progress is monotonic: a milestone
// below the current value is ignored.
func (e *execution) advance(progress float64, step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if progress > e.progress {
		e.progress = progress
	}
	e.currentStep = step
}

func (e *execution) beginRun(workerID string, startedAt time.Time, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = false
	e.workerID = workerID
	e.startedAt = startedAt
	e.attempts++
	e.ctxCancel = cancel
}

func (e *execution) appendStageResult(r StageResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stageResults = append(e.stageResults, r)
}

// requestCancel records the cancellation cause. Only the first cause
// sticks. A cooperative cancel leaves in-flight rules running and is
// honored by the runner at its next suspension point; force additionally
// fires the run context, interrupting such waits. Returns false if the
// execution is already terminal.
func (e *execution) requestCancel(cause error, at time.Time, force bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	if e.cancelCause == nil {
		e.cancelCause = cause
		e.cancelledAt = at
	}
	if force && e.ctxCancel != nil {
		e.ctxCancel()
	}
	return true
}

// cancelRequested reports whether a cancellation cause has been recorded.
func (e *execution) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCause != nil
}

// interrupt fires the run context without touching the recorded cause. The
// cancel watchdog uses it when a cooperative cancel outlives its grace.
func (e *execution) interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	if e.ctxCancel != nil {
		e.ctxCancel()
	}
}

// cancellationCause returns the recorded cancel reason, or def when the
// context was cancelled without one (engine shutdown).
func (e *execution) cancellationCause(def error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelCause != nil {
		return e.cancelCause
	}
	return def
}

// finalize moves the execution to a terminal state exactly once. The first
// caller wins; later calls return false.
func (e *execution) finalize(state ExecutionState, at time.Time, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.state = state
	e.completedAt = at
	e.err = cause
	if state == StateCompleted {
		e.progress = progressComplete
		e.currentStep = stepComplete
	}
	return true
}

// snapshot copies the execution for external consumption. With
// includeProgress false the per-stage detail and progress fields are
// omitted, which keeps large listings cheap.
func (e *execution) snapshot(includeProgress bool) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Snapshot{
		ID:           e.id,
		RequestID:    e.request.ID,
		DataSourceID: e.request.DataSourceID,
		Strategy:     e.strategy,
		Priority:     e.request.Priority,
		State:        e.state,
		Queued:       e.queued,
		Requirement:  e.requirement,
		WorkerID:     e.workerID,
		Attempts:     e.attempts,
		SubmittedAt:  e.submittedAt,
		StartedAt:    e.startedAt,
		CompletedAt:  e.completedAt,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	if includeProgress {
		s.Progress = e.progress
		s.CurrentStep = e.currentStep
		if len(e.stageResults) > 0 {
			s.StageResults = make([]StageResult, len(e.stageResults))
			copy(s.StageResults, e.stageResults)
		}
	}
	return s
}

// event builds the progress event matching the execution's current state.
func (e *execution) event(at time.Time) ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := ProgressEvent{
		ExecutionID: e.id,
		State:       e.state,
		Progress:    e.progress,
		CurrentStep: e.currentStep,
		Timestamp:   at,
	}
	if e.err != nil {
		ev.Error = e.err.Error()
	}
	return ev
}
