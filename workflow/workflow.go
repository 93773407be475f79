package workflow

import (
	"context"
	"time"

	"github.com/scanweave/scanweave/core"
)

// ═══════════════════════════════════════════════════════════════════════════
// States
// ═══════════════════════════════════════════════════════════════════════════

// WorkflowState is the lifecycle state of one workflow run.
type WorkflowState string

const (
	WorkflowQueued    WorkflowState = "queued"
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
	WorkflowTimedOut  WorkflowState = "timed_out"
)

// Terminal reports whether the state is final.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTimedOut:
		return true
	}
	return false
}

// StageState is the lifecycle state of one stage within a run.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
	StageTimedOut  StageState = "timed_out"
)

// Terminal reports whether the state is final.
func (s StageState) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageTimedOut:
		return true
	}
	return false
}

// TaskState is the lifecycle state of one task within a stage.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// ═══════════════════════════════════════════════════════════════════════════
// Run state
// ═══════════════════════════════════════════════════════════════════════════

// workflowRun is the engine's live record of one workflow. All fields are
// guarded by the engine's mutex; stage handlers copy what they need and
// never hold the lock across blocking calls.
type workflowRun struct {
	id         string
	templateID string
	template   *Template

	// seq is the admission order, used for stable listings.
	seq uint64

	params map[string]interface{}
	vars   map[string]interface{}

	priority core.Priority
	state    WorkflowState

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	stages []*stageRun

	// scans tracks every execution this run submitted; the value flips to
	// true once the execution is known terminal. Cleanup and cancellation
	// cancel the false ones.
	scans map[string]bool

	cancel    context.CancelFunc
	cancelled bool
	timedOut  bool

	// enqueued is true while the run sits in the launch channel, so a
	// restart only re-enqueues interrupted runs.
	enqueued bool

	lastError string
}

type stageRun struct {
	def   *StageDef
	state StageState

	attempts    int
	startedAt   time.Time
	completedAt time.Time

	// deadline bounds the stage when its definition carries a timeout;
	// zero means unbounded. Task and approval waits check it.
	deadline time.Time

	skipReason string
	lastError  string
	approvalID string

	tasks []*taskRun
}

type taskRun struct {
	def   *TaskDef
	state TaskState

	attempts    int
	executionID string
	lastError   string
	startedAt   time.Time
	completedAt time.Time
}

func newWorkflowRun(tpl *Template, params map[string]interface{}, now time.Time) *workflowRun {
	vars := make(map[string]interface{}, len(params))
	for k, v := range params {
		vars[k] = v
	}

	priority := tpl.Priority
	if !priority.Valid() {
		priority = core.PriorityNormal
	}

	w := &workflowRun{
		id:         core.NewID("wf"),
		templateID: tpl.ID,
		template:   tpl,
		params:     params,
		vars:       vars,
		priority:   priority,
		state:      WorkflowQueued,
		createdAt:  now,
		scans:      make(map[string]bool),
		stages:     make([]*stageRun, 0, len(tpl.Stages)),
	}
	for i := range tpl.Stages {
		def := &tpl.Stages[i]
		st := &stageRun{def: def, state: StagePending, tasks: make([]*taskRun, 0, len(def.Tasks))}
		for j := range def.Tasks {
			st.tasks = append(st.tasks, &taskRun{def: &def.Tasks[j], state: TaskPending})
		}
		w.stages = append(w.stages, st)
	}
	return w
}

// organizationID is the org scope approvals resolve against, taken from
// the well-known workflow parameter.
func (w *workflowRun) organizationID() string {
	if v, ok := w.params[ParamOrganizationID]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// nonTerminalScans returns the execution IDs this run is still waiting on.
func (w *workflowRun) nonTerminalScans() []string {
	var ids []string
	for id, terminal := range w.scans {
		if !terminal {
			ids = append(ids, id)
		}
	}
	return ids
}

// ═══════════════════════════════════════════════════════════════════════════
// Snapshots
// ═══════════════════════════════════════════════════════════════════════════

// ExecutionTicket is the receipt for a queued workflow.
type ExecutionTicket struct {
	WorkflowID string `json:"workflow_id"`

	// QueuePosition is the run's 1-based position in the launch queue at
	// admission time.
	QueuePosition int `json:"queue_position"`

	// EstimatedDuration is a coarse runtime estimate derived from the
	// template.
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// WorkflowSnapshot is a point-in-time copy of a run, safe to share.
type WorkflowSnapshot struct {
	ID           string        `json:"id"`
	TemplateID   string        `json:"template_id"`
	TemplateName string        `json:"template_name"`
	Type         string        `json:"type"`
	State        WorkflowState `json:"state"`
	Priority     core.Priority `json:"priority"`

	Params map[string]interface{} `json:"params,omitempty"`
	Vars   map[string]interface{} `json:"vars,omitempty"`

	Stages []*StageSnapshot `json:"stages"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// StageSnapshot is a point-in-time copy of one stage.
type StageSnapshot struct {
	ID       string     `json:"id"`
	Type     StageType  `json:"type"`
	Mode     StageMode  `json:"mode"`
	State    StageState `json:"state"`
	Optional bool       `json:"optional,omitempty"`

	Attempts   int    `json:"attempts,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`

	Tasks []*TaskSnapshot `json:"tasks,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// TaskSnapshot is a point-in-time copy of one task.
type TaskSnapshot struct {
	ID       string    `json:"id"`
	Type     TaskType  `json:"type"`
	State    TaskState `json:"state"`
	Critical bool      `json:"critical,omitempty"`

	Attempts    int           `json:"attempts,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
}

// ApprovalSnapshot is a point-in-time copy of one approval request.
type ApprovalSnapshot struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	StageID    string `json:"stage_id"`

	// Approver is whose decision the request currently waits on.
	Approver string   `json:"approver"`
	Chain    []string `json:"chain"`

	State ApprovalState `json:"state"`
	Actor string        `json:"actor,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// snapshot copies the run. Callers hold the engine mutex.
func (w *workflowRun) snapshot() *WorkflowSnapshot {
	snap := &WorkflowSnapshot{
		ID:           w.id,
		TemplateID:   w.templateID,
		TemplateName: w.template.Name,
		Type:         w.template.Type,
		State:        w.state,
		Priority:     w.priority,
		Params:       copyValues(w.params),
		Vars:         copyValues(w.vars),
		Error:        w.lastError,
		CreatedAt:    w.createdAt,
		StartedAt:    w.startedAt,
		CompletedAt:  w.completedAt,
	}
	snap.Stages = make([]*StageSnapshot, 0, len(w.stages))
	for _, st := range w.stages {
		snap.Stages = append(snap.Stages, st.snapshot())
	}
	return snap
}

func (st *stageRun) snapshot() *StageSnapshot {
	snap := &StageSnapshot{
		ID:          st.def.ID,
		Type:        st.def.Type,
		Mode:        st.def.Mode,
		State:       st.state,
		Optional:    st.def.Optional,
		Attempts:    st.attempts,
		SkipReason:  st.skipReason,
		Error:       st.lastError,
		ApprovalID:  st.approvalID,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
	}
	if len(st.tasks) > 0 {
		snap.Tasks = make([]*TaskSnapshot, 0, len(st.tasks))
		for _, t := range st.tasks {
			snap.Tasks = append(snap.Tasks, t.snapshot())
		}
	}
	return snap
}

func (t *taskRun) snapshot() *TaskSnapshot {
	snap := &TaskSnapshot{
		ID:          t.def.ID,
		Type:        t.def.Type,
		State:       t.state,
		Critical:    t.def.Critical,
		Attempts:    t.attempts,
		ExecutionID: t.executionID,
		Error:       t.lastError,
	}
	if !t.startedAt.IsZero() && !t.completedAt.IsZero() {
		snap.Elapsed = t.completedAt.Sub(t.startedAt)
	}
	return snap
}

func copyValues(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
