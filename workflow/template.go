package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

// Well-known parameter and variable names.
const (
	// ParamOrganizationID scopes approval chains to an organization.
	ParamOrganizationID = "organization_id"

	// VarAutoApprovalScore is the externally supplied confidence score an
	// approval stage compares against the auto-approval threshold.
	VarAutoApprovalScore = "auto_approval_score"

	// VarInitializedAt, VarApprovedBy, VarInsights and VarCleanedUpAt are
	// written into the variable map by their respective stage types.
	VarInitializedAt = "initialized_at"
	VarApprovedBy    = "approved_by"
	VarInsights      = "insights"
	VarCleanedUpAt   = "cleaned_up_at"
)

// StageType selects a stage's execution semantics.
type StageType string

const (
	StageInitialization StageType = "initialization"
	StageValidation     StageType = "validation"
	StageProcessing     StageType = "processing"
	StageAnalysis       StageType = "analysis"
	StageReporting      StageType = "reporting"
	StageApproval       StageType = "approval"
	StageNotification   StageType = "notification"
	StageCleanup        StageType = "cleanup"
	StageCustom         StageType = "custom"
)

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	switch t {
	case StageInitialization, StageValidation, StageProcessing, StageAnalysis,
		StageReporting, StageApproval, StageNotification, StageCleanup, StageCustom:
		return true
	}
	return false
}

// StageMode selects how a stage's tasks are ordered.
type StageMode string

const (
	ModeSequential StageMode = "sequential"
	ModeParallel   StageMode = "parallel"
)

// Valid reports whether m is a known stage mode.
func (m StageMode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// TaskType selects what a task does.
type TaskType string

const (
	// TaskScan submits a scan request to the orchestrator and waits for
	// its terminal outcome.
	TaskScan TaskType = "scan"

	// TaskValidateSource checks that a data source exists and is
	// reachable.
	TaskValidateSource TaskType = "validate_data_source"

	// TaskValidateRules checks that every listed rule exists and is
	// executable.
	TaskValidateRules TaskType = "validate_rules"

	// TaskNotify delivers a notification to one channel.
	TaskNotify TaskType = "notify"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskScan, TaskValidateSource, TaskValidateRules, TaskNotify:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("90s", "2h") or bare integers interpreted as seconds. yaml.v3 has no
// native duration handling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ═══════════════════════════════════════════════════════════════════════════
// Template model
// ═══════════════════════════════════════════════════════════════════════════

// Template is a declarative workflow definition. Templates are validated
// and copied at registration; runs never share mutable state with the
// caller's value.
type Template struct {
	// ID is assigned at registration; any caller-supplied value is
	// replaced.
	ID string `yaml:"id,omitempty" json:"id"`

	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type names the workflow category (e.g. "data_classification") and
	// selects the approver hierarchy for approval stages.
	Type string `yaml:"type" json:"type"`

	// Priority applies to every scan the workflow submits unless a task
	// overrides it. Zero means normal.
	Priority core.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`

	Params []ParamDef `yaml:"params,omitempty" json:"params,omitempty"`
	Stages []StageDef `yaml:"stages" json:"stages"`

	// EstimatedDuration overrides the engine's heuristic runtime estimate.
	EstimatedDuration Duration `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
}

// ParamDef declares one workflow parameter. Required parameters without a
// value fail the initialization stage.
type ParamDef struct {
	Name        string      `yaml:"name" json:"name"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// StageDef declares one stage of a template.
type StageDef struct {
	ID string `yaml:"id" json:"id"`

	// Order positions the stage; orders must be strictly increasing.
	Order int `yaml:"order" json:"order"`

	Type StageType `yaml:"type" json:"type"`

	// Mode orders the stage's tasks. Empty means sequential.
	Mode StageMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	Tasks      []TaskDef   `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Timeout bounds the stage including retries. Zero means unbounded.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RetryAttempts is how many times a failed stage is re-run.
	RetryAttempts int `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`

	// Optional stages may fail without failing the workflow.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Variables are seeded into the workflow variable map by
	// initialization stages.
	Variables map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Channels are the notification targets of notification and
	// reporting stages.
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`

	// Approval configures approval stages; nil falls back to the
	// resolver hierarchy and configured timeout.
	Approval *ApprovalDef `yaml:"approval,omitempty" json:"approval,omitempty"`
}

// ApprovalDef tunes an approval stage.
type ApprovalDef struct {
	// Approvers pins the escalation chain. Empty resolves the chain
	// through the approver resolver.
	Approvers []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`

	// Timeout is the wait before escalating to the next approver. Zero
	// means the configured default.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// TaskDef declares one task of a stage. Fields apply per task type: scan
// tasks use DataSource/Rules/ScanType/Plan/Priority, validation tasks use
// DataSource or Rules, notify tasks use Channel/Subject.
type TaskDef struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type     TaskType `yaml:"type" json:"type"`
	Critical bool     `yaml:"critical,omitempty" json:"critical,omitempty"`

	DataSource string            `yaml:"data_source,omitempty" json:"data_source,omitempty"`
	Rules      []string          `yaml:"rules,omitempty" json:"rules,omitempty"`
	ScanType   core.ScanType     `yaml:"scan_type,omitempty" json:"scan_type,omitempty"`
	Plan       core.PlanStrategy `yaml:"plan,omitempty" json:"plan,omitempty"`
	Priority   core.Priority     `yaml:"priority,omitempty" json:"priority,omitempty"`

	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`

	Retry RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RetryPolicy selects how a failed task is retried.
type RetryPolicy struct {
	// Strategy is one of immediate, fixed, exponential_backoff, jittered.
	// Empty means no retries.
	Strategy resilience.RetryStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// MaxAttempts is the total attempt budget. Zero means one attempt.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Delay is the base wait between attempts.
	Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Parsing and validation
// ═══════════════════════════════════════════════════════════════════════════

// ParseTemplateYAML parses and validates a template definition.
func ParseTemplateYAML(data []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parsing template YAML: %w", err)
	}
	if errs := tpl.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("template validation failed: %w", joinErrors(errs))
	}
	return &tpl, nil
}

const maxRetrySetting = 10

// Validate checks the template's structure and returns every violation
// found, not just the first.
func (t *Template) Validate() []error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if t.Name == "" {
		fail("template name is required")
	}
	if t.Type == "" {
		fail("template type is required")
	}
	if t.Priority != 0 && !t.Priority.Valid() {
		fail("priority %d out of range", t.Priority)
	}
	if t.EstimatedDuration < 0 {
		fail("estimated duration is negative")
	}
	if len(t.Stages) == 0 {
		fail("at least one stage is required")
	}

	seenParams := make(map[string]bool)
	for i, p := range t.Params {
		if p.Name == "" {
			fail("param %d: name is required", i)
			continue
		}
		if seenParams[p.Name] {
			fail("param %q declared twice", p.Name)
		}
		seenParams[p.Name] = true
	}

	seenStages := make(map[string]bool)
	lastOrder := 0
	for i := range t.Stages {
		st := &t.Stages[i]
		label := st.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		if st.ID == "" {
			fail("stage %s: id is required", label)
		} else if seenStages[st.ID] {
			fail("stage %q declared twice", st.ID)
		}
		seenStages[st.ID] = true

		if st.Order <= lastOrder {
			fail("stage %s: order %d must exceed the previous stage's %d", label, st.Order, lastOrder)
		}
		lastOrder = st.Order

		if !st.Type.Valid() {
			fail("stage %s: unknown type %q", label, st.Type)
		}
		if st.Mode != "" && !st.Mode.Valid() {
			fail("stage %s: unknown mode %q", label, st.Mode)
		}
		if st.Timeout < 0 {
			fail("stage %s: timeout is negative", label)
		}
		if st.RetryAttempts < 0 || st.RetryAttempts > maxRetrySetting {
			fail("stage %s: retry attempts must be between 0 and %d", label, maxRetrySetting)
		}
		if st.Type == StageNotification && len(st.Channels) == 0 {
			fail("stage %s: notification stages need at least one channel", label)
		}
		if st.Approval != nil {
			if st.Approval.Timeout < 0 {
				fail("stage %s: approval timeout is negative", label)
			}
			for _, a := range st.Approval.Approvers {
				if a == "" {
					fail("stage %s: empty approver", label)
				}
			}
		}

		for j, c := range st.Conditions {
			if err := c.Validate(); err != nil {
				fail("stage %s condition %d: %v", label, j, err)
			}
		}

		seenTasks := make(map[string]bool)
		for j := range st.Tasks {
			task := &st.Tasks[j]
			tl := task.ID
			if tl == "" {
				tl = fmt.Sprintf("#%d", j)
			}
			if task.ID == "" {
				fail("stage %s task %s: id is required", label, tl)
			} else if seenTasks[task.ID] {
				fail("stage %s task %q declared twice", label, task.ID)
			}
			seenTasks[task.ID] = true

			if !task.Type.Valid() {
				fail("stage %s task %s: unknown type %q", label, tl, task.Type)
				continue
			}
			switch task.Type {
			case TaskScan:
				if task.DataSource == "" {
					fail("stage %s task %s: scan tasks need a data source", label, tl)
				}
				if len(task.Rules) == 0 {
					fail("stage %s task %s: scan tasks need at least one rule", label, tl)
				}
				if task.ScanType != "" && !task.ScanType.Valid() {
					fail("stage %s task %s: unknown scan type %q", label, tl, task.ScanType)
				}
				if task.Plan != "" && !task.Plan.Valid() {
					fail("stage %s task %s: unknown plan strategy %q", label, tl, task.Plan)
				}
				if task.Priority != 0 && !task.Priority.Valid() {
					fail("stage %s task %s: priority %d out of range", label, tl, task.Priority)
				}
			case TaskValidateSource:
				if task.DataSource == "" {
					fail("stage %s task %s: a data source is required", label, tl)
				}
			case TaskValidateRules:
				if len(task.Rules) == 0 {
					fail("stage %s task %s: at least one rule is required", label, tl)
				}
			case TaskNotify:
				if task.Channel == "" {
					fail("stage %s task %s: a channel is required", label, tl)
				}
			}

			if task.Retry.Strategy != "" && !task.Retry.Strategy.Valid() {
				fail("stage %s task %s: unknown retry strategy %q", label, tl, task.Retry.Strategy)
			}
			if task.Retry.MaxAttempts < 0 || task.Retry.MaxAttempts > maxRetrySetting {
				fail("stage %s task %s: retry attempts must be between 0 and %d", label, tl, maxRetrySetting)
			}
			if task.Retry.Delay < 0 {
				fail("stage %s task %s: retry delay is negative", label, tl)
			}
		}
	}
	return errs
}

// normalize fills defaulted fields in place. Called on the engine's
// private copy after validation.
func (t *Template) normalize() {
	if !t.Priority.Valid() {
		t.Priority = core.PriorityNormal
	}
	for i := range t.Stages {
		st := &t.Stages[i]
		if st.Mode == "" {
			st.Mode = ModeSequential
		}
		for j := range st.Tasks {
			task := &st.Tasks[j]
			if task.Type == TaskScan && task.ScanType == "" {
				task.ScanType = core.ScanTypeFull
			}
		}
	}
}

// clone copies the template deeply enough that runs and the registry never
// share mutable state with the caller.
func (t *Template) clone() *Template {
	out := *t
	out.Params = append([]ParamDef(nil), t.Params...)
	out.Stages = make([]StageDef, len(t.Stages))
	for i := range t.Stages {
		st := t.Stages[i]
		st.Tasks = append([]TaskDef(nil), st.Tasks...)
		for j := range st.Tasks {
			st.Tasks[j].Rules = append([]string(nil), st.Tasks[j].Rules...)
		}
		st.Conditions = append([]Condition(nil), st.Conditions...)
		st.Channels = append([]string(nil), st.Channels...)
		st.Variables = copyValues(st.Variables)
		if st.Approval != nil {
			ap := *st.Approval
			ap.Approvers = append([]string(nil), ap.Approvers...)
			st.Approval = &ap
		}
		out.Stages[i] = st
	}
	return &out
}

// joinErrors folds a validation error list into one error whose message
// carries every entry.
func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, err := range errs[1:] {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}
