package scheduling

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scanweave/scanweave/core"
)

// ScheduleState is the lifecycle position of one schedule.
type ScheduleState string

const (
	// SchedulePending waits on unsatisfied dependencies.
	SchedulePending ScheduleState = "pending"

	// ScheduleScheduled waits for its due time.
	ScheduleScheduled ScheduleState = "scheduled"

	// ScheduleRunning has been handed to the orchestrator and is awaiting
	// a terminal outcome.
	ScheduleRunning ScheduleState = "running"

	// ScheduleRescheduled is back in the queue after a failed attempt.
	ScheduleRescheduled ScheduleState = "rescheduled"

	ScheduleCompleted ScheduleState = "completed"
	ScheduleFailed    ScheduleState = "failed"
)

// Terminal reports whether the state is final.
func (s ScheduleState) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleFailed
}

// schedule is the scheduler's live record of one placed request. There is
// no per-schedule lock: every field is guarded by the owning Scheduler's
// mutex, because all mutation happens on the tick loop or under an API
// call.
type schedule struct {
	id  string
	seq uint64
	req core.ScanRequest

	strategy core.ScheduleStrategy
	plan     core.PlanStrategy
	state    ScheduleState

	due         time.Time
	createdAt   time.Time
	queuedSince time.Time
	completedAt time.Time

	// cronNext computes the next recurrence fire; nil for one-shot
	// schedules.
	cronNext cron.Schedule

	attempts    int
	maxAttempts int
	occurrence  int

	executionID string
	nextID      string
	lastError   string

	// cancelled suppresses retry and recurrence once the caller has
	// cancelled a running schedule.
	cancelled bool
}

// Snapshot is a point-in-time copy of a schedule, safe to retain after the
// schedule has moved on.
type Snapshot struct {
	ID           string                `json:"id"`
	RequestID    string                `json:"request_id,omitempty"`
	DataSourceID string                `json:"data_source_id"`
	Strategy     core.ScheduleStrategy `json:"strategy"`
	Plan         core.PlanStrategy     `json:"plan,omitempty"`
	Priority     core.Priority         `json:"priority"`
	State        ScheduleState         `json:"state"`
	Due          time.Time             `json:"due"`
	Cron         string                `json:"cron,omitempty"`
	DependsOn    []string              `json:"depends_on,omitempty"`
	Attempts     int                   `json:"attempts"`
	MaxAttempts  int                   `json:"max_attempts"`

	// Occurrence counts recurrences of a cron schedule, starting at one.
	Occurrence int `json:"occurrence,omitempty"`

	// ExecutionID references the most recent dispatch, if any.
	ExecutionID string `json:"execution_id,omitempty"`

	// NextScheduleID links a completed cron schedule to its successor.
	NextScheduleID string `json:"next_schedule_id,omitempty"`

	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// snapshot copies the schedule into its externally visible form. Callers
// hold the scheduler mutex.
func (sc *schedule) snapshot() *Snapshot {
	return &Snapshot{
		ID:             sc.id,
		RequestID:      sc.req.ID,
		DataSourceID:   sc.req.DataSourceID,
		Strategy:       sc.strategy,
		Plan:           sc.plan,
		Priority:       sc.req.Priority,
		State:          sc.state,
		Due:            sc.due,
		Cron:           sc.req.Cron,
		DependsOn:      append([]string(nil), sc.req.DependsOn...),
		Attempts:       sc.attempts,
		MaxAttempts:    sc.maxAttempts,
		Occurrence:     sc.occurrence,
		ExecutionID:    sc.executionID,
		NextScheduleID: sc.nextID,
		LastError:      sc.lastError,
		CreatedAt:      sc.createdAt,
		CompletedAt:    sc.completedAt,
	}
}
