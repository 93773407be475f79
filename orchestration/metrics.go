package orchestration

import (
	"sync/atomic"
	"time"
)

// MetricsReport is an aggregate view of orchestrator activity since start.
// Counters are cumulative; gauges reflect the moment the report was taken.
type MetricsReport struct {
	Submitted     int64 `json:"submitted"`
	Admitted      int64 `json:"admitted"`
	Queued        int64 `json:"queued"`
	QueueRejected int64 `json:"queue_rejected"`
	Invalid       int64 `json:"invalid"`

	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	TimedOut  int64 `json:"timed_out"`
	Expired   int64 `json:"expired"`

	RulesExecuted   int64 `json:"rules_executed"`
	RulesFailed     int64 `json:"rules_failed"`
	StageRecoveries int64 `json:"stage_recoveries"`

	ActiveExecutions int64 `json:"active_executions"`
	QueuedExecutions int64 `json:"queued_executions"`

	// AverageRunDuration is the mean wall-clock duration of completed
	// executions.
	AverageRunDuration time.Duration `json:"average_run_duration"`

	Pool PoolStatus `json:"pool"`

	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
}

// stats is the orchestrator's internal counter set. Every field is updated
// atomically so the hot paths never contend on a lock for accounting.
type stats struct {
	submitted     atomic.Int64
	admitted      atomic.Int64
	queued        atomic.Int64
	queueRejected atomic.Int64
	invalid       atomic.Int64

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	timedOut  atomic.Int64
	expired   atomic.Int64

	rulesExecuted   atomic.Int64
	rulesFailed     atomic.Int64
	stageRecoveries atomic.Int64

	completedRunMillis atomic.Int64
}

// report snapshots the counters into a MetricsReport; the caller fills in
// the gauges.
func (s *stats) report() MetricsReport {
	r := MetricsReport{
		Submitted:       s.submitted.Load(),
		Admitted:        s.admitted.Load(),
		Queued:          s.queued.Load(),
		QueueRejected:   s.queueRejected.Load(),
		Invalid:         s.invalid.Load(),
		Completed:       s.completed.Load(),
		Failed:          s.failed.Load(),
		Cancelled:       s.cancelled.Load(),
		TimedOut:        s.timedOut.Load(),
		Expired:         s.expired.Load(),
		RulesExecuted:   s.rulesExecuted.Load(),
		RulesFailed:     s.rulesFailed.Load(),
		StageRecoveries: s.stageRecoveries.Load(),
	}
	if r.Completed > 0 {
		r.AverageRunDuration = time.Duration(s.completedRunMillis.Load()/r.Completed) * time.Millisecond
	}
	return r
}
