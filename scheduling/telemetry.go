// This file centralizes metric emission so names and label sets stay
// consistent across the scheduler.

package scheduling

import (
	"strconv"
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/telemetry"
)

// EmitScheduleCreated counts one accepted schedule.
func EmitScheduleCreated(priority core.Priority, strategy core.ScheduleStrategy) {
	telemetry.Counter("scanweave.schedules.created",
		"priority", priority.String(),
		"strategy", string(strategy),
	)
}

// EmitScheduleRejected counts one request rejected before placement.
func EmitScheduleRejected(reason string) {
	telemetry.Counter("scanweave.schedules.rejected", "reason", reason)
}

// EmitScheduleDispatched counts one dispatch to the orchestrator and the
// time the schedule waited in the queue.
func EmitScheduleDispatched(priority core.Priority, wait time.Duration) {
	telemetry.Counter("scanweave.schedules.dispatched", "priority", priority.String())
	telemetry.Histogram("scanweave.schedules.queue_wait_ms", float64(wait.Milliseconds()),
		"priority", priority.String(),
	)
}

// EmitScheduleTerminal counts one terminal transition. Cause distinguishes
// why a schedule failed ("failed", "dependency", "cancelled") and is
// "completed" for successes.
func EmitScheduleTerminal(state ScheduleState, cause string) {
	telemetry.Counter("scanweave.schedules.terminal",
		"state", string(state),
		"cause", cause,
	)
}

// EmitScheduleRetried counts one retry placement after a failed attempt.
func EmitScheduleRetried(priority core.Priority, attempt int) {
	telemetry.Counter("scanweave.schedules.retried",
		"priority", priority.String(),
		"attempt", strconv.Itoa(attempt),
	)
}

// EmitScheduleDeferred counts one dispatch pushed back by orchestrator
// back-pressure.
func EmitScheduleDeferred() {
	telemetry.Counter("scanweave.schedules.deferred")
}

// EmitScheduleBlocked counts one due schedule parked on unsatisfied
// dependencies.
func EmitScheduleBlocked() {
	telemetry.Counter("scanweave.schedules.blocked")
}

// EmitSchedulePromoted counts one ready dependent pulled forward.
func EmitSchedulePromoted(priority core.Priority) {
	telemetry.Counter("scanweave.schedules.promoted", "priority", priority.String())
}

// EmitScheduleRecurred counts one cron schedule respawned after
// completion.
func EmitScheduleRecurred() {
	telemetry.Counter("scanweave.schedules.recurred")
}

// EmitSchedulerGauges publishes the live queue gauges. The tick loop calls
// it once per tick.
func EmitSchedulerGauges(pending, blocked, inflight int) {
	telemetry.Gauge("scanweave.schedules.pending", float64(pending))
	telemetry.Gauge("scanweave.schedules.waiting_dependencies", float64(blocked))
	telemetry.Gauge("scanweave.schedules.inflight", float64(inflight))
}
