// This file centralizes metric emission so names and label sets stay
// consistent across the orchestrator.

package orchestration

import (
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════
// Scan lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// EmitScanSubmitted counts one accepted submission.
func EmitScanSubmitted(priority core.Priority, strategy core.PlanStrategy) {
	telemetry.Counter("scanweave.scans.submitted",
		"priority", priority.String(),
		"strategy", string(strategy),
	)
}

// EmitScanRejected counts one submission rejected before admission.
func EmitScanRejected(reason string) {
	telemetry.Counter("scanweave.scans.rejected", "reason", reason)
}

// EmitScanQueued counts one submission parked for capacity, with its queue
// position at enqueue time.
func EmitScanQueued(priority core.Priority, position int) {
	telemetry.Counter("scanweave.scans.queued", "priority", priority.String())
	telemetry.Histogram("scanweave.scans.queue_position", float64(position))
}

// EmitScanAdmitted counts one admission and the time the request spent
// waiting for resources.
func EmitScanAdmitted(priority core.Priority, wait time.Duration) {
	telemetry.Counter("scanweave.scans.admitted", "priority", priority.String())
	telemetry.Histogram("scanweave.scans.admission_wait_ms", float64(wait.Milliseconds()),
		"priority", priority.String(),
	)
}

// EmitScanTerminal counts one terminal transition with the run duration.
// Status is the lowercase terminal state; cancelled executions carry the
// cancellation cause as cause ("cancelled", "timeout", "allocation_expired").
func EmitScanTerminal(state ExecutionState, cause string, duration time.Duration) {
	telemetry.Counter("scanweave.scans.terminal",
		"state", string(state),
		"cause", cause,
	)
	if duration > 0 {
		telemetry.Histogram("scanweave.scans.duration_ms", float64(duration.Milliseconds()),
			"state", string(state),
		)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Stages and rules
// ═══════════════════════════════════════════════════════════════════════════

// EmitStageStarted counts one stage attempt.
func EmitStageStarted(mode StageMode, attempt int) {
	labels := []string{"mode", string(mode)}
	if attempt > 1 {
		labels = append(labels, "recovery", "true")
	}
	telemetry.Counter("scanweave.stages.started", labels...)
}

// EmitStageCompleted records one finished stage attempt.
func EmitStageCompleted(mode StageMode, failedRules int, duration time.Duration) {
	status := "completed"
	if failedRules > 0 {
		status = "failed"
	}
	telemetry.Counter("scanweave.stages.completed", "mode", string(mode), "status", status)
	telemetry.Histogram("scanweave.stages.duration_ms", float64(duration.Milliseconds()),
		"mode", string(mode),
	)
}

// EmitStageRecovery counts one sequential replay of a failed stage.
func EmitStageRecovery() {
	telemetry.Counter("scanweave.stages.recoveries")
}

// EmitRuleExecuted records one rule dispatch outcome.
func EmitRuleExecuted(succeeded bool, elapsed time.Duration) {
	status := "ok"
	if !succeeded {
		status = "error"
	}
	telemetry.Counter("scanweave.rules.executed", "status", status)
	telemetry.Histogram("scanweave.rules.duration_ms", float64(elapsed.Milliseconds()),
		"status", status,
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Gauges
// ═══════════════════════════════════════════════════════════════════════════

// EmitOrchestratorGauges publishes the live resource and queue gauges. The
// metrics loop calls it every monitoring interval.
func EmitOrchestratorGauges(active, queued int, pool PoolStatus) {
	telemetry.Gauge("scanweave.executions.active", float64(active))
	telemetry.Gauge("scanweave.executions.queued", float64(queued))
	telemetry.Gauge("scanweave.pool.allocations", float64(pool.Allocations))

	emitPoolGauge := func(resource string, used, allocatable float64) {
		telemetry.Gauge("scanweave.pool.used", used, "resource", resource)
		if allocatable > 0 {
			telemetry.Gauge("scanweave.pool.utilization", used/allocatable, "resource", resource)
		}
	}
	emitPoolGauge("cpu_percent", pool.Used.CPUPercent, pool.Allocatable.CPUPercent)
	emitPoolGauge("memory_mb", pool.Used.MemoryMB, pool.Allocatable.MemoryMB)
	emitPoolGauge("storage_mb", pool.Used.StorageMB, pool.Allocatable.StorageMB)
	emitPoolGauge("network_mbps", pool.Used.NetworkMbps, pool.Allocatable.NetworkMbps)
	emitPoolGauge("db_connections", pool.Used.DBConnections, pool.Allocatable.DBConnections)
	emitPoolGauge("api_rate", pool.Used.APIRate, pool.Allocatable.APIRate)
}

// EmitAllocationExpired counts one allocation reclaimed by the sweeper.
func EmitAllocationExpired() {
	telemetry.Counter("scanweave.pool.allocations_expired")
}
