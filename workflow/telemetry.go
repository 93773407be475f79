// This file centralizes metric emission so names and label sets stay
// consistent across the engine.

package workflow

import (
	"strconv"
	"time"

	"github.com/scanweave/scanweave/telemetry"
)

// EmitWorkflowStarted counts one workflow admitted to the launch queue.
func EmitWorkflowStarted(workflowType string) {
	telemetry.Counter("scanweave.workflows.started", "type", workflowType)
}

// EmitWorkflowRejected counts one execution request refused before
// admission.
func EmitWorkflowRejected(reason string) {
	telemetry.Counter("scanweave.workflows.rejected", "reason", reason)
}

// EmitWorkflowFinished counts one terminal transition and the workflow's
// total runtime.
func EmitWorkflowFinished(workflowType string, state WorkflowState, elapsed time.Duration) {
	telemetry.Counter("scanweave.workflows.finished",
		"type", workflowType,
		"state", string(state),
	)
	telemetry.Histogram("scanweave.workflows.duration_ms", float64(elapsed.Milliseconds()),
		"type", workflowType,
	)
}

// EmitStageFinished counts one stage reaching a terminal state.
func EmitStageFinished(stageType StageType, state StageState, elapsed time.Duration) {
	telemetry.Counter("scanweave.workflows.stages",
		"stage_type", string(stageType),
		"state", string(state),
	)
	telemetry.Histogram("scanweave.workflows.stage_duration_ms", float64(elapsed.Milliseconds()),
		"stage_type", string(stageType),
	)
}

// EmitStageRetried counts one stage re-run after a failed attempt.
func EmitStageRetried(stageType StageType, attempt int) {
	telemetry.Counter("scanweave.workflows.stage_retries",
		"stage_type", string(stageType),
		"attempt", strconv.Itoa(attempt),
	)
}

// EmitApprovalRequested counts one approval put in front of a human.
func EmitApprovalRequested(workflowType string) {
	telemetry.Counter("scanweave.approvals.requested", "type", workflowType)
}

// EmitApprovalDecided counts one resolved approval and how long it waited.
// Decision is "approved", "rejected" or "auto_approved".
func EmitApprovalDecided(decision string, wait time.Duration) {
	telemetry.Counter("scanweave.approvals.decided", "decision", decision)
	telemetry.Histogram("scanweave.approvals.wait_ms", float64(wait.Milliseconds()))
}

// EmitApprovalEscalated counts one unanswered approval handed to the next
// approver in the chain.
func EmitApprovalEscalated() {
	telemetry.Counter("scanweave.approvals.escalated")
}

// EmitApprovalExhausted counts one approval whose whole chain went
// unanswered.
func EmitApprovalExhausted() {
	telemetry.Counter("scanweave.approvals.exhausted")
}

// EmitEngineGauges publishes the live engine gauges. The sweeper calls it
// once per sweep.
func EmitEngineGauges(queued, running, pendingApprovals int) {
	telemetry.Gauge("scanweave.workflows.queued", float64(queued))
	telemetry.Gauge("scanweave.workflows.running", float64(running))
	telemetry.Gauge("scanweave.approvals.pending", float64(pendingApprovals))
}
