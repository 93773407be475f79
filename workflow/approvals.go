package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/scanweave/scanweave/core"
)

// ApprovalState tracks one approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalTimedOut ApprovalState = "timed_out"
)

// Terminal reports whether the approval has been resolved.
func (s ApprovalState) Terminal() bool { return s != ApprovalPending }

// ApprovalDecision is a human verdict on a pending approval.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// Valid reports whether d is a known decision.
func (d ApprovalDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// autoApprover is the recorded actor when the confidence score clears the
// auto-approval threshold.
const autoApprover = "auto-approval"

const (
	approvalChannel      = "approvals"
	approvalPollInterval = 5 * time.Second
)

// approvalRecord is the engine's live bookkeeping for one approval
// request. All fields are guarded by the engine's mutex.
type approvalRecord struct {
	id         string
	workflowID string
	stageID    string

	// chain is the escalation order; idx points at whoever the request
	// currently waits on.
	chain []string
	idx   int

	// timeout is the wait per approver before escalating.
	timeout  time.Duration
	deadline time.Time

	state ApprovalState
	actor string

	createdAt time.Time
	decidedAt time.Time
}

func (a *approvalRecord) currentApprover() string {
	if a.idx < len(a.chain) {
		return a.chain[a.idx]
	}
	return ""
}

// escalate hands the request to the next approver and rearms the deadline.
// It returns false when the chain is exhausted, in which case the request
// times out. Callers hold the engine mutex.
func (a *approvalRecord) escalate(now time.Time) bool {
	if a.idx+1 >= len(a.chain) {
		a.state = ApprovalTimedOut
		a.decidedAt = now
		return false
	}
	a.idx++
	a.deadline = now.Add(a.timeout)
	return true
}

func (a *approvalRecord) snapshot() *ApprovalSnapshot {
	return &ApprovalSnapshot{
		ID:         a.id,
		WorkflowID: a.workflowID,
		StageID:    a.stageID,
		Approver:   a.currentApprover(),
		Chain:      append([]string(nil), a.chain...),
		State:      a.state,
		Actor:      a.actor,
		CreatedAt:  a.createdAt,
		Deadline:   a.deadline,
		DecidedAt:  a.decidedAt,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Approval stage
// ═══════════════════════════════════════════════════════════════════════════

// runApprovalStage gates the workflow on a human decision. A confidence
// score in the variables that clears the auto-approval threshold skips the
// human entirely; otherwise the request walks the escalation chain until
// someone decides or the chain is exhausted. The wait is cooperative so a
// cancelled workflow or a stage deadline interrupts it.
func (e *Engine) runApprovalStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	e.mu.Lock()
	rec := e.resumableApprovalLocked(w.id, st.def.ID)
	score, scored := toFloat(w.vars[VarAutoApprovalScore])
	workflowType := w.template.Type
	orgID := w.organizationID()
	e.mu.Unlock()

	if rec == nil {
		threshold := e.config.AutoApprovalThreshold
		if threshold > 0 && scored && score >= threshold {
			now := e.clock.Now()
			e.mu.Lock()
			rec = &approvalRecord{
				id:         core.NewID("apr"),
				workflowID: w.id,
				stageID:    st.def.ID,
				chain:      []string{autoApprover},
				state:      ApprovalApproved,
				actor:      autoApprover,
				createdAt:  now,
				deadline:   now,
				decidedAt:  now,
			}
			e.approvals[rec.id] = rec
			st.approvalID = rec.id
			w.vars[VarApprovedBy] = autoApprover
			e.mu.Unlock()

			EmitApprovalDecided("auto_approved", 0)
			e.logger.Info("Approval auto-granted", map[string]interface{}{
				"workflow_id": w.id,
				"stage":       st.def.ID,
				"score":       score,
				"threshold":   threshold,
			})
			return nil
		}

		chain, err := e.approvalChain(ctx, st.def, workflowType, orgID)
		if err != nil {
			return err
		}
		timeout := e.config.ApprovalTimeout
		if st.def.Approval != nil && st.def.Approval.Timeout > 0 {
			timeout = st.def.Approval.Timeout.Std()
		}

		now := e.clock.Now()
		e.mu.Lock()
		rec = &approvalRecord{
			id:         core.NewID("apr"),
			workflowID: w.id,
			stageID:    st.def.ID,
			chain:      chain,
			timeout:    timeout,
			deadline:   now.Add(timeout),
			state:      ApprovalPending,
			createdAt:  now,
		}
		e.approvals[rec.id] = rec
		st.approvalID = rec.id
		e.mu.Unlock()

		EmitApprovalRequested(workflowType)
		e.logger.Info("Approval requested", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
			"approval_id": rec.id,
			"approver":    chain[0],
			"deadline":    rec.deadline.Format(time.RFC3339),
		})
		e.notifyApprover(ctx, rec)
	}

	for {
		e.mu.Lock()
		state, actor := rec.state, rec.actor
		wait := rec.decidedAt.Sub(rec.createdAt)
		if state == ApprovalApproved {
			w.vars[VarApprovedBy] = actor
		}
		deadline := st.deadline
		e.mu.Unlock()

		switch state {
		case ApprovalApproved:
			if actor != autoApprover {
				EmitApprovalDecided(string(DecisionApproved), wait)
			}
			return nil
		case ApprovalRejected:
			EmitApprovalDecided(string(DecisionRejected), wait)
			return fmt.Errorf("approval %s rejected by %s", rec.id, actor)
		case ApprovalTimedOut:
			return fmt.Errorf("%w: approval %s exhausted its chain", core.ErrApprovalTimeout, rec.id)
		}

		if !deadline.IsZero() && e.clock.Now().After(deadline) {
			return fmt.Errorf("%w: stage %s gave up waiting for approval %s", core.ErrTimeout, st.def.ID, rec.id)
		}
		if err := e.clock.Sleep(ctx, approvalPollInterval); err != nil {
			return err
		}
	}
}

// resumableApprovalLocked finds a live request for the stage so an
// interrupted run picks up where it left off. Rejected and timed out
// records stay behind for inspection but are not resumed; a stage retry
// opens a fresh request instead.
func (e *Engine) resumableApprovalLocked(workflowID, stageID string) *approvalRecord {
	for _, rec := range e.approvals {
		if rec.workflowID == workflowID && rec.stageID == stageID &&
			(rec.state == ApprovalPending || rec.state == ApprovalApproved) {
			return rec
		}
	}
	return nil
}

// approvalChain builds the escalation order: the template may pin it,
// otherwise the resolver supplies the hierarchy for the workflow type. An
// empty chain is the one fatal misconfiguration an approval stage has.
func (e *Engine) approvalChain(ctx context.Context, def *StageDef, workflowType, orgID string) ([]string, error) {
	if def.Approval != nil && len(def.Approval.Approvers) > 0 {
		return append([]string(nil), def.Approval.Approvers...), nil
	}
	if e.approvers == nil {
		return nil, fmt.Errorf("no approvers pinned for stage %s and no resolver configured", def.ID)
	}
	chain, err := e.approvers.ResolveApprovers(ctx, workflowType, orgID, "")
	if err != nil {
		return nil, fmt.Errorf("resolving approvers for workflow type %q: %w", workflowType, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no approvers found for workflow type %q", workflowType)
	}
	return append([]string(nil), chain...), nil
}

// notifyApprover tells the current approver a decision is waiting.
// Delivery failures only cost the notification.
func (e *Engine) notifyApprover(ctx context.Context, rec *approvalRecord) {
	if e.notifier == nil {
		return
	}
	e.mu.Lock()
	payload := map[string]interface{}{
		"approval_id": rec.id,
		"workflow_id": rec.workflowID,
		"stage":       rec.stageID,
		"approver":    rec.currentApprover(),
		"deadline":    rec.deadline.Format(time.RFC3339),
	}
	e.mu.Unlock()

	subject := fmt.Sprintf("approval required for workflow %s", rec.workflowID)
	if err := e.notifier.Notify(ctx, approvalChannel, subject, payload); err != nil {
		e.logger.Warn("Approval notification failed", map[string]interface{}{
			"approval_id": rec.id,
			"error":       err.Error(),
		})
	}
}
