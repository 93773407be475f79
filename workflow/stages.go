package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanweave/scanweave/core"
)

// stageRetryDelay is the fixed pause between attempts of a failed stage.
const stageRetryDelay = 5 * time.Second

// stageHandler executes one stage type's semantics. Handlers return nil
// when the stage's work succeeded; runStage owns state transitions.
type stageHandler func(ctx context.Context, w *workflowRun, st *stageRun) error

// runStages drives the template's stages in order. Terminal stages are
// skipped so an interrupted run resumes where it stopped. The first
// non-optional failure stops the workflow.
func (e *Engine) runStages(ctx context.Context, w *workflowRun) error {
	for _, st := range w.stages {
		e.mu.Lock()
		done := st.state.Terminal()
		e.mu.Unlock()
		if done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		e.runStage(ctx, w, st)

		e.mu.Lock()
		state := st.state
		optional := st.def.Optional
		lastErr := st.lastError
		stageID := st.def.ID
		e.mu.Unlock()

		switch state {
		case StageCompleted, StageSkipped:
			continue
		case StageFailed, StageTimedOut:
			if optional {
				e.logger.Warn("Optional stage failed, continuing", map[string]interface{}{
					"workflow_id": w.id,
					"stage":       stageID,
					"state":       string(state),
					"error":       lastErr,
				})
				continue
			}
			if state == StageTimedOut {
				return fmt.Errorf("stage %s timed out: %s", stageID, lastErr)
			}
			return fmt.Errorf("stage %s failed: %s", stageID, lastErr)
		default:
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("stage %s did not reach a terminal state", stageID)
		}
	}
	return nil
}

// runStage executes one stage: conditions gate it, then its handler runs
// under the attempt budget and optional deadline. The stage always ends in
// a terminal state unless the context was interrupted, in which case it is
// left pending for resume.
func (e *Engine) runStage(ctx context.Context, w *workflowRun, st *stageRun) {
	now := e.clock.Now()

	e.mu.Lock()
	def := st.def
	vars := copyValues(w.vars)
	e.mu.Unlock()

	met, err := EvaluateAll(def.Conditions, vars)
	if err != nil {
		// An unevaluable condition is treated as unmet, not as a failure.
		e.logger.Warn("Stage condition evaluation failed", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       def.ID,
			"error":       err.Error(),
		})
	}
	if !met {
		e.mu.Lock()
		st.state = StageSkipped
		st.skipReason = "conditions not met"
		st.startedAt = now
		st.completedAt = now
		e.mu.Unlock()
		EmitStageFinished(def.Type, StageSkipped, 0)
		e.logger.Info("Stage skipped", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       def.ID,
		})
		return
	}

	e.mu.Lock()
	st.state = StageRunning
	st.startedAt = now
	if def.Timeout > 0 {
		st.deadline = now.Add(def.Timeout.Std())
	}
	deadline := st.deadline
	e.mu.Unlock()

	handler := e.handlers[def.Type]
	if handler == nil {
		handler = e.runTasks
	}

	budget := 1 + def.RetryAttempts
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if !deadline.IsZero() && e.clock.Now().After(deadline) {
			e.concludeStage(w, st, StageTimedOut, fmt.Errorf("stage %s: %w", def.ID, core.ErrTimeout))
			return
		}

		e.mu.Lock()
		st.attempts = attempt
		if attempt > 1 {
			for _, t := range st.tasks {
				t.state = TaskPending
				t.lastError = ""
			}
		}
		e.mu.Unlock()

		lastErr = handler(ctx, w, st)
		if lastErr == nil {
			e.concludeStage(w, st, StageCompleted, nil)
			return
		}
		if ctx.Err() != nil {
			e.mu.Lock()
			st.state = StagePending
			st.deadline = time.Time{}
			e.mu.Unlock()
			return
		}
		if errors.Is(lastErr, core.ErrTimeout) {
			e.concludeStage(w, st, StageTimedOut, lastErr)
			return
		}

		if attempt < budget {
			EmitStageRetried(def.Type, attempt)
			e.logger.Warn("Stage attempt failed, retrying", map[string]interface{}{
				"workflow_id": w.id,
				"stage":       def.ID,
				"attempt":     attempt,
				"error":       lastErr.Error(),
			})
			if err := e.clock.Sleep(ctx, stageRetryDelay); err != nil {
				e.mu.Lock()
				st.state = StagePending
				st.deadline = time.Time{}
				e.mu.Unlock()
				return
			}
		}
	}
	e.concludeStage(w, st, StageFailed, lastErr)
}

// concludeStage records a terminal stage state and emits its metrics.
func (e *Engine) concludeStage(w *workflowRun, st *stageRun, state StageState, cause error) {
	now := e.clock.Now()
	e.mu.Lock()
	st.state = state
	st.completedAt = now
	if cause != nil {
		st.lastError = cause.Error()
	}
	elapsed := now.Sub(st.startedAt)
	stageType := st.def.Type
	e.mu.Unlock()

	EmitStageFinished(stageType, state, elapsed)
	if state == StageCompleted {
		e.logger.Info("Stage completed", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
			"elapsed":     elapsed.String(),
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Stage handlers
// ═══════════════════════════════════════════════════════════════════════════

// runInitializationStage checks required parameters, seeds defaults and
// stage variables into the variable map, then runs any tasks.
func (e *Engine) runInitializationStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	e.mu.Lock()
	var missing []string
	for _, p := range w.template.Params {
		if !p.Required {
			continue
		}
		if _, ok := w.params[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: missing required parameters: %s", core.ErrInvalidRequest, strings.Join(missing, ", "))
	}
	for _, p := range w.template.Params {
		if p.Default == nil {
			continue
		}
		if _, ok := w.vars[p.Name]; !ok {
			w.vars[p.Name] = p.Default
		}
	}
	for k, v := range st.def.Variables {
		w.vars[k] = v
	}
	w.vars[VarInitializedAt] = e.clock.Now().Format(time.RFC3339)
	e.mu.Unlock()

	return e.runTasks(ctx, w, st)
}

// runAnalysisStage runs the stage's tasks, then asks the insight advisor
// to summarize what the workflow has produced so far. Advisor failures
// only cost the insights.
func (e *Engine) runAnalysisStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	if err := e.runTasks(ctx, w, st); err != nil {
		return err
	}
	if e.insights == nil {
		return nil
	}

	e.mu.Lock()
	subject := map[string]interface{}{
		"workflow_id":   w.id,
		"workflow_type": w.template.Type,
		"stage":         st.def.ID,
		"vars":          copyValues(w.vars),
		"scans":         len(w.scans),
	}
	e.mu.Unlock()

	insights, err := e.insights.Insights(ctx, subject)
	if err != nil {
		e.logger.Warn("Insight advisor failed", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
			"error":       err.Error(),
		})
		return nil
	}
	if len(insights) > 0 {
		e.mu.Lock()
		w.vars[VarInsights] = insights
		e.mu.Unlock()
		e.logger.Info("Analysis produced insights", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
			"count":       len(insights),
		})
	}
	return nil
}

// runReportingStage runs the stage's tasks and then publishes a run
// summary. Reporting delivery is best effort.
func (e *Engine) runReportingStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	if err := e.runTasks(ctx, w, st); err != nil {
		return err
	}
	channels := st.def.Channels
	if len(channels) == 0 {
		channels = []string{"reports"}
	}
	if e.notifier == nil {
		return nil
	}

	e.mu.Lock()
	completed := 0
	for _, s := range w.stages {
		if s.state == StageCompleted {
			completed++
		}
	}
	payload := map[string]interface{}{
		"workflow_id":      w.id,
		"template":         w.template.Name,
		"stages_completed": completed,
		"stages_total":     len(w.stages),
		"scans_submitted":  len(w.scans),
	}
	vars := copyValues(w.vars)
	e.mu.Unlock()

	subject := fmt.Sprintf("workflow %s report", w.id)
	for _, ch := range channels {
		if err := e.notifier.Notify(ctx, resolveString(ch, vars), subject, payload); err != nil {
			e.logger.Warn("Report delivery failed", map[string]interface{}{
				"workflow_id": w.id,
				"channel":     ch,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

// runNotificationStage runs the stage's tasks and then delivers to every
// configured channel. Unlike reporting, delivery failures fail the stage.
func (e *Engine) runNotificationStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	if err := e.runTasks(ctx, w, st); err != nil {
		return err
	}
	if e.notifier == nil {
		e.logger.Warn("Notification stage without a notifier", map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
		})
		return nil
	}

	e.mu.Lock()
	payload := map[string]interface{}{
		"workflow_id": w.id,
		"template":    w.template.Name,
		"stage":       st.def.ID,
		"state":       string(w.state),
	}
	vars := copyValues(w.vars)
	e.mu.Unlock()

	subject := fmt.Sprintf("workflow %s notification", w.id)
	for _, ch := range st.def.Channels {
		if err := e.notifier.Notify(ctx, resolveString(ch, vars), subject, payload); err != nil {
			return fmt.Errorf("notifying %s: %w", ch, err)
		}
	}
	return nil
}

// runCleanupStage cancels any scan the workflow is still waiting on, then
// runs its tasks. Cleanup stages usually sit last and optional so they run
// even after earlier failures.
func (e *Engine) runCleanupStage(ctx context.Context, w *workflowRun, st *stageRun) error {
	e.mu.Lock()
	pending := w.nonTerminalScans()
	for _, id := range pending {
		w.scans[id] = true
	}
	w.vars[VarCleanedUpAt] = e.clock.Now().Format(time.RFC3339)
	e.mu.Unlock()

	for _, id := range pending {
		if err := e.submitter.CancelScan(ctx, id, false); err != nil {
			e.logger.Warn("Cleanup cancel failed", map[string]interface{}{
				"workflow_id":  w.id,
				"execution_id": id,
				"error":        err.Error(),
			})
		}
	}
	if len(pending) > 0 {
		e.logger.Info("Cleanup cancelled outstanding scans", map[string]interface{}{
			"workflow_id": w.id,
			"count":       len(pending),
		})
	}
	return e.runTasks(ctx, w, st)
}
