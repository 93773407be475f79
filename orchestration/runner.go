package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scanweave/scanweave/core"
)

// runExecution drives one admitted execution through its phases:
// connection validation, rule preparation, discovery, analysis, staged
// rule application and results processing. Cancellation is observed at
// every phase and stage boundary and at each rule dispatch.
func (o *Orchestrator) runExecution(ctx context.Context, workerID string, exec *execution) {
	defer o.runWg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := exec.request
	plan, requirement := exec.executionPlan()
	exec.beginRun(workerID, o.clock.Now(), cancel)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Execution runner panicked", map[string]interface{}{
				"execution_id": exec.id,
				"worker_id":    workerID,
				"panic":        fmt.Sprint(r),
				"stack":        string(debug.Stack()),
			})
			o.finalizeExecution(exec, StateFailed, fmt.Errorf("%w: runner panic: %v", core.ErrInternal, r), true)
		}
	}()

	go o.watchTimeout(runCtx, exec, req.EffectiveTimeout(o.config.DefaultTimeout))

	o.logger.Info("Execution started", map[string]interface{}{
		"execution_id":   exec.id,
		"worker_id":      workerID,
		"data_source_id": req.DataSourceID,
		"rules":          len(req.RuleIDs),
		"stages":         len(plan.Stages),
	})
	o.hub.publish(exec.event(o.clock.Now()), false)

	// Connection validation.
	if o.checkCancelled(runCtx, exec) {
		return
	}
	ok, err := o.dataSources.Validate(runCtx, req.DataSourceID)
	if err != nil || !ok {
		if o.checkCancelled(runCtx, exec) {
			return
		}
		cause := fmt.Errorf("%w: data source %s unreachable", core.ErrExecutionFailed, req.DataSourceID)
		if err != nil {
			cause = fmt.Errorf("%w: data source %s: %v", core.ErrExecutionFailed, req.DataSourceID, err)
		}
		o.finalizeExecution(exec, StateFailed, cause, true)
		return
	}
	o.progressTo(exec, progressConnectionValidation, stepConnectionValidation)

	// Rule preparation.
	if o.checkCancelled(runCtx, exec) {
		return
	}
	v, err := o.rules.Validate(runCtx, req.RuleIDs)
	if err != nil || v == nil || !v.OK {
		if o.checkCancelled(runCtx, exec) {
			return
		}
		cause := fmt.Errorf("%w: rule preparation", core.ErrExecutionFailed)
		if err != nil {
			cause = fmt.Errorf("%w: rule preparation: %v", core.ErrExecutionFailed, err)
		}
		o.finalizeExecution(exec, StateFailed, cause, true)
		return
	}
	o.progressTo(exec, progressRulePreparation, stepRulePreparation)

	exec.setState(StateRunning)
	o.hub.publish(exec.event(o.clock.Now()), false)

	// Discovery. The plan and allocation are fixed at admission, so a
	// metadata hiccup here only degrades logging, never the run.
	if o.checkCancelled(runCtx, exec) {
		return
	}
	if _, err := o.dataSources.Metadata(runCtx, req.DataSourceID); err != nil {
		if o.checkCancelled(runCtx, exec) {
			return
		}
		o.logger.Warn("Discovery degraded, continuing with admission-time estimates", map[string]interface{}{
			"execution_id": exec.id,
			"error":        err.Error(),
		})
	}
	o.progressTo(exec, progressDiscovery, stepDiscovery)

	// Analysis: set up dispatch throttling from the allocated API budget.
	if o.checkCancelled(runCtx, exec) {
		return
	}
	limiter := newRuleLimiter(requirement.APIRate)
	o.progressTo(exec, progressAnalysis, stepAnalysis)

	// Rule application.
	if !o.runStages(runCtx, exec, plan, limiter) {
		return
	}

	// Results processing. Rule outputs live with the rule service; the
	// execution keeps only the outcome handles collected per stage.
	if o.checkCancelled(runCtx, exec) {
		return
	}
	o.progressTo(exec, progressResultsProcessing, stepResultsProcessing)

	o.finalizeExecution(exec, StateCompleted, nil, true)
}

// watchTimeout requests cooperative cancellation once the execution's
// timeout elapses, then interrupts outright if the runner overstays the
// release grace. It exits silently when the runner finishes first.
func (o *Orchestrator) watchTimeout(ctx context.Context, exec *execution, timeout time.Duration) {
	if err := o.clock.Sleep(ctx, timeout); err != nil {
		return
	}
	if !exec.requestCancel(core.ErrTimeout, o.clock.Now(), false) {
		return
	}
	o.logger.Warn("Execution timed out, requesting cooperative stop", map[string]interface{}{
		"execution_id": exec.id,
		"timeout":      timeout.String(),
	})
	if err := o.clock.Sleep(ctx, cancelGrace); err != nil {
		return
	}
	exec.interrupt()
}

// checkCancelled finalizes the execution as cancelled when a cancellation
// has been requested or the runner context is gone. Runner code calls it
// at every cooperative point.
func (o *Orchestrator) checkCancelled(ctx context.Context, exec *execution) bool {
	if !exec.cancelRequested() && ctx.Err() == nil {
		return false
	}
	o.finalizeExecution(exec, StateCancelled, exec.cancellationCause(core.ErrCancelled), true)
	return true
}

// progressTo records a milestone and publishes it to stream subscribers.
func (o *Orchestrator) progressTo(exec *execution, progress float64, step string) {
	exec.advance(progress, step)
	o.hub.publish(exec.event(o.clock.Now()), false)
	o.logger.Debug("Execution progress", map[string]interface{}{
		"execution_id": exec.id,
		"step":         step,
		"progress":     progress,
	})
}

// runStages executes the plan's stages in order, interpolating progress
// between the analysis and rule-application milestones. A failed stage is
// replayed once sequentially after the recovery delay; a second failure
// fails the execution. Returns false when the execution was finalized.
func (o *Orchestrator) runStages(ctx context.Context, exec *execution, plan *Plan, limiter *rate.Limiter) bool {
	n := len(plan.Stages)
	for i, stage := range plan.Stages {
		if o.checkCancelled(ctx, exec) {
			return false
		}

		result, interrupted := o.runStage(ctx, exec, stage, limiter, 1)
		if interrupted {
			// In-flight rules were allowed to return; their results are
			// discarded along with the rest of the attempt.
			o.finalizeExecution(exec, StateCancelled, exec.cancellationCause(core.ErrCancelled), true)
			return false
		}
		exec.appendStageResult(result)
		EmitStageCompleted(result.Mode, result.Failed, result.Duration)

		if !result.Succeeded() {
			o.logger.Warn("Stage failed, replaying sequentially", map[string]interface{}{
				"execution_id": exec.id,
				"stage_id":     stage.ID,
				"failed_rules": result.Failed,
				"delay":        o.config.StageRecoveryDelay.String(),
			})
			o.stats.stageRecoveries.Add(1)
			EmitStageRecovery()

			if err := o.clock.Sleep(ctx, o.config.StageRecoveryDelay); err != nil {
				o.finalizeExecution(exec, StateCancelled, exec.cancellationCause(core.ErrCancelled), true)
				return false
			}
			if o.checkCancelled(ctx, exec) {
				return false
			}

			retry := stage
			retry.Mode = StageSequential
			retry.MaxConcurrency = 0
			recovered, interrupted := o.runStage(ctx, exec, retry, limiter, 2)
			if interrupted {
				o.finalizeExecution(exec, StateCancelled, exec.cancellationCause(core.ErrCancelled), true)
				return false
			}
			exec.appendStageResult(recovered)
			EmitStageCompleted(recovered.Mode, recovered.Failed, recovered.Duration)

			if !recovered.Succeeded() {
				cause := fmt.Errorf("%w: stage %s failed %d of %d rules after sequential recovery",
					core.ErrExecutionFailed, stage.ID, recovered.Failed, len(stage.RuleIDs))
				o.finalizeExecution(exec, StateFailed, cause, true)
				return false
			}
		}

		o.progressTo(exec,
			progressAnalysis+(progressRuleApplication-progressAnalysis)*float64(i+1)/float64(n),
			stepRuleApplication)
	}
	return true
}

// runStage executes one stage attempt. Rule failures never abort the
// stage; they are recorded and the remaining rules proceed. interrupted is
// true when a cancellation cut the attempt short, in which case the
// partial result must be discarded.
func (o *Orchestrator) runStage(ctx context.Context, exec *execution, stage Stage, limiter *rate.Limiter, attempt int) (StageResult, bool) {
	EmitStageStarted(stage.Mode, attempt)
	started := o.clock.Now()

	outcomes := make([]RuleOutcome, len(stage.RuleIDs))
	dispatched := make([]bool, len(stage.RuleIDs))

	if stage.Mode == StageParallel {
		g, gctx := errgroup.WithContext(ctx)
		limit := stage.MaxConcurrency
		if limit <= 0 {
			limit = len(stage.RuleIDs)
		}
		g.SetLimit(limit)
		for i, ruleID := range stage.RuleIDs {
			if exec.cancelRequested() || gctx.Err() != nil {
				break
			}
			i, ruleID := i, ruleID
			g.Go(func() error {
				outcomes[i] = o.dispatchRule(gctx, exec, ruleID, limiter)
				dispatched[i] = true
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, ruleID := range stage.RuleIDs {
			if exec.cancelRequested() || ctx.Err() != nil {
				break
			}
			outcomes[i] = o.dispatchRule(ctx, exec, ruleID, limiter)
			dispatched[i] = true
		}
	}

	if exec.cancelRequested() || ctx.Err() != nil {
		return StageResult{}, true
	}

	rules := make([]RuleOutcome, 0, len(outcomes))
	failed := 0
	for i := range outcomes {
		if !dispatched[i] {
			continue
		}
		rules = append(rules, outcomes[i])
		if !outcomes[i].Succeeded() {
			failed++
		}
	}
	return StageResult{
		StageID:   stage.ID,
		Mode:      stage.Mode,
		Attempt:   attempt,
		StartedAt: started,
		Duration:  o.clock.Now().Sub(started),
		Rules:     rules,
		Failed:    failed,
	}, false
}

// dispatchRule runs one rule through the per-execution rate limiter.
// Failures are recorded in the outcome, never returned.
func (o *Orchestrator) dispatchRule(ctx context.Context, exec *execution, ruleID string, limiter *rate.Limiter) RuleOutcome {
	if err := limiter.Wait(ctx); err != nil {
		return RuleOutcome{RuleID: ruleID, Error: err.Error()}
	}

	started := o.clock.Now()
	res, err := o.rules.ExecuteRule(ctx, ruleID, exec.request)
	out := RuleOutcome{RuleID: ruleID, Elapsed: o.clock.Now().Sub(started)}
	if err != nil {
		out.Error = err.Error()
		o.stats.rulesFailed.Add(1)
	} else if res != nil {
		out.Handle = res.Handle
		if res.Elapsed > 0 {
			out.Elapsed = res.Elapsed
		}
	}
	o.stats.rulesExecuted.Add(1)
	EmitRuleExecuted(out.Succeeded(), out.Elapsed)
	return out
}

// newRuleLimiter sizes the dispatch limiter from the allocation's APIRate.
// Burst equals one second of budget so short stages never stall on a cold
// bucket.
func newRuleLimiter(apiRate float64) *rate.Limiter {
	if apiRate < 1 {
		apiRate = 1
	}
	return rate.NewLimiter(rate.Limit(apiRate), int(apiRate))
}
