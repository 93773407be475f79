package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

// scanPollInterval is how often a scan task checks its execution for a
// terminal outcome.
const scanPollInterval = 2 * time.Second

// ScanOutcome is the terminal summary of one submitted execution.
type ScanOutcome struct {
	Terminal  bool
	Succeeded bool
	Error     string
}

// ScanSubmitter is the slice of the orchestrator the engine drives.
// Implementations must be safe for concurrent use.
type ScanSubmitter interface {
	// SubmitScan admits a scan request and returns its execution ID.
	SubmitScan(ctx context.Context, req *core.ScanRequest, plan core.PlanStrategy, priority core.Priority) (string, error)

	// ScanOutcome reports whether an execution has terminated and how.
	ScanOutcome(ctx context.Context, executionID string) (ScanOutcome, error)

	// CancelScan stops an execution the workflow no longer wants.
	CancelScan(ctx context.Context, executionID string, force bool) error
}

// ═══════════════════════════════════════════════════════════════════════════
// Task dispatch
// ═══════════════════════════════════════════════════════════════════════════

// runTasks executes a stage's tasks in its configured mode. A critical
// task failure fails the stage; non-critical failures are recorded and the
// stage carries on.
func (e *Engine) runTasks(ctx context.Context, w *workflowRun, st *stageRun) error {
	if len(st.tasks) == 0 {
		return nil
	}
	if st.def.Mode == ModeParallel {
		return e.runTasksParallel(ctx, w, st)
	}
	return e.runTasksSequential(ctx, w, st)
}

func (e *Engine) runTasksSequential(ctx context.Context, w *workflowRun, st *stageRun) error {
	for _, t := range st.tasks {
		err := e.runTask(ctx, w, st, t)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.def.Critical {
			return err
		}
	}
	return nil
}

// runTasksParallel starts every task at once and lets all of them run to
// completion; one failure never interrupts its siblings. The first
// critical failure in definition order decides the stage.
func (e *Engine) runTasksParallel(ctx context.Context, w *workflowRun, st *stageRun) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(st.tasks))

	results := make([]error, len(st.tasks))
	for i, t := range st.tasks {
		i, t := i, t
		g.Go(func() error {
			results[i] = e.runTask(gctx, w, st, t)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	for i, t := range st.tasks {
		if results[i] != nil && t.def.Critical {
			return results[i]
		}
	}
	return nil
}

// runTask executes one task under its retry policy and records the result
// on the run record. Policies requesting a single attempt bypass the retry
// wrapper so their errors stay unwrapped.
func (e *Engine) runTask(ctx context.Context, w *workflowRun, st *stageRun, t *taskRun) error {
	e.mu.Lock()
	t.state = TaskRunning
	t.startedAt = e.clock.Now()
	t.lastError = ""
	e.mu.Unlock()

	var err error
	if cfg := retryPlanFor(t.def.Retry, e.clock); cfg != nil {
		err = resilience.Retry(ctx, cfg, func() error {
			e.mu.Lock()
			t.attempts++
			e.mu.Unlock()
			return e.executeTask(ctx, w, st, t)
		})
	} else {
		e.mu.Lock()
		t.attempts++
		e.mu.Unlock()
		err = e.executeTask(ctx, w, st, t)
	}

	e.mu.Lock()
	t.completedAt = e.clock.Now()
	if err != nil {
		t.state = TaskFailed
		t.lastError = err.Error()
	} else {
		t.state = TaskCompleted
	}
	e.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Workflow task failed", map[string]interface{}{
				"workflow_id": w.id,
				"stage":       st.def.ID,
				"task":        t.def.ID,
				"critical":    t.def.Critical,
				"error":       err.Error(),
			})
		}
		return fmt.Errorf("task %s: %w", t.def.ID, err)
	}
	return nil
}

// retryPlanFor maps a template retry policy onto the resilience package.
// Nil means the task gets exactly one attempt.
func retryPlanFor(p RetryPolicy, clock core.Clock) *resilience.RetryConfig {
	if p.MaxAttempts <= 1 {
		return nil
	}
	strategy := p.Strategy
	if strategy == "" {
		strategy = resilience.RetryFixed
	}
	delay := p.Delay.Std()
	if delay <= 0 {
		delay = time.Second
	}

	cfg := &resilience.RetryConfig{
		Strategy:     strategy,
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: delay,
		Clock:        clock,
	}
	switch strategy {
	case resilience.RetryImmediate:
		cfg.InitialDelay = 0
	case resilience.RetryFixed:
		cfg.MaxDelay = delay
		cfg.BackoffFactor = 1
	default:
		cfg.MaxDelay = delay * 16
		cfg.BackoffFactor = 2
	}
	return cfg
}

func (e *Engine) executeTask(ctx context.Context, w *workflowRun, st *stageRun, t *taskRun) error {
	switch t.def.Type {
	case TaskScan:
		return e.runScanTask(ctx, w, st, t)
	case TaskValidateSource:
		return e.runValidateSourceTask(ctx, w, t.def)
	case TaskValidateRules:
		return e.runValidateRulesTask(ctx, w, t.def)
	case TaskNotify:
		return e.runNotifyTask(ctx, w, st, t.def)
	default:
		return fmt.Errorf("unknown task type %q", t.def.Type)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Task implementations
// ═══════════════════════════════════════════════════════════════════════════

// runScanTask submits a scan through the orchestrator and waits for its
// terminal outcome. The wait polls cooperatively so cancellation and stage
// deadlines interrupt it.
func (e *Engine) runScanTask(ctx context.Context, w *workflowRun, st *stageRun, t *taskRun) error {
	e.mu.Lock()
	vars := copyValues(w.vars)
	priority := t.def.Priority
	if !priority.Valid() {
		priority = w.priority
	}
	deadline := st.deadline
	e.mu.Unlock()

	def := t.def
	rules := make([]string, len(def.Rules))
	for i, r := range def.Rules {
		rules[i] = resolveString(r, vars)
	}
	scanType := def.ScanType
	if scanType == "" {
		scanType = core.ScanTypeFull
	}

	req := &core.ScanRequest{
		DataSourceID: resolveString(def.DataSource, vars),
		Type:         scanType,
		RuleIDs:      rules,
		Priority:     priority,
		Params: map[string]interface{}{
			"workflow_id": w.id,
			"stage":       st.def.ID,
			"task":        def.ID,
		},
		CreatedBy: "workflow:" + w.id,
		CreatedAt: e.clock.Now(),
	}

	execID, err := e.submitter.SubmitScan(ctx, req, def.Plan, priority)
	if err != nil {
		return fmt.Errorf("submitting scan for %s: %w", req.DataSourceID, err)
	}

	e.mu.Lock()
	t.executionID = execID
	w.scans[execID] = false
	e.mu.Unlock()

	e.logger.Info("Workflow scan submitted", map[string]interface{}{
		"workflow_id":  w.id,
		"stage":        st.def.ID,
		"task":         def.ID,
		"execution_id": execID,
		"data_source":  req.DataSourceID,
	})
	return e.awaitScan(ctx, w, execID, deadline)
}

// awaitScan polls an execution until it terminates. Transient poll errors
// are tolerated; a vanished execution counts as a failure.
func (e *Engine) awaitScan(ctx context.Context, w *workflowRun, execID string, deadline time.Time) error {
	for {
		outcome, err := e.submitter.ScanOutcome(ctx, execID)
		switch {
		case err != nil && core.IsNotFound(err):
			e.markScanTerminal(w, execID)
			return fmt.Errorf("%w: execution %s no longer exists", core.ErrExecutionFailed, execID)
		case err != nil:
			e.logger.Warn("Scan outcome poll failed", map[string]interface{}{
				"execution_id": execID,
				"error":        err.Error(),
			})
		case outcome.Terminal:
			e.markScanTerminal(w, execID)
			if !outcome.Succeeded {
				if outcome.Error != "" {
					return fmt.Errorf("%w: %s", core.ErrExecutionFailed, outcome.Error)
				}
				return fmt.Errorf("%w: execution %s", core.ErrExecutionFailed, execID)
			}
			return nil
		}

		if !deadline.IsZero() && e.clock.Now().After(deadline) {
			if cerr := e.submitter.CancelScan(ctx, execID, false); cerr != nil {
				e.logger.Warn("Cancel of overdue scan failed", map[string]interface{}{
					"execution_id": execID,
					"error":        cerr.Error(),
				})
			}
			e.markScanTerminal(w, execID)
			return fmt.Errorf("%w: execution %s outlived its stage deadline", core.ErrTimeout, execID)
		}
		if err := e.clock.Sleep(ctx, scanPollInterval); err != nil {
			return err
		}
	}
}

func (e *Engine) markScanTerminal(w *workflowRun, execID string) {
	e.mu.Lock()
	w.scans[execID] = true
	e.mu.Unlock()
}

func (e *Engine) runValidateSourceTask(ctx context.Context, w *workflowRun, def *TaskDef) error {
	if e.dataSources == nil {
		return fmt.Errorf("no data source service configured")
	}
	e.mu.Lock()
	vars := copyValues(w.vars)
	e.mu.Unlock()

	id := resolveString(def.DataSource, vars)
	ok, err := e.dataSources.Validate(ctx, id)
	if err != nil {
		return fmt.Errorf("validating data source %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("data source %s failed validation", id)
	}
	return nil
}

func (e *Engine) runValidateRulesTask(ctx context.Context, w *workflowRun, def *TaskDef) error {
	if e.rules == nil {
		return fmt.Errorf("no rule service configured")
	}
	e.mu.Lock()
	vars := copyValues(w.vars)
	e.mu.Unlock()

	ids := make([]string, len(def.Rules))
	for i, r := range def.Rules {
		ids[i] = resolveString(r, vars)
	}
	result, err := e.rules.Validate(ctx, ids)
	if err != nil {
		return fmt.Errorf("validating rules: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("rule validation failed: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

func (e *Engine) runNotifyTask(ctx context.Context, w *workflowRun, st *stageRun, def *TaskDef) error {
	if e.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	e.mu.Lock()
	vars := copyValues(w.vars)
	e.mu.Unlock()

	subject := resolveString(def.Subject, vars)
	if subject == "" {
		subject = fmt.Sprintf("workflow %s update", w.id)
	}
	channel := resolveString(def.Channel, vars)
	payload := map[string]interface{}{
		"workflow_id": w.id,
		"stage":       st.def.ID,
		"task":        def.ID,
	}
	if err := e.notifier.Notify(ctx, channel, subject, payload); err != nil {
		return fmt.Errorf("notifying %s: %w", channel, err)
	}
	return nil
}
