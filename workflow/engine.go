// Package workflow runs declarative multi-stage workflows over the scan
// orchestrator. A template describes ordered stages of typed tasks; the
// engine validates and registers templates, admits executions onto a
// bounded launch queue, and drives each run through its stages with a
// fixed pool of supervised workers. Stages can gate on conditions, retry
// on failure, wait on human approval chains with escalation, and submit
// scans whose terminal outcomes decide the stage. A sweeper enforces the
// hard workflow timeout and approval escalation deadlines. Stopping the
// engine parks running workflows; a restarted engine resumes them at
// their first unfinished stage.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanweave/scanweave/core"
)

// Options carries the optional collaborators of an Engine.
type Options struct {
	// DataSources backs validate_data_source tasks. Optional.
	DataSources core.DataSourceService

	// Rules backs validate_rules tasks. Optional.
	Rules core.RuleService

	// Approvers resolves escalation chains for approval stages that do
	// not pin their own. Optional, but approval stages need one of the
	// two.
	Approvers core.ApproverResolver

	// Notifier delivers notification, reporting and approval messages.
	// Optional.
	Notifier core.Notifier

	// Insights summarizes analysis stages. Optional.
	Insights core.InsightAdvisor

	// Logger receives structured logs. Defaults to no logging.
	Logger core.Logger

	// Clock substitutes time for tests. Defaults to the system clock.
	Clock core.Clock
}

// EngineStats aggregates engine state for operators.
type EngineStats struct {
	Running bool `json:"running"`

	Queued           int `json:"queued"`
	Active           int `json:"active"`
	PendingApprovals int `json:"pending_approvals"`
	Templates        int `json:"templates"`

	// Started counts admissions, not worker pickups.
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	TimedOut    int64 `json:"timed_out"`
	Rejected    int64 `json:"rejected"`
	Escalations int64 `json:"escalations"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// engineStats holds the engine's monotonic counters.
type engineStats struct {
	started     atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	timedOut    atomic.Int64
	rejected    atomic.Int64
	escalations atomic.Int64
}

// Engine owns workflow templates and runs. One mutex guards all live run
// state; the rings of terminal snapshots bound memory for history
// lookups.
type Engine struct {
	config core.WorkflowConfig
	logger core.Logger
	clock  core.Clock

	submitter   ScanSubmitter
	dataSources core.DataSourceService
	rules       core.RuleService
	approvers   core.ApproverResolver
	notifier    core.Notifier
	insights    core.InsightAdvisor

	handlers map[StageType]stageHandler

	mu        sync.Mutex
	seq       uint64
	templates map[string]*Template
	workflows map[string]*workflowRun
	approvals map[string]*approvalRecord

	completed *core.Ring[*WorkflowSnapshot]
	failures  *core.Ring[*WorkflowSnapshot]

	// launch carries admitted workflow IDs to the workers. Capacity
	// leaves headroom above MaxQueueSize so restart re-enqueues never
	// block.
	launch chan string

	stats     engineStats
	startedAt time.Time

	running    atomic.Bool
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// NewEngine builds a workflow engine that submits scans through submitter.
// config may be nil for defaults; opts may be nil.
func NewEngine(config *core.Config, submitter ScanSubmitter, opts *Options) (*Engine, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if submitter == nil {
		return nil, fmt.Errorf("scan submitter is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	base := opts.Logger
	if base == nil {
		base = core.NoOpLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock()
	}

	e := &Engine{
		config:      config.Workflow,
		logger:      core.WithComponent(base, "workflow-engine"),
		clock:       clock,
		submitter:   submitter,
		dataSources: opts.DataSources,
		rules:       opts.Rules,
		approvers:   opts.Approvers,
		notifier:    opts.Notifier,
		insights:    opts.Insights,
		templates:   make(map[string]*Template),
		workflows:   make(map[string]*workflowRun),
		approvals:   make(map[string]*approvalRecord),
		completed:   core.NewRing[*WorkflowSnapshot](config.History.CompletedSize),
		failures:    core.NewRing[*WorkflowSnapshot](config.History.FailedSize),
		launch:      make(chan string, config.Workflow.MaxQueueSize+config.Workflow.Workers),
	}
	e.handlers = map[StageType]stageHandler{
		StageInitialization: e.runInitializationStage,
		StageValidation:     e.runTasks,
		StageProcessing:     e.runTasks,
		StageAnalysis:       e.runAnalysisStage,
		StageReporting:      e.runReportingStage,
		StageApproval:       e.runApprovalStage,
		StageNotification:   e.runNotificationStage,
		StageCleanup:        e.runCleanupStage,
		StageCustom:         e.runTasks,
	}
	return e, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// Start launches the worker pool and the sweeper and opens the engine for
// executions. Workflows parked by an earlier Stop are re-enqueued. It
// returns immediately; ctx bounds the lifetime of the loops.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return fmt.Errorf("workflow engine: %w", core.ErrAlreadyStarted)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	e.loopCancel = loopCancel

	e.mu.Lock()
	e.startedAt = e.clock.Now()
	resumed := e.requeueParkedLocked()
	e.mu.Unlock()

	workers := e.config.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("workflow-worker-%d", i)
		e.loopWg.Add(1)
		go func() {
			defer e.loopWg.Done()
			core.Supervise(loopCtx, core.LoopConfig{
				Name:   name,
				Clock:  e.clock,
				Logger: e.logger,
			}, e.workerLoop)
		}()
	}
	e.loopWg.Add(1)
	go func() {
		defer e.loopWg.Done()
		core.Supervise(loopCtx, core.LoopConfig{
			Name:   "workflow-sweeper",
			Clock:  e.clock,
			Logger: e.logger,
		}, e.sweepLoop)
	}()

	e.logger.Info("Workflow engine started", map[string]interface{}{
		"workers":        workers,
		"max_queue_size": e.config.MaxQueueSize,
		"sweep_interval": e.config.SweepInterval.String(),
		"resumed":        resumed,
	})
	return nil
}

// Stop halts the workers and the sweeper. Running workflows are
// interrupted at their next cooperative check and parked queued, so a
// restarted engine resumes them. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.Swap(false) {
		return nil
	}

	e.mu.Lock()
	queued, active := e.countStatesLocked()
	e.mu.Unlock()
	e.logger.Info("Workflow engine stopping", map[string]interface{}{
		"queued":  queued,
		"running": active,
	})

	e.loopCancel()
	done := make(chan struct{})
	go func() {
		e.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.config.ShutdownTimeout):
		return fmt.Errorf("%w: engine shutdown exceeded %s", core.ErrTimeout, e.config.ShutdownTimeout)
	}

	e.logger.Info("Workflow engine stopped", nil)
	return nil
}

// requeueParkedLocked re-enqueues runs a previous Stop interrupted. Runs
// still sitting in the launch channel from before the restart keep their
// slot.
func (e *Engine) requeueParkedLocked() int {
	resumed := 0
	for _, w := range e.workflows {
		if w.state != WorkflowQueued || w.enqueued {
			continue
		}
		select {
		case e.launch <- w.id:
			w.enqueued = true
			resumed++
		default:
			// The sweeper retries any run left behind.
		}
	}
	return resumed
}

func (e *Engine) countStatesLocked() (queued, active int) {
	for _, w := range e.workflows {
		if w.state == WorkflowRunning {
			active++
		} else {
			queued++
		}
	}
	return queued, active
}

// ═══════════════════════════════════════════════════════════════════════════
// Templates
// ═══════════════════════════════════════════════════════════════════════════

// CreateTemplate validates and registers a template, returning its
// assigned ID. The engine keeps a private copy; later mutations of tpl do
// not affect registered workflows. Registration works before Start.
func (e *Engine) CreateTemplate(ctx context.Context, tpl *Template) (string, error) {
	if tpl == nil {
		return "", fmt.Errorf("%w: template is required", core.ErrInvalidRequest)
	}
	if errs := tpl.Validate(); len(errs) > 0 {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidRequest, joinErrors(errs))
	}

	reg := tpl.clone()
	reg.ID = core.NewID("wft")
	reg.normalize()

	e.mu.Lock()
	e.templates[reg.ID] = reg
	e.mu.Unlock()

	e.logger.Info("Workflow template registered", map[string]interface{}{
		"template_id": reg.ID,
		"name":        reg.Name,
		"type":        reg.Type,
		"stages":      len(reg.Stages),
	})
	return reg.ID, nil
}

// Template returns a copy of one registered template.
func (e *Engine) Template(ctx context.Context, templateID string) (*Template, error) {
	e.mu.Lock()
	tpl := e.templates[templateID]
	e.mu.Unlock()
	if tpl == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTemplateNotFound, templateID)
	}
	return tpl.clone(), nil
}

// Templates returns copies of every registered template, sorted by name.
func (e *Engine) Templates(ctx context.Context) []*Template {
	e.mu.Lock()
	out := make([]*Template, 0, len(e.templates))
	for _, tpl := range e.templates {
		out = append(out, tpl.clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Execution
// ═══════════════════════════════════════════════════════════════════════════

// ExecuteWorkflow admits one run of a template onto the launch queue and
// returns its ticket. Required parameters are checked at admission; the
// queue applies back-pressure through ErrQueueFull.
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateID string, params map[string]interface{}) (*ExecutionTicket, error) {
	if !e.running.Load() {
		return nil, fmt.Errorf("workflow engine: %w", core.ErrNotStarted)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	e.mu.Lock()
	tpl := e.templates[templateID]
	if tpl == nil {
		e.mu.Unlock()
		e.stats.rejected.Add(1)
		EmitWorkflowRejected("unknown_template")
		return nil, fmt.Errorf("%w: %s", core.ErrTemplateNotFound, templateID)
	}

	var missing []string
	for _, p := range tpl.Params {
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				missing = append(missing, p.Name)
			}
		}
	}
	if len(missing) > 0 {
		e.mu.Unlock()
		e.stats.rejected.Add(1)
		EmitWorkflowRejected("missing_params")
		return nil, fmt.Errorf("%w: missing required parameters: %s", core.ErrInvalidRequest, strings.Join(missing, ", "))
	}

	if len(e.launch) >= e.config.MaxQueueSize {
		e.mu.Unlock()
		e.stats.rejected.Add(1)
		EmitWorkflowRejected("queue_full")
		return nil, fmt.Errorf("%w: workflow queue at capacity (%d)", core.ErrQueueFull, e.config.MaxQueueSize)
	}

	w := newWorkflowRun(tpl, copyValues(params), e.clock.Now())
	e.seq++
	w.seq = e.seq
	w.enqueued = true
	e.workflows[w.id] = w
	// Position is read before the send; a worker may drain the channel
	// concurrently and the ticket should still report where the run landed.
	position := len(e.launch) + 1
	e.launch <- w.id
	e.mu.Unlock()

	e.stats.started.Add(1)
	EmitWorkflowStarted(tpl.Type)
	e.logger.Info("Workflow queued", map[string]interface{}{
		"workflow_id": w.id,
		"template_id": templateID,
		"type":        tpl.Type,
		"position":    position,
	})

	return &ExecutionTicket{
		WorkflowID:        w.id,
		QueuePosition:     position,
		EstimatedDuration: estimateDuration(tpl),
	}, nil
}

// CancelWorkflow stops a run. Queued runs are archived right away;
// running ones are interrupted at their next cooperative check and settle
// as cancelled. Terminal workflows are not cancellable.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	w := e.workflows[workflowID]
	if w == nil {
		var state WorkflowState
		if snap := e.findArchivedLocked(workflowID); snap != nil {
			state = snap.State
		}
		e.mu.Unlock()
		if state != "" {
			return fmt.Errorf("%w: workflow is %s", core.ErrNotCancellable, state)
		}
		return fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, workflowID)
	}

	w.cancelled = true
	state := w.state
	cancel := w.cancel
	e.mu.Unlock()

	e.logger.Info("Workflow cancel requested", map[string]interface{}{
		"workflow_id": workflowID,
		"state":       string(state),
	})

	if state == WorkflowQueued {
		e.finishWorkflow(ctx, w, WorkflowCancelled, "cancelled")
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Approve records a decision on a pending approval. The actor must be the
// current approver or anyone above them in the escalation chain.
func (e *Engine) Approve(ctx context.Context, approvalID string, decision ApprovalDecision, actor string) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", core.ErrInvalidRequest, decision)
	}
	if actor == "" {
		return fmt.Errorf("%w: actor is required", core.ErrInvalidRequest)
	}

	now := e.clock.Now()
	e.mu.Lock()
	rec := e.approvals[approvalID]
	if rec == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrApprovalNotFound, approvalID)
	}
	if rec.state != ApprovalPending {
		e.mu.Unlock()
		return fmt.Errorf("approval %s already %s", approvalID, rec.state)
	}
	eligible := false
	for _, a := range rec.chain[rec.idx:] {
		if a == actor {
			eligible = true
			break
		}
	}
	if !eligible {
		e.mu.Unlock()
		return fmt.Errorf("%s is not an eligible approver for %s", actor, approvalID)
	}

	if decision == DecisionApproved {
		rec.state = ApprovalApproved
	} else {
		rec.state = ApprovalRejected
	}
	rec.actor = actor
	rec.decidedAt = now
	workflowID, stageID := rec.workflowID, rec.stageID
	e.mu.Unlock()

	e.logger.Info("Approval decided", map[string]interface{}{
		"approval_id": approvalID,
		"workflow_id": workflowID,
		"stage":       stageID,
		"decision":    string(decision),
		"actor":       actor,
	})
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Inspection
// ═══════════════════════════════════════════════════════════════════════════

// Status returns the workflow's current snapshot, live or archived.
func (e *Engine) Status(ctx context.Context, workflowID string) (*WorkflowSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.workflows[workflowID]; w != nil {
		return w.snapshot(), nil
	}
	if snap := e.findArchivedLocked(workflowID); snap != nil {
		return snap, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, workflowID)
}

// List returns a snapshot of every live workflow in admission order.
func (e *Engine) List(ctx context.Context) []*WorkflowSnapshot {
	e.mu.Lock()
	runs := make([]*workflowRun, 0, len(e.workflows))
	for _, w := range e.workflows {
		runs = append(runs, w)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].seq < runs[j].seq })
	out := make([]*WorkflowSnapshot, 0, len(runs))
	for _, w := range runs {
		out = append(out, w.snapshot())
	}
	e.mu.Unlock()
	return out
}

// History returns terminal workflows, newest first. A limit of 0 returns
// everything retained.
func (e *Engine) History(ctx context.Context, limit int) []*WorkflowSnapshot {
	out := append(e.completed.Items(), e.failures.Items()...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.After(out[j].CompletedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Failures returns failed, cancelled and timed out workflows, newest
// first. A limit of 0 returns everything retained.
func (e *Engine) Failures(ctx context.Context, limit int) []*WorkflowSnapshot {
	out := e.failures.Items()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PendingApprovals returns every approval waiting on a decision, oldest
// first.
func (e *Engine) PendingApprovals(ctx context.Context) []*ApprovalSnapshot {
	e.mu.Lock()
	out := make([]*ApprovalSnapshot, 0, len(e.approvals))
	for _, rec := range e.approvals {
		if rec.state == ApprovalPending {
			out = append(out, rec.snapshot())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats aggregates engine counters and live totals.
func (e *Engine) Stats(ctx context.Context) EngineStats {
	e.mu.Lock()
	queued, active := e.countStatesLocked()
	pending := 0
	for _, rec := range e.approvals {
		if rec.state == ApprovalPending {
			pending++
		}
	}
	templates := len(e.templates)
	startedAt := e.startedAt
	e.mu.Unlock()

	st := EngineStats{
		Running:          e.running.Load(),
		Queued:           queued,
		Active:           active,
		PendingApprovals: pending,
		Templates:        templates,
		Started:          e.stats.started.Load(),
		Completed:        e.stats.completed.Load(),
		Failed:           e.stats.failed.Load(),
		Cancelled:        e.stats.cancelled.Load(),
		TimedOut:         e.stats.timedOut.Load(),
		Rejected:         e.stats.rejected.Load(),
		Escalations:      e.stats.escalations.Load(),
	}
	if st.Running && !startedAt.IsZero() {
		st.StartedAt = startedAt
		st.Uptime = e.clock.Now().Sub(startedAt)
	}
	return st
}

func (e *Engine) findArchivedLocked(workflowID string) *WorkflowSnapshot {
	for _, snap := range e.completed.Items() {
		if snap.ID == workflowID {
			return snap
		}
	}
	for _, snap := range e.failures.Items() {
		if snap.ID == workflowID {
			return snap
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Workers
// ═══════════════════════════════════════════════════════════════════════════

func (e *Engine) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-e.launch:
			e.mu.Lock()
			w := e.workflows[id]
			ok := w != nil && w.state == WorkflowQueued
			if ok {
				w.enqueued = false
			}
			e.mu.Unlock()
			if !ok {
				// Cancelled while queued, or a stale slot from before a
				// restart.
				continue
			}
			e.executeRun(ctx, w)
		}
	}
}

// executeRun drives one workflow to a terminal state, or parks it back on
// the queue when the engine is shutting down mid-run.
func (e *Engine) executeRun(ctx context.Context, w *workflowRun) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := e.clock.Now()
	e.mu.Lock()
	if w.state != WorkflowQueued {
		e.mu.Unlock()
		return
	}
	w.state = WorkflowRunning
	if w.startedAt.IsZero() {
		// Resumed runs keep their original start so the hard timeout
		// spans interruptions.
		w.startedAt = now
	}
	w.cancel = cancel
	templateName := w.template.Name
	e.mu.Unlock()

	e.logger.Info("Workflow running", map[string]interface{}{
		"workflow_id": w.id,
		"template":    templateName,
	})

	err := e.runStages(runCtx, w)

	e.mu.Lock()
	cancelled, timedOut := w.cancelled, w.timedOut
	w.cancel = nil
	e.mu.Unlock()

	switch {
	case err == nil:
		e.finishWorkflow(ctx, w, WorkflowCompleted, "")
	case cancelled:
		e.finishWorkflow(ctx, w, WorkflowCancelled, "cancelled")
	case timedOut:
		e.finishWorkflow(ctx, w, WorkflowTimedOut, "workflow exceeded its hard timeout")
	case runCtx.Err() != nil:
		e.mu.Lock()
		w.state = WorkflowQueued
		e.mu.Unlock()
		e.logger.Info("Workflow parked for resume", map[string]interface{}{
			"workflow_id": w.id,
		})
	default:
		e.finishWorkflow(ctx, w, WorkflowFailed, err.Error())
	}
}

// finishWorkflow records a terminal state, archives the snapshot, releases
// the run's approvals and cancels any scan it was still waiting on. It is
// idempotent so the sweeper and a worker cannot double-finish a run.
func (e *Engine) finishWorkflow(ctx context.Context, w *workflowRun, state WorkflowState, msg string) {
	now := e.clock.Now()

	e.mu.Lock()
	if w.state.Terminal() {
		e.mu.Unlock()
		return
	}
	w.state = state
	w.completedAt = now
	if msg != "" {
		w.lastError = msg
	}
	pendingScans := w.nonTerminalScans()
	for _, id := range pendingScans {
		w.scans[id] = true
	}
	snap := w.snapshot()
	delete(e.workflows, w.id)
	for id, rec := range e.approvals {
		if rec.workflowID == w.id {
			delete(e.approvals, id)
		}
	}
	var elapsed time.Duration
	if !w.startedAt.IsZero() {
		elapsed = now.Sub(w.startedAt)
	}
	workflowType := w.template.Type
	e.mu.Unlock()

	switch state {
	case WorkflowCompleted:
		e.completed.Push(snap)
		e.stats.completed.Add(1)
	case WorkflowCancelled:
		e.failures.Push(snap)
		e.stats.cancelled.Add(1)
	case WorkflowTimedOut:
		e.failures.Push(snap)
		e.stats.timedOut.Add(1)
	default:
		e.failures.Push(snap)
		e.stats.failed.Add(1)
	}

	for _, execID := range pendingScans {
		if err := e.submitter.CancelScan(ctx, execID, false); err != nil {
			e.logger.Warn("Cancel of outstanding scan failed", map[string]interface{}{
				"workflow_id":  w.id,
				"execution_id": execID,
				"error":        err.Error(),
			})
		}
	}

	EmitWorkflowFinished(workflowType, state, elapsed)
	e.logger.Info("Workflow finished", map[string]interface{}{
		"workflow_id": w.id,
		"state":       string(state),
		"elapsed":     elapsed.String(),
		"error":       msg,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Sweeper
// ═══════════════════════════════════════════════════════════════════════════

func (e *Engine) sweepLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.config.SweepInterval):
		}
		e.sweep(ctx)
	}
}

// sweep is one pass of deadline enforcement: workflows past the hard
// timeout are interrupted or finished, unanswered approvals escalate, and
// queued runs that lost their launch slot are re-enqueued.
func (e *Engine) sweep(ctx context.Context) {
	now := e.clock.Now()

	e.mu.Lock()
	var overdueQueued []*workflowRun
	var forced []*workflowRun
	var cancels []context.CancelFunc
	for _, w := range e.workflows {
		base := w.startedAt
		if w.state == WorkflowQueued {
			base = w.createdAt
		}
		if !now.After(base.Add(e.config.Timeout)) {
			continue
		}
		switch {
		case w.state == WorkflowQueued:
			overdueQueued = append(overdueQueued, w)
		case !w.timedOut:
			w.timedOut = true
			if w.cancel != nil {
				cancels = append(cancels, w.cancel)
			}
		default:
			// Interrupted last sweep and still running: the worker is
			// gone, settle it directly.
			forced = append(forced, w)
		}
	}

	var escalated []*approvalRecord
	exhausted := 0
	pendingApprovals := 0
	for _, rec := range e.approvals {
		if rec.state != ApprovalPending {
			continue
		}
		if now.After(rec.deadline) {
			if rec.escalate(now) {
				escalated = append(escalated, rec)
			} else {
				exhausted++
			}
		}
		if rec.state == ApprovalPending {
			pendingApprovals++
		}
	}
	queued, active := e.countStatesLocked()
	requeued := e.requeueParkedLocked()
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, w := range overdueQueued {
		e.finishWorkflow(ctx, w, WorkflowTimedOut, "workflow exceeded its hard timeout before starting")
	}
	for _, w := range forced {
		e.finishWorkflow(ctx, w, WorkflowTimedOut, "workflow exceeded its hard timeout")
	}
	for _, rec := range escalated {
		e.stats.escalations.Add(1)
		EmitApprovalEscalated()
		e.logger.Warn("Approval escalated", map[string]interface{}{
			"approval_id": rec.id,
			"workflow_id": rec.workflowID,
			"approver":    rec.currentApprover(),
		})
		e.notifyApprover(ctx, rec)
	}
	for i := 0; i < exhausted; i++ {
		EmitApprovalExhausted()
	}
	if requeued > 0 {
		e.logger.Warn("Re-enqueued stranded workflows", map[string]interface{}{
			"count": requeued,
		})
	}
	EmitEngineGauges(queued, active, pendingApprovals)
}

// ═══════════════════════════════════════════════════════════════════════════
// Estimation
// ═══════════════════════════════════════════════════════════════════════════

const (
	estimatePerStage = 30 * time.Second
	estimatePerScan  = 5 * time.Minute
	estimatePerTask  = 30 * time.Second
	estimateFloor    = time.Minute
)

// estimateDuration is a coarse runtime guess for the admission ticket. The
// template may pin its own estimate.
func estimateDuration(tpl *Template) time.Duration {
	if tpl.EstimatedDuration > 0 {
		return tpl.EstimatedDuration.Std()
	}
	var total time.Duration
	for i := range tpl.Stages {
		total += estimatePerStage
		for j := range tpl.Stages[i].Tasks {
			if tpl.Stages[i].Tasks[j].Type == TaskScan {
				total += estimatePerScan
			} else {
				total += estimatePerTask
			}
		}
	}
	if total < estimateFloor {
		total = estimateFloor
	}
	return total
}
