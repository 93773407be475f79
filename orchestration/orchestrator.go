// Package orchestration decides what runs now. The Orchestrator is the
// single authority over the bounded resource pool: it validates and admits
// scan submissions, queues them when the pool is exhausted, executes them
// staged, and reports status, metrics and history.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanweave/scanweave/core"
)

// cancelGrace is the longest a cancelled execution may keep its resources.
// Cancellation is cooperative, observed at stage boundaries and rule
// dispatch; an execution that has not released within this window is
// interrupted outright.
const cancelGrace = 60 * time.Second

// SubmitReceipt is the outcome of a successful Submit. A queued submission
// carries its position and a wait estimate; an admitted one starts
// immediately.
type SubmitReceipt struct {
	ExecutionID   string        `json:"execution_id"`
	RequestID     string        `json:"request_id"`
	Queued        bool          `json:"queued"`
	QueuePosition int           `json:"queue_position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// Options carries the optional collaborators of an Orchestrator. The zero
// value is usable: advisors default to the deterministic heuristics,
// history to an in-memory store, the clock to the system clock.
type Options struct {
	// ResourceAdvisor refines resource estimates. Consulted through a
	// circuit breaker; nil or failing advisors fall back to heuristics.
	ResourceAdvisor core.ResourceAdvisor

	// PlanAdvisor backs the intelligent plan strategy.
	PlanAdvisor core.PlanAdvisor

	// History receives terminal execution records. Defaults to a
	// MemoryHistoryStore sized from the configuration.
	History HistoryStore

	// Logger receives operational logs. Defaults to no logging.
	Logger core.Logger

	// Clock drives every wait and timestamp. Defaults to the system
	// clock; tests inject a fake.
	Clock core.Clock
}

// Orchestrator admits, queues, executes and tracks scans against one
// bounded resource pool. All methods are safe for concurrent use.
type Orchestrator struct {
	config core.OrchestratorConfig
	logger core.Logger
	clock  core.Clock

	dataSources core.DataSourceService
	rules       core.RuleService
	estimator   *Estimator
	planner     *Planner

	pool    *resourcePool
	queue   *admissionQueue
	history HistoryStore
	hub     *streamHub

	mu         sync.RWMutex
	executions map[string]*execution
	startedAt  time.Time

	// admitMu serializes the free-slot check and the pool reservation so
	// two submissions cannot both claim the same headroom. It is never
	// held together with mu or the queue lock.
	admitMu sync.Mutex
	active  atomic.Int32

	stats stats

	// wake nudges the dispatch loop after a release or a new enqueue.
	wake chan struct{}

	running    atomic.Bool
	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	loopWg     sync.WaitGroup
	runWg      sync.WaitGroup

	workerSeq atomic.Int32
}

// NewOrchestrator builds an orchestrator over the given capability
// services. config nil means defaults; opts nil means no optional
// collaborators.
func NewOrchestrator(config *core.Config, dataSources core.DataSourceService, rules core.RuleService, opts *Options) (*Orchestrator, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if dataSources == nil {
		return nil, fmt.Errorf("data source service is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("rule service is required")
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
	history := opts.History
	if history == nil {
		history = NewMemoryHistoryStore(config.History.CompletedSize, config.History.FailedSize)
	}

	return &Orchestrator{
		config:      config.Orchestrator,
		logger:      core.WithComponent(base, "orchestrator"),
		clock:       clock,
		dataSources: dataSources,
		rules:       rules,
		estimator:   NewEstimator(dataSources, opts.ResourceAdvisor, base),
		planner:     NewPlanner(rules, opts.PlanAdvisor, base),
		pool:        newResourcePool(config.Pool, config.Orchestrator.SafetyMargin),
		queue:       newAdmissionQueue(config.Orchestrator.MaxQueueSize),
		history:     history,
		hub:         newStreamHub(),
		executions:  make(map[string]*execution),
		wake:        make(chan struct{}, 1),
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// Start launches the dispatch, sweeper and metrics loops and opens the
// orchestrator for submissions. It returns immediately; ctx bounds the
// lifetime of everything Start launches.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Swap(true) {
		return fmt.Errorf("orchestrator: %w", core.ErrAlreadyStarted)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithCancel(ctx)
	o.loopCancel = loopCancel
	o.runCtx = runCtx
	o.runCancel = runCancel

	o.mu.Lock()
	o.startedAt = o.clock.Now()
	o.mu.Unlock()

	loops := map[string]func(context.Context) error{
		"dispatch": o.dispatchLoop,
		"sweeper":  o.sweepLoop,
		"metrics":  o.metricsLoop,
	}
	for name, loop := range loops {
		o.loopWg.Add(1)
		go func(name string, loop func(context.Context) error) {
			defer o.loopWg.Done()
			core.Supervise(loopCtx, core.LoopConfig{
				Name:   name,
				Clock:  o.clock,
				Logger: o.logger,
			}, loop)
		}(name, loop)
	}

	o.logger.Info("Orchestrator started", map[string]interface{}{
		"max_concurrent_scans": o.config.MaxConcurrentScans,
		"max_queue_size":       o.config.MaxQueueSize,
		"safety_margin":        o.config.SafetyMargin,
	})
	return nil
}

// Stop closes intake, stops the background loops and waits up to the
// configured shutdown timeout for running executions to finish. Anything
// still running after the timeout is interrupted and finalized as
// cancelled. Stop is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Swap(false) {
		return nil
	}

	o.logger.Info("Orchestrator stopping", map[string]interface{}{
		"active": o.active.Load(),
		"queued": o.queue.len(),
	})
	o.loopCancel()

	done := make(chan struct{})
	go func() {
		o.runWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-o.clock.After(o.config.ShutdownTimeout):
		o.logger.Warn("Shutdown timeout reached, interrupting executions", map[string]interface{}{
			"active": o.active.Load(),
		})
		o.runCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		o.runCancel()
		return ctx.Err()
	}

	o.runCancel()
	o.loopWg.Wait()
	o.hub.closeAll()

	o.logger.Info("Orchestrator stopped", nil)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Submission and admission
// ═══════════════════════════════════════════════════════════════════════════

// Submit validates req, estimates its resource needs, plans it under
// strategy and either admits it immediately or queues it for capacity.
// priority overrides the request's own priority when set; an empty
// strategy plans adaptively. The caller's request is never mutated.
func (o *Orchestrator) Submit(ctx context.Context, req *core.ScanRequest, strategy core.PlanStrategy, priority core.Priority) (*SubmitReceipt, error) {
	if !o.running.Load() {
		return nil, fmt.Errorf("orchestrator: %w", core.ErrNotStarted)
	}
	if req == nil {
		o.stats.invalid.Add(1)
		return nil, fmt.Errorf("%w: nil request", core.ErrInvalidRequest)
	}

	// Work on a copy so admission-time adjustments stay internal.
	r := *req
	if r.ID == "" {
		r.ID = core.NewID("req")
	}
	if priority.Valid() {
		r.Priority = priority
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = o.clock.Now()
	}
	if strategy == "" {
		strategy = core.PlanAdaptive
	}

	if err := o.validate(ctx, &r); err != nil {
		o.stats.invalid.Add(1)
		EmitScanRejected("invalid")
		return nil, err
	}

	requirement, _, err := o.estimator.Estimate(ctx, &r)
	if err != nil {
		EmitScanRejected("estimation")
		return nil, err
	}
	plan, err := o.planner.Build(ctx, &r, strategy, requirement)
	if err != nil {
		o.stats.invalid.Add(1)
		EmitScanRejected("invalid")
		return nil, err
	}

	now := o.clock.Now()
	exec := newExecution(core.NewID("exec"), &r, strategy, now)
	exec.setPlan(plan, requirement)

	o.mu.Lock()
	o.executions[exec.id] = exec
	o.mu.Unlock()

	o.stats.submitted.Add(1)
	EmitScanSubmitted(r.Priority, strategy)

	// Direct admission when a slot and the resources are both available.
	if o.tryAdmit(exec, requirement) {
		o.stats.admitted.Add(1)
		EmitScanAdmitted(r.Priority, 0)
		o.logger.Info("Scan admitted", map[string]interface{}{
			"execution_id":   exec.id,
			"request_id":     r.ID,
			"data_source_id": r.DataSourceID,
			"strategy":       string(strategy),
			"priority":       r.Priority.String(),
			"stages":         len(plan.Stages),
		})
		o.startRunner(exec)
		return &SubmitReceipt{ExecutionID: exec.id, RequestID: r.ID}, nil
	}

	// No headroom: queue under back-pressure.
	exec.markQueued(true)
	position, err := o.queue.push(exec)
	if err != nil {
		o.mu.Lock()
		delete(o.executions, exec.id)
		o.mu.Unlock()
		o.stats.queueRejected.Add(1)
		EmitScanRejected("queue_full")
		return nil, fmt.Errorf("%w: admission queue at capacity %d", core.ErrQueueFull, o.config.MaxQueueSize)
	}

	o.stats.queued.Add(1)
	EmitScanQueued(r.Priority, position)
	o.logger.Info("Scan queued", map[string]interface{}{
		"execution_id": exec.id,
		"request_id":   r.ID,
		"priority":     r.Priority.String(),
		"position":     position,
	})
	o.wakeDispatch()

	return &SubmitReceipt{
		ExecutionID:   exec.id,
		RequestID:     r.ID,
		Queued:        true,
		QueuePosition: position,
		EstimatedWait: o.estimateWait(position, requirement.EstimatedDuration),
	}, nil
}

// validate checks the request structurally and against the capability
// services. Unknown data sources and rules are invalid requests, not
// execution failures.
func (o *Orchestrator) validate(ctx context.Context, req *core.ScanRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ok, err := o.dataSources.Validate(ctx, req.DataSourceID)
	if err != nil {
		return &core.OrchestrationError{
			Op:   "orchestrator.Submit",
			Kind: "admission",
			ID:   req.DataSourceID,
			Err:  fmt.Errorf("data source validation: %w", err),
		}
	}
	if !ok {
		return fmt.Errorf("%w: unknown data source %q", core.ErrInvalidRequest, req.DataSourceID)
	}

	v, err := o.rules.Validate(ctx, req.RuleIDs)
	if err != nil {
		return &core.OrchestrationError{
			Op:   "orchestrator.Submit",
			Kind: "admission",
			ID:   req.ID,
			Err:  fmt.Errorf("rule validation: %w", err),
		}
	}
	if v == nil || !v.OK {
		detail := "unknown rules"
		if v != nil && len(v.Errors) > 0 {
			detail = strings.Join(v.Errors, "; ")
		}
		return fmt.Errorf("%w: %s", core.ErrInvalidRequest, detail)
	}
	return nil
}

// tryAdmit claims one concurrency slot and the execution's resources in a
// single serialized step. On success the execution is initializing and
// counted active.
func (o *Orchestrator) tryAdmit(exec *execution, requirement core.ResourceRequirement) bool {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if int(o.active.Load()) >= o.config.MaxConcurrentScans {
		return false
	}
	if !o.pool.allocate(exec.id, requirement, o.clock.Now(), o.config.AllocationGrace) {
		return false
	}
	o.active.Add(1)
	exec.setState(StateInitializing)
	return true
}

// estimateWait predicts how long a queued submission will wait: the mean
// estimated duration of the currently running executions, scaled by how
// many queue entries must drain first and divided across free slots. A
// deliberately rough heuristic; own is used when nothing is running yet.
func (o *Orchestrator) estimateWait(position int, own time.Duration) time.Duration {
	var sum time.Duration
	n := 0
	o.mu.RLock()
	for _, e := range o.executions {
		if e.isQueued() {
			continue
		}
		if st := e.currentState(); st == StatePending || st.Terminal() {
			continue
		}
		_, req := e.executionPlan()
		sum += req.EstimatedDuration
		n++
	}
	o.mu.RUnlock()

	mean := own
	if n > 0 {
		mean = sum / time.Duration(n)
	}
	free := o.config.MaxConcurrentScans - int(o.active.Load())
	if free < 1 {
		free = 1
	}
	return mean * time.Duration(position+1) / time.Duration(free)
}

// startRunner hands an admitted execution to its own runner goroutine.
func (o *Orchestrator) startRunner(exec *execution) {
	workerID := fmt.Sprintf("worker-%d", o.workerSeq.Add(1))
	o.runWg.Add(1)
	go o.runExecution(o.runCtx, workerID, exec)
}

func (o *Orchestrator) wakeDispatch() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cancellation
// ═══════════════════════════════════════════════════════════════════════════

// Cancel stops an execution. Queued work is removed without ever holding
// resources; running work is signalled to stop at its next cooperative
// point and interrupted outright when force is set or once the release
// grace expires. Terminal executions are not cancellable.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string, force bool) error {
	o.mu.RLock()
	exec := o.executions[executionID]
	o.mu.RUnlock()

	if exec == nil {
		recs, err := o.history.List(ctx, HistoryFilter{ExecutionID: executionID, Limit: 1})
		if err == nil && len(recs) > 0 {
			return fmt.Errorf("%w: execution %s is %s", core.ErrNotCancellable, executionID, recs[0].State)
		}
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}

	// Claiming the queue entry decides the race against dispatch: whoever
	// removes it owns the outcome.
	if o.queue.remove(executionID) {
		exec.markQueued(false)
		o.finalizeExecution(exec, StateCancelled, core.ErrCancelled, false)
		o.logger.Info("Queued scan cancelled", map[string]interface{}{
			"execution_id": executionID,
		})
		return nil
	}

	if !exec.requestCancel(core.ErrCancelled, o.clock.Now(), force) {
		return fmt.Errorf("%w: execution %s is %s", core.ErrNotCancellable, executionID, exec.currentState())
	}
	o.logger.Info("Cancellation requested", map[string]interface{}{
		"execution_id": executionID,
		"force":        force,
	})

	// The runner observes the flag at its next boundary; the watchdog
	// interrupts anything that overstays the release grace.
	go func() {
		if err := o.clock.Sleep(o.runCtx, cancelGrace); err != nil {
			return
		}
		exec.interrupt()
	}()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Introspection
// ═══════════════════════════════════════════════════════════════════════════

// Status returns a snapshot of the execution, live or terminal. Terminal
// executions are served from history.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*Snapshot, error) {
	o.mu.RLock()
	exec := o.executions[executionID]
	o.mu.RUnlock()

	if exec != nil {
		snap := exec.snapshot(true)
		snap.PoolShare = o.poolShare(executionID, snap.Requirement)
		return snap, nil
	}

	recs, err := o.history.List(ctx, HistoryFilter{ExecutionID: executionID, Limit: 1})
	if err != nil {
		return nil, &core.OrchestrationError{
			Op:   "orchestrator.Status",
			Kind: "history",
			ID:   executionID,
			Err:  err,
		}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}
	return snapshotFromRecord(recs[0]), nil
}

// ActiveExecutions lists live executions (running and queued), oldest
// first. limit bounds the result when positive; includeProgress adds the
// per-stage detail.
func (o *Orchestrator) ActiveExecutions(ctx context.Context, limit int, includeProgress bool) []*Snapshot {
	o.mu.RLock()
	snaps := make([]*Snapshot, 0, len(o.executions))
	for _, e := range o.executions {
		snaps = append(snaps, e.snapshot(includeProgress))
	}
	o.mu.RUnlock()

	sortSnapshots(snaps)
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	for _, s := range snaps {
		s.PoolShare = o.poolShare(s.ID, s.Requirement)
	}
	return snaps
}

// Metrics returns the cumulative counters plus current gauges.
func (o *Orchestrator) Metrics(ctx context.Context) *MetricsReport {
	r := o.stats.report()
	r.ActiveExecutions = int64(o.active.Load())
	r.QueuedExecutions = int64(o.queue.len())
	r.Pool = o.pool.status()

	o.mu.RLock()
	r.StartedAt = o.startedAt
	o.mu.RUnlock()
	if !r.StartedAt.IsZero() {
		r.Uptime = o.clock.Now().Sub(r.StartedAt)
	}
	return &r
}

// History lists terminal execution records matching filter, newest first.
func (o *Orchestrator) History(ctx context.Context, filter HistoryFilter) ([]*Record, error) {
	return o.history.List(ctx, filter)
}

// Stream returns the execution's progress events. The channel closes right
// after the terminal event; an execution that is already terminal yields
// exactly that event. Past milestones are not replayed.
func (o *Orchestrator) Stream(ctx context.Context, executionID string) (<-chan ProgressEvent, error) {
	o.mu.RLock()
	exec := o.executions[executionID]
	o.mu.RUnlock()

	if exec == nil {
		recs, err := o.history.List(ctx, HistoryFilter{ExecutionID: executionID, Limit: 1})
		if err != nil || len(recs) == 0 {
			return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
		}
		rec := recs[0]
		ch := make(chan ProgressEvent, 1)
		ch <- ProgressEvent{
			ExecutionID: rec.ExecutionID,
			State:       rec.State,
			Progress:    rec.Progress,
			CurrentStep: rec.CurrentStep,
			Timestamp:   rec.CompletedAt,
			Error:       rec.Error,
		}
		close(ch)
		return ch, nil
	}

	ch, unsubscribe := o.hub.subscribe(executionID)

	// The execution may have finalized between the table read and the
	// subscription; its terminal publish would then never reach us.
	if exec.currentState().Terminal() {
		unsubscribe()
		out := make(chan ProgressEvent, 1)
		out <- exec.event(o.clock.Now())
		close(out)
		return out, nil
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-o.runCtx.Done():
		}
		unsubscribe()
	}()
	return ch, nil
}

// poolShare returns the largest fraction of any allocatable dimension the
// execution's allocation occupies, zero when it holds none.
func (o *Orchestrator) poolShare(executionID string, req core.ResourceRequirement) float64 {
	if !o.pool.held(executionID) {
		return 0
	}
	limit := o.pool.allocatable()
	share := 0.0
	for _, dim := range [][2]float64{
		{req.CPUPercent, limit.CPUPercent},
		{req.MemoryMB, limit.MemoryMB},
		{req.StorageMB, limit.StorageMB},
		{req.NetworkMbps, limit.NetworkMbps},
		{req.DBConnections, limit.DBConnections},
		{req.APIRate, limit.APIRate},
	} {
		if dim[1] <= 0 {
			continue
		}
		if s := dim[0] / dim[1]; s > share {
			share = s
		}
	}
	return share
}

func sortSnapshots(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].SubmittedAt.Equal(snaps[j].SubmittedAt) {
			return snaps[i].SubmittedAt.Before(snaps[j].SubmittedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Background loops
// ═══════════════════════════════════════════════════════════════════════════

// dispatchLoop admits queued work whenever capacity frees. Releases and
// new enqueues nudge it through the wake channel; a periodic safety tick
// covers any lost nudge.
func (o *Orchestrator) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		case <-o.clock.After(o.config.ResourceMonitoringInterval):
		}
		o.drainQueue(ctx)
	}
}

// drainQueue admits from the head of the queue until the head no longer
// fits. Admission is strictly in priority order: a blocked head blocks
// everything behind it, which keeps large high-priority scans from being
// starved by small later ones.
func (o *Orchestrator) drainQueue(ctx context.Context) {
	for ctx.Err() == nil {
		exec := o.queue.peek()
		if exec == nil {
			return
		}
		_, requirement := exec.executionPlan()

		if !o.tryAdmit(exec, requirement) {
			return
		}
		if !o.queue.remove(exec.id) {
			// Lost the race against a concurrent cancel; give the slot back.
			o.pool.release(exec.id)
			o.active.Add(-1)
			continue
		}
		exec.markQueued(false)

		now := o.clock.Now()
		snap := exec.snapshot(false)
		waited := now.Sub(snap.SubmittedAt)
		o.stats.admitted.Add(1)
		EmitScanAdmitted(snap.Priority, waited)
		o.logger.Info("Queued scan admitted", map[string]interface{}{
			"execution_id": exec.id,
			"priority":     snap.Priority.String(),
			"waited":       waited.String(),
		})
		o.startRunner(exec)
	}
}

// sweepLoop reclaims expired allocations. Executions that overstay their
// estimate plus grace lose their resources and are terminated.
func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.clock.After(o.config.ResourceMonitoringInterval):
		}

		now := o.clock.Now()
		expired := o.pool.releaseExpired(now)
		for _, id := range expired {
			EmitAllocationExpired()

			o.mu.RLock()
			exec := o.executions[id]
			o.mu.RUnlock()
			if exec == nil {
				continue
			}
			if exec.requestCancel(core.ErrAllocationExpired, now, false) {
				// The allocation is already gone, so there is nothing
				// left to wind down gracefully.
				exec.interrupt()
				o.logger.Warn("Allocation expired, terminating execution", map[string]interface{}{
					"execution_id": id,
				})
			}
		}
		if len(expired) > 0 {
			o.wakeDispatch()
		}
	}
}

// metricsLoop refreshes the utilization gauges.
func (o *Orchestrator) metricsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.clock.After(o.config.ResourceMonitoringInterval):
		}
		EmitOrchestratorGauges(int(o.active.Load()), o.queue.len(), o.pool.status())
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Finalization
// ═══════════════════════════════════════════════════════════════════════════

// finalizeExecution moves an execution to its terminal state exactly once:
// releases its allocation, records history, publishes the terminal event
// and drops it from the live table. admitted reports whether the execution
// held a concurrency slot.
func (o *Orchestrator) finalizeExecution(exec *execution, state ExecutionState, cause error, admitted bool) {
	now := o.clock.Now()
	if !exec.finalize(state, now, cause) {
		return
	}

	o.pool.release(exec.id)

	causeLabel := "none"
	switch state {
	case StateCompleted:
		o.stats.completed.Add(1)
	case StateFailed:
		o.stats.failed.Add(1)
		causeLabel = "failed"
	case StateCancelled:
		switch {
		case errors.Is(cause, core.ErrTimeout):
			o.stats.timedOut.Add(1)
			causeLabel = "timeout"
		case errors.Is(cause, core.ErrAllocationExpired):
			o.stats.expired.Add(1)
			causeLabel = "allocation_expired"
		default:
			o.stats.cancelled.Add(1)
			causeLabel = "cancelled"
		}
	}

	snap := exec.snapshot(true)
	rec := recordFromSnapshot(snap, exec.request)
	if state == StateCompleted && !rec.StartedAt.IsZero() {
		o.stats.completedRunMillis.Add(rec.Duration.Milliseconds())
	}
	if err := o.history.Record(context.Background(), rec); err != nil {
		o.logger.Warn("History record failed", map[string]interface{}{
			"execution_id": exec.id,
			"error":        err.Error(),
		})
	}

	EmitScanTerminal(state, causeLabel, rec.Duration)
	o.hub.publish(exec.event(now), true)

	o.mu.Lock()
	delete(o.executions, exec.id)
	o.mu.Unlock()
	if admitted {
		o.active.Add(-1)
	}
	o.wakeDispatch()

	fields := map[string]interface{}{
		"execution_id": exec.id,
		"state":        string(state),
		"duration":     rec.Duration.String(),
		"rules_total":  rec.RulesTotal,
		"rules_failed": rec.RulesFailed,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	switch state {
	case StateCompleted:
		o.logger.Info("Execution completed", fields)
	default:
		o.logger.Warn("Execution finished without completing", fields)
	}
}
