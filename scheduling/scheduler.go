// Package scheduling decides when scans run. The Scheduler places every
// request in time, immediately, at a pinned instant, on a cron expression,
// or by placement heuristic, gates it on the completion of other
// schedules, dispatches due work to the orchestrator through a narrow
// submission interface, and retries failed runs on a fixed back-off
// budget. A single supervised tick loop drives dispatch, outcome polling,
// dependency promotion and cron recurrence.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scanweave/scanweave/core"
)

const (
	// dependencyRecheck is how long a due schedule with unsatisfied
	// dependencies waits before the next readiness check.
	dependencyRecheck = 30 * time.Second

	// queueFullBackoff is how long a dispatch rejected for orchestrator
	// back-pressure waits before the next try. Back-pressure never
	// consumes a retry attempt.
	queueFullBackoff = 30 * time.Second
)

// ScanOutcome is the terminal summary of one dispatched execution.
type ScanOutcome struct {
	Terminal  bool
	Succeeded bool
	Error     string
}

// ScanSubmitter is the slice of the orchestrator the scheduler drives.
// Implementations must be safe for concurrent use.
type ScanSubmitter interface {
	// SubmitScan admits a due request and returns its execution ID.
	SubmitScan(ctx context.Context, req *core.ScanRequest, plan core.PlanStrategy, priority core.Priority) (string, error)

	// ScanOutcome reports whether an execution has terminated and how.
	ScanOutcome(ctx context.Context, executionID string) (ScanOutcome, error)

	// CancelScan stops an execution the scheduler no longer wants.
	CancelScan(ctx context.Context, executionID string, force bool) error
}

// ScheduleOptions tune one Schedule call. The zero value places the
// request immediately, with its own priority and the orchestrator's
// default plan strategy.
type ScheduleOptions struct {
	// Strategy picks the placement algorithm. Empty means immediate.
	Strategy core.ScheduleStrategy

	// Plan is forwarded to the orchestrator at dispatch. Empty lets the
	// orchestrator default.
	Plan core.PlanStrategy

	// Priority overrides the request's priority when set.
	Priority core.Priority
}

// Options carries the optional collaborators of a Scheduler.
type Options struct {
	// TimingAdvisor refines optimal-time placement. It is consulted
	// through a circuit breaker; a nil or failing advisor falls back to
	// the placement heuristics.
	TimingAdvisor core.TimingAdvisor

	// Predictor supplies the load projection behind resource-based
	// placement. Defaults to a fresh predictor.
	Predictor *LoadPredictor

	// Utilization anchors the predictor with live pool utilization once
	// per tick. Optional.
	Utilization UtilizationSource

	// Logger receives structured logs. Defaults to no logging.
	Logger core.Logger

	// Clock substitutes time for tests. Defaults to the system clock.
	Clock core.Clock
}

// SchedulerStatus aggregates scheduler state for operators.
type SchedulerStatus struct {
	Running  bool      `json:"running"`
	Pending  int       `json:"pending"`
	Blocked  int       `json:"blocked"`
	Inflight int       `json:"inflight"`
	NextDue  time.Time `json:"next_due,omitempty"`

	Scheduled   int64 `json:"scheduled"`
	Dispatched  int64 `json:"dispatched"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	Retries     int64 `json:"retries"`
	Recurrences int64 `json:"recurrences"`
	Promotions  int64 `json:"promotions"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// schedStats holds the scheduler's monotonic counters.
type schedStats struct {
	scheduled   atomic.Int64
	dispatched  atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	retries     atomic.Int64
	recurrences atomic.Int64
	promotions  atomic.Int64
}

// Scheduler owns schedule placement and dispatch. One mutex guards all
// live schedule state; the rings of terminal snapshots bound memory for
// history lookups.
type Scheduler struct {
	config core.SchedulerConfig
	logger core.Logger
	clock  core.Clock

	submitter   ScanSubmitter
	placer      *placer
	predictor   *LoadPredictor
	utilization UtilizationSource

	mu         sync.Mutex
	seq        uint64
	schedules  map[string]*schedule
	pending    *pendingQueue
	inflight   map[string]*schedule
	dependents map[string][]string

	// done keeps the terminal state of every schedule ever resolved so
	// later arrivals can depend on it after its snapshot has been evicted
	// from the rings.
	done map[string]ScheduleState

	completed *core.Ring[*Snapshot]
	failed    *core.Ring[*Snapshot]

	stats     schedStats
	startedAt time.Time

	running    atomic.Bool
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// NewScheduler builds a scheduler that dispatches through submitter.
// config may be nil for defaults; opts may be nil.
func NewScheduler(config *core.Config, submitter ScanSubmitter, opts *Options) (*Scheduler, error) {
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
	predictor := opts.Predictor
	if predictor == nil {
		predictor = NewLoadPredictor()
	}

	s := &Scheduler{
		config:      config.Scheduler,
		logger:      core.WithComponent(base, "scheduler"),
		clock:       clock,
		submitter:   submitter,
		predictor:   predictor,
		utilization: opts.Utilization,
		schedules:   make(map[string]*schedule),
		pending:     newPendingQueue(),
		inflight:    make(map[string]*schedule),
		dependents:  make(map[string][]string),
		done:        make(map[string]ScheduleState),
		completed:   core.NewRing[*Snapshot](config.History.CompletedSize),
		failed:      core.NewRing[*Snapshot](config.History.FailedSize),
	}
	s.placer = newPlacer(config.Calendar, opts.TimingAdvisor, predictor, base, s.pendingLen)
	return s, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// Start launches the tick loop and opens the scheduler for requests. It
// returns immediately; ctx bounds the lifetime of the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("scheduler: %w", core.ErrAlreadyStarted)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	s.loopCancel = loopCancel

	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		core.Supervise(loopCtx, core.LoopConfig{
			Name:   "scheduler-tick",
			Clock:  s.clock,
			Logger: s.logger,
		}, s.tickLoop)
	}()

	s.logger.Info("Scheduler started", map[string]interface{}{
		"tick":           s.config.Tick.String(),
		"retry_attempts": s.config.RetryAttempts,
		"retry_delay":    s.config.RetryDelay.String(),
	})
	return nil
}

// Stop halts the tick loop. Schedules stay in memory: a restarted
// scheduler resumes dispatching them. Running executions are left to the
// orchestrator. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.mu.Lock()
	pending := s.pending.len()
	inflight := len(s.inflight)
	s.mu.Unlock()
	s.logger.Info("Scheduler stopping", map[string]interface{}{
		"pending":  pending,
		"inflight": inflight,
	})

	s.loopCancel()
	done := make(chan struct{})
	go func() {
		s.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Scheduler stopped", nil)
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.config.Tick):
		}
		s.tick(ctx)
	}
}

// tick is one scheduler heartbeat: sample utilization, resolve finished
// executions, then dispatch whatever is due. Resolution runs first so
// dependents of just-finished schedules can dispatch in the same tick.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	if s.utilization != nil {
		s.predictor.Observe(now, s.utilization.PoolUtilization(ctx))
	}
	s.pollInflight(ctx, now)
	s.dispatchDue(ctx, now)

	s.mu.Lock()
	pending := s.pending.len()
	blocked := 0
	for _, sched := range s.schedules {
		if sched.state == SchedulePending {
			blocked++
		}
	}
	inflight := len(s.inflight)
	s.mu.Unlock()
	EmitSchedulerGauges(pending, blocked, inflight)
}

// ═══════════════════════════════════════════════════════════════════════════
// Placement
// ═══════════════════════════════════════════════════════════════════════════

// Schedule places req and returns the schedule ID. The due time comes from
// the request's cron expression, its pinned ScheduledAt, or the placement
// strategy, in that order of precedence. The caller's request is never
// mutated.
func (s *Scheduler) Schedule(ctx context.Context, req *core.ScanRequest, opts ScheduleOptions) (string, error) {
	if !s.running.Load() {
		return "", fmt.Errorf("scheduler: %w", core.ErrNotStarted)
	}
	if req == nil {
		return "", fmt.Errorf("%w: nil request", core.ErrInvalidRequest)
	}

	r := *req
	if opts.Priority.Valid() {
		r.Priority = opts.Priority
	}
	now := s.clock.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if err := r.Validate(); err != nil {
		EmitScheduleRejected("invalid")
		return "", err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = core.ScheduleImmediate
	}
	if !strategy.Valid() {
		EmitScheduleRejected("invalid")
		return "", fmt.Errorf("%w: unknown scheduling strategy %q", core.ErrInvalidRequest, strategy)
	}
	if opts.Plan != "" && !opts.Plan.Valid() {
		EmitScheduleRejected("invalid")
		return "", fmt.Errorf("%w: unknown plan strategy %q", core.ErrInvalidRequest, opts.Plan)
	}

	var cronNext cron.Schedule
	var due time.Time
	switch {
	case r.Cron != "":
		parsed, err := cron.ParseStandard(r.Cron)
		if err != nil {
			EmitScheduleRejected("invalid")
			return "", fmt.Errorf("%w: cron expression %q: %v", core.ErrInvalidRequest, r.Cron, err)
		}
		cronNext = parsed
		due = parsed.Next(now)
	case r.ScheduledAt != nil:
		due = *r.ScheduledAt
	default:
		due = s.placer.place(ctx, &r, strategy, now)
		if s.config.MinLeadTime > 0 {
			if floor := now.Add(s.config.MinLeadTime); due.Before(floor) {
				due = floor
			}
		}
	}

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.RetryAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	s.mu.Lock()
	for _, dep := range r.DependsOn {
		if _, live := s.schedules[dep]; live {
			continue
		}
		st, terminal := s.done[dep]
		if terminal && st == ScheduleCompleted {
			continue
		}
		s.mu.Unlock()
		EmitScheduleRejected("invalid")
		if terminal {
			return "", fmt.Errorf("%w: dependency %q already failed", core.ErrInvalidRequest, dep)
		}
		return "", fmt.Errorf("%w: unknown dependency %q", core.ErrInvalidRequest, dep)
	}

	s.seq++
	sched := &schedule{
		id:          core.NewID("sched"),
		seq:         s.seq,
		req:         r,
		strategy:    strategy,
		plan:        opts.Plan,
		state:       ScheduleScheduled,
		due:         due,
		createdAt:   now,
		queuedSince: now,
		cronNext:    cronNext,
		maxAttempts: maxAttempts,
		occurrence:  1,
	}
	if ready, _ := s.readinessLocked(sched); !ready {
		sched.state = SchedulePending
	}
	s.schedules[sched.id] = sched
	s.registerDependentsLocked(sched)
	s.pending.push(sched)
	s.mu.Unlock()

	s.stats.scheduled.Add(1)
	EmitScheduleCreated(r.Priority, strategy)
	s.logger.Info("Scan scheduled", map[string]interface{}{
		"schedule_id":    sched.id,
		"data_source_id": r.DataSourceID,
		"strategy":       string(strategy),
		"due":            due.Format(time.RFC3339),
	})
	return sched.id, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Dispatch
// ═══════════════════════════════════════════════════════════════════════════

// dispatchDue drains everything due at now and hands it to the
// orchestrator. The due batch is ordered by starvation-adjusted priority,
// so at equal due times urgent work goes first and long-waiting work
// catches up.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	batch := s.pending.popDue(now)
	if len(batch) == 0 {
		s.mu.Unlock()
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		wi := effectiveWeight(batch[i], now, s.config.StarvationAge)
		wj := effectiveWeight(batch[j], now, s.config.StarvationAge)
		if wi != wj {
			return wi < wj
		}
		if !batch[i].due.Equal(batch[j].due) {
			return batch[i].due.Before(batch[j].due)
		}
		return batch[i].seq < batch[j].seq
	})

	var dispatches []*schedule
	for _, sched := range batch {
		ready, failedDep := s.readinessLocked(sched)
		if failedDep != "" {
			s.failLocked(sched, "dependency", fmt.Sprintf("%v: dependency %s did not complete", core.ErrDependencyUnsatisfied, failedDep), now)
			continue
		}
		if !ready {
			sched.state = SchedulePending
			sched.due = now.Add(dependencyRecheck)
			s.pending.push(sched)
			EmitScheduleBlocked()
			continue
		}
		dispatches = append(dispatches, sched)
	}
	s.mu.Unlock()

	for _, sched := range dispatches {
		s.dispatch(ctx, sched, now)
	}
}

// dispatch submits one due schedule. Back-pressure re-queues it intact;
// any other submission error consumes an attempt.
func (s *Scheduler) dispatch(ctx context.Context, sched *schedule, now time.Time) {
	req := sched.req
	execID, err := s.submitter.SubmitScan(ctx, &req, sched.plan, req.Priority)

	var chase string
	s.mu.Lock()
	switch {
	case err != nil && sched.cancelled:
		// Cancelled in the window between due-pop and submission; the
		// failed submit settles it.
		s.cancelledLocked(sched, now)
	case err != nil && errors.Is(err, core.ErrQueueFull):
		sched.state = ScheduleScheduled
		sched.due = now.Add(queueFullBackoff)
		s.pending.push(sched)
		EmitScheduleDeferred()
		s.logger.Warn("Orchestrator queue full, dispatch deferred", map[string]interface{}{
			"schedule_id": sched.id,
			"retry_at":    sched.due.Format(time.RFC3339),
		})
	case err != nil:
		sched.attempts++
		s.retryOrFailLocked(sched, err.Error(), now)
	default:
		sched.attempts++
		sched.state = ScheduleRunning
		sched.executionID = execID
		s.inflight[sched.id] = sched
		s.stats.dispatched.Add(1)
		EmitScheduleDispatched(req.Priority, now.Sub(sched.queuedSince))
		s.logger.Info("Schedule dispatched", map[string]interface{}{
			"schedule_id":  sched.id,
			"execution_id": execID,
			"attempt":      sched.attempts,
		})
		if sched.cancelled {
			// Cancelled in the window between due-pop and submission.
			chase = execID
		}
	}
	s.mu.Unlock()

	if chase != "" {
		if cerr := s.submitter.CancelScan(ctx, chase, false); cerr != nil {
			s.logger.Debug("Cancel of freshly dispatched execution failed", map[string]interface{}{
				"execution_id": chase,
				"error":        cerr.Error(),
			})
		}
	}
}

// pollInflight checks every running execution for a terminal outcome and
// resolves completions, retries and recurrences.
func (s *Scheduler) pollInflight(ctx context.Context, now time.Time) {
	s.mu.Lock()
	polls := make([]*schedule, 0, len(s.inflight))
	for _, sched := range s.inflight {
		polls = append(polls, sched)
	}
	sort.Slice(polls, func(i, j int) bool { return polls[i].seq < polls[j].seq })
	s.mu.Unlock()

	for _, sched := range polls {
		outcome, err := s.submitter.ScanOutcome(ctx, sched.executionID)
		if err != nil {
			if core.IsNotFound(err) {
				// The orchestrator no longer knows the execution; treat
				// the attempt as lost.
				s.resolveOutcome(sched, ScanOutcome{Terminal: true, Error: err.Error()}, now)
				continue
			}
			s.logger.Debug("Execution status poll failed", map[string]interface{}{
				"schedule_id":  sched.id,
				"execution_id": sched.executionID,
				"error":        err.Error(),
			})
			continue
		}
		if !outcome.Terminal {
			continue
		}
		s.resolveOutcome(sched, outcome, now)
	}
}

// resolveOutcome applies a terminal execution outcome to its schedule. A
// successful run completes the schedule even when a late cancel raced it;
// a cancelled schedule is archived without retry.
func (s *Scheduler) resolveOutcome(sched *schedule, outcome ScanOutcome, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[sched.id]; !ok {
		return
	}
	delete(s.inflight, sched.id)

	switch {
	case outcome.Succeeded:
		s.completeLocked(sched, now)
	case sched.cancelled:
		s.cancelledLocked(sched, now)
	default:
		msg := outcome.Error
		if msg == "" {
			msg = core.ErrExecutionFailed.Error()
		}
		s.retryOrFailLocked(sched, msg, now)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Resolution
// ═══════════════════════════════════════════════════════════════════════════

// completeLocked finishes a schedule, spawns its cron successor and wakes
// its dependents.
func (s *Scheduler) completeLocked(sched *schedule, now time.Time) {
	sched.state = ScheduleCompleted
	sched.completedAt = now
	if sched.cronNext != nil && !sched.cancelled {
		next := s.spawnRecurrenceLocked(sched, now)
		sched.nextID = next.id
	}
	s.stats.completed.Add(1)
	EmitScheduleTerminal(ScheduleCompleted, "completed")
	s.archiveLocked(sched, s.completed)
	s.notifyDependentsLocked(sched.id, now)
	s.logger.Info("Schedule completed", map[string]interface{}{
		"schedule_id":  sched.id,
		"execution_id": sched.executionID,
		"attempts":     sched.attempts,
	})
}

// spawnRecurrenceLocked queues the next occurrence of a cron schedule as a
// fresh schedule, so every run gets its own attempt budget and history
// entry.
func (s *Scheduler) spawnRecurrenceLocked(parent *schedule, now time.Time) *schedule {
	req := parent.req
	// Each occurrence submits as a fresh request.
	req.ID = ""

	s.seq++
	next := &schedule{
		id:          core.NewID("sched"),
		seq:         s.seq,
		req:         req,
		strategy:    parent.strategy,
		plan:        parent.plan,
		state:       ScheduleScheduled,
		due:         parent.cronNext.Next(now),
		createdAt:   now,
		queuedSince: now,
		cronNext:    parent.cronNext,
		maxAttempts: parent.maxAttempts,
		occurrence:  parent.occurrence + 1,
	}
	if ready, _ := s.readinessLocked(next); !ready {
		next.state = SchedulePending
	}
	s.schedules[next.id] = next
	s.registerDependentsLocked(next)
	s.pending.push(next)

	s.stats.recurrences.Add(1)
	EmitScheduleRecurred()
	s.logger.Info("Recurring schedule queued", map[string]interface{}{
		"schedule_id": parent.id,
		"next_id":     next.id,
		"occurrence":  next.occurrence,
		"due":         next.due.Format(time.RFC3339),
	})
	return next
}

// retryOrFailLocked queues another attempt after the retry delay, or
// archives the schedule once its attempt budget is spent.
func (s *Scheduler) retryOrFailLocked(sched *schedule, errMsg string, now time.Time) {
	sched.lastError = errMsg
	if sched.attempts >= sched.maxAttempts {
		s.failLocked(sched, "failed", fmt.Sprintf("%v after %d attempts: %s", core.ErrMaxRetriesExceeded, sched.attempts, errMsg), now)
		return
	}

	sched.state = ScheduleRescheduled
	sched.due = now.Add(s.config.RetryDelay)
	sched.queuedSince = now
	sched.executionID = ""
	s.pending.push(sched)
	s.stats.retries.Add(1)
	EmitScheduleRetried(sched.req.Priority, sched.attempts)
	s.logger.Info("Schedule retry queued", map[string]interface{}{
		"schedule_id": sched.id,
		"attempt":     sched.attempts,
		"due":         sched.due.Format(time.RFC3339),
		"error":       errMsg,
	})
}

// failLocked archives a schedule as terminally failed.
func (s *Scheduler) failLocked(sched *schedule, cause, msg string, now time.Time) {
	sched.state = ScheduleFailed
	sched.lastError = msg
	sched.completedAt = now
	s.stats.failed.Add(1)
	EmitScheduleTerminal(ScheduleFailed, cause)
	s.archiveLocked(sched, s.failed)
	s.logger.Warn("Schedule failed", map[string]interface{}{
		"schedule_id": sched.id,
		"attempts":    sched.attempts,
		"error":       msg,
	})
}

// cancelledLocked archives a schedule cancelled by the caller.
func (s *Scheduler) cancelledLocked(sched *schedule, now time.Time) {
	sched.state = ScheduleFailed
	sched.lastError = core.ErrCancelled.Error()
	sched.completedAt = now
	s.stats.cancelled.Add(1)
	EmitScheduleTerminal(ScheduleFailed, "cancelled")
	s.archiveLocked(sched, s.failed)
	s.logger.Info("Schedule cancelled", map[string]interface{}{
		"schedule_id": sched.id,
		"attempts":    sched.attempts,
	})
}

// archiveLocked snapshots sched into ring and forgets the live entry. The
// terminal state stays in done so later schedules can still depend on it.
func (s *Scheduler) archiveLocked(sched *schedule, ring *core.Ring[*Snapshot]) {
	ring.Push(sched.snapshot())
	delete(s.schedules, sched.id)
	s.done[sched.id] = sched.state
}

// ═══════════════════════════════════════════════════════════════════════════
// Dependencies
// ═══════════════════════════════════════════════════════════════════════════

// readinessLocked reports whether every dependency of sched has completed.
// A terminally failed dependency poisons the dependent: it can never
// become ready, and failedDep names the culprit.
func (s *Scheduler) readinessLocked(sched *schedule) (ready bool, failedDep string) {
	for _, dep := range sched.req.DependsOn {
		st, terminal := s.done[dep]
		if !terminal {
			return false, ""
		}
		if st != ScheduleCompleted {
			return false, dep
		}
	}
	return true, ""
}

func (s *Scheduler) registerDependentsLocked(sched *schedule) {
	for _, dep := range sched.req.DependsOn {
		if _, terminal := s.done[dep]; terminal {
			continue
		}
		s.dependents[dep] = append(s.dependents[dep], sched.id)
	}
}

// notifyDependentsLocked re-checks every schedule waiting on id. Ready
// urgent dependents are pulled forward to the promotion delay so critical
// chains keep moving between their original placements.
func (s *Scheduler) notifyDependentsLocked(id string, now time.Time) {
	ids := s.dependents[id]
	delete(s.dependents, id)
	for _, depID := range ids {
		sched, ok := s.schedules[depID]
		if !ok {
			continue
		}
		ready, _ := s.readinessLocked(sched)
		if !ready {
			continue
		}
		if sched.state == SchedulePending {
			sched.state = ScheduleScheduled
		}
		if sched.req.Priority > core.PriorityHigh {
			continue
		}
		promoted := now.Add(s.config.PromotionDelay)
		if promoted.Before(sched.due) && s.pending.updateDue(sched.id, promoted) {
			s.stats.promotions.Add(1)
			EmitSchedulePromoted(sched.req.Priority)
			s.logger.Info("Ready dependent promoted", map[string]interface{}{
				"schedule_id": sched.id,
				"due":         promoted.Format(time.RFC3339),
			})
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Inspection and control
// ═══════════════════════════════════════════════════════════════════════════

// Cancel stops a schedule. Queued schedules are archived right away;
// running ones have their execution cancelled and are archived when the
// outcome lands. Terminal schedules are not cancellable.
func (s *Scheduler) Cancel(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		if snap := s.findArchived(scheduleID); snap != nil {
			return fmt.Errorf("%w: schedule is %s", core.ErrNotCancellable, snap.State)
		}
		return fmt.Errorf("%w: %s", core.ErrScheduleNotFound, scheduleID)
	}

	now := s.clock.Now()
	if s.pending.remove(scheduleID) {
		sched.cancelled = true
		s.cancelledLocked(sched, now)
		s.mu.Unlock()
		return nil
	}

	sched.cancelled = true
	execID := sched.executionID
	_, running := s.inflight[scheduleID]
	s.mu.Unlock()

	if running {
		if err := s.submitter.CancelScan(ctx, execID, false); err != nil {
			// The poll loop settles the true outcome either way.
			s.logger.Debug("Execution cancel failed", map[string]interface{}{
				"schedule_id":  scheduleID,
				"execution_id": execID,
				"error":        err.Error(),
			})
		}
	}
	s.logger.Info("Schedule cancel requested", map[string]interface{}{
		"schedule_id": scheduleID,
	})
	return nil
}

// Get returns the schedule's current snapshot, live or archived.
func (s *Scheduler) Get(ctx context.Context, scheduleID string) (*Snapshot, error) {
	s.mu.Lock()
	if sched, ok := s.schedules[scheduleID]; ok {
		snap := sched.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if snap := s.findArchived(scheduleID); snap != nil {
		return snap, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrScheduleNotFound, scheduleID)
}

// List returns a snapshot of every live schedule, soonest due first.
func (s *Scheduler) List(ctx context.Context) []*Snapshot {
	s.mu.Lock()
	snaps := make([]*Snapshot, 0, len(s.schedules))
	for _, sched := range s.schedules {
		snaps = append(snaps, sched.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].Due.Equal(snaps[j].Due) {
			return snaps[i].Due.Before(snaps[j].Due)
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// History returns archived terminal snapshots, newest first: completions
// and failures interleaved by completion time.
func (s *Scheduler) History(ctx context.Context, limit int) []*Snapshot {
	merged := append(s.completed.Items(), s.failed.Items()...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CompletedAt.After(merged[j].CompletedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Status reports aggregate scheduler state.
func (s *Scheduler) Status(ctx context.Context) *SchedulerStatus {
	st := &SchedulerStatus{
		Running:     s.running.Load(),
		Scheduled:   s.stats.scheduled.Load(),
		Dispatched:  s.stats.dispatched.Load(),
		Completed:   s.stats.completed.Load(),
		Failed:      s.stats.failed.Load(),
		Cancelled:   s.stats.cancelled.Load(),
		Retries:     s.stats.retries.Load(),
		Recurrences: s.stats.recurrences.Load(),
		Promotions:  s.stats.promotions.Load(),
	}

	s.mu.Lock()
	st.Pending = s.pending.len()
	st.Inflight = len(s.inflight)
	for _, sched := range s.schedules {
		if sched.state == SchedulePending {
			st.Blocked++
		}
	}
	if due, ok := s.pending.peekDue(); ok {
		st.NextDue = due
	}
	st.StartedAt = s.startedAt
	s.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = s.clock.Now().Sub(st.StartedAt)
	}
	return st
}

func (s *Scheduler) findArchived(id string) *Snapshot {
	for _, snap := range s.completed.Items() {
		if snap.ID == id {
			return snap
		}
	}
	for _, snap := range s.failed.Items() {
		if snap.ID == id {
			return snap
		}
	}
	return nil
}

func (s *Scheduler) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}
