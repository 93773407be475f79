package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scanweave/scanweave/core"
)

const testSourceID = "ds-orders"

// testDataSources implements core.DataSourceService for orchestrator
// testing. Sources exist when they have metadata registered.
type testDataSources struct {
	mu          sync.Mutex
	meta        map[string]*core.DataSourceMetadata
	validateErr error
	metaErr     error
}

func newTestDataSources() *testDataSources {
	return &testDataSources{meta: make(map[string]*core.DataSourceMetadata)}
}

func (d *testDataSources) setMetadata(id string, meta *core.DataSourceMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta[id] = meta
}

func (d *testDataSources) setMetadataError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metaErr = err
}

func (d *testDataSources) Validate(ctx context.Context, dataSourceID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.validateErr != nil {
		return false, d.validateErr
	}
	_, ok := d.meta[dataSourceID]
	return ok, nil
}

func (d *testDataSources) Metadata(ctx context.Context, dataSourceID string) (*core.DataSourceMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metaErr != nil {
		return nil, d.metaErr
	}
	meta, ok := d.meta[dataSourceID]
	if !ok {
		return nil, fmt.Errorf("unknown data source %s", dataSourceID)
	}
	return meta, nil
}

// testRules implements core.RuleService. Execution can be gated so tests
// hold an execution mid-stage, and individual rules can be made to fail a
// fixed number of times.
type testRules struct {
	mu          sync.Mutex
	validation  *core.RuleValidation
	kinds       map[string]string
	failures    map[string]int
	describeErr error
	executed    []string
	gate        chan struct{}
}

func newTestRules() *testRules {
	return &testRules{
		validation: &core.RuleValidation{OK: true},
		kinds:      make(map[string]string),
		failures:   make(map[string]int),
	}
}

// holdRules makes every subsequent ExecuteRule block until the returned
// release func is called or the rule's context ends.
func (r *testRules) holdRules() func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (r *testRules) failTimes(ruleID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[ruleID] = n
}

func (r *testRules) executedRules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func (r *testRules) Validate(ctx context.Context, ruleIDs []string) (*core.RuleValidation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validation, nil
}

func (r *testRules) Describe(ctx context.Context, ruleIDs []string) ([]core.RuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.describeErr != nil {
		return nil, r.describeErr
	}
	infos := make([]core.RuleInfo, len(ruleIDs))
	for i, id := range ruleIDs {
		infos[i] = core.RuleInfo{ID: id, Kind: r.kinds[id], Complexity: 1}
	}
	return infos, nil
}

func (r *testRules) ExecuteRule(ctx context.Context, ruleID string, req *core.ScanRequest) (*core.RuleResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, ruleID)
	gate := r.gate
	fail := r.failures[ruleID] > 0
	if fail {
		r.failures[ruleID]--
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("rule %s failed", ruleID)
	}
	return &core.RuleResult{RuleID: ruleID, Handle: "res-" + ruleID}, nil
}

// orchHarness wires an orchestrator over the test fakes with a fake clock.
// The registered metadata yields a 50 minute estimate with CPU 10, memory
// 5000, DB connections 3, so a five rule parallel plan batches in twos.
type orchHarness struct {
	orch    *Orchestrator
	clock   *core.FakeClock
	sources *testDataSources
	rules   *testRules
	release func()
}

func newOrchHarness(t *testing.T, mutate func(*core.Config)) *orchHarness {
	t.Helper()

	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	clock := core.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sources := newTestDataSources()
	sources.setMetadata(testSourceID, &core.DataSourceMetadata{
		EstimatedRows: 500_000,
		Tables:        sequenceNames("table", 30),
		Columns:       sequenceNames("col", 40),
	})
	rules := newTestRules()

	orch, err := NewOrchestrator(cfg, sources, rules, &Options{Clock: clock})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h := &orchHarness{orch: orch, clock: clock, sources: sources, rules: rules}
	t.Cleanup(func() {
		if h.release != nil {
			h.release()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return h
}

func (h *orchHarness) holdRules() func() {
	h.release = h.rules.holdRules()
	return h.release
}

func (h *orchHarness) submit(t *testing.T, req *core.ScanRequest, strategy core.PlanStrategy) *SubmitReceipt {
	t.Helper()
	receipt, err := h.orch.Submit(context.Background(), req, strategy, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return receipt
}

// waitTerminal polls history until the execution's terminal record lands.
func (h *orchHarness) waitTerminal(t *testing.T, executionID string) *Record {
	t.Helper()
	var rec *Record
	waitUntil(t, "terminal record for "+executionID, func() bool {
		recs, err := h.orch.History(context.Background(), HistoryFilter{ExecutionID: executionID, Limit: 1})
		if err != nil || len(recs) == 0 {
			return false
		}
		rec = recs[0]
		return true
	})
	return rec
}

// waitExecuted polls until at least n rule dispatches have been recorded.
func (h *orchHarness) waitExecuted(t *testing.T, n int) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("%d rule dispatches", n), func() bool {
		return len(h.rules.executedRules()) >= n
	})
}

// waitWaiters polls until exactly n timers are parked on the fake clock.
// Tests use it to confirm every goroutine reached its wait before the
// clock advances.
func (h *orchHarness) waitWaiters(t *testing.T, n int) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("%d clock waiters", n), func() bool {
		return h.clock.Waiters() == n
	})
}

// waitUntil polls cond until it holds. The fake clock keeps the
// orchestrator's own timers frozen, so real time here only bounds
// goroutine scheduling.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sequenceNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}
	return out
}

func scanRequest(ruleIDs ...string) *core.ScanRequest {
	return &core.ScanRequest{
		DataSourceID: testSourceID,
		Type:         core.ScanTypeFull,
		RuleIDs:      ruleIDs,
		Priority:     core.PriorityNormal,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Submission and execution
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_SubmitRunsToCompletion(t *testing.T) {
	h := newOrchHarness(t, nil)

	receipt := h.submit(t, scanRequest("r1", "r2", "r3", "r4", "r5"), core.PlanParallel)
	if receipt.Queued {
		t.Fatal("Submit() queued the scan, want direct admission")
	}
	if receipt.ExecutionID == "" || receipt.RequestID == "" {
		t.Fatalf("Submit() receipt missing identifiers: %+v", receipt)
	}

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", rec.State)
	}
	if rec.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", rec.Progress)
	}
	if rec.CurrentStep != "complete" {
		t.Errorf("CurrentStep = %q, want complete", rec.CurrentStep)
	}
	if rec.RulesTotal != 5 || rec.RulesFailed != 0 {
		t.Errorf("RulesTotal = %d, RulesFailed = %d, want 5 and 0", rec.RulesTotal, rec.RulesFailed)
	}

	// CPU 10 and 3 DB connections batch five rules into stages of 2, 2, 1.
	if len(rec.Stages) != 3 {
		t.Fatalf("stage count = %d, want 3", len(rec.Stages))
	}
	for i, stage := range rec.Stages {
		if stage.Mode != StageParallel {
			t.Errorf("stage %d mode = %s, want parallel", i, stage.Mode)
		}
		if stage.Attempt != 1 {
			t.Errorf("stage %d attempt = %d, want 1", i, stage.Attempt)
		}
		if stage.Failed != 0 {
			t.Errorf("stage %d failed = %d, want 0", i, stage.Failed)
		}
	}

	executed := h.rules.executedRules()
	sort.Strings(executed)
	if want := []string{"r1", "r2", "r3", "r4", "r5"}; !equalStrings(executed, want) {
		t.Errorf("executed rules = %v, want %v", executed, want)
	}

	m := h.orch.Metrics(context.Background())
	if m.Submitted != 1 || m.Admitted != 1 || m.Completed != 1 {
		t.Errorf("counters = submitted %d admitted %d completed %d, want 1 1 1", m.Submitted, m.Admitted, m.Completed)
	}
	if m.RulesExecuted != 5 || m.RulesFailed != 0 {
		t.Errorf("rule counters = %d executed %d failed, want 5 and 0", m.RulesExecuted, m.RulesFailed)
	}
	if m.ActiveExecutions != 0 || m.Pool.Allocations != 0 {
		t.Errorf("still holding after completion: active %d allocations %d", m.ActiveExecutions, m.Pool.Allocations)
	}
	if m.Pool.Used.CPUPercent != 0 || m.Pool.Used.MemoryMB != 0 {
		t.Errorf("pool usage not returned: %+v", m.Pool.Used)
	}

	// Terminal executions are served from history.
	snap, err := h.orch.Status(context.Background(), receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Status() after completion error = %v", err)
	}
	if snap.State != StateCompleted || snap.Progress != 1.0 {
		t.Errorf("Status() = %s at %v, want completed at 1.0", snap.State, snap.Progress)
	}
}

func TestOrchestrator_QueueBackpressure(t *testing.T) {
	h := newOrchHarness(t, func(cfg *core.Config) {
		cfg.Orchestrator.MaxConcurrentScans = 1
		cfg.Orchestrator.MaxQueueSize = 1
	})
	release := h.holdRules()

	first := h.submit(t, scanRequest("r1", "r2"), core.PlanParallel)
	if first.Queued {
		t.Fatal("first submission queued, want direct admission")
	}
	h.waitExecuted(t, 1)

	second := h.submit(t, scanRequest("r1", "r2"), core.PlanParallel)
	if !second.Queued {
		t.Fatal("second submission admitted, want queued")
	}
	if second.QueuePosition != 0 {
		t.Errorf("QueuePosition = %d, want 0", second.QueuePosition)
	}
	// One running execution with a 50 minute estimate and one busy slot.
	if second.EstimatedWait != 50*time.Minute {
		t.Errorf("EstimatedWait = %s, want 50m", second.EstimatedWait)
	}

	_, err := h.orch.Submit(context.Background(), scanRequest("r1"), core.PlanParallel, 0)
	if !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("third submission error = %v, want ErrQueueFull", err)
	}

	m := h.orch.Metrics(context.Background())
	if m.QueueRejected != 1 {
		t.Errorf("QueueRejected = %d, want 1", m.QueueRejected)
	}
	if m.Pool.Allocations != 1 {
		t.Errorf("Allocations = %d, want 1 while the queue waits", m.Pool.Allocations)
	}
	if m.QueuedExecutions != 1 {
		t.Errorf("QueuedExecutions = %d, want 1", m.QueuedExecutions)
	}

	snaps := h.orch.ActiveExecutions(context.Background(), 0, false)
	if len(snaps) != 2 {
		t.Fatalf("ActiveExecutions = %d entries, want 2", len(snaps))
	}
	if limited := h.orch.ActiveExecutions(context.Background(), 1, false); len(limited) != 1 {
		t.Errorf("ActiveExecutions limit 1 = %d entries, want 1", len(limited))
	}

	// Freeing the slot drains the queue without any clock movement.
	release()
	firstRec := h.waitTerminal(t, first.ExecutionID)
	secondRec := h.waitTerminal(t, second.ExecutionID)
	if firstRec.State != StateCompleted || secondRec.State != StateCompleted {
		t.Fatalf("terminal states = %s and %s, want completed", firstRec.State, secondRec.State)
	}

	m = h.orch.Metrics(context.Background())
	if m.Admitted != 2 || m.Queued != 1 || m.Completed != 2 {
		t.Errorf("counters = admitted %d queued %d completed %d, want 2 1 2", m.Admitted, m.Queued, m.Completed)
	}
	if m.QueuedExecutions != 0 || m.ActiveExecutions != 0 {
		t.Errorf("gauges = queued %d active %d, want 0 0", m.QueuedExecutions, m.ActiveExecutions)
	}

	completed, err := h.orch.History(context.Background(), HistoryFilter{States: []ExecutionState{StateCompleted}})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("completed history = %d records, want 2", len(completed))
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cancellation
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_CancelMidFlight(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	receipt := h.submit(t, scanRequest("r1", "r2", "r3"), core.PlanSequential)
	h.waitExecuted(t, 1)

	if err := h.orch.Cancel(context.Background(), receipt.ExecutionID, false); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// The in-flight rule is allowed to return; nothing after it starts.
	release()
	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", rec.State)
	}
	if !strings.Contains(rec.Error, "cancelled") {
		t.Errorf("Error = %q, want cancellation cause", rec.Error)
	}
	if executed := h.rules.executedRules(); len(executed) != 1 || executed[0] != "r1" {
		t.Errorf("executed rules = %v, want only r1", executed)
	}
	if len(rec.Stages) != 0 {
		t.Errorf("interrupted attempt left %d stage results, want none", len(rec.Stages))
	}
	if rec.Progress != 0.6 {
		t.Errorf("Progress = %v, want 0.6 from the analysis milestone", rec.Progress)
	}

	m := h.orch.Metrics(context.Background())
	if m.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", m.Cancelled)
	}
	if m.Pool.Allocations != 0 {
		t.Errorf("Allocations = %d, want 0 after release", m.Pool.Allocations)
	}

	err := h.orch.Cancel(context.Background(), receipt.ExecutionID, false)
	if !errors.Is(err, core.ErrNotCancellable) {
		t.Errorf("Cancel() of terminal execution error = %v, want ErrNotCancellable", err)
	}
}

func TestOrchestrator_CancelQueued(t *testing.T) {
	h := newOrchHarness(t, func(cfg *core.Config) {
		cfg.Orchestrator.MaxConcurrentScans = 1
	})
	release := h.holdRules()

	running := h.submit(t, scanRequest("r1"), core.PlanParallel)
	h.waitExecuted(t, 1)
	queued := h.submit(t, scanRequest("r1", "r2"), core.PlanParallel)
	if !queued.Queued {
		t.Fatal("second submission admitted, want queued")
	}

	if err := h.orch.Cancel(context.Background(), queued.ExecutionID, false); err != nil {
		t.Fatalf("Cancel() of queued execution error = %v", err)
	}

	rec := h.waitTerminal(t, queued.ExecutionID)
	if rec.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", rec.State)
	}
	if !rec.StartedAt.IsZero() {
		t.Error("queued execution has a start time, want none")
	}
	if rec.Progress != 0 || len(rec.Stages) != 0 {
		t.Errorf("queued execution recorded progress %v and %d stages, want none", rec.Progress, len(rec.Stages))
	}

	m := h.orch.Metrics(context.Background())
	if m.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", m.Cancelled)
	}
	if m.Pool.Allocations != 1 {
		t.Errorf("Allocations = %d, want 1; the queued scan never held resources", m.Pool.Allocations)
	}
	if m.QueuedExecutions != 0 {
		t.Errorf("QueuedExecutions = %d, want 0", m.QueuedExecutions)
	}

	release()
	if rec := h.waitTerminal(t, running.ExecutionID); rec.State != StateCompleted {
		t.Errorf("running execution state = %s, want completed", rec.State)
	}
	if m := h.orch.Metrics(context.Background()); m.Admitted != 1 {
		t.Errorf("Admitted = %d, want 1; the cancelled scan must not be admitted", m.Admitted)
	}
}

func TestOrchestrator_ForceCancelInterrupts(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.holdRules()

	receipt := h.submit(t, scanRequest("r1"), core.PlanSequential)
	h.waitExecuted(t, 1)

	// Force fires the run context; the gated rule unblocks on its own.
	if err := h.orch.Cancel(context.Background(), receipt.ExecutionID, true); err != nil {
		t.Fatalf("Cancel(force) error = %v", err)
	}

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", rec.State)
	}
	if m := h.orch.Metrics(context.Background()); m.Cancelled != 1 || m.Pool.Allocations != 0 {
		t.Errorf("cancelled %d allocations %d, want 1 and 0", m.Cancelled, m.Pool.Allocations)
	}
}

func TestOrchestrator_CancelUnknown(t *testing.T) {
	h := newOrchHarness(t, nil)
	err := h.orch.Cancel(context.Background(), "exec-missing", false)
	if !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("Cancel() error = %v, want ErrExecutionNotFound", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Stage recovery
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_StageRecoverySucceeds(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.rules.failTimes("a", 1)

	// Four unclassified rules form one parallel stage under adaptive
	// grouping.
	receipt := h.submit(t, scanRequest("a", "b", "c", "d"), core.PlanAdaptive)

	waitUntil(t, "stage recovery to be recorded", func() bool {
		return h.orch.Metrics(context.Background()).StageRecoveries == 1
	})

	// Three loop timers, the timeout watchdog, and the recovery delay.
	h.waitWaiters(t, 5)
	h.clock.Advance(5 * time.Second)

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed after recovery", rec.State)
	}
	if len(rec.Stages) != 2 {
		t.Fatalf("stage results = %d, want failed attempt plus recovery", len(rec.Stages))
	}
	if rec.Stages[0].Mode != StageParallel || rec.Stages[0].Attempt != 1 || rec.Stages[0].Failed != 1 {
		t.Errorf("first attempt = %+v, want parallel attempt 1 with one failure", rec.Stages[0])
	}
	if rec.Stages[1].Mode != StageSequential || rec.Stages[1].Attempt != 2 || rec.Stages[1].Failed != 0 {
		t.Errorf("recovery attempt = %+v, want sequential attempt 2 with no failures", rec.Stages[1])
	}

	m := h.orch.Metrics(context.Background())
	if m.RulesExecuted != 8 || m.RulesFailed != 1 {
		t.Errorf("rule counters = %d executed %d failed, want 8 and 1", m.RulesExecuted, m.RulesFailed)
	}
	if m.StageRecoveries != 1 || m.Completed != 1 || m.Failed != 0 {
		t.Errorf("counters = recoveries %d completed %d failed %d, want 1 1 0", m.StageRecoveries, m.Completed, m.Failed)
	}
}

func TestOrchestrator_StageRecoveryFailsExecution(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.rules.failTimes("b", 2)

	receipt := h.submit(t, scanRequest("a", "b", "c", "d"), core.PlanAdaptive)

	waitUntil(t, "stage recovery to be recorded", func() bool {
		return h.orch.Metrics(context.Background()).StageRecoveries == 1
	})
	h.waitWaiters(t, 5)
	h.clock.Advance(5 * time.Second)

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateFailed {
		t.Fatalf("terminal state = %s, want failed", rec.State)
	}
	if !strings.Contains(rec.Error, "after sequential recovery") {
		t.Errorf("Error = %q, want the recovery failure cause", rec.Error)
	}
	if len(rec.Stages) != 2 || rec.Stages[1].Failed != 1 {
		t.Errorf("stage results = %+v, want both attempts with the second still failing", rec.Stages)
	}

	m := h.orch.Metrics(context.Background())
	if m.Failed != 1 || m.Completed != 0 {
		t.Errorf("counters = failed %d completed %d, want 1 0", m.Failed, m.Completed)
	}
	if m.RulesFailed != 2 {
		t.Errorf("RulesFailed = %d, want 2", m.RulesFailed)
	}
	if m.Pool.Allocations != 0 {
		t.Errorf("Allocations = %d, want 0", m.Pool.Allocations)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Timeout and expiry
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_TimeoutCancelsExecution(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.holdRules()

	req := scanRequest("r1")
	req.Timeout = 3 * time.Minute
	receipt := h.submit(t, req, core.PlanSequential)
	h.waitExecuted(t, 1)

	// Three loop timers plus the timeout watchdog.
	h.waitWaiters(t, 4)
	h.clock.Advance(3 * time.Minute)

	// The cooperative request leaves the gated rule untouched; once the
	// release grace passes the watchdog interrupts it.
	h.waitWaiters(t, 4)
	h.clock.Advance(61 * time.Second)

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", rec.State)
	}
	if !strings.Contains(rec.Error, "timeout") {
		t.Errorf("Error = %q, want timeout cause", rec.Error)
	}
	if want := 4*time.Minute + time.Second; rec.Duration != want {
		t.Errorf("Duration = %s, want %s", rec.Duration, want)
	}

	m := h.orch.Metrics(context.Background())
	if m.TimedOut != 1 || m.Cancelled != 0 {
		t.Errorf("counters = timed out %d cancelled %d, want 1 0", m.TimedOut, m.Cancelled)
	}
	if m.Pool.Allocations != 0 {
		t.Errorf("Allocations = %d, want 0", m.Pool.Allocations)
	}
}

func TestOrchestrator_ExpiredAllocationIsSwept(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.holdRules()

	receipt := h.submit(t, scanRequest("r1"), core.PlanSequential)
	h.waitExecuted(t, 1)
	h.waitWaiters(t, 4)

	// 50 minute estimate plus the 5 minute grace: one jump past expiry
	// lets the next sweep reclaim the allocation and kill the run.
	h.clock.Advance(55 * time.Minute)

	rec := h.waitTerminal(t, receipt.ExecutionID)
	if rec.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", rec.State)
	}
	if !strings.Contains(rec.Error, "allocation expired") {
		t.Errorf("Error = %q, want allocation expiry cause", rec.Error)
	}

	m := h.orch.Metrics(context.Background())
	if m.Expired != 1 || m.TimedOut != 0 {
		t.Errorf("counters = expired %d timed out %d, want 1 0", m.Expired, m.TimedOut)
	}
	if m.Pool.Allocations != 0 || m.Pool.Used.CPUPercent != 0 {
		t.Errorf("pool not reclaimed: %+v", m.Pool)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Validation and defaults
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_SubmitValidation(t *testing.T) {
	h := newOrchHarness(t, nil)

	if _, err := h.orch.Submit(context.Background(), nil, "", 0); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("Submit(nil) error = %v, want ErrInvalidRequest", err)
	}

	unknown := scanRequest("r1")
	unknown.DataSourceID = "ds-missing"
	if _, err := h.orch.Submit(context.Background(), unknown, "", 0); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("Submit(unknown source) error = %v, want ErrInvalidRequest", err)
	}

	h.rules.mu.Lock()
	h.rules.validation = &core.RuleValidation{OK: false, Errors: []string{"rule pii-7 does not exist"}}
	h.rules.mu.Unlock()
	_, err := h.orch.Submit(context.Background(), scanRequest("pii-7"), "", 0)
	if !errors.Is(err, core.ErrInvalidRequest) || !strings.Contains(err.Error(), "pii-7") {
		t.Errorf("Submit(bad rules) error = %v, want ErrInvalidRequest naming the rule", err)
	}
	h.rules.mu.Lock()
	h.rules.validation = &core.RuleValidation{OK: true}
	h.rules.mu.Unlock()

	if _, err := h.orch.Submit(context.Background(), scanRequest("r1"), "zigzag", 0); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("Submit(bad strategy) error = %v, want ErrInvalidRequest", err)
	}

	if m := h.orch.Metrics(context.Background()); m.Invalid != 4 {
		t.Errorf("Invalid = %d, want 4", m.Invalid)
	}
}

func TestOrchestrator_SubmitEstimationFailure(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.sources.setMetadataError(errors.New("catalog offline"))

	_, err := h.orch.Submit(context.Background(), scanRequest("r1"), "", 0)
	if err == nil {
		t.Fatal("Submit() succeeded without metadata, want estimation error")
	}
	var oe *core.OrchestrationError
	if !errors.As(err, &oe) || oe.Kind != "estimation" {
		t.Errorf("Submit() error = %v, want estimation OrchestrationError", err)
	}
}

func TestOrchestrator_SubmitDefaultsAndOverrides(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	req := scanRequest("r1")
	req.Priority = core.PriorityLow
	receipt, err := h.orch.Submit(context.Background(), req, "", core.PriorityCritical)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap, err := h.orch.Status(context.Background(), receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Priority != core.PriorityCritical {
		t.Errorf("Priority = %s, want the critical override", snap.Priority)
	}
	if snap.Strategy != core.PlanAdaptive {
		t.Errorf("Strategy = %s, want the adaptive default", snap.Strategy)
	}
	if req.Priority != core.PriorityLow || req.ID != "" {
		t.Errorf("caller's request was mutated: %+v", req)
	}

	release()
	h.waitTerminal(t, receipt.ExecutionID)
}

func TestOrchestrator_SubmitRequiresStart(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	sources := newTestDataSources()
	sources.setMetadata(testSourceID, &core.DataSourceMetadata{})
	orch, err := NewOrchestrator(nil, sources, newTestRules(), &Options{Clock: clock})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	if _, err := orch.Submit(context.Background(), scanRequest("r1"), "", 0); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("Submit() before Start error = %v, want ErrNotStarted", err)
	}
	if _, err := orch.BulkExecute(context.Background(), []*core.ScanRequest{scanRequest("r1")}, ""); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("BulkExecute() before Start error = %v, want ErrNotStarted", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Introspection
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_StatusAndPoolShare(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	receipt := h.submit(t, scanRequest("r1", "r2"), core.PlanParallel)
	h.waitExecuted(t, 1)

	snap, err := h.orch.Status(context.Background(), receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Queued {
		t.Error("Queued = true, want running")
	}
	if snap.Requirement.CPUPercent != 10 {
		t.Errorf("Requirement.CPUPercent = %v, want 10", snap.Requirement.CPUPercent)
	}
	// Memory is the widest dimension: 5000 of the 26214.4 MB ceiling.
	if diff := snap.PoolShare - 5000/26214.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("PoolShare = %v, want memory share %v", snap.PoolShare, 5000/26214.4)
	}

	if _, err := h.orch.Status(context.Background(), "exec-missing"); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("Status(unknown) error = %v, want ErrExecutionNotFound", err)
	}

	release()
	h.waitTerminal(t, receipt.ExecutionID)
}

func TestOrchestrator_StreamDeliversTerminalEvent(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	receipt := h.submit(t, scanRequest("r1", "r2", "r3", "r4", "r5"), core.PlanParallel)
	h.waitExecuted(t, 1)

	events, err := h.orch.Stream(context.Background(), receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	release()

	var got []ProgressEvent
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break collect
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("stream did not close after the terminal event")
		}
	}

	if len(got) == 0 {
		t.Fatal("no events received")
	}
	last := got[len(got)-1]
	if last.State != StateCompleted || last.Progress != 1.0 {
		t.Errorf("terminal event = %s at %v, want completed at 1.0", last.State, last.Progress)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Progress < got[i-1].Progress {
			t.Errorf("progress went backwards: %v after %v", got[i].Progress, got[i-1].Progress)
		}
	}

	// A terminal execution yields exactly its final event.
	replay, err := h.orch.Stream(context.Background(), receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Stream() after completion error = %v", err)
	}
	ev, ok := <-replay
	if !ok || ev.State != StateCompleted {
		t.Errorf("replay event = %+v (open %v), want the completed event", ev, ok)
	}
	if _, ok := <-replay; ok {
		t.Error("replay stream stayed open after the terminal event")
	}

	if _, err := h.orch.Stream(context.Background(), "exec-missing"); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("Stream(unknown) error = %v, want ErrExecutionNotFound", err)
	}
}

func TestOrchestrator_StreamStopsWithCaller(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	receipt := h.submit(t, scanRequest("r1"), core.PlanSequential)
	h.waitExecuted(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.orch.Stream(ctx, receipt.ExecutionID)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	cancel()

	waitUntil(t, "stream to close after caller cancellation", func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	})

	release()
	h.waitTerminal(t, receipt.ExecutionID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Bulk submission
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_BulkExecuteSequential(t *testing.T) {
	h := newOrchHarness(t, nil)

	invalid := scanRequest("r1")
	invalid.RuleIDs = nil
	requests := []*core.ScanRequest{scanRequest("r1"), invalid, scanRequest("r2")}

	receipt, err := h.orch.BulkExecute(context.Background(), requests, "")
	if err != nil {
		t.Fatalf("BulkExecute() error = %v", err)
	}
	if receipt.Mode != BulkSequential {
		t.Errorf("Mode = %s, want the sequential default", receipt.Mode)
	}
	if receipt.Submitted != 2 || receipt.Failed != 1 {
		t.Errorf("Submitted = %d, Failed = %d, want 2 and 1", receipt.Submitted, receipt.Failed)
	}
	if receipt.Items[1].Error == "" || receipt.Items[1].ExecutionID != "" {
		t.Errorf("invalid item = %+v, want an error and no execution", receipt.Items[1])
	}
	for _, i := range []int{0, 2} {
		if receipt.Items[i].ExecutionID == "" || receipt.Items[i].Error != "" {
			t.Errorf("item %d = %+v, want a submitted execution", i, receipt.Items[i])
		}
		h.waitTerminal(t, receipt.Items[i].ExecutionID)
	}
}

func TestOrchestrator_BulkExecuteParallel(t *testing.T) {
	h := newOrchHarness(t, nil)

	requests := make([]*core.ScanRequest, 5)
	for i := range requests {
		requests[i] = scanRequest("r1", "r2")
	}

	receipt, err := h.orch.BulkExecute(context.Background(), requests, BulkParallel)
	if err != nil {
		t.Fatalf("BulkExecute() error = %v", err)
	}
	if receipt.Submitted != 5 || receipt.Failed != 0 {
		t.Fatalf("Submitted = %d, Failed = %d, want 5 and 0", receipt.Submitted, receipt.Failed)
	}

	seen := make(map[string]bool)
	for i, item := range receipt.Items {
		if item.Index != i {
			t.Errorf("item %d carries index %d", i, item.Index)
		}
		if seen[item.ExecutionID] {
			t.Errorf("duplicate execution id %s", item.ExecutionID)
		}
		seen[item.ExecutionID] = true
		h.waitTerminal(t, item.ExecutionID)
	}

	if m := h.orch.Metrics(context.Background()); m.Completed != 5 {
		t.Errorf("Completed = %d, want 5", m.Completed)
	}
}

func TestOrchestrator_BulkExecuteLimits(t *testing.T) {
	h := newOrchHarness(t, nil)

	if _, err := h.orch.BulkExecute(context.Background(), nil, ""); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("BulkExecute(empty) error = %v, want ErrInvalidRequest", err)
	}

	over := make([]*core.ScanRequest, maxBulkRequests+1)
	for i := range over {
		over[i] = scanRequest("r1")
	}
	if _, err := h.orch.BulkExecute(context.Background(), over, ""); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("BulkExecute(oversized) error = %v, want ErrInvalidRequest", err)
	}

	if _, err := h.orch.BulkExecute(context.Background(), []*core.ScanRequest{scanRequest("r1")}, "zigzag"); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("BulkExecute(bad mode) error = %v, want ErrInvalidRequest", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

func TestOrchestrator_StartTwice(t *testing.T) {
	h := newOrchHarness(t, nil)
	if err := h.orch.Start(context.Background()); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestrator_StopDrainsRunningExecutions(t *testing.T) {
	h := newOrchHarness(t, nil)
	release := h.holdRules()

	receipt := h.submit(t, scanRequest("r1"), core.PlanSequential)
	h.waitExecuted(t, 1)

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- h.orch.Stop(context.Background())
	}()

	// Stop parks on the shutdown timer; the loops leave their last timers
	// behind, so five waiters means Stop is waiting for the runner.
	h.waitWaiters(t, 5)
	release()

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the runner drained")
	}

	if rec := h.waitTerminal(t, receipt.ExecutionID); rec.State != StateCompleted {
		t.Errorf("terminal state = %s, want completed before shutdown", rec.State)
	}
	if _, err := h.orch.Submit(context.Background(), scanRequest("r1"), "", 0); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("Submit() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestOrchestrator_StopInterruptsAfterTimeout(t *testing.T) {
	h := newOrchHarness(t, nil)
	h.holdRules()

	receipt := h.submit(t, scanRequest("r1"), core.PlanSequential)
	h.waitExecuted(t, 1)

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- h.orch.Stop(context.Background())
	}()
	h.waitWaiters(t, 5)

	// Past the shutdown timeout the run context is cancelled and the
	// gated rule unblocks with an error.
	h.clock.Advance(30 * time.Second)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the shutdown timeout")
	}

	if rec := h.waitTerminal(t, receipt.ExecutionID); rec.State != StateCancelled {
		t.Errorf("terminal state = %s, want cancelled by shutdown", rec.State)
	}
	if m := h.orch.Metrics(context.Background()); m.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", m.Cancelled)
	}
}

func TestOrchestrator_StopWithoutStart(t *testing.T) {
	sources := newTestDataSources()
	sources.setMetadata(testSourceID, &core.DataSourceMetadata{})
	orch, err := NewOrchestrator(nil, sources, newTestRules(), nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if err := orch.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start error = %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
