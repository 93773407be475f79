package scanweave

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
	"github.com/scanweave/scanweave/orchestration"
	"github.com/scanweave/scanweave/scheduling"
	"github.com/scanweave/scanweave/workflow"
)

const testSourceID = "ds-billing"

// testDataSources implements core.DataSourceService for system testing.
// Sources exist when they have metadata registered.
type testDataSources struct {
	mu   sync.Mutex
	meta map[string]*core.DataSourceMetadata
}

func newTestDataSources() *testDataSources {
	return &testDataSources{meta: make(map[string]*core.DataSourceMetadata)}
}

func (d *testDataSources) setMetadata(id string, meta *core.DataSourceMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta[id] = meta
}

func (d *testDataSources) Validate(ctx context.Context, dataSourceID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.meta[dataSourceID]
	return ok, nil
}

func (d *testDataSources) Metadata(ctx context.Context, dataSourceID string) (*core.DataSourceMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.meta[dataSourceID]
	if !ok {
		return nil, fmt.Errorf("unknown data source %s", dataSourceID)
	}
	return meta, nil
}

// testRules implements core.RuleService for system testing. Execution can
// be gated so a test holds pool resources mid-scan.
type testRules struct {
	mu       sync.Mutex
	executed []string
	gate     chan struct{}
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

func (r *testRules) executedRules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func (r *testRules) Validate(ctx context.Context, ruleIDs []string) (*core.RuleValidation, error) {
	return &core.RuleValidation{OK: true}, nil
}

func (r *testRules) Describe(ctx context.Context, ruleIDs []string) ([]core.RuleInfo, error) {
	infos := make([]core.RuleInfo, len(ruleIDs))
	for i, id := range ruleIDs {
		infos[i] = core.RuleInfo{ID: id, Complexity: 1}
	}
	return infos, nil
}

func (r *testRules) ExecuteRule(ctx context.Context, ruleID string, req *core.ScanRequest) (*core.RuleResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, ruleID)
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &core.RuleResult{RuleID: ruleID, Handle: "res-" + ruleID}, nil
}

// systemHarness wires a started System over the test fakes, with one
// fake clock shared by all three components.
type systemHarness struct {
	sys     *System
	clock   *core.FakeClock
	sources *testDataSources
	rules   *testRules
	release func()
}

func newSystemHarness(t *testing.T, mutate func(*core.Config)) *systemHarness {
	t.Helper()

	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	clock := core.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	sources := newTestDataSources()
	sources.setMetadata(testSourceID, &core.DataSourceMetadata{
		EstimatedRows: 200_000,
		Tables:        []string{"invoices", "payments", "refunds"},
		Columns:       []string{"id", "amount", "card_number", "iban"},
	})
	rules := &testRules{}

	sys, err := New(cfg, Dependencies{
		DataSources: sources,
		Rules:       rules,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sys.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h := &systemHarness{sys: sys, clock: clock, sources: sources, rules: rules}
	t.Cleanup(func() {
		if h.release != nil {
			h.release()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Stop(ctx)
	})
	return h
}

// settle advances the fake clock one scheduler tick per iteration until
// cond holds, so scheduler dispatch and workflow outcome polls both keep
// firing. Fake clock waiter channels are buffered, so advancing past a
// sleeper nobody has re-armed yet cannot block.
func (h *systemHarness) settle(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		h.clock.Advance(5 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitUntil polls cond in real time, for conditions the fake clock does
// not gate.
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

func scanRequest(ruleIDs ...string) *core.ScanRequest {
	return &core.ScanRequest{
		DataSourceID: testSourceID,
		Type:         core.ScanTypeFull,
		RuleIDs:      ruleIDs,
		Priority:     core.PriorityNormal,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Construction and lifecycle
// ═══════════════════════════════════════════════════════════════════════════

func TestNew_RequiresCoreServices(t *testing.T) {
	_, err := New(nil, Dependencies{Rules: &testRules{}})
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("New() without data sources error = %v, want ErrInvalidRequest", err)
	}
	if err == nil || !strings.Contains(err.Error(), "data source service") {
		t.Errorf("New() without data sources error = %v, want it to name the missing service", err)
	}

	_, err = New(nil, Dependencies{DataSources: newTestDataSources()})
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("New() without rules error = %v, want ErrInvalidRequest", err)
	}
	if err == nil || !strings.Contains(err.Error(), "rule service") {
		t.Errorf("New() without rules error = %v, want it to name the missing service", err)
	}
}

func TestSystem_StartStopLifecycle(t *testing.T) {
	h := newSystemHarness(t, nil)
	ctx := context.Background()

	if err := h.sys.Start(ctx); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := h.sys.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.sys.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}

	if _, err := h.sys.Orchestrator.Submit(ctx, scanRequest("r1"), "", 0); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("Submit() after Stop error = %v, want ErrNotStarted", err)
	}
	if _, err := h.sys.Scheduler.Schedule(ctx, scanRequest("r1"), scheduling.ScheduleOptions{}); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("Schedule() after Stop error = %v, want ErrNotStarted", err)
	}
	if _, err := h.sys.Workflows.ExecuteWorkflow(ctx, "tpl-x", nil); !errors.Is(err, core.ErrNotStarted) {
		t.Errorf("ExecuteWorkflow() after Stop error = %v, want ErrNotStarted", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cross-component wiring
// ═══════════════════════════════════════════════════════════════════════════

// A workflow scan task must land on the shared orchestrator and come back
// through the gateway as a terminal outcome.
func TestSystem_WorkflowScanRunsOnOrchestrator(t *testing.T) {
	h := newSystemHarness(t, nil)
	ctx := context.Background()

	templateID, err := h.sys.Workflows.CreateTemplate(ctx, &workflow.Template{
		Name: "billing-sweep",
		Type: "assessment",
		Stages: []workflow.StageDef{{
			ID:    "scan",
			Order: 1,
			Type:  workflow.StageProcessing,
			Tasks: []workflow.TaskDef{{
				ID:         "main",
				Type:       workflow.TaskScan,
				Critical:   true,
				DataSource: testSourceID,
				Rules:      []string{"r1", "r2"},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}

	ticket, err := h.sys.Workflows.ExecuteWorkflow(ctx, templateID, nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	h.settle(t, "workflow completion", func() bool {
		snap, err := h.sys.Workflows.Status(ctx, ticket.WorkflowID)
		return err == nil && snap.State == workflow.WorkflowCompleted
	})

	executed := h.rules.executedRules()
	sort.Strings(executed)
	if len(executed) != 2 || executed[0] != "r1" || executed[1] != "r2" {
		t.Errorf("executed rules = %v, want [r1 r2]", executed)
	}

	snap, err := h.sys.Workflows.Status(ctx, ticket.WorkflowID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	executionID := snap.Stages[0].Tasks[0].ExecutionID
	if executionID == "" {
		t.Fatal("scan task completed without an execution ID")
	}

	// The execution is finalized by now, so Status serves it from history.
	execSnap, err := h.sys.Orchestrator.Status(ctx, executionID)
	if err != nil {
		t.Fatalf("Orchestrator.Status() error = %v", err)
	}
	if execSnap.State != orchestration.StateCompleted {
		t.Errorf("execution state = %s, want %s", execSnap.State, orchestration.StateCompleted)
	}

	outcome, err := (&workflowGateway{orch: h.sys.Orchestrator}).ScanOutcome(ctx, executionID)
	if err != nil {
		t.Fatalf("ScanOutcome() error = %v", err)
	}
	if !outcome.Terminal || !outcome.Succeeded || outcome.Error != "" {
		t.Errorf("outcome = %+v, want terminal success", outcome)
	}

	if got := h.sys.Orchestrator.Metrics(ctx).Completed; got != 1 {
		t.Errorf("Metrics().Completed = %d, want 1", got)
	}
}

// A scheduled request must dispatch through the gateway and settle into
// the completed schedule state once the execution finishes.
func TestSystem_ScheduledScanDispatches(t *testing.T) {
	h := newSystemHarness(t, nil)
	ctx := context.Background()

	scheduleID, err := h.sys.Scheduler.Schedule(ctx, scanRequest("r1"), scheduling.ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	h.settle(t, "schedule completion", func() bool {
		snap, err := h.sys.Scheduler.Get(ctx, scheduleID)
		return err == nil && snap.State == scheduling.ScheduleCompleted
	})

	snap, err := h.sys.Scheduler.Get(ctx, scheduleID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.ExecutionID == "" {
		t.Error("schedule completed without an execution ID")
	}

	gateway := &schedulerGateway{orch: h.sys.Orchestrator}
	outcome, err := gateway.ScanOutcome(ctx, snap.ExecutionID)
	if err != nil {
		t.Fatalf("ScanOutcome() error = %v", err)
	}
	if !outcome.Terminal || !outcome.Succeeded {
		t.Errorf("outcome = %+v, want terminal success", outcome)
	}

	if _, err := gateway.ScanOutcome(ctx, "exec-unknown"); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("ScanOutcome(unknown) error = %v, want ErrExecutionNotFound", err)
	}
}

func TestSystem_PoolUtilizationTracksLoad(t *testing.T) {
	h := newSystemHarness(t, nil)
	ctx := context.Background()
	source := &poolUtilization{orch: h.sys.Orchestrator}

	if got := source.PoolUtilization(ctx); got != 0 {
		t.Errorf("idle PoolUtilization() = %v, want 0", got)
	}

	h.release = h.rules.holdRules()
	if _, err := h.sys.Orchestrator.Submit(ctx, scanRequest("r1"), "", 0); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitUntil(t, "rule execution to start", func() bool {
		return len(h.rules.executedRules()) > 0
	})

	if got := source.PoolUtilization(ctx); got <= 0 || got > 1 {
		t.Errorf("busy PoolUtilization() = %v, want a fraction above zero", got)
	}

	h.release()
	waitUntil(t, "execution completion", func() bool {
		return h.sys.Orchestrator.Metrics(ctx).Completed == 1
	})

	if got := source.PoolUtilization(ctx); got != 0 {
		t.Errorf("post-completion PoolUtilization() = %v, want 0", got)
	}
}
