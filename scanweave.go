package scanweave

import (
	"context"
	"fmt"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/orchestration"
	"github.com/scanweave/scanweave/scheduling"
	"github.com/scanweave/scanweave/workflow"
)

// Dependencies bundles the external capabilities a System is wired from.
// DataSources and Rules are required; every other field is optional and
// leaves the matching feature on its deterministic fallback when nil.
type Dependencies struct {
	// DataSources validates sources and supplies sizing metadata.
	DataSources core.DataSourceService

	// Rules validates, describes and executes scan rules.
	Rules core.RuleService

	// ResourceAdvisor refines resource estimates for admission.
	ResourceAdvisor core.ResourceAdvisor

	// PlanAdvisor backs the intelligent plan strategy.
	PlanAdvisor core.PlanAdvisor

	// TimingAdvisor refines optimal-time schedule placement.
	TimingAdvisor core.TimingAdvisor

	// Insights summarizes workflow analysis stages.
	Insights core.InsightAdvisor

	// Approvers resolves approval chains for workflow approval stages.
	Approvers core.ApproverResolver

	// Notifier delivers workflow notifications, reports and approval
	// requests.
	Notifier core.Notifier

	// History receives terminal execution records. Defaults to the
	// in-memory ring store; NewRedisHistoryStore provides a durable one.
	History orchestration.HistoryStore

	// Logger receives structured logs from every component. Defaults to
	// no logging.
	Logger core.Logger

	// Clock substitutes time for tests. Defaults to the system clock.
	Clock core.Clock
}

// System is the composed scan platform: one orchestrator executing scans
// against the shared resource pool, one scheduler timing deferred and
// recurring requests, and one workflow engine sequencing multi-stage scan
// campaigns. The scheduler and the workflow engine drive the orchestrator
// through its submission surface, so every scan in the system competes for
// the same capacity.
type System struct {
	Orchestrator *orchestration.Orchestrator
	Scheduler    *scheduling.Scheduler
	Workflows    *workflow.Engine
}

// New wires a System from one configuration and one dependency bundle.
// config may be nil for defaults.
func New(config *core.Config, deps Dependencies) (*System, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if deps.DataSources == nil {
		return nil, fmt.Errorf("%w: data source service is required", core.ErrInvalidRequest)
	}
	if deps.Rules == nil {
		return nil, fmt.Errorf("%w: rule service is required", core.ErrInvalidRequest)
	}

	orch, err := orchestration.NewOrchestrator(config, deps.DataSources, deps.Rules, &orchestration.Options{
		ResourceAdvisor: deps.ResourceAdvisor,
		PlanAdvisor:     deps.PlanAdvisor,
		History:         deps.History,
		Logger:          deps.Logger,
		Clock:           deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	sched, err := scheduling.NewScheduler(config, &schedulerGateway{orch: orch}, &scheduling.Options{
		TimingAdvisor: deps.TimingAdvisor,
		Utilization:   &poolUtilization{orch: orch},
		Logger:        deps.Logger,
		Clock:         deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	engine, err := workflow.NewEngine(config, &workflowGateway{orch: orch}, &workflow.Options{
		DataSources: deps.DataSources,
		Rules:       deps.Rules,
		Approvers:   deps.Approvers,
		Notifier:    deps.Notifier,
		Insights:    deps.Insights,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("building workflow engine: %w", err)
	}

	return &System{Orchestrator: orch, Scheduler: sched, Workflows: engine}, nil
}

// Start brings the components up executor-first, so nothing dispatches
// into a stopped orchestrator. A component that fails to start rolls the
// already-started ones back down.
func (s *System) Start(ctx context.Context) error {
	if err := s.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	if err := s.Scheduler.Start(ctx); err != nil {
		_ = s.Orchestrator.Stop(ctx)
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := s.Workflows.Start(ctx); err != nil {
		_ = s.Scheduler.Stop(ctx)
		_ = s.Orchestrator.Stop(ctx)
		return fmt.Errorf("starting workflow engine: %w", err)
	}
	return nil
}

// Stop shuts the components down in reverse order: the workflow engine
// parks its runs, the scheduler stops dispatching, and the orchestrator
// drains last. Every component is stopped even when an earlier one
// reports an error; the first error wins.
func (s *System) Stop(ctx context.Context) error {
	var first error
	if err := s.Workflows.Stop(ctx); err != nil {
		first = fmt.Errorf("stopping workflow engine: %w", err)
	}
	if err := s.Scheduler.Stop(ctx); err != nil && first == nil {
		first = fmt.Errorf("stopping scheduler: %w", err)
	}
	if err := s.Orchestrator.Stop(ctx); err != nil && first == nil {
		first = fmt.Errorf("stopping orchestrator: %w", err)
	}
	return first
}

// ═══════════════════════════════════════════════════════════════════════════
// Orchestrator gateways
// ═══════════════════════════════════════════════════════════════════════════

// schedulerGateway adapts the orchestrator's submission surface to the
// scheduler's ScanSubmitter. The scheduler and the workflow engine declare
// the same three-method contract independently so neither imports the
// other; the gateways differ only in the outcome type they return.
type schedulerGateway struct {
	orch *orchestration.Orchestrator
}

func (g *schedulerGateway) SubmitScan(ctx context.Context, req *core.ScanRequest, plan core.PlanStrategy, priority core.Priority) (string, error) {
	receipt, err := g.orch.Submit(ctx, req, plan, priority)
	if err != nil {
		return "", err
	}
	return receipt.ExecutionID, nil
}

func (g *schedulerGateway) ScanOutcome(ctx context.Context, executionID string) (scheduling.ScanOutcome, error) {
	snap, err := g.orch.Status(ctx, executionID)
	if err != nil {
		return scheduling.ScanOutcome{}, err
	}
	return scheduling.ScanOutcome{
		Terminal:  snap.State.Terminal(),
		Succeeded: snap.State == orchestration.StateCompleted,
		Error:     snap.Error,
	}, nil
}

func (g *schedulerGateway) CancelScan(ctx context.Context, executionID string, force bool) error {
	return g.orch.Cancel(ctx, executionID, force)
}

// workflowGateway adapts the orchestrator to the workflow engine's
// ScanSubmitter.
type workflowGateway struct {
	orch *orchestration.Orchestrator
}

func (g *workflowGateway) SubmitScan(ctx context.Context, req *core.ScanRequest, plan core.PlanStrategy, priority core.Priority) (string, error) {
	receipt, err := g.orch.Submit(ctx, req, plan, priority)
	if err != nil {
		return "", err
	}
	return receipt.ExecutionID, nil
}

func (g *workflowGateway) ScanOutcome(ctx context.Context, executionID string) (workflow.ScanOutcome, error) {
	snap, err := g.orch.Status(ctx, executionID)
	if err != nil {
		return workflow.ScanOutcome{}, err
	}
	return workflow.ScanOutcome{
		Terminal:  snap.State.Terminal(),
		Succeeded: snap.State == orchestration.StateCompleted,
		Error:     snap.Error,
	}, nil
}

func (g *workflowGateway) CancelScan(ctx context.Context, executionID string, force bool) error {
	return g.orch.Cancel(ctx, executionID, force)
}

// poolUtilization feeds the orchestrator's busiest pool dimension to the
// scheduler's load predictor as a 0..1 fraction.
type poolUtilization struct {
	orch *orchestration.Orchestrator
}

func (u *poolUtilization) PoolUtilization(ctx context.Context) float64 {
	pool := u.orch.Metrics(ctx).Pool
	utilization := 0.0
	for _, dim := range [][2]float64{
		{pool.Used.CPUPercent, pool.Allocatable.CPUPercent},
		{pool.Used.MemoryMB, pool.Allocatable.MemoryMB},
		{pool.Used.StorageMB, pool.Allocatable.StorageMB},
		{pool.Used.NetworkMbps, pool.Allocatable.NetworkMbps},
		{pool.Used.DBConnections, pool.Allocatable.DBConnections},
		{pool.Used.APIRate, pool.Allocatable.APIRate},
	} {
		if dim[1] <= 0 {
			continue
		}
		if f := dim[0] / dim[1]; f > utilization {
			utilization = f
		}
	}
	if utilization > 1 {
		utilization = 1
	}
	return utilization
}
