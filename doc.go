// Package scanweave composes an enterprise scan platform from three
// cooperating components: an orchestrator that admits, plans and executes
// data scans against a shared resource pool; a scheduler that places
// deferred, recurring and dependent scan requests onto the orchestrator at
// the right moment; and a workflow engine that sequences multi-stage scan
// campaigns with conditions, retries and human approval gates.
//
// Each component lives in its own package (orchestration, scheduling,
// workflow) and can be used on its own. This package wires the three
// together: New builds a System from one configuration and one bundle of
// injected capabilities, and the gateways inside it route every scheduler
// dispatch and workflow scan through the orchestrator, so all work in the
// system competes for the same capacity.
//
//	sys, err := scanweave.New(nil, scanweave.Dependencies{
//		DataSources: sources,
//		Rules:       rules,
//	})
//	if err != nil {
//		return err
//	}
//	if err := sys.Start(ctx); err != nil {
//		return err
//	}
//	defer sys.Stop(ctx)
//
//	receipt, err := sys.Orchestrator.Submit(ctx, req, core.PlanAdaptive, core.PriorityHigh)
//
// Shared contracts (the request model, capability interfaces, errors,
// configuration) live in the core package; metrics emission in telemetry;
// retry and circuit breaker helpers in resilience.
package scanweave
