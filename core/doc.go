// Package core defines the shared contracts of the ScanWeave scan
// orchestration system: the scan request data model, the capability
// interfaces the components consume (data sources, rules, advisors,
// approver resolution), the error taxonomy, configuration, the logger
// facade, and small primitives (clock, identifiers, ring buffer) used
// across the orchestrator, scheduler and workflow engine.
//
// Components in the other packages depend only on this package and on
// each other through narrow interfaces; concrete service integrations
// (database connectors, rule evaluators, RBAC directories) live outside
// the module and are injected at construction time.
package core
