package core

import (
	"context"
	"time"
)

// Logger is the minimal logging interface every component accepts.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger discards all log output. It is the default when no logger is
// injected so components never need nil checks.
type NoOpLogger struct{}

func (NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// ═══════════════════════════════════════════════════════════════════════════
// Data source capability
// ═══════════════════════════════════════════════════════════════════════════

// DataSourceMetadata is the sizing information the estimator derives
// resource requirements from.
type DataSourceMetadata struct {
	// EstimatedRows is the approximate row count of the source.
	EstimatedRows int64 `json:"estimated_rows"`

	// Tables lists the tables (or collections) in scope.
	Tables []string `json:"tables"`

	// Columns lists the columns (or fields) in scope across tables.
	Columns []string `json:"columns"`
}

// DataSourceService is the capability surface for data sources. Concrete
// connector implementations (relational, document, object storage) live
// outside the module.
type DataSourceService interface {
	// Validate reports whether the data source exists and is reachable.
	Validate(ctx context.Context, dataSourceID string) (bool, error)

	// Metadata returns sizing information for estimation. Implementations
	// may return cached values; staleness only degrades estimates.
	Metadata(ctx context.Context, dataSourceID string) (*DataSourceMetadata, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Rule capability
// ═══════════════════════════════════════════════════════════════════════════

// RuleValidation is the outcome of validating a set of rule IDs.
type RuleValidation struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// RuleInfo describes one rule for planning purposes.
type RuleInfo struct {
	ID string `json:"id"`

	// Kind groups rules for adaptive planning (e.g. "pattern",
	// "statistical", "complex"). Unknown kinds plan as simple rules.
	Kind string `json:"kind"`

	// Complexity is a relative cost indicator (≥ 1).
	Complexity float64 `json:"complexity"`
}

// RuleResult is the opaque outcome handle for one executed rule. Scan
// output itself is persisted by the rule service; the orchestrator only
// tracks the handle.
type RuleResult struct {
	RuleID string `json:"rule_id"`

	// Handle references the stored rule output.
	Handle string `json:"handle"`

	// Elapsed is the rule's wall-clock execution time.
	Elapsed time.Duration `json:"elapsed"`
}

// RuleService is the capability surface for rule evaluation.
type RuleService interface {
	// Validate checks that every rule ID exists and is executable.
	Validate(ctx context.Context, ruleIDs []string) (*RuleValidation, error)

	// Describe returns planning information for the given rules, in the
	// given order. Implementations unable to classify a rule return a
	// RuleInfo with Kind "" and Complexity 1.
	Describe(ctx context.Context, ruleIDs []string) ([]RuleInfo, error)

	// ExecuteRule runs one rule against the request's data source and
	// returns an opaque result handle.
	ExecuteRule(ctx context.Context, ruleID string, req *ScanRequest) (*RuleResult, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Advisor capabilities (optional)
// ═══════════════════════════════════════════════════════════════════════════

// ResourceAdvisor supplies optional estimation hints. A nil requirement or
// zero duration means "no hint"; the deterministic heuristics then apply.
type ResourceAdvisor interface {
	EstimateResources(ctx context.Context, req *ScanRequest, meta *DataSourceMetadata) (*ResourceRequirement, error)
	EstimateDuration(ctx context.Context, req *ScanRequest) (time.Duration, error)
}

// StageHint is one advisor-suggested stage of an execution plan.
type StageHint struct {
	Parallel       bool     `json:"parallel"`
	RuleIDs        []string `json:"rule_ids"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// PlanAdvisor supplies optional plan suggestions for the intelligent
// strategy. An empty hint list means "no suggestion".
type PlanAdvisor interface {
	SuggestStages(ctx context.Context, req *ScanRequest) ([]StageHint, error)
}

// TimingAdvisor supplies optional delay recommendations for optimal-time
// placement. A zero duration means "no recommendation".
type TimingAdvisor interface {
	RecommendDelay(ctx context.Context, req *ScanRequest, now time.Time) (time.Duration, error)
}

// InsightAdvisor summarizes completed scan work for workflow analysis
// stages. An empty list means "nothing to report"; a failing advisor only
// costs the insights, never the stage.
type InsightAdvisor interface {
	Insights(ctx context.Context, subject map[string]interface{}) ([]string, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Approvals and notifications
// ═══════════════════════════════════════════════════════════════════════════

// ApproverResolver resolves the ordered approver chain for a workflow type
// within an organization. When currentApproverID is non-empty the resolver
// returns the chain strictly above that approver, enabling escalation.
type ApproverResolver interface {
	ResolveApprovers(ctx context.Context, workflowType, organizationID, currentApproverID string) ([]string, error)
}

// Notifier delivers workflow notifications. Delivery mechanics (mail, chat,
// webhooks) live outside the module.
type Notifier interface {
	Notify(ctx context.Context, channel, subject string, payload map[string]interface{}) error
}
