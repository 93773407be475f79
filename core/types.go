package core

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Scan types and priorities
// ═══════════════════════════════════════════════════════════════════════════

// ScanType identifies how much of a data source a scan covers.
type ScanType string

const (
	// ScanTypeFull scans the complete data source.
	ScanTypeFull ScanType = "full"

	// ScanTypeDeep scans the complete data source with content-level
	// inspection. Deep scans roughly double resource consumption.
	ScanTypeDeep ScanType = "deep"

	// ScanTypeIncremental scans only changes since the previous run.
	ScanTypeIncremental ScanType = "incremental"
)

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	switch t {
	case ScanTypeFull, ScanTypeDeep, ScanTypeIncremental:
		return true
	}
	return false
}

// Priority orders competing work. Lower values are more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Valid reports whether p is one of the five defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Weight returns the numeric heap key for p (Critical=1 .. Background=5).
func (p Priority) Weight() int { return int(p) }

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name into a Priority value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, s)
}

// ═══════════════════════════════════════════════════════════════════════════
// Strategies
// ═══════════════════════════════════════════════════════════════════════════

// PlanStrategy selects how an execution plan partitions a request's rules
// into stages.
type PlanStrategy string

const (
	PlanSequential        PlanStrategy = "sequential"
	PlanParallel          PlanStrategy = "parallel"
	PlanAdaptive          PlanStrategy = "adaptive"
	PlanIntelligent       PlanStrategy = "intelligent"
	PlanPriorityBased     PlanStrategy = "priority_based"
	PlanResourceOptimized PlanStrategy = "resource_optimized"
)

// Valid reports whether s is a known plan strategy.
func (s PlanStrategy) Valid() bool {
	switch s {
	case PlanSequential, PlanParallel, PlanAdaptive, PlanIntelligent,
		PlanPriorityBased, PlanResourceOptimized:
		return true
	}
	return false
}

// ScheduleStrategy selects how the scheduler places a request in time.
type ScheduleStrategy string

const (
	ScheduleImmediate       ScheduleStrategy = "immediate"
	ScheduleOptimalTime     ScheduleStrategy = "optimal_time"
	ScheduleResourceBased   ScheduleStrategy = "resource_based"
	ScheduleDependencyAware ScheduleStrategy = "dependency_aware"
	SchedulePredictive      ScheduleStrategy = "predictive"
	ScheduleAdaptive        ScheduleStrategy = "adaptive"
	ScheduleBusinessHours   ScheduleStrategy = "business_hours"
	ScheduleOffPeak         ScheduleStrategy = "off_peak"
)

// Valid reports whether s is a known scheduling strategy.
func (s ScheduleStrategy) Valid() bool {
	switch s {
	case ScheduleImmediate, ScheduleOptimalTime, ScheduleResourceBased,
		ScheduleDependencyAware, SchedulePredictive, ScheduleAdaptive,
		ScheduleBusinessHours, ScheduleOffPeak:
		return true
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════
// Scan request
// ═══════════════════════════════════════════════════════════════════════════

// ScanRequest describes one scan of a data source against an ordered set of
// rules. Requests are immutable after admission; every mutation before that
// point happens on the caller's copy.
type ScanRequest struct {
	// ID uniquely identifies this request. Empty IDs are assigned at
	// submission time.
	ID string `json:"id"`

	// DataSourceID names the data source to scan.
	DataSourceID string `json:"data_source_id"`

	// Type is the scan coverage (full, deep, incremental).
	Type ScanType `json:"scan_type"`

	// RuleIDs is the ordered, non-empty list of rules to apply.
	RuleIDs []string `json:"rule_ids"`

	// Priority orders this request against competing work.
	Priority Priority `json:"priority"`

	// Timeout bounds the execution. Zero means the configured default.
	Timeout time.Duration `json:"timeout"`

	// MaxAttempts bounds scheduler retries. Zero means the configured
	// default.
	MaxAttempts int `json:"max_attempts"`

	// Params carries opaque rule and connector parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// Tags labels the request for history filtering.
	Tags []string `json:"tags,omitempty"`

	// CreatedBy records the submitting principal.
	CreatedBy string `json:"created_by,omitempty"`

	// CreatedAt is when the caller built the request.
	CreatedAt time.Time `json:"created_at"`

	// ScheduledAt pins the request to a specific moment. Mutually
	// exclusive with Cron.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// Cron is a five-field cron expression for recurring scans.
	// Mutually exclusive with ScheduledAt.
	Cron string `json:"cron,omitempty"`

	// DependsOn lists schedule IDs that must complete before this
	// request becomes ready.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Validate checks the structural invariants of the request. It does not
// consult any external service; existence checks for the data source and
// rules happen at admission.
func (r *ScanRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if r.DataSourceID == "" {
		return fmt.Errorf("%w: data source id is required", ErrInvalidRequest)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown scan type %q", ErrInvalidRequest, r.Type)
	}
	if len(r.RuleIDs) == 0 {
		return fmt.Errorf("%w: at least one rule id is required", ErrInvalidRequest)
	}
	for i, id := range r.RuleIDs {
		if id == "" {
			return fmt.Errorf("%w: rule id %d is empty", ErrInvalidRequest, i)
		}
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidRequest, r.Priority)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative max attempts", ErrInvalidRequest)
	}
	if r.ScheduledAt != nil && r.Cron != "" {
		return fmt.Errorf("%w: scheduled time and cron are mutually exclusive", ErrInvalidRequest)
	}
	if r.ScheduledAt != nil && !r.CreatedAt.IsZero() && r.ScheduledAt.Before(r.CreatedAt) {
		return fmt.Errorf("%w: scheduled time precedes creation time", ErrInvalidRequest)
	}
	return nil
}

// EffectiveTimeout returns the request timeout, or def when unset.
func (r *ScanRequest) EffectiveTimeout(def time.Duration) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return def
}

// ═══════════════════════════════════════════════════════════════════════════
// Resource requirements
// ═══════════════════════════════════════════════════════════════════════════

// ResourceRequirement quantifies what one scan needs from the shared pool.
// All values are absolute amounts, not fractions of the pool.
type ResourceRequirement struct {
	// CPUPercent is CPU demand in percentage points (100 = one core).
	CPUPercent float64 `json:"cpu_percent"`

	// MemoryMB is working-set memory in megabytes.
	MemoryMB float64 `json:"memory_mb"`

	// StorageMB is scratch storage in megabytes.
	StorageMB float64 `json:"storage_mb"`

	// NetworkMbps is sustained network bandwidth in megabits per second.
	NetworkMbps float64 `json:"network_mbps"`

	// DBConnections is the number of pooled connections held open
	// against the scanned source.
	DBConnections float64 `json:"db_connections"`

	// APIRate is the rule-dispatch budget in calls per second.
	APIRate float64 `json:"api_rate"`

	// Complexity is the multiplier applied to the base estimates (≥ 1).
	Complexity float64 `json:"complexity"`

	// EstimatedDuration is the predicted wall-clock run time.
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Validate checks the non-negativity invariants of the requirement.
func (r ResourceRequirement) Validate() error {
	switch {
	case r.CPUPercent < 0, r.MemoryMB < 0, r.StorageMB < 0,
		r.NetworkMbps < 0, r.DBConnections < 0, r.APIRate < 0:
		return fmt.Errorf("%w: negative resource requirement", ErrInvalidRequest)
	case r.Complexity < 1:
		return fmt.Errorf("%w: complexity below 1", ErrInvalidRequest)
	case r.EstimatedDuration < time.Minute:
		return fmt.Errorf("%w: estimated duration below one minute", ErrInvalidRequest)
	}
	return nil
}

// Clamp bounds every field of r to the inclusive ranges used by the
// estimator, returning the adjusted copy. Advisor-provided hints pass
// through the same bounds as the deterministic heuristics.
func (r ResourceRequirement) Clamp() ResourceRequirement {
	r.CPUPercent = clampFloat(5, 50, r.CPUPercent)
	r.MemoryMB = clampFloat(512, 8192, r.MemoryMB)
	r.StorageMB = clampFloat(100, 10240, r.StorageMB)
	r.NetworkMbps = clampFloat(10, 1000, r.NetworkMbps)
	r.DBConnections = clampFloat(1, 10, r.DBConnections)
	r.APIRate = clampFloat(10, 1000, r.APIRate)
	if r.Complexity < 1 {
		r.Complexity = 1
	}
	if min, max := 5*time.Minute, 480*time.Minute; r.EstimatedDuration < min {
		r.EstimatedDuration = min
	} else if r.EstimatedDuration > max {
		r.EstimatedDuration = max
	}
	return r
}

func clampFloat(min, max, v float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
