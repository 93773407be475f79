package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the orchestration system. Values are
// layered: defaults, then SCANWEAVE_* environment variables, then
// functional options, then validation.
type Config struct {
	Orchestrator OrchestratorConfig
	Scheduler    SchedulerConfig
	Workflow     WorkflowConfig
	Pool         PoolConfig
	History      HistoryConfig
	Calendar     CalendarConfig
}

// OrchestratorConfig tunes admission, execution and sweeping.
type OrchestratorConfig struct {
	// MaxConcurrentScans caps the number of simultaneously active
	// executions.
	MaxConcurrentScans int

	// MaxQueueSize caps the admission queue; submissions beyond it fail
	// with ErrQueueFull.
	MaxQueueSize int

	// DefaultTimeout applies to requests that set no timeout.
	DefaultTimeout time.Duration

	// ResourceMonitoringInterval is the sweeper period for expired
	// allocations and gauge refresh.
	ResourceMonitoringInterval time.Duration

	// SafetyMargin is the fraction of pool capacity held in reserve.
	SafetyMargin float64

	// AllocationGrace extends an allocation's expiry beyond the
	// estimated duration before the sweeper may reclaim it.
	AllocationGrace time.Duration

	// StageRecoveryDelay is the pause before a failed stage is replayed
	// sequentially.
	StageRecoveryDelay time.Duration

	// ShutdownTimeout bounds how long Stop waits for running executions.
	ShutdownTimeout time.Duration
}

// SchedulerConfig tunes placement, retry and recurrence.
type SchedulerConfig struct {
	// Tick is the dispatch loop period. Placement accuracy is bounded by
	// it, so it must stay at or below ten seconds.
	Tick time.Duration

	// RetryAttempts is the default retry budget for failed schedules.
	RetryAttempts int

	// RetryDelay is the fixed re-enqueue delay after a failure.
	RetryDelay time.Duration

	// MinLeadTime is the minimum distance between enqueue and due time.
	MinLeadTime time.Duration

	// StarvationAge is the queue age after which the effective priority
	// of a waiting schedule starts improving.
	StarvationAge time.Duration

	// PromotionDelay is the due time granted to ready High/Critical
	// dependents of a just-completed schedule.
	PromotionDelay time.Duration
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	// MaxQueueSize caps queued workflow launches.
	MaxQueueSize int

	// Workers is the number of goroutines draining the launch queue.
	Workers int

	// Timeout is the hard cap on total workflow runtime.
	Timeout time.Duration

	// ApprovalTimeout is the wait before an approval escalates.
	ApprovalTimeout time.Duration

	// AutoApprovalThreshold auto-approves requests whose externally
	// supplied score reaches it.
	AutoApprovalThreshold float64

	// SweepInterval is the period of the timeout/escalation sweeper.
	SweepInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for running workflows.
	ShutdownTimeout time.Duration
}

// PoolConfig is the capacity of the shared resource pool.
type PoolConfig struct {
	CPUPercent    float64
	MemoryMB      float64
	StorageMB     float64
	NetworkMbps   float64
	DBConnections float64
	APIRate       float64
}

// HistoryConfig sizes the bounded history ring buffers.
type HistoryConfig struct {
	CompletedSize int
	FailedSize    int
}

// CalendarConfig anchors the time-of-day placement heuristics. Hours are
// local to Location, half-open [Start, End).
type CalendarConfig struct {
	BusinessStart    int
	BusinessEnd      int
	PeakStart        int
	PeakEnd          int
	MaintenanceStart int
	MaintenanceEnd   int
	Location         *time.Location
}

// Option modifies a Config and may reject invalid values.
type Option func(*Config) error

// DefaultConfig returns a configuration with production defaults. Pool
// capacities assume a mid-size scanning node; deployments size them via
// options or environment.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentScans:         100,
			MaxQueueSize:               1000,
			DefaultTimeout:             60 * time.Minute,
			ResourceMonitoringInterval: 30 * time.Second,
			SafetyMargin:               0.2,
			AllocationGrace:            5 * time.Minute,
			StageRecoveryDelay:         5 * time.Second,
			ShutdownTimeout:            30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick:           5 * time.Second,
			RetryAttempts:  3,
			RetryDelay:     15 * time.Minute,
			MinLeadTime:    0,
			StarvationAge:  60 * time.Minute,
			PromotionDelay: 2 * time.Minute,
		},
		Workflow: WorkflowConfig{
			MaxQueueSize:          200,
			Workers:               4,
			Timeout:               24 * time.Hour,
			ApprovalTimeout:       72 * time.Hour,
			AutoApprovalThreshold: 0.9,
			SweepInterval:         time.Minute,
			ShutdownTimeout:       30 * time.Second,
		},
		Pool: PoolConfig{
			CPUPercent:    400,
			MemoryMB:      32768,
			StorageMB:     204800,
			NetworkMbps:   2000,
			DBConnections: 100,
			APIRate:       5000,
		},
		History: HistoryConfig{
			CompletedSize: 1000,
			FailedSize:    500,
		},
		Calendar: CalendarConfig{
			BusinessStart:    9,
			BusinessEnd:      17,
			PeakStart:        10,
			PeakEnd:          16,
			MaintenanceStart: 2,
			MaintenanceEnd:   4,
			Location:         time.Local,
		},
	}
}

// LoadFromEnv overrides configuration from SCANWEAVE_* environment
// variables. Unparseable values are ignored in favor of the current value.
func (c *Config) LoadFromEnv() error {
	// Orchestrator settings
	if v := os.Getenv("SCANWEAVE_MAX_CONCURRENT_SCANS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxConcurrentScans = n
		}
	}
	if v := os.Getenv("SCANWEAVE_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxQueueSize = n
		}
	}
	if v := os.Getenv("SCANWEAVE_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.DefaultTimeout = d
		}
	}
	if v := os.Getenv("SCANWEAVE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.ResourceMonitoringInterval = d
		}
	}
	if v := os.Getenv("SCANWEAVE_SAFETY_MARGIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Orchestrator.SafetyMargin = f
		}
	}

	// Scheduler settings
	if v := os.Getenv("SCANWEAVE_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Tick = d
		}
	}
	if v := os.Getenv("SCANWEAVE_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.RetryAttempts = n
		}
	}
	if v := os.Getenv("SCANWEAVE_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.RetryDelay = d
		}
	}

	// Workflow settings
	if v := os.Getenv("SCANWEAVE_WORKFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.Workers = n
		}
	}
	if v := os.Getenv("SCANWEAVE_WORKFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workflow.Timeout = d
		}
	}
	if v := os.Getenv("SCANWEAVE_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workflow.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("SCANWEAVE_AUTO_APPROVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Workflow.AutoApprovalThreshold = f
		}
	}

	// Pool capacities
	if v := os.Getenv("SCANWEAVE_POOL_CPU_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.CPUPercent = f
		}
	}
	if v := os.Getenv("SCANWEAVE_POOL_MEMORY_MB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.MemoryMB = f
		}
	}
	if v := os.Getenv("SCANWEAVE_POOL_STORAGE_MB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.StorageMB = f
		}
	}
	if v := os.Getenv("SCANWEAVE_POOL_NETWORK_MBPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.NetworkMbps = f
		}
	}
	if v := os.Getenv("SCANWEAVE_POOL_DB_CONNECTIONS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.DBConnections = f
		}
	}
	if v := os.Getenv("SCANWEAVE_POOL_API_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pool.APIRate = f
		}
	}

	// Calendar
	if v := os.Getenv("SCANWEAVE_TIMEZONE"); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			c.Calendar.Location = loc
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Functional options
// ═══════════════════════════════════════════════════════════════════════════

// WithMaxConcurrentScans caps simultaneously active executions.
func WithMaxConcurrentScans(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max concurrent scans must be positive, got %d", n)
		}
		c.Orchestrator.MaxConcurrentScans = n
		return nil
	}
}

// WithMaxQueueSize caps the admission queue.
func WithMaxQueueSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max queue size must be positive, got %d", n)
		}
		c.Orchestrator.MaxQueueSize = n
		return nil
	}
}

// WithDefaultTimeout sets the execution timeout applied to requests that
// carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("default timeout must be positive, got %v", d)
		}
		c.Orchestrator.DefaultTimeout = d
		return nil
	}
}

// WithSafetyMargin reserves a fraction of pool capacity.
func WithSafetyMargin(m float64) Option {
	return func(c *Config) error {
		if m < 0 || m >= 1 {
			return fmt.Errorf("safety margin must be in [0, 1), got %v", m)
		}
		c.Orchestrator.SafetyMargin = m
		return nil
	}
}

// WithResourceMonitoringInterval sets the sweeper period.
func WithResourceMonitoringInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("monitoring interval must be positive, got %v", d)
		}
		c.Orchestrator.ResourceMonitoringInterval = d
		return nil
	}
}

// WithPoolCapacity replaces all pool capacities at once.
func WithPoolCapacity(p PoolConfig) Option {
	return func(c *Config) error {
		if p.CPUPercent <= 0 || p.MemoryMB <= 0 || p.StorageMB <= 0 ||
			p.NetworkMbps <= 0 || p.DBConnections <= 0 || p.APIRate <= 0 {
			return fmt.Errorf("pool capacities must all be positive")
		}
		c.Pool = p
		return nil
	}
}

// WithSchedulerTick sets the scheduler dispatch period (at most 10s).
func WithSchedulerTick(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 || d > 10*time.Second {
			return fmt.Errorf("scheduler tick must be in (0, 10s], got %v", d)
		}
		c.Scheduler.Tick = d
		return nil
	}
}

// WithRetryPolicy sets the scheduler retry budget and delay.
func WithRetryPolicy(attempts int, delay time.Duration) Option {
	return func(c *Config) error {
		if attempts < 0 {
			return fmt.Errorf("retry attempts must be non-negative, got %d", attempts)
		}
		if delay <= 0 {
			return fmt.Errorf("retry delay must be positive, got %v", delay)
		}
		c.Scheduler.RetryAttempts = attempts
		c.Scheduler.RetryDelay = delay
		return nil
	}
}

// WithBusinessHours sets the local business-hours window [start, end).
func WithBusinessHours(start, end int) Option {
	return func(c *Config) error {
		if err := validHourWindow(start, end); err != nil {
			return fmt.Errorf("business hours: %w", err)
		}
		c.Calendar.BusinessStart = start
		c.Calendar.BusinessEnd = end
		return nil
	}
}

// WithPeakHours sets the local peak-hours window [start, end).
func WithPeakHours(start, end int) Option {
	return func(c *Config) error {
		if err := validHourWindow(start, end); err != nil {
			return fmt.Errorf("peak hours: %w", err)
		}
		c.Calendar.PeakStart = start
		c.Calendar.PeakEnd = end
		return nil
	}
}

// WithMaintenanceWindow sets the local maintenance window [start, end)
// avoided by placement.
func WithMaintenanceWindow(start, end int) Option {
	return func(c *Config) error {
		if err := validHourWindow(start, end); err != nil {
			return fmt.Errorf("maintenance window: %w", err)
		}
		c.Calendar.MaintenanceStart = start
		c.Calendar.MaintenanceEnd = end
		return nil
	}
}

// WithLocation sets the calendar time zone.
func WithLocation(loc *time.Location) Option {
	return func(c *Config) error {
		if loc == nil {
			return fmt.Errorf("location must not be nil")
		}
		c.Calendar.Location = loc
		return nil
	}
}

// WithWorkflowWorkers sets the number of workflow launch workers.
func WithWorkflowWorkers(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("workflow workers must be positive, got %d", n)
		}
		c.Workflow.Workers = n
		return nil
	}
}

// WithWorkflowTimeout sets the hard cap on workflow runtime.
func WithWorkflowTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("workflow timeout must be positive, got %v", d)
		}
		c.Workflow.Timeout = d
		return nil
	}
}

// WithApprovalTimeout sets the wait before approvals escalate.
func WithApprovalTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("approval timeout must be positive, got %v", d)
		}
		c.Workflow.ApprovalTimeout = d
		return nil
	}
}

// WithAutoApprovalThreshold sets the score at which approvals auto-approve.
func WithAutoApprovalThreshold(t float64) Option {
	return func(c *Config) error {
		if t <= 0 || t > 1 {
			return fmt.Errorf("auto-approval threshold must be in (0, 1], got %v", t)
		}
		c.Workflow.AutoApprovalThreshold = t
		return nil
	}
}

// WithHistorySizes sizes the completed/failed history ring buffers.
func WithHistorySizes(completed, failed int) Option {
	return func(c *Config) error {
		if completed <= 0 || failed <= 0 {
			return fmt.Errorf("history sizes must be positive")
		}
		c.History.CompletedSize = completed
		c.History.FailedSize = failed
		return nil
	}
}

// NewConfig builds a validated configuration: defaults, then environment,
// then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency of the configuration.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.MaxConcurrentScans <= 0 {
		return fmt.Errorf("max concurrent scans must be positive")
	}
	if o.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive")
	}
	if o.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}
	if o.SafetyMargin < 0 || o.SafetyMargin >= 1 {
		return fmt.Errorf("safety margin must be in [0, 1)")
	}
	if o.ResourceMonitoringInterval <= 0 {
		return fmt.Errorf("monitoring interval must be positive")
	}
	if c.Scheduler.Tick <= 0 || c.Scheduler.Tick > 10*time.Second {
		return fmt.Errorf("scheduler tick must be in (0, 10s]")
	}
	if c.Scheduler.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.Workflow.Timeout <= 0 || c.Workflow.ApprovalTimeout <= 0 {
		return fmt.Errorf("workflow timeouts must be positive")
	}
	if c.Workflow.Workers <= 0 {
		return fmt.Errorf("workflow workers must be positive")
	}
	if c.Workflow.AutoApprovalThreshold <= 0 || c.Workflow.AutoApprovalThreshold > 1 {
		return fmt.Errorf("auto-approval threshold must be in (0, 1]")
	}
	if c.Pool.CPUPercent <= 0 || c.Pool.MemoryMB <= 0 || c.Pool.StorageMB <= 0 ||
		c.Pool.NetworkMbps <= 0 || c.Pool.DBConnections <= 0 || c.Pool.APIRate <= 0 {
		return fmt.Errorf("pool capacities must all be positive")
	}
	if c.History.CompletedSize <= 0 || c.History.FailedSize <= 0 {
		return fmt.Errorf("history sizes must be positive")
	}
	cal := c.Calendar
	for _, w := range [][2]int{
		{cal.BusinessStart, cal.BusinessEnd},
		{cal.PeakStart, cal.PeakEnd},
		{cal.MaintenanceStart, cal.MaintenanceEnd},
	} {
		if err := validHourWindow(w[0], w[1]); err != nil {
			return err
		}
	}
	if cal.Location == nil {
		return fmt.Errorf("calendar location must be set")
	}
	return nil
}

func validHourWindow(start, end int) error {
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		return fmt.Errorf("hour window [%d, %d) is invalid", start, end)
	}
	return nil
}
