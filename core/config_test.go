package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 100, cfg.Orchestrator.MaxConcurrentScans)
	assert.Equal(t, 1000, cfg.Orchestrator.MaxQueueSize)
	assert.Equal(t, 60*time.Minute, cfg.Orchestrator.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ResourceMonitoringInterval)
	assert.Equal(t, 0.2, cfg.Orchestrator.SafetyMargin)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.StageRecoveryDelay)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 3, cfg.Scheduler.RetryAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RetryDelay)
	assert.Equal(t, 60*time.Minute, cfg.Scheduler.StarvationAge)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.PromotionDelay)

	assert.Equal(t, 24*time.Hour, cfg.Workflow.Timeout)
	assert.Equal(t, 72*time.Hour, cfg.Workflow.ApprovalTimeout)
	assert.Equal(t, 0.9, cfg.Workflow.AutoApprovalThreshold)

	assert.Equal(t, 1000, cfg.History.CompletedSize)
	assert.Equal(t, 500, cfg.History.FailedSize)

	assert.Equal(t, 9, cfg.Calendar.BusinessStart)
	assert.Equal(t, 17, cfg.Calendar.BusinessEnd)
	assert.Equal(t, 10, cfg.Calendar.PeakStart)
	assert.Equal(t, 16, cfg.Calendar.PeakEnd)
	assert.Equal(t, 2, cfg.Calendar.MaintenanceStart)
	assert.Equal(t, 4, cfg.Calendar.MaintenanceEnd)

	require.NoError(t, cfg.Validate())
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithMaxConcurrentScans(10),
		WithMaxQueueSize(50),
		WithSafetyMargin(0.3),
		WithSchedulerTick(2*time.Second),
		WithRetryPolicy(5, 10*time.Minute),
		WithBusinessHours(8, 18),
		WithMaintenanceWindow(1, 3),
		WithHistorySizes(20, 10),
		WithLocation(time.UTC),
	)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Orchestrator.MaxConcurrentScans)
	assert.Equal(t, 50, cfg.Orchestrator.MaxQueueSize)
	assert.Equal(t, 0.3, cfg.Orchestrator.SafetyMargin)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 5, cfg.Scheduler.RetryAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.RetryDelay)
	assert.Equal(t, 8, cfg.Calendar.BusinessStart)
	assert.Equal(t, 18, cfg.Calendar.BusinessEnd)
	assert.Equal(t, 1, cfg.Calendar.MaintenanceStart)
	assert.Equal(t, 3, cfg.Calendar.MaintenanceEnd)
	assert.Equal(t, 20, cfg.History.CompletedSize)
	assert.Equal(t, 10, cfg.History.FailedSize)
	assert.Equal(t, time.UTC, cfg.Calendar.Location)
}

func TestNewConfigRejectsInvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"zero concurrency", WithMaxConcurrentScans(0)},
		{"negative queue", WithMaxQueueSize(-1)},
		{"margin at one", WithSafetyMargin(1)},
		{"tick above ceiling", WithSchedulerTick(11 * time.Second)},
		{"zero retry delay", WithRetryPolicy(3, 0)},
		{"inverted business hours", WithBusinessHours(18, 9)},
		{"nil location", WithLocation(nil)},
		{"threshold above one", WithAutoApprovalThreshold(1.5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.opt)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCANWEAVE_MAX_CONCURRENT_SCANS", "7")
	t.Setenv("SCANWEAVE_SAFETY_MARGIN", "0.45")
	t.Setenv("SCANWEAVE_SCHEDULER_TICK", "3s")
	t.Setenv("SCANWEAVE_POOL_CPU_PERCENT", "800")
	t.Setenv("SCANWEAVE_APPROVAL_TIMEOUT", "48h")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Orchestrator.MaxConcurrentScans)
	assert.Equal(t, 0.45, cfg.Orchestrator.SafetyMargin)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, float64(800), cfg.Pool.CPUPercent)
	assert.Equal(t, 48*time.Hour, cfg.Workflow.ApprovalTimeout)
}

func TestEnvOverriddenByOptions(t *testing.T) {
	t.Setenv("SCANWEAVE_MAX_CONCURRENT_SCANS", "7")

	cfg, err := NewConfig(WithMaxConcurrentScans(3))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentScans)
}

func TestUnparseableEnvIgnored(t *testing.T) {
	t.Setenv("SCANWEAVE_MAX_CONCURRENT_SCANS", "many")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Orchestrator.MaxConcurrentScans)
}

func TestValidateCatchesBadHandEditedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Tick = time.Minute
	assert.Error(t, cfg.Validate(), "tick above 10s must be rejected")

	cfg = DefaultConfig()
	cfg.Pool.DBConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Calendar.MaintenanceStart = 4
	cfg.Calendar.MaintenanceEnd = 2
	assert.Error(t, cfg.Validate())
}
