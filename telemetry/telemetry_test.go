package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect gathers everything the manual reader has seen.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func initWithManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	resetForTesting()
	t.Cleanup(resetForTesting)

	reader := sdkmetric.NewManualReader()
	require.NoError(t, Initialize(Config{ServiceName: "scanweave-test", Reader: reader}))
	return reader
}

func TestEmitBeforeInitializeIsNoOp(t *testing.T) {
	resetForTesting()
	t.Cleanup(resetForTesting)

	// Must not panic or block.
	Counter("scans.submitted")
	Gauge("pool.utilization", 0.5)
	Histogram("stage.duration_ms", 12)
	UpDown("queue.length", 1)
}

func TestCounterFlowsToReader(t *testing.T) {
	reader := initWithManualReader(t)

	Counter("scans.submitted", "priority", "high")
	Counter("scans.submitted", "priority", "high")
	Add("scans.submitted", 3, "priority", "low")

	metrics := collect(t, reader)
	m, ok := metrics["scans.submitted"]
	require.True(t, ok, "counter not exported")

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(5), total)
	assert.Len(t, sum.DataPoints, 2, "expected one series per priority label")
}

func TestGaugeKeepsLatestValue(t *testing.T) {
	reader := initWithManualReader(t)

	Gauge("queue.length", 3)
	Gauge("queue.length", 7)

	metrics := collect(t, reader)
	m, ok := metrics["queue.length"]
	require.True(t, ok, "gauge not exported")

	g, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, 7.0, g.DataPoints[0].Value)
}

func TestHistogramRecordsDistribution(t *testing.T) {
	reader := initWithManualReader(t)

	Histogram("stage.duration_ms", 10)
	Histogram("stage.duration_ms", 30)
	Duration("stage.duration_ms", time.Now())

	metrics := collect(t, reader)
	m, ok := metrics["stage.duration_ms"]
	require.True(t, ok, "histogram not exported")

	h, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, uint64(3), h.DataPoints[0].Count)
}

func TestUpDownCounter(t *testing.T) {
	reader := initWithManualReader(t)

	UpDown("allocations.active", 2)
	UpDown("allocations.active", 3)
	UpDown("allocations.active", -1)

	metrics := collect(t, reader)
	m, ok := metrics["allocations.active"]
	require.True(t, ok)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(4), sum.DataPoints[0].Value)
}

func TestOddLabelListIsDroppedNotFatal(t *testing.T) {
	reader := initWithManualReader(t)

	before := DroppedCount()
	Counter("scans.submitted", "priority") // trailing key without value

	metrics := collect(t, reader)
	_, ok := metrics["scans.submitted"]
	assert.True(t, ok, "metric should still be emitted without the bad label")
	assert.Equal(t, before+1, DroppedCount())
}

func TestInitializeOnlyOnce(t *testing.T) {
	reader := initWithManualReader(t)

	// Second Initialize must be ignored, first backend keeps working.
	require.NoError(t, Initialize(Config{ServiceName: "other"}))
	Counter("scans.submitted")

	metrics := collect(t, reader)
	_, ok := metrics["scans.submitted"]
	assert.True(t, ok)
}

func TestShutdownDisablesEmission(t *testing.T) {
	initWithManualReader(t)

	require.NoError(t, Shutdown(context.Background()))
	// Safe after shutdown.
	Counter("scans.submitted")
	assert.NoError(t, Shutdown(context.Background()))
}
