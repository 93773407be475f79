package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scanweave/scanweave/core"
)

var (
	// globalRegistry holds the singleton Registry. atomic.Value gives
	// lock-free reads on the hot emission path; it is written once by
	// Initialize.
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize takes effect once per process.
	initOnce sync.Once

	// Health counters for the telemetry system itself.
	telemetryErrors  atomic.Int64
	telemetryDropped atomic.Int64
)

// Registry coordinates the metric backend. There is at most one per
// process, installed by Initialize.
type Registry struct {
	config   Config
	provider *meterProvider
	metrics  *metricInstruments
	logger   core.Logger
}

// Initialize activates the telemetry system. It must be called from main
// before metrics are wanted; until then all emission functions discard
// their input. Safe to call multiple times; only the first call takes
// effect.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		config.applyDefaults()

		logger := config.Logger
		if logger == nil {
			logger = core.NoOpLogger{}
		}
		logger = core.WithComponent(logger, "telemetry")

		provider, err := newMeterProvider(config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"impact":   "No metrics will be exported",
			})
			return
		}

		registry := &Registry{
			config:   config,
			provider: provider,
			metrics:  newMetricInstruments(provider.Meter(config.ServiceName)),
			logger:   logger,
		}
		globalRegistry.Store(registry)

		logger.Info("Telemetry initialized", map[string]interface{}{
			"service_name": config.ServiceName,
			"endpoint":     config.Endpoint,
		})
	})
	return initErr
}

// Shutdown flushes and stops the metric backend. After Shutdown, emissions
// become no-ops again.
func Shutdown(ctx context.Context) error {
	r := load()
	if r == nil {
		return nil
	}
	globalRegistry.Store((*Registry)(nil))
	return r.provider.Shutdown(ctx)
}

// ErrorCount reports how many emissions failed since process start. The
// health endpoint of an embedding service can expose it.
func ErrorCount() int64 { return telemetryErrors.Load() }

// DroppedCount reports how many label pairs were dropped due to malformed
// variadic label lists.
func DroppedCount() int64 { return telemetryDropped.Load() }

func load() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r, ok := v.(*Registry)
	if !ok || r == nil {
		return nil
	}
	return r
}

// resetForTesting clears the global registry so each test initializes its
// own backend.
func resetForTesting() {
	globalRegistry.Store((*Registry)(nil))
	initOnce = sync.Once{}
	telemetryErrors.Store(0)
	telemetryDropped.Store(0)
}

func (r *Registry) addCounter(ctx context.Context, name string, value int64, labels []string) {
	if err := r.metrics.recordCounter(ctx, name, value, metric.WithAttributes(labelsToAttributes(labels)...)); err != nil {
		r.fail(name, err)
	}
}

func (r *Registry) addUpDown(ctx context.Context, name string, delta int64, labels []string) {
	if err := r.metrics.recordUpDown(ctx, name, delta, metric.WithAttributes(labelsToAttributes(labels)...)); err != nil {
		r.fail(name, err)
	}
}

func (r *Registry) recordHistogram(ctx context.Context, name string, value float64, labels []string) {
	if err := r.metrics.recordHistogram(ctx, name, value, metric.WithAttributes(labelsToAttributes(labels)...)); err != nil {
		r.fail(name, err)
	}
}

func (r *Registry) recordGauge(ctx context.Context, name string, value float64, labels []string) {
	if err := r.metrics.recordGauge(ctx, name, value, metric.WithAttributes(labelsToAttributes(labels)...)); err != nil {
		r.fail(name, err)
	}
}

func (r *Registry) fail(name string, err error) {
	telemetryErrors.Add(1)
	r.logger.Debug("Metric emission failed", map[string]interface{}{
		"metric": name,
		"error":  err.Error(),
	})
}

// labelsToAttributes converts variadic key-value pairs into attributes. A
// trailing key without a value is dropped and counted.
func labelsToAttributes(labels []string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	if len(labels)%2 != 0 {
		telemetryDropped.Add(1)
		labels = labels[:len(labels)-1]
	}
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
