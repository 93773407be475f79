// Package telemetry provides simple, production-ready metrics emission for
// the orchestration system. The API favors progressive disclosure: the
// functions in this file cover almost every call site; Initialize wires the
// OpenTelemetry backend once in main.
//
// Before Initialize succeeds (or when it is never called, e.g. in library
// consumers that bring their own metrics), every emission is a cheap no-op
// so components never guard their metric calls.
package telemetry

import (
	"context"
	"time"
)

// Counter increments a counter metric by 1.
// Labels are key-value pairs.
// Example: Counter("scans.submitted", "priority", "high")
func Counter(name string, labels ...string) {
	Add(name, 1, labels...)
}

// Add increments a counter metric by value.
func Add(name string, value int64, labels ...string) {
	if r := load(); r != nil {
		r.addCounter(context.Background(), name, value, labels)
	}
}

// Histogram records a value in a distribution. Use for latencies, queue
// waits and stage durations.
// Example: Histogram("stage.duration_ms", 125.3, "mode", "parallel")
func Histogram(name string, value float64, labels ...string) {
	if r := load(); r != nil {
		r.recordHistogram(context.Background(), name, value, labels)
	}
}

// Gauge sets the current value of a metric that moves both ways: active
// executions, queue length, pool utilization.
func Gauge(name string, value float64, labels ...string) {
	if r := load(); r != nil {
		r.recordGauge(context.Background(), name, value, labels)
	}
}

// UpDown adjusts an up/down counter by delta. Use when increments and
// decrements come from different call sites (e.g. allocate/release).
func UpDown(name string, delta int64, labels ...string) {
	if r := load(); r != nil {
		r.addUpDown(context.Background(), name, delta, labels)
	}
}

// Duration records elapsed time since start in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration("admission.duration_ms", start)
func Duration(name string, start time.Time, labels ...string) {
	Histogram(name, float64(time.Since(start).Milliseconds()), labels...)
}

// RecordError counts an error occurrence with a type label.
func RecordError(name, errorType string, labels ...string) {
	Counter(name, append(labels, "error_type", errorType)...)
}

// TimeOperation times an operation and records its duration on completion.
//
//	defer telemetry.TimeOperation("plan.build_ms")()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}
