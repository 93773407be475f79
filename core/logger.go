package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a zap.Logger to the Logger interface.
type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger returns a production Logger (JSON to stdout) at the given
// level ("debug", "info", "warn", "error").
func NewZapLogger(level string) (Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &zapLogger{l: l}, nil
}

// NewDevelopmentLogger returns a human-readable Logger for local runs and
// examples, falling back to a NoOpLogger if construction fails.
func NewDevelopmentLogger() Logger {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		return NoOpLogger{}
	}
	return &zapLogger{l: l}
}

func (z *zapLogger) Info(msg string, fields map[string]interface{}) {
	z.l.Info(msg, toZapFields(fields)...)
}

func (z *zapLogger) Error(msg string, fields map[string]interface{}) {
	z.l.Error(msg, toZapFields(fields)...)
}

func (z *zapLogger) Warn(msg string, fields map[string]interface{}) {
	z.l.Warn(msg, toZapFields(fields)...)
}

func (z *zapLogger) Debug(msg string, fields map[string]interface{}) {
	z.l.Debug(msg, toZapFields(fields)...)
}

func toZapFields(m map[string]interface{}) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	fs := make([]zap.Field, 0, len(m))
	for k, v := range m {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

// componentLogger stamps every entry with the emitting component.
type componentLogger struct {
	base      Logger
	component string
}

// WithComponent wraps base so every entry carries a "component" field. A
// nil base becomes a NoOpLogger.
func WithComponent(base Logger, component string) Logger {
	if base == nil {
		base = NoOpLogger{}
	}
	if cl, ok := base.(*componentLogger); ok {
		base = cl.base
	}
	return &componentLogger{base: base, component: component}
}

func (c *componentLogger) stamp(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.component
	return out
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.Info(msg, c.stamp(fields))
}

func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.Error(msg, c.stamp(fields))
}

func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.Warn(msg, c.stamp(fields))
}

func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	c.base.Debug(msg, c.stamp(fields))
}
