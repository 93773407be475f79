package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// LoopConfig configures a supervised background loop.
type LoopConfig struct {
	// Name labels log entries for this loop.
	Name string

	// RestartDelay is the pause before a crashed loop is restarted.
	RestartDelay time.Duration

	// MaxRestarts bounds how many times a crashing loop is revived
	// before the supervisor gives up. Zero means 10.
	MaxRestarts int

	// Clock drives the restart delay; nil means the system clock.
	Clock Clock

	// Logger receives crash reports; nil disables logging.
	Logger Logger
}

// Supervise runs loop until ctx is done, reviving it after panics or error
// returns up to a bounded number of restarts. Background loops must only
// return nil when ctx is done; anything else is treated as a crash.
//
// Supervise blocks; callers run it in a goroutine per loop.
func Supervise(ctx context.Context, config LoopConfig, loop func(context.Context) error) {
	clock := config.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = NoOpLogger{}
	}
	maxRestarts := config.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 10
	}
	delay := config.RestartDelay
	if delay <= 0 {
		delay = time.Second
	}

	restarts := 0
	for {
		err := runLoopOnce(ctx, loop)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A voluntary exit while the context is live is a finished
			// loop, not a crash.
			return
		}

		restarts++
		if restarts > maxRestarts {
			logger.Error("Background loop gave up after repeated crashes", map[string]interface{}{
				"loop":     config.Name,
				"restarts": restarts - 1,
				"error":    err.Error(),
			})
			return
		}

		fields := map[string]interface{}{
			"loop":    config.Name,
			"restart": restarts,
			"error":   err.Error(),
		}
		var pe panicError
		if errors.As(err, &pe) {
			fields["stack"] = string(pe.stack)
		}
		logger.Error("Background loop crashed, restarting", fields)
		if err := clock.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// runLoopOnce executes loop with panic recovery, converting panics into
// errors so the supervisor can apply its restart policy.
func runLoopOnce(ctx context.Context, loop func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OrchestrationError{
				Op:      "supervise",
				Kind:    "panic",
				Message: "loop panicked",
				Err:     panicError{value: r, stack: debug.Stack()},
			}
		}
	}()
	return loop(ctx)
}

// panicError carries a recovered panic value and its stack.
type panicError struct {
	value interface{}
	stack []byte
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
