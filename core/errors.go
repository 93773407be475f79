package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic conditions that can be wrapped with additional context.
var (
	// Validation and admission errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrQueueFull      = errors.New("queue full")

	// Lookup errors
	ErrExecutionNotFound = errors.New("execution not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrTemplateNotFound  = errors.New("workflow template not found")
	ErrApprovalNotFound  = errors.New("approval not found")

	// Terminal execution outcomes
	ErrCancelled         = errors.New("cancelled")
	ErrTimeout           = errors.New("timeout")
	ErrAllocationExpired = errors.New("allocation expired")
	ErrExecutionFailed   = errors.New("execution failed")

	// Scheduling and workflow conditions
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")
	ErrApprovalTimeout       = errors.New("approval timeout")
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrNotCancellable = errors.New("not cancellable")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Catch-all for unexpected internal conditions; always logged with
	// context before being returned.
	ErrInternal = errors.New("internal error")
)

// OrchestrationError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestrationError struct {
	Op      string // Operation that failed (e.g., "orchestrator.Submit")
	Kind    string // Error kind (e.g., "admission", "scheduling", "workflow")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *OrchestrationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a new OrchestrationError.
func NewOrchestrationError(op, kind string, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable reports whether an error represents a transient condition a
// scheduler retry can reasonably recover from.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAllocationExpired) ||
		errors.Is(err, ErrExecutionFailed) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsNotFound reports whether an error represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrApprovalNotFound)
}

// IsTerminalOutcome reports whether an error is one of the terminal
// execution outcomes (cancellation, timeout, expiry, failure) rather than a
// rejection at the API boundary.
func IsTerminalOutcome(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAllocationExpired) ||
		errors.Is(err, ErrExecutionFailed)
}
