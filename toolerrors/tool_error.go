// Package toolerrors provides the structured error type the call_tool and
// call_llm executors use to capture a failed external invocation as an
// error event. ToolError preserves a cause chain so a human-facing summary
// and full diagnostics can both be reconstructed from the same value.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is a structured tool-invocation failure: a human-readable
// message plus an optional wrapped cause. Chains support errors.Is/As via
// Unwrap.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, if any.
	Cause *ToolError
}

// New constructs a ToolError with the given message and no cause.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError wrapping cause. If message is empty
// it is filled in from cause's own message.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain, preserving
// an existing ToolError chain found anywhere in err's Unwrap tree.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats a message and returns it as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the wrapped cause, or nil, supporting errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Chain returns the messages of e and every wrapped Cause, outermost
// first, for publishing full diagnostics alongside a human-facing summary.
func (e *ToolError) Chain() []string {
	var out []string
	for cur := e; cur != nil; cur = cur.Cause {
		out = append(out, cur.Message)
	}
	return out
}
