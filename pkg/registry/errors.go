package registry

import (
	"errors"
	"fmt"
	"time"
)

// ErrShuttingDown fails queued invocations when the tool is stopped.
var ErrShuttingDown = errors.New("shutting down")

// StartupTimeoutError reports a process that never made protocol contact
// within the startup window.
type StartupTimeoutError struct {
	Function string
	Timeout  time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("function %s made no contact within %s after starting", e.Function, e.Timeout)
}

// InitializationError reports a process that failed during its own startup
// before ever polling for work.
type InitializationError struct {
	Function string
	Cause    *FunctionError
}

func (e *InitializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("function %s failed to initialize: %s", e.Function, e.Cause)
	}
	return fmt.Sprintf("function %s failed to initialize", e.Function)
}

// FunctionUnavailableError is surfaced once the consecutive-crash budget for a
// function is exhausted.
type FunctionUnavailableError struct {
	Function string
	Crashes  int
	Cause    error
}

func (e *FunctionUnavailableError) Error() string {
	return fmt.Sprintf("function %s unavailable after %d consecutive crashes: %v", e.Function, e.Crashes, e.Cause)
}

func (e *FunctionUnavailableError) Unwrap() error { return e.Cause }

// ProcessExitError reports a child process that exited while it was expected
// to keep serving invocations.
type ProcessExitError struct {
	Function string
	Err      error
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("function %s process exited unexpectedly: %v", e.Function, e.Err)
}

// UnknownInvocationError reports a response or error submitted with a
// correlation identifier that is not currently outstanding. Usually a stale or
// duplicate process misusing the protocol.
type UnknownInvocationError struct {
	Function  string
	RequestID string
}

func (e *UnknownInvocationError) Error() string {
	return fmt.Sprintf("no outstanding invocation %s for function %s", e.RequestID, e.Function)
}

// TimeoutError fulfills an invocation whose deadline passed before the process
// responded. The process is left running; a late response is discarded.
type TimeoutError struct {
	Function string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invocation of %s exceeded its deadline", e.Function)
}

// QueueFullError rejects a submission once a function's pending queue is at
// capacity.
type QueueFullError struct {
	Function string
	Depth    int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("function %s has %d queued invocations, rejecting new work", e.Function, e.Depth)
}

// FunctionError is an error reported by the function itself through the
// submit-error or init-error operation. It is passed through to the invoker
// verbatim; it is not a tool fault.
type FunctionError struct {
	Type       string   `json:"errorType"`
	Message    string   `json:"errorMessage"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
