package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrInterpreterMissing = errors.New("interpreter not installed")
	ErrRuntimeUnavailable = errors.New("isolation runtime unavailable")
	ErrProviderPanic      = errors.New("isolation provider panicked")
	ErrPolicyViolation    = errors.New("code rejected by policy")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrUnsupportedLang    = errors.New("unsupported language")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsInfra returns true for failures of the execution environment rather than
// of the submitted code.
func IsInfra(err error) bool {
	return errors.Is(err, ErrInterpreterMissing) ||
		errors.Is(err, ErrRuntimeUnavailable) ||
		errors.Is(err, ErrProviderPanic)
}

// infraOutcome builds the outcome for an environment failure at op.
func infraOutcome(execID, op string, kind, cause error) Outcome {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %v", kind, cause)
	}
	return Outcome{ExitCode: -1, Err: &ExecutionError{ExecID: execID, Op: op, Err: err}}
}

// timeoutOutcome keeps whatever output was captured before the kill.
func timeoutOutcome(execID string, stdout, stderr string) Outcome {
	return Outcome{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: -1,
		Err:      &ExecutionError{ExecID: execID, Op: "wait", Err: ErrTimeout},
	}
}
