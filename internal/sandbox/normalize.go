package sandbox

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"codequest-sandbox/internal/runtime"
)

// Normalize maps a provider outcome onto the ExecutionResult contract.
// It never fails: every outcome, including infrastructure failures, becomes
// a well-formed result with an error status.
func Normalize(out Outcome, rt runtime.Runtime, elapsed time.Duration, limits Limits) ExecutionResult {
	res := ExecutionResult{
		Status:        StatusSuccess,
		Output:        truncateOutput(out.Stdout, limits.MaxOutputBytes),
		ExecutionTime: roundSeconds(elapsed),
		Language:      rt.Name(),
	}

	switch {
	case out.Err == nil:
		stderr := truncateOutput(out.Stderr, limits.MaxOutputBytes)
		if out.ExitCode == 0 && stderr == "" {
			return res
		}
		res.Status = StatusError
		res.Error = stderr
		if res.Error == "" {
			res.Error = fmt.Sprintf("Process exited with code %d", out.ExitCode)
		}

	case errors.Is(out.Err, ErrTimeout):
		res.Status = StatusError
		res.Error = TimeoutMessage(limits.Timeout)

	case errors.Is(out.Err, ErrInterpreterMissing):
		res.Status = StatusError
		res.Error = fmt.Sprintf("%s is not installed. Please install %s to run %s code.",
			rt.InterpreterName(), rt.InterpreterName(), rt.DisplayName())

	case errors.Is(out.Err, ErrRuntimeUnavailable):
		res.Status = StatusError
		res.Error = "Execution environment unavailable: " + causeOf(out.Err, ErrRuntimeUnavailable)

	default:
		res.Status = StatusError
		res.Error = "Internal execution error: " + out.Err.Error()
	}

	return res
}

// TimeoutMessage names the configured limit in whole or fractional seconds.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Execution timeout (max %g seconds)", timeout.Seconds())
}

// roundSeconds reports elapsed wall time in seconds to three decimals.
func roundSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return math.Round(d.Seconds()*1000) / 1000
}

// causeOf strips the ExecutionError prefix and sentinel text so the caller
// sees only the underlying reason.
func causeOf(err, kind error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		err = execErr.Err
	}
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, kind.Error()+": "); ok {
		return rest
	}
	return msg
}
