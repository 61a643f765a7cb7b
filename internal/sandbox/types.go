package sandbox

import (
	"context"
	"fmt"

	"codequest-sandbox/internal/runtime"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecutionRequest is one untrusted submission. It is not modified after construction.
type ExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ExecutionResult is the single result contract every provider is normalized into.
type ExecutionResult struct {
	Status        string  `json:"status"`
	Output        string  `json:"output"`
	Error         string  `json:"error"`
	ExecutionTime float64 `json:"execution_time"` // seconds, three decimals
	Language      string  `json:"language"`

	// Bookkeeping for logs and the audit trail; not part of the wire contract.
	ID            string `json:"-"`
	CodeHash      string `json:"-"`
	Provider      string `json:"-"`
	PolicyBlocked bool   `json:"-"`
}

// RunRequest is what a Provider receives once policy has passed.
type RunRequest struct {
	ExecID  string
	Code    string
	Runtime runtime.Runtime
	Limits  Limits
}

// Outcome is the raw, provider-specific result. Err classifies failures that
// are not the submitted code's own fault (timeout, missing interpreter,
// unreachable runtime). It is nil when the code ran to completion, whatever
// its exit code.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Provider runs code inside one IsolationUnit per call. Run must not panic or
// block past ctx's deadline for longer than it takes to force-terminate the
// unit, and must release the unit before returning.
type Provider interface {
	Name() string
	Run(ctx context.Context, req RunRequest) Outcome
	Close() error
}

// HealthChecker is implemented by providers that depend on an external runtime.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Executor is the capability the HTTP boundary and CLI depend on.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ValidateRequest applies the boundary rules: supported language, non-blank
// code of at most runtime.MaxCodeLength characters.
func ValidateRequest(req ExecutionRequest, runtimes *runtime.Registry) error {
	if req.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	rt, err := runtimes.Get(req.Language)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}
	if err := rt.Validate(req.Code); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	return nil
}
