package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRuntimeUnavailable means the interpreter could not be brought up.
	// Callers may retry Bootstrap.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrUnsupportedCommand is returned by InstallPackage for input that is
	// not of the form "install <name>".
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrPackageUnavailable is returned for a package that does not exist or
	// is not on the allow-list.
	ErrPackageUnavailable = errors.New("package unavailable")

	// ErrClosed is returned once the sandbox has been closed.
	ErrClosed = errors.New("sandbox closed")
)

// ExecutionRequest is one program run.
type ExecutionRequest struct {
	Source         string
	ScriptedInputs []string
}

// ExecutionResult is the outcome of one run. A non-empty ErrorText means the
// program raised an uncaught fault; CapturedOutput still holds whatever it
// printed before that.
type ExecutionResult struct {
	CapturedOutput     string        `json:"captured_output"`
	ConsumedInputCount int           `json:"consumed_input_count"`
	ErrorText          string        `json:"error_text,omitempty"`
	Truncated          bool          `json:"truncated,omitempty"`
	Duration           time.Duration `json:"duration_ns"`
}

// Faulted reports whether the program raised an uncaught error.
func (r *ExecutionResult) Faulted() bool {
	return r.ErrorText != ""
}

// Sandbox runs learner programs against a single long-lived interpreter.
// Implementations must never run two programs at once.
type Sandbox interface {
	// Bootstrap loads the interpreter. It is idempotent.
	Bootstrap(ctx context.Context) error

	// Execute runs req.Source to completion or fault. Program faults are
	// reported in the result, not as errors.
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

	// InstallPackage makes a package importable for later runs. Only the
	// command form "install <name>" is accepted.
	InstallPackage(ctx context.Context, command string) (string, error)

	// Close releases the interpreter.
	Close() error
}
