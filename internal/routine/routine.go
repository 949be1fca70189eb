// Package routine defines the user-visible failure type shared by every
// command. A Failure carries a short action ("Planning failed") plus details,
// and optionally wraps the underlying cause so `%w` chains stay intact.
package routine

import (
	"errors"
	"fmt"
)

// Exit codes. Drift gets its own code so CI pipelines can tell "the plan is
// stale, regenerate it" apart from ordinary failures.
const (
	ExitOK    = 0
	ExitError = 1
	ExitDrift = 2
)

// Failure is the canonical error surfaced to users. Action is a short
// headline, Details is the wrapped body.
type Failure struct {
	Action  string
	Details string
	Cause   error
	// Code overrides the process exit code when nonzero.
	Code int
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Action, f.Details, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Action, f.Details)
}

func (f *Failure) Unwrap() error { return f.Cause }

// New creates a Failure with no underlying cause.
func New(action, details string) *Failure {
	return &Failure{Action: action, Details: details}
}

// Wrap creates a Failure around an underlying error.
func Wrap(action, details string, cause error) *Failure {
	return &Failure{Action: action, Details: details, Cause: cause}
}

// Newf creates a Failure with formatted details.
func Newf(action, format string, args ...any) *Failure {
	return &Failure{Action: action, Details: fmt.Sprintf(format, args...)}
}

// ExitCode returns the exit code an error should terminate the process with.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var f *Failure
	if errors.As(err, &f) && f.Code != 0 {
		return f.Code
	}
	return ExitError
}
