package core

import (
	"context"
	"errors"

	"llamacore/llamaruntime"
)

// Exit codes for the command line.
// Signal-based exits follow the Unix convention of 128 + signal number.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeConfig indicates invalid or missing configuration.
	ExitCodeConfig = 2

	// ExitCodeLoad indicates the library or model failed to load.
	ExitCodeLoad = 3

	// ExitCodeSIGINT is 128 + 2.
	ExitCodeSIGINT = 130

	// ExitCodeSIGTERM is 128 + 15.
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeLoad:
		return "load error"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}

// ExitCodeFor maps a command error to its exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.Is(err, context.Canceled):
		return ExitCodeSIGINT
	case errors.Is(err, llamaruntime.ErrConfiguration):
		return ExitCodeConfig
	case errors.Is(err, llamaruntime.ErrLoad), errors.Is(err, llamaruntime.ErrModelNotFound):
		return ExitCodeLoad
	default:
		return ExitCodeError
	}
}
