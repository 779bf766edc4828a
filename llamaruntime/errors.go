// Package llamaruntime runs local llama.cpp inference through the native
// bindings: tokenize, decode, sample, detokenize.
package llamaruntime

import (
	"errors"
	"fmt"

	"llamacore/native"
)

// LlamaError represents an error from an engine operation.
// It carries the operation that failed, the error kind (one of the
// sentinels below), the native return code where there is one, and the
// underlying cause.
type LlamaError struct {
	Op      string // Operation that failed (e.g., "load_model", "decode")
	Kind    error  // Sentinel describing the failure class
	Code    int    // Native return code (0 when not applicable)
	Message string // Human-readable error message
	Err     error  // Wrapped underlying error (if any)
}

// Error implements the error interface.
func (e *LlamaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llama.cpp %s: %s (code: %d): %v", e.Op, e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("llama.cpp %s: %s (code: %d)", e.Op, e.Message, e.Code)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *LlamaError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(op string, kind error, msg string, cause error) *LlamaError {
	return &LlamaError{Op: op, Kind: kind, Message: msg, Err: cause}
}

// Sentinel errors for failure classes.
// These are used for error checking with errors.Is().
var (
	// ErrConfiguration indicates invalid paths, sizes or sampling ranges.
	// Raised at construction and never retried.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrLoad indicates the native library, model or context failed to
	// initialize.
	ErrLoad = errors.New("failed to load")

	// ErrModelNotFound indicates the model file was not found at the specified path.
	ErrModelNotFound = errors.New("model file not found")

	// ErrTokenization indicates the native tokenizer rejected the input.
	ErrTokenization = errors.New("tokenization failed")

	// ErrDecode indicates the native decode step returned an error while
	// processing the prompt.
	ErrDecode = errors.New("decode failed")

	// ErrCapacity indicates the prompt plus requested tokens exceed the
	// context window.
	ErrCapacity = errors.New("context capacity exceeded")

	// ErrUnsupportedOperation indicates an optional native function is
	// absent from the loaded library.
	ErrUnsupportedOperation = native.ErrUnsupportedOperation

	// ErrStateIO indicates a state file could not be saved or restored.
	ErrStateIO = errors.New("state file I/O failed")

	// ErrCircuitOpen indicates the circuit breaker rejected the call
	// without touching the native layer.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEngineBusy indicates another generation or embedding call is
	// already running on this engine.
	ErrEngineBusy = errors.New("engine busy")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidTransition indicates an engine state change that the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid engine state transition")
)

// CapacityError reports a request that does not fit the context window.
type CapacityError struct {
	PromptTokens int
	MaxTokens    int
	ContextSize  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: %d prompt tokens + %d max tokens > context size %d",
		ErrCapacity, e.PromptTokens, e.MaxTokens, e.ContextSize)
}

// Is makes errors.Is(err, ErrCapacity) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// IsCallerError reports whether err was caused by the request itself
// rather than by the native layer. Caller errors do not count against the
// circuit breaker.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrCapacity) ||
		errors.Is(err, ErrEngineBusy) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrCircuitOpen)
}
