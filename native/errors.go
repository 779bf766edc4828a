package native

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSymbolNotFound indicates a required native entry point is missing.
	ErrSymbolNotFound = errors.New("native symbol not found")

	// ErrUnsupportedOperation indicates an optional native entry point was
	// not resolved on this build of the library.
	ErrUnsupportedOperation = errors.New("operation not supported by native library")

	// ErrPlatformUnsupported indicates dynamic loading is not available on
	// this GOOS.
	ErrPlatformUnsupported = errors.New("native library loading not supported on this platform")

	// ErrLibraryOpen indicates the shared library could not be opened.
	ErrLibraryOpen = errors.New("failed to open native library")

	// ErrLayoutMismatch indicates the ABI layouts do not match the by-value
	// struct sizes the binder passes across the boundary.
	ErrLayoutMismatch = errors.New("ABI layout does not match binder struct size")
)

// ResolveError names the function and symbols that could not be resolved.
type ResolveError struct {
	Function string   // logical function name
	Symbol   string   // first symbol of the preferred candidate that was missing
	Tried    []string // every symbol name tried, in order
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: missing symbol %q (tried %s)", e.Function, e.Symbol, strings.Join(e.Tried, ", "))
}

// Unwrap returns ErrSymbolNotFound.
func (e *ResolveError) Unwrap() error {
	return ErrSymbolNotFound
}
