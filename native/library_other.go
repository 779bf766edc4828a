//go:build !(darwin || linux || freebsd)

package native

import (
	"fmt"
	"runtime"

	"llamacore/abi"
)

// Open is not available on this platform.
func Open(path string, layouts abi.LayoutSet) (API, error) {
	return nil, fmt.Errorf("%w: %s", ErrPlatformUnsupported, runtime.GOOS)
}

// NewCAllocator is not available on this platform.
func NewCAllocator() (abi.Allocator, error) {
	return nil, fmt.Errorf("%w: %s", ErrPlatformUnsupported, runtime.GOOS)
}
