//go:build darwin || linux || freebsd

package native

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"llamacore/abi"
)

func libcPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		return "libc.so.7"
	default:
		return "libc.so.6"
	}
}

// cAllocator allocates arena memory with libc so that every buffer handed
// to the native library lives outside the Go heap.
type cAllocator struct {
	calloc func(n, size uintptr) unsafe.Pointer
	free   func(p unsafe.Pointer)
}

// NewCAllocator resolves calloc and free from the system C library.
func NewCAllocator() (abi.Allocator, error) {
	handle, err := purego.Dlopen(libcPath(), purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: libc: %v", ErrLibraryOpen, err)
	}

	res, err := NewResolver(dlSource{handle}).Resolve([]FuncSpec{
		{Name: "calloc", Candidates: single("calloc")},
		{Name: "free", Candidates: single("free")},
	})
	if err != nil {
		return nil, err
	}

	a := &cAllocator{}
	purego.RegisterFunc(&a.calloc, res.Binding("calloc").Addr("calloc"))
	purego.RegisterFunc(&a.free, res.Binding("free").Addr("free"))
	return a, nil
}

func (a *cAllocator) Alloc(size uintptr) (unsafe.Pointer, error) {
	p := a.calloc(1, size)
	if p == nil {
		return nil, errors.New("calloc returned NULL")
	}
	return p, nil
}

func (a *cAllocator) Free(p unsafe.Pointer) {
	if p != nil {
		a.free(p)
	}
}
