package abi

import (
	"fmt"
	"sync"
	"unsafe"
)

// Allocator hands out raw memory for an Arena. The engine uses a libc
// backed allocator so the native library only ever sees C memory; tests
// use HeapAllocator.
type Allocator interface {
	// Alloc returns size bytes of zeroed memory aligned to 8 bytes.
	Alloc(size uintptr) (unsafe.Pointer, error)
	// Free releases memory returned by Alloc.
	Free(p unsafe.Pointer)
}

// Arena is a bulk allocation scope. Every buffer handed out stays valid
// until Close, which frees them all at once.
type Arena struct {
	mu     sync.Mutex
	alloc  Allocator
	blocks []unsafe.Pointer
	bytes  uintptr
	closed bool
}

// NewArena creates an arena over the given allocator.
func NewArena(alloc Allocator) *Arena {
	return &Arena{alloc: alloc}
}

// Alloc returns size bytes of zeroed, 8-byte aligned memory owned by the
// arena. A zero size returns a nil pointer.
func (a *Arena) Alloc(size uintptr) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrArenaClosed
	}
	if size == 0 {
		return nil, nil
	}

	p, err := a.alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("abi: arena alloc %d bytes: %w", size, err)
	}
	a.blocks = append(a.blocks, p)
	a.bytes += size
	return p, nil
}

// CString copies s into arena memory with a trailing NUL.
func (a *Arena) CString(s string) (unsafe.Pointer, error) {
	p, err := a.Alloc(uintptr(len(s) + 1))
	if err != nil {
		return nil, err
	}
	buf := unsafe.Slice((*byte)(p), len(s)+1)
	copy(buf, s)
	buf[len(s)] = 0
	return p, nil
}

// Len returns the number of live allocations.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

// Bytes returns the total number of bytes allocated so far.
func (a *Arena) Bytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// Close frees every allocation. Safe to call more than once.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	for i := len(a.blocks) - 1; i >= 0; i-- {
		a.alloc.Free(a.blocks[i])
	}
	a.blocks = nil
	a.bytes = 0
	return nil
}

// HeapAllocator allocates from the Go heap and pins every live block so
// the collector never reclaims memory that only raw pointers refer to.
type HeapAllocator struct {
	mu    sync.Mutex
	live  map[unsafe.Pointer][]uint64
	frees int
}

// NewHeapAllocator returns an empty HeapAllocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{live: make(map[unsafe.Pointer][]uint64)}
}

// Alloc implements Allocator.
func (h *HeapAllocator) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 8
	}
	words := make([]uint64, (size+7)/8)
	p := unsafe.Pointer(&words[0])

	h.mu.Lock()
	h.live[p] = words
	h.mu.Unlock()
	return p, nil
}

// Free implements Allocator.
func (h *HeapAllocator) Free(p unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, p)
	h.frees++
}

// Frees returns the number of Free calls made so far.
func (h *HeapAllocator) Frees() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frees
}

// Owns reports whether p is the start of a live block.
func (h *HeapAllocator) Owns(p unsafe.Pointer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.live[p]
	return ok
}

// Live returns the number of blocks not yet freed.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
