package abi

import (
	"errors"
	"testing"
	"unsafe"
)

func TestArena_AllocAndClose(t *testing.T) {
	heap := NewHeapAllocator()
	arena := NewArena(heap)

	for _, size := range []uintptr{1, 7, 8, 120} {
		p, err := arena.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", size, err)
		}
		if uintptr(p)%8 != 0 {
			t.Errorf("Alloc(%d) not 8-byte aligned: %p", size, p)
		}
		for i, b := range unsafe.Slice((*byte)(p), size) {
			if b != 0 {
				t.Fatalf("Alloc(%d) byte %d not zeroed", size, i)
			}
		}
	}

	if arena.Len() != 4 {
		t.Errorf("expected 4 allocations, got %d", arena.Len())
	}
	if arena.Bytes() != 136 {
		t.Errorf("expected 136 bytes, got %d", arena.Bytes())
	}

	if err := arena.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if heap.Frees() != 4 {
		t.Errorf("expected 4 frees, got %d", heap.Frees())
	}
	if heap.Live() != 0 {
		t.Errorf("expected no live blocks, got %d", heap.Live())
	}

	if _, err := arena.Alloc(8); !errors.Is(err, ErrArenaClosed) {
		t.Errorf("expected ErrArenaClosed, got %v", err)
	}
}

func TestArena_ZeroSize(t *testing.T) {
	arena := NewArena(NewHeapAllocator())
	defer arena.Close()

	p, err := arena.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("expected nil pointer for zero size, got %p", p)
	}
	if arena.Len() != 0 {
		t.Errorf("zero size alloc should not be tracked, got %d blocks", arena.Len())
	}
}

func TestArena_CString(t *testing.T) {
	arena := NewArena(NewHeapAllocator())
	defer arena.Close()

	p, err := arena.CString("model.gguf")
	if err != nil {
		t.Fatal(err)
	}
	raw := unsafe.Slice((*byte)(p), 11)
	if string(raw[:10]) != "model.gguf" {
		t.Errorf("expected %q, got %q", "model.gguf", raw[:10])
	}
	if raw[10] != 0 {
		t.Error("expected NUL terminator")
	}
}

func TestHeapAllocator_Owns(t *testing.T) {
	alloc := NewHeapAllocator()
	arena := NewArena(alloc)

	p, err := arena.CString("")
	if err != nil {
		t.Fatal(err)
	}
	if !alloc.Owns(p) {
		t.Error("expected arena string to be owned by the allocator")
	}
	var local byte
	if alloc.Owns(unsafe.Pointer(&local)) {
		t.Error("expected foreign pointer not to be owned")
	}
	arena.Close()
	if alloc.Owns(p) {
		t.Error("expected freed block not to be owned")
	}
}

type failingAllocator struct{}

func (failingAllocator) Alloc(uintptr) (unsafe.Pointer, error) { return nil, errors.New("oom") }
func (failingAllocator) Free(unsafe.Pointer) {}

func TestArena_AllocatorFailure(t *testing.T) {
	arena := NewArena(failingAllocator{})
	if _, err := arena.Alloc(16); err == nil {
		t.Error("expected allocator error to surface")
	}
}
