package abi

import (
	"fmt"
	"unsafe"
)

// Struct is a native struct instance living in Arena memory, accessed
// through its Layout.
type Struct struct {
	layout *Layout
	ptr    unsafe.Pointer
}

// NewStruct allocates a zeroed struct for layout from arena.
func NewStruct(arena *Arena, layout *Layout) (*Struct, error) {
	p, err := arena.Alloc(layout.Size)
	if err != nil {
		return nil, err
	}
	return &Struct{layout: layout, ptr: p}, nil
}

// Layout returns the layout the struct was created with.
func (s *Struct) Layout() *Layout { return s.layout }

// Pointer returns the address of the struct's first byte.
func (s *Struct) Pointer() unsafe.Pointer { return s.ptr }

// Bytes returns a view of the struct memory. It aliases arena memory.
func (s *Struct) Bytes() []byte {
	return unsafe.Slice((*byte)(s.ptr), s.layout.Size)
}

func (s *Struct) at(name string, want Kind) unsafe.Pointer {
	f := s.layout.Field(name)
	if f.Kind != want {
		panic(fmt.Sprintf("abi: %s.%s is %s, accessed as %s", s.layout.Name, name, f.Kind, want))
	}
	return unsafe.Add(s.ptr, f.Offset)
}

// Has reports whether the layout defines the field.
func (s *Struct) Has(name string) bool {
	_, ok := s.layout.Fields[name]
	return ok
}

func (s *Struct) SetInt32(name string, v int32) { *(*int32)(s.at(name, KindInt32)) = v }
func (s *Struct) Int32(name string) int32 { return *(*int32)(s.at(name, KindInt32)) }
func (s *Struct) SetUint32(name string, v uint32) { *(*uint32)(s.at(name, KindUint32)) = v }
func (s *Struct) Uint32(name string) uint32 { return *(*uint32)(s.at(name, KindUint32)) }
func (s *Struct) SetFloat32(name string, v float32) { *(*float32)(s.at(name, KindFloat32)) = v }
func (s *Struct) Float32(name string) float32 { return *(*float32)(s.at(name, KindFloat32)) }

// SetBool writes a C bool (one byte, 0 or 1).
func (s *Struct) SetBool(name string, v bool) {
	var b byte
	if v {
		b = 1
	}
	*(*byte)(s.at(name, KindBool)) = b
}

// Bool reads a C bool.
func (s *Struct) Bool(name string) bool { return *(*byte)(s.at(name, KindBool)) != 0 }

// SetPtr stores a pointer field.
func (s *Struct) SetPtr(name string, p unsafe.Pointer) { *(*unsafe.Pointer)(s.at(name, KindPtr)) = p }

// Ptr loads a pointer field.
func (s *Struct) Ptr(name string) unsafe.Pointer { return *(*unsafe.Pointer)(s.at(name, KindPtr)) }
