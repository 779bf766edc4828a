package abi

import (
	"fmt"
	"unsafe"
)

// Batch is a llama_batch in arena memory. Each array it points at is its
// own arena sub-buffer.
type Batch struct {
	*Struct
	n int
}

// Len returns the number of tokens in the batch.
func (b *Batch) Len() int { return b.n }

// Tokens reads the token ids back from native memory.
func (b *Batch) Tokens() []int32 {
	return readInt32s(b.Ptr(FieldToken), b.n)
}

// Positions reads the token positions back from native memory.
func (b *Batch) Positions() []int32 {
	return readInt32s(b.Ptr(FieldPos), b.n)
}

// Logits reads the per-token logits flags back from native memory.
func (b *Batch) Logits() []bool {
	out := make([]bool, b.n)
	p := b.Ptr(FieldLogits)
	if p == nil {
		return out
	}
	raw := unsafe.Slice((*int8)(p), b.n)
	for i, v := range raw {
		out[i] = v != 0
	}
	return out
}

// SeqIDs reads the per-token sequence id lists back from native memory.
func (b *Batch) SeqIDs() [][]int32 {
	out := make([][]int32, b.n)
	counts := readInt32s(b.Ptr(FieldNSeqID), b.n)
	if b.n == 0 {
		return out
	}
	rows := unsafe.Slice((*unsafe.Pointer)(b.Ptr(FieldSeqID)), b.n)
	for i := range out {
		out[i] = readInt32s(rows[i], int(counts[i]))
	}
	return out
}

func readInt32s(p unsafe.Pointer, n int) []int32 {
	out := make([]int32, n)
	if p == nil || n == 0 {
		return out
	}
	copy(out, unsafe.Slice((*int32)(p), n))
	return out
}

func writeInt32s(arena *Arena, src []int32) (unsafe.Pointer, error) {
	p, err := arena.Alloc(uintptr(len(src)) * 4)
	if err != nil || len(src) == 0 {
		return p, err
	}
	copy(unsafe.Slice((*int32)(p), len(src)), src)
	return p, nil
}

// BuildBatch lays out a decode batch. tokens, positions and logits must
// have the same length; a mismatch panics. Every token is tagged with
// seqIDs, or with sequence 0 when none are given.
func (c *Codec) BuildBatch(tokens, positions []int32, logits []bool, seqIDs ...int32) (*Batch, error) {
	n := len(tokens)
	if len(positions) != n || len(logits) != n {
		panic(fmt.Sprintf("abi: BuildBatch length mismatch: tokens=%d positions=%d logits=%d",
			n, len(positions), len(logits)))
	}
	if len(seqIDs) == 0 {
		seqIDs = []int32{0}
	}

	s, err := NewStruct(c.arena, c.layouts.Batch)
	if err != nil {
		return nil, err
	}

	tokPtr, err := writeInt32s(c.arena, tokens)
	if err != nil {
		return nil, err
	}
	posPtr, err := writeInt32s(c.arena, positions)
	if err != nil {
		return nil, err
	}

	counts := make([]int32, n)
	for i := range counts {
		counts[i] = int32(len(seqIDs))
	}
	countPtr, err := writeInt32s(c.arena, counts)
	if err != nil {
		return nil, err
	}

	rowsPtr, err := c.arena.Alloc(uintptr(n) * unsafe.Sizeof(unsafe.Pointer(nil)))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		rows := unsafe.Slice((*unsafe.Pointer)(rowsPtr), n)
		for i := range rows {
			row, err := writeInt32s(c.arena, seqIDs)
			if err != nil {
				return nil, err
			}
			rows[i] = row
		}
	}

	logitPtr, err := c.arena.Alloc(uintptr(n))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		flags := unsafe.Slice((*int8)(logitPtr), n)
		for i, want := range logits {
			if want {
				flags[i] = 1
			}
		}
	}

	s.SetInt32(FieldNTokens, int32(n))
	s.SetPtr(FieldToken, tokPtr)
	s.SetPtr(FieldEmbd, nil)
	s.SetPtr(FieldPos, posPtr)
	s.SetPtr(FieldNSeqID, countPtr)
	s.SetPtr(FieldSeqID, rowsPtr)
	s.SetPtr(FieldLogits, logitPtr)

	return &Batch{Struct: s, n: n}, nil
}
