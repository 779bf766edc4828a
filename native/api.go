package native

import (
	"unsafe"

	"llamacore/abi"
)

// Model is an opaque llama_model pointer.
type Model uintptr

// Context is an opaque llama_context pointer.
type Context uintptr

// Capabilities reports which optional KV-cache sequence operations the
// loaded library exposes.
type Capabilities struct {
	SeqRemove bool
	SeqCopy   bool
	SeqKeep   bool
	SeqAdd    bool
	SeqDiv    bool
}

// API is the typed set of native calls the engine uses. Handles are zero
// on failure; integer returns follow the C conventions of the library.
// String arguments are NUL-terminated buffers the caller allocated from
// its abi.Arena.
type API interface {
	BackendInit()
	BackendFree()

	// ModelDefaultParams and ContextDefaultParams return a copy of the
	// by-value default struct.
	ModelDefaultParams() []byte
	ContextDefaultParams() []byte

	LoadModel(path unsafe.Pointer, params *abi.Struct) Model
	FreeModel(m Model)
	NewContext(m Model, params *abi.Struct) Context
	FreeContext(c Context)

	// Tokenize reads textLen bytes of text, writes up to len(dst) tokens
	// and returns the count, or the negated required count when dst is
	// too small.
	Tokenize(m Model, text unsafe.Pointer, textLen int32, dst []int32, addSpecial, parseSpecial bool) int32
	// TokenToPiece writes the token's text into buf and returns its
	// length, or the negated required length when buf is too small.
	TokenToPiece(m Model, token int32, buf []byte, special bool) int32

	Decode(c Context, batch *abi.Batch) int32
	// Logits copies n logits for output row i. Nil if unavailable.
	Logits(c Context, i int32, n int) []float32
	Embeddings(c Context, i int32, n int) []float32
	SeqEmbeddings(c Context, seq int32, n int) []float32

	KVClear(c Context)
	SeqRemove(c Context, seq, p0, p1 int32) (bool, error)
	SeqCopy(c Context, src, dst, p0, p1 int32) error
	SeqKeep(c Context, seq int32) error
	SeqAdd(c Context, seq, p0, p1, delta int32) error
	SeqDiv(c Context, seq, p0, p1, d int32) error

	StateSave(c Context, path unsafe.Pointer, tokens []int32) bool
	StateLoad(c Context, path unsafe.Pointer, capacity int) ([]int32, bool)

	VocabSize(m Model) int32
	ContextSize(c Context) uint32
	TrainContextSize(m Model) int32
	EmbeddingSize(m Model) int32
	TokenBOS(m Model) int32
	TokenEOS(m Model) int32

	Capabilities() Capabilities
	// Close unloads the shared library.
	Close() error
}
