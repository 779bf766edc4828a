//go:build darwin || linux || freebsd

package native

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"llamacore/abi"
)

// By-value structs cross the boundary as opaque words. Their sizes must
// equal the active abi layouts; Open refuses to bind otherwise.
type (
	modelParamsWords   struct{ W0, W1, W2, W3, W4, W5, W6, W7 uint64 }
	contextParamsWords struct {
		W0, W1, W2, W3, W4, W5, W6, W7, W8, W9, W10, W11, W12, W13, W14 uint64
	}
	batchWords struct{ W0, W1, W2, W3, W4, W5, W6 uint64 }
)

type dlSource struct{ handle uintptr }

func (d dlSource) Lookup(name string) (uintptr, bool) {
	addr, err := purego.Dlsym(d.handle, name)
	return addr, err == nil && addr != 0
}

// library binds a llama.cpp shared object through purego.
type library struct {
	mu     sync.Mutex
	handle uintptr
	res    *Resolution
	caps   Capabilities

	backendInit          func()
	backendFree          func()
	modelDefaultParams   func() modelParamsWords
	contextDefaultParams func() contextParamsWords
	modelLoad            func(path unsafe.Pointer, params modelParamsWords) uintptr
	modelFree            func(m uintptr)
	contextNew           func(m uintptr, params contextParamsWords) uintptr
	contextFree          func(c uintptr)
	getVocab             func(m uintptr) uintptr
	tokenize             func(v uintptr, text unsafe.Pointer, textLen int32, tokens *int32, nMax int32, addSpecial, parseSpecial bool) int32
	tokenToPiece         func(v uintptr, token int32, buf *byte, length int32, lstrip int32, special bool) int32
	decode               func(c uintptr, batch batchWords) int32
	logitsIth            func(c uintptr, i int32) *float32
	embeddingsIth        func(c uintptr, i int32) *float32
	embeddingsSeq        func(c uintptr, seq int32) *float32
	getMemory            func(c uintptr) uintptr
	memoryClear          func(mem uintptr, data bool)
	kvClear              func(c uintptr)
	stateSave            func(c uintptr, path unsafe.Pointer, tokens *int32, n uintptr) bool
	stateLoad            func(c uintptr, path unsafe.Pointer, tokens *int32, capacity uintptr, nOut *uintptr) bool
	nVocab               func(v uintptr) int32
	nCtx                 func(c uintptr) uint32
	nCtxTrain            func(m uintptr) int32
	nEmbd                func(m uintptr) int32
	tokenBOS             func(v uintptr) int32
	tokenEOS             func(v uintptr) int32
	seqRm                func(target uintptr, seq, p0, p1 int32) bool
	seqCp                func(target uintptr, src, dst, p0, p1 int32)
	seqKeep              func(target uintptr, seq int32)
	seqAdd               func(target uintptr, seq, p0, p1, delta int32)
	seqDiv               func(target uintptr, seq, p0, p1, d int32)
}

var _ API = (*library)(nil)

// Open loads the shared library at path, resolves the function table and
// binds it for the given ABI layouts.
func Open(path string, layouts abi.LayoutSet) (API, error) {
	if err := checkLayouts(layouts); err != nil {
		return nil, err
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLibraryOpen, path, err)
	}

	res, err := NewResolver(dlSource{handle}).Resolve(Specs())
	if err != nil {
		purego.Dlclose(handle)
		return nil, err
	}

	l := &library{handle: handle, res: res, caps: CapabilitiesOf(res)}
	l.bind()
	return l, nil
}

func checkLayouts(layouts abi.LayoutSet) error {
	checks := []struct {
		layout *abi.Layout
		size   uintptr
	}{
		{layouts.Model, unsafe.Sizeof(modelParamsWords{})},
		{layouts.Context, unsafe.Sizeof(contextParamsWords{})},
		{layouts.Batch, unsafe.Sizeof(batchWords{})},
	}
	for _, c := range checks {
		if c.layout == nil || c.layout.Size != c.size {
			return fmt.Errorf("%w: %s version %s", ErrLayoutMismatch, layoutName(c.layout), layouts.Version)
		}
	}
	return nil
}

func layoutName(l *abi.Layout) string {
	if l == nil {
		return "<nil>"
	}
	return l.Name
}

// fn returns a function's binding and the address of the last symbol of
// its matched candidate, which is always the function itself.
func (l *library) fn(name string) (*Binding, uintptr) {
	b := l.res.Binding(name)
	if b == nil {
		return nil, 0
	}
	for _, spec := range Specs() {
		if spec.Name != name {
			continue
		}
		for _, cand := range spec.Candidates {
			if cand.ID == b.Matched {
				return b, b.Addr(cand.Symbols[len(cand.Symbols)-1])
			}
		}
	}
	return b, 0
}

func (l *library) register(fptr any, name string) {
	if b, addr := l.fn(name); b != nil && addr != 0 {
		purego.RegisterFunc(fptr, addr)
	}
}

func (l *library) bind() {
	l.register(&l.backendInit, FnBackendInit)
	l.register(&l.backendFree, FnBackendFree)
	l.register(&l.modelDefaultParams, FnModelDefaultParams)
	l.register(&l.contextDefaultParams, FnContextDefaultParams)
	l.register(&l.modelLoad, FnModelLoad)
	l.register(&l.modelFree, FnModelFree)
	l.register(&l.contextNew, FnContextNew)
	l.register(&l.contextFree, FnContextFree)
	l.register(&l.tokenize, FnTokenize)
	l.register(&l.tokenToPiece, FnTokenToPiece)
	l.register(&l.decode, FnDecode)
	l.register(&l.logitsIth, FnLogitsIth)
	l.register(&l.embeddingsIth, FnEmbeddingsIth)
	l.register(&l.embeddingsSeq, FnEmbeddingsSeq)
	l.register(&l.stateSave, FnStateSave)
	l.register(&l.stateLoad, FnStateLoad)
	l.register(&l.nVocab, FnVocabSize)
	l.register(&l.nCtx, FnNCtx)
	l.register(&l.nCtxTrain, FnNCtxTrain)
	l.register(&l.nEmbd, FnNEmbd)
	l.register(&l.tokenBOS, FnTokenBOS)
	l.register(&l.tokenEOS, FnTokenEOS)

	if b := l.res.Binding(FnTokenize); b != nil && b.Matched == CandVocab {
		purego.RegisterFunc(&l.getVocab, b.Addr(symGetVocab))
	}

	if b, addr := l.fn(FnKVClear); b != nil {
		if b.Matched == CandMemory {
			purego.RegisterFunc(&l.memoryClear, addr)
		} else {
			purego.RegisterFunc(&l.kvClear, addr)
		}
	}

	l.register(&l.seqRm, FnSeqRemove)
	l.register(&l.seqCp, FnSeqCopy)
	l.register(&l.seqKeep, FnSeqKeep)
	l.register(&l.seqAdd, FnSeqAdd)
	l.register(&l.seqDiv, FnSeqDiv)

	for _, name := range []string{FnKVClear, FnSeqRemove, FnSeqCopy, FnSeqKeep, FnSeqAdd, FnSeqDiv} {
		if b := l.res.Binding(name); b != nil && b.Matched == CandMemory {
			purego.RegisterFunc(&l.getMemory, b.Addr(symGetMemory))
			break
		}
	}
}

// vocab returns the first argument for vocab-or-model functions.
func (l *library) vocab(fn string, m Model) uintptr {
	if l.res.Matched(fn) == CandVocab && l.getVocab != nil {
		return l.getVocab(uintptr(m))
	}
	return uintptr(m)
}

// seqTarget returns the first argument for memory-or-context functions.
func (l *library) seqTarget(fn string, c Context) uintptr {
	if l.res.Matched(fn) == CandMemory && l.getMemory != nil {
		return l.getMemory(uintptr(c))
	}
	return uintptr(c)
}

func (l *library) BackendInit() { l.backendInit() }
func (l *library) BackendFree() { l.backendFree() }

func (l *library) ModelDefaultParams() []byte {
	w := l.modelDefaultParams()
	return wordsToBytes(unsafe.Pointer(&w), unsafe.Sizeof(w))
}

func (l *library) ContextDefaultParams() []byte {
	w := l.contextDefaultParams()
	return wordsToBytes(unsafe.Pointer(&w), unsafe.Sizeof(w))
}

func wordsToBytes(p unsafe.Pointer, n uintptr) []byte {
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(p), n))
	return out
}

func (l *library) LoadModel(path unsafe.Pointer, params *abi.Struct) Model {
	return Model(l.modelLoad(path, *(*modelParamsWords)(params.Pointer())))
}

func (l *library) FreeModel(m Model) { l.modelFree(uintptr(m)) }

func (l *library) NewContext(m Model, params *abi.Struct) Context {
	return Context(l.contextNew(uintptr(m), *(*contextParamsWords)(params.Pointer())))
}

func (l *library) FreeContext(c Context) { l.contextFree(uintptr(c)) }

func (l *library) Tokenize(m Model, text unsafe.Pointer, textLen int32, dst []int32, addSpecial, parseSpecial bool) int32 {
	var p *int32
	if len(dst) > 0 {
		p = &dst[0]
	}
	return l.tokenize(l.vocab(FnTokenize, m), text, textLen, p, int32(len(dst)), addSpecial, parseSpecial)
}

func (l *library) TokenToPiece(m Model, token int32, buf []byte, special bool) int32 {
	var p *byte
	if len(buf) > 0 {
		p = &buf[0]
	}
	return l.tokenToPiece(l.vocab(FnTokenToPiece, m), token, p, int32(len(buf)), 0, special)
}

func (l *library) Decode(c Context, batch *abi.Batch) int32 {
	return l.decode(uintptr(c), *(*batchWords)(batch.Pointer()))
}

func copyFloats(p *float32, n int) []float32 {
	if p == nil || n <= 0 {
		return nil
	}
	out := make([]float32, n)
	copy(out, unsafe.Slice(p, n))
	return out
}

func (l *library) Logits(c Context, i int32, n int) []float32 {
	return copyFloats(l.logitsIth(uintptr(c), i), n)
}

func (l *library) Embeddings(c Context, i int32, n int) []float32 {
	return copyFloats(l.embeddingsIth(uintptr(c), i), n)
}

func (l *library) SeqEmbeddings(c Context, seq int32, n int) []float32 {
	return copyFloats(l.embeddingsSeq(uintptr(c), seq), n)
}

func (l *library) KVClear(c Context) {
	if l.memoryClear != nil {
		l.memoryClear(l.getMemory(uintptr(c)), true)
		return
	}
	l.kvClear(uintptr(c))
}

func (l *library) SeqRemove(c Context, seq, p0, p1 int32) (bool, error) {
	if l.seqRm == nil {
		return false, fmt.Errorf("%s: %w", FnSeqRemove, ErrUnsupportedOperation)
	}
	return l.seqRm(l.seqTarget(FnSeqRemove, c), seq, p0, p1), nil
}

func (l *library) SeqCopy(c Context, src, dst, p0, p1 int32) error {
	if l.seqCp == nil {
		return fmt.Errorf("%s: %w", FnSeqCopy, ErrUnsupportedOperation)
	}
	l.seqCp(l.seqTarget(FnSeqCopy, c), src, dst, p0, p1)
	return nil
}

func (l *library) SeqKeep(c Context, seq int32) error {
	if l.seqKeep == nil {
		return fmt.Errorf("%s: %w", FnSeqKeep, ErrUnsupportedOperation)
	}
	l.seqKeep(l.seqTarget(FnSeqKeep, c), seq)
	return nil
}

func (l *library) SeqAdd(c Context, seq, p0, p1, delta int32) error {
	if l.seqAdd == nil {
		return fmt.Errorf("%s: %w", FnSeqAdd, ErrUnsupportedOperation)
	}
	l.seqAdd(l.seqTarget(FnSeqAdd, c), seq, p0, p1, delta)
	return nil
}

func (l *library) SeqDiv(c Context, seq, p0, p1, d int32) error {
	if l.seqDiv == nil {
		return fmt.Errorf("%s: %w", FnSeqDiv, ErrUnsupportedOperation)
	}
	l.seqDiv(l.seqTarget(FnSeqDiv, c), seq, p0, p1, d)
	return nil
}

func (l *library) StateSave(c Context, path unsafe.Pointer, tokens []int32) bool {
	var p *int32
	if len(tokens) > 0 {
		p = &tokens[0]
	}
	return l.stateSave(uintptr(c), path, p, uintptr(len(tokens)))
}

func (l *library) StateLoad(c Context, path unsafe.Pointer, capacity int) ([]int32, bool) {
	buf := make([]int32, capacity)
	var p *int32
	if capacity > 0 {
		p = &buf[0]
	}
	var n uintptr
	if !l.stateLoad(uintptr(c), path, p, uintptr(capacity), &n) {
		return nil, false
	}
	return buf[:n], true
}

func (l *library) VocabSize(m Model) int32 { return l.nVocab(l.vocab(FnVocabSize, m)) }
func (l *library) ContextSize(c Context) uint32 { return l.nCtx(uintptr(c)) }
func (l *library) TrainContextSize(m Model) int32 { return l.nCtxTrain(uintptr(m)) }
func (l *library) EmbeddingSize(m Model) int32 { return l.nEmbd(uintptr(m)) }
func (l *library) TokenBOS(m Model) int32 { return l.tokenBOS(l.vocab(FnTokenBOS, m)) }
func (l *library) TokenEOS(m Model) int32 { return l.tokenEOS(l.vocab(FnTokenEOS, m)) }

func (l *library) Capabilities() Capabilities { return l.caps }

func (l *library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
