package llamaruntime

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"llamacore/abi"
	"llamacore/native"
)

const (
	fakeBOS   int32 = 1
	fakeEOS   int32 = 2
	fakeVocab       = 256
)

type decodeCall struct {
	tokens    []int32
	positions []int32
	logits    []bool
}

// fakeAPI is a byte-level stand-in for llama.cpp. Every byte of text is
// one token; Logits peaks on the next scripted token.
type fakeAPI struct {
	mu sync.Mutex

	nCtx   uint32
	nEmbd  int32
	layout abi.LayoutSet

	script []int32
	filler int32
	step   int

	// decodeFail maps a decode call index to its return code.
	decodeFail map[int]int32
	decodes    []decodeCall

	embedding    []float32
	seqEmbedding bool
	caps         native.Capabilities

	loadFails    bool
	modelPath    string
	contextFails bool
	stateOK      bool
	states       map[string][]int32
	modelParams  *abi.Struct
	ctxParams    *abi.Struct

	// cstrings records every string pointer the engine handed over.
	cstrings []unsafe.Pointer

	// expand makes every byte produce this many tokens when > 1.
	expand        int
	tokenizeCalls int
	kvClears      int
	backendInits  int
	backendFrees  int
	modelFrees    int
	contextFrees  int
	closes        int
	order         []string
}

func newFakeAPI() *fakeAPI {
	layouts, _ := abi.ForVersion(abi.DefaultVersion)
	return &fakeAPI{
		nCtx:       128,
		nEmbd:      4,
		layout:     layouts,
		filler:     'x',
		decodeFail: map[int]int32{},
		embedding:  []float32{3, 0, 4, 0},
		stateOK:    true,
		states:     map[string][]int32{},
	}
}

func (f *fakeAPI) scriptText(s string) {
	for i := 0; i < len(s); i++ {
		f.script = append(f.script, int32(s[i]))
	}
}

func (f *fakeAPI) BackendInit() { f.backendInits++ }
func (f *fakeAPI) BackendFree() {
	f.backendFrees++
	f.order = append(f.order, "backend")
}

func (f *fakeAPI) ModelDefaultParams() []byte { return make([]byte, f.layout.Model.Size) }
func (f *fakeAPI) ContextDefaultParams() []byte { return make([]byte, f.layout.Context.Size) }

// goString reads a NUL-terminated buffer and remembers its address.
func (f *fakeAPI) goString(p unsafe.Pointer) string {
	f.cstrings = append(f.cstrings, p)
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

func (f *fakeAPI) LoadModel(path unsafe.Pointer, params *abi.Struct) native.Model {
	f.modelParams = params
	f.modelPath = f.goString(path)
	if f.loadFails {
		return 0
	}
	return 0x1000
}

func (f *fakeAPI) FreeModel(m native.Model) {
	f.modelFrees++
	f.order = append(f.order, "model")
}

func (f *fakeAPI) NewContext(m native.Model, params *abi.Struct) native.Context {
	f.ctxParams = params
	if f.contextFails {
		return 0
	}
	return 0x2000
}

func (f *fakeAPI) FreeContext(c native.Context) {
	f.contextFrees++
	f.order = append(f.order, "context")
}

func (f *fakeAPI) Tokenize(m native.Model, ctext unsafe.Pointer, textLen int32, dst []int32, addSpecial, parseSpecial bool) int32 {
	f.mu.Lock()
	f.tokenizeCalls++
	f.cstrings = append(f.cstrings, ctext)
	f.mu.Unlock()
	if *(*byte)(unsafe.Add(ctext, textLen)) != 0 {
		return -1
	}
	text := string(unsafe.Slice((*byte)(ctext), textLen))

	per := max(f.expand, 1)
	n := len(text) * per
	if addSpecial {
		n++
	}
	if len(dst) < n {
		return int32(-n)
	}
	i := 0
	if addSpecial {
		dst[0] = fakeBOS
		i = 1
	}
	for j := 0; j < len(text); j++ {
		for k := 0; k < per; k++ {
			dst[i] = int32(text[j])
			i++
		}
	}
	return int32(n)
}

func (f *fakeAPI) TokenToPiece(m native.Model, token int32, buf []byte, special bool) int32 {
	var piece string
	switch token {
	case fakeBOS:
		if special {
			piece = "<s>"
		}
	case fakeEOS:
		if special {
			piece = "</s>"
		}
	default:
		piece = string([]byte{byte(token)})
	}
	if len(buf) < len(piece) {
		return int32(-len(piece))
	}
	return int32(copy(buf, piece))
}

func (f *fakeAPI) Decode(c native.Context, batch *abi.Batch) int32 {
	idx := len(f.decodes)
	f.decodes = append(f.decodes, decodeCall{
		tokens:    batch.Tokens(),
		positions: batch.Positions(),
		logits:    batch.Logits(),
	})
	return f.decodeFail[idx]
}

func (f *fakeAPI) Logits(c native.Context, i int32, n int) []float32 {
	logits := make([]float32, n)
	next := f.filler
	if f.step < len(f.script) {
		next = f.script[f.step]
	}
	f.step++
	logits[next] = 10
	return logits
}

// Embeddings only answers for rows the last decode flagged as outputs,
// as llama_get_embeddings_ith does.
func (f *fakeAPI) Embeddings(c native.Context, i int32, n int) []float32 {
	if len(f.decodes) == 0 {
		return nil
	}
	last := f.decodes[len(f.decodes)-1].logits
	if i < 0 || int(i) >= len(last) || !last[i] {
		return nil
	}
	return append([]float32(nil), f.embedding...)
}

func (f *fakeAPI) SeqEmbeddings(c native.Context, seq int32, n int) []float32 {
	if !f.seqEmbedding {
		return nil
	}
	return append([]float32(nil), f.embedding...)
}

func (f *fakeAPI) KVClear(c native.Context) { f.kvClears++ }

func (f *fakeAPI) SeqRemove(c native.Context, seq, p0, p1 int32) (bool, error) {
	if !f.caps.SeqRemove {
		return false, native.ErrUnsupportedOperation
	}
	return true, nil
}

func (f *fakeAPI) SeqCopy(c native.Context, src, dst, p0, p1 int32) error {
	if !f.caps.SeqCopy {
		return native.ErrUnsupportedOperation
	}
	return nil
}

func (f *fakeAPI) SeqKeep(c native.Context, seq int32) error {
	return native.ErrUnsupportedOperation
}

func (f *fakeAPI) SeqAdd(c native.Context, seq, p0, p1, delta int32) error {
	return native.ErrUnsupportedOperation
}

func (f *fakeAPI) SeqDiv(c native.Context, seq, p0, p1, d int32) error {
	return native.ErrUnsupportedOperation
}

func (f *fakeAPI) StateSave(c native.Context, cpath unsafe.Pointer, tokens []int32) bool {
	path := f.goString(cpath)
	if !f.stateOK {
		return false
	}
	f.states[path] = append([]int32(nil), tokens...)
	return os.WriteFile(path, []byte("state"), 0o600) == nil
}

func (f *fakeAPI) StateLoad(c native.Context, cpath unsafe.Pointer, capacity int) ([]int32, bool) {
	path := f.goString(cpath)
	tokens, ok := f.states[path]
	if !ok || !f.stateOK || len(tokens) > capacity {
		return nil, false
	}
	return append([]int32(nil), tokens...), true
}

func (f *fakeAPI) VocabSize(m native.Model) int32 { return fakeVocab }
func (f *fakeAPI) ContextSize(c native.Context) uint32 { return f.nCtx }
func (f *fakeAPI) TrainContextSize(m native.Model) int32 { return 4096 }
func (f *fakeAPI) EmbeddingSize(m native.Model) int32 { return f.nEmbd }
func (f *fakeAPI) TokenBOS(m native.Model) int32 { return fakeBOS }
func (f *fakeAPI) TokenEOS(m native.Model) int32 { return fakeEOS }
func (f *fakeAPI) Capabilities() native.Capabilities { return f.caps }

func (f *fakeAPI) Close() error {
	f.closes++
	f.order = append(f.order, "library")
	return nil
}

// writeGGUF creates a minimal file that passes ValidateModelPath.
func writeGGUF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("GGUF\x03\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelPath = writeGGUF(t, "tiny-chat.gguf")
	cfg.ContextSize = 128
	cfg.BatchSize = 8
	cfg.Sampling.Temperature = 0
	cfg.Sampling.RepeatPenalty = 1
	return cfg
}

type testEngine struct {
	*Engine
	api   *fakeAPI
	alloc *abi.HeapAllocator
	logs  *observer.ObservedLogs
}

func newTestEngine(t *testing.T, cfg Config, api *fakeAPI, opts ...Option) *testEngine {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	alloc := abi.NewHeapAllocator()
	opts = append([]Option{
		WithNative(api),
		WithAllocator(alloc),
		WithLogger(zap.New(core)),
	}, opts...)

	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return &testEngine{Engine: e, api: api, alloc: alloc, logs: logs}
}
