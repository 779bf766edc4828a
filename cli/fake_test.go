package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"llamacore/core"
	"llamacore/llamaruntime"
)

// fakeEngine records the calls the commands make.
type fakeEngine struct {
	mu sync.Mutex

	cfg      llamaruntime.Config
	reply    []string
	requests []llamaruntime.GenerateRequest
	chats    [][]llamaruntime.Message
	embedded []string
	saved    []string
	loaded   []string
	closes   int

	// chatErr fails a chat turn whose last message has this content.
	chatErr map[string]error
}

func (f *fakeEngine) Tokenize(text string, addSpecial bool) ([]int32, error) {
	out := make([]int32, len(text))
	for i := range text {
		out[i] = int32(text[i])
	}
	return out, nil
}

func (f *fakeEngine) Detokenize(tokens []int32) (string, error) {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b), nil
}

func (f *fakeEngine) result(stream llamaruntime.StreamFunc) *llamaruntime.GenerationResult {
	for _, frag := range f.reply {
		if stream != nil {
			_ = stream(frag)
		}
	}
	return &llamaruntime.GenerationResult{
		RequestID:       "req-1",
		Text:            strings.Join(f.reply, ""),
		TokensPrompt:    3,
		TokensGenerated: len(f.reply),
		TokensPerSecond: 12.5,
		FinishReason:    llamaruntime.FinishStop,
	}
}

func (f *fakeEngine) Generate(ctx context.Context, req llamaruntime.GenerateRequest) (*llamaruntime.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result(req.Stream), nil
}

func (f *fakeEngine) ChatConversation(ctx context.Context, conv *llamaruntime.Conversation, req llamaruntime.ChatRequest) (*llamaruntime.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := conv.Messages()
	f.chats = append(f.chats, msgs)
	if err, ok := f.chatErr[msgs[len(msgs)-1].Content]; ok {
		return nil, err
	}
	res := f.result(req.Stream)
	if err := conv.Append(llamaruntime.Message{Role: llamaruntime.RoleAssistant, Content: res.Text}); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *fakeEngine) Embeddings(ctx context.Context, texts []string) (*llamaruntime.EmbeddingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded = append(f.embedded, texts...)
	res := &llamaruntime.EmbeddingResult{Dimension: 2}
	for _, t := range texts {
		res.Vectors = append(res.Vectors, []float32{float32(len(t)), 1})
		res.TokenCounts = append(res.TokenCounts, len(t))
	}
	return res, nil
}

func (f *fakeEngine) SaveState(path string) error {
	f.saved = append(f.saved, path)
	return os.WriteFile(path, []byte("state"), 0o644)
}

func (f *fakeEngine) LoadState(path string) (int, error) {
	f.loaded = append(f.loaded, path)
	if _, err := os.Stat(path); err != nil {
		return 0, &llamaruntime.LlamaError{Op: "load_state", Kind: llamaruntime.ErrStateIO, Message: path, Err: err}
	}
	return 42, nil
}

func (f *fakeEngine) ModelInfo() llamaruntime.ModelInfo {
	return llamaruntime.ModelInfo{
		Name:        "tiny-chat",
		Path:        f.cfg.ModelPath,
		Size:        2048,
		ContextSize: 2048,
		VocabSize:   256,
		BOSToken:    1,
		EOSToken:    2,
		Template:    llamaruntime.TemplateChatML,
	}
}

func (f *fakeEngine) Health() llamaruntime.HealthStatus {
	return llamaruntime.HealthStatus{
		Healthy:      true,
		Status:       "ok",
		State:        llamaruntime.StateIdle,
		Breaker:      llamaruntime.BreakerClosed,
		Model:        f.ModelInfo(),
		Capabilities: map[string]bool{"embeddings": f.cfg.Embeddings, "kv_seq_rm": true},
	}
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type testRun struct {
	code   int
	out    string
	errOut string
	engine *fakeEngine
}

// runCLI runs the command line against a fake engine with a valid model
// file and library path already on the command line.
func runCLI(t *testing.T, stdin string, args ...string) testRun {
	t.Helper()
	return runCLIWith(t, stdin, nil, nil, args...)
}

// runCLIWith is runCLI with a prepared fake (nil for the default) and an
// error for the engine factory to return.
func runCLIWith(t *testing.T, stdin string, fake *fakeEngine, loadErr error, args ...string) testRun {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(core.EnvConfigFile, "")
	t.Setenv(core.EnvEnvFile, "")
	t.Setenv(core.EnvModelPath, "")
	t.Setenv(core.EnvLibraryPath, "")
	t.Setenv(core.EnvLogFile, "")

	model := filepath.Join(dir, "tiny-chat.gguf")
	if err := os.WriteFile(model, []byte("GGUF\x03\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	a.logOut = io.Discard
	a.startSignals = false
	a.exit = func(code int) { t.Fatalf("unexpected forced exit %d", code) }

	if fake == nil {
		fake = &fakeEngine{}
	}
	if fake.reply == nil {
		fake.reply = []string{"Hello", " world"}
	}
	a.newEngine = func(cfg llamaruntime.Config, opts ...llamaruntime.Option) (engine, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		fake.cfg = cfg
		return fake, nil
	}

	// Flags given by the test come last so they override the base ones.
	full := args
	if len(args) > 0 && args[0] != "version" {
		full = append([]string{args[0], "--no-color", "--lib", "/opt/llama/libllama.so", "--model", model}, args[1:]...)
	}
	code := a.run(full)
	return testRun{code: code, out: out.String(), errOut: errOut.String(), engine: fake}
}
