package cli

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llamacore/core"
	"llamacore/llamaruntime"
)

func TestGenerate(t *testing.T) {
	r := runCLI(t, "", "generate", "hello", "world", "-n", "16", "--stop", "END", "--temperature", "0", "--raw")

	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if r.out != "Hello world\n" {
		t.Errorf("expected streamed output %q, got %q", "Hello world\n", r.out)
	}
	if !strings.Contains(r.errOut, "[3 prompt + 2 generated tokens, 12.5 tok/s, stop]") {
		t.Errorf("expected summary on stderr, got %q", r.errOut)
	}
	if len(r.engine.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(r.engine.requests))
	}
	req := r.engine.requests[0]
	if req.Prompt != "hello world" {
		t.Errorf("expected prompt %q, got %q", "hello world", req.Prompt)
	}
	if req.MaxTokens != 16 {
		t.Errorf("expected max tokens 16, got %d", req.MaxTokens)
	}
	if len(req.StopStrings) != 1 || req.StopStrings[0] != "END" {
		t.Errorf("expected stop strings [END], got %v", req.StopStrings)
	}
	if !req.SkipSpecial {
		t.Error("expected --raw to set SkipSpecial")
	}
	if req.Sampling == nil || req.Sampling.Temperature != 0 {
		t.Errorf("expected sampling override with temperature 0, got %+v", req.Sampling)
	}
	if r.engine.closes != 1 {
		t.Errorf("expected engine closed once, got %d", r.engine.closes)
	}
}

func TestGenerate_Defaults(t *testing.T) {
	r := runCLI(t, "", "generate", "hi")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	req := r.engine.requests[0]
	if req.MaxTokens != llamaruntime.DefaultMaxTokens {
		t.Errorf("expected max tokens %d, got %d", llamaruntime.DefaultMaxTokens, req.MaxTokens)
	}
	if req.Sampling != nil {
		t.Errorf("expected no sampling override, got %+v", req.Sampling)
	}
	if req.Stream == nil {
		t.Error("expected a stream callback")
	}
}

func TestGenerate_NoStream(t *testing.T) {
	r := runCLI(t, "", "generate", "hi", "--no-stream")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if r.engine.requests[0].Stream != nil {
		t.Error("expected no stream callback")
	}
	if r.out != "Hello world\n" {
		t.Errorf("expected %q, got %q", "Hello world\n", r.out)
	}
}

func TestGenerate_PromptFromStdin(t *testing.T) {
	r := runCLI(t, "tell me a story\n", "generate")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if got := r.engine.requests[0].Prompt; got != "tell me a story" {
		t.Errorf("expected prompt from stdin, got %q", got)
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	r := runCLI(t, "  \n", "generate")
	if r.code != core.ExitCodeError {
		t.Errorf("expected exit %d, got %d", core.ExitCodeError, r.code)
	}
	if !strings.Contains(r.errOut, "empty prompt") {
		t.Errorf("expected empty prompt error, got %q", r.errOut)
	}
	if len(r.engine.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(r.engine.requests))
	}
}

func TestGenerate_SaveState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.bin")
	r := runCLI(t, "", "generate", "hi", "--save-state", path)
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if len(r.engine.saved) != 1 || r.engine.saved[0] != path {
		t.Errorf("expected state saved to %s, got %v", path, r.engine.saved)
	}
	if !strings.Contains(r.errOut, "state saved to "+path) {
		t.Errorf("expected save notice, got %q", r.errOut)
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		loadErr error
		want    int
		wantErr string
	}{
		{
			name:    "missing model file",
			args:    []string{"generate", "hi", "--model", "/nonexistent/model.gguf"},
			want:    core.ExitCodeConfig,
			wantErr: "model file not found",
		},
		{
			name:    "bad log level",
			args:    []string{"generate", "hi", "--log-level", "loud"},
			want:    core.ExitCodeConfig,
			wantErr: "loud",
		},
		{
			name:    "context too small",
			args:    []string{"generate", "hi", "--ctx-size", "8"},
			want:    core.ExitCodeConfig,
			wantErr: "context size",
		},
		{
			name:    "load failure",
			args:    []string{"generate", "hi"},
			loadErr: &llamaruntime.LlamaError{Op: "load_model", Kind: llamaruntime.ErrLoad, Message: "bad weights"},
			want:    core.ExitCodeLoad,
			wantErr: "load model:",
		},
		{
			name:    "unknown command",
			args:    []string{"summon"},
			want:    core.ExitCodeError,
			wantErr: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runCLIWith(t, "", nil, tt.loadErr, tt.args...)
			if r.code != tt.want {
				t.Errorf("expected exit %d, got %d", tt.want, r.code)
			}
			if !strings.Contains(r.errOut, tt.wantErr) {
				t.Errorf("expected stderr to contain %q, got %q", tt.wantErr, r.errOut)
			}
		})
	}
}

func TestConfigPrecedence(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		t.Setenv(core.EnvContextSize, "1024")
		r := runCLI(t, "", "generate", "hi")
		if r.engine.cfg.ContextSize != 1024 {
			t.Errorf("expected context size 1024 from env, got %d", r.engine.cfg.ContextSize)
		}
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv(core.EnvContextSize, "1024")
		r := runCLI(t, "", "generate", "hi", "--ctx-size", "2048", "-t", "6", "--gpu-layers", "0")
		cfg := r.engine.cfg
		if cfg.ContextSize != 2048 {
			t.Errorf("expected context size 2048 from flag, got %d", cfg.ContextSize)
		}
		if cfg.NumThreads != 6 {
			t.Errorf("expected 6 threads, got %d", cfg.NumThreads)
		}
		if cfg.NumGPULayers != 0 {
			t.Errorf("expected 0 gpu layers, got %d", cfg.NumGPULayers)
		}
		if cfg.LibraryPath != "/opt/llama/libllama.so" {
			t.Errorf("expected library path from flag, got %q", cfg.LibraryPath)
		}
	})
}

func TestChat(t *testing.T) {
	r := runCLI(t, "hello\n\n/history\n/exit\nignored\n", "chat", "--system", "be brief")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if len(r.engine.chats) != 1 {
		t.Fatalf("expected 1 chat turn, got %d", len(r.engine.chats))
	}
	msgs := r.engine.chats[0]
	if len(msgs) != 2 || msgs[0].Role != llamaruntime.RoleSystem || msgs[1].Content != "hello" {
		t.Errorf("expected system + user messages, got %+v", msgs)
	}
	for _, want := range []string{"Hello world", "system: be brief", "user: hello", "assistant: Hello world"} {
		if !strings.Contains(r.out, want) {
			t.Errorf("expected output to contain %q, got %q", want, r.out)
		}
	}
	if !strings.Contains(r.errOut, "[3 messages,") {
		t.Errorf("expected history summary, got %q", r.errOut)
	}
	if r.engine.closes != 1 {
		t.Errorf("expected engine closed once, got %d", r.engine.closes)
	}
}

func TestChat_Reset(t *testing.T) {
	r := runCLI(t, "first\n/reset\nsecond\n", "chat")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if len(r.engine.chats) != 2 {
		t.Fatalf("expected 2 chat turns, got %d", len(r.engine.chats))
	}
	if got := r.engine.chats[1]; len(got) != 1 || got[0].Content != "second" {
		t.Errorf("expected history cleared before second turn, got %+v", got)
	}
	if !strings.Contains(r.errOut, "history cleared") {
		t.Errorf("expected reset notice, got %q", r.errOut)
	}
}

func TestChat_FailedTurnIsRolledBack(t *testing.T) {
	fake := &fakeEngine{chatErr: map[string]error{
		"too long": &llamaruntime.CapacityError{PromptTokens: 900, MaxTokens: 512, ContextSize: 1024},
	}}
	r := runCLIWith(t, "too long\nhello\n", fake, nil, "chat")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if !strings.Contains(r.errOut, "context capacity exceeded") {
		t.Errorf("expected the capacity error to be printed, got %q", r.errOut)
	}
	if len(r.engine.chats) != 2 {
		t.Fatalf("expected 2 chat turns, got %d", len(r.engine.chats))
	}
	if got := r.engine.chats[1]; len(got) != 1 || got[0].Content != "hello" {
		t.Errorf("expected the failed user turn dropped, got %+v", got)
	}
}

func TestChat_SeedsOpenAIMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	seed := `[
  {"role": "system", "content": "answer in French"},
  {"role": "user", "content": "hi"},
  {"role": "assistant", "content": "salut"}
]`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	r := runCLI(t, "and now?\n", "chat", "--messages", path)
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if len(r.engine.chats) != 1 {
		t.Fatalf("expected 1 chat turn, got %d", len(r.engine.chats))
	}
	msgs := r.engine.chats[0]
	if len(msgs) != 4 {
		t.Fatalf("expected 3 seeded messages plus the new line, got %+v", msgs)
	}
	if msgs[0].Role != llamaruntime.RoleSystem || msgs[2].Content != "salut" || msgs[3].Content != "and now?" {
		t.Errorf("unexpected history %+v", msgs)
	}
	if !strings.Contains(r.errOut, "[loaded 3 messages,") {
		t.Errorf("expected seed summary, got %q", r.errOut)
	}
}

func TestChat_BadMessagesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := runCLI(t, "", "chat", "--messages", path)
	if r.code != core.ExitCodeError {
		t.Errorf("expected exit %d, got %d", core.ExitCodeError, r.code)
	}
	if r.engine.closes != 0 || len(r.engine.chats) != 0 {
		t.Errorf("expected the engine never to be opened, got %d closes", r.engine.closes)
	}
}

func TestChat_NoRoomForHistory(t *testing.T) {
	r := runCLI(t, "hello\n", "chat", "-n", "4000")
	if r.code != core.ExitCodeError {
		t.Errorf("expected exit %d, got %d", core.ExitCodeError, r.code)
	}
	if !strings.Contains(r.errOut, "no room for history") {
		t.Errorf("expected budget error, got %q", r.errOut)
	}
}

func TestEmbed(t *testing.T) {
	r := runCLI(t, "", "embed", "alpha", "be", "--with-text", "--normalize")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if !r.engine.cfg.Embeddings {
		t.Error("expected embeddings mode forced on")
	}
	if !r.engine.cfg.NormalizeEmbeddings {
		t.Error("expected --normalize to enable normalization")
	}

	var lines []embeddingLine
	sc := bufio.NewScanner(strings.NewReader(r.out))
	for sc.Scan() {
		var l embeddingLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1].Index != 1 || lines[1].Text != "be" || lines[1].Tokens != 2 {
		t.Errorf("unexpected second line %+v", lines[1])
	}
	if len(lines[0].Embedding) != 2 || lines[0].Embedding[0] != 5 {
		t.Errorf("unexpected first vector %v", lines[0].Embedding)
	}
	if !strings.Contains(r.errOut, "[2 vectors of dimension 2") {
		t.Errorf("expected summary, got %q", r.errOut)
	}
}

func TestEmbed_Stdin(t *testing.T) {
	t.Setenv(core.EnvNormalizeEmbeddings, "true")
	r := runCLI(t, "one\n\ntwo\r\n", "embed")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if got := strings.Join(r.engine.embedded, ","); got != "one,two" {
		t.Errorf("expected texts one,two got %q", got)
	}
	if !r.engine.cfg.NormalizeEmbeddings {
		t.Error("expected normalization from env to be kept without the flag")
	}
	if strings.Contains(r.out, `"text"`) {
		t.Errorf("expected no text field without --with-text, got %q", r.out)
	}
}

func TestEmbed_NoInput(t *testing.T) {
	r := runCLI(t, "", "embed")
	if r.code != core.ExitCodeError {
		t.Errorf("expected exit %d, got %d", core.ExitCodeError, r.code)
	}
}

func TestState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.bin")
	if err := os.WriteFile(path, []byte("state"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := runCLI(t, "", "state", path)
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	if !strings.Contains(r.out, "restored 42 tokens from "+path) {
		t.Errorf("expected restore notice, got %q", r.out)
	}

	r = runCLI(t, "", "state", filepath.Join(t.TempDir(), "missing.bin"))
	if r.code != core.ExitCodeError {
		t.Errorf("expected exit %d for missing state, got %d", core.ExitCodeError, r.code)
	}
}

func TestInfo(t *testing.T) {
	r := runCLI(t, "", "info")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	for _, want := range []string{"tiny-chat", "2.0 KiB", "256 (bos 1, eos 2)", "chatml", "kv_seq_rm:", "yes", "embeddings:"} {
		if !strings.Contains(r.out, want) {
			t.Errorf("expected output to contain %q, got %q", want, r.out)
		}
	}
}

func TestInfo_JSON(t *testing.T) {
	r := runCLI(t, "", "info", "--json")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	var h struct {
		Healthy bool
		Status  string
		Model   struct{ Name string }
	}
	if err := json.Unmarshal([]byte(r.out), &h); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !h.Healthy || h.Status != "ok" || h.Model.Name != "tiny-chat" {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestVersion(t *testing.T) {
	r := runCLI(t, "", "version")
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d", r.code)
	}
	if !strings.HasPrefix(r.out, "llamacore "+core.Version) {
		t.Errorf("expected version line, got %q", r.out)
	}
}

func TestMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llamacore.prom")
	r := runCLI(t, "", "generate", "hi", "--metrics-file", path)
	if r.code != core.ExitCodeSuccess {
		t.Fatalf("expected exit 0, got %d (stderr %q)", r.code, r.errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected metrics file: %v", err)
	}
	if !strings.Contains(string(data), "llamacore_") {
		t.Errorf("expected llamacore metrics, got %q", data)
	}
}
