package llamaruntime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type upperPlugin struct {
	BasePlugin
	tokens []string
	ended  bool
}

func (p *upperPlugin) TransformOutput(_ context.Context, text string) (string, error) {
	return strings.ToUpper(text), nil
}

func (p *upperPlugin) OnToken(_ context.Context, ev TokenEvent) {
	p.tokens = append(p.tokens, ev.Text)
}

func (p *upperPlugin) OnGenerationEnd(_ context.Context, res *GenerationResult, err error) {
	p.ended = res != nil && err == nil
}

type brokenPlugin struct {
	BasePlugin
}

func (brokenPlugin) TransformPrompt(context.Context, string) (string, error) {
	panic("prompt hook bug")
}

func (brokenPlugin) TransformOutput(context.Context, string) (string, error) {
	return "", errors.New("cannot transform")
}

func (brokenPlugin) OnToken(context.Context, TokenEvent) {
	panic("token hook bug")
}

func (brokenPlugin) AdjustTemperature(int, float32) (float32, error) {
	return -3, nil
}

type prefixPlugin struct {
	BasePlugin
}

func (prefixPlugin) TransformPrompt(_ context.Context, prompt string) (string, error) {
	return "Q: " + prompt, nil
}

func TestPlugins_HooksRunInOrder(t *testing.T) {
	api := newFakeAPI()
	api.scriptText("ok")
	api.script = append(api.script, fakeEOS)
	up := &upperPlugin{BasePlugin: BasePlugin{PluginName: "upper"}}
	te := newTestEngine(t, testConfig(t), api, WithPlugins(prefixPlugin{BasePlugin{"prefix"}}, up))

	res, err := te.Generate(context.Background(), GenerateRequest{Prompt: "hi", MaxTokens: 5, SkipSpecial: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "OK" {
		t.Errorf("expected OK, got %q", res.Text)
	}
	if strings.Join(up.tokens, "") != "ok" {
		t.Errorf("expected OnToken to see ok, got %v", up.tokens)
	}
	if !up.ended {
		t.Error("expected OnGenerationEnd with a result")
	}
	if got := len(api.decodes[0].tokens); got != len("Q: hi") {
		t.Errorf("expected the transformed prompt to be tokenized, got %d tokens", got)
	}
}

func TestPlugins_FailuresAreIsolated(t *testing.T) {
	api := newFakeAPI()
	api.scriptText("fine")
	api.script = append(api.script, fakeEOS)
	te := newTestEngine(t, testConfig(t), api, WithPlugins(brokenPlugin{BasePlugin{"broken"}}))

	res, err := te.Generate(context.Background(), GenerateRequest{Prompt: "p", MaxTokens: 10})
	if err != nil {
		t.Fatalf("expected plugin failures not to escalate, got %v", err)
	}
	if res.Text != "fine" {
		t.Errorf("expected untouched text, got %q", res.Text)
	}
	if n := te.logs.FilterMessage("plugin panicked").Len(); n < 2 {
		t.Errorf("expected panics from two hooks logged, got %d", n)
	}
	if te.logs.FilterMessage("plugin hook failed").Len() == 0 {
		t.Error("expected hook errors logged")
	}
}

func TestPlugins_TransformMessages(t *testing.T) {
	chain := newPluginChain([]Plugin{&redactPlugin{}}, zap.NewNop())
	in := []Message{{Role: RoleUser, Content: "secret"}}

	out := chain.transformMessages(context.Background(), in)
	if out[0].Content != "[redacted]" {
		t.Errorf("expected redacted content, got %q", out[0].Content)
	}
	if in[0].Content != "secret" {
		t.Error("expected the caller's slice to be untouched")
	}
}

func TestPlugins_AdjustTemperatureKeepsLastGood(t *testing.T) {
	chain := newPluginChain([]Plugin{halver{}, brokenPlugin{}}, zap.NewNop())
	if got := chain.adjustTemperature(0, 0.8); got != 0.4 {
		t.Errorf("expected 0.4, got %v", got)
	}
}

type redactPlugin struct{ BasePlugin }

func (*redactPlugin) TransformMessages(_ context.Context, msgs []Message) ([]Message, error) {
	for i := range msgs {
		msgs[i].Content = "[redacted]"
	}
	return msgs, nil
}

type halver struct{ BasePlugin }

func (halver) AdjustTemperature(_ int, t float32) (float32, error) { return t / 2, nil }
