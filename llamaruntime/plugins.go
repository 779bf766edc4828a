package llamaruntime

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// GenerationEvent is passed to OnGenerationStart.
type GenerationEvent struct {
	RequestID    string
	Prompt       string
	PromptTokens int
	MaxTokens    int
}

// TokenEvent is passed to OnToken for every emitted token.
type TokenEvent struct {
	RequestID string
	Index     int
	Token     int32
	Text      string
}

// Plugin hooks into generation. Plugins run in registration order; each
// transform sees the previous plugin's output. A hook that returns an
// error or panics is logged and skipped, and the last good value is kept.
type Plugin interface {
	Name() string

	// TransformPrompt runs before tokenization.
	TransformPrompt(ctx context.Context, prompt string) (string, error)

	// TransformMessages runs before a chat template is applied.
	TransformMessages(ctx context.Context, msgs []Message) ([]Message, error)

	// TransformOutput runs on the final text.
	TransformOutput(ctx context.Context, text string) (string, error)

	OnGenerationStart(ctx context.Context, ev GenerationEvent)
	OnToken(ctx context.Context, ev TokenEvent)
	OnGenerationEnd(ctx context.Context, res *GenerationResult, err error)

	// AdjustTemperature may change the temperature used for token index.
	AdjustTemperature(index int, temperature float32) (float32, error)
}

// BasePlugin implements every hook as a no-op. Embed it and override the
// hooks you need.
type BasePlugin struct {
	PluginName string
}

func (p BasePlugin) Name() string { return p.PluginName }

func (BasePlugin) TransformPrompt(_ context.Context, prompt string) (string, error) {
	return prompt, nil
}

func (BasePlugin) TransformMessages(_ context.Context, msgs []Message) ([]Message, error) {
	return msgs, nil
}

func (BasePlugin) TransformOutput(_ context.Context, text string) (string, error) {
	return text, nil
}

func (BasePlugin) OnGenerationStart(context.Context, GenerationEvent) {}
func (BasePlugin) OnToken(context.Context, TokenEvent) {}
func (BasePlugin) OnGenerationEnd(context.Context, *GenerationResult, error) {}
func (BasePlugin) AdjustTemperature(_ int, t float32) (float32, error) { return t, nil }

// pluginChain is the engine's ordered plugin list.
type pluginChain struct {
	plugins []Plugin
	logger  *zap.Logger
}

func newPluginChain(plugins []Plugin, logger *zap.Logger) *pluginChain {
	return &pluginChain{plugins: append([]Plugin(nil), plugins...), logger: logger}
}

// guard runs one hook and converts a panic into an error.
func (c *pluginChain) guard(p Plugin, hook string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("plugin panicked",
				zap.String("plugin", p.Name()),
				zap.String("hook", hook),
				zap.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		c.logger.Warn("plugin hook failed",
			zap.String("plugin", p.Name()),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *pluginChain) transformPrompt(ctx context.Context, prompt string) string {
	for _, p := range c.plugins {
		var out string
		if c.guard(p, "TransformPrompt", func() (err error) {
			out, err = p.TransformPrompt(ctx, prompt)
			return err
		}) {
			prompt = out
		}
	}
	return prompt
}

func (c *pluginChain) transformMessages(ctx context.Context, msgs []Message) []Message {
	for _, p := range c.plugins {
		in := append([]Message(nil), msgs...)
		var out []Message
		if c.guard(p, "TransformMessages", func() (err error) {
			out, err = p.TransformMessages(ctx, in)
			return err
		}) {
			msgs = out
		}
	}
	return msgs
}

func (c *pluginChain) transformOutput(ctx context.Context, text string) string {
	for _, p := range c.plugins {
		var out string
		if c.guard(p, "TransformOutput", func() (err error) {
			out, err = p.TransformOutput(ctx, text)
			return err
		}) {
			text = out
		}
	}
	return text
}

func (c *pluginChain) onGenerationStart(ctx context.Context, ev GenerationEvent) {
	for _, p := range c.plugins {
		c.guard(p, "OnGenerationStart", func() error {
			p.OnGenerationStart(ctx, ev)
			return nil
		})
	}
}

func (c *pluginChain) onToken(ctx context.Context, ev TokenEvent) {
	for _, p := range c.plugins {
		c.guard(p, "OnToken", func() error {
			p.OnToken(ctx, ev)
			return nil
		})
	}
}

func (c *pluginChain) onGenerationEnd(ctx context.Context, res *GenerationResult, err error) {
	for _, p := range c.plugins {
		c.guard(p, "OnGenerationEnd", func() error {
			p.OnGenerationEnd(ctx, res, err)
			return nil
		})
	}
}

// adjustTemperature keeps the last valid temperature; negative or NaN
// results are rejected.
func (c *pluginChain) adjustTemperature(index int, temperature float32) float32 {
	for _, p := range c.plugins {
		var out float32
		if c.guard(p, "AdjustTemperature", func() (err error) {
			out, err = p.AdjustTemperature(index, temperature)
			if err == nil && (out < 0 || math.IsNaN(float64(out))) {
				err = fmt.Errorf("temperature %v out of range", out)
			}
			return err
		}) {
			temperature = out
		}
	}
	return temperature
}

func (c *pluginChain) empty() bool { return len(c.plugins) == 0 }
