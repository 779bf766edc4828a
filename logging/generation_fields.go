package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Generation summarises one generation for structured logs.
type Generation struct {
	RequestID       string
	Model           string
	FinishReason    string
	PromptTokens    int
	GeneratedTokens int
	PromptDuration  time.Duration
	Duration        time.Duration
	TokensPerSecond float64
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Durations are in
// milliseconds.
func (g Generation) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if g.RequestID != "" {
		enc.AddString("request_id", g.RequestID)
	}
	if g.Model != "" {
		enc.AddString("model", g.Model)
	}
	enc.AddString("finish_reason", g.FinishReason)
	enc.AddInt("prompt_tokens", g.PromptTokens)
	enc.AddInt("generated_tokens", g.GeneratedTokens)
	enc.AddInt("total_tokens", g.PromptTokens+g.GeneratedTokens)
	enc.AddInt64("prompt_ms", g.PromptDuration.Milliseconds())
	enc.AddInt64("duration_ms", g.Duration.Milliseconds())
	enc.AddFloat64("tokens_per_second", g.TokensPerSecond)
	return nil
}

// GenerationFields nests g under the "generation" key.
func GenerationFields(g Generation) zap.Field {
	return zap.Object("generation", g)
}

// Embedding summarises one embeddings call.
type Embedding struct {
	Texts     int
	Tokens    int
	Dimension int
	Duration  time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e Embedding) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("texts", e.Texts)
	enc.AddInt("tokens", e.Tokens)
	enc.AddInt("dimension", e.Dimension)
	enc.AddInt64("duration_ms", e.Duration.Milliseconds())
	return nil
}

// EmbeddingFields nests e under the "embeddings" key.
func EmbeddingFields(e Embedding) zap.Field {
	return zap.Object("embeddings", e)
}

// TokenFields logs token counts without a full Generation.
func TokenFields(prompt, generated int) []zap.Field {
	return []zap.Field{
		zap.Int("prompt_tokens", prompt),
		zap.Int("generated_tokens", generated),
		zap.Int("total_tokens", prompt+generated),
	}
}
