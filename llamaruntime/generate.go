package llamaruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"llamacore/logging"
	"llamacore/metrics"
	"llamacore/sampler"
)

// Generate runs one completion.
//
// The prompt is tokenized (through the token cache), checked against the
// context window, decoded in batches into a cleared KV cache, then tokens
// are sampled one at a time until EOS, a stop string, MaxTokens or
// cancellation of ctx. A decode failure while generating returns the
// partial text with FinishError and a nil error; a failure before the
// first sampled token returns an error.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*GenerationResult, error) {
	params, err := e.checkRequest(req)
	if err != nil {
		e.metrics.ObserveFailure(failureKind(err))
		return nil, err
	}
	if err := e.begin("generate", StateGenerating); err != nil {
		return nil, err
	}
	defer e.end(StateGenerating)

	res, err := e.breaker.execute(func() (*GenerationResult, error) {
		return e.generate(ctx, req, params)
	})
	if errors.Is(err, errPartial) {
		e.metrics.ObserveFailure("decode")
		err = nil
	}
	if err != nil {
		e.metrics.ObserveFailure(failureKind(err))
		return nil, err
	}
	return res, nil
}

func (e *Engine) checkRequest(req GenerateRequest) (sampler.Params, error) {
	params := e.cfg.Sampling
	if req.Sampling != nil {
		params = *req.Sampling
	}
	if req.Prompt == "" {
		return params, newError("generate", ErrInvalidArgument, "prompt is empty", nil)
	}
	if req.MaxTokens <= 0 {
		return params, newError("generate", ErrInvalidArgument,
			fmt.Sprintf("max tokens %d must be > 0", req.MaxTokens), nil)
	}
	if err := params.Validate(); err != nil {
		return params, newError("generate", ErrInvalidArgument, "bad sampling parameters", err)
	}
	for _, s := range req.StopStrings {
		if s == "" {
			return params, newError("generate", ErrInvalidArgument, "empty stop string", nil)
		}
	}
	return params, nil
}

func (e *Engine) generate(ctx context.Context, req GenerateRequest, params sampler.Params) (*GenerationResult, error) {
	start := time.Now()
	res := &GenerationResult{RequestID: uuid.NewString()}
	log := e.logger.With(zap.String("request_id", res.RequestID))

	ctx, span := e.tracer.Start(ctx, "generate", trace.WithAttributes(
		attribute.String("request.id", res.RequestID),
		attribute.Int("request.max_tokens", req.MaxTokens),
	))
	defer span.End()

	prompt := e.plugins.transformPrompt(ctx, req.Prompt)

	_, tokSpan := e.tracer.Start(ctx, "tokenize")
	tokens, err := e.tokenize(prompt, !req.SkipSpecial)
	if err == nil && len(tokens) == 0 {
		err = newError("tokenize", ErrTokenization, "prompt produced no tokens", nil)
	}
	tokSpan.SetAttributes(attribute.Int("tokens", len(tokens)))
	endSpan(tokSpan, err)
	if err != nil {
		return e.fail(ctx, span, log, res, err)
	}
	res.TokensPrompt = len(tokens)

	if len(tokens)+req.MaxTokens > e.nCtx {
		return e.fail(ctx, span, log, res, &CapacityError{
			PromptTokens: len(tokens),
			MaxTokens:    req.MaxTokens,
			ContextSize:  e.nCtx,
		})
	}

	e.plugins.onGenerationStart(ctx, GenerationEvent{
		RequestID:    res.RequestID,
		Prompt:       prompt,
		PromptTokens: len(tokens),
		MaxTokens:    req.MaxTokens,
	})

	_, promptSpan := e.tracer.Start(ctx, "process_prompt")
	e.api.KVClear(e.lctx)
	e.lastTokens = nil
	row, err := e.decodePrompt(tokens, true)
	endSpan(promptSpan, err)
	if err != nil {
		return e.fail(ctx, span, log, res, err)
	}
	e.lastTokens = append([]int32(nil), tokens...)
	res.PromptDuration = time.Since(start)

	genCtx, genSpan := e.tracer.Start(ctx, "generate_tokens")
	text := e.sampleLoop(genCtx, req, params, res, row, log)
	genSpan.SetAttributes(
		attribute.Int("tokens", res.TokensGenerated),
		attribute.String("finish_reason", string(res.FinishReason)),
	)
	genSpan.End()

	res.Text = e.plugins.transformOutput(ctx, text)
	res.Duration = time.Since(start)
	res.TokensPerSecond = metrics.TokensPerSecond(res.TokensGenerated, res.Duration-res.PromptDuration)

	e.metrics.ObserveGeneration(metrics.Generation{
		FinishReason:    string(res.FinishReason),
		PromptTokens:    res.TokensPrompt,
		GeneratedTokens: res.TokensGenerated,
		PromptDuration:  res.PromptDuration,
		Duration:        res.Duration,
	})
	span.SetAttributes(
		attribute.Int("tokens.prompt", res.TokensPrompt),
		attribute.Int("tokens.generated", res.TokensGenerated),
		attribute.String("finish_reason", string(res.FinishReason)),
	)
	log.Info("generation complete", logging.GenerationFields(logging.Generation{
		FinishReason:    string(res.FinishReason),
		PromptTokens:    res.TokensPrompt,
		GeneratedTokens: res.TokensGenerated,
		PromptDuration:  res.PromptDuration,
		Duration:        res.Duration,
		TokensPerSecond: res.TokensPerSecond,
	}))
	e.plugins.onGenerationEnd(ctx, res, nil)

	if res.FinishReason == FinishError {
		span.SetStatus(codes.Error, "decode failed mid-generation")
		return res, errPartial
	}
	return res, nil
}

// sampleLoop samples until a finish condition and returns the raw text.
// row is the logits row of the last decoded token.
func (e *Engine) sampleLoop(ctx context.Context, req GenerateRequest, params sampler.Params, res *GenerationResult, row int32, log *zap.Logger) string {
	s := sampler.New(params)
	var out strings.Builder
	pos := int32(len(e.lastTokens))
	res.FinishReason = FinishLength

	for i := 0; i < req.MaxTokens; i++ {
		if ctx.Err() != nil {
			res.FinishReason = FinishCancelled
			break
		}

		logits := e.api.Logits(e.lctx, row, e.nVocab)
		if logits == nil {
			log.Error("no logits for decoded token", zap.Int32("row", row))
			res.FinishReason = FinishError
			break
		}

		p := params
		if !e.plugins.empty() {
			p.Temperature = e.plugins.adjustTemperature(i, params.Temperature)
		}
		tok := s.SampleWith(logits, p)
		if tok == e.eos {
			res.FinishReason = FinishStop
			break
		}
		res.TokensGenerated++

		// Special tokens are rendered so template stop strings match them.
		piece, err := e.piece(tok, true)
		if err != nil {
			log.Warn("cannot render token", zap.Int32("token", tok), zap.Error(err))
		}
		out.WriteString(piece)
		e.stream(req.Stream, piece, log)
		e.plugins.onToken(ctx, TokenEvent{RequestID: res.RequestID, Index: i, Token: tok, Text: piece})

		if stop, ok := matchStop(out.String(), req.StopStrings); ok {
			trimmed := strings.TrimSuffix(out.String(), stop)
			out.Reset()
			out.WriteString(trimmed)
			res.FinishReason = FinishStop
			res.StopString = stop
			break
		}
		if i == req.MaxTokens-1 {
			break
		}

		batch, err := e.codec.BuildBatch([]int32{tok}, []int32{pos}, []bool{true})
		if err != nil {
			log.Error("cannot build batch", zap.Error(err))
			res.FinishReason = FinishError
			break
		}
		if rc := e.api.Decode(e.lctx, batch); rc != 0 {
			log.Error("decode failed during generation", zap.Int32("code", rc), zap.Int("generated", res.TokensGenerated))
			res.FinishReason = FinishError
			res.DecodeCode = int(rc)
			break
		}
		e.lastTokens = append(e.lastTokens, tok)
		pos++
		row = 0
	}
	return out.String()
}

// decodePrompt feeds tokens to the context in BatchSize chunks starting
// at position 0. Only the final token requests logits, and only when
// wantLogits is set. It returns that token's row in the last batch.
func (e *Engine) decodePrompt(tokens []int32, wantLogits bool) (int32, error) {
	size := e.cfg.BatchSize
	var row int32
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		chunk := tokens[start:end]

		positions := make([]int32, len(chunk))
		for i := range positions {
			positions[i] = int32(start + i)
		}
		logits := make([]bool, len(chunk))
		if end == len(tokens) && wantLogits {
			logits[len(chunk)-1] = true
		}

		batch, err := e.codec.BuildBatch(chunk, positions, logits)
		if err != nil {
			return 0, newError("decode", ErrDecode, "cannot build batch", err)
		}
		if rc := e.api.Decode(e.lctx, batch); rc != 0 {
			err := newError("decode", ErrDecode,
				fmt.Sprintf("prompt batch at position %d failed", start), nil)
			err.Code = int(rc)
			return 0, err
		}
		row = int32(len(chunk) - 1)
	}
	return row, nil
}

// stream delivers a fragment to fn. Errors and panics are logged.
func (e *Engine) stream(fn StreamFunc, fragment string, log *zap.Logger) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("stream callback panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(fragment); err != nil {
		log.Warn("stream callback failed", zap.Error(err))
	}
}

// fail records a generation that ended with err.
func (e *Engine) fail(ctx context.Context, span trace.Span, log *zap.Logger, res *GenerationResult, err error) (*GenerationResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if IsCallerError(err) {
		log.Info("generation rejected", zap.Error(err))
	} else {
		log.Error("generation failed", zap.Error(err))
	}
	e.plugins.onGenerationEnd(ctx, res, err)
	return nil, err
}

// matchStop reports the first stop string that text ends with.
func matchStop(text string, stops []string) (string, bool) {
	for _, s := range stops {
		if strings.HasSuffix(text, s) {
			return s, true
		}
	}
	return "", false
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// failureKind labels err for the failures metric.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrTokenization):
		return "tokenization"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrUnsupportedOperation):
		return "unsupported"
	case errors.Is(err, ErrStateIO):
		return "state_io"
	default:
		return "other"
	}
}
