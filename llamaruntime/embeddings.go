package llamaruntime

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"llamacore/logging"
)

// Embeddings returns one vector per text, in order. Blank texts get a
// zero vector of the model's dimension. The engine must have been
// created with Config.Embeddings set.
func (e *Engine) Embeddings(ctx context.Context, texts []string) (*EmbeddingResult, error) {
	if !e.cfg.Embeddings {
		return nil, newError("embeddings", ErrConfiguration, "engine was not created in embedding mode", nil)
	}
	if err := e.begin("embeddings", StateEmbedding); err != nil {
		return nil, err
	}
	defer e.end(StateEmbedding)

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "embeddings")
	span.SetAttributes(attribute.Int("texts", len(texts)))
	defer span.End()

	res := &EmbeddingResult{
		Vectors:     make([][]float32, len(texts)),
		Dimension:   e.nEmbd,
		TokenCounts: make([]int, len(texts)),
	}
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			endSpan(span, err)
			return nil, err
		}
		vec, n, err := e.embed(text)
		if err != nil {
			e.metrics.ObserveFailure(failureKind(err))
			span.RecordError(err)
			return nil, err
		}
		res.Vectors[i] = vec
		res.TokenCounts[i] = n
	}
	res.Duration = time.Since(start)

	e.metrics.ObserveEmbeddings(len(texts), res.Duration)
	total := 0
	for _, n := range res.TokenCounts {
		total += n
	}
	e.logger.Debug("embeddings complete", logging.EmbeddingFields(logging.Embedding{
		Texts:     len(texts),
		Tokens:    total,
		Dimension: e.nEmbd,
		Duration:  res.Duration,
	}))
	return res, nil
}

func (e *Engine) embed(text string) ([]float32, int, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.nEmbd), 0, nil
	}

	tokens, err := e.tokenize(text, true)
	if err != nil {
		return nil, 0, err
	}
	if len(tokens) > e.nCtx {
		return nil, 0, &CapacityError{PromptTokens: len(tokens), ContextSize: e.nCtx}
	}

	e.api.KVClear(e.lctx)
	e.lastTokens = nil
	// The last token is flagged as an output so its row can be read when
	// the context has no pooled sequence embedding.
	row, err := e.decodePrompt(tokens, true)
	if err != nil {
		return nil, 0, err
	}

	vec := e.api.SeqEmbeddings(e.lctx, 0, e.nEmbd)
	if vec == nil {
		vec = e.api.Embeddings(e.lctx, row, e.nEmbd)
	}
	if vec == nil {
		return nil, 0, newError("embeddings", ErrDecode, "native returned no embeddings", nil)
	}
	if e.cfg.NormalizeEmbeddings {
		normalize(vec)
	}
	return vec, len(tokens), nil
}

// normalize scales v to unit L2 norm in place. Zero vectors are left alone.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
