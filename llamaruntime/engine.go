package llamaruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"llamacore/abi"
	"llamacore/metrics"
	"llamacore/native"
	"llamacore/shutdown"
)

// TracerName is the instrumentation name of the engine's spans.
const TracerName = "llamacore/llamaruntime"

// Cleanup priorities. Lower runs first.
const (
	cleanupContext = 10
	cleanupModel   = 20
	cleanupBackend = 30
	cleanupArena   = 40
	cleanupLibrary = 50
)

// Option configures New.
type Option func(*options)

type options struct {
	api       native.API
	allocator abi.Allocator
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.TracerProvider
	plugins   []Plugin
}

// WithNative uses api instead of loading Config.LibraryPath. The engine
// still closes api on Close.
func WithNative(api native.API) Option {
	return func(o *options) { o.api = api }
}

// WithAllocator backs the parameter arena with a instead of the C heap.
func WithAllocator(a abi.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records into m. Defaults to a collector on a private registry.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider sets the span source. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithPlugins appends plugins to the engine's chain.
func WithPlugins(p ...Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, p...) }
}

// Engine owns one model and one inference context. Generate and
// Embeddings are serialized: a call made while another is running fails
// with ErrEngineBusy. Everything else is safe for concurrent use.
type Engine struct {
	cfg     Config
	layouts abi.LayoutSet

	api   native.API
	arena *abi.Arena
	codec *abi.Codec
	model native.Model
	lctx  native.Context

	state   atomic.Int32
	opMu    sync.Mutex
	closeMu sync.RWMutex
	cleanup *shutdown.Registry

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Collector
	plugins *pluginChain
	cache   *tokenCache
	breaker *breaker

	info     ModelInfo
	template TemplateFamily
	nCtx     int
	nVocab   int
	nEmbd    int
	eos      int32

	// lastTokens is the token sequence currently in the KV cache; it is
	// what SaveState writes. Guarded by opMu.
	lastTokens []int32
}

var _ io.Closer = (*Engine)(nil)
var _ Tokenizer = (*Engine)(nil)

// New loads the native library, the model and a context according to
// cfg. Any failure releases whatever was already acquired.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector(nil)
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.api == nil && cfg.LibraryPath == "" {
		return nil, fmt.Errorf("%w: library path is required", ErrConfiguration)
	}
	if cfg.ABIVersion == "" {
		cfg.ABIVersion = abi.DefaultVersion
	}
	layouts, err := abi.ForVersion(cfg.ABIVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	logger := o.logger.With(zap.String("model", ModelName(cfg.ModelPath)))
	e := &Engine{
		cfg:     cfg,
		layouts: layouts,
		cleanup: shutdown.NewRegistry(),
		logger:  logger,
		tracer:  o.tracer.Tracer(TracerName),
		metrics: o.metrics,
		plugins: newPluginChain(o.plugins, logger),
		cache:   newTokenCache(cfg.TokenCacheSize),
	}
	e.breaker = newBreaker("llamacore-generate", cfg.Breaker, logger, e.metrics)
	e.template = TemplateFamily(strings.ToLower(cfg.ChatTemplate))
	if e.template == "" {
		e.template = InferTemplate(ModelName(cfg.ModelPath))
	}

	if err := e.load(o); err != nil {
		e.logger.Error("engine construction failed, unwinding", zap.Error(err))
		if errs := e.cleanup.Run(context.Background()); len(errs) > 0 {
			err = errors.Join(append([]error{err}, errs...)...)
		}
		e.state.Store(int32(StateClosed))
		return nil, err
	}
	return e, nil
}

// load acquires native resources in order, registering each release step
// as soon as the resource exists.
func (e *Engine) load(o options) error {
	start := time.Now()

	alloc := o.allocator
	if alloc == nil {
		a, err := native.NewCAllocator()
		if err != nil {
			return newError("allocator", ErrLoad, "cannot create C allocator", err)
		}
		alloc = a
	}
	e.arena = abi.NewArena(alloc)
	e.codec = abi.NewCodec(e.layouts, e.arena)
	e.cleanup.Register("arena", cleanupArena, func(context.Context) error {
		return e.arena.Close()
	})

	api := o.api
	if api == nil {
		lib, err := native.Open(e.cfg.LibraryPath, e.layouts)
		if err != nil {
			return newError("open_library", ErrLoad, e.cfg.LibraryPath, err)
		}
		api = lib
	}
	e.api = api
	e.cleanup.Register("library", cleanupLibrary, func(context.Context) error {
		return e.api.Close()
	})

	e.api.BackendInit()
	e.cleanup.Register("backend", cleanupBackend, func(context.Context) error {
		e.api.BackendFree()
		return nil
	})
	if err := e.transition(StateUninitialized, StateBackendInitialized); err != nil {
		return err
	}

	mparams, err := e.codec.CopyDefaultParamsAndPatch(abi.ModelParams, e.api.ModelDefaultParams(), abi.ModelOverrides{
		GPULayers: int32(e.cfg.NumGPULayers),
		UseMMap:   e.cfg.UseMMap,
		UseMLock:  e.cfg.UseMlock,
	})
	if err != nil {
		return newError("model_params", ErrLoad, "cannot encode model params", err)
	}
	path, err := e.arena.CString(e.cfg.ModelPath)
	if err != nil {
		return newError("load_model", ErrLoad, "cannot allocate model path", err)
	}
	e.model = e.api.LoadModel(path, mparams)
	if e.model == 0 {
		return newError("load_model", ErrLoad, e.cfg.ModelPath, nil)
	}
	e.cleanup.Register("model", cleanupModel, func(context.Context) error {
		if e.model != 0 {
			e.api.FreeModel(e.model)
			e.model = 0
		}
		return nil
	})
	if err := e.transition(StateBackendInitialized, StateModelLoaded); err != nil {
		return err
	}

	cparams, err := e.codec.CopyDefaultParamsAndPatch(abi.ContextParams, e.api.ContextDefaultParams(), abi.ContextOverrides{
		ContextSize:    uint32(e.cfg.ContextSize),
		BatchSize:      uint32(e.cfg.BatchSize),
		UBatchSize:     uint32(e.cfg.UBatchSize),
		Threads:        int32(e.cfg.NumThreads),
		ThreadsBatch:   int32(e.cfg.NumThreadsBatch),
		RopeFreqBase:   e.cfg.RopeFreqBase,
		RopeFreqScale:  e.cfg.RopeFreqScale,
		Yarn:           e.cfg.Yarn,
		Pooling:        int32(e.cfg.PoolingType),
		Embeddings:     e.cfg.Embeddings,
		FlashAttention: e.cfg.FlashAttention,
	})
	if err != nil {
		return newError("context_params", ErrLoad, "cannot encode context params", err)
	}
	e.lctx = e.api.NewContext(e.model, cparams)
	if e.lctx == 0 {
		return newError("new_context", ErrLoad, "context creation failed", nil)
	}
	e.cleanup.Register("context", cleanupContext, func(context.Context) error {
		if e.lctx != 0 {
			e.api.FreeContext(e.lctx)
			e.lctx = 0
		}
		return nil
	})
	if err := e.transition(StateModelLoaded, StateContextReady); err != nil {
		return err
	}

	e.nCtx = int(e.api.ContextSize(e.lctx))
	e.nVocab = int(e.api.VocabSize(e.model))
	e.nEmbd = int(e.api.EmbeddingSize(e.model))
	e.eos = e.api.TokenEOS(e.model)
	if e.nCtx <= 0 || e.nVocab <= 0 {
		return newError("introspect", ErrLoad,
			fmt.Sprintf("native reported context size %d and vocabulary size %d", e.nCtx, e.nVocab), nil)
	}

	e.info = ModelInfo{
		Path:             e.cfg.ModelPath,
		Name:             ModelName(e.cfg.ModelPath),
		Size:             GetModelSize(e.cfg.ModelPath),
		ABIVersion:       e.layouts.Version,
		ContextSize:      e.nCtx,
		TrainContextSize: int(e.api.TrainContextSize(e.model)),
		EmbeddingSize:    e.nEmbd,
		VocabSize:        e.nVocab,
		BOSToken:         e.api.TokenBOS(e.model),
		EOSToken:         e.eos,
		Template:         e.template,
		LoadedAt:         time.Now(),
		LoadDuration:     time.Since(start),
	}
	if err := e.transition(StateContextReady, StateIdle); err != nil {
		return err
	}

	e.logger.Info("model loaded",
		zap.String("abi", e.layouts.Version),
		zap.Int("context_size", e.nCtx),
		zap.Int("vocab_size", e.nVocab),
		zap.Int("embedding_size", e.nEmbd),
		zap.String("template", string(e.template)),
		zap.Duration("load_duration", e.info.LoadDuration),
	)
	return nil
}

// Close releases the context, model, backend, arena and library in that
// order. It waits for a running call to finish. Calling Close again is a
// no-op.
func (e *Engine) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.closeMu.Lock()
	defer e.closeMu.Unlock()

	if e.State() == StateClosed {
		return nil
	}
	e.state.Store(int32(StateClosed))

	errs := e.cleanup.Run(context.Background())
	e.cache.clear()
	e.metrics.SetCacheEntries(0)
	e.lastTokens = nil

	if len(errs) > 0 {
		e.logger.Error("engine closed with errors", zap.Errors("errors", errs))
		return errors.Join(errs...)
	}
	e.logger.Info("engine closed")
	return nil
}

// begin claims the engine for a Generate or Embeddings call.
func (e *Engine) begin(op string, to State) error {
	if !e.opMu.TryLock() {
		if e.State() == StateClosed {
			return newError(op, ErrClosed, "engine is closed", nil)
		}
		return newError(op, ErrEngineBusy, "another call is running", nil)
	}
	if err := e.transition(StateIdle, to); err != nil {
		e.opMu.Unlock()
		if e.State() == StateClosed {
			return newError(op, ErrClosed, "engine is closed", nil)
		}
		return newError(op, ErrEngineBusy, "engine is not idle", err)
	}
	return nil
}

// end releases the claim taken by begin.
func (e *Engine) end(from State) {
	if err := e.transition(from, StateIdle); err != nil {
		e.logger.Error("state transition failed", zap.Error(err))
	}
	e.opMu.Unlock()
}

// Tokenize converts text to tokens, adding BOS and other special tokens
// when addSpecial is set. Special-token markup in text is always parsed.
func (e *Engine) Tokenize(text string, addSpecial bool) ([]int32, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	if e.State() == StateClosed {
		return nil, newError("tokenize", ErrClosed, "engine is closed", nil)
	}
	return e.tokenize(text, addSpecial)
}

func (e *Engine) tokenize(text string, addSpecial bool) ([]int32, error) {
	if tokens, ok := e.cache.get(text, addSpecial); ok {
		return tokens, nil
	}

	ctext, err := e.arena.CString(text)
	if err != nil {
		return nil, newError("tokenize", ErrTokenization, "cannot allocate input text", err)
	}
	buf := make([]int32, len(text)+8)
	n := e.api.Tokenize(e.model, ctext, int32(len(text)), buf, addSpecial, true)
	if n < 0 {
		buf = make([]int32, -n)
		n = e.api.Tokenize(e.model, ctext, int32(len(text)), buf, addSpecial, true)
	}
	if n < 0 {
		err := newError("tokenize", ErrTokenization, "native tokenizer rejected input", nil)
		err.Code = int(n)
		return nil, err
	}
	tokens := buf[:n]

	e.cache.put(text, addSpecial, tokens)
	e.metrics.SetCacheEntries(e.cache.len())
	return tokens, nil
}

// Detokenize converts tokens back to text. Special tokens are rendered
// as their markup.
func (e *Engine) Detokenize(tokens []int32) (string, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	if e.State() == StateClosed {
		return "", newError("detokenize", ErrClosed, "engine is closed", nil)
	}
	var b strings.Builder
	for _, tok := range tokens {
		piece, err := e.piece(tok, true)
		if err != nil {
			return "", err
		}
		b.WriteString(piece)
	}
	return b.String(), nil
}

func (e *Engine) piece(tok int32, special bool) (string, error) {
	buf := make([]byte, 32)
	n := e.api.TokenToPiece(e.model, tok, buf, special)
	if n < 0 {
		buf = make([]byte, -n)
		n = e.api.TokenToPiece(e.model, tok, buf, special)
	}
	if n < 0 {
		err := newError("token_to_piece", ErrTokenization, fmt.Sprintf("token %d", tok), nil)
		err.Code = int(n)
		return "", err
	}
	return string(buf[:n]), nil
}

// ModelInfo describes the loaded model.
func (e *Engine) ModelInfo() ModelInfo {
	return e.info
}

// Stats returns the engine's counters.
func (e *Engine) Stats() metrics.Stats {
	return e.metrics.Snapshot()
}

// Capabilities reports the optional native operations available.
func (e *Engine) Capabilities() native.Capabilities {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	if e.State() == StateClosed {
		return native.Capabilities{}
	}
	return e.api.Capabilities()
}
