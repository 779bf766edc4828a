package llamaruntime

import (
	"fmt"
	"strings"
	"time"

	"llamacore/abi"
	"llamacore/sampler"
)

// =============================================================================
// Default Constants
// =============================================================================

const (
	// DefaultContextSize is the default context window size in tokens.
	DefaultContextSize = 4096

	// DefaultBatchSize is the default prompt batch size.
	// Smaller batches use less memory but may be slower.
	DefaultBatchSize = 512

	// DefaultNumGPULayers is the default number of layers to offload to GPU.
	// -1 means offload every layer.
	DefaultNumGPULayers = -1

	// DefaultNumThreads is the default number of CPU threads for inference.
	DefaultNumThreads = 4

	// DefaultMaxTokens is the default maximum number of tokens to generate.
	DefaultMaxTokens = 512

	// DefaultTokenCacheSize is the number of prompts whose tokens are kept.
	DefaultTokenCacheSize = 256

	// DefaultBreakerFailures is the number of consecutive failures that
	// opens the circuit breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerWindow is the interval after which the failure count
	// resets while the breaker is closed.
	DefaultBreakerWindow = time.Minute

	// DefaultBreakerCooldown is how long the breaker stays open before it
	// lets one trial call through.
	DefaultBreakerCooldown = 30 * time.Second

	// MinContextSize is the minimum allowed context size.
	MinContextSize = 64

	// MaxBatchSize is the maximum allowed batch size.
	MaxBatchSize = 8192
)

// =============================================================================
// Configuration Types
// =============================================================================

// BreakerConfig configures the circuit breaker around Generate.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Defaults to DefaultBreakerFailures.
	FailureThreshold int `yaml:"failure_threshold"`

	// Window resets the failure count periodically while closed.
	// Zero never resets. Defaults to DefaultBreakerWindow.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long the breaker stays open.
	// Defaults to DefaultBreakerCooldown.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Config contains the configuration for an Engine.
type Config struct {
	// LibraryPath is the path to the llama.cpp shared library.
	// Required unless a native API is injected with WithNative.
	LibraryPath string `yaml:"library_path"`

	// ModelPath is the path to the GGUF model file.
	// Required - no default.
	ModelPath string `yaml:"model_path"`

	// ABIVersion selects the native struct layouts. Empty means
	// abi.DefaultVersion.
	ABIVersion string `yaml:"abi_version"`

	// NumGPULayers is the number of layers to offload to GPU.
	NumGPULayers int `yaml:"gpu_layers"`

	// UseMMap enables memory-mapped model loading.
	UseMMap bool `yaml:"use_mmap"`

	// UseMlock locks the model in RAM.
	UseMlock bool `yaml:"use_mlock"`

	// ContextSize is the context window size in tokens.
	ContextSize int `yaml:"context_size"`

	// BatchSize is the number of prompt tokens decoded per native call.
	BatchSize int `yaml:"batch_size"`

	// UBatchSize is the physical micro-batch size. Zero keeps the native default.
	UBatchSize int `yaml:"ubatch_size"`

	// NumThreads is the number of CPU threads for generation.
	NumThreads int `yaml:"threads"`

	// NumThreadsBatch is the number of CPU threads for prompt processing.
	// Zero uses NumThreads.
	NumThreadsBatch int `yaml:"threads_batch"`

	// RopeFreqBase and RopeFreqScale override RoPE scaling.
	// Zero uses the model's values.
	RopeFreqBase  float32 `yaml:"rope_freq_base"`
	RopeFreqScale float32 `yaml:"rope_freq_scale"`

	// Yarn overrides YaRN context extension. Nil keeps native defaults.
	Yarn *abi.YarnParams `yaml:"yarn"`

	// FlashAttention enables flash attention.
	FlashAttention bool `yaml:"flash_attention"`

	// Embeddings creates the context in embedding mode.
	Embeddings bool `yaml:"embeddings"`

	// NormalizeEmbeddings L2-normalizes returned vectors.
	NormalizeEmbeddings bool `yaml:"normalize_embeddings"`

	// PoolingType is the llama_pooling_type. -1 lets the model decide.
	PoolingType int `yaml:"pooling_type"`

	// ChatTemplate forces a chat template family ("inst", "chatml",
	// "llama3", "generic"). Empty infers it from the model file name.
	ChatTemplate string `yaml:"chat_template"`

	// TokenCacheSize bounds the prompt token cache. Zero disables it.
	TokenCacheSize int `yaml:"token_cache_size"`

	// Breaker configures the circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Sampling holds the default sampling parameters.
	Sampling sampler.Params `yaml:"sampling"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumGPULayers:   DefaultNumGPULayers,
		UseMMap:        true,
		ContextSize:    DefaultContextSize,
		BatchSize:      DefaultBatchSize,
		NumThreads:     DefaultNumThreads,
		PoolingType:    int(abi.PoolingUnspecified),
		TokenCacheSize: DefaultTokenCacheSize,
		Breaker: BreakerConfig{
			FailureThreshold: DefaultBreakerFailures,
			Window:           DefaultBreakerWindow,
			Cooldown:         DefaultBreakerCooldown,
		},
		Sampling: sampler.DefaultParams(),
	}
}

// Validate checks the configuration. Every failure wraps ErrConfiguration.
// The model file itself is checked with ValidateModelPath.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if err := ValidateModelPath(c.ModelPath); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if c.ContextSize < MinContextSize {
		return fail("context size %d must be >= %d", c.ContextSize, MinContextSize)
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		return fail("batch size %d must be in [1, %d]", c.BatchSize, MaxBatchSize)
	}
	if c.UBatchSize < 0 {
		return fail("ubatch size %d must be >= 0", c.UBatchSize)
	}
	if c.NumThreads <= 0 {
		return fail("threads %d must be > 0", c.NumThreads)
	}
	if c.NumThreadsBatch < 0 {
		return fail("batch threads %d must be >= 0", c.NumThreadsBatch)
	}
	if c.RopeFreqBase < 0 || c.RopeFreqScale < 0 {
		return fail("rope frequency base and scale must be >= 0")
	}
	if c.TokenCacheSize < 0 {
		return fail("token cache size %d must be >= 0", c.TokenCacheSize)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fail("breaker failure threshold %d must be > 0", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Window < 0 || c.Breaker.Cooldown < 0 {
		return fail("breaker window and cooldown must be >= 0")
	}
	if c.ChatTemplate != "" {
		if _, ok := templates[TemplateFamily(strings.ToLower(c.ChatTemplate))]; !ok {
			return fail("unknown chat template %q", c.ChatTemplate)
		}
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// =============================================================================
// Request Types
// =============================================================================

// StreamFunc receives each generated text fragment as it is produced. It
// runs on the generation goroutine; returning an error or panicking is
// logged and ignored.
type StreamFunc func(fragment string) error

// GenerateRequest contains parameters for a single generation.
type GenerateRequest struct {
	// Prompt is the input text prompt.
	// Required.
	Prompt string

	// MaxTokens is the maximum number of tokens to generate.
	// Required, > 0.
	MaxTokens int

	// Sampling overrides the engine's default sampling parameters.
	Sampling *sampler.Params

	// StopStrings end generation when the output ends with any of them.
	// The matched suffix is removed from the result.
	StopStrings []string

	// Stream is called synchronously with every text fragment.
	Stream StreamFunc

	// SkipSpecial stops the tokenizer from adding BOS and other special
	// tokens. Set when the prompt already carries them, as rendered chat
	// templates do.
	SkipSpecial bool
}

// ChatRequest contains parameters for a chat completion.
type ChatRequest struct {
	MaxTokens   int
	Sampling    *sampler.Params
	StopStrings []string
	Stream      StreamFunc

	// Template overrides the engine's chat template family.
	Template TemplateFamily
}

// =============================================================================
// Result Types
// =============================================================================

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	// FinishStop means EOS was sampled or a stop string matched.
	FinishStop FinishReason = "stop"
	// FinishLength means MaxTokens were generated.
	FinishLength FinishReason = "length"
	// FinishError means a per-token decode failed; the text is partial.
	FinishError FinishReason = "error"
	// FinishCancelled means the request context ended between tokens.
	FinishCancelled FinishReason = "cancelled"
)

// GenerationResult contains the result of a generation.
type GenerationResult struct {
	// RequestID identifies the request in logs and traces.
	RequestID string

	// Text is the generated text output.
	Text string

	// TokensGenerated is the number of tokens sampled.
	TokensGenerated int

	// TokensPrompt is the number of tokens in the prompt.
	TokensPrompt int

	// PromptDuration is the time spent decoding the prompt.
	PromptDuration time.Duration

	// Duration is the total time taken.
	Duration time.Duration

	// TokensPerSecond is the generation speed.
	TokensPerSecond float64

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason

	// StopString is the stop string that matched, if any.
	StopString string

	// DecodeCode is the native return code when FinishReason is FinishError.
	DecodeCode int
}

// EmbeddingResult contains embeddings for a batch of texts.
type EmbeddingResult struct {
	// Vectors holds one vector per input text, in input order.
	Vectors [][]float32

	// Dimension is the length of every vector.
	Dimension int

	// TokenCounts holds the number of tokens per input text.
	TokenCounts []int

	// Duration is the total time taken.
	Duration time.Duration
}

// =============================================================================
// Model Types
// =============================================================================

// ModelInfo contains information about a loaded model.
type ModelInfo struct {
	// Path is the path to the model file.
	Path string

	// Name is the model name (derived from filename).
	Name string

	// Size is the model file size in bytes.
	Size int64

	// ABIVersion is the native layout set in use.
	ABIVersion string

	// ContextSize is the context window of the created context.
	ContextSize int

	// TrainContextSize is the context length the model was trained with.
	TrainContextSize int

	// EmbeddingSize is the embedding dimension.
	EmbeddingSize int

	// VocabSize is the vocabulary size.
	VocabSize int

	// BOSToken and EOSToken are the model's begin and end of sequence
	// token ids.
	BOSToken int32
	EOSToken int32

	// Template is the chat template family in use.
	Template TemplateFamily

	// LoadedAt is when the model was loaded.
	LoadedAt time.Time

	// LoadDuration is how long loading took.
	LoadDuration time.Duration
}
