// Package core loads llamacore configuration and maps failures to exit
// codes.
package core

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llamacore/llamaruntime"
	"llamacore/logging"
)

// Environment variables read by LoadConfig. Every engine field has one;
// YaRN settings are YAML-only.
const (
	EnvConfigFile = "LLAMA_CONFIG_FILE"
	EnvEnvFile    = "LLAMA_ENV_FILE"

	EnvLibraryPath         = "LLAMA_LIBRARY_PATH"
	EnvModelPath           = "LLAMA_MODEL_PATH"
	EnvModelsDir           = "LLAMA_MODELS_DIR"
	EnvABIVersion          = "LLAMA_ABI_VERSION"
	EnvGPULayers           = "LLAMA_GPU_LAYERS"
	EnvUseMMap             = "LLAMA_USE_MMAP"
	EnvUseMlock            = "LLAMA_USE_MLOCK"
	EnvContextSize         = "LLAMA_CONTEXT_SIZE"
	EnvBatchSize           = "LLAMA_BATCH_SIZE"
	EnvUBatchSize          = "LLAMA_UBATCH_SIZE"
	EnvThreads             = "LLAMA_THREADS"
	EnvThreadsBatch        = "LLAMA_THREADS_BATCH"
	EnvRopeFreqBase        = "LLAMA_ROPE_FREQ_BASE"
	EnvRopeFreqScale       = "LLAMA_ROPE_FREQ_SCALE"
	EnvFlashAttention      = "LLAMA_FLASH_ATTENTION"
	EnvEmbeddings          = "LLAMA_EMBEDDINGS"
	EnvNormalizeEmbeddings = "LLAMA_NORMALIZE_EMBEDDINGS"
	EnvPoolingType         = "LLAMA_POOLING_TYPE"
	EnvChatTemplate        = "LLAMA_CHAT_TEMPLATE"
	EnvTokenCacheSize      = "LLAMA_TOKEN_CACHE_SIZE"

	EnvBreakerFailures = "LLAMA_BREAKER_FAILURES"
	EnvBreakerWindow   = "LLAMA_BREAKER_WINDOW"
	EnvBreakerCooldown = "LLAMA_BREAKER_COOLDOWN"

	EnvTemperature      = "LLAMA_TEMPERATURE"
	EnvTopK             = "LLAMA_TOP_K"
	EnvTopP             = "LLAMA_TOP_P"
	EnvMinP             = "LLAMA_MIN_P"
	EnvRepeatPenalty    = "LLAMA_REPEAT_PENALTY"
	EnvFrequencyPenalty = "LLAMA_FREQUENCY_PENALTY"
	EnvPresencePenalty  = "LLAMA_PRESENCE_PENALTY"
	EnvRepeatLastN      = "LLAMA_REPEAT_LAST_N"
	EnvSeed             = "LLAMA_SEED"

	EnvLogLevel       = "LLAMA_LOG_LEVEL"
	EnvLogFile        = "LLAMA_LOG_FILE"
	EnvLogDevelopment = "LLAMA_LOG_DEV"

	EnvShutdownTimeout = "LLAMA_SHUTDOWN_TIMEOUT"
)

// DefaultShutdownTimeout bounds how long the command line waits for a
// running generation after a signal.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds everything the command line needs.
type Config struct {
	// Engine is passed to llamaruntime.New.
	Engine llamaruntime.Config `yaml:"engine"`

	// Log configures the logging package.
	Log logging.Config `yaml:"log"`

	// ModelsDir resolves a relative Engine.ModelPath.
	ModelsDir string `yaml:"models_dir"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Source records where values came from, for the info command.
	Source Source `yaml:"-"`
}

// Source lists the files a Config was loaded from.
type Source struct {
	EnvFile    string
	ConfigFile string
}

// DefaultConfig returns engine and logging defaults.
func DefaultConfig() Config {
	return Config{
		Engine:          llamaruntime.DefaultConfig(),
		Log:             logging.DefaultConfig(),
		ModelsDir:       "./models",
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadOptions override where configuration is read from. Empty fields
// fall back to LLAMA_ENV_FILE / ".env" and LLAMA_CONFIG_FILE.
type LoadOptions struct {
	EnvFile    string
	ConfigFile string
}

// LoadConfig loads and validates configuration from the default locations.
func LoadConfig() (*Config, error) {
	cfg, err := Load(LoadOptions{})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load merges defaults, then the YAML file, then the environment. A
// missing default .env is not an error; an explicitly named one is. The
// result is not validated so callers can apply flag overrides first.
func Load(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	envFile, explicit := opts.EnvFile, opts.EnvFile != ""
	if !explicit {
		envFile = GetEnvOrDefault(EnvEnvFile, ".env")
		explicit = os.Getenv(EnvEnvFile) != ""
	}
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, ErrEnvFileInvalid(envFile, err)
		}
	} else {
		cfg.Source.EnvFile = envFile
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = os.Getenv(EnvConfigFile)
	}
	if configFile != "" {
		if err := loadYAML(configFile, &cfg); err != nil {
			return nil, err
		}
		cfg.Source.ConfigFile = configFile
	}

	applyEnv(&cfg)
	cfg.Engine.ModelPath = llamaruntime.ResolveModelPath(cfg.Engine.ModelPath, cfg.ModelsDir)
	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrConfigFileMissing(path)
	}
	if err != nil {
		return ErrConfigFileInvalid(path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return ErrConfigFileInvalid(path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	e := &cfg.Engine
	e.LibraryPath = GetEnvOrDefault(EnvLibraryPath, e.LibraryPath)
	e.ModelPath = GetEnvOrDefault(EnvModelPath, e.ModelPath)
	cfg.ModelsDir = GetEnvOrDefault(EnvModelsDir, cfg.ModelsDir)
	e.ABIVersion = GetEnvOrDefault(EnvABIVersion, e.ABIVersion)
	e.NumGPULayers = ParseIntEnv(EnvGPULayers, e.NumGPULayers)
	e.UseMMap = ParseBoolEnv(EnvUseMMap, e.UseMMap)
	e.UseMlock = ParseBoolEnv(EnvUseMlock, e.UseMlock)
	e.ContextSize = ParseIntEnv(EnvContextSize, e.ContextSize)
	e.BatchSize = ParseIntEnv(EnvBatchSize, e.BatchSize)
	e.UBatchSize = ParseIntEnv(EnvUBatchSize, e.UBatchSize)
	e.NumThreads = ParseIntEnv(EnvThreads, e.NumThreads)
	e.NumThreadsBatch = ParseIntEnv(EnvThreadsBatch, e.NumThreadsBatch)
	e.RopeFreqBase = ParseFloat32Env(EnvRopeFreqBase, e.RopeFreqBase)
	e.RopeFreqScale = ParseFloat32Env(EnvRopeFreqScale, e.RopeFreqScale)
	e.FlashAttention = ParseBoolEnv(EnvFlashAttention, e.FlashAttention)
	e.Embeddings = ParseBoolEnv(EnvEmbeddings, e.Embeddings)
	e.NormalizeEmbeddings = ParseBoolEnv(EnvNormalizeEmbeddings, e.NormalizeEmbeddings)
	e.PoolingType = ParseIntEnv(EnvPoolingType, e.PoolingType)
	e.ChatTemplate = GetEnvOrDefault(EnvChatTemplate, e.ChatTemplate)
	e.TokenCacheSize = ParseIntEnv(EnvTokenCacheSize, e.TokenCacheSize)

	b := &e.Breaker
	b.FailureThreshold = ParseIntEnv(EnvBreakerFailures, b.FailureThreshold)
	b.Window = ParseDurationEnv(EnvBreakerWindow, b.Window)
	b.Cooldown = ParseDurationEnv(EnvBreakerCooldown, b.Cooldown)

	s := &e.Sampling
	s.Temperature = ParseFloat32Env(EnvTemperature, s.Temperature)
	s.TopK = ParseIntEnv(EnvTopK, s.TopK)
	s.TopP = ParseFloat32Env(EnvTopP, s.TopP)
	s.MinP = ParseFloat32Env(EnvMinP, s.MinP)
	s.RepeatPenalty = ParseFloat32Env(EnvRepeatPenalty, s.RepeatPenalty)
	s.FrequencyPenalty = ParseFloat32Env(EnvFrequencyPenalty, s.FrequencyPenalty)
	s.PresencePenalty = ParseFloat32Env(EnvPresencePenalty, s.PresencePenalty)
	s.RepeatLastN = ParseIntEnv(EnvRepeatLastN, s.RepeatLastN)
	s.Seed = ParseInt64Env(EnvSeed, s.Seed)

	cfg.Log.Level = GetEnvOrDefault(EnvLogLevel, cfg.Log.Level)
	cfg.Log.File = GetEnvOrDefault(EnvLogFile, cfg.Log.File)
	cfg.Log.Development = ParseBoolEnv(EnvLogDevelopment, cfg.Log.Development)

	cfg.ShutdownTimeout = ParseDurationEnv(EnvShutdownTimeout, cfg.ShutdownTimeout)
}

// Validate checks that the required paths are set and that the engine
// and log settings are usable. Every failure is a *ConfigError.
func (c *Config) Validate() error {
	if c.Engine.LibraryPath == "" {
		return ErrMissingConfig(EnvLibraryPath)
	}
	if c.Engine.ModelPath == "" {
		return ErrMissingConfig(EnvModelPath)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return ErrInvalidValue(err)
	}
	if c.ShutdownTimeout < 0 {
		return ErrInvalidValue(errors.New("shutdown timeout must be >= 0"))
	}
	if err := c.Engine.Validate(); err != nil {
		return ErrInvalidValue(err)
	}
	return nil
}
