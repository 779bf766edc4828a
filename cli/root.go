// Package cli is the llamacore command line: generate, chat, embed,
// state, info and version.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"llamacore/core"
	"llamacore/llamaruntime"
	"llamacore/logging"
	"llamacore/metrics"
	"llamacore/shutdown"
)

// Cleanup priorities. Lower runs first.
const (
	priorityMetrics = 5
	priorityEngine  = 10
	priorityLogSync = 90
	priorityLogFile = 100
)

// engine is the part of *llamaruntime.Engine the commands use.
type engine interface {
	llamaruntime.Tokenizer
	Generate(ctx context.Context, req llamaruntime.GenerateRequest) (*llamaruntime.GenerationResult, error)
	ChatConversation(ctx context.Context, conv *llamaruntime.Conversation, req llamaruntime.ChatRequest) (*llamaruntime.GenerationResult, error)
	Embeddings(ctx context.Context, texts []string) (*llamaruntime.EmbeddingResult, error)
	SaveState(path string) error
	LoadState(path string) (int, error)
	ModelInfo() llamaruntime.ModelInfo
	Health() llamaruntime.HealthStatus
	Close() error
}

type engineFactory func(cfg llamaruntime.Config, opts ...llamaruntime.Option) (engine, error)

func newRuntimeEngine(cfg llamaruntime.Config, opts ...llamaruntime.Option) (engine, error) {
	e, err := llamaruntime.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type globalFlags struct {
	configFile  string
	envFile     string
	modelPath   string
	libraryPath string
	logLevel    string
	contextSize int
	gpuLayers   int
	threads     int
	metricsFile string
	noColor     bool
}

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	logOut io.Writer

	newEngine    engineFactory
	startSignals bool
	exit         func(code int)

	flags   globalFlags
	cfg     *core.Config
	logger  *logging.Logger
	manager *shutdown.Manager
	metrics *metrics.Collector
	colors  palette
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:           in,
		out:          out,
		errOut:       errOut,
		logOut:       errOut,
		newEngine:    newRuntimeEngine,
		startSignals: true,
		exit:         os.Exit,
	}
}

// Execute runs the command line with os.Args and returns the exit code.
func Execute() int {
	return newApp(os.Stdin, os.Stdout, os.Stderr).run(os.Args[1:])
}

func (a *app) run(args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.Execute()
	if a.manager != nil {
		if serr := a.manager.Shutdown(); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		a.colors.err.Fprintf(a.errOut, "error: %v\n", err)
	}
	return core.ExitCodeFor(err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "llamacore",
		Short:         "Local llama.cpp inference",
		Long:          "llamacore loads a GGUF model through the llama.cpp shared library and runs\ncompletions, chat and embeddings locally.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	a.colors = newPalette(false)

	f := root.PersistentFlags()
	f.StringVarP(&a.flags.configFile, "config", "c", "", "YAML config file (defaults to $"+core.EnvConfigFile+")")
	f.StringVar(&a.flags.envFile, "env-file", "", "environment file (defaults to .env)")
	f.StringVarP(&a.flags.modelPath, "model", "m", "", "GGUF model path")
	f.StringVar(&a.flags.libraryPath, "lib", "", "llama.cpp shared library path")
	f.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug|info|warn|error")
	f.IntVar(&a.flags.contextSize, "ctx-size", 0, "context window in tokens")
	f.IntVar(&a.flags.gpuLayers, "gpu-layers", 0, "layers to offload to the GPU (-1 for all)")
	f.IntVarP(&a.flags.threads, "threads", "t", 0, "CPU threads")
	f.StringVar(&a.flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	f.BoolVar(&a.flags.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.generateCommand(),
		a.chatCommand(),
		a.embedCommand(),
		a.stateCommand(),
		a.infoCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the
// logger, metrics and shutdown manager shared by every command.
func (a *app) setup(cmd *cobra.Command) error {
	a.colors = newPalette(a.flags.noColor)

	cfg, err := core.Load(core.LoadOptions{EnvFile: a.flags.envFile, ConfigFile: a.flags.configFile})
	if err != nil {
		return err
	}
	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.NewLoggerWithWriter(cfg.Log, zapcore.AddSync(a.logOut))
	if err != nil {
		return core.ErrInvalidValue(err)
	}
	a.logger = logger

	a.manager = shutdown.NewManager(logger.Named("shutdown"),
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithExit(a.exit),
	)
	a.manager.Register("logger sync", priorityLogSync, shutdown.SyncLogger(logger.Zap()))
	a.manager.Register("log file", priorityLogFile, shutdown.Closer(logger))
	if a.startSignals {
		a.manager.Start()
	}

	a.metrics = metrics.NewCollector(nil)
	if path := a.flags.metricsFile; path != "" {
		a.manager.Register("metrics file", priorityMetrics, func(context.Context) error {
			return prometheus.WriteToTextfile(path, a.metrics.Gatherer())
		})
	}

	logger.Debug("configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("model", cfg.Engine.ModelPath),
		zap.String("config_file", cfg.Source.ConfigFile),
		zap.String("env_file", cfg.Source.EnvFile),
	)
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *core.Config) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("model") {
		cfg.Engine.ModelPath = llamaruntime.ResolveModelPath(a.flags.modelPath, cfg.ModelsDir)
	}
	if changed("lib") {
		cfg.Engine.LibraryPath = a.flags.libraryPath
	}
	if changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if changed("ctx-size") {
		cfg.Engine.ContextSize = a.flags.contextSize
	}
	if changed("gpu-layers") {
		cfg.Engine.NumGPULayers = a.flags.gpuLayers
	}
	if changed("threads") {
		cfg.Engine.NumThreads = a.flags.threads
	}
}

// openEngine loads the model and registers its Close with the shutdown
// manager. When mutate is set it adjusts the engine config first.
func (a *app) openEngine(mutate func(*llamaruntime.Config)) (engine, error) {
	cfg := a.cfg.Engine
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := a.newEngine(cfg,
		llamaruntime.WithLogger(a.logger.Named("engine")),
		llamaruntime.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	a.manager.Register("engine", priorityEngine, shutdown.Closer(eng))
	return eng, nil
}

// track runs fn under the shutdown manager so a signal cancels it.
func (a *app) track(name string, fn func(ctx context.Context) error) error {
	err := a.manager.Track(a.manager.Context(), name, fn)
	if errors.Is(err, shutdown.ErrShuttingDown) {
		return context.Canceled
	}
	return err
}
