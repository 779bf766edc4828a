package logging

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger built from a Config and owns the log file.
//
// Example:
//
//	logger, err := logging.NewLogger(logging.Config{Level: "debug", File: "llamacore.log"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	engine, err := llamaruntime.New(cfg, llamaruntime.WithLogger(logger.Zap()))
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
	file  *FileWriter
	cfg   Config
}

// NewLogger builds a logger that writes to stderr and, when cfg.File is
// set, to a rotated JSON file. stdout is left to command output.
func NewLogger(cfg Config) (*Logger, error) {
	return NewLoggerWithWriter(cfg, zapcore.Lock(os.Stderr))
}

// NewLoggerWithWriter is NewLogger with a custom console writer.
func NewLoggerWithWriter(cfg Config, console zapcore.WriteSyncer) (*Logger, error) {
	def := zapcore.InfoLevel
	if cfg.Development {
		def = zapcore.DebugLevel
	}
	lvl := def
	if cfg.Level != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		lvl = parsed
	}
	level := zap.NewAtomicLevelAt(lvl)

	var file *FileWriter
	var fileSyncer zapcore.WriteSyncer
	if cfg.File != "" {
		file = NewFileWriter(cfg.File, cfg.Rotation)
		fileSyncer = file
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	core := NewMultiCore(level, console, fileSyncer, cfg.Development)

	return &Logger{
		zap:   zap.New(core, opts...),
		level: level,
		file:  file,
		cfg:   cfg,
	}, nil
}

// Zap returns the underlying logger. Its core redacts secrets.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar returns a sugared view of the logger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.zap.Sugar() }

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *zap.Logger { return l.zap.Named(name) }

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *zap.Logger { return l.zap.With(fields...) }

// SetLevel changes the level of the logger and every child.
func (l *Logger) SetLevel(level zapcore.Level) { l.level.SetLevel(level) }

// Level returns the current level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

// Config returns the configuration the logger was built from.
func (l *Logger) Config() Config { return l.cfg }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Sync flushes buffered entries. The EINVAL and ENOTTY that fsync returns
// for terminals and pipes are ignored.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	if err := l.zap.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return err
	}
	return nil
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	err := l.Sync()
	if l != nil && l.file != nil {
		err = errors.Join(err, l.file.Close())
	}
	return err
}
