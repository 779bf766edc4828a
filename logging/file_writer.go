package logging

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation values
const (
	// DefaultMaxSizeMB is the maximum size in megabytes before rotation
	DefaultMaxSizeMB = 100

	// DefaultMaxBackups is the number of old log files to retain
	DefaultMaxBackups = 5

	// DefaultMaxAgeDays is the maximum number of days to retain old log files
	DefaultMaxAgeDays = 30
)

// RotationConfig holds the lumberjack rotation settings.
// Zero sizes, counts and ages fall back to the defaults above.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// DefaultRotationConfig returns 100MB files, 5 backups, 30 days, compressed.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: DefaultMaxAgeDays,
		Compress:   true,
	}
}

func (c RotationConfig) withDefaults() RotationConfig {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = DefaultMaxSizeMB
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = DefaultMaxBackups
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = DefaultMaxAgeDays
	}
	return c
}

// FileWriter is a rotating log file. It satisfies zapcore.WriteSyncer and
// io.Closer.
type FileWriter struct {
	lj *lumberjack.Logger
}

// NewFileWriter opens nothing until the first write; lumberjack creates
// the file and its directory lazily.
func NewFileWriter(path string, cfg RotationConfig) *FileWriter {
	cfg = cfg.withDefaults()
	return &FileWriter{lj: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  cfg.LocalTime,
	}}
}

func (w *FileWriter) Write(p []byte) (int, error) { return w.lj.Write(p) }

// Sync is a no-op; lumberjack writes straight through to the file.
func (w *FileWriter) Sync() error { return nil }

// Rotate closes the current file and starts a new one.
func (w *FileWriter) Rotate() error { return w.lj.Rotate() }

// Close closes the current file.
func (w *FileWriter) Close() error { return w.lj.Close() }

// Path returns the active log file path.
func (w *FileWriter) Path() string { return w.lj.Filename }
