// Package logging builds the zap loggers used across llamacore: a colored
// or JSON console core teed with a rotated JSON file core, with secrets
// redacted before any entry is encoded.
package logging

// Config selects the log level, destination and rotation.
type Config struct {
	// Level is one of debug, info, warn, error, fatal. Empty means info,
	// or debug in development mode.
	Level string `yaml:"level"`

	// File is the log file path. Empty logs to the console only.
	File string `yaml:"file"`

	// Development switches the console to a colored human-readable encoder.
	Development bool `yaml:"development"`

	// Rotation controls the log file rotation.
	Rotation RotationConfig `yaml:"rotation"`
}

// DefaultConfig returns console-only info logging with default rotation.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Rotation: DefaultRotationConfig(),
	}
}
