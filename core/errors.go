package core

import (
	"errors"
	"fmt"

	"llamacore/llamaruntime"
)

// ConfigError represents a configuration-related error with actionable instructions.
// It matches llamaruntime.ErrConfiguration under errors.Is.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
	Err     error  // Underlying cause, if any
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", msg, e.Action)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes every ConfigError match llamaruntime.ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == llamaruntime.ErrConfiguration
}

// Error codes for configuration errors
const (
	ErrCodeConfigFileMissing = "CONFIG_FILE_MISSING"
	ErrCodeConfigFileInvalid = "CONFIG_FILE_INVALID"
	ErrCodeEnvFileInvalid    = "ENV_FILE_INVALID"
	ErrCodeMissingConfig     = "MISSING_CONFIG"
	ErrCodeInvalidValue      = "INVALID_VALUE"
)

// ErrConfigFileMissing returns an error for a YAML file that does not exist.
func ErrConfigFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Check LLAMA_CONFIG_FILE or the --config flag",
	}
}

// ErrConfigFileInvalid returns an error for a YAML file that cannot be read or parsed.
func ErrConfigFileInvalid(path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFileInvalid,
		Message: fmt.Sprintf("Cannot parse configuration file %s", path),
		Action:  "Fix the YAML syntax or field types",
		Err:     err,
	}
}

// ErrEnvFileInvalid returns an error for a .env file that exists but cannot be parsed.
func ErrEnvFileInvalid(path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileInvalid,
		Message: fmt.Sprintf("Cannot load environment file %s", path),
		Err:     err,
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in the environment, your .env file or the YAML config", varName),
	}
}

// ErrInvalidValue wraps a validation failure.
func ErrInvalidValue(err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: "Invalid configuration",
		Err:     err,
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
