package llamaruntime

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ggufMagic is the first four bytes of every GGUF file.
const ggufMagic = "GGUF"

// ValidateModelPath checks if a model path points to a valid GGUF file.
// Returns nil if valid, or an error describing what's wrong.
//
// Validation checks:
// 1. Path is not empty
// 2. File exists and is not a directory
// 3. File has .gguf extension
// 4. File starts with the GGUF magic number
func ValidateModelPath(path string) error {
	if path == "" {
		return fmt.Errorf("model path is empty")
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("cannot access model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory, not a file: %s", path)
	}
	if !IsGGUFFile(path) {
		return fmt.Errorf("model file does not have .gguf extension: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open model file: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("cannot read model file header: %w", err)
	}
	if string(header) != ggufMagic {
		return fmt.Errorf("invalid GGUF file: magic number mismatch (got %q)", string(header))
	}
	return nil
}

// IsGGUFFile returns true if the path has a .gguf extension.
func IsGGUFFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gguf")
}

// ResolveModelPath resolves a model path against modelsDir.
// Absolute paths are returned as-is.
func ResolveModelPath(path, modelsDir string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	if modelsDir == "" {
		modelsDir = "."
	}
	return filepath.Join(modelsDir, path)
}

// GetModelSize returns the size of the model file in bytes.
// Returns 0 if the file doesn't exist or can't be accessed.
func GetModelSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ModelName returns the file name without directory or extension.
func ModelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
