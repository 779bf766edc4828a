package llamaruntime

import (
	"errors"
	"strings"
	"testing"
)

// TestLlamaError_Error tests the Error() method formatting.
func TestLlamaError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *LlamaError
		contains []string
	}{
		{
			name:     "without cause",
			err:      &LlamaError{Op: "load_model", Kind: ErrLoad, Code: -1, Message: "model.gguf"},
			contains: []string{"llama.cpp", "load_model", "model.gguf", "code: -1"},
		},
		{
			name:     "with cause",
			err:      &LlamaError{Op: "decode", Kind: ErrDecode, Code: 1, Message: "batch failed", Err: errors.New("kv full")},
			contains: []string{"decode", "batch failed", "code: 1", "kv full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("expected %q to contain %q", msg, want)
				}
			}
		})
	}
}

func TestLlamaError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := newError("save_state", ErrStateIO, "s.bin", cause)

	if !errors.Is(err, ErrStateIO) {
		t.Error("expected errors.Is to match the kind")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to match the cause")
	}
	if errors.Is(err, ErrDecode) {
		t.Error("expected no match for an unrelated kind")
	}

	var le *LlamaError
	if !errors.As(error(err), &le) || le.Op != "save_state" {
		t.Errorf("expected errors.As to find the LlamaError, got %v", le)
	}
}

func TestIsCallerError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid argument", newError("generate", ErrInvalidArgument, "x", nil), true},
		{"capacity", &CapacityError{PromptTokens: 10, MaxTokens: 10, ContextSize: 8}, true},
		{"busy", newError("generate", ErrEngineBusy, "x", nil), true},
		{"closed", newError("generate", ErrClosed, "x", nil), true},
		{"circuit open", newError("generate", ErrCircuitOpen, "x", nil), true},
		{"decode", newError("decode", ErrDecode, "x", nil), false},
		{"tokenization", newError("tokenize", ErrTokenization, "x", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCallerError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUnsupportedOperationIsShared(t *testing.T) {
	if ErrUnsupportedOperation == nil {
		t.Fatal("expected a sentinel")
	}
	wrapped := newError("kv_seq_cp", ErrUnsupportedOperation, "absent", nil)
	if !errors.Is(wrapped, ErrUnsupportedOperation) {
		t.Error("expected the native sentinel to match")
	}
}

func TestCapacityError(t *testing.T) {
	err := &CapacityError{PromptTokens: 100, MaxTokens: 50, ContextSize: 128}
	if !errors.Is(err, ErrCapacity) {
		t.Error("expected errors.Is(err, ErrCapacity)")
	}
	for _, want := range []string{"100", "50", "128"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q to contain %q", err.Error(), want)
		}
	}
}
