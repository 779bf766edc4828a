package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"llamacore/llamaruntime"
)

func TestExitCodeConstants(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected int
	}{
		{"success", ExitCodeSuccess, 0},
		{"error", ExitCodeError, 1},
		{"config", ExitCodeConfig, 2},
		{"load", ExitCodeLoad, 3},
		{"SIGINT", ExitCodeSIGINT, 130},
		{"SIGTERM", ExitCodeSIGTERM, 143},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, tt.code)
			}
		})
	}
}

func TestExitCodeName(t *testing.T) {
	tests := map[int]string{
		0:   "success",
		1:   "error",
		2:   "configuration error",
		3:   "load error",
		130: "interrupted (SIGINT)",
		143: "terminated (SIGTERM)",
		99:  "unknown",
	}
	for code, want := range tests {
		if got := ExitCodeName(code); got != want {
			t.Errorf("ExitCodeName(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestIsSignalExit(t *testing.T) {
	if !IsSignalExit(ExitCodeSIGINT) || !IsSignalExit(ExitCodeSIGTERM) {
		t.Error("expected signal exits to be recognised")
	}
	if IsSignalExit(ExitCodeError) {
		t.Error("expected plain error not to be a signal exit")
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"cancelled", fmt.Errorf("generate: %w", context.Canceled), ExitCodeSIGINT},
		{"config error", ErrMissingConfig(EnvModelPath), ExitCodeConfig},
		{"engine configuration", fmt.Errorf("%w: bad", llamaruntime.ErrConfiguration), ExitCodeConfig},
		{"load", &llamaruntime.LlamaError{Op: "load_model", Kind: llamaruntime.ErrLoad}, ExitCodeLoad},
		{"other", errors.New("boom"), ExitCodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
