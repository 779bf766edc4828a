package shutdown

import (
	"context"
	"errors"
	"io"
	"syscall"

	"go.uber.org/zap"
)

// Closer adapts an io.Closer to a cleanup step.
func Closer(c io.Closer) Func {
	return func(context.Context) error {
		return c.Close()
	}
}

// SyncLogger flushes logger. Sync on a terminal returns EINVAL or ENOTTY
// on some platforms; those are ignored.
func SyncLogger(logger *zap.Logger) Func {
	return func(context.Context) error {
		err := logger.Sync()
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return err
	}
}
