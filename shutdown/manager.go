package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a whole shutdown: the wait for in-flight
// operations plus the cleanup steps.
const DefaultTimeout = 30 * time.Second

// Manager ties OS signals to an orderly stop. The first SIGINT or SIGTERM
// cancels Context so running generations end between tokens; Shutdown
// then waits for tracked operations and runs the cleanup steps. A second
// signal exits immediately.
//
//	m := shutdown.NewManager(logger)
//	m.Register("engine", 10, shutdown.Closer(engine))
//	m.Start()
//	err := m.Track(m.Context(), "generate", func(ctx context.Context) error { ... })
//	_ = m.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(code int)

	mu       sync.Mutex
	started  bool
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *Tracker
	registry *Registry
	signals  *SignalCounter
	sigCh    chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the shutdown budget. Defaults to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithExit replaces os.Exit for the forced path.
func WithExit(exit func(code int)) Option {
	return func(m *Manager) { m.exit = exit }
}

// NewManager returns a Manager logging to logger. A nil logger is
// replaced with a no-op one.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger,
		timeout:  DefaultTimeout,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewTracker(),
		registry: NewRegistry(),
		sigCh:    make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("second signal received, exiting immediately")
		m.exit(1)
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup step. Lower priorities run first.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered cleanup step",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range m.sigCh {
			m.Signal(sig)
		}
	}()
}

// Signal handles one shutdown signal as if it came from the OS.
func (m *Manager) Signal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Track runs fn as an in-flight operation. Once shutdown has begun fn is
// not run and ErrShuttingDown is returned.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Begin() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrShuttingDown
	}
	defer m.tracker.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Active returns the number of tracked operations still running.
func (m *Manager) Active() int64 {
	return m.tracker.Active()
}

// Stopping reports whether Shutdown has been called.
func (m *Manager) Stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Shutdown cancels Context, waits for tracked operations and runs the
// cleanup steps. Only the first call does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	started := m.started
	m.mu.Unlock()

	start := time.Now()
	m.cancel()
	m.tracker.Close()

	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("in-flight operations did not finish",
			zap.Int64("remaining", m.tracker.Active()),
			zap.Duration("waited", time.Since(start)),
		)
	}

	remaining := m.timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("cleanup step failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigCh)
		close(m.sigCh)
	}

	m.logger.Info("shutdown complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("errors", len(errs)),
	)
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}
