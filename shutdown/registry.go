// Package shutdown runs ordered cleanup: native resources inside the
// engine, and the process-level teardown driven by OS signals in the CLI.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func releases one resource. It receives the context that bounds the
// whole cleanup run.
type Func func(ctx context.Context) error

type step struct {
	name     string
	priority int
	fn       Func
}

// Registry holds cleanup steps and runs them once, lowest priority first.
// Steps with equal priority run in registration order.
//
//	reg := shutdown.NewRegistry()
//	reg.Register("context", 10, freeContext)
//	reg.Register("model", 20, freeModel)
//	errs := reg.Run(ctx)
type Registry struct {
	mu    sync.Mutex
	steps []step
	done  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a step. Registering after Run is a no-op.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.steps = append(r.steps, step{name: name, priority: priority, fn: fn})
}

// Run executes every step in order and returns the errors of the steps
// that failed, each prefixed with the step name. A panicking step is
// reported as an error and does not stop later steps. Only the first
// call runs anything; later calls return nil.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	steps := r.ordered()
	r.mu.Unlock()

	var errs []error
	for _, s := range steps {
		if err := runStep(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", s.name, p)
		}
	}()
	if err := s.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

// ordered returns a sorted copy of the steps. r.mu must be held.
func (r *Registry) ordered() []step {
	steps := make([]step, len(r.steps))
	copy(steps, r.steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].priority < steps[j].priority
	})
	return steps
}

// Names returns the step names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := r.ordered()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

// Count returns the number of registered steps.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// Done reports whether Run has been called.
func (r *Registry) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
