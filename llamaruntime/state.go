package llamaruntime

import "fmt"

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateBackendInitialized
	StateModelLoaded
	StateContextReady
	StateIdle
	StateGenerating
	StateEmbedding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBackendInitialized:
		return "backend_initialized"
	case StateModelLoaded:
		return "model_loaded"
	case StateContextReady:
		return "context_ready"
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateEmbedding:
		return "embedding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// transitions lists the states reachable from each state. Closed is
// reachable from everywhere and handled separately.
var transitions = map[State][]State{
	StateUninitialized:      {StateBackendInitialized},
	StateBackendInitialized: {StateModelLoaded},
	StateModelLoaded:        {StateContextReady},
	StateContextReady:       {StateIdle},
	StateIdle:               {StateGenerating, StateEmbedding},
	StateGenerating:         {StateIdle},
	StateEmbedding:          {StateIdle},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the engine from -> to atomically.
func (e *Engine) transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !e.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s, engine is %s",
			ErrInvalidTransition, from, to, State(e.state.Load()))
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}
