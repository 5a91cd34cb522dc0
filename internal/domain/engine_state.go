package domain

// EngineState is the lifecycle state of the job engine.
type EngineState string

const (
	StateUninitialized EngineState = "uninitialized"
	StateInitializing  EngineState = "initializing"
	StateStarted       EngineState = "started"
	StateStopping      EngineState = "stopping"
	StateStopped       EngineState = "stopped"
)

// validTransitions defines the adjacency list of allowed state transitions.
// Stopped -> Initializing allows an engine to be restarted in place.
var validTransitions = map[EngineState][]EngineState{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateStarted},
	StateStarted:       {StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {StateInitializing},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to EngineState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Accepts reports whether mutating job commands may be issued in this state.
func (s EngineState) Accepts() bool {
	return s == StateStarted
}
