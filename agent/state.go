package agent

// State is the lifecycle position of a runtime. Transitions only move
// forward: uninitialized, active, shutting down, stopped.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
