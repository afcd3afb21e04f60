package dap

// State is the lifecycle state of a served session.
type State int

const (
	// StateInitializing is the state before the initialize request.
	StateInitializing State = iota
	// StateConfiguring is after initialize and before configurationDone.
	StateConfiguring
	// StateRunning is when the program runs.
	StateRunning
	// StateStopped is when the program is paused.
	StateStopped
	// StateTerminated is when the program has exited.
	StateTerminated
	// StateDisconnected is after the client disconnected.
	StateDisconnected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
