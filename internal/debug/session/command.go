package session

// Command is the stepping mode the interpreter follows between pauses.
type Command int

const (
	// CommandNone is the initial state: run until a breakpoint.
	CommandNone Command = iota
	// CommandResume runs until the next breakpoint.
	CommandResume
	// CommandStepIn pauses at the next safepoint, entering calls.
	CommandStepIn
	// CommandStepOver pauses at the next safepoint in the same or a calling frame.
	CommandStepOver
	// CommandStepOverPending is StepOver after a call was entered; it pauses
	// once the call depth is back at the origin depth.
	CommandStepOverPending
	// CommandStepOut pauses once the current frame has returned.
	CommandStepOut
	// CommandStepOutPending is StepOut after the interpreter was seen at or
	// below the origin frame.
	CommandStepOutPending
)

// String returns a string representation of the command.
func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandResume:
		return "resume"
	case CommandStepIn:
		return "step-in"
	case CommandStepOver:
		return "step-over"
	case CommandStepOverPending:
		return "step-over-pending"
	case CommandStepOut:
		return "step-out"
	case CommandStepOutPending:
		return "step-out-pending"
	default:
		return "unknown"
	}
}

// stepState is published atomically; a pointer is never mutated.
type stepState struct {
	cmd    Command
	origin int
	entry  bool
}

// Pause reasons reported to observers.
const (
	ReasonBreakpoint = "breakpoint"
	ReasonStep       = "step"
	ReasonEntry      = "entry"
)

// wantsPause evaluates the step state at a safepoint of the given depth.
// It returns the state to publish when the command moves to its pending
// form, or nil when the state is unchanged.
func (s *stepState) wantsPause(depth int) (bool, *stepState) {
	switch s.cmd {
	case CommandStepIn:
		return true, nil
	case CommandStepOver:
		if depth <= s.origin {
			return true, nil
		}
		return false, &stepState{cmd: CommandStepOverPending, origin: s.origin}
	case CommandStepOverPending:
		return depth == s.origin, nil
	case CommandStepOut:
		if depth == s.origin-1 {
			return true, nil
		}
		if depth >= s.origin {
			return false, &stepState{cmd: CommandStepOutPending, origin: s.origin}
		}
		return false, nil
	case CommandStepOutPending:
		return depth == s.origin-1, nil
	default:
		return false, nil
	}
}
