package engine

// State is a phase of the execution lifecycle.
type State uint8

const (
	NonActive State = iota
	Selected
	Initialized
	Loaded
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case NonActive:
		return "NonActive"
	case Selected:
		return "Selected"
	case Initialized:
		return "Initialized"
	case Loaded:
		return "Loaded"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// transitions is the complete legal transition table. Anything absent
// is refused.
var transitions = map[State][]State{
	NonActive:   {Selected, Initialized},
	Selected:    {Initialized},
	Initialized: {Loaded},
	Loaded:      {Running, Stopped},
	Running:     {Paused, Stopped},
	Paused:      {Running, Stopped},
	Stopped:     {NonActive},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
