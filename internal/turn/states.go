package turn

// State is a phase of a single turn.
type State int

const (
	StateLoadingContext State = iota
	StateStreamingGeneration
	StateDrainingTail
	StatePersisting
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateLoadingContext:
		return "LOADING_CONTEXT"
	case StateStreamingGeneration:
		return "STREAMING_GENERATION"
	case StateDrainingTail:
		return "DRAINING_TAIL"
	case StatePersisting:
		return "PERSISTING"
	case StateDone:
		return "DONE"
	case StateErrored:
		return "ERRORED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}
