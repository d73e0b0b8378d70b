package app

// State is the lifecycle state of a run.
type State int

const (
	// StateIdle: no run in progress, or a run that has not opened its files yet.
	StateIdle State = iota
	// StateOpened: source and sink are open against the same properties.
	StateOpened
	// StateStreaming: frames are being read, annotated and written.
	StateStreaming
	// StateFlushed: source and sink are closed.
	StateFlushed
	// StateFinalizing: the intermediate recording is being transcoded.
	StateFinalizing
	// StateDone: the deliverable exists and the intermediate is gone.
	StateDone
	// StateFailed: the run stopped on an error after releasing its files.
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateOpened:     "opened",
	StateStreaming:  "streaming",
	StateFlushed:    "flushed",
	StateFinalizing: "finalizing",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
