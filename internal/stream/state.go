package stream

// State is the lifecycle state of one provider stream instance.
//
// The happy path is Initializing → Ready → Active → Closing → Closed.
// Error is terminal and reachable from any non-terminal state.
type State int

const (
	// StateInitializing means the provider handshake is in flight. A stream
	// must leave this state within the creation timeout or the attempt is
	// treated as a failure.
	StateInitializing State = iota

	// StateReady means the provider accepted the stream; no audio written yet.
	StateReady

	// StateActive means audio has been written and results may be flowing.
	StateActive

	// StateClosing means an orderly shutdown is in progress.
	StateClosing

	// StateClosed is the terminal state of an orderly shutdown.
	StateClosed

	// StateError is the terminal failure state.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Live reports whether the stream can accept audio.
func (s State) Live() bool {
	return s == StateReady || s == StateActive
}
