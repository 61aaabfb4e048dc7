package models

// State is the lifecycle state of a harvest run.
type State int

const (
	StateRunning State = iota
	// StateConverged means repeated scrolling stopped surfacing new records.
	StateConverged
	// StateAborted means the rendering surface failed or the run was cancelled.
	StateAborted
	// StateExhausted means the iteration cap was reached before convergence.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateConverged:
		return "CONVERGED"
	case StateAborted:
		return "ABORTED"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further iterations will run.
func (s State) Terminal() bool {
	return s != StateRunning
}
