package model

// EntryState represents the lifecycle state of a queued task.
type EntryState string

const (
	EntryStateQueued    EntryState = "QUEUED"
	EntryStateRunning   EntryState = "RUNNING"
	EntryStateCompleted EntryState = "COMPLETED"
	EntryStateFailed    EntryState = "FAILED"
	EntryStateTimedOut  EntryState = "TIMED_OUT"
	EntryStateAborted   EntryState = "ABORTED"
	EntryStateCancelled EntryState = "CANCELLED"
)

// String returns the string representation of the entry state.
func (s EntryState) String() string {
	return string(s)
}

// IsTerminal returns true if the entry is in a final state.
func (s EntryState) IsTerminal() bool {
	switch s {
	case EntryStateCompleted, EntryStateFailed, EntryStateTimedOut, EntryStateAborted, EntryStateCancelled:
		return true
	}
	return false
}

// ValidEntryTransitions defines the allowed state transitions for queue entries.
var ValidEntryTransitions = map[EntryState][]EntryState{
	EntryStateQueued:  {EntryStateRunning, EntryStateCancelled},
	EntryStateRunning: {EntryStateCompleted, EntryStateFailed, EntryStateTimedOut, EntryStateAborted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s EntryState) CanTransitionTo(next EntryState) bool {
	for _, allowed := range ValidEntryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
