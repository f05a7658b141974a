package agentrun

import "time"

// TaskSpec is the immutable request descriptor captured once at submission
// time. It is retained only for the lifetime of the queued or active entry.
type TaskSpec struct {
	TaskID      string
	Owner       RunOwner
	Source      RequestSource
	Visibility  VisibilityPolicy
	SubmittedAt time.Time
}

// RunState is the mutable record describing one owner's current run. It is
// owned exclusively by the engine; callers only ever see copies.
//
// ActiveToken is non-nil (non-empty) only while the owner is active; it is
// the single-use credential that guards UpdatePhase/Finish against stale
// asynchronous callbacks.
type RunState struct {
	TaskID         string
	Owner          RunOwner
	Phase          RunPhase
	StatusText     string
	Progress       *float64
	ActiveToken    string
	TerminalReason TerminalReason
	UpdatedAt      time.Time
}

// Clone returns a deep copy safe to hand to callers.
func (s *RunState) Clone() RunState {
	cloned := *s
	if s.Progress != nil {
		progress := *s.Progress
		cloned.Progress = &progress
	}
	return cloned
}

// RunSnapshot is a point-in-time, read-only copy of the engine's tables,
// safe to hold without observing later mutations.
type RunSnapshot struct {
	Active  map[TaskKind][]RunOwner
	Waiting map[TaskKind][]RunOwner
	States  map[RunOwner]RunState
	TakenAt time.Time
}
