package agentrun

// RunPhase is the closed lifecycle state machine of a run:
//
//	idle → waiting → requesting → generating → persisting →
//	        {completed | failed | cancelled | timedOut}
//
// idle is implicit: an owner with no state record is idle. The four outcome
// phases are terminal and immutable once set, except for the reason
// annotation attached at the moment of transition.
type RunPhase string

const (
	PhaseWaiting    RunPhase = "waiting"
	PhaseRequesting RunPhase = "requesting"
	PhaseGenerating RunPhase = "generating"
	PhasePersisting RunPhase = "persisting"
	PhaseCompleted  RunPhase = "completed"
	PhaseFailed     RunPhase = "failed"
	PhaseCancelled  RunPhase = "cancelled"
	PhaseTimedOut   RunPhase = "timedOut"
)

// Terminal reports whether p is one of the four outcome phases.
func (p RunPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		return true
	default:
		return false
	}
}

// TerminalReason annotates why a run reached its terminal phase. It is
// carried as data on the terminal event; propagation is the caller's concern.
type TerminalReason string

const (
	ReasonNone      TerminalReason = ""
	ReasonCancelled TerminalReason = "cancelled"
	ReasonFailed    TerminalReason = "failed"
	ReasonTimedOut  TerminalReason = "timedOut"
	ReasonUnknown   TerminalReason = "unknown"
)
