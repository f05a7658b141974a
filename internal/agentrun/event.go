package agentrun

import "time"

// RuntimeEvent is published by the engine on every state mutation. Concrete
// event types are immutable and timestamped at the moment they are logged.
//
// Subscribers are expected to filter by EventOwner().Kind and
// EventOwner().SubjectID to ignore runs they do not display.
type RuntimeEvent interface {
	EventType() string
	EventOwner() RunOwner
	Timestamp() time.Time
}

// baseEvent provides the common fields for all runtime events.
type baseEvent struct {
	owner RunOwner
	at    time.Time
}

func (e baseEvent) EventOwner() RunOwner { return e.owner }
func (e baseEvent) Timestamp() time.Time { return e.at }

// QueuedEvent - the owner entered the waiting queue at the given 1-based position.
type QueuedEvent struct {
	baseEvent
	Position int
}

func (QueuedEvent) EventType() string { return "run.queued" }

// ActivatedEvent - the owner became active with a freshly minted token.
type ActivatedEvent struct {
	baseEvent
	Token string
}

func (ActivatedEvent) EventType() string { return "run.activated" }

// PhaseChangedEvent - an active run moved to a new non-terminal phase.
type PhaseChangedEvent struct {
	baseEvent
	Phase RunPhase
}

func (PhaseChangedEvent) EventType() string { return "run.phase" }

// ProgressUpdatedEvent - an active run reported status text or progress.
type ProgressUpdatedEvent struct {
	baseEvent
	StatusText string
	Progress   *float64
}

func (ProgressUpdatedEvent) EventType() string { return "run.progress" }

// TerminalEvent - the run reached one of the four outcome phases.
type TerminalEvent struct {
	baseEvent
	Phase  RunPhase
	Reason TerminalReason
}

func (TerminalEvent) EventType() string { return "run.terminal" }

// PromotedEvent - a slot freed by From was handed to To, or to nobody when
// the waiting queue for the kind was empty (To == nil).
type PromotedEvent struct {
	baseEvent
	From RunOwner
	To   *RunOwner
}

func (PromotedEvent) EventType() string { return "run.promoted" }

// DroppedEvent - a waiting owner left the queue without running. Reason is
// "replaced", "abandoned", or "queue full".
type DroppedEvent struct {
	baseEvent
	Reason string
}

func (DroppedEvent) EventType() string { return "run.dropped" }

func newQueuedEvent(owner RunOwner, position int, at time.Time) QueuedEvent {
	return QueuedEvent{baseEvent: baseEvent{owner: owner, at: at}, Position: position}
}

func newActivatedEvent(owner RunOwner, token string, at time.Time) ActivatedEvent {
	return ActivatedEvent{baseEvent: baseEvent{owner: owner, at: at}, Token: token}
}

func newPhaseChangedEvent(owner RunOwner, phase RunPhase, at time.Time) PhaseChangedEvent {
	return PhaseChangedEvent{baseEvent: baseEvent{owner: owner, at: at}, Phase: phase}
}

func newProgressUpdatedEvent(owner RunOwner, statusText string, progress *float64, at time.Time) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{baseEvent: baseEvent{owner: owner, at: at}, StatusText: statusText, Progress: progress}
}

func newTerminalEvent(owner RunOwner, phase RunPhase, reason TerminalReason, at time.Time) TerminalEvent {
	return TerminalEvent{baseEvent: baseEvent{owner: owner, at: at}, Phase: phase, Reason: reason}
}

func newPromotedEvent(from RunOwner, to *RunOwner, at time.Time) PromotedEvent {
	return PromotedEvent{baseEvent: baseEvent{owner: from, at: at}, From: from, To: to}
}

func newDroppedEvent(owner RunOwner, reason string, at time.Time) DroppedEvent {
	return DroppedEvent{baseEvent: baseEvent{owner: owner, at: at}, Reason: reason}
}
