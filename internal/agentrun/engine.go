package agentrun

import (
	"sync"
	"time"

	"mira/internal/logging"
	id "mira/internal/utils/id"
)

// DecisionKind classifies the immediate result of Submit.
type DecisionKind string

const (
	// DecisionStartNow grants a slot immediately; Decision.Token carries the
	// activation credential the caller must present on every report back.
	DecisionStartNow DecisionKind = "start_now"
	// DecisionQueued parked the request in the waiting queue at
	// Decision.Position (1-based).
	DecisionQueued DecisionKind = "queued"
	// DecisionAlreadyActive means the owner is a duplicate of a live run.
	// The caller must discard its locally prepared payload.
	DecisionAlreadyActive DecisionKind = "already_active"
	// DecisionAlreadyWaiting means the owner is already queued at
	// Decision.Position.
	DecisionAlreadyWaiting DecisionKind = "already_waiting"
	// DecisionRejected is returned under the reject-new overflow policy when
	// the waiting queue for the kind is full.
	DecisionRejected DecisionKind = "rejected"
)

// Decision is the admission outcome of one Submit call. Rejections are
// normal decisions the caller branches on, not errors.
type Decision struct {
	Kind     DecisionKind
	Token    string
	Position int
}

// Engine is the serialized coordinator that decides whether a requested
// background run may start immediately, must wait, or is a duplicate, and
// tracks every run until it reaches a terminal phase.
//
// All table mutations, token minting, and event publication happen one at a
// time under a single mutex; callers may invoke any method concurrently and
// observe linearizable behavior. No method blocks on external I/O: the
// actual agent work happens in caller-owned goroutines that report back via
// UpdatePhase/Finish.
type Engine struct {
	mu      sync.Mutex
	store   *runStore
	policy  RuntimePolicy
	feed    *Feed
	history *terminalHistory
	logger  logging.Logger

	now       func() time.Time
	mintToken func() string
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock overrides the engine's time source. Tests use this to pin
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTokenMinter overrides activation-token generation.
func WithTokenMinter(mint func() string) Option {
	return func(e *Engine) { e.mintToken = mint }
}

// WithHistorySize bounds the terminal-outcome cache.
func WithHistorySize(size int) Option {
	return func(e *Engine) { e.history = newTerminalHistory(size) }
}

// NewEngine creates an engine with the given admission policy.
func NewEngine(policy RuntimePolicy, logger logging.Logger, opts ...Option) *Engine {
	engine := &Engine{
		store:     newRunStore(),
		policy:    policy,
		feed:      NewFeed(logger),
		history:   newTerminalHistory(defaultHistorySize),
		logger:    logging.OrNop(logger),
		now:       time.Now,
		mintToken: id.NewActivationToken,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Subscribe registers an event-feed reader. See Feed.Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan RuntimeEvent, func()) {
	return e.feed.Subscribe(buffer)
}

// FeedMetrics exposes the event feed's delivery counters.
func (e *Engine) FeedMetrics() FeedMetrics {
	return e.feed.Metrics()
}

// Submit runs the admission algorithm for spec.Owner.
//
// Outcomes, in order of precedence: already active, already waiting, start
// now (a fresh activation token is minted, never reused), queued waiting,
// and - when the waiting queue for the kind is full - the overflow policy:
// replace-oldest drops the oldest waiting owner of the same kind and admits
// the new request at the tail; reject-new drops the new request instead.
func (e *Engine) Submit(spec TaskSpec) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if spec.TaskID == "" {
		spec.TaskID = id.NewRunID()
	}
	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = now
	}
	owner := spec.Owner

	if e.store.isActive(owner) {
		e.logger.Debug("Submit: %s already active", owner)
		return Decision{Kind: DecisionAlreadyActive}
	}

	if position := e.store.waitingPosition(owner); position > 0 {
		e.logger.Debug("Submit: %s already waiting at %d", owner, position)
		return Decision{Kind: DecisionAlreadyWaiting, Position: position}
	}

	// A resubmitted owner starts a new logical run; its old outcome must not
	// shadow the live state.
	e.history.forget(owner)

	if e.store.activeCount(owner.Kind) < e.policy.ConcurrencyLimit(owner.Kind) {
		token := e.mintToken()
		e.store.activate(owner, spec, token, PhaseRequesting, now)
		e.logger.Info("Submit: %s activated (task=%s)", owner, spec.TaskID)
		e.feed.Publish(newActivatedEvent(owner, token, now))
		return Decision{Kind: DecisionStartNow, Token: token}
	}

	if e.store.waitingCount(owner.Kind) < e.policy.WaitingLimit(owner.Kind) {
		position := e.store.enqueueWaiting(owner, spec, now)
		e.logger.Info("Submit: %s queued at %d", owner, position)
		e.feed.Publish(newQueuedEvent(owner, position, now))
		return Decision{Kind: DecisionQueued, Position: position}
	}

	if e.policy.OverflowPolicy() == OverflowRejectNew {
		e.logger.Info("Submit: %s rejected, waiting queue full", owner)
		e.feed.Publish(newDroppedEvent(owner, "queue full", now))
		return Decision{Kind: DecisionRejected}
	}

	// Replace-oldest: evict the head of the queue, then admit at the tail.
	if evicted, ok := e.store.popWaiting(owner.Kind); ok {
		e.store.removeTask(evicted)
		e.logger.Info("Submit: %s replaced waiting %s", owner, evicted)
		e.feed.Publish(newDroppedEvent(evicted, "replaced", now))
	}
	position := e.store.enqueueWaiting(owner, spec, now)
	e.feed.Publish(newQueuedEvent(owner, position, now))
	return Decision{Kind: DecisionQueued, Position: position}
}

// UpdatePhase records a non-terminal phase transition for an active run.
// When token does not match the owner's current activation token the call is
// a stale no-op: a callback from a superseded run must not corrupt the state
// of the run that replaced it. Returns whether the update was applied.
func (e *Engine) UpdatePhase(owner RunOwner, phase RunPhase, token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.tokenValidLocked(owner, token) {
		return false
	}

	now := e.now()
	if !e.store.updateState(owner, phase, nil, nil, ReasonNone, now) {
		return false
	}
	e.feed.Publish(newPhaseChangedEvent(owner, phase, now))
	return true
}

// UpdateProgress records status text and/or fractional progress for an
// active run, under the same stale-token guard as UpdatePhase. Nil progress
// leaves the stored value untouched.
func (e *Engine) UpdateProgress(owner RunOwner, statusText string, progress *float64, token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.tokenValidLocked(owner, token) {
		return false
	}

	state := e.store.state(owner)
	if state == nil {
		return false
	}

	now := e.now()
	e.store.updateState(owner, state.Phase, &statusText, progress, ReasonNone, now)
	e.feed.Publish(newProgressUpdatedEvent(owner, statusText, progress, now))
	return true
}

// Finish moves the run to a terminal phase, tears it down, and promotes the
// oldest waiting owner of the same kind into the freed slot.
//
// When token is non-empty and does not match the owner's current activation
// token, the call is a stale no-op: the run it refers to has already been
// superseded or finished. Finish on an owner with no state is equally a
// no-op; races between independent callers are absorbed, never faulted.
func (e *Engine) Finish(owner RunOwner, terminalPhase RunPhase, reason TerminalReason, token string) bool {
	if !terminalPhase.Terminal() {
		e.logger.Warn("Finish: %s called with non-terminal phase %s", owner, terminalPhase)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.store.state(owner)
	if state == nil {
		return false
	}
	if token != "" && e.store.activeToken(owner) != token {
		e.logger.Debug("Finish: stale token for %s, ignoring", owner)
		return false
	}

	now := e.now()
	e.store.updateState(owner, terminalPhase, nil, nil, reason, now)
	final := e.store.state(owner).Clone()
	final.ActiveToken = ""
	e.history.record(final)

	wasActive := e.store.isActive(owner)
	e.store.removeTask(owner)
	e.logger.Info("Finish: %s -> %s (reason=%s)", owner, terminalPhase, reason)
	e.feed.Publish(newTerminalEvent(owner, terminalPhase, reason, now))

	if wasActive {
		e.promoteLocked(owner, now)
	}
	return true
}

// promoteLocked hands the slot freed by from to the oldest waiting owner of
// the same kind. The promoted/activated pair is published strictly after the
// terminal event of the owner that freed the slot.
func (e *Engine) promoteLocked(from RunOwner, now time.Time) {
	next, ok := e.store.popWaiting(from.Kind)
	if !ok {
		e.feed.Publish(newPromotedEvent(from, nil, now))
		return
	}

	spec, hasSpec := e.store.spec(next)
	if !hasSpec {
		spec = TaskSpec{TaskID: id.NewRunID(), Owner: next, SubmittedAt: now}
	}
	token := e.mintToken()
	e.store.activate(next, spec, token, PhaseRequesting, now)
	e.logger.Info("Promote: %s -> %s", from, next)

	promoted := next
	e.feed.Publish(newPromotedEvent(from, &promoted, now))
	e.feed.Publish(newActivatedEvent(next, token, now))
}

// AbandonWaiting removes owner from the waiting queue without promotion or
// token invalidation. Active runs are never touched: abandoning an owner
// that already started is a no-op. Returns whether an entry was removed.
func (e *Engine) AbandonWaiting(owner RunOwner) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.isActive(owner) {
		return false
	}
	if !e.store.removeWaiting(owner) {
		return false
	}
	e.store.removeTask(owner)
	now := e.now()
	e.logger.Info("AbandonWaiting: %s", owner)
	e.feed.Publish(newDroppedEvent(owner, "abandoned", now))
	return true
}

// AbandonWaitingFor removes every waiting entry of kind whose subject
// matches subjectID, regardless of slot. Returns the removed owners.
func (e *Engine) AbandonWaitingFor(kind TaskKind, subjectID string) []RunOwner {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := e.store.removeWaitingWhere(kind, func(owner RunOwner) bool {
		return owner.SubjectID == subjectID
	})
	now := e.now()
	for _, owner := range removed {
		e.store.removeTask(owner)
		e.logger.Info("AbandonWaiting: %s", owner)
		e.feed.Publish(newDroppedEvent(owner, "abandoned", now))
	}
	return removed
}

// StatusProjection returns a read-only copy of the owner's current state for
// UI rendering. The second result is false when the owner is idle.
func (e *Engine) StatusProjection(owner RunOwner) (RunState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.store.state(owner)
	if state == nil {
		return RunState{}, false
	}
	return state.Clone(), true
}

// SpecFor returns the submitted spec for a tracked owner. Coordinators use
// it to recover the original request when a promoted run activates.
func (e *Engine) SpecFor(owner RunOwner) (TaskSpec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.spec(owner)
}

// LastOutcome returns the retained terminal state of a recently finished
// run, if it is still in the history cache.
func (e *Engine) LastOutcome(owner RunOwner) (RunState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.lookup(owner)
}

// ActiveToken returns the owner's current activation token, or "" when the
// owner is not active. Intended for coordinators that cancel on behalf of a
// run they launched.
func (e *Engine) ActiveToken(owner RunOwner) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.activeToken(owner)
}

// ActiveCount returns the number of active runs for kind.
func (e *Engine) ActiveCount(kind TaskKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.activeCount(kind)
}

// WaitingDepth returns the waiting-queue length for kind.
func (e *Engine) WaitingDepth(kind TaskKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.waitingCount(kind)
}

// Snapshot copies the engine's tables for diagnostics or bulk UI refresh.
func (e *Engine) Snapshot() RunSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.snapshot(e.now())
}

// Close shuts down the event feed, closing every subscriber channel.
func (e *Engine) Close() {
	e.feed.Close()
}

// tokenValidLocked implements the stale-token guard shared by UpdatePhase,
// UpdateProgress, and Finish.
func (e *Engine) tokenValidLocked(owner RunOwner, token string) bool {
	if e.store.activeToken(owner) == token && token != "" {
		return true
	}
	e.logger.Debug("stale token for %s, ignoring", owner)
	return false
}
