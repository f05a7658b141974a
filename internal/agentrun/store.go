package agentrun

import "time"

// runStore holds the authoritative admission tables: active-owner sets and
// waiting-owner FIFO queues per task kind, plus state, spec, and token by
// owner. Each method is a single indivisible transition.
//
// The store is not safe for concurrent use. The engine owns it exclusively
// and serializes every access under its own lock; no other component may
// touch the tables directly.
type runStore struct {
	active  map[TaskKind]map[RunOwner]struct{}
	waiting map[TaskKind][]RunOwner
	states  map[RunOwner]*RunState
	specs   map[RunOwner]TaskSpec
	tokens  map[RunOwner]string
}

func newRunStore() *runStore {
	return &runStore{
		active:  make(map[TaskKind]map[RunOwner]struct{}),
		waiting: make(map[TaskKind][]RunOwner),
		states:  make(map[RunOwner]*RunState),
		specs:   make(map[RunOwner]TaskSpec),
		tokens:  make(map[RunOwner]string),
	}
}

func (s *runStore) isActive(owner RunOwner) bool {
	_, ok := s.active[owner.Kind][owner]
	return ok
}

// waitingPosition returns the 1-based queue position of owner, or 0 when the
// owner is not waiting.
func (s *runStore) waitingPosition(owner RunOwner) int {
	for i, waiting := range s.waiting[owner.Kind] {
		if waiting == owner {
			return i + 1
		}
	}
	return 0
}

func (s *runStore) activeCount(kind TaskKind) int {
	return len(s.active[kind])
}

func (s *runStore) waitingCount(kind TaskKind) int {
	return len(s.waiting[kind])
}

// activate inserts owner into the active set for its kind, replaces its
// activation token, and writes its state with the given phase. Any waiting
// membership is cleared first so the exclusivity invariant holds.
func (s *runStore) activate(owner RunOwner, spec TaskSpec, token string, phase RunPhase, now time.Time) {
	s.removeWaiting(owner)

	if s.active[owner.Kind] == nil {
		s.active[owner.Kind] = make(map[RunOwner]struct{})
	}
	s.active[owner.Kind][owner] = struct{}{}
	s.tokens[owner] = token
	s.specs[owner] = spec
	s.states[owner] = &RunState{
		TaskID:      spec.TaskID,
		Owner:       owner,
		Phase:       phase,
		ActiveToken: token,
		UpdatedAt:   now,
	}
}

// enqueueWaiting appends owner to its kind's FIFO queue and writes a waiting
// state. Returns the new queue length, which is also the 1-based position of
// the owner.
func (s *runStore) enqueueWaiting(owner RunOwner, spec TaskSpec, now time.Time) int {
	s.waiting[owner.Kind] = append(s.waiting[owner.Kind], owner)
	s.specs[owner] = spec
	s.states[owner] = &RunState{
		TaskID:    spec.TaskID,
		Owner:     owner,
		Phase:     PhaseWaiting,
		UpdatedAt: now,
	}
	return len(s.waiting[owner.Kind])
}

func (s *runStore) removeFromActive(owner RunOwner) {
	delete(s.active[owner.Kind], owner)
	if len(s.active[owner.Kind]) == 0 {
		delete(s.active, owner.Kind)
	}
}

// updateState mutates the owner's state in place. It is a no-op when the
// owner has no state record: a removed owner is never resurrected.
func (s *runStore) updateState(owner RunOwner, phase RunPhase, statusText *string, progress *float64, reason TerminalReason, now time.Time) bool {
	state, ok := s.states[owner]
	if !ok {
		return false
	}
	state.Phase = phase
	if statusText != nil {
		state.StatusText = *statusText
	}
	if progress != nil {
		value := *progress
		state.Progress = &value
	}
	if reason != ReasonNone {
		state.TerminalReason = reason
	}
	state.UpdatedAt = now
	return true
}

// popWaiting removes and returns the oldest waiting owner of kind.
func (s *runStore) popWaiting(kind TaskKind) (RunOwner, bool) {
	queue := s.waiting[kind]
	if len(queue) == 0 {
		return RunOwner{}, false
	}
	owner := queue[0]
	s.waiting[kind] = queue[1:]
	if len(s.waiting[kind]) == 0 {
		delete(s.waiting, kind)
	}
	return owner, true
}

// removeWaiting removes owner from its kind's queue. Idempotent.
func (s *runStore) removeWaiting(owner RunOwner) bool {
	queue := s.waiting[owner.Kind]
	for i, waiting := range queue {
		if waiting == owner {
			s.waiting[owner.Kind] = append(queue[:i], queue[i+1:]...)
			if len(s.waiting[owner.Kind]) == 0 {
				delete(s.waiting, owner.Kind)
			}
			return true
		}
	}
	return false
}

// removeWaitingWhere removes every waiting owner of kind matching the
// predicate, preserving the order of the rest. Returns the removed owners in
// queue order.
func (s *runStore) removeWaitingWhere(kind TaskKind, match func(RunOwner) bool) []RunOwner {
	queue := s.waiting[kind]
	if len(queue) == 0 {
		return nil
	}

	var removed []RunOwner
	kept := queue[:0]
	for _, owner := range queue {
		if match(owner) {
			removed = append(removed, owner)
			continue
		}
		kept = append(kept, owner)
	}
	if len(kept) == 0 {
		delete(s.waiting, kind)
	} else {
		s.waiting[kind] = kept
	}
	return removed
}

func (s *runStore) setActiveToken(owner RunOwner, token string) {
	s.tokens[owner] = token
	if state, ok := s.states[owner]; ok {
		state.ActiveToken = token
	}
}

func (s *runStore) activeToken(owner RunOwner) string {
	return s.tokens[owner]
}

func (s *runStore) state(owner RunOwner) *RunState {
	return s.states[owner]
}

func (s *runStore) spec(owner RunOwner) (TaskSpec, bool) {
	spec, ok := s.specs[owner]
	return spec, ok
}

// removeTask tears the owner down completely: waiting membership, active
// membership, token, spec, and state. Used on terminal finish and hard
// eviction.
func (s *runStore) removeTask(owner RunOwner) {
	s.removeWaiting(owner)
	s.removeFromActive(owner)
	delete(s.tokens, owner)
	delete(s.specs, owner)
	delete(s.states, owner)
}

// snapshot copies the tables for diagnostics or bulk UI refresh.
func (s *runStore) snapshot(now time.Time) RunSnapshot {
	snap := RunSnapshot{
		Active:  make(map[TaskKind][]RunOwner, len(s.active)),
		Waiting: make(map[TaskKind][]RunOwner, len(s.waiting)),
		States:  make(map[RunOwner]RunState, len(s.states)),
		TakenAt: now,
	}
	for kind, owners := range s.active {
		list := make([]RunOwner, 0, len(owners))
		for owner := range owners {
			list = append(list, owner)
		}
		snap.Active[kind] = list
	}
	for kind, queue := range s.waiting {
		snap.Waiting[kind] = append([]RunOwner(nil), queue...)
	}
	for owner, state := range s.states {
		snap.States[owner] = state.Clone()
	}
	return snap
}
