package agentrun

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultHistorySize = 256

// terminalHistory retains the final state of recently finished runs. The
// engine deletes a run's live state on terminal finish; observers that want
// to render the last outcome (a completed summary banner, a failure retry
// affordance) consult this bounded cache instead.
type terminalHistory struct {
	cache *lru.Cache[RunOwner, RunState]
}

func newTerminalHistory(size int) *terminalHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	cache, err := lru.New[RunOwner, RunState](size)
	if err != nil {
		panic(err)
	}
	return &terminalHistory{cache: cache}
}

// record stores the terminal state of owner, replacing any earlier outcome.
func (h *terminalHistory) record(state RunState) {
	h.cache.Add(state.Owner, state)
}

// lookup returns the last recorded outcome for owner.
func (h *terminalHistory) lookup(owner RunOwner) (RunState, bool) {
	return h.cache.Get(owner)
}

// forget drops the recorded outcome for owner, if any. Used when the owner
// is resubmitted so stale outcomes do not shadow a live run.
func (h *terminalHistory) forget(owner RunOwner) {
	h.cache.Remove(owner)
}
