package agentrun

// OverflowPolicy decides what happens when a submission finds the waiting
// queue for its kind full.
type OverflowPolicy string

const (
	// OverflowReplaceOldest drops the oldest waiting owner of the same kind
	// and enqueues the new request at the tail. A user who retriggers a task
	// for new content is not starved behind an abandoned older request.
	OverflowReplaceOldest OverflowPolicy = "replace_oldest"
	// OverflowRejectNew keeps the queue as-is and rejects the new request.
	OverflowRejectNew OverflowPolicy = "reject_new"
)

const (
	defaultConcurrencyLimit = 1
	defaultWaitingLimit     = 2
)

// RuntimePolicy is the static admission configuration: per-kind concurrency
// ceilings and waiting-queue ceilings. Read-only to the engine.
type RuntimePolicy struct {
	ConcurrencyLimits map[TaskKind]int
	WaitingLimits     map[TaskKind]int
	Overflow          OverflowPolicy
}

// DefaultPolicy returns a policy with conservative single-slot limits.
func DefaultPolicy() RuntimePolicy {
	return RuntimePolicy{
		ConcurrencyLimits: map[TaskKind]int{
			KindSummary:     1,
			KindTranslation: 2,
			KindTagging:     1,
		},
		WaitingLimits: map[TaskKind]int{
			KindSummary:     2,
			KindTranslation: 2,
			KindTagging:     2,
		},
		Overflow: OverflowReplaceOldest,
	}
}

// ConcurrencyLimit returns the active-run ceiling for kind, clamped to a
// minimum of 1.
func (p RuntimePolicy) ConcurrencyLimit(kind TaskKind) int {
	return clampLimit(p.ConcurrencyLimits[kind], defaultConcurrencyLimit)
}

// WaitingLimit returns the waiting-queue ceiling for kind, clamped to a
// minimum of 1.
func (p RuntimePolicy) WaitingLimit(kind TaskKind) int {
	return clampLimit(p.WaitingLimits[kind], defaultWaitingLimit)
}

// OverflowPolicy returns the configured overflow behavior, defaulting to
// replace-oldest.
func (p RuntimePolicy) OverflowPolicy() OverflowPolicy {
	if p.Overflow == OverflowRejectNew {
		return OverflowRejectNew
	}
	return OverflowReplaceOldest
}

func clampLimit(value, fallback int) int {
	if value <= 0 {
		if fallback < 1 {
			return 1
		}
		return fallback
	}
	return value
}
